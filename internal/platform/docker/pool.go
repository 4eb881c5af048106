package docker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pool keeps a set of pre-warmed environments so that a caller's first
// request does not pay container startup latency. Every pooled environment
// is fresh: it is handed to exactly one caller and never returned.
type Pool struct {
	platform  *Platform
	size      int
	logger    *slog.Logger
	warm      chan *Environment
	done      chan struct{}
	wg        sync.WaitGroup
	startDone sync.Once
}

// NewPool initializes a new environment pool wrapper.
func NewPool(p *Platform, size int, logger *slog.Logger) *Pool {
	return &Pool{
		platform: p,
		size:     size,
		logger:   logger,
		warm:     make(chan *Environment, size),
		done:     make(chan struct{}),
	}
}

// Start begins filling the pool with fresh environments in the background.
func (p *Pool) Start() {
	p.startDone.Do(func() {
		p.logger.Info("starting environment pool", slog.Int("size", p.size))
		p.wg.Add(1)
		go p.manager()
	})
}

// Stop shuts down the manager and tears down all pre-warmed environments.
func (p *Pool) Stop() {
	p.logger.Info("shutting down environment pool")
	close(p.done)
	p.wg.Wait()

	// Drain the channel and terminate surviving environments.
	for {
		select {
		case env := <-p.warm:
			p.terminate(env)
		default:
			return
		}
	}
}

// Get returns a pre-warmed environment or nil when none is ready. It never
// blocks: a cold provision is always cheaper than stalling the caller on a
// struggling pool.
func (p *Pool) Get() *Environment {
	select {
	case env := <-p.warm:
		return env
	default:
		return nil
	}
}

// manager continuously keeps the pool at capacity.
func (p *Pool) manager() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		default:
			if len(p.warm) < cap(p.warm) {
				env, err := p.platform.createEnvironment(context.Background())
				if err != nil {
					p.logger.Error("failed to create pre-warmed environment", slog.String("error", err.Error()))
					time.Sleep(1 * time.Second) // backoff on failure
					continue
				}

				select {
				case p.warm <- env:
				case <-p.done:
					p.terminate(env)
					return
				}
			} else {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

func (p *Pool) terminate(env *Environment) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := env.Terminate(ctx); err != nil {
		p.logger.Error("failed to terminate pooled environment",
			slog.String("id", env.ID()),
			slog.String("error", err.Error()),
		)
	}
}
