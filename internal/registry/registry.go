// Package registry maps caller identities to isolated execution
// environments. Each caller gets its own environment and interpreter
// session, provisioned lazily on first use and held until released.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/agent-sandbox/internal/apperror"
	"github.com/sakif/agent-sandbox/internal/platform"
	"github.com/sakif/agent-sandbox/internal/session"
)

// Registry is the single source of truth for caller-to-environment bindings.
//
// Calls for the same caller are serialized; calls for different callers never
// block each other beyond a brief map access. Two environments are never live
// for one caller at the same time.
type Registry struct {
	platform    platform.Platform
	logger      *slog.Logger
	sessionOpts session.Options

	mu      sync.Mutex
	entries map[string]*entry
}

// entry holds one caller's binding. The entry mutex is held for the full
// duration of any call against it, which is what gives per-caller atomicity.
type entry struct {
	mu       sync.Mutex
	env      platform.Environment
	interp   *session.Interpreter
	released bool
}

// New creates an empty registry on top of the given platform.
func New(p platform.Platform, logger *slog.Logger, opts session.Options) *Registry {
	return &Registry{
		platform:    p,
		logger:      logger,
		sessionOpts: opts,
		entries:     make(map[string]*entry),
	}
}

// ExecuteCode runs code in the caller's persistent interpreter session,
// provisioning the environment and session on first use.
func (r *Registry) ExecuteCode(ctx context.Context, callerID, code string, timeout time.Duration) (session.Result, error) {
	e, err := r.acquire(ctx, callerID)
	if err != nil {
		return session.Result{}, err
	}
	defer e.mu.Unlock()
	return e.interp.Execute(ctx, code, timeout)
}

// ExecuteShell runs a one-shot shell command in the caller's environment.
// It does not touch the interpreter session, so a caller can run commands
// without ever starting one.
func (r *Registry) ExecuteShell(ctx context.Context, callerID, command string, timeout time.Duration) (session.Result, error) {
	e, err := r.acquire(ctx, callerID)
	if err != nil {
		return session.Result{}, err
	}
	defer e.mu.Unlock()
	return session.RunShell(ctx, e.env, r.logger.With(slog.String("caller", callerID)), command, timeout), nil
}

// ReleaseSession tears down the caller's binding: the interpreter session is
// stopped gracefully and the environment terminated. Releasing a caller that
// has no binding is a no-op, so the operation is safe to repeat. A release
// waits for any in-flight call on the same caller to finish first.
func (r *Registry) ReleaseSession(ctx context.Context, callerID string) {
	r.mu.Lock()
	e, ok := r.entries[callerID]
	if ok {
		delete(r.entries, callerID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return
	}
	e.released = true
	r.teardown(ctx, callerID, e)
}

// Shutdown releases every live binding. Used on server stop.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	entries := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		e.mu.Lock()
		if !e.released {
			e.released = true
			r.teardown(ctx, id, e)
		}
		e.mu.Unlock()
	}
}

// acquire returns the caller's entry with its mutex held and its environment
// provisioned. The caller must unlock it.
//
// A released tombstone can be observed when a release races a new call: the
// map may briefly still hold (or have just dropped) an entry another
// goroutine is tearing down. Retrying the lookup lands on a fresh entry.
func (r *Registry) acquire(ctx context.Context, callerID string) (*entry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.mu.Lock()
		e, ok := r.entries[callerID]
		if !ok {
			e = &entry{}
			r.entries[callerID] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if e.released {
			e.mu.Unlock()
			continue
		}
		if e.env == nil {
			if err := r.provision(ctx, callerID, e); err != nil {
				e.mu.Unlock()
				return nil, err
			}
		}
		return e, nil
	}
}

// provision binds a fresh environment and session to the entry. On failure
// the placeholder entry is withdrawn so a later call can try again.
func (r *Registry) provision(ctx context.Context, callerID string, e *entry) error {
	env, err := r.platform.Provision(ctx)
	if err != nil {
		e.released = true
		r.mu.Lock()
		if r.entries[callerID] == e {
			delete(r.entries, callerID)
		}
		r.mu.Unlock()
		return apperror.Provisioning("environment", err)
	}

	e.env = env
	e.interp = session.NewInterpreter(env, r.logger.With(
		slog.String("caller", callerID),
		slog.String("environment", env.ID()),
	), r.sessionOpts)

	r.logger.Info("environment bound",
		slog.String("caller", callerID),
		slog.String("environment", env.ID()),
	)
	return nil
}

// teardown stops the session and terminates the environment. Both steps are
// best effort: a failed kill must not leave the binding half-released.
func (r *Registry) teardown(ctx context.Context, callerID string, e *entry) {
	if e.interp != nil {
		if err := e.interp.Close(ctx); err != nil {
			r.logger.Warn("closing interpreter session",
				slog.String("caller", callerID),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.env != nil {
		if err := e.env.Terminate(ctx); err != nil {
			r.logger.Warn("terminating environment",
				slog.String("caller", callerID),
				slog.String("environment", e.env.ID()),
				slog.String("error", err.Error()),
			)
		}
		r.logger.Info("environment released",
			slog.String("caller", callerID),
			slog.String("environment", e.env.ID()),
		)
	}
}
