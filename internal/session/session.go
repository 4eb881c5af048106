// Package session owns the lifecycle of the persistent interpreter process
// inside an environment: start, initialize, execute, detect failure, restart,
// and terminate. It also hosts the stateless one-shot shell runner.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/agent-sandbox/internal/apperror"
	"github.com/sakif/agent-sandbox/internal/platform"
	"github.com/sakif/agent-sandbox/internal/protocol"
	"github.com/sakif/agent-sandbox/internal/stream"
)

const (
	// DefaultTimeout bounds a call when the caller does not specify one.
	DefaultTimeout = 2 * time.Minute
	// defaultStartTimeout bounds process spawn plus initialization.
	defaultStartTimeout = 2 * time.Minute
	// defaultGraceTimeout is how long a graceful stop waits for its ack
	// before handles are force-closed.
	defaultGraceTimeout = 5 * time.Second
)

// Options tune an interpreter session. Zero values get defaults.
type Options struct {
	// ModulesPath is inserted into the interpreter's import path by the
	// initialization snippet.
	ModulesPath  string
	StartTimeout time.Duration
	GraceTimeout time.Duration
}

// Interpreter wraps one resident, long-lived interpreter process inside an
// environment. Variable and import state persists across Execute calls until
// the process fails or the session is closed. That persistence is the whole
// reason the process exists instead of spawning one per call.
//
// At most one resident process exists per session at any time. All calls are
// serialized: the wire protocol is single-flight, so a second concurrent
// request would have no way to tell whose response is whose.
type Interpreter struct {
	env          platform.Environment
	logger       *slog.Logger
	modulesPath  string
	startTimeout time.Duration
	graceTimeout time.Duration

	mu     sync.Mutex
	proc   platform.Process // nil = not started or discarded after failure
	stdin  *stream.LineWriter
	stdout *stream.LineReader
	closed bool
}

// NewInterpreter creates a session bound to env. The resident process is not
// started until the first Execute call.
func NewInterpreter(env platform.Environment, logger *slog.Logger, opts Options) *Interpreter {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = defaultGraceTimeout
	}
	return &Interpreter{
		env:          env,
		logger:       logger,
		modulesPath:  opts.ModulesPath,
		startTimeout: opts.StartTimeout,
		graceTimeout: opts.GraceTimeout,
	}
}

// Execute evaluates code in the resident interpreter, waiting up to timeout
// for the response.
//
// A timeout is returned as a Timeout result and does NOT fail the session:
// the process may simply still be computing, and a slow snippet must not
// poison unrelated later calls. The cost is that a genuinely hung process
// lingers until the session is released; its eventual late response may be
// consumed by the next call on this session.
//
// A transport failure (dead process, broken stream, malformed record) gets
// exactly one restart-and-retry against a fresh process before surfacing as
// a Failure result. Restart discards all interpreter state.
func (s *Interpreter) Execute(ctx context.Context, code string, timeout time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Result{}, apperror.SessionClosed(s.env.ID())
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			s.logger.Warn("interpreter session failed, restarting",
				slog.String("environment", s.env.ID()),
				slog.String("error", lastErr.Error()),
			)
		}
		if err := s.ensureStarted(ctx); err != nil {
			lastErr = err
			continue
		}

		resp, err := s.roundTrip(ctx, protocol.Request{Code: code}, timeout)
		if err == nil {
			return successResult(resp.OK, resp.Stdout, resp.Stderr), nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return timeoutResult(timeout), nil
		}
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}

		lastErr = err
		s.discard()
	}

	return failureResult(lastErr.Error()), nil
}

// ensureStarted spawns the resident process and runs the initialization
// snippet if no healthy process exists.
func (s *Interpreter) ensureStarted(ctx context.Context) error {
	if s.proc != nil {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()

	proc, err := s.env.Spawn(sctx, []string{"python3", "-u", "-c", protocol.SessionScript})
	if err != nil {
		return apperror.Provisioning("interpreter process", err)
	}
	s.proc = proc
	s.stdin = stream.NewLineWriter(proc.Stdin())
	s.stdout = stream.NewLineReader(proc.Stdout())

	// The working namespace must be in place before any caller code runs.
	if _, err := s.roundTrip(sctx, protocol.Request{Code: protocol.InitSnippet(s.modulesPath)}, s.startTimeout); err != nil {
		s.discard()
		return fmt.Errorf("initializing interpreter session: %w", err)
	}

	s.logger.Info("interpreter session ready", slog.String("environment", s.env.ID()))
	return nil
}

// roundTrip sends one control record and waits for its single response line.
// The protocol is single-flight, so no line within the deadline is an
// unambiguous signal that the process is hung or still busy.
func (s *Interpreter) roundTrip(ctx context.Context, req protocol.Request, timeout time.Duration) (protocol.Response, error) {
	b, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}
	if err := s.stdin.WriteLine(b); err != nil {
		return protocol.Response{}, fmt.Errorf("writing control record: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	line, err := s.stdout.ReadLine(rctx)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.DecodeResponse(line)
}

// discard drops the current process handle after a failure. Termination is
// best effort: a kill that fails must never block the restart that follows.
func (s *Interpreter) discard() {
	if s.proc == nil {
		return
	}
	bestEffort(s.logger, "kill stale interpreter process", s.proc.Kill)
	s.stdout.Close()
	s.proc, s.stdin, s.stdout = nil, nil, nil
}

// Close terminates the session: a graceful stop record with a short grace
// window for the ack, then force-closed handles either way. Close is
// absorbing: after it returns, Execute reports a session-closed error.
// It is safe to call more than once.
func (s *Interpreter) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.proc == nil {
		return nil
	}

	if b, err := protocol.EncodeRequest(protocol.Request{Terminate: true}); err == nil {
		if err := s.stdin.WriteLine(b); err == nil {
			gctx, cancel := context.WithTimeout(ctx, s.graceTimeout)
			if _, err := s.stdout.ReadLine(gctx); err != nil {
				s.logger.Debug("graceful stop not acknowledged",
					slog.String("environment", s.env.ID()),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}
	}
	s.discard()

	s.logger.Info("interpreter session closed", slog.String("environment", s.env.ID()))
	return nil
}

// bestEffort runs a cleanup step whose failure must never block the caller's
// path. The failure still gets logged so it stays observable.
func bestEffort(logger *slog.Logger, step string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn("best-effort cleanup failed",
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
	}
}
