package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/agent-sandbox/internal/platform"
	"github.com/sakif/agent-sandbox/internal/stream"
)

// RunShell executes one shell command in the environment as a fresh one-shot
// process, fully independent of any interpreter session. There is no state
// and no restart logic: each call stands alone, so there is nothing to
// recover.
//
// A non-zero exit code is a success-shaped result with OK=false and both
// streams captured. Hitting the deadline kills the one-shot process and
// returns a Timeout result.
func RunShell(ctx context.Context, env platform.Environment, logger *slog.Logger, command string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc, err := env.Spawn(cctx, []string{"bash", "-c", command})
	if err != nil {
		return failureResult(fmt.Sprintf("spawning shell process: %v", err))
	}
	defer bestEffort(logger, "kill one-shot process", proc.Kill)

	stdout := stream.NewLineReader(proc.Stdout())
	stderr := stream.NewLineReader(proc.Stderr())
	defer stdout.Close()
	defer stderr.Close()

	// Drain both streams while waiting for exit; a process that fills a
	// pipe must not deadlock against our Wait.
	outCh := make(chan string, 1)
	errCh := make(chan string, 1)
	go func() { outCh <- drainLines(cctx, stdout) }()
	go func() { errCh <- drainLines(cctx, stderr) }()

	exitCode, err := proc.Wait(cctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("one-shot command timed out",
				slog.String("environment", env.ID()),
				slog.Duration("timeout", timeout),
			)
			return timeoutResult(timeout)
		}
		return failureResult(fmt.Sprintf("waiting for shell process: %v", err))
	}

	return successResult(exitCode == 0, <-outCh, <-errCh)
}

// drainLines reads a stream to completion or context expiry, reassembling
// the captured text.
func drainLines(ctx context.Context, r *stream.LineReader) string {
	var b strings.Builder
	for {
		line, err := r.ReadLine(ctx)
		if err != nil {
			return b.String()
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
}
