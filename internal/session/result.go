package session

import (
	"fmt"
	"time"
)

// Outcome tags the shape of a Result. Exactly one shape is populated per
// call; callers branch on the tag, never on which fields happen to be set.
type Outcome string

const (
	// OutcomeSuccess means the call completed and produced captured output.
	// The OK flag still distinguishes clean completion from remote code that
	// raised or exited non-zero; callers must not assume empty stderr means
	// success.
	OutcomeSuccess Outcome = "success"
	// OutcomeTimeout means the call exceeded its bound. No output is
	// guaranteed and nothing is known about the environment's health.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeFailure means a transport or session level failure after the
	// automatic restart was already attempted.
	OutcomeFailure Outcome = "failure"
)

// Result is the structured outcome of one execution call. The system never
// raises past its public boundary: every call resolves to one of these.
type Result struct {
	Outcome Outcome `json:"outcome"`
	OK      bool    `json:"ok"`
	Stdout  string  `json:"stdout,omitempty"`
	Stderr  string  `json:"stderr,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func successResult(ok bool, stdout, stderr string) Result {
	return Result{Outcome: OutcomeSuccess, OK: ok, Stdout: stdout, Stderr: stderr}
}

func timeoutResult(d time.Duration) Result {
	return Result{Outcome: OutcomeTimeout, Error: fmt.Sprintf("timeout after %s", d)}
}

func failureResult(message string) Result {
	return Result{Outcome: OutcomeFailure, Error: message}
}
