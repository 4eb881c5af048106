// Package platform declares the interface to the remote sandbox platform:
// provisioning an isolated environment and spawning processes inside it.
// Isolation, resource limits, and their enforcement are the platform's
// responsibility; everything above this interface only sees opaque handles
// and byte streams.
package platform

import (
	"context"
	"io"
)

// Platform provisions isolated execution environments. Implementations live
// in subpackages (docker for real use, fake for tests).
type Platform interface {
	Provision(ctx context.Context) (Environment, error)
}

// Environment is an opaque handle to one isolated execution context. It is
// owned by exactly one interpreter session's lifecycle manager and never
// shared across caller ids.
type Environment interface {
	ID() string

	// Spawn starts a process inside the environment and returns handles to
	// its standard streams.
	Spawn(ctx context.Context, argv []string) (Process, error)

	// Terminate destroys the environment and everything running in it.
	Terminate(ctx context.Context) error
}

// Process is one process running inside an environment.
//
// Stdout and Stderr are opaque handles: depending on the backend they may be
// an io.Reader, a chunk channel, a read-one-line primitive, or nil when the
// stream was not attached. Pass them to stream.NewLineReader rather than
// asserting a shape.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() any
	Stderr() any

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Kill force-terminates the process, best effort.
	Kill() error
}
