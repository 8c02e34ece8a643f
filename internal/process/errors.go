package process

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokenPipe is returned by SendLine when the worker can no longer read input.
	ErrBrokenPipe = errors.New("worker stdin closed")

	// ErrExited is returned by ReceiveLine when stdout reaches end-of-stream.
	ErrExited = errors.New("worker exited")
)

// LaunchError reports a worker executable that could not be started.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
