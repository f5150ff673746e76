package host

import (
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted is returned by ActivateWithRetry once every
	// attempt has failed. The last failure is wrapped alongside it.
	ErrRetriesExhausted = errors.New("activation retries exhausted")

	// ErrInstanceNotFound is returned for an unknown instance id.
	ErrInstanceNotFound = errors.New("calculator instance not found")

	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("runtime is shut down")
)

// InitError reports the component that failed to build.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init %s: %v", e.Component, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
