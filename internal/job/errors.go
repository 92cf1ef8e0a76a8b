package job

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an operation does not apply to
	// the job's current status. No state is mutated.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrHandlerTimeout is the cause recorded when the watchdog fires.
	ErrHandlerTimeout = errors.New("handler timed out")
	// ErrStalled is the cause recorded for ACTIVE jobs whose worker vanished.
	ErrStalled = errors.New("job stalled")
)

// FailureKind tags why an attempt failed.
type FailureKind string

const (
	KindHandler FailureKind = "handler_error"
	KindTimeout FailureKind = "handler_timeout"
	KindStalled FailureKind = "stalled"
)

// HandlerError wraps a failure produced while running a job handler.
type HandlerError struct {
	Kind FailureKind
	Err  error
}

func (e *HandlerError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// NewHandlerError wraps err as a handler failure of the given kind.
func NewHandlerError(kind FailureKind, err error) *HandlerError {
	return &HandlerError{Kind: kind, Err: err}
}

// PanicError converts a recovered panic value into a handler error.
func PanicError(v interface{}) *HandlerError {
	return &HandlerError{Kind: KindHandler, Err: fmt.Errorf("panic: %v", v)}
}

// KindOf classifies err into a FailureKind.
func KindOf(err error) FailureKind {
	var herr *HandlerError
	if errors.As(err, &herr) && herr.Kind != "" {
		return herr.Kind
	}
	switch {
	case errors.Is(err, ErrHandlerTimeout):
		return KindTimeout
	case errors.Is(err, ErrStalled):
		return KindStalled
	}
	return KindHandler
}
