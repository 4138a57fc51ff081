package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies engine errors.
type Kind int

const (
	KindInternal Kind = iota
	KindRequestValidation
	KindEnvironmentNotReady
	KindBootstrap
	KindUserCode
	KindMarshalling
)

func (k Kind) String() string {
	switch k {
	case KindRequestValidation:
		return "RequestValidationError"
	case KindEnvironmentNotReady:
		return "EnvironmentNotReadyError"
	case KindBootstrap:
		return "BootstrapError"
	case KindUserCode:
		return "UserCodeError"
	case KindMarshalling:
		return "MarshallingError"
	default:
		return "InternalError"
	}
}

// Error is the typed error returned by the engine.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// Fatal marks a not-ready error caused by a permanently failed manager.
	Fatal bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrEmptyCode           = errors.New("code is empty")
	ErrEnvironmentNotReady = errors.New("no sandbox environment became ready")
	ErrEnvironmentFailed   = errors.New("sandbox environment failed to bootstrap")
	ErrEnvironmentSpent    = errors.New("environment has already run a request")
	ErrUnsafeFilename      = errors.New("unsafe filename")
)

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an engine error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// IsFatal reports whether err means the service will not recover by itself.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal
}

// FailureResult turns an engine error into a result with the regular shape.
func FailureResult(err error, elapsed time.Duration) *ExecutionResult {
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		msg = e.Err.Error()
		if e.Op != "" {
			msg = e.Op + ": " + msg
		}
	}
	return &ExecutionResult{
		Success:     false,
		OutputFiles: []OutputFile{},
		Error:       &ErrorInfo{Type: KindOf(err).String(), Message: msg},
		CodeRuntime: elapsed.Milliseconds(),
	}
}
