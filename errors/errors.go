package errors

import (
	"errors"
	"fmt"
)

// Cause classifies a terminal decode failure for targeted handling and monitoring.
type Cause string

const (
	CauseDecodeUnknown     Cause = "decode_unknown"
	CauseBufferReuse       Cause = "buffer_reuse_failure"
	CauseResultInvalid     Cause = "result_invalid"
	CauseResultSizeInvalid Cause = "result_size_invalid"
	CausePreprocess        Cause = "preprocess_failure"
	CauseBoundsInvalid     Cause = "bounds_invalid"
	CauseUnsupportedFormat Cause = "unsupported_format"
	CauseSourceNotFound    Cause = "source_not_found"
	CauseCanceled          Cause = "canceled"
)

// DecodeError is the structured error type used throughout the module.
type DecodeError struct {
	Cause Cause
	Op    string // operation name
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Cause, e.Op)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Cause, e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// New creates a DecodeError.
func New(cause Cause, op string, err error) *DecodeError {
	return &DecodeError{Cause: cause, Op: op, Err: err}
}

// Wrap wraps an existing error with context. A nil err stays nil.
func Wrap(cause Cause, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(cause, op, err)
}

// CauseOf returns the cause of the outermost DecodeError in err's chain, or
// CauseDecodeUnknown when err carries none.
func CauseOf(err error) Cause {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Cause
	}
	return CauseDecodeUnknown
}

// Is reports whether err belongs to the given cause.
func Is(err error, cause Cause) bool {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Cause == cause
	}
	return false
}

// IsBufferReuse reports whether err was caused by an incompatible pooled
// buffer, the only failure that earns a retry.
func IsBufferReuse(err error) bool {
	return errors.Is(err, ErrBufferReuse) || Is(err, CauseBufferReuse)
}

// Sentinel errors for common failure modes.
var (
	ErrBufferReuse       = errors.New("pooled buffer incompatible with decoded image")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrInvalidDimensions = errors.New("invalid dimensions")
	ErrEmptyInput        = errors.New("empty input")
	ErrBitmapReleased    = errors.New("bitmap already released")
	ErrWorkerPoolFull    = errors.New("worker pool queue is full")
	ErrStopped           = errors.New("loader stopped")
)
