package bus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport failure")
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("request timed out")
	// ErrTypeMismatch matches every *TypeMismatchError.
	ErrTypeMismatch = errors.New("response type mismatch")
	// ErrDuplicateCorrelation matches every *DuplicateCorrelationError.
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")

	// ErrInvalidTimeout rejects calls without a positive timeout.
	ErrInvalidTimeout = errors.New("timeout must be positive")
	// ErrCancelled resolves an entry whose caller gave up.
	ErrCancelled = errors.New("call cancelled")
	// ErrRegistryClosed resolves entries still pending at shutdown.
	ErrRegistryClosed = errors.New("correlation registry closed")
)

// TransportError reports a send or subscribe failure after the transport's own
// retries were exhausted. This layer does not retry it.
type TransportError struct {
	Op    string // "publish" or "subscribe"
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// TimeoutError reports that no response arrived before the deadline. The whole
// call is safe to retry with a fresh correlation id.
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("correlation %s: no response within %s", e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// TypeMismatchError reports a response whose type disagrees with what the
// request declared. It points at a protocol or versioning bug.
type TypeMismatchError struct {
	CorrelationID string
	Expected      string
	Got           string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("correlation %s: expected %s response, got %s", e.CorrelationID, e.Expected, e.Got)
}

func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

// DuplicateCorrelationError reports a second registration of a live id, which
// means the id generator is broken.
type DuplicateCorrelationError struct {
	CorrelationID string
}

func (e *DuplicateCorrelationError) Error() string {
	return fmt.Sprintf("correlation %s already pending", e.CorrelationID)
}

func (e *DuplicateCorrelationError) Is(target error) bool { return target == ErrDuplicateCorrelation }

// Retryable reports whether err belongs to the service-unavailable class:
// the call may succeed if repeated with a fresh correlation id.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}
