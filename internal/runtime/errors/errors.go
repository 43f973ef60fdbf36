package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected        = sterrors.New("wirebus: transport is not connected")
	ErrNoHandler           = sterrors.New("wirebus: no handler registered for pattern")
	ErrDisconnected        = sterrors.New("wirebus: transport disconnected with requests in flight")
	ErrHandlerRequired     = sterrors.New("wirebus: handler function is required")
	ErrPatternRequired     = sterrors.New("wirebus: message pattern is required")
	ErrTopicRequired       = sterrors.New("wirebus: topic is required")
	ErrTransportRequired   = sterrors.New("wirebus: transport is required")
	ErrBrokerClosed        = sterrors.New("wirebus: broker is closed")
	ErrInstanceNotFound    = sterrors.New("wirebus: service instance not found")
	ErrNoInstances         = sterrors.New("wirebus: no healthy instances available")
	ErrServiceNameRequired = sterrors.New("wirebus: service name is required")
	ErrRegistryClosed      = sterrors.New("wirebus: service registry is closed")
	ErrAlreadyStarted      = sterrors.New("wirebus: microservice is already started")
)

// ConnectionError reports a failure to establish the underlying link of a
// transport driver.
type ConnectionError struct {
	Driver string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("wirebus: %s connect failed: %v", e.Driver, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError wraps err as a ConnectionError for the named driver.
func NewConnectionError(driver string, err error) error {
	return &ConnectionError{Driver: driver, Err: err}
}

// TimeoutError reports a request/reply call that exceeded its deadline. The
// pending entry for the correlation id has been cleaned up by the time this
// error is returned.
type TimeoutError struct {
	Pattern string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wirebus: request %q timed out after %s", e.Pattern, e.Elapsed)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return sterrors.As(err, &te)
}

// HandlerError wraps an error returned by a registered handler so retry
// accounting can distinguish handler failures from transport failures.
type HandlerError struct {
	Topic string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("wirebus: handler for %q failed: %v", e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
