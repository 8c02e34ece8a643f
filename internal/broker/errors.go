package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed connector.
	ErrClosed = errors.New("broker connector closed")

	// ErrNotConnected is returned when Connect has not succeeded yet.
	ErrNotConnected = errors.New("broker connector not connected")

	// ErrAlreadyResolved is returned when a delivery is acked or nacked twice.
	ErrAlreadyResolved = errors.New("delivery already resolved")

	// ErrForeignDelivery is returned when a delivery was not produced by this connector.
	ErrForeignDelivery = errors.New("delivery does not belong to this connector")
)

// ConnectionError reports a lost or failed broker connection. It is fatal to
// the connector; the owning pool decides whether to reconnect.
type ConnectionError struct {
	Kind string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s broker connection: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
