package rosbridge

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("rosbridge: not connected")

	// ErrClosed is returned once the client or a publisher has been closed,
	// and to calls still pending when the connection drops.
	ErrClosed = errors.New("rosbridge: closed")

	// ErrParamNotFound is returned by GetParam when the parameter is unset.
	ErrParamNotFound = errors.New("rosbridge: parameter not found")
)

// ServiceError is a service call that reached the server but failed there.
type ServiceError struct {
	// Service is the fully-qualified service name.
	Service string

	// Message is the error text reported by rosbridge.
	Message string
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("rosbridge [%s]: service call failed: %s", e.Service, e.Message)
}
