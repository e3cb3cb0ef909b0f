package apriltag

import (
	"errors"
	"fmt"
)

// Sentinel errors for initialization failures.
var (
	// ErrConfigMissing is returned when the camera info topic parameter is
	// not set under the namespace.
	ErrConfigMissing = errors.New("apriltag: configuration missing")

	// ErrServiceUnavailable is returned when the capture or analyze service
	// could not be found.
	ErrServiceUnavailable = errors.New("apriltag: service unavailable")

	// ErrMetadataTimeout is returned when no camera info arrived within the
	// configured metadata timeout.
	ErrMetadataTimeout = errors.New("apriltag: timed out waiting for camera info")
)

// CallError is a failed capture or analyze call.
type CallError struct {
	Service string
	Err     error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("apriltag [%s]: %v", e.Service, e.Err)
}

// Unwrap returns the underlying error.
func (e *CallError) Unwrap() error {
	return e.Err
}
