package tap

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for tap package operations.
// These errors enable reliable error classification using errors.Is().

var (
	// ErrNotActivated indicates the controller has no running primary tap.
	ErrNotActivated = errors.New("controller is not activated")

	// ErrNoDevices indicates an empty target device list.
	ErrNoDevices = errors.New("device list is empty")

	// ErrNoTapDescription indicates the platform created a tap but
	// returned no description for it.
	ErrNoTapDescription = errors.New("no tap description available")

	// ErrSecondaryTapInvalid indicates the secondary audio path was no
	// longer structurally valid at promotion time.
	ErrSecondaryTapInvalid = errors.New("secondary tap is no longer valid")

	// ErrInvalidTransition indicates an illegal crossfade phase transition.
	ErrInvalidTransition = errors.New("invalid crossfade phase transition")
)

// TapCreationError indicates the OS process tap could not be created.
type TapCreationError struct {
	Code int32
	Err  error
}

func (e *TapCreationError) Error() string {
	return fmt.Sprintf("tap creation failed (status %d): %v", e.Code, e.Err)
}

func (e *TapCreationError) Unwrap() error { return e.Err }

// AggregateCreationError indicates the private aggregate device could
// not be created.
type AggregateCreationError struct {
	Code int32
	Err  error
}

func (e *AggregateCreationError) Error() string {
	return fmt.Sprintf("aggregate device creation failed (status %d): %v", e.Code, e.Err)
}

func (e *AggregateCreationError) Unwrap() error { return e.Err }

// DeviceNotReadyError indicates the aggregate device did not report
// ready within the bounded wait.
type DeviceNotReadyError struct {
	Timeout time.Duration
}

func (e *DeviceNotReadyError) Error() string {
	return fmt.Sprintf("aggregate device not ready after %v", e.Timeout)
}

// statusCode extracts a platform status code from err, or -1 when the
// error carries none.
func statusCode(err error) int32 {
	var osErr *OSStatusError
	if errors.As(err, &osErr) {
		return osErr.Code
	}
	return -1
}
