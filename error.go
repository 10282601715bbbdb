package streamer

import (
	"errors"
	"fmt"
	"strings"

	"pipelined.dev/streamer/internal/trigger"
)

// Error kinds. Every error returned by the stream matches one of them with
// errors.Is.
var (
	// ErrConfiguration is returned when devices or launch options are
	// invalid. Stream stays Idle.
	ErrConfiguration = errors.New("configuration error")
	// ErrHardwareIO is returned when device task operation failed.
	ErrHardwareIO = errors.New("hardware i/o error")
	// ErrProtocolMisuse is returned when operation is not legal in the
	// current state.
	ErrProtocolMisuse = errors.New("protocol misuse")
)

var (
	// ErrAlreadyRunning is returned when stream is launched while previous
	// launch is not finished.
	ErrAlreadyRunning = fmt.Errorf("%w: stream is already running", ErrProtocolMisuse)
	// ErrNotRunning is returned when stop is requested for idle stream.
	ErrNotRunning = fmt.Errorf("%w: stream is not running", ErrProtocolMisuse)
	// ErrClosed is returned when closed stream is used.
	ErrClosed = fmt.Errorf("%w: stream is closed", ErrProtocolMisuse)

	// ErrSequenceTooShortForLoop is returned when in-stream looping is
	// requested for a plan that is not longer than a single chunk.
	ErrSequenceTooShortForLoop = fmt.Errorf("%w: sequence is too short for in-stream loop", ErrConfiguration)
	// ErrDanglingTrigger is returned when device waits for a trigger that
	// nobody produces.
	ErrDanglingTrigger = fmt.Errorf("%w: %w", ErrConfiguration, trigger.ErrDangling)
	// ErrUnknownDevice is returned when option refers to a device that is
	// not streamed.
	ErrUnknownDevice = fmt.Errorf("%w: %w", ErrConfiguration, trigger.ErrUnknownDevice)
	// ErrNoDevices is returned when stream is initialized without devices.
	ErrNoDevices = fmt.Errorf("%w: no devices", ErrConfiguration)
	// ErrDuplicateDevice is returned when two plans target the same device.
	ErrDuplicateDevice = fmt.Errorf("%w: duplicate device", ErrConfiguration)
)

// HardwareError is returned when driver call for a device failed.
type HardwareError struct {
	Device string
	Op     string
	Err    error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Device, e.Op, e.Err)
}

// Unwrap returns the driver error.
func (e *HardwareError) Unwrap() error {
	return e.Err
}

// Is matches ErrHardwareIO.
func (e *HardwareError) Is(err error) bool {
	return err == ErrHardwareIO
}

// RunError is returned if run was launched, but generation and/or stop of
// devices failed.
type RunError struct {
	ErrRun  error
	ErrStop error
}

func (e *RunError) Error() string {
	switch {
	case e.ErrRun != nil && e.ErrStop != nil:
		return fmt.Sprintf("stop error: %v after run error: %v", e.ErrStop, e.ErrRun)
	case e.ErrRun != nil:
		return fmt.Sprintf("run error: %v", e.ErrRun)
	case e.ErrStop != nil:
		return fmt.Sprintf("stop error: %v", e.ErrStop)
	}
	return ""
}

// Is checks if any of errors match provided sentinel error.
func (e *RunError) Is(err error) bool {
	if e.ErrRun != nil && errors.Is(e.ErrRun, err) {
		return true
	}
	if e.ErrStop != nil && errors.Is(e.ErrStop, err) {
		return true
	}
	return false
}

// Unwrap returns the errors that occurred.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, 2)
	for _, err := range []error{e.ErrRun, e.ErrStop} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// runResult returns untyped nil if both errors are nil.
func runResult(errRun, errStop error) error {
	if errRun == nil && errStop == nil {
		return nil
	}
	return &RunError{ErrRun: errRun, ErrStop: errStop}
}

// execErrors wraps errors that might occur when multiple devices
// are failing.
type execErrors []error

func (e execErrors) Error() string {
	s := []string{}
	for _, se := range e {
		s = append(s, se.Error())
	}
	return strings.Join(s, ",")
}

// Unwrap allows to match any of the device errors.
func (e execErrors) Unwrap() []error {
	return e
}

// ret returns untyped nil if error is list is empty.
func (e execErrors) ret() error {
	if len(e) > 0 {
		return e
	}
	return nil
}
