// Package driver defines the contract between the streamer and the
// hardware. Implementations wrap vendor task APIs: driver/sim provides an
// in-process simulated device and driver/portaudio streams analog output to
// a sound card.
package driver

import (
	"context"
	"errors"
)

// Kind is a type of output device.
type Kind int

const (
	// AnalogOutput device generates voltages.
	AnalogOutput Kind = iota
	// DigitalOutput device generates levels on digital lines. Samples
	// are 0 or 1.
	DigitalOutput
)

func (k Kind) String() string {
	switch k {
	case AnalogOutput:
		return "AO"
	case DigitalOutput:
		return "DO"
	}
	return "unknown"
}

// ErrUnsupported is returned when driver cannot serve requested feature.
var ErrUnsupported = errors.New("not supported by driver")

// TaskConfig defines the hardware task of a single device.
type TaskConfig struct {
	DeviceID   string
	Kind       Kind
	SampleRate float64
	Channels   int
	// BufferSize is the number of samples per channel that the onboard
	// buffer holds.
	BufferSize int
	// TriggerIn is the terminal the task waits on for a start pulse.
	TriggerIn string
	// TriggerOut is the terminal the task emits its start pulse on.
	TriggerOut     string
	SampleClockIn  string
	SampleClockOut string
	RefClockIn     string
}

// Chunk is a block of samples written to the task buffer. Samples are
// only valid during the Write call. The last chunk may be empty.
type Chunk struct {
	Samples [][]float64
	// Last marks the final chunk of the stream. Draining the buffer
	// after the last chunk is a completion, not an underrun.
	Last bool
}

// Len returns number of samples per channel in the chunk.
func (c Chunk) Len() int {
	if len(c.Samples) == 0 {
		return 0
	}
	return len(c.Samples[0])
}

// Driver opens hardware tasks.
type Driver interface {
	Open(context.Context, TaskConfig) (Task, error)
}

// Task is a hardware generation task of a single device. Task is used
// by a single goroutine at a time. Task can be reused for multiple runs:
// Stop discards buffered samples and resets the generated counter, so
// the next run starts with writes into an empty buffer.
type Task interface {
	// Arm commits the configuration. Task with trigger input starts
	// waiting for the pulse once it's started.
	Arm(context.Context) error
	// Start starts generation or, for a task with trigger input, starts
	// waiting for the pulse.
	Start(context.Context) error
	// Write blocks until the chunk fits into the buffer.
	Write(context.Context, Chunk) error
	// Generated returns number of samples that device has consumed from
	// the buffer since start.
	Generated() (int64, error)
	// Stop stops generation and disarms the task.
	Stop(context.Context) error
	// Close releases the task handle.
	Close() error
}

// RefClockSharer is implemented by drivers that can export 10 MHz
// reference clock of one device to a terminal for the whole stream.
type RefClockSharer interface {
	ShareRefClock(ctx context.Context, deviceID, terminal string) error
	UnshareRefClock(ctx context.Context, deviceID string) error
}
