// Package plan provides compiled sample plans that are streamed to devices.
//
// Plan is immutable once it is created. It can be safely read by multiple
// goroutines. Plan is addressed by logical offsets: offset may exceed the
// length of the plan, in which case it wraps. This allows to treat a plan
// as concatenated with itself when it is looped within a single stream.
package plan

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrEmpty is returned when plan has no samples.
	ErrEmpty = errors.New("plan has no samples")
	// ErrChannelLength is returned when channels have different length.
	ErrChannelLength = errors.New("channels have different length")
	// ErrSampleRate is returned when sample rate is not positive.
	ErrSampleRate = errors.New("sample rate must be positive")
)

// Plan is a compiled per-device sequence of samples. Samples are stored
// per channel. Digital plans hold 0 and 1 values.
type Plan struct {
	deviceID   string
	sampleRate float64
	channels   [][]float64
	length     int
}

// New returns a plan for provided device. Channels must have the same
// non-zero length. Channel slices are retained and must not be modified
// after the call.
func New(deviceID string, sampleRate float64, channels ...[]float64) (*Plan, error) {
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrSampleRate)
	}
	if len(channels) == 0 || len(channels[0]) == 0 {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrEmpty)
	}
	length := len(channels[0])
	for i := range channels {
		if len(channels[i]) != length {
			return nil, fmt.Errorf("device %s channel %d: %w", deviceID, i, ErrChannelLength)
		}
	}
	return &Plan{
		deviceID:   deviceID,
		sampleRate: sampleRate,
		channels:   channels,
		length:     length,
	}, nil
}

// DeviceID returns id of the device this plan is compiled for.
func (p *Plan) DeviceID() string {
	return p.deviceID
}

// SampleRate returns sample rate of the plan in Hz.
func (p *Plan) SampleRate() float64 {
	return p.sampleRate
}

// Channels returns number of channels.
func (p *Plan) Channels() int {
	return len(p.channels)
}

// Len returns number of samples per channel in a single repetition.
func (p *Plan) Len() int {
	return p.length
}

// Duration returns duration of a single repetition.
func (p *Plan) Duration() time.Duration {
	return DurationOf(p.sampleRate, int64(p.length))
}

// SamplesIn returns number of samples generated by the device during d.
func (p *Plan) SamplesIn(d time.Duration) int {
	return int(math.Round(d.Seconds() * p.sampleRate))
}

// Value returns sample of channel at repetition-relative position i.
func (p *Plan) Value(channel, i int) float64 {
	return p.channels[channel][i]
}

// Buffer allocates a buffer that can hold size samples of every channel.
func (p *Plan) Buffer(size int) [][]float64 {
	b := make([][]float64, len(p.channels))
	for i := range b {
		b[i] = make([]float64, size)
	}
	return b
}

// Read copies samples starting at logical offset into dst. Offset wraps
// modulo plan length. Number of copied samples is the length of dst
// channels.
func (p *Plan) Read(dst [][]float64, offset int64) int {
	if len(dst) == 0 {
		return 0
	}
	n := len(dst[0])
	pos := int(offset % int64(p.length))
	for copied := 0; copied < n; {
		c := 0
		for i := range p.channels {
			c = copy(dst[i][copied:n], p.channels[i][pos:])
		}
		copied += c
		pos = 0
	}
	return n
}

// DurationOf returns time duration of samples at provided sample rate.
func DurationOf(sampleRate float64, samples int64) time.Duration {
	return time.Duration(float64(samples) * float64(time.Second) / sampleRate)
}
