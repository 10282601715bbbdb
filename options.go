package streamer

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultChunkDuration is the duration of signal written into the device
// buffer at once.
const DefaultChunkDuration = 150 * time.Millisecond

// Option configures the stream at initialization.
type Option func(*Stream)

// WithChunkDuration sets the duration of a single chunk. Device buffer
// holds two chunks.
func WithChunkDuration(d time.Duration) Option {
	return func(s *Stream) {
		s.chunkDuration = d
	}
}

// WithStartsLast makes the device started after all other devices,
// regardless of its trigger roles.
func WithStartsLast(deviceID string) Option {
	return func(s *Stream) {
		s.startsLast = deviceID
	}
}

// WithExternalTriggers declares trigger lines produced outside of the
// stream. Devices waiting for these lines are not dangling.
func WithExternalTriggers(lines ...string) Option {
	return func(s *Stream) {
		s.external = append(s.external, lines...)
	}
}

// WithRefClock makes the device export its reference clock to the
// terminal for the lifetime of the stream. Driver must implement
// driver.RefClockSharer.
func WithRefClock(deviceID, terminal string) Option {
	return func(s *Stream) {
		s.refClock = &refClock{device: deviceID, terminal: terminal}
	}
}

// WithLogger sets the logger of the stream. Stream doesn't log by default.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Stream) {
		s.logger = l
	}
}

// WithPollInterval sets the cadence of generated samples polling while
// devices drain. By default it's a tenth of the chunk duration, but no
// less than a millisecond and no more than ten.
func WithPollInterval(d time.Duration) Option {
	return func(s *Stream) {
		s.pollInterval = d
	}
}

// LaunchOption configures a single launch.
type LaunchOption func(*launch)

type launch struct {
	reps int
}

// InStream makes devices generate the plan n times without re-arming.
func InStream(n int) LaunchOption {
	return func(l *launch) {
		l.reps = n
	}
}

// InStreamForever makes devices repeat the plan until stop is requested.
func InStreamForever() LaunchOption {
	return func(l *launch) {
		l.reps = -1
	}
}

func (l launch) looping() bool {
	return l.reps != 1
}

func pollInterval(chunk time.Duration) time.Duration {
	d := chunk / 10
	switch {
	case d < time.Millisecond:
		return time.Millisecond
	case d > 10*time.Millisecond:
		return 10 * time.Millisecond
	}
	return d
}
