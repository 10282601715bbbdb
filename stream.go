package streamer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"pipelined.dev/streamer/driver"
	"pipelined.dev/streamer/internal/state"
	"pipelined.dev/streamer/internal/writer"
	"pipelined.dev/streamer/log"
	"pipelined.dev/streamer/metric"
	"pipelined.dev/streamer/plan"
)

// Device declares the plan of a single device and its trigger and clock
// roles. Empty line means that role is not used.
type Device struct {
	Plan *plan.Plan
	Kind driver.Kind

	TriggerIn      string
	TriggerOut     string
	SampleClockIn  string
	SampleClockOut string
	RefClockIn     string

	// MinWriteTimeout is the lower bound of a single write timeout.
	MinWriteTimeout time.Duration
}

// ID returns the id of the device the plan is built for.
func (d Device) ID() string {
	return d.Plan.DeviceID()
}

// IsTriggerSink returns true if device waits for a trigger.
func (d Device) IsTriggerSink() bool {
	return d.TriggerIn != ""
}

// IsTriggerSource returns true if device produces a trigger.
func (d Device) IsTriggerSource() bool {
	return d.TriggerOut != ""
}

// Stream executes sample plans on a set of devices. Stream is created
// with Init and must be closed after use. Methods are safe for concurrent
// use.
type Stream struct {
	id      string
	logger  logrus.FieldLogger
	drv     driver.Driver
	devices []*device
	machine *state.Machine

	chunkDuration time.Duration
	pollInterval  time.Duration
	startsLast    string
	external      []string
	refClock      *refClock

	// mu serializes controller calls, it's never held while waiting.
	mu     sync.Mutex
	run    *run
	closed bool
}

type refClock struct {
	device   string
	terminal string
	shared   bool
}

// device is the entry of the device arena. It's used by a single writer
// goroutine during the run and by the controller between runs.
type device struct {
	Device
	index     int
	task      driver.Task
	writer    *writer.Writer
	meter     metric.ResetFunc
	chunkSize int
}

func (d *device) hardwareError(op string, err error) error {
	return &HardwareError{Device: d.ID(), Op: op, Err: err}
}

// Init validates devices, opens their tasks and shares the reference clock
// if requested. Stream is Idle after Init.
func Init(ctx context.Context, drv driver.Driver, devices []Device, opts ...Option) (*Stream, error) {
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	s := Stream{
		id:            xid.New().String(),
		drv:           drv,
		chunkDuration: DefaultChunkDuration,
	}
	for _, option := range opts {
		option(&s)
	}
	if s.chunkDuration <= 0 {
		return nil, fmt.Errorf("%w: chunk duration %v", ErrConfiguration, s.chunkDuration)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = pollInterval(s.chunkDuration)
	}
	if s.logger == nil {
		s.logger = log.Discard()
	}
	s.logger = s.logger.WithField("stream", s.id)

	seen := make(map[string]struct{}, len(devices))
	for i, d := range devices {
		if d.Plan == nil {
			return nil, fmt.Errorf("%w: device %d has no plan", ErrConfiguration, i)
		}
		if _, ok := seen[d.ID()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID())
		}
		seen[d.ID()] = struct{}{}
	}
	if s.startsLast != "" {
		if _, ok := seen[s.startsLast]; !ok {
			return nil, fmt.Errorf("%w: starts last %s", ErrUnknownDevice, s.startsLast)
		}
	}
	if s.refClock != nil {
		if _, ok := seen[s.refClock.device]; !ok {
			return nil, fmt.Errorf("%w: ref clock %s", ErrUnknownDevice, s.refClock.device)
		}
		if _, ok := drv.(driver.RefClockSharer); !ok {
			return nil, fmt.Errorf("%w: ref clock sharing: %w", ErrConfiguration, driver.ErrUnsupported)
		}
	}

	s.machine = state.New(len(devices))
	for i, d := range devices {
		dev, err := s.open(ctx, i, d)
		if err != nil {
			_ = s.release(ctx)
			return nil, err
		}
		s.devices = append(s.devices, dev)
	}
	if err := s.shareRefClock(ctx); err != nil {
		_ = s.release(ctx)
		return nil, err
	}
	s.logger.WithField("devices", len(s.devices)).Debug("stream initialized")
	return &s, nil
}

// open configures the task of the device.
func (s *Stream) open(ctx context.Context, i int, d Device) (*device, error) {
	chunkSize := d.Plan.SamplesIn(s.chunkDuration)
	if chunkSize < 1 {
		chunkSize = 1
	}
	task, err := s.drv.Open(ctx, driver.TaskConfig{
		DeviceID:       d.ID(),
		Kind:           d.Kind,
		SampleRate:     d.Plan.SampleRate(),
		Channels:       d.Plan.Channels(),
		BufferSize:     2 * chunkSize,
		TriggerIn:      d.TriggerIn,
		TriggerOut:     d.TriggerOut,
		SampleClockIn:  d.SampleClockIn,
		SampleClockOut: d.SampleClockOut,
		RefClockIn:     d.RefClockIn,
	})
	if err != nil {
		return nil, &HardwareError{Device: d.ID(), Op: "open", Err: err}
	}
	writeTimeout := 2 * s.chunkDuration
	if d.MinWriteTimeout > writeTimeout {
		writeTimeout = d.MinWriteTimeout
	}
	return &device{
		Device:    d,
		index:     i,
		task:      task,
		chunkSize: chunkSize,
		meter:     metric.Meter(d.ID(), d.Plan.SampleRate(), d.Plan.Len()),
		writer: writer.New(task, d.Plan, s.machine.Progress(i), s.machine, writer.Config{
			ChunkSize:    chunkSize,
			WriteTimeout: writeTimeout,
			PollInterval: s.pollInterval,
		}),
	}, nil
}

func (s *Stream) shareRefClock(ctx context.Context) error {
	if s.refClock == nil {
		return nil
	}
	sharer := s.drv.(driver.RefClockSharer)
	if err := sharer.ShareRefClock(ctx, s.refClock.device, s.refClock.terminal); err != nil {
		return &HardwareError{Device: s.refClock.device, Op: "share ref clock", Err: err}
	}
	s.refClock.shared = true
	s.logger.WithFields(logrus.Fields{
		"device":   s.refClock.device,
		"terminal": s.refClock.terminal,
	}).Debug("ref clock shared")
	return nil
}

// release closes tasks and unshares reference clock. Errors are
// aggregated.
func (s *Stream) release(ctx context.Context) error {
	var errs execErrors
	for _, d := range s.devices {
		if err := d.task.Close(); err != nil {
			errs = append(errs, d.hardwareError("close", err))
		}
	}
	if s.refClock != nil && s.refClock.shared {
		sharer := s.drv.(driver.RefClockSharer)
		if err := sharer.UnshareRefClock(ctx, s.refClock.device); err != nil {
			errs = append(errs, &HardwareError{Device: s.refClock.device, Op: "unshare ref clock", Err: err})
		}
		s.refClock.shared = false
	}
	return errs.ret()
}

// stopAll stops tasks of all devices. It's called after every run.
func (s *Stream) stopAll(ctx context.Context) error {
	var errs execErrors
	for _, d := range s.devices {
		if err := d.task.Stop(ctx); err != nil {
			errs = append(errs, d.hardwareError("stop", err))
		}
	}
	return errs.ret()
}

// Close stops all devices, closes their tasks and releases the reference
// clock. If stream is running, generation is interrupted immediately.
// Close is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs execErrors
	if r := s.run; r != nil {
		r.cancel()
		<-r.done
		s.run = nil
		if err := s.stopAll(context.Background()); err != nil {
			errs = append(errs, err)
		}
		_ = s.machine.Finish()
	}
	if err := s.release(context.Background()); err != nil {
		errs = append(errs, err)
	}
	s.logger.Debug("stream closed")
	return errs.ret()
}

// Scoped initializes the stream, calls fn and closes the stream on every
// exit path, including panic. Close error is returned if fn succeeded.
func Scoped(ctx context.Context, drv driver.Driver, devices []Device, fn func(*Stream) error, opts ...Option) (err error) {
	s, err := Init(ctx, drv, devices, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := s.Close(); err == nil {
			err = errClose
		}
	}()
	return fn(s)
}

// ID returns the unique id of the stream.
func (s *Stream) ID() string {
	return s.id
}

// State returns the current run state.
func (s *Stream) State() state.State {
	return s.machine.State()
}

// RepsWritten returns the number of complete repetitions pushed into all
// device buffers during the current or the last run.
func (s *Stream) RepsWritten() int {
	return s.reps((*state.Progress).Written)
}

// RepsGenerated returns the number of complete repetitions generated by
// all devices during the current or the last run.
func (s *Stream) RepsGenerated() int {
	return s.reps((*state.Progress).Generated)
}

func (s *Stream) reps(counter func(*state.Progress) int64) int {
	reps := int64(-1)
	for _, d := range s.devices {
		r := counter(s.machine.Progress(d.index)) / int64(d.Plan.Len())
		if reps < 0 || r < reps {
			reps = r
		}
	}
	if reps < 0 {
		return 0
	}
	return int(reps)
}
