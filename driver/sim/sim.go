// Package sim provides a simulated data-acquisition driver. Devices
// consume samples in real time from a finite buffer, wait for trigger
// lines and report underruns the same way hardware does.
package sim

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/streamer/driver"
	"pipelined.dev/streamer/log"
	"pipelined.dev/streamer/wav"
)

var (
	// ErrUnderrun is returned when device buffer became empty before the
	// last chunk was written.
	ErrUnderrun = errors.New("buffer underrun")
	// ErrOverflow is returned when chunk doesn't fit into the buffer of a
	// device that is not started.
	ErrOverflow = errors.New("buffer overflow")
	// ErrMissedTrigger is returned when device is started after its
	// trigger line has already fired.
	ErrMissedTrigger = errors.New("trigger edge missed")
	// ErrNotArmed is returned when device is started before it's armed.
	ErrNotArmed = errors.New("device is not armed")
	// ErrNoRefClock is returned when device expects reference clock that
	// is not shared.
	ErrNoRefClock = errors.New("reference clock is not shared")
	// ErrNoSampleClock is returned when device expects sample clock that
	// nobody exports.
	ErrNoSampleClock = errors.New("sample clock is not exported")
	// ErrRefClockBusy is returned when reference clock is already shared
	// by another device.
	ErrRefClockBusy = errors.New("reference clock is already shared")
	// ErrClosed is returned when closed task is used.
	ErrClosed = errors.New("task is closed")
)

// Full scale of analog output recordings in volts.
const analogRange = 10

// Option configures the driver.
type Option func(*Driver)

// WithSpeed makes devices consume samples faster than real time.
func WithSpeed(factor float64) Option {
	return func(d *Driver) {
		d.speed = factor
	}
}

// WithRecording makes every opened device record generated samples into
// a wav file in the directory. File is named after the device.
func WithRecording(dir string, bitDepth int) Option {
	return func(d *Driver) {
		d.recordDir = dir
		d.bitDepth = bitDepth
	}
}

// WithLogger sets the logger of the driver.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Driver) {
		d.logger = l
	}
}

// Event is a record of driver operation.
type Event struct {
	At     time.Time
	Op     string
	Target string
}

func (e Event) String() string {
	return e.Op + " " + e.Target
}

// Driver simulates devices of a single chassis. Devices share trigger
// lines and reference clock.
type Driver struct {
	speed     float64
	recordDir string
	bitDepth  int
	logger    logrus.FieldLogger

	mu       sync.Mutex
	tasks    map[string]*Task
	lines    map[string]*line
	refClock *sharedClock
	events   []Event
}

type line struct {
	fired   bool
	waiters []*Task
}

type sharedClock struct {
	device   string
	terminal string
}

// New returns a new simulated driver.
func New(opts ...Option) *Driver {
	d := Driver{
		speed:  1,
		tasks:  make(map[string]*Task),
		lines:  make(map[string]*line),
		logger: log.Discard(),
	}
	for _, option := range opts {
		option(&d)
	}
	if d.speed <= 0 {
		d.speed = 1
	}
	return &d
}

// Open implements driver.Driver.
func (d *Driver) Open(_ context.Context, cfg driver.TaskConfig) (driver.Task, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("device %s: invalid task config: rate %v channels %d buffer %d",
			cfg.DeviceID, cfg.SampleRate, cfg.Channels, cfg.BufferSize)
	}
	t := &Task{
		cfg:     cfg,
		driver:  d,
		rate:    cfg.SampleRate * d.speed,
		startCh: make(chan struct{}),
		logger:  d.logger.WithField("device", cfg.DeviceID),
	}
	if d.recordDir != "" {
		scale := float64(analogRange)
		if cfg.Kind == driver.DigitalOutput {
			scale = 1
		}
		r, err := wav.Create(filepath.Join(d.recordDir, cfg.DeviceID+".wav"), cfg.SampleRate, cfg.Channels, d.bitDepth, scale)
		if err != nil {
			return nil, fmt.Errorf("device %s: recording: %w", cfg.DeviceID, err)
		}
		t.recorder = r
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tasks[cfg.DeviceID]; ok {
		if t.recorder != nil {
			t.recorder.Close()
		}
		return nil, fmt.Errorf("device %s is reserved by another task", cfg.DeviceID)
	}
	d.tasks[cfg.DeviceID] = t
	d.recordLocked("open", cfg.DeviceID)
	return t, nil
}

// ShareRefClock implements driver.RefClockSharer.
func (d *Driver) ShareRefClock(_ context.Context, deviceID, terminal string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tasks[deviceID]; !ok {
		return fmt.Errorf("device %s is not opened", deviceID)
	}
	if d.refClock != nil && d.refClock.device != deviceID {
		return fmt.Errorf("%w by %s", ErrRefClockBusy, d.refClock.device)
	}
	d.refClock = &sharedClock{device: deviceID, terminal: terminal}
	d.recordLocked("share", deviceID+"/"+terminal)
	return nil
}

// UnshareRefClock implements driver.RefClockSharer.
func (d *Driver) UnshareRefClock(_ context.Context, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refClock == nil || d.refClock.device != deviceID {
		return fmt.Errorf("%w by %s", ErrNoRefClock, deviceID)
	}
	d.refClock = nil
	d.recordLocked("unshare", deviceID)
	return nil
}

// Events returns the log of driver operations in order.
func (d *Driver) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

func (d *Driver) record(op, target string) {
	d.mu.Lock()
	d.recordLocked(op, target)
	d.mu.Unlock()
}

func (d *Driver) recordLocked(op, target string) {
	d.events = append(d.events, Event{At: time.Now(), Op: op, Target: target})
	d.logger.WithField("target", target).Debug(op)
}

func (d *Driver) lineLocked(name string) *line {
	l, ok := d.lines[name]
	if !ok {
		l = &line{}
		d.lines[name] = l
	}
	return l
}

// wait registers the task as waiting for its trigger line.
func (d *Driver) wait(t *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.lineLocked(t.cfg.TriggerIn)
	if l.fired {
		return fmt.Errorf("%w: %s", ErrMissedTrigger, t.cfg.TriggerIn)
	}
	l.waiters = append(l.waiters, t)
	d.recordLocked("wait", t.cfg.DeviceID+"/"+t.cfg.TriggerIn)
	return nil
}

// fire asserts the line and begins generation of all waiting tasks.
// Waiting tasks that export a trigger fire it at the same time.
func (d *Driver) fire(name string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pending := []string{name}
	for len(pending) > 0 {
		name, pending = pending[0], pending[1:]
		l := d.lineLocked(name)
		if l.fired {
			continue
		}
		l.fired = true
		d.recordLocked("fire", name)
		for _, t := range l.waiters {
			t.begin(at)
			if t.cfg.TriggerOut != "" {
				pending = append(pending, t.cfg.TriggerOut)
			}
		}
		l.waiters = nil
	}
}

// Fire pulses the line driven by equipment outside of the chassis. Only
// devices that already wait for the line are started.
func (d *Driver) Fire(line string) {
	d.fire(line, time.Now())
	d.mu.Lock()
	d.lineLocked(line).fired = false
	d.mu.Unlock()
}

// release removes the task from trigger line and resets exported line.
func (d *Driver) release(t *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.cfg.TriggerIn != "" {
		l := d.lineLocked(t.cfg.TriggerIn)
		for i, w := range l.waiters {
			if w == t {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
	}
	if t.cfg.TriggerOut != "" {
		d.lineLocked(t.cfg.TriggerOut).fired = false
	}
}

// checkRoutes validates clock routes of the task.
func (d *Driver) checkRoutes(t *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if in := t.cfg.RefClockIn; in != "" && (d.refClock == nil || d.refClock.terminal != in) {
		return fmt.Errorf("%w: %s", ErrNoRefClock, in)
	}
	if in := t.cfg.SampleClockIn; in != "" {
		for _, other := range d.tasks {
			if other != t && other.cfg.SampleClockOut == in {
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNoSampleClock, in)
	}
	return nil
}

func (d *Driver) remove(t *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tasks[t.cfg.DeviceID] == t {
		delete(d.tasks, t.cfg.DeviceID)
	}
	d.recordLocked("close", t.cfg.DeviceID)
}
