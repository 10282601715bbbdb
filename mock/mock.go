// Package mock provides a driver mock which allows to execute integration
// tests of the streamer without hardware.
//
// Mocked devices consume samples immediately when they are written.
// WriteDelay allows to slow the consumption down to emulate the pace of a
// real device.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pipelined.dev/streamer/driver"
)

// Driver mocks driver.Driver. All tasks opened by the driver share the
// same operation log.
type Driver struct {
	// Tasks allows to configure mocks before they are opened. Tasks for
	// unlisted devices are created on Open.
	Tasks       map[string]*Task
	ErrorOnOpen error

	ErrorOnShareRefClock error
	sharedRefClock       string

	mu  sync.Mutex
	log []string
}

// Open implements driver.Driver.
func (d *Driver) Open(_ context.Context, cfg driver.TaskConfig) (driver.Task, error) {
	d.record("open", cfg.DeviceID)
	if d.ErrorOnOpen != nil {
		return nil, d.ErrorOnOpen
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Tasks == nil {
		d.Tasks = make(map[string]*Task)
	}
	t, ok := d.Tasks[cfg.DeviceID]
	if !ok {
		t = &Task{}
		d.Tasks[cfg.DeviceID] = t
	}
	t.Config = cfg
	t.driver = d
	return t, nil
}

// ShareRefClock implements driver.RefClockSharer.
func (d *Driver) ShareRefClock(_ context.Context, deviceID, terminal string) error {
	d.record("share", deviceID)
	if d.ErrorOnShareRefClock != nil {
		return d.ErrorOnShareRefClock
	}
	d.mu.Lock()
	d.sharedRefClock = deviceID + "/" + terminal
	d.mu.Unlock()
	return nil
}

// UnshareRefClock implements driver.RefClockSharer.
func (d *Driver) UnshareRefClock(_ context.Context, deviceID string) error {
	d.record("unshare", deviceID)
	d.mu.Lock()
	d.sharedRefClock = ""
	d.mu.Unlock()
	return nil
}

// SharedRefClock returns device and terminal of the shared reference clock.
func (d *Driver) SharedRefClock() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sharedRefClock
}

// Log returns operations in the order they were called. Writes are not
// logged, use Task counters instead.
func (d *Driver) Log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

// Task returns the mock of the device.
func (d *Driver) Task(deviceID string) *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Tasks[deviceID]
}

func (d *Driver) record(op, deviceID string) {
	d.mu.Lock()
	d.log = append(d.log, fmt.Sprintf("%s %s", op, deviceID))
	d.mu.Unlock()
}

// Task mocks up driver.Task.
type Task struct {
	Config driver.TaskConfig
	// WriteDelay is slept on every write that contains samples.
	WriteDelay time.Duration
	// Record keeps all written samples.
	Record bool
	// FailAfter makes ErrorOnWrite returned only after this number of
	// successful writes.
	FailAfter int

	ErrorOnArm       error
	ErrorOnStart     error
	ErrorOnWrite     error
	ErrorOnGenerated error
	ErrorOnStop      error
	ErrorOnClose     error

	Hooks
	driver *Driver

	mu       sync.Mutex
	counter
	samples  [][]float64
	lastSeen bool
}

// Hooks reports which task methods were called.
type Hooks struct {
	Armed   int
	Started int
	Stopped int
	Closed  int
}

// Arm implements driver.Task.
func (t *Task) Arm(context.Context) error {
	t.driver.record("arm", t.Config.DeviceID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Armed++
	return t.ErrorOnArm
}

// Start implements driver.Task.
func (t *Task) Start(context.Context) error {
	t.driver.record("start", t.Config.DeviceID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Started++
	return t.ErrorOnStart
}

// Write implements driver.Task.
func (t *Task) Write(ctx context.Context, c driver.Chunk) error {
	t.mu.Lock()
	if t.ErrorOnWrite != nil && t.writes >= t.FailAfter {
		t.mu.Unlock()
		return t.ErrorOnWrite
	}
	delay := t.WriteDelay
	t.mu.Unlock()

	if delay > 0 && c.Len() > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.advance(c.Len())
	t.lastSeen = c.Last
	if t.Record {
		if t.samples == nil {
			t.samples = make([][]float64, len(c.Samples))
		}
		for i := range c.Samples {
			t.samples[i] = append(t.samples[i], c.Samples[i]...)
		}
	}
	return nil
}

// Generated implements driver.Task. All written samples are consumed.
func (t *Task) Generated() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ErrorOnGenerated != nil {
		return 0, t.ErrorOnGenerated
	}
	return int64(t.written), nil
}

// Stop implements driver.Task.
func (t *Task) Stop(context.Context) error {
	t.driver.record("stop", t.Config.DeviceID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Stopped++
	t.reset()
	return t.ErrorOnStop
}

// Close implements driver.Task.
func (t *Task) Close() error {
	t.driver.record("close", t.Config.DeviceID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed++
	return t.ErrorOnClose
}

// Samples returns recorded samples of all runs.
func (t *Task) Samples() [][]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples
}

// LastSeen returns true if the last chunk of the run was written.
func (t *Task) LastSeen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// Count returns writes and samples of the current run and the total
// number of samples written by all runs.
func (t *Task) Count() (writes, samples, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes, t.written, t.total
}

// HooksCalled returns a snapshot of hook counters.
func (t *Task) HooksCalled() Hooks {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Hooks
}

// counter counts writes and samples.
type counter struct {
	writes  int
	written int
	total   int
}

func (c *counter) advance(size int) {
	c.writes++
	c.written += size
	c.total += size
}

// reset is called when task is stopped.
func (c *counter) reset() {
	c.writes, c.written = 0, 0
}
