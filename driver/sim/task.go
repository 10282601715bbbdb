package sim

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/streamer/driver"
	"pipelined.dev/streamer/wav"
)

// Task is a simulated device. Consumption is computed lazily from the
// time elapsed since the start.
type Task struct {
	cfg      driver.TaskConfig
	driver   *Driver
	rate     float64
	recorder *wav.Recorder
	logger   logrus.FieldLogger

	// task methods never call driver while holding mu
	mu      sync.Mutex
	armed   bool
	waiting bool
	started bool
	startAt time.Time
	startCh chan struct{}
	written int64
	last    bool
	err     error
	closed  bool
}

// Config returns configuration of the task.
func (t *Task) Config() driver.TaskConfig {
	return t.cfg
}

// Arm implements driver.Task.
func (t *Task) Arm(context.Context) error {
	if err := t.driver.checkRoutes(t); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.armed = true
	t.mu.Unlock()
	t.driver.record("arm", t.cfg.DeviceID)
	return nil
}

// Start implements driver.Task. Device that waits for a trigger begins
// generation when the line fires.
func (t *Task) Start(context.Context) error {
	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return ErrClosed
	case !t.armed:
		t.mu.Unlock()
		return ErrNotArmed
	}
	t.mu.Unlock()

	t.driver.record("start", t.cfg.DeviceID)
	if t.cfg.TriggerIn != "" {
		if err := t.driver.wait(t); err != nil {
			return err
		}
		t.mu.Lock()
		if !t.started {
			t.waiting = true
		}
		t.mu.Unlock()
		return nil
	}
	now := time.Now()
	t.begin(now)
	if t.cfg.TriggerOut != "" {
		t.driver.fire(t.cfg.TriggerOut, now)
	}
	return nil
}

// begin starts consumption.
func (t *Task) begin(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.waiting = false
	t.startAt = at
	close(t.startCh)
	t.logger.WithField("at", at).Debug("generation started")
}

// consumedLocked returns number of samples generated by now.
func (t *Task) consumedLocked(now time.Time) (int64, error) {
	if !t.started {
		return 0, nil
	}
	demand := int64(now.Sub(t.startAt).Seconds() * t.rate)
	if demand <= t.written {
		return demand, nil
	}
	if t.last {
		return t.written, nil
	}
	t.err = ErrUnderrun
	return t.written, t.err
}

// Write implements driver.Task. It blocks until the chunk fits into the
// buffer. Device that is not started accepts writes up to the buffer
// size.
func (t *Task) Write(ctx context.Context, c driver.Chunk) error {
	n := int64(c.Len())
	capacity := int64(t.cfg.BufferSize)
	if n > capacity {
		return ErrOverflow
	}
	for {
		t.mu.Lock()
		if err := t.checkLocked(); err != nil {
			t.mu.Unlock()
			return err
		}
		generated, err := t.consumedLocked(time.Now())
		if err != nil {
			t.mu.Unlock()
			return err
		}
		if n <= capacity-(t.written-generated) {
			err := t.pushLocked(c)
			t.mu.Unlock()
			return err
		}

		if !t.started {
			// buffer of idle device is full
			ch, waiting := t.startCh, t.waiting
			t.mu.Unlock()
			if !waiting {
				return ErrOverflow
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
			}
			continue
		}

		// wait until enough samples are generated
		target := t.written + n - capacity
		wake := t.startAt.Add(time.Duration(float64(target) / t.rate * float64(time.Second)))
		t.mu.Unlock()
		timer := time.NewTimer(time.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *Task) checkLocked() error {
	if t.closed {
		return ErrClosed
	}
	return t.err
}

func (t *Task) pushLocked(c driver.Chunk) error {
	if t.recorder != nil {
		if err := t.recorder.Write(c.Samples); err != nil {
			return err
		}
	}
	t.written += int64(c.Len())
	t.last = c.Last
	return nil
}

// Generated implements driver.Task.
func (t *Task) Generated() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	if t.err != nil {
		return t.written, t.err
	}
	return t.consumedLocked(time.Now())
}

// Stop implements driver.Task. Buffer is discarded and trigger lines are
// released.
func (t *Task) Stop(context.Context) error {
	t.driver.release(t)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.reset()
	t.mu.Unlock()
	t.driver.record("stop", t.cfg.DeviceID)
	return nil
}

func (t *Task) reset() {
	if !t.started {
		// waiting writes must not block forever
		close(t.startCh)
	}
	t.startCh = make(chan struct{})
	t.armed, t.waiting, t.started, t.last = false, false, false, false
	t.written = 0
	t.err = nil
}

// Close implements driver.Task. Recording is flushed.
func (t *Task) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.reset()
	r := t.recorder
	t.mu.Unlock()

	t.driver.release(t)
	t.driver.remove(t)
	if r != nil {
		return r.Close()
	}
	return nil
}
