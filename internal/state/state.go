package state

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrInvalidState is returned if event cannot be handled in the
	// current state.
	ErrInvalidState = errors.New("invalid state")
)

// State identifies one of the possible states stream can be in.
type State interface {
	fmt.Stringer
	transition(event) (State, error)
}

// states
type (
	idle      struct{}
	launching struct{}
	running   struct{}
	stopping  struct{}
)

// states variables
var (
	Idle      idle      // Idle means that stream can be launched.
	Launching launching // Launching means that devices are being armed and started.
	Running   running   // Running means that devices are generating.
	Stopping  stopping  // Stopping means that current run drains or stops devices.
)

// event triggers the state change.
type event int

const (
	launch  event = iota // start arming devices
	started              // all devices are started
	stop                 // stop is requested or run failed
	finish               // devices are stopped and disarmed
)

func (e event) String() string {
	switch e {
	case launch:
		return "event.Launch"
	case started:
		return "event.Started"
	case stop:
		return "event.Stop"
	case finish:
		return "event.Finish"
	}
	return "event.Unknown"
}

func (idle) String() string      { return "Idle" }
func (launching) String() string { return "Launching" }
func (running) String() string   { return "Running" }
func (stopping) String() string  { return "Stopping" }

func (s idle) transition(e event) (State, error) {
	if e == launch {
		return Launching, nil
	}
	return s, invalid(s, e)
}

func (s launching) transition(e event) (State, error) {
	switch e {
	case started:
		return Running, nil
	case stop:
		return Stopping, nil
	}
	return s, invalid(s, e)
}

func (s running) transition(e event) (State, error) {
	if e == stop {
		return Stopping, nil
	}
	return s, invalid(s, e)
}

func (s stopping) transition(e event) (State, error) {
	switch e {
	case stop:
		return s, nil
	case finish:
		return Idle, nil
	}
	return s, invalid(s, e)
}

func invalid(s State, e event) error {
	return fmt.Errorf("%w: %v in %v", ErrInvalidState, e, s)
}

const stopFlag = int64(1) << 62

// Machine holds the run state of the stream and the stop request. State
// is changed by the controlling goroutine only, stop request and
// progress counters are read by device workers.
type Machine struct {
	mu       sync.Mutex
	state    State
	progress []Progress

	// reps is the latest repetition entered by any device, with
	// stopFlag set once stop is requested.
	reps atomic.Int64
}

// New returns machine in Idle state with progress counters for provided
// number of devices.
func New(devices int) *Machine {
	return &Machine{
		state:    Idle,
		progress: make([]Progress, devices),
	}
}

// State returns current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) send(e event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.state.transition(e)
	if err != nil {
		return err
	}
	m.state = s
	return nil
}

// Launch moves the machine into Launching state. Stop request and
// counters are reset.
func (m *Machine) Launch() error {
	if err := m.send(launch); err != nil {
		return err
	}
	m.reps.Store(0)
	for i := range m.progress {
		m.progress[i].reset()
	}
	return nil
}

// Started moves the machine into Running state.
func (m *Machine) Started() error {
	return m.send(started)
}

// Stop moves the machine into Stopping state. If request is true,
// devices are asked to finish generation at the end of the latest
// repetition entered by any of them. Failed run doesn't request anything,
// its devices are cancelled.
func (m *Machine) Stop(request bool) error {
	if err := m.send(stop); err != nil {
		return err
	}
	if !request {
		return nil
	}
	for {
		old := m.reps.Load()
		if old&stopFlag != 0 {
			return nil
		}
		target := old
		if target == 0 {
			target = 1
		}
		if m.reps.CompareAndSwap(old, target|stopFlag) {
			return nil
		}
	}
}

// Finish moves the machine into Idle state through Stopping.
func (m *Machine) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Running {
		m.state = Stopping
	}
	s, err := m.state.transition(finish)
	if err != nil {
		return err
	}
	m.state = s
	return nil
}

// StopRequested returns true if stop was requested for the current run.
func (m *Machine) StopRequested() bool {
	return m.reps.Load()&stopFlag != 0
}

// StopAt returns the number of repetitions after which devices stop. Zero
// means that stop is not requested.
func (m *Machine) StopAt() int64 {
	v := m.reps.Load()
	if v&stopFlag == 0 {
		return 0
	}
	return v &^ stopFlag
}

// Enter registers that a device is about to write samples of repetition
// reps, counting from one. It returns zero if the device may proceed.
// Once stop is requested, no device may enter a new repetition and the
// stop target is returned instead. The target is never less than any
// repetition entered before the request.
func (m *Machine) Enter(reps int64) int64 {
	for {
		old := m.reps.Load()
		if old&stopFlag != 0 {
			return old &^ stopFlag
		}
		if reps <= old || m.reps.CompareAndSwap(old, reps) {
			return 0
		}
	}
}

// Progress returns counters of the device at index i.
func (m *Machine) Progress(i int) *Progress {
	return &m.progress[i]
}

// Progress holds counters of a single device. Counters are monotonic
// within a run.
type Progress struct {
	written   atomic.Int64
	generated atomic.Int64
}

// Written returns number of samples pushed into the device buffer.
func (p *Progress) Written() int64 {
	return p.written.Load()
}

// Generated returns number of samples confirmed consumed by the device.
func (p *Progress) Generated() int64 {
	return p.generated.Load()
}

// AddWritten advances written counter.
func (p *Progress) AddWritten(n int64) {
	p.written.Add(n)
}

// SetGenerated advances generated counter to n. Smaller values are
// ignored.
func (p *Progress) SetGenerated(n int64) {
	for {
		old := p.generated.Load()
		if n <= old || p.generated.CompareAndSwap(old, n) {
			return
		}
	}
}

func (p *Progress) reset() {
	p.written.Store(0)
	p.generated.Store(0)
}
