// Package trigger orders arming and starting of devices which share
// start trigger lines.
//
// Devices which wait for a trigger must be armed and waiting before the
// device that emits the pulse is started, otherwise the edge is missed.
// The ordering is a two-bucket partition: waiting devices first, then
// producers. Optionally one device is moved to the very end.
package trigger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDangling is returned when trigger input doesn't match any
	// trigger output in the stream.
	ErrDangling = errors.New("trigger input has no matching output")
	// ErrUnknownDevice is returned when starts-last device is not the
	// part of the stream.
	ErrUnknownDevice = errors.New("unknown device")
)

// Role is a trigger declaration of a device.
type Role struct {
	Device string
	In     string
	Out    string
}

// Sink returns true if device waits for a start pulse.
func (r Role) Sink() bool {
	return r.In != ""
}

// Source returns true if device emits a start pulse.
func (r Role) Source() bool {
	return r.Out != ""
}

// Order is a sequence of device indices. Devices are armed and then
// started in this order.
type Order []int

// Arrange validates roles and returns launch order. External lines are
// driven by equipment outside of the stream and satisfy trigger inputs.
func Arrange(roles []Role, startsLast string, external ...string) (Order, error) {
	outputs := make(map[string]struct{}, len(roles)+len(external))
	for _, line := range external {
		outputs[line] = struct{}{}
	}
	for _, r := range roles {
		if r.Source() {
			outputs[r.Out] = struct{}{}
		}
	}

	last := -1
	for i, r := range roles {
		if r.Sink() {
			if _, ok := outputs[r.In]; !ok {
				return nil, fmt.Errorf("device %s waits on %s: %w", r.Device, r.In, ErrDangling)
			}
		}
		if startsLast != "" && r.Device == startsLast {
			last = i
		}
	}
	if startsLast != "" && last == -1 {
		return nil, fmt.Errorf("starts last %s: %w", startsLast, ErrUnknownDevice)
	}

	waiting := make([]int, 0, len(roles))
	producers := make([]int, 0, len(roles))
	for i, r := range roles {
		if i == last {
			continue
		}
		if r.Sink() || !r.Source() {
			waiting = append(waiting, i)
		} else {
			producers = append(producers, i)
		}
	}
	order := append(waiting, producers...)
	if last != -1 {
		order = append(order, last)
	}
	return order, nil
}

// Device is armed and started by the coordinator.
type Device interface {
	Arm(context.Context) error
	Start(context.Context) error
}

// Error is returned when device failed to arm or start.
type Error struct {
	Index int
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s device %d: %v", e.Op, e.Index, e.Err)
}

// Unwrap returns the device error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Launch arms all devices and then starts them following the order.
// Devices slice is indexed the same way as roles passed to Arrange.
func (o Order) Launch(ctx context.Context, devices []Device) error {
	for _, i := range o {
		if err := devices[i].Arm(ctx); err != nil {
			return &Error{Index: i, Op: "arm", Err: err}
		}
	}
	for _, i := range o {
		if err := devices[i].Start(ctx); err != nil {
			return &Error{Index: i, Op: "start", Err: err}
		}
	}
	return nil
}
