package streamer

import "pipelined.dev/streamer/internal/state"

// State identifies one of the run states of the stream.
type State = state.State

// Run states.
var (
	// Idle means that stream can be launched.
	Idle State = state.Idle
	// Launching means that devices are being prefilled, armed and started.
	Launching State = state.Launching
	// Running means that devices are generating.
	Running State = state.Running
	// Stopping means that stop was requested or the run failed and devices
	// finish the repetition in flight.
	Stopping State = state.Stopping
)
