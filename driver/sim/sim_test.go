package sim_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/streamer"
	"pipelined.dev/streamer/driver"
	"pipelined.dev/streamer/driver/sim"
	"pipelined.dev/streamer/plan"
	"pipelined.dev/streamer/wav"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var ctx = context.Background()

func open(t *testing.T, d *sim.Driver, cfg driver.TaskConfig) driver.Task {
	t.Helper()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 20
	}
	task, err := d.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, task.Close())
	})
	return task
}

func chunk(n int, last bool) driver.Chunk {
	return driver.Chunk{Samples: [][]float64{make([]float64, n)}, Last: last}
}

func ops(d *sim.Driver) []string {
	var s []string
	for _, e := range d.Events() {
		s = append(s, e.String())
	}
	return s
}

func TestBackpressure(t *testing.T) {
	d := sim.New()
	task := open(t, d, driver.TaskConfig{DeviceID: "Dev1"})

	// idle device accepts writes up to the buffer size
	require.NoError(t, task.Write(ctx, chunk(10, false)))
	require.NoError(t, task.Write(ctx, chunk(10, false)))
	assert.True(t, errors.Is(task.Write(ctx, chunk(10, false)), sim.ErrOverflow))
	assert.True(t, errors.Is(task.Write(ctx, chunk(30, false)), sim.ErrOverflow))

	require.NoError(t, task.Arm(ctx))
	require.NoError(t, task.Start(ctx))
	start := time.Now()
	// 10 samples are generated in 10ms
	require.NoError(t, task.Write(ctx, chunk(10, true)))
	assert.GreaterOrEqual(t, time.Since(start), 8*time.Millisecond)

	generated, err := task.Generated()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, generated, int64(10))

	// blocked write honors context
	wctx, cancel := context.WithTimeout(ctx, time.Millisecond)
	defer cancel()
	require.NoError(t, task.Stop(ctx))
	require.NoError(t, task.Write(ctx, chunk(20, false)))
	require.NoError(t, task.Arm(ctx))
	require.NoError(t, task.Start(ctx))
	assert.True(t, errors.Is(task.Write(wctx, chunk(20, false)), context.DeadlineExceeded))
}

func TestUnderrun(t *testing.T) {
	d := sim.New(sim.WithSpeed(10))
	task := open(t, d, driver.TaskConfig{DeviceID: "Dev1"})

	require.NoError(t, task.Write(ctx, chunk(20, false)))
	require.NoError(t, task.Arm(ctx))
	require.NoError(t, task.Start(ctx))
	// 20 samples at 10 kHz take 2ms
	time.Sleep(10 * time.Millisecond)

	_, err := task.Generated()
	assert.True(t, errors.Is(err, sim.ErrUnderrun))
	assert.True(t, errors.Is(task.Write(ctx, chunk(10, false)), sim.ErrUnderrun))

	// stop discards the buffer and the error
	require.NoError(t, task.Stop(ctx))
	generated, err := task.Generated()
	assert.NoError(t, err)
	assert.Zero(t, generated)
}

func TestDrain(t *testing.T) {
	d := sim.New(sim.WithSpeed(10))
	task := open(t, d, driver.TaskConfig{DeviceID: "Dev1"})

	require.NoError(t, task.Write(ctx, chunk(15, true)))
	require.NoError(t, task.Arm(ctx))
	require.NoError(t, task.Start(ctx))
	time.Sleep(10 * time.Millisecond)

	generated, err := task.Generated()
	assert.NoError(t, err)
	assert.Equal(t, int64(15), generated)
}

func TestTrigger(t *testing.T) {
	d := sim.New()
	producer := open(t, d, driver.TaskConfig{DeviceID: "Producer", TriggerOut: "PFI0"})
	relay := open(t, d, driver.TaskConfig{DeviceID: "Relay", TriggerIn: "PFI0", TriggerOut: "PFI1"})
	waiter := open(t, d, driver.TaskConfig{DeviceID: "Waiter", TriggerIn: "PFI1"})

	for _, task := range []driver.Task{relay, waiter, producer} {
		require.NoError(t, task.Write(ctx, chunk(20, true)))
		require.NoError(t, task.Arm(ctx))
	}
	require.NoError(t, relay.Start(ctx))
	require.NoError(t, waiter.Start(ctx))
	generated, err := waiter.Generated()
	require.NoError(t, err)
	assert.Zero(t, generated)

	require.NoError(t, producer.Start(ctx))
	assert.Equal(t, []string{
		"open Producer", "open Relay", "open Waiter",
		"arm Relay", "arm Waiter", "arm Producer",
		"start Relay", "wait Relay/PFI0",
		"start Waiter", "wait Waiter/PFI1",
		"start Producer", "fire PFI0", "fire PFI1",
	}, ops(d))

	time.Sleep(25 * time.Millisecond)
	for _, task := range []driver.Task{producer, relay, waiter} {
		generated, err := task.Generated()
		assert.NoError(t, err)
		assert.Equal(t, int64(20), generated)
	}
}

func TestMissedTrigger(t *testing.T) {
	d := sim.New()
	producer := open(t, d, driver.TaskConfig{DeviceID: "Producer", TriggerOut: "PFI0"})
	waiter := open(t, d, driver.TaskConfig{DeviceID: "Waiter", TriggerIn: "PFI0"})

	assert.True(t, errors.Is(waiter.Start(ctx), sim.ErrNotArmed))
	require.NoError(t, producer.Arm(ctx))
	require.NoError(t, waiter.Arm(ctx))
	require.NoError(t, producer.Start(ctx))
	assert.True(t, errors.Is(waiter.Start(ctx), sim.ErrMissedTrigger))

	// line is released when producer is stopped
	require.NoError(t, producer.Stop(ctx))
	require.NoError(t, waiter.Stop(ctx))
	require.NoError(t, producer.Arm(ctx))
	require.NoError(t, waiter.Arm(ctx))
	require.NoError(t, waiter.Start(ctx))
	require.NoError(t, producer.Start(ctx))
}

func TestExternalTrigger(t *testing.T) {
	d := sim.New(sim.WithSpeed(10))
	waiter := open(t, d, driver.TaskConfig{DeviceID: "Waiter", TriggerIn: "PXI_Trig0"})
	require.NoError(t, waiter.Write(ctx, chunk(20, true)))
	require.NoError(t, waiter.Arm(ctx))
	require.NoError(t, waiter.Start(ctx))

	// blocked write is released by the trigger
	done := make(chan error)
	go func() {
		done <- waiter.Write(ctx, chunk(10, true))
	}()
	d.Fire("PXI_Trig0")
	assert.NoError(t, <-done)
}

func TestClocks(t *testing.T) {
	d := sim.New()
	leader := open(t, d, driver.TaskConfig{DeviceID: "Leader", SampleClockOut: "PFI5"})
	follower := open(t, d, driver.TaskConfig{DeviceID: "Follower", SampleClockIn: "PFI5", RefClockIn: "RTSI7"})
	orphan := open(t, d, driver.TaskConfig{DeviceID: "Orphan", SampleClockIn: "PFI6"})

	assert.True(t, errors.Is(follower.Arm(ctx), sim.ErrNoRefClock))
	assert.True(t, errors.Is(orphan.Arm(ctx), sim.ErrNoSampleClock))

	require.NoError(t, d.ShareRefClock(ctx, "Leader", "RTSI7"))
	assert.True(t, errors.Is(d.ShareRefClock(ctx, "Follower", "RTSI7"), sim.ErrRefClockBusy))
	assert.NoError(t, leader.Arm(ctx))
	assert.NoError(t, follower.Arm(ctx))

	require.NoError(t, d.UnshareRefClock(ctx, "Leader"))
	assert.True(t, errors.Is(d.UnshareRefClock(ctx, "Leader"), sim.ErrNoRefClock))
}

func TestOpen(t *testing.T) {
	d := sim.New()
	open(t, d, driver.TaskConfig{DeviceID: "Dev1"})
	_, err := d.Open(ctx, driver.TaskConfig{DeviceID: "Dev1", SampleRate: 1000, Channels: 1, BufferSize: 10})
	assert.Error(t, err)
	_, err = d.Open(ctx, driver.TaskConfig{DeviceID: "Dev2"})
	assert.Error(t, err)
}

// sine returns one period of sine wave.
func sine(n int, amplitude float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = amplitude * math.Sin(2*math.Pi*float64(i)/float64(n))
	}
	return s
}

func stream(t *testing.T, d *sim.Driver, length int) *streamer.Stream {
	t.Helper()
	ao, err := plan.New("AO", 10000, sine(length, 5), sine(length, -2))
	require.NoError(t, err)
	do, err := plan.New("DO", 10000, sine(length, 1))
	require.NoError(t, err)
	s, err := streamer.Init(ctx, d, []streamer.Device{
		{Plan: ao, Kind: driver.AnalogOutput, TriggerIn: "PFI0"},
		{Plan: do, Kind: driver.DigitalOutput, TriggerOut: "PFI0"},
	}, streamer.WithChunkDuration(50*time.Millisecond))
	require.NoError(t, err)
	return s
}

func TestStreamer(t *testing.T) {
	dir := t.TempDir()
	d := sim.New(sim.WithRecording(dir, 32))
	s := stream(t, d, 2000)

	require.NoError(t, s.Launch(ctx, streamer.InStream(2)))
	finished, err := s.WaitUntilFinished(0)
	assert.True(t, finished)
	require.NoError(t, err)
	assert.Equal(t, 2, s.RepsGenerated())
	require.NoError(t, s.Close())

	// waiting device is started before the trigger fires
	events := ops(d)
	assert.Less(t, index(events, "start AO"), index(events, "start DO"))
	assert.Less(t, index(events, "start DO"), index(events, "fire PFI0"))

	p, err := wav.Load(filepath.Join(dir, "AO.wav"), "AO", 10)
	require.NoError(t, err)
	require.Equal(t, 4000, p.Len())
	expected := sine(2000, 5)
	for i := 0; i < p.Len(); i += 97 {
		assert.InDelta(t, expected[i%2000], p.Value(0, i), 1e-6, "sample %d", i)
	}
}

func TestStreamerInterrupt(t *testing.T) {
	dir := t.TempDir()
	d := sim.New(sim.WithRecording(dir, 16))
	s := stream(t, d, 1000)

	require.NoError(t, s.Launch(ctx, streamer.InStreamForever()))
	time.Sleep(250 * time.Millisecond)
	require.NoError(t, s.Interrupt())
	reps := s.RepsGenerated()
	assert.GreaterOrEqual(t, reps, 2)
	require.NoError(t, s.Close())

	for _, id := range []string{"AO", "DO"} {
		p, err := wav.Load(filepath.Join(dir, id+".wav"), id, 1)
		require.NoError(t, err)
		assert.Zero(t, p.Len()%1000, id)
		assert.Equal(t, reps, p.Len()/1000, id)
	}
}

func index(events []string, event string) int {
	for i, e := range events {
		if e == event {
			return i
		}
	}
	return -1
}

func TestExternalPulse(t *testing.T) {
	d := sim.New()
	d.Fire("PXI_Trig0")
	waiter := open(t, d, driver.TaskConfig{DeviceID: "Waiter", TriggerIn: "PXI_Trig0"})
	require.NoError(t, waiter.Arm(ctx))
	// pulse before the start is not latched
	require.NoError(t, waiter.Start(ctx))
}
