// Package portaudio provides analog output driver backed by the default
// audio device. Audio devices have no trigger and clock routing, so only
// plain analog output tasks are supported.
package portaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"pipelined.dev/streamer/driver"
)

// Driver opens tasks on the default output device.
type Driver struct {
	mu   sync.Mutex
	refs int
}

// Open implements driver.Driver. It initializes portaudio api with the
// first opened task.
func (d *Driver) Open(_ context.Context, cfg driver.TaskConfig) (driver.Task, error) {
	if err := supported(cfg); err != nil {
		return nil, err
	}
	if err := d.initialize(); err != nil {
		return nil, err
	}
	frames := cfg.BufferSize / 2
	if frames < 1 {
		frames = 1
	}
	t := &Task{
		cfg:    cfg,
		driver: d,
		frames: frames,
		buf:    make([]float32, frames*cfg.Channels),
	}
	var err error
	t.stream, err = portaudio.OpenDefaultStream(0, cfg.Channels, cfg.SampleRate, frames, &t.buf)
	if err != nil {
		d.terminate()
		return nil, fmt.Errorf("device %s: %w", cfg.DeviceID, err)
	}
	t.latency = t.stream.Info().OutputLatency
	return t, nil
}

func supported(cfg driver.TaskConfig) error {
	switch {
	case cfg.Kind != driver.AnalogOutput:
		return fmt.Errorf("%w: %v task", driver.ErrUnsupported, cfg.Kind)
	case cfg.TriggerIn != "" || cfg.TriggerOut != "":
		return fmt.Errorf("%w: triggers", driver.ErrUnsupported)
	case cfg.SampleClockIn != "" || cfg.SampleClockOut != "" || cfg.RefClockIn != "":
		return fmt.Errorf("%w: clock routing", driver.ErrUnsupported)
	}
	return nil
}

func (d *Driver) initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return err
		}
	}
	d.refs++
	return nil
}

func (d *Driver) terminate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs--
	if d.refs == 0 {
		return portaudio.Terminate()
	}
	return nil
}

// Task plays samples with portaudio blocking stream. Chunks written before
// start are kept in memory and flushed on start.
type Task struct {
	cfg     driver.TaskConfig
	driver  *Driver
	stream  *portaudio.Stream
	frames  int
	buf     []float32
	latency time.Duration

	mu        sync.Mutex
	pending   [][][]float64
	started   bool
	written   int64
	last      bool
	lastWrite time.Time
}

// Arm implements driver.Task.
func (t *Task) Arm(context.Context) error {
	return nil
}

// Start implements driver.Task.
func (t *Task) Start(context.Context) error {
	if err := t.stream.Start(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	for _, samples := range t.pending {
		if err := t.play(samples); err != nil {
			return err
		}
	}
	t.pending = nil
	return nil
}

// Write implements driver.Task. Blocking write is bounded by the
// portaudio buffer duration and is not interrupted by context.
func (t *Task) Write(ctx context.Context, c driver.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = c.Last
	if !t.started {
		// samples are valid only during the call
		t.pending = append(t.pending, copySamples(c.Samples))
		return nil
	}
	return t.play(c.Samples)
}

// play writes samples in portaudio buffers. Partial buffer is padded with
// silence.
func (t *Task) play(samples [][]float64) error {
	n := 0
	if len(samples) > 0 {
		n = len(samples[0])
	}
	for offset := 0; offset < n; offset += t.frames {
		frames := interleave(t.buf, samples, offset, t.cfg.Channels)
		if err := t.stream.Write(); err != nil {
			return err
		}
		t.written += int64(frames)
		t.lastWrite = time.Now()
	}
	return nil
}

// interleave copies frames starting at offset into dst and returns number
// of frames copied. The rest of dst is zeroed.
func interleave(dst []float32, samples [][]float64, offset, channels int) int {
	frames := len(dst) / channels
	if left := len(samples[0]) - offset; left < frames {
		frames = left
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			dst[i*channels+c] = float32(samples[c][offset+i])
		}
	}
	for i := frames * channels; i < len(dst); i++ {
		dst[i] = 0
	}
	return frames
}

func copySamples(samples [][]float64) [][]float64 {
	result := make([][]float64, len(samples))
	for i := range samples {
		result[i] = append([]float64(nil), samples[i]...)
	}
	return result
}

// Generated implements driver.Task. Samples are generated when they leave
// the output latency window.
func (t *Task) Generated() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return generated(t.written, t.cfg.SampleRate, t.latency, t.last, time.Since(t.lastWrite)), nil
}

func generated(written int64, sampleRate float64, latency time.Duration, last bool, sinceWrite time.Duration) int64 {
	if written == 0 {
		return 0
	}
	if last && sinceWrite >= latency {
		return written
	}
	inFlight := int64(latency.Seconds() * sampleRate)
	if inFlight > written {
		return 0
	}
	return written - inFlight
}

// Stop implements driver.Task.
func (t *Task) Stop(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasStarted := t.started
	t.pending = nil
	t.started, t.last = false, false
	t.written = 0
	if wasStarted {
		return t.stream.Stop()
	}
	return nil
}

// Close implements driver.Task. Portaudio api is terminated with the last
// task.
func (t *Task) Close() error {
	if err := t.stream.Close(); err != nil {
		return err
	}
	return t.driver.terminate()
}
