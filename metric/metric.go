// Package metric exposes streaming counters of devices through expvar.
// Counters of a device accumulate over all streams and runs of the
// process.
package metric

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pipelined.dev/streamer/plan"
)

const devicesLabel = "streamer.devices"

const (
	// RunCounter counts number of runs of the device.
	RunCounter = "Runs"
	// ChunkCounter counts chunks written.
	ChunkCounter = "Chunks"
	// SampleCounter counts samples per channel written.
	SampleCounter = "Samples"
	// RepetitionCounter counts completely written repetitions of the plan.
	RepetitionCounter = "Repetitions"
	// DurationCounter is the duration of written signal.
	DurationCounter = "Duration"
	// BlockedCounter is the time spent in blocking writes while device
	// buffer was full.
	BlockedCounter = "Blocked"
	// LatencyCounter is the interval between the last two writes.
	LatencyCounter = "Latency"
)

var (
	devices = registry{
		m: make(map[string]*device),
	}

	counters = []string{
		RunCounter,
		ChunkCounter,
		SampleCounter,
		RepetitionCounter,
		DurationCounter,
		BlockedCounter,
		LatencyCounter,
	}
)

// Get returns counter values of the device.
func Get(deviceID string) map[string]string {
	m := make(map[string]string, len(counters))
	for _, counter := range counters {
		if v := expvar.Get(key(deviceID, counter)); v != nil {
			m[counter] = v.String()
		}
	}
	return m
}

// GetAll returns counters of all measured devices.
func GetAll() map[string]map[string]string {
	devices.Lock()
	ids := make([]string, 0, len(devices.m))
	for id := range devices.m {
		ids = append(ids, id)
	}
	devices.Unlock()

	m := make(map[string]map[string]string, len(ids))
	for _, id := range ids {
		m[id] = Get(id)
	}
	return m
}

// ResetFunc starts measuring of a new run and returns its MeasureFunc.
type ResetFunc func() MeasureFunc

// MeasureFunc captures a written chunk and the time the write was
// blocked.
type MeasureFunc func(chunkSize int64, blocked time.Duration)

// Meter returns closure to measure runs of the device. Length is the
// number of samples in a single repetition of the device plan.
func Meter(deviceID string, sampleRate float64, length int) ResetFunc {
	d := devices.get(deviceID)
	return func() MeasureFunc {
		d.runs.Add(1)
		var (
			lastAt        time.Time
			chunkSize     int64
			chunkDuration time.Duration
			inRepetition  int64
		)
		return func(n int64, blocked time.Duration) {
			now := time.Now()
			if !lastAt.IsZero() {
				d.latency.set(now.Sub(lastAt))
			}
			lastAt = now

			d.chunks.Add(1)
			d.samples.Add(n)
			d.blocked.add(blocked)
			if chunkSize != n {
				chunkSize = n
				chunkDuration = plan.DurationOf(sampleRate, n)
			}
			d.duration.add(chunkDuration)

			if inRepetition += n; length > 0 && inRepetition >= int64(length) {
				d.repetitions.Add(inRepetition / int64(length))
				inRepetition %= int64(length)
			}
		}
	}
}

type registry struct {
	sync.Mutex
	m map[string]*device
}

// get returns counters of the device. Counters are published once per
// process because expvar doesn't allow to remove variables.
func (r *registry) get(deviceID string) *device {
	r.Lock()
	defer r.Unlock()
	if d, ok := r.m[deviceID]; ok {
		return d
	}
	d := &device{
		runs:        expvar.NewInt(key(deviceID, RunCounter)),
		chunks:      expvar.NewInt(key(deviceID, ChunkCounter)),
		samples:     expvar.NewInt(key(deviceID, SampleCounter)),
		repetitions: expvar.NewInt(key(deviceID, RepetitionCounter)),
		duration:    &duration{},
		blocked:     &duration{},
		latency:     &duration{},
	}
	expvar.Publish(key(deviceID, DurationCounter), d.duration)
	expvar.Publish(key(deviceID, BlockedCounter), d.blocked)
	expvar.Publish(key(deviceID, LatencyCounter), d.latency)
	r.m[deviceID] = d
	return d
}

type device struct {
	runs        *expvar.Int
	chunks      *expvar.Int
	samples     *expvar.Int
	repetitions *expvar.Int
	duration    *duration
	blocked     *duration
	latency     *duration
}

func key(deviceID, counter string) string {
	return fmt.Sprintf("%s.%s.%s", devicesLabel, deviceID, counter)
}

// duration formats time.Duration as expvar.Var.
type duration struct {
	d atomic.Int64
}

func (v *duration) String() string {
	return fmt.Sprintf("%q", time.Duration(v.d.Load()))
}

func (v *duration) add(delta time.Duration) {
	v.d.Add(int64(delta))
}

func (v *duration) set(value time.Duration) {
	v.d.Store(int64(value))
}
