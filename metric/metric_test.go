package metric_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/streamer/metric"
)

func TestMeter(t *testing.T) {
	sampleRate := 1000.0
	var tests = []struct {
		device              string
		routines            int
		chunks              int
		chunkSize           int64
		expectedSamples     string
		expectedChunks      string
		expectedRuns        string
		expectedRepetitions string
		expectedDuration    string
	}{
		{
			device:              "MeterDev1",
			routines:            2,
			chunks:              10,
			chunkSize:           100,
			expectedSamples:     "2000",
			expectedChunks:      "20",
			expectedRuns:        "2",
			expectedRepetitions: "8",
			expectedDuration:    `"2s"`,
		},
		{
			device:              "MeterDev1",
			routines:            2,
			chunks:              10,
			chunkSize:           100,
			expectedSamples:     "4000",
			expectedChunks:      "40",
			expectedRuns:        "4",
			expectedRepetitions: "16",
			expectedDuration:    `"4s"`,
		},
	}
	measure := func(fn metric.MeasureFunc, wg *sync.WaitGroup, chunks int, chunkSize int64) {
		for i := 0; i < chunks; i++ {
			fn(chunkSize, time.Millisecond)
		}
		wg.Done()
	}

	// 250 samples per repetition
	meter := metric.Meter("MeterDev1", sampleRate, 250)
	for _, c := range tests {
		wg := &sync.WaitGroup{}
		wg.Add(c.routines)
		for i := 0; i < c.routines; i++ {
			go measure(meter(), wg, c.chunks, c.chunkSize)
		}
		wg.Wait()
		values := metric.Get(c.device)
		assert.Equal(t, c.expectedSamples, values[metric.SampleCounter])
		assert.Equal(t, c.expectedChunks, values[metric.ChunkCounter])
		assert.Equal(t, c.expectedRuns, values[metric.RunCounter])
		assert.Equal(t, c.expectedRepetitions, values[metric.RepetitionCounter])
		assert.Equal(t, c.expectedDuration, values[metric.DurationCounter])
	}
	assert.Contains(t, metric.GetAll(), "MeterDev1")
	assert.Equal(t, `"40ms"`, metric.Get("MeterDev1")[metric.BlockedCounter])
}

func TestSameDevice(t *testing.T) {
	// meters of the same device share counters
	a := metric.Meter("MeterDev2", 1000, 10)()
	b := metric.Meter("MeterDev2", 1000, 10)()
	a(5, 0)
	b(5, 0)
	values := metric.Get("MeterDev2")
	assert.Equal(t, "10", values[metric.SampleCounter])
	// partial repetitions are counted per run
	assert.Equal(t, "0", values[metric.RepetitionCounter])
	assert.Empty(t, metric.Get("Unknown"))
}
