//go:build portaudio

package portaudio

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/streamer"
	"pipelined.dev/streamer/driver"
	"pipelined.dev/streamer/plan"
)

func TestInterleave(t *testing.T) {
	dst := make([]float32, 6)
	samples := [][]float64{{1, 2, 3, 4}, {-1, -2, -3, -4}}
	assert.Equal(t, 3, interleave(dst, samples, 0, 2))
	assert.Equal(t, []float32{1, -1, 2, -2, 3, -3}, dst)
	assert.Equal(t, 1, interleave(dst, samples, 3, 2))
	assert.Equal(t, []float32{4, -4, 0, 0, 0, 0}, dst)
}

func TestGenerated(t *testing.T) {
	latency := 10 * time.Millisecond
	assert.Equal(t, int64(0), generated(0, 1000, latency, false, 0))
	assert.Equal(t, int64(0), generated(5, 1000, latency, false, 0))
	assert.Equal(t, int64(90), generated(100, 1000, latency, false, 0))
	assert.Equal(t, int64(90), generated(100, 1000, latency, true, time.Millisecond))
	assert.Equal(t, int64(100), generated(100, 1000, latency, true, latency))
}

func TestUnsupported(t *testing.T) {
	d := &Driver{}
	for _, cfg := range []driver.TaskConfig{
		{Kind: driver.DigitalOutput},
		{TriggerIn: "PFI0"},
		{RefClockIn: "RTSI7"},
	} {
		_, err := d.Open(context.Background(), cfg)
		assert.True(t, errors.Is(err, driver.ErrUnsupported))
	}
}

func TestPlayback(t *testing.T) {
	const rate = 44100
	tone := make([]float64, rate/2)
	for i := range tone {
		tone[i] = 0.2 * math.Sin(2*math.Pi*440*float64(i)/rate)
	}
	p, err := plan.New("default", rate, tone, tone)
	require.NoError(t, err)

	err = streamer.Scoped(context.Background(), &Driver{}, []streamer.Device{{Plan: p}}, func(s *streamer.Stream) error {
		n, err := s.Run(context.Background(), 2)
		assert.Equal(t, 2, n)
		return err
	})
	assert.NoError(t, err)
}
