package wav_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/streamer/wav"
)

func record(t *testing.T, path string, bitDepth int, scale float64, samples ...[]float64) {
	t.Helper()
	r, err := wav.Create(path, 8000, len(samples), bitDepth, scale)
	require.NoError(t, err)
	// write in two parts
	half := len(samples[0]) / 2
	first := make([][]float64, len(samples))
	second := make([][]float64, len(samples))
	for i := range samples {
		first[i], second[i] = samples[i][:half], samples[i][half:]
	}
	require.NoError(t, r.Write(first))
	require.NoError(t, r.Write(second))
	require.NoError(t, r.Close())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		bitDepth int
		delta    float64
	}{
		{bitDepth: 16, delta: 1e-3},
		{bitDepth: 24, delta: 1e-5},
		{bitDepth: 32, delta: 1e-7},
	}
	left := []float64{0, 2.5, 5, -5, -2.5, 10, -10, 0}
	right := []float64{1, -1, 1, -1, 1, -1, 1, -1}
	for _, test := range tests {
		path := filepath.Join(t.TempDir(), "ao.wav")
		// 5 volts full scale, 10 is clipped
		record(t, path, test.bitDepth, 5, left, right)

		p, err := wav.Load(path, "Dev1", 5)
		require.NoError(t, err)
		assert.Equal(t, "Dev1", p.DeviceID())
		assert.Equal(t, float64(8000), p.SampleRate())
		assert.Equal(t, 2, p.Channels())
		require.Equal(t, len(left), p.Len())
		for i := range left {
			expected := left[i]
			if expected > 5 {
				expected = 5
			} else if expected < -5 {
				expected = -5
			}
			assert.InDelta(t, expected, p.Value(0, i), test.delta*5, "bit depth %d sample %d", test.bitDepth, i)
			assert.InDelta(t, right[i], p.Value(1, i), test.delta, "bit depth %d sample %d", test.bitDepth, i)
		}
	}
}

func TestLoadDigital(t *testing.T) {
	path := filepath.Join(t.TempDir(), "do.wav")
	record(t, path, 16, 1, []float64{0, 1, 1, 0, -1, 0.5})

	p, err := wav.LoadDigital(path, "Dev2")
	require.NoError(t, err)
	for i, expected := range []float64{0, 1, 1, 0, 0, 1} {
		assert.Equal(t, expected, p.Value(0, i), "sample %d", i)
	}
}

func TestErrors(t *testing.T) {
	_, err := wav.Create(filepath.Join(t.TempDir(), "8bit.wav"), 8000, 1, 8, 1)
	assert.True(t, errors.Is(err, wav.ErrUnsupportedBitDepth))

	_, err = wav.Decode(strings.NewReader("not a wav file"), "Dev1", 1)
	assert.True(t, errors.Is(err, wav.ErrInvalidFile))

	_, err = wav.Load(filepath.Join(t.TempDir(), "missing.wav"), "Dev1", 1)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
