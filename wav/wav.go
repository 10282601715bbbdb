// Package wav loads sample plans from wav files and records generated
// samples into wav files.
package wav

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"pipelined.dev/streamer/plan"
)

const pcmFormat = 1

var (
	// ErrUnsupportedBitDepth is returned when unsupported bit depth is used.
	ErrUnsupportedBitDepth = errors.New("only 16, 24 and 32 bit depth is supported")
	// ErrInvalidFile is returned when file is not a valid wav.
	ErrInvalidFile = errors.New("wav is not valid")
)

func checkBitDepth(bitDepth int) error {
	switch bitDepth {
	case 16, 24, 32:
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, bitDepth)
}

// Load reads the wav file into the analog plan of the device. Samples are
// normalized to [-1, 1] and multiplied by scale.
func Load(path, deviceID string, scale float64) (*plan.Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := Decode(f, deviceID, scale)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// LoadDigital reads the wav file into the digital plan of the device.
// Positive samples are high lines.
func LoadDigital(path, deviceID string) (*plan.Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	channels, sampleRate, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, c := range channels {
		for i, v := range c {
			if v > 0 {
				c[i] = 1
			} else {
				c[i] = 0
			}
		}
	}
	return plan.New(deviceID, sampleRate, channels...)
}

// Decode reads wav data into the analog plan of the device.
func Decode(r io.ReadSeeker, deviceID string, scale float64) (*plan.Plan, error) {
	channels, sampleRate, err := decode(r)
	if err != nil {
		return nil, err
	}
	for _, c := range channels {
		for i := range c {
			c[i] *= scale
		}
	}
	return plan.New(deviceID, sampleRate, channels...)
}

// decode returns normalized deinterleaved samples.
func decode(r io.ReadSeeker) ([][]float64, float64, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, 0, ErrInvalidFile
	}
	bitDepth := int(decoder.BitDepth)
	if err := checkBitDepth(bitDepth); err != nil {
		return nil, 0, err
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	numChannels := int(decoder.NumChans)
	if numChannels == 0 {
		return nil, 0, ErrInvalidFile
	}
	max := float64(audio.IntMaxSignedValue(bitDepth))
	frames := len(buf.Data) / numChannels
	channels := make([][]float64, numChannels)
	for c := range channels {
		channels[c] = make([]float64, frames)
		for i := 0; i < frames; i++ {
			channels[c][i] = float64(buf.Data[i*numChannels+c]) / max
		}
	}
	return channels, float64(decoder.SampleRate), nil
}

// Recorder saves generated samples into wav file.
type Recorder struct {
	file    io.Closer
	encoder *wav.Encoder
	ib      *audio.IntBuffer
	scale   float64
	max     float64
}

// Create creates the wav file and returns recorder into it. Samples are
// divided by scale before they are encoded.
func Create(path string, sampleRate float64, numChannels, bitDepth int, scale float64) (*Recorder, error) {
	if err := checkBitDepth(bitDepth); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r, err := NewRecorder(f, sampleRate, numChannels, bitDepth, scale)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// NewRecorder returns recorder into provided writer. Writer is not closed
// by the recorder.
func NewRecorder(w io.WriteSeeker, sampleRate float64, numChannels, bitDepth int, scale float64) (*Recorder, error) {
	if err := checkBitDepth(bitDepth); err != nil {
		return nil, err
	}
	if scale == 0 {
		scale = 1
	}
	rate := int(math.Round(sampleRate))
	return &Recorder{
		encoder: wav.NewEncoder(w, rate, bitDepth, numChannels, pcmFormat),
		ib: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: numChannels,
				SampleRate:  rate,
			},
			SourceBitDepth: bitDepth,
		},
		scale: scale,
		max:   float64(audio.IntMaxSignedValue(bitDepth)),
	}, nil
}

// Write encodes deinterleaved samples. Values out of scale are clipped.
func (r *Recorder) Write(samples [][]float64) error {
	if len(samples) == 0 || len(samples[0]) == 0 {
		return nil
	}
	numChannels := len(samples)
	frames := len(samples[0])
	if cap(r.ib.Data) < frames*numChannels {
		r.ib.Data = make([]int, frames*numChannels)
	}
	r.ib.Data = r.ib.Data[:frames*numChannels]
	for c := range samples {
		for i, v := range samples[c] {
			v /= r.scale
			switch {
			case v > 1:
				v = 1
			case v < -1:
				v = -1
			}
			r.ib.Data[i*numChannels+c] = int(math.Round(v * r.max))
		}
	}
	return r.encoder.Write(r.ib)
}

// Close flushes encoder and closes the file.
func (r *Recorder) Close() error {
	if err := r.encoder.Close(); err != nil {
		return err
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
