// Package config reads stream configuration from yaml files.
//
// Example:
//
//	chunk_ms: 150
//	starts_last: Dev3
//	ref_clock:
//	  device: Dev1
//	  terminal: RTSI7
//	external_triggers: [PXI_Trig0]
//	devices:
//	  - id: Dev1
//	    kind: ao
//	    wav: ramp.wav
//	    scale: 5
//	    trigger_out: PFI0
//	  - id: Dev2
//	    kind: do
//	    wav: lines.wav
//	    trigger_in: PFI0
//	    min_write_timeout_ms: 500
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pipelined.dev/streamer"
	"pipelined.dev/streamer/driver"
	"pipelined.dev/streamer/plan"
	"pipelined.dev/streamer/wav"
)

// ErrInvalid is returned when configuration is not valid.
var ErrInvalid = fmt.Errorf("%w: invalid config", streamer.ErrConfiguration)

// Config describes the stream.
type Config struct {
	ChunkMs          int      `yaml:"chunk_ms,omitempty"`
	StartsLast       string   `yaml:"starts_last,omitempty"`
	RefClock         *Clock   `yaml:"ref_clock,omitempty"`
	ExternalTriggers []string `yaml:"external_triggers,omitempty"`
	Devices          []Device `yaml:"devices"`

	// dir is used to resolve relative wav paths.
	dir string
}

// Clock is the exported reference clock.
type Clock struct {
	Device   string `yaml:"device"`
	Terminal string `yaml:"terminal"`
}

// Device describes the plan and the lines of a single device.
type Device struct {
	ID   string `yaml:"id"`
	Kind Kind   `yaml:"kind"`
	Wav  string `yaml:"wav"`
	// Scale is the analog value of the full scale wav sample.
	Scale float64 `yaml:"scale,omitempty"`

	TriggerIn         string `yaml:"trigger_in,omitempty"`
	TriggerOut        string `yaml:"trigger_out,omitempty"`
	SampleClockIn     string `yaml:"sample_clock_in,omitempty"`
	SampleClockOut    string `yaml:"sample_clock_out,omitempty"`
	RefClockIn        string `yaml:"ref_clock_in,omitempty"`
	MinWriteTimeoutMs int    `yaml:"min_write_timeout_ms,omitempty"`
}

// Kind is the output kind of the device.
type Kind string

// Supported kinds.
const (
	AnalogOutput  Kind = "ao"
	DigitalOutput Kind = "do"
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *Kind) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	switch kind := Kind(strings.ToLower(s)); kind {
	case AnalogOutput, DigitalOutput:
		*k = kind
		return nil
	}
	return fmt.Errorf("line %d: unknown device kind %q", n.Line, s)
}

// Driver returns the kind of the driver task.
func (k Kind) Driver() driver.Kind {
	if k == DigitalOutput {
		return driver.DigitalOutput
	}
	return driver.AnalogOutput
}

// Load reads configuration file. Wav paths are relative to the file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.dir = filepath.Dir(path)
	return c, nil
}

// Parse decodes configuration from bytes.
func Parse(b []byte) (*Config, error) {
	return Decode(bytes.NewReader(b))
}

// Decode reads and validates configuration. Unknown fields are errors.
func Decode(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Config
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty", ErrInvalid)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that configuration is complete. Trigger routing is
// validated by the stream.
func (c *Config) Validate() error {
	if c.ChunkMs < 0 {
		return fmt.Errorf("%w: negative chunk_ms", ErrInvalid)
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("%w: no devices", ErrInvalid)
	}
	ids := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		switch {
		case d.ID == "":
			return fmt.Errorf("%w: device %d has no id", ErrInvalid, i)
		case d.Wav == "":
			return fmt.Errorf("%w: device %s has no wav", ErrInvalid, d.ID)
		case d.Kind == "":
			return fmt.Errorf("%w: device %s has no kind", ErrInvalid, d.ID)
		case d.MinWriteTimeoutMs < 0:
			return fmt.Errorf("%w: device %s has negative min_write_timeout_ms", ErrInvalid, d.ID)
		}
		if _, ok := ids[d.ID]; ok {
			return fmt.Errorf("%w: duplicate device %s", ErrInvalid, d.ID)
		}
		ids[d.ID] = struct{}{}
	}
	if c.RefClock != nil {
		if _, ok := ids[c.RefClock.Device]; !ok || c.RefClock.Terminal == "" {
			return fmt.Errorf("%w: ref_clock must name the device and the terminal", ErrInvalid)
		}
	}
	return nil
}

// ChunkDuration returns configured chunk duration or the default one.
func (c *Config) ChunkDuration() time.Duration {
	if c.ChunkMs == 0 {
		return streamer.DefaultChunkDuration
	}
	return time.Duration(c.ChunkMs) * time.Millisecond
}

// Options returns stream options.
func (c *Config) Options() []streamer.Option {
	opts := []streamer.Option{streamer.WithChunkDuration(c.ChunkDuration())}
	if c.StartsLast != "" {
		opts = append(opts, streamer.WithStartsLast(c.StartsLast))
	}
	if len(c.ExternalTriggers) > 0 {
		opts = append(opts, streamer.WithExternalTriggers(c.ExternalTriggers...))
	}
	if c.RefClock != nil {
		opts = append(opts, streamer.WithRefClock(c.RefClock.Device, c.RefClock.Terminal))
	}
	return opts
}

// LoadDevices loads plans of all devices.
func (c *Config) LoadDevices() ([]streamer.Device, error) {
	devices := make([]streamer.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		p, err := d.load(c.dir)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
		devices = append(devices, streamer.Device{
			Plan:            p,
			Kind:            d.Kind.Driver(),
			TriggerIn:       d.TriggerIn,
			TriggerOut:      d.TriggerOut,
			SampleClockIn:   d.SampleClockIn,
			SampleClockOut:  d.SampleClockOut,
			RefClockIn:      d.RefClockIn,
			MinWriteTimeout: time.Duration(d.MinWriteTimeoutMs) * time.Millisecond,
		})
	}
	return devices, nil
}

func (d Device) load(dir string) (*plan.Plan, error) {
	path := d.Wav
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if d.Kind == DigitalOutput {
		return wav.LoadDigital(path, d.ID)
	}
	scale := d.Scale
	if scale == 0 {
		scale = 1
	}
	return wav.Load(path, d.ID, scale)
}
