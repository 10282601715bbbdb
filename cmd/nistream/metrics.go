package main

import (
	"context"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pipelined.dev/streamer"
	"pipelined.dev/streamer/config"
	"pipelined.dev/streamer/driver/sim"
	"pipelined.dev/streamer/metric"
)

type metricsCommand struct {
	config string
	reps   int
	speed  float64
}

func (cmd *metricsCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "metrics",
		Short: "Stream the configuration to simulated devices and print counters",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return cmd.Run(c)
		},
	}
	fs := c.Flags()
	fs.StringVarP(&cmd.config, "config", "c", "", "stream configuration file (required)")
	fs.IntVarP(&cmd.reps, "reps", "n", 1, "number of in-stream repetitions")
	fs.Float64Var(&cmd.speed, "speed", 1, "speed of simulated devices")
	_ = c.MarkFlagRequired("config")
	return c
}

func (cmd *metricsCommand) Run(c *cobra.Command) error {
	cfg, err := config.Load(cmd.config)
	if err != nil {
		return err
	}
	devices, err := cfg.LoadDevices()
	if err != nil {
		return err
	}
	ctx := context.Background()
	drv := sim.New(sim.WithSpeed(cmd.speed))
	err = streamer.Scoped(ctx, drv, devices, func(s *streamer.Stream) error {
		if err := s.Launch(ctx, streamer.InStream(cmd.reps)); err != nil {
			return err
		}
		fireAll(drv, cfg.ExternalTriggers)
		_, err := s.WaitUntilFinished(0)
		return err
	}, cfg.Options()...)
	if err != nil {
		return err
	}

	counters := make(map[string]map[string]string, len(devices))
	for _, d := range devices {
		counters[d.ID()] = metric.Get(d.ID())
	}
	enc := yaml.NewEncoder(c.OutOrStdout())
	defer enc.Close()
	return enc.Encode(counters)
}
