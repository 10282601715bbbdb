package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"pipelined.dev/streamer"
	"pipelined.dev/streamer/config"
	"pipelined.dev/streamer/driver/sim"
)

type checkCommand struct {
	config string
	speed  float64
}

func (cmd *checkCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print devices start order",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return cmd.Run(c)
		},
	}
	c.Flags().StringVarP(&cmd.config, "config", "c", "", "stream configuration file (required)")
	c.Flags().Float64Var(&cmd.speed, "speed", 1, "speed of simulated devices")
	_ = c.MarkFlagRequired("config")
	return c
}

// Run streams a single repetition on simulated devices and prints the
// order in which devices were armed and started.
func (cmd *checkCommand) Run(c *cobra.Command) error {
	cfg, err := config.Load(cmd.config)
	if err != nil {
		return err
	}
	devices, err := cfg.LoadDevices()
	if err != nil {
		return err
	}
	out := c.OutOrStdout()
	for _, d := range devices {
		fmt.Fprintf(out, "%s\t%v\t%d channels\t%v at %v Hz\n",
			d.ID(), d.Kind, d.Plan.Channels(), d.Plan.Duration(), d.Plan.SampleRate())
	}

	drv := sim.New(sim.WithSpeed(cmd.speed))
	ctx := context.Background()
	err = streamer.Scoped(ctx, drv, devices, func(s *streamer.Stream) error {
		if err := s.Launch(ctx); err != nil {
			return err
		}
		fireAll(drv, cfg.ExternalTriggers)
		_, err := s.WaitUntilFinished(0)
		return err
	}, cfg.Options()...)
	if err != nil {
		return err
	}
	for _, e := range drv.Events() {
		switch e.Op {
		case "arm", "start", "fire":
			fmt.Fprintln(out, e)
		}
	}
	fmt.Fprintln(out, "ok")
	return nil
}
