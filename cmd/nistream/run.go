package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pipelined.dev/streamer"
	"pipelined.dev/streamer/config"
	"pipelined.dev/streamer/driver"
	"pipelined.dev/streamer/driver/sim"
	"pipelined.dev/streamer/log"
)

// drivers are hardware drivers enabled by build tags.
var drivers = map[string]func(logrus.FieldLogger) driver.Driver{}

type runCommand struct {
	config   string
	driver   string
	reps     int
	instream int
	forever  bool
	record   string
	speed    float64
	debug    bool
}

func (cmd *runCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Stream the configuration to devices",
		Long: `Stream the configuration to devices. Repetitions are re-launched
by default, use --instream or --forever to loop without re-arming.
Interrupt finishes the repetition in flight.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return cmd.Run(c)
		},
	}
	fs := c.Flags()
	fs.StringVarP(&cmd.config, "config", "c", "", "stream configuration file (required)")
	fs.StringVar(&cmd.driver, "driver", "sim", "device driver: sim or portaudio (requires portaudio build tag)")
	fs.IntVarP(&cmd.reps, "reps", "n", 1, "number of re-launched repetitions")
	fs.IntVar(&cmd.instream, "instream", 0, "number of in-stream repetitions")
	fs.BoolVar(&cmd.forever, "forever", false, "repeat in-stream until interrupted")
	fs.StringVar(&cmd.record, "record", "", "directory to record simulated devices")
	fs.Float64Var(&cmd.speed, "speed", 1, "speed of simulated devices")
	fs.BoolVar(&cmd.debug, "debug", false, "enable debug logs")
	_ = c.MarkFlagRequired("config")
	return c
}

func (cmd *runCommand) Validate() error {
	switch {
	case cmd.reps < 1:
		return errors.New("--reps must be positive")
	case cmd.instream < 0:
		return errors.New("--instream must not be negative")
	case cmd.forever && cmd.instream > 0:
		return errors.New("--forever and --instream are exclusive")
	case cmd.record != "" && cmd.driver != "sim":
		return errors.New("--record is supported by sim driver only")
	}
	return nil
}

func (cmd *runCommand) logger() *logrus.Logger {
	l := log.GetLogger()
	if cmd.debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

func (cmd *runCommand) newDriver(l logrus.FieldLogger) (driver.Driver, error) {
	if cmd.driver != "sim" && cmd.speed != 1 {
		return nil, errors.New("--speed is supported by sim driver only")
	}
	if cmd.driver == "sim" {
		opts := []sim.Option{sim.WithLogger(l), sim.WithSpeed(cmd.speed)}
		if cmd.record != "" {
			opts = append(opts, sim.WithRecording(cmd.record, 32))
		}
		return sim.New(opts...), nil
	}
	if open, ok := drivers[cmd.driver]; ok {
		return open(l), nil
	}
	return nil, fmt.Errorf("unknown driver %q", cmd.driver)
}

func (cmd *runCommand) Run(c *cobra.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	cfg, err := config.Load(cmd.config)
	if err != nil {
		return err
	}
	devices, err := cfg.LoadDevices()
	if err != nil {
		return err
	}
	l := cmd.logger()
	drv, err := cmd.newDriver(l)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt)
	defer stop()
	// simulated chassis has no equipment to drive external lines
	var fire func()
	if d, ok := drv.(*sim.Driver); ok && len(cfg.ExternalTriggers) > 0 {
		fire = func() { fireAll(d, cfg.ExternalTriggers) }
	}
	opts := append(cfg.Options(), streamer.WithLogger(l))
	return streamer.Scoped(ctx, drv, devices, func(s *streamer.Stream) error {
		reps, err := cmd.stream(ctx, s, fire)
		fmt.Fprintf(c.OutOrStdout(), "generated %d repetitions\n", reps)
		return err
	}, opts...)
}

func (cmd *runCommand) stream(ctx context.Context, s *streamer.Stream, fire func()) (int, error) {
	if cmd.instream == 0 && !cmd.forever {
		if fire == nil {
			return s.Run(ctx, cmd.reps)
		}
		total := 0
		for i := 0; i < cmd.reps && ctx.Err() == nil; i++ {
			n, err := launchAndWait(ctx, s, fire)
			total += n
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}
	launch := streamer.InStream(cmd.instream)
	if cmd.forever {
		launch = streamer.InStreamForever()
	}
	if err := s.Launch(context.WithoutCancel(ctx), launch); err != nil {
		return 0, err
	}
	if fire != nil {
		fire()
	}
	return wait(ctx, s)
}

func launchAndWait(ctx context.Context, s *streamer.Stream, fire func()) (int, error) {
	if err := s.Launch(context.WithoutCancel(ctx)); err != nil {
		return 0, err
	}
	fire()
	return wait(ctx, s)
}

// wait blocks until the run is finished. Cancelled context requests the
// stop at the end of the repetition in flight.
func wait(ctx context.Context, s *streamer.Stream) (int, error) {
	done := make(chan error, 1)
	go func() {
		_, err := s.WaitUntilFinished(0)
		done <- err
	}()
	select {
	case err := <-done:
		return s.RepsGenerated(), err
	case <-ctx.Done():
		if err := s.RequestStop(); err != nil && !errors.Is(err, streamer.ErrNotRunning) {
			return 0, err
		}
		err := <-done
		return s.RepsGenerated(), err
	}
}

func fireAll(d *sim.Driver, lines []string) {
	for _, l := range lines {
		d.Fire(l)
	}
}
