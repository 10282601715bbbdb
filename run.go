package streamer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/streamer/internal/trigger"
	"pipelined.dev/streamer/internal/writer"
)

// run is a single launch of the stream.
type run struct {
	id     string
	logger logrus.FieldLogger
	cancel context.CancelFunc
	done   chan struct{}
	// err is set before done is closed.
	err error
	// result is set by the controller when run is finished.
	result   error
	finished bool
}

// Launch arms and starts all devices and returns without waiting for the
// generation to complete. Context is used to prefill, arm and start
// devices only, its error is returned as is if it's done before devices
// are started. Use RequestStop or Interrupt to stop generation. By default
// every plan is generated once.
func (s *Stream) Launch(ctx context.Context, opts ...LaunchOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if st := s.machine.State(); st != Idle {
		return fmt.Errorf("%w: state %v", ErrAlreadyRunning, st)
	}

	l := launch{reps: 1}
	for _, option := range opts {
		option(&l)
	}
	order, err := s.validate(l)
	if err != nil {
		return err
	}

	if err := s.machine.Launch(); err != nil {
		return fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
	}
	r := run{
		id:   xid.New().String(),
		done: make(chan struct{}),
	}
	r.logger = s.logger.WithField("run", r.id)
	for _, d := range s.devices {
		d.writer.Reset(d.Plan.Span(l.reps), d.meter())
	}

	for _, d := range s.devices {
		if _, err := d.writer.Prefill(ctx, 2*d.chunkSize); err != nil {
			if ctx.Err() != nil {
				return s.abort(&r, ctx.Err())
			}
			return s.abort(&r, d.hardwareError("prefill", unwrapWriter(err)))
		}
	}
	tasks := make([]trigger.Device, len(s.devices))
	for i, d := range s.devices {
		tasks[i] = d.task
	}
	if err := order.Launch(ctx, tasks); err != nil {
		if ctx.Err() != nil {
			return s.abort(&r, ctx.Err())
		}
		var terr *trigger.Error
		if errors.As(err, &terr) {
			err = s.devices[terr.Index].hardwareError(terr.Op, terr.Err)
		}
		return s.abort(&r, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	for _, d := range s.devices {
		d := d
		g.Go(func() error {
			return d.generate(gctx)
		})
	}
	_ = s.machine.Started()
	go func() {
		r.err = g.Wait()
		if r.err != nil {
			_ = s.machine.Stop(false)
		}
		close(r.done)
	}()
	s.run = &r
	r.logger.WithField("reps", l.reps).Debug("stream launched")
	return nil
}

// validate checks launch options and resolves the trigger order. Stream
// is not modified.
func (s *Stream) validate(l launch) (trigger.Order, error) {
	if l.reps == 0 || l.reps < -1 {
		return nil, fmt.Errorf("%w: repetitions %d", ErrConfiguration, l.reps)
	}
	if l.looping() {
		for _, d := range s.devices {
			if d.Plan.Len() <= d.chunkSize {
				return nil, fmt.Errorf("%w: device %s has %d samples, chunk is %d",
					ErrSequenceTooShortForLoop, d.ID(), d.Plan.Len(), d.chunkSize)
			}
		}
	}
	roles := make([]trigger.Role, len(s.devices))
	for i, d := range s.devices {
		roles[i] = trigger.Role{Device: d.ID(), In: d.TriggerIn, Out: d.TriggerOut}
	}
	order, err := trigger.Arrange(roles, s.startsLast, s.external...)
	switch {
	case errors.Is(err, trigger.ErrDangling):
		return nil, fmt.Errorf("%w: %v", ErrDanglingTrigger, err)
	case errors.Is(err, trigger.ErrUnknownDevice):
		return nil, fmt.Errorf("%w: %v", ErrUnknownDevice, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return order, nil
}

// abort stops all devices after failed launch and returns the machine to
// Idle.
func (s *Stream) abort(r *run, err error) error {
	_ = s.machine.Stop(false)
	errStop := s.stopAll(context.Background())
	_ = s.machine.Finish()
	r.logger.WithError(err).Debug("launch failed")
	if errStop != nil {
		return &RunError{ErrRun: err, ErrStop: errStop}
	}
	return err
}

// generate writes chunks until the end of the run and then waits for the
// device to drain its buffer.
func (d *device) generate(ctx context.Context) error {
	for {
		o, err := d.writer.WriteNext(ctx)
		if err != nil {
			return d.writerError(err)
		}
		if o == writer.Done {
			break
		}
	}
	if err := d.writer.Drain(ctx); err != nil {
		return d.writerError(err)
	}
	return nil
}

func (d *device) writerError(err error) error {
	var werr *writer.Error
	if errors.As(err, &werr) {
		return d.hardwareError(werr.Op, werr.Err)
	}
	return d.hardwareError("write", err)
}

func unwrapWriter(err error) error {
	var werr *writer.Error
	if errors.As(err, &werr) {
		return werr.Err
	}
	return err
}

// WaitUntilFinished blocks until all devices generated the run or the
// timeout expires. Timeout <= 0 means wait forever. It returns false if
// timeout expired, in this case stream state is not changed. When run is
// finished, devices are stopped, stream becomes Idle and the run error is
// returned. Idle stream returns true immediately.
func (s *Stream) WaitUntilFinished(timeout time.Duration) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true, ErrClosed
	}
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return true, nil
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			return false, nil
		}
	} else {
		<-r.done
	}
	return true, s.finish(r)
}

// finish stops devices after the run and moves the stream into Idle. It's
// safe to call it for the same run multiple times.
func (s *Stream) finish(r *run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.finished {
		return r.result
	}
	r.finished = true
	r.cancel()
	if s.run == r {
		s.run = nil
	}
	// devices are already stopped by Close
	if s.closed {
		r.result = ErrClosed
		return r.result
	}
	errStop := s.stopAll(context.Background())
	_ = s.machine.Finish()
	r.result = runResult(r.err, errStop)
	r.logger.WithFields(logrus.Fields{
		"written":   s.RepsWritten(),
		"generated": s.RepsGenerated(),
	}).Debug("stream finished")
	return r.result
}

// RequestStop asks devices to finish generation at the end of the latest
// repetition entered by any of them. It doesn't wait, use WaitUntilFinished for that.
// Repeated requests are ignored.
func (s *Stream) RequestStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.run == nil {
		return ErrNotRunning
	}
	if err := s.machine.Stop(true); err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	s.run.logger.Debug("stop requested")
	return nil
}

// Interrupt requests stop and waits until devices finish the repetition
// in flight.
func (s *Stream) Interrupt() error {
	if err := s.RequestStop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	_, err := s.WaitUntilFinished(0)
	return err
}

// Run generates the plans nreps times, re-arming devices for every
// repetition. If context is cancelled, the repetition in flight is
// finished and the number of completed repetitions is returned without
// error.
func (s *Stream) Run(ctx context.Context, nreps int) (int, error) {
	done := 0
	for done < nreps {
		if ctx.Err() != nil {
			return done, nil
		}
		// cancellation is handled at repetition boundaries only
		if err := s.Launch(context.WithoutCancel(ctx)); err != nil {
			return done, err
		}
		err := s.await(ctx)
		done += s.RepsGenerated()
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

// await waits for the current run and requests stop when context is done.
func (s *Stream) await(ctx context.Context) error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		if err := s.RequestStop(); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
	}
	_, err := s.WaitUntilFinished(0)
	return err
}
