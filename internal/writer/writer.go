// Package writer feeds device buffers with chunks of the sample plan.
package writer

import (
	"context"
	"fmt"
	"time"

	"pipelined.dev/streamer/driver"
	"pipelined.dev/streamer/internal/state"
	"pipelined.dev/streamer/metric"
	"pipelined.dev/streamer/plan"
)

// Outcome is a result of a successful write.
type Outcome int

const (
	// Written means that chunk was written and more chunks follow.
	Written Outcome = iota
	// Done means that the last chunk of the stream was written.
	Done
)

func (o Outcome) String() string {
	if o == Done {
		return "Done"
	}
	return "Written"
}

// Config defines writer timing.
type Config struct {
	// ChunkSize is the number of samples per channel written at once.
	ChunkSize int
	// WriteTimeout bounds a single blocking write.
	WriteTimeout time.Duration
	// PollInterval is the cadence of generated samples polling during
	// drain.
	PollInterval time.Duration
}

// Error is returned when device task operation failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the task error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Stopper provides the stop target shared by all writers of the stream.
type Stopper interface {
	// Enter registers the repetition the writer is about to write into.
	// It returns zero if writing may proceed or the stop target
	// otherwise.
	Enter(reps int64) int64
}

// Writer pushes chunks of a single plan into a single device task. Writer
// is reused between runs and must be reset before each of them.
type Writer struct {
	Config
	task     driver.Task
	plan     *plan.Plan
	progress *state.Progress
	stopper  Stopper

	buf    [][]float64
	view   [][]float64
	cursor int64
	limit  int64
	end    int64
	done   bool
	meter  metric.MeasureFunc
}

// New returns writer of the plan into the task. Every chunk enters its
// repetitions through the stopper before it's written. Once stop is
// requested, writing finishes at the end of the target repetition.
func New(t driver.Task, p *plan.Plan, progress *state.Progress, s Stopper, cfg Config) *Writer {
	return &Writer{
		Config:   cfg,
		task:     t,
		plan:     p,
		progress: progress,
		stopper:  s,
		buf:      p.Buffer(cfg.ChunkSize),
		view:     make([][]float64, p.Channels()),
	}
}

// Reset prepares writer for a new run that ends at provided logical
// offset. Use plan.Unbounded for endless loop.
func (w *Writer) Reset(end int64, meter metric.MeasureFunc) {
	w.cursor = 0
	w.limit = end
	w.end = end
	w.done = false
	w.meter = meter
}

// Cursor returns the logical offset of the next sample to be written.
func (w *Writer) Cursor() int64 {
	return w.cursor
}

// End returns the logical end of the current run.
func (w *Writer) End() int64 {
	return w.end
}

// Prefill writes chunks into the task before it's started, until either
// the buffer of provided size is full or the stream is done.
func (w *Writer) Prefill(ctx context.Context, bufferSize int) (Outcome, error) {
	for w.cursor+int64(w.ChunkSize) <= int64(bufferSize) {
		o, err := w.WriteNext(ctx)
		if err != nil || o == Done {
			return o, err
		}
	}
	return Written, nil
}

// WriteNext writes the next chunk into the task. It blocks while the task
// buffer is full.
func (w *Writer) WriteNext(ctx context.Context) (Outcome, error) {
	if w.done {
		return Done, nil
	}
	if err := ctx.Err(); err != nil {
		return Written, &Error{Op: "write", Err: err}
	}
	win := plan.Next(w.cursor, w.ChunkSize, w.end)
	if target := w.stopper.Enter(w.repetitions(win.End())); target > 0 {
		w.clamp(target)
		win = plan.Next(w.cursor, w.ChunkSize, w.end)
	}
	last := w.end != plan.Unbounded && win.End() >= w.end
	for i := range w.buf {
		w.view[i] = w.buf[i][:win.Len]
	}
	w.plan.Read(w.view, win.Offset)

	wctx, cancel := context.WithTimeout(ctx, w.WriteTimeout)
	begin := time.Now()
	err := w.task.Write(wctx, driver.Chunk{Samples: w.view, Last: last})
	blocked := time.Since(begin)
	cancel()
	if err != nil {
		return Written, &Error{Op: "write", Err: err}
	}
	w.cursor = win.End()
	w.progress.AddWritten(int64(win.Len))
	if w.meter != nil && win.Len > 0 {
		w.meter(int64(win.Len), blocked)
	}
	if err := w.poll(); err != nil {
		return Written, err
	}
	if last {
		w.done = true
		return Done, nil
	}
	return Written, nil
}

// Drain blocks until all written samples are generated by the device.
// Deadline is the duration of samples left in the buffer plus a write
// timeout.
func (w *Writer) Drain(ctx context.Context) error {
	left := w.progress.Written() - w.progress.Generated()
	ctx, cancel := context.WithTimeout(ctx, plan.DurationOf(w.plan.SampleRate(), left)+w.WriteTimeout)
	defer cancel()

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.poll(); err != nil {
			return err
		}
		if w.progress.Generated() >= w.progress.Written() {
			return nil
		}
		select {
		case <-ctx.Done():
			return &Error{Op: "drain", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// repetitions returns the number of repetitions touched by samples
// before the offset.
func (w *Writer) repetitions(offset int64) int64 {
	return w.plan.RepetitionEnd(offset) / int64(w.plan.Len())
}

// clamp moves the end to the stop target. Every written sample belongs
// to an entered repetition, so the end never moves behind the cursor.
func (w *Writer) clamp(target int64) {
	e := target * int64(w.plan.Len())
	if w.limit != plan.Unbounded && e > w.limit {
		e = w.limit
	}
	w.end = e
}

func (w *Writer) poll() error {
	generated, err := w.task.Generated()
	if err != nil {
		return &Error{Op: "poll", Err: err}
	}
	w.progress.SetGenerated(generated)
	return nil
}
