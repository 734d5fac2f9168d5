package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/forPelevin/hlclip/internal/logger"
	"github.com/forPelevin/hlclip/internal/usecase"
)

// RetryPolicy bounds how often a worker re-runs a job whose run did not
// reach a terminal state. Intervals are used in order; the last one repeats.
type RetryPolicy struct {
	MaxAttempts int
	Intervals   []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Intervals: []time.Duration{10 * time.Second, 30 * time.Second}}
}

type stepBackOff struct {
	steps []time.Duration
	i     int
}

var _ backoff.BackOff = (*stepBackOff)(nil)

func (b *stepBackOff) NextBackOff() time.Duration {
	if len(b.steps) == 0 {
		return 0
	}
	d := b.steps[min(b.i, len(b.steps)-1)]
	b.i++
	return d
}

func (b *stepBackOff) Reset() { b.i = 0 }

// Worker consumes deliveries and runs each job with a fixed number of
// goroutines.
type Worker struct {
	broker      Broker
	runner      Runner
	concurrency int
	policy      RetryPolicy
	log         logger.Logger
	consumeWait func() backoff.BackOff
}

type WorkerOption func(*Worker)

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithRetryPolicy(p RetryPolicy) WorkerOption {
	return func(w *Worker) { w.policy = p }
}

func WithLogger(l logger.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

func NewWorker(b Broker, r Runner, opts ...WorkerOption) *Worker {
	w := &Worker{
		broker:      b,
		runner:      r,
		concurrency: 2,
		policy:      DefaultRetryPolicy(),
		log:         logger.Nop(),
		consumeWait: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run blocks until ctx is done or the broker is closed. In-flight jobs are
// finished before it returns. Consume errors are retried, never fatal.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info(ctx, "starting worker pool with %d workers", w.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context, id int) {
	wait := w.consumeWait()
	for {
		d, err := w.broker.Consume(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			next := wait.NextBackOff()
			w.log.Warn(ctx, "worker %d: consume: %v; retrying in %s", id, err, next)
			t := time.NewTimer(next)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		wait.Reset()
		w.handle(ctx, id, d)
	}
}

func (w *Worker) handle(ctx context.Context, id int, d Delivery) {
	p, err := Decode(d.Body)
	if err != nil {
		w.log.Error(ctx, "worker %d: dropping delivery %s: %v", id, d.ID, err)
	} else if err := w.process(ctx, id, p); err != nil {
		w.log.Warn(ctx, "worker %d: job %s: %v", id, p.JobID, err)
	} else {
		w.log.Info(ctx, "worker %d: job %s done", id, p.JobID)
	}
	// The job record holds the outcome; the delivery is finished either way.
	if err := w.broker.Ack(context.WithoutCancel(ctx), d.ID); err != nil {
		w.log.Error(ctx, "worker %d: %v", id, err)
	}
}

// process runs the job, retrying only failures that left it non-terminal.
func (w *Worker) process(ctx context.Context, id int, p Payload) error {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		err := w.runOnce(ctx, id, p)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, usecase.ErrJobFailed) || ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	notify := func(err error, next time.Duration) {
		w.log.Warn(ctx, "worker %d: job %s attempt %d failed, retrying in %s: %v", id, p.JobID, attempt, next, err)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&stepBackOff{steps: w.policy.Intervals}),
		backoff.WithMaxTries(uint(max(w.policy.MaxAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	return err
}

func (w *Worker) runOnce(ctx context.Context, id int, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error(ctx, "worker %d: PANIC processing job %s: %v\n%s", id, p.JobID, r, debug.Stack())
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	_, err = w.runner.Run(ctx, p.JobID, p.Params)
	return err
}
