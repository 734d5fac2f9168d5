package queue

import (
	"context"
	"fmt"

	"github.com/forPelevin/hlclip/internal/jobs"
	"github.com/forPelevin/hlclip/internal/usecase"
)

// Runner is satisfied by *usecase.Usecase.
type Runner interface {
	Run(ctx context.Context, jobID string, p usecase.Params) (usecase.Result, error)
}

var _ Runner = (*usecase.Usecase)(nil)

// Dispatcher starts a job that already exists in the store.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, p usecase.Params) error
}

// Inline runs the job in the caller's goroutine.
type Inline struct {
	Runner Runner
}

func (d Inline) Dispatch(ctx context.Context, jobID string, p usecase.Params) error {
	_, err := d.Runner.Run(ctx, jobID, p)
	return err
}

// Deferred serializes the job onto a broker for a Worker to run.
type Deferred struct {
	Broker Broker
}

func (d Deferred) Dispatch(ctx context.Context, jobID string, p usecase.Params) error {
	body, err := Encode(Payload{JobID: jobID, Params: p})
	if err != nil {
		return err
	}
	if _, err := d.Broker.Publish(ctx, body); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Submit creates a queued job record and hands it to d.
func Submit(ctx context.Context, store jobs.Store, d Dispatcher, p usecase.Params) (string, error) {
	id := jobs.NewID()
	if err := store.Create(ctx, jobs.New(id, p.ClipCount, p.ClipDuration)); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, d.Dispatch(ctx, id, p)
}
