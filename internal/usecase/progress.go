package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/forPelevin/hlclip/internal/jobs"
	"github.com/forPelevin/hlclip/internal/logger"
)

// tracker owns the job record while a run is in flight. Every change goes
// through the store first and is then published as the next event.
type tracker struct {
	mu     sync.Mutex
	store  jobs.Store
	obs    jobs.Observer
	log    logger.Logger
	jobID  string
	status jobs.Status
	last   int
	seq    int
}

func newTracker(store jobs.Store, obs jobs.Observer, log logger.Logger, job jobs.Job) *tracker {
	return &tracker{
		store:  store,
		obs:    obs,
		log:    log,
		jobID:  job.ID,
		status: job.Status,
		last:   job.Progress,
	}
}

// Report moves progress forward. Lower values are raised to the last
// checkpoint so the stream never goes backwards. Store errors are logged.
func (t *tracker) Report(ctx context.Context, percent int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	percent = max(percent, t.last)
	j, err := t.store.Update(ctx, t.jobID, jobs.Patch{}.WithProgress(percent).WithMessage(message))
	if err != nil {
		t.log.Warn(ctx, "job %s: progress update failed: %v", t.jobID, err)
		return
	}
	t.last = j.Progress
	t.emitLocked(ctx, j)
}

func (t *tracker) transition(ctx context.Context, p jobs.Patch) (jobs.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Progress != nil && *p.Progress < t.last {
		p = p.WithProgress(t.last)
	}
	j, err := t.store.Update(ctx, t.jobID, p)
	if err != nil {
		return j, err
	}
	t.status = j.Status
	t.last = j.Progress
	t.emitLocked(ctx, j)
	return j, nil
}

func (t *tracker) progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *tracker) emitLocked(ctx context.Context, j jobs.Job) {
	t.seq++
	ev := jobs.Event{
		JobID:    j.ID,
		Seq:      t.seq,
		Status:   j.Status,
		Progress: j.Progress,
		Message:  j.Message,
		Error:    j.Error,
		At:       time.Now().UTC(),
	}
	t.log.Info(ctx, "job %s [%s %d%%] %s", j.ID, j.Status, j.Progress, j.Message)
	if t.obs != nil {
		t.obs.OnEvent(ctx, ev)
	}
}
