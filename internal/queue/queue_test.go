package queue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/forPelevin/hlclip/internal/jobs"
	"github.com/forPelevin/hlclip/internal/ports"
	"github.com/forPelevin/hlclip/internal/types"
	"github.com/forPelevin/hlclip/internal/usecase"
)

func TestDecode_RejectsBadPayloads(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`not json`, `{}`, `{"job_id":""}`} {
		if _, err := Decode([]byte(body)); !errors.Is(err, ErrBadPayload) {
			t.Fatalf("%q: expected ErrBadPayload, got %v", body, err)
		}
	}
	if _, err := Encode(Payload{}); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload for empty id, got %v", err)
	}

	in := Payload{JobID: "j1", Params: usecase.Params{
		Source:    ports.Source{Kind: ports.SourceKick, URL: "https://kick.com/v/1", Headers: map[string]string{"Referer": "x"}},
		ClipCount: 3, ClipDuration: 45, Resolution: "square", BurnCaptions: true,
	}}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JobID != "j1" || out.Params.Source.Headers["Referer"] != "x" || out.Params.ClipDuration != 45 {
		t.Fatalf("payload changed in transit: %+v", out)
	}
}

func TestMemoryBroker_PublishConsumeClose(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(1)
	ctx := context.Background()
	id, err := b.Publish(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := b.Publish(short, []byte("b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("full broker should block until ctx expires, got %v", err)
	}

	d, err := b.Consume(ctx)
	if err != nil || d.ID != id || string(d.Body) != "a" {
		t.Fatalf("unexpected delivery %+v err=%v", d, err)
	}

	_ = b.Close()
	if _, err := b.Consume(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := b.Publish(ctx, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func openDB(t *testing.T) *jobs.SQLiteStore {
	t.Helper()
	s, err := jobs.OpenSQLite(filepath.Join(t.TempDir(), "hlclip.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteBroker_FIFOAckAndRequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t).DB()
	b, err := NewSQLiteBroker(ctx, db, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	for _, body := range []string{"first", "second"} {
		if _, err := b.Publish(ctx, []byte(body)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	d1, err := b.Consume(ctx)
	if err != nil || string(d1.Body) != "first" {
		t.Fatalf("expected first delivery, got %q err=%v", d1.Body, err)
	}
	if err := b.Ack(ctx, d1.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	d2, err := b.Consume(ctx)
	if err != nil || string(d2.Body) != "second" {
		t.Fatalf("expected second delivery, got %q err=%v", d2.Body, err)
	}
	if n, _ := b.Pending(ctx); n != 0 {
		t.Fatalf("pending=%d, want 0", n)
	}

	// second was leased but never acked: a new broker puts it back.
	b2, err := NewSQLiteBroker(ctx, db, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("reopen broker: %v", err)
	}
	if n, _ := b2.Pending(ctx); n != 1 {
		t.Fatalf("pending after requeue=%d, want 1", n)
	}
	d3, err := b2.Consume(ctx)
	if err != nil || d3.ID != d2.ID {
		t.Fatalf("expected redelivery of %s, got %+v err=%v", d2.ID, d3, err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := b2.Consume(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("empty queue should wait for ctx, got %v", err)
	}
	_ = b2.Close()
	if _, err := b2.Consume(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type scriptedRunner struct {
	mu    sync.Mutex
	calls int
	steps []func() error
}

func (r *scriptedRunner) Run(context.Context, string, usecase.Params) (usecase.Result, error) {
	r.mu.Lock()
	i := r.calls
	r.calls++
	r.mu.Unlock()
	if i < len(r.steps) {
		return usecase.Result{}, r.steps[i]()
	}
	return usecase.Result{}, nil
}

func TestWorkerProcess_RetryPolicy(t *testing.T) {
	t.Parallel()

	transient := errors.New("load job: database is locked")
	tests := []struct {
		name      string
		steps     []func() error
		wantCalls int
		wantErr   error
	}{
		{"success", nil, 1, nil},
		{"transient then success", []func() error{func() error { return transient }}, 2, nil},
		{"job failed is final", []func() error{func() error { return usecase.ErrJobFailed }}, 1, usecase.ErrJobFailed},
		{"bounded attempts", []func() error{
			func() error { return transient },
			func() error { return transient },
			func() error { return transient },
			func() error { return transient },
		}, 3, transient},
		{"panic is retried", []func() error{func() error { panic("boom") }}, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := &scriptedRunner{steps: tt.steps}
			w := NewWorker(NewMemoryBroker(1), r, WithRetryPolicy(RetryPolicy{
				MaxAttempts: 3,
				Intervals:   []time.Duration{time.Millisecond, 2 * time.Millisecond},
			}))
			err := w.process(context.Background(), 0, Payload{JobID: "j"})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if r.calls != tt.wantCalls {
				t.Fatalf("calls=%d, want %d", r.calls, tt.wantCalls)
			}
		})
	}
}

func TestStepBackOff_RepeatsLastInterval(t *testing.T) {
	t.Parallel()

	b := &stepBackOff{steps: []time.Duration{10 * time.Second, 30 * time.Second}}
	got := []time.Duration{b.NextBackOff(), b.NextBackOff(), b.NextBackOff()}
	want := []time.Duration{10 * time.Second, 30 * time.Second, 30 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d: got %s want %s", i, got[i], want[i])
		}
	}
	b.Reset()
	if b.NextBackOff() != 10*time.Second {
		t.Fatalf("reset did not rewind")
	}
}

// Orchestrator fakes for comparing the two execution paths.

type stubSource struct{}

func (stubSource) Fetch(_ context.Context, src ports.Source, _ string) (string, error) {
	return src.Path, nil
}

type stubASR struct{}

func (stubASR) Transcribe(context.Context, string, string) (types.Transcript, error) {
	return types.Transcript{Segments: []types.Segment{{Start: 0, End: 40, Text: "hello there"}}}, nil
}

type stubRanker struct{}

func (stubRanker) Rank(ctx context.Context, _ types.Transcript, n int, progress ports.Progress) ([]types.RankedSegment, error) {
	progress.Report(ctx, 50, "Analyzing... (3 chunks received)")
	out := make([]types.RankedSegment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.RankedSegment{Start: float64(i * 10), End: float64(i*10 + 8), Text: "t", ViralityScore: 7})
	}
	return out, nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, req ports.ClipRequest) (string, error) {
	return req.Output, nil
}

func (stubExtractor) Preview(_ context.Context, req ports.ClipRequest) (string, error) {
	return req.Output, nil
}

func newRunner(store jobs.Store, obs jobs.Observer) *usecase.Usecase {
	return usecase.New(usecase.Deps{
		Store:     store,
		Source:    stubSource{},
		ASR:       stubASR{},
		Ranker:    stubRanker{},
		Extractor: stubExtractor{},
		Observer:  obs,
	}, usecase.DefaultOptions())
}

type step struct {
	status   jobs.Status
	progress int
	message  string
}

func steps(evs []jobs.Event) []step {
	out := make([]step, 0, len(evs))
	for _, ev := range evs {
		out = append(out, step{ev.Status, ev.Progress, ev.Message})
	}
	return out
}

func testParams(t *testing.T) usecase.Params {
	dir := t.TempDir()
	return usecase.Params{
		Source:       ports.Source{Kind: ports.SourceUpload, Path: filepath.Join(dir, "in.mp4")},
		ClipCount:    3,
		ClipDuration: 30,
		Resolution:   "portrait",
		CacheDir:     filepath.Join(dir, "cache"),
		OutDir:       filepath.Join(dir, "out"),
	}
}

func TestInlineAndDeferredProduceSameTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	inlineStore := jobs.NewMemoryStore()
	inlineRec := &jobs.Recorder{}
	inlineID, err := Submit(ctx, inlineStore, Inline{Runner: newRunner(inlineStore, inlineRec)}, testParams(t))
	if err != nil {
		t.Fatalf("inline submit: %v", err)
	}

	sqlite := openDB(t)
	broker, err := NewSQLiteBroker(ctx, sqlite.DB(), 5*time.Millisecond)
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	deferredRec := &jobs.Recorder{}
	deferredID, err := Submit(ctx, sqlite, Deferred{Broker: broker}, testParams(t))
	if err != nil {
		t.Fatalf("deferred submit: %v", err)
	}
	if j, _ := sqlite.Get(ctx, deferredID); j.Status != jobs.StatusQueued {
		t.Fatalf("deferred job should wait queued, got %s", j.Status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	w := NewWorker(broker, newRunner(sqlite, deferredRec), WithConcurrency(1))
	go func() { done <- w.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := sqlite.Get(ctx, deferredID)
		if err == nil && j.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deferred job did not finish: %+v err=%v", j, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("worker run: %v", err)
	}

	a, b := steps(inlineRec.Events()), steps(deferredRec.Events())
	if len(a) == 0 || len(a) != len(b) {
		t.Fatalf("event counts differ: inline=%d deferred=%d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("event %d differs: inline=%+v deferred=%+v", i, a[i], b[i])
		}
	}
	if last := a[len(a)-1]; last.status != jobs.StatusCompleted || last.progress != 100 {
		t.Fatalf("unexpected final step %+v", last)
	}
	if inlineID == deferredID {
		t.Fatalf("job ids must be unique")
	}
	if n, _ := broker.Pending(ctx); n != 0 {
		t.Fatalf("delivery left pending")
	}
}

type flakyBroker struct {
	*MemoryBroker
	mu       sync.Mutex
	failures int
}

func (b *flakyBroker) Consume(ctx context.Context) (Delivery, error) {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return Delivery{}, errors.New("lease: database is locked")
	}
	b.mu.Unlock()
	return b.MemoryBroker.Consume(ctx)
}

func fastConsumeWait() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

func waitForCalls(t *testing.T, r *scriptedRunner, n int) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		calls := r.calls
		r.mu.Unlock()
		if calls >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("runner was not called %d times", n)
}

func TestWorkerRun_SurvivesConsumeErrors(t *testing.T) {
	t.Parallel()

	b := &flakyBroker{MemoryBroker: NewMemoryBroker(4), failures: 3}
	r := &scriptedRunner{}
	w := NewWorker(b, r, WithConcurrency(1))
	w.consumeWait = fastConsumeWait

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	body, err := Encode(Payload{JobID: "j1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := b.Publish(ctx, body); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitForCalls(t, r, 1)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerRun_WaitsOutLockedDatabase(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "hlclip.db")
	store, err := jobs.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	b, err := NewSQLiteBroker(ctx, store.DB(), 5*time.Millisecond)
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	body, err := Encode(Payload{JobID: "j1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := b.Publish(ctx, body); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// A second process holds the write lock while the worker starts polling.
	other, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open second connection: %v", err)
	}
	t.Cleanup(func() { _ = other.Close() })
	conn, err := other.Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		t.Fatalf("begin immediate: %v", err)
	}

	r := &scriptedRunner{}
	w := NewWorker(b, r, WithConcurrency(1))
	w.consumeWait = fastConsumeWait
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("worker exited while the database was locked: %v", err)
	default:
	}
	if _, err := conn.ExecContext(context.Background(), "COMMIT"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	waitForCalls(t, r, 1)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
