package keypool

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNew_DropsBlankAndDuplicateSecrets(t *testing.T) {
	p := New([]string{"aaa", "", "  ", "bbb", "aaa", " bbb "})
	if p.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", p.Len())
	}
	k, ok := p.Active()
	if !ok || k.Secret != "aaa" || k.Index != 0 {
		t.Fatalf("unexpected active key: %+v ok=%v", k, ok)
	}
}

func TestActive_EmptyPool(t *testing.T) {
	p := New(nil)
	if _, ok := p.Active(); ok {
		t.Fatalf("expected no active key")
	}
	if p.Rotate() {
		t.Fatalf("rotate on empty pool must fail")
	}
}

func TestMarkFailure_CooldownByReason(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantHealth Health
		wantCool   time.Duration
	}{
		{"rate limit", errors.New("429 Too Many Requests"), Cooldown, 60 * time.Second},
		{"quota", errors.New("RESOURCE_EXHAUSTED: quota exceeded"), Cooldown, 600 * time.Second},
		{"invalid", errors.New("401 invalid api key"), Invalid, 86400 * time.Second},
		{"typed invalid", FromStatus(403, errors.New("forbidden")), Invalid, 86400 * time.Second},
		{"typed quota", FromStatus(402, nil), Cooldown, 600 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := newFakeClock()
			p := New([]string{"k1", "k2"}, WithClock(clk.Now))
			k, _ := p.Active()
			if !p.MarkFailure(k, tt.err) {
				t.Fatalf("expected rotation to succeed")
			}
			st := p.Status()[0]
			if st.Health != tt.wantHealth {
				t.Fatalf("health=%v, want %v", st.Health, tt.wantHealth)
			}
			if st.CooldownRemaining != tt.wantCool {
				t.Fatalf("cooldown=%v, want %v", st.CooldownRemaining, tt.wantCool)
			}
			if st.ErrorCount != 1 || st.LastError == "" {
				t.Fatalf("error bookkeeping missing: %+v", st)
			}
		})
	}
}

func TestCooldown_ExpiresAfterDeadline(t *testing.T) {
	clk := newFakeClock()
	p := New([]string{"k1"}, WithClock(clk.Now))
	k, _ := p.Active()
	if p.MarkFailure(k, errors.New("429")) {
		t.Fatalf("single-key pool cannot rotate")
	}
	if _, ok := p.Active(); ok {
		t.Fatalf("key in cooldown must not be active")
	}

	clk.Advance(60 * time.Second)
	if _, ok := p.Active(); ok {
		t.Fatalf("key must stay in cooldown until the deadline passes")
	}
	clk.Advance(time.Millisecond)
	k, ok := p.Active()
	if !ok || k.Index != 0 {
		t.Fatalf("expected key to recover, got %+v ok=%v", k, ok)
	}
	if st := p.Status()[0]; st.Health != Healthy || st.InCooldown {
		t.Fatalf("status not restored: %+v", st)
	}
}

func TestRotate_SkipsUnhealthyAndKeepsPointerOnFailure(t *testing.T) {
	clk := newFakeClock()
	p := New([]string{"k1", "k2", "k3"}, WithClock(clk.Now))

	k1, _ := p.Active()
	p.MarkFailure(k1, errors.New("429"))
	k2, _ := p.Active()
	if k2.Index != 1 {
		t.Fatalf("expected key 2 active, got %d", k2.Index+1)
	}
	if !p.Rotate() {
		t.Fatalf("expected rotate to reach key 3")
	}
	k3, _ := p.Active()
	if k3.Index != 2 {
		t.Fatalf("expected key 3 active, got %d", k3.Index+1)
	}

	p.MarkFailure(k3, errors.New("429"))
	p.MarkFailure(k2, errors.New("429"))
	if p.Rotate() {
		t.Fatalf("rotate must fail with no healthy keys")
	}
	if p.HealthyCount() != 0 {
		t.Fatalf("expected 0 healthy keys")
	}
}

func TestMarkFailure_IsIdempotentForStaleLease(t *testing.T) {
	clk := newFakeClock()
	p := New([]string{"k1", "k2", "k3"}, WithClock(clk.Now))

	lease, _ := p.Active()
	// Two concurrent calls observed the same key failing.
	p.MarkFailure(lease, errors.New("429"))
	clk.Advance(10 * time.Second)
	if !p.MarkFailure(lease, errors.New("429")) {
		t.Fatalf("second report should still find a healthy key")
	}

	st := p.Status()
	if st[0].ErrorCount != 1 {
		t.Fatalf("stale report re-penalized the key: %+v", st[0])
	}
	if st[0].CooldownRemaining != 50*time.Second {
		t.Fatalf("cooldown was extended: %v", st[0].CooldownRemaining)
	}
	k, _ := p.Active()
	if k.Index != 1 {
		t.Fatalf("pointer moved twice, active key %d", k.Index+1)
	}
}

func TestPool_ConcurrentAccess(t *testing.T) {
	p := New([]string{"k1", "k2", "k3", "k4"})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, ok := p.Active()
			if !ok {
				return
			}
			if i%3 == 0 {
				p.MarkFailure(k, errors.New("rate limit"))
			}
			_ = p.Status()
		}(i)
	}
	wg.Wait()
	if p.HealthyCount() < 0 || p.HealthyCount() > 4 {
		t.Fatalf("healthy count out of range")
	}
}

type recordingObserver struct {
	failures []Reason
	rotated  []bool
	healthy  []int
}

func (o *recordingObserver) CredentialFailed(_ int, r Reason, _ time.Duration) {
	o.failures = append(o.failures, r)
}
func (o *recordingObserver) Rotated(ok bool)         { o.rotated = append(o.rotated, ok) }
func (o *recordingObserver) HealthyChanged(h, _ int) { o.healthy = append(o.healthy, h) }

func TestObserver_SeesFailureAndRotation(t *testing.T) {
	obs := &recordingObserver{}
	p := New([]string{"k1", "k2"}, WithObserver(obs))
	k, _ := p.Active()
	p.MarkFailure(k, errors.New("quota exceeded"))

	if len(obs.failures) != 1 || obs.failures[0] != ReasonQuotaExhausted {
		t.Fatalf("unexpected failures: %v", obs.failures)
	}
	if len(obs.rotated) != 1 || !obs.rotated[0] {
		t.Fatalf("unexpected rotations: %v", obs.rotated)
	}
	if got := obs.healthy[len(obs.healthy)-1]; got != 1 {
		t.Fatalf("healthy gauge=%d, want 1", got)
	}
}
