package keypool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/forPelevin/hlclip/internal/logger"
)

type Health int

const (
	Healthy Health = iota
	Cooldown
	Invalid
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Cooldown:
		return "cooldown"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Credential is a lease on one pool entry. The pool keeps the health state;
// the lease only identifies the entry and carries the secret for one call.
type Credential struct {
	Index  int
	Secret string
}

// Label is the log-safe name of the credential.
func (c Credential) Label() string { return fmt.Sprintf("key %d", c.Index+1) }

type Cooldowns struct {
	RateLimit time.Duration
	Quota     time.Duration
	Invalid   time.Duration
}

func DefaultCooldowns() Cooldowns {
	return Cooldowns{
		RateLimit: 60 * time.Second,
		Quota:     600 * time.Second,
		Invalid:   86400 * time.Second,
	}
}

func (c Cooldowns) forReason(r Reason) time.Duration {
	switch r {
	case ReasonQuotaExhausted:
		return c.Quota
	case ReasonInvalidCredential:
		return c.Invalid
	default:
		return c.RateLimit
	}
}

// Observer receives pool state changes. Calls happen with the pool lock held,
// so implementations must not call back into the pool.
type Observer interface {
	CredentialFailed(index int, reason Reason, cooldown time.Duration)
	Rotated(ok bool)
	HealthyChanged(healthy, total int)
}

type entry struct {
	secret        string
	health        Health
	cooldownUntil time.Time
	lastError     string
	errorCount    int
}

// Pool rotates between interchangeable credentials of a rate-limited service.
// Insertion order is rotation order. The mutex only guards state inspection
// and mutation; callers use the returned Credential outside of it.
type Pool struct {
	mu        sync.Mutex
	keys      []*entry
	current   int
	now       func() time.Time
	cooldowns Cooldowns
	log       logger.Logger
	observer  Observer
}

type Option func(*Pool)

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func WithCooldowns(c Cooldowns) Option {
	return func(p *Pool) {
		def := DefaultCooldowns()
		if c.RateLimit <= 0 {
			c.RateLimit = def.RateLimit
		}
		if c.Quota <= 0 {
			c.Quota = def.Quota
		}
		if c.Invalid <= 0 {
			c.Invalid = def.Invalid
		}
		p.cooldowns = c
	}
}

func WithLogger(l logger.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// New builds a pool from raw secrets. Blank and duplicate secrets are dropped.
func New(secrets []string, opts ...Option) *Pool {
	p := &Pool{
		now:       time.Now,
		cooldowns: DefaultCooldowns(),
		log:       logger.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	seen := make(map[string]struct{}, len(secrets))
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		p.keys = append(p.keys, &entry{secret: s})
	}
	if p.observer != nil {
		p.observer.HealthyChanged(len(p.keys), len(p.keys))
	}
	return p
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Active returns the sticky credential when healthy, otherwise the first
// healthy one found scanning forward. ok is false when none is healthy.
func (p *Pool) Active() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked()

	n := len(p.keys)
	for step := 0; step < n; step++ {
		i := (p.current + step) % n
		if p.keys[i].health == Healthy {
			p.current = i
			return Credential{Index: i, Secret: p.keys[i].secret}, true
		}
	}
	return Credential{}, false
}

// MarkFailure puts the credential into cooldown and rotates away from it.
// A credential that is already unhealthy is not penalized again. It reports
// whether a healthy credential is active afterwards.
func (p *Pool) MarkFailure(c Credential, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked()

	if c.Index < 0 || c.Index >= len(p.keys) || p.keys[c.Index].secret != c.Secret {
		return p.rotateLocked()
	}
	e := p.keys[c.Index]
	if e.health != Healthy {
		// Another caller already penalized this key and moved the pointer.
		if p.current != c.Index && p.keys[p.current].health == Healthy {
			return true
		}
		return p.rotateLocked()
	}

	reason := reasonOf(err)
	cooldown := p.cooldowns.forReason(reason)
	e.health = Cooldown
	if reason == ReasonInvalidCredential {
		e.health = Invalid
	}
	e.cooldownUntil = p.now().Add(cooldown)
	e.errorCount++
	if err != nil {
		e.lastError = err.Error()
	}

	p.log.Warn(context.Background(), "%s marked %s (%s). cooldown: %s, error count: %d",
		c.Label(), e.health, reason, cooldown, e.errorCount)
	if p.observer != nil {
		p.observer.CredentialFailed(c.Index, reason, cooldown)
		p.observer.HealthyChanged(p.healthyLocked(), len(p.keys))
	}

	ok := p.rotateLocked()
	if ok {
		p.log.Info(context.Background(), "rotated to key %d", p.current+1)
	} else {
		p.log.Error(context.Background(), "no healthy keys available after rotation")
	}
	return ok
}

// Rotate advances the sticky pointer to the next healthy credential. On
// failure the pointer is left where it was.
func (p *Pool) Rotate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked()
	return p.rotateLocked()
}

func (p *Pool) rotateLocked() bool {
	n := len(p.keys)
	start := p.current
	for step := 0; step < n; step++ {
		p.current = (p.current + 1) % n
		if p.keys[p.current].health == Healthy {
			if p.observer != nil {
				p.observer.Rotated(true)
			}
			return true
		}
	}
	p.current = start
	if p.observer != nil {
		p.observer.Rotated(false)
	}
	return false
}

// reapLocked restores every credential whose cooldown has elapsed.
func (p *Pool) reapLocked() {
	now := p.now()
	recovered := false
	for i, e := range p.keys {
		if e.cooldownUntil.IsZero() || !now.After(e.cooldownUntil) {
			continue
		}
		e.cooldownUntil = time.Time{}
		e.health = Healthy
		recovered = true
		p.log.Info(context.Background(), "key %d cooldown expired, marking healthy", i+1)
	}
	if recovered && p.observer != nil {
		p.observer.HealthyChanged(p.healthyLocked(), len(p.keys))
	}
}

func (p *Pool) healthyLocked() int {
	n := 0
	for _, e := range p.keys {
		if e.health == Healthy {
			n++
		}
	}
	return n
}

func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked()
	return p.healthyLocked()
}

// KeyStatus is a secret-free snapshot of one credential.
type KeyStatus struct {
	Index             int           `json:"index"`
	Health            Health        `json:"-"`
	HealthName        string        `json:"health"`
	Active            bool          `json:"active"`
	InCooldown        bool          `json:"in_cooldown"`
	CooldownRemaining time.Duration `json:"-"`
	CooldownSeconds   float64       `json:"cooldown_remaining_sec"`
	LastError         string        `json:"last_error,omitempty"`
	ErrorCount        int           `json:"error_count"`
}

func (p *Pool) Status() []KeyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked()

	now := p.now()
	out := make([]KeyStatus, 0, len(p.keys))
	for i, e := range p.keys {
		st := KeyStatus{
			Index:      i + 1,
			Health:     e.health,
			HealthName: e.health.String(),
			Active:     i == p.current && e.health == Healthy,
			LastError:  e.lastError,
			ErrorCount: e.errorCount,
		}
		if !e.cooldownUntil.IsZero() && e.cooldownUntil.After(now) {
			st.InCooldown = true
			st.CooldownRemaining = e.cooldownUntil.Sub(now)
			st.CooldownSeconds = st.CooldownRemaining.Seconds()
		}
		out = append(out, st)
	}
	return out
}
