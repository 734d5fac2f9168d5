package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrProgressRegressed = errors.New("job progress cannot decrease")
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// validTransitions maps from-state to allowed to-states. Processing may be
// re-entered so a retried run can resume an interrupted job.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

func ValidateTransition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Clip is one produced highlight asset.
type Clip struct {
	Ordinal       int     `json:"ordinal"`
	Asset         string  `json:"asset"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	Duration      float64 `json:"duration"`
	Degraded      bool    `json:"degraded,omitempty"`
	Text          string  `json:"text,omitempty"`
	Hook          string  `json:"hook,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	Category      string  `json:"category,omitempty"`
	ViralityScore float64 `json:"virality_score"`
	CombinedScore float64 `json:"combined_score"`
}

type Job struct {
	ID                 string    `json:"id"`
	Status             Status    `json:"status"`
	Progress           int       `json:"progress"`
	Message            string    `json:"message,omitempty"`
	Error              string    `json:"error,omitempty"`
	RequestedClipCount int       `json:"requested_clip_count"`
	ClipDurationCap    float64   `json:"clip_duration_cap"`
	Clips              []Clip    `json:"clips,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func NewID() string { return uuid.NewString() }

// New returns a queued job.
func New(id string, clipCount int, clipDurationCap float64) Job {
	if id == "" {
		id = NewID()
	}
	now := time.Now().UTC()
	return Job{
		ID:                 id,
		Status:             StatusQueued,
		RequestedClipCount: clipCount,
		ClipDurationCap:    clipDurationCap,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Patch lists the fields an update changes. Nil fields are left alone.
type Patch struct {
	Status   *Status
	Progress *int
	Message  *string
	Error    *string
	Clips    []Clip
}

func (p Patch) WithStatus(s Status) Patch  { p.Status = &s; return p }
func (p Patch) WithProgress(v int) Patch   { p.Progress = &v; return p }
func (p Patch) WithMessage(m string) Patch { p.Message = &m; return p }
func (p Patch) WithError(e string) Patch   { p.Error = &e; return p }
func (p Patch) WithClips(c []Clip) Patch   { p.Clips = c; return p }

// Apply validates p against j and returns the patched copy.
func (j Job) Apply(p Patch, now time.Time) (Job, error) {
	out := j
	if p.Status != nil {
		if err := ValidateTransition(j.Status, *p.Status); err != nil {
			return j, err
		}
		out.Status = *p.Status
	}
	if p.Progress != nil {
		v := *p.Progress
		if v < 0 || v > 100 {
			return j, fmt.Errorf("progress %d out of range", v)
		}
		if v < j.Progress {
			return j, fmt.Errorf("%w: %d -> %d", ErrProgressRegressed, j.Progress, v)
		}
		out.Progress = v
	}
	if p.Message != nil {
		out.Message = *p.Message
	}
	if p.Error != nil {
		out.Error = *p.Error
	}
	if p.Clips != nil {
		out.Clips = cloneClips(p.Clips)
	}
	out.UpdatedAt = now.UTC()
	return out, nil
}

func cloneClips(c []Clip) []Clip {
	if c == nil {
		return nil
	}
	out := make([]Clip, len(c))
	copy(out, c)
	return out
}

func (j Job) clone() Job {
	j.Clips = cloneClips(j.Clips)
	return j
}
