package jobs

import (
	"context"
	"sync"
	"time"
)

// Event is one entry of a job's ordered progress stream.
type Event struct {
	JobID    string    `json:"job_id"`
	Seq      int       `json:"seq"`
	Status   Status    `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Observers fans every event out in order.
type Observers []Observer

func (obs Observers) OnEvent(ctx context.Context, ev Event) {
	for _, o := range obs {
		if o != nil {
			o.OnEvent(ctx, ev)
		}
	}
}

// Recorder keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) OnEvent(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Progress returns the progress values of jobID in arrival order.
func (r *Recorder) Progress(jobID string) []int {
	var out []int
	for _, ev := range r.Events() {
		if ev.JobID == jobID {
			out = append(out, ev.Progress)
		}
	}
	return out
}

// Broadcaster hands events to channel subscribers. A subscriber that does
// not keep up loses events rather than stalling the job.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and a func that closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) OnEvent(_ context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
