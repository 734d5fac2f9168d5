package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("broker closed")

type Delivery struct {
	ID   string
	Body []byte
}

// Broker hands serialized jobs from submitters to workers. Consume blocks
// until a delivery is available, ctx is done, or the broker is closed.
// A delivery that is never acked may be redelivered.
type Broker interface {
	Publish(ctx context.Context, body []byte) (string, error)
	Consume(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, id string) error
	Close() error
}

// MemoryBroker is an in-process channel broker.
type MemoryBroker struct {
	ch        chan Delivery
	done      chan struct{}
	closeOnce sync.Once
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 100
	}
	return &MemoryBroker{ch: make(chan Delivery, buffer), done: make(chan struct{})}
}

func (b *MemoryBroker) Publish(ctx context.Context, body []byte) (string, error) {
	d := Delivery{ID: uuid.NewString(), Body: body}
	select {
	case <-b.done:
		return "", ErrClosed
	default:
	}
	select {
	case b.ch <- d:
		return d.ID, nil
	case <-b.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *MemoryBroker) Consume(ctx context.Context) (Delivery, error) {
	select {
	case d := <-b.ch:
		return d, nil
	case <-b.done:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (b *MemoryBroker) Ack(context.Context, string) error { return nil }

func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
