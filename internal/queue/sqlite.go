package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultPollInterval = 500 * time.Millisecond

// SQLiteBroker keeps deliveries in a table so a worker process can pick up
// jobs submitted by another process sharing the same database file.
type SQLiteBroker struct {
	db        *sql.DB
	poll      time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

var _ Broker = (*SQLiteBroker)(nil)

// NewSQLiteBroker creates the queue table on db. Deliveries leased by a
// worker that died are put back on the queue.
func NewSQLiteBroker(ctx context.Context, db *sql.DB, poll time.Duration) (*SQLiteBroker, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	schema := `
	CREATE TABLE IF NOT EXISTS job_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		body BLOB NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		enqueued_at DATETIME NOT NULL,
		leased_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_job_queue_state ON job_queue(state, seq);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE job_queue SET state = 'pending', leased_at = NULL WHERE state = 'leased'`); err != nil {
		return nil, fmt.Errorf("requeue leased: %w", err)
	}
	return &SQLiteBroker{db: db, poll: poll, done: make(chan struct{})}, nil
}

func (b *SQLiteBroker) Publish(ctx context.Context, body []byte) (string, error) {
	if b.closed() {
		return "", ErrClosed
	}
	id := uuid.NewString()
	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO job_queue (id, body, enqueued_at) VALUES (?, ?, ?)`,
		id, body, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return id, nil
}

func (b *SQLiteBroker) Consume(ctx context.Context) (Delivery, error) {
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		d, err := b.lease(ctx)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Delivery{}, err
		}
		select {
		case <-ticker.C:
		case <-b.done:
			return Delivery{}, ErrClosed
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

// lease marks the oldest pending delivery as taken in one statement.
func (b *SQLiteBroker) lease(ctx context.Context) (Delivery, error) {
	if b.closed() {
		return Delivery{}, ErrClosed
	}
	var d Delivery
	err := b.db.QueryRowContext(ctx, `
	UPDATE job_queue SET state = 'leased', leased_at = ?
	WHERE seq = (SELECT seq FROM job_queue WHERE state = 'pending' ORDER BY seq LIMIT 1)
	RETURNING id, body`, time.Now().UTC()).Scan(&d.ID, &d.Body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Delivery{}, err
		}
		return Delivery{}, fmt.Errorf("lease: %w", err)
	}
	return d, nil
}

func (b *SQLiteBroker) Ack(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM job_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Pending counts deliveries not yet leased.
func (b *SQLiteBroker) Pending(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_queue WHERE state = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Close stops consumers. The database handle belongs to the caller.
func (b *SQLiteBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

func (b *SQLiteBroker) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
