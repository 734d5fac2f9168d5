package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps jobs in a single table; clips are stored as JSON.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// The CLI and a worker may share the file, so writers wait for the lock
// instead of failing with SQLITE_BUSY.
const sqlitePragmas = "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+sqlitePragmas)
	if err != nil {
		return nil, fmt.Errorf("open job db: %w", err)
	}
	// One writer per process; other processes wait on busy_timeout.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		requested_clip_count INTEGER NOT NULL,
		clip_duration_cap REAL NOT NULL,
		clips TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the handle so other tables can share the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Create(ctx context.Context, job Job) error {
	clips, err := json.Marshal(nonNil(job.Clips))
	if err != nil {
		return fmt.Errorf("marshal clips: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO jobs (id, status, progress, message, error, requested_clip_count, clip_duration_cap, clips, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		job.ID, string(job.Status), job.Progress, job.Message, job.Error,
		job.RequestedClipCount, job.ClipDurationCap, string(clips),
		job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	return nil
}

const selectJob = `
	SELECT id, status, progress, message, error, requested_clip_count, clip_duration_cap, clips, created_at, updated_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j      Job
		status string
		clips  string
	)
	if err := r.Scan(&j.ID, &status, &j.Progress, &j.Message, &j.Error,
		&j.RequestedClipCount, &j.ClipDurationCap, &clips, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return Job{}, err
	}
	j.Status = Status(status)
	if err := json.Unmarshal([]byte(clips), &j.Clips); err != nil {
		return Job{}, fmt.Errorf("decode clips: %w", err)
	}
	if len(j.Clips) == 0 {
		j.Clips = nil
	}
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanJob(tx.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}

	next, err := cur.Apply(p, s.now())
	if err != nil {
		return cur, err
	}
	clips, err := json.Marshal(nonNil(next.Clips))
	if err != nil {
		return cur, fmt.Errorf("marshal clips: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
	UPDATE jobs SET status = ?, progress = ?, message = ?, error = ?, clips = ?, updated_at = ?
	WHERE id = ?`,
		string(next.Status), next.Progress, next.Message, next.Error, string(clips), next.UpdatedAt, id); err != nil {
		return cur, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return cur, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectJob+` ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nonNil(c []Clip) []Clip {
	if c == nil {
		return []Clip{}
	}
	return c
}
