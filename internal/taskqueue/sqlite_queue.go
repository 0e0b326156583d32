package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQueue is a persistent task queue backed by SQLite. Due tasks are
// handed out in (not_before, id) order; each row is deleted in the same
// transaction that claims it.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	notify       chan struct{}
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 50 * time.Millisecond,
		notify:       make(chan struct{}, 1),
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			not_before INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tasks_due_idx ON tasks (not_before, id);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	notBefore := t.NotBefore
	if notBefore.IsZero() {
		notBefore = t.EnqueuedAt
	}

	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (type, instance_id, not_before, data)
		VALUES (?, ?, ?, ?)`,
		string(t.Type),
		t.InstanceID,
		notBefore.UnixNano(),
		data,
	)
	if err != nil {
		return err
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		task, wait, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// claim removes the earliest due task. When nothing is due it returns how
// long to sleep before looking again.
func (q *SQLiteQueue) claim(ctx context.Context) (*Task, time.Duration, error) {
	now := time.Now().UnixNano()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id        int64
		notBefore int64
		data      []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, not_before, data
		FROM tasks
		ORDER BY not_before, id
		LIMIT 1`,
	).Scan(&id, &notBefore, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, q.pollInterval, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if notBefore > now {
		return nil, min(time.Duration(notBefore-now), q.pollInterval), nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}

	task, err := DecodeTask(data)
	if err != nil {
		return nil, 0, err
	}
	return task, 0, nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
