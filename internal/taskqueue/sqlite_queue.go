package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/fluxoml/internal/persistence"
)

// SQLiteQueue is a persistent task queue implementation backed by SQLite.
// Tasks are claimed in (not_before, id) order inside a transaction, so several
// workers can share one database file.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
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
			task_id TEXT,
			type TEXT NOT NULL,
			workflow_name TEXT,
			instance_id TEXT,
			payload BLOB,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	payload, err := persistence.EncodeValue(t.Payload)
	if err != nil {
		return err
	}

	enqueuedAt := time.Now().UnixNano()
	notBefore := enqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, type, workflow_name, instance_id, payload, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		string(t.Type),
		t.WorkflowName,
		t.InstanceID,
		payload,
		enqueuedAt,
		notBefore,
		t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		task, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		// Nothing available: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// claim deletes and returns the next ready task, or nil when none is ready.
func (q *SQLiteQueue) claim(ctx context.Context) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id         int64
		taskID     sql.NullString
		typeStr    string
		wfName     sql.NullString
		instanceID sql.NullString
		payload    []byte
		enqueuedAt int64
		notBefore  int64
		attempts   int
	)

	row := tx.QueryRowContext(ctx, `
		SELECT id, task_id, type, workflow_name, instance_id, payload, enqueued_at, not_before, attempts
		FROM tasks
		WHERE not_before <= ?
		ORDER BY not_before, id
		LIMIT 1`, time.Now().UnixNano())
	err = row.Scan(&id, &taskID, &typeStr, &wfName, &instanceID, &payload, &enqueuedAt, &notBefore, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	decoded, err := persistence.DecodeValue(payload)
	if err != nil {
		return nil, err
	}

	return &Task{
		ID:           taskID.String,
		Type:         TaskType(typeStr),
		WorkflowName: wfName.String,
		InstanceID:   instanceID.String,
		Payload:      decoded,
		EnqueuedAt:   time.Unix(0, enqueuedAt),
		NotBefore:    time.Unix(0, notBefore),
		Attempts:     attempts,
	}, nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
