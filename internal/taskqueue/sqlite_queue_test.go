package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestSQLiteQueue(t *testing.T) *SQLiteQueue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLiteQueue(db)
	require.NoError(t, err)
	return q
}

func TestSQLiteQueue_EnqueueDequeueFIFO(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "1", Type: TaskTypeRunInstance, WorkflowName: "iris.train", InstanceID: "a"}))
	require.NoError(t, q.Enqueue(ctx, Task{
		ID:           "2",
		Type:         TaskTypeStartWorkflow,
		WorkflowName: "iris.predict",
		Payload:      StartWorkflowPayload{Input: "features.csv"},
		Attempts:     2,
	}))
	require.Equal(t, 2, q.Len())

	got1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "1", got1.ID)
	require.Equal(t, TaskTypeRunInstance, got1.Type)
	require.Equal(t, "a", got1.InstanceID)
	require.Nil(t, got1.Payload)

	got2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "2", got2.ID)
	require.Equal(t, "iris.predict", got2.WorkflowName)
	require.Equal(t, StartWorkflowPayload{Input: "features.csv"}, got2.Payload)
	require.Equal(t, 2, got2.Attempts)

	require.Equal(t, 0, q.Len())
}

func TestSQLiteQueue_NotBefore(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "later", NotBefore: time.Now().Add(100 * time.Millisecond)}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "now"}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "now", got.ID)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "later", got.ID)
}
