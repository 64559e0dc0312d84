package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxoml/internal/testutil"
)

func TestMongoQueue(t *testing.T) {
	uri := testutil.StartMongo(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	q := NewMongoQueue(client, "fluxoml_test", "")

	require.NoError(t, q.Enqueue(ctx, Task{ID: "delayed", NotBefore: time.Now().Add(300 * time.Millisecond)}))
	require.NoError(t, q.Enqueue(ctx, Task{ID: "1", Type: TaskTypeRunInstance, InstanceID: "a"}))
	require.NoError(t, q.Enqueue(ctx, Task{
		ID:      "2",
		Type:    TaskTypeStartWorkflow,
		Payload: StartWorkflowPayload{Input: map[string]any{"C": 1.0}},
	}))
	require.Equal(t, 3, q.Len())

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "1", got.ID)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "2", got.ID)
	require.Equal(t, StartWorkflowPayload{Input: map[string]any{"C": 1.0}}, got.Payload)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "delayed", got.ID)
	require.Equal(t, 0, q.Len())

	short, stop := context.WithTimeout(ctx, 150*time.Millisecond)
	defer stop()
	_, err = q.Dequeue(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
