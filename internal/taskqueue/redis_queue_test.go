package taskqueue

import (
	"context"
	"encoding/gob"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxoml/internal/testutil"
)

func init() {
	gob.Register(map[string]any{})
}

func TestRedisQueue(t *testing.T) {
	addr := testutil.StartRedis(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, "test:queue:")
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{ID: "delayed", NotBefore: time.Now().Add(200 * time.Millisecond)}))
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
}

func TestCodec_RoundTrip(t *testing.T) {
	in := Task{
		ID:           "t1",
		Type:         TaskTypeRunInstance,
		WorkflowName: "iris.train",
		InstanceID:   "i1",
		EnqueuedAt:   time.Unix(1_700_000_000, 0).UTC(),
		Attempts:     1,
	}
	data, err := EncodeTask(in)
	require.NoError(t, err)

	out, err := DecodeTask(data)
	require.NoError(t, err)
	require.True(t, in.EnqueuedAt.Equal(out.EnqueuedAt))

	out.EnqueuedAt = in.EnqueuedAt
	require.Equal(t, in, *out)
}
