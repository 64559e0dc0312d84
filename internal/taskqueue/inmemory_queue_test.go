package taskqueue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryQueue_EnqueueDequeueOrder(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := q.Enqueue(ctx, Task{ID: id, Type: TaskTypeRunInstance, InstanceID: "inst-" + id}); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}

	if q.Len() != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len())
	}

	for _, want := range []string{"1", "2", "3"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.ID != want {
			t.Fatalf("expected task %s, got %s", want, got.ID)
		}
		if got.EnqueuedAt.IsZero() {
			t.Fatalf("expected EnqueuedAt to be stamped")
		}
	}

	if q.Len() != 0 {
		t.Fatalf("expected Len 0 after dequeues, got %d", q.Len())
	}
}

func TestInMemoryQueue_DequeueHonorsContextCancellation(t *testing.T) {
	q := NewInMemoryQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("expected Dequeue to fail due to context cancellation")
	}
}

func TestInMemoryQueue_NotBeforeDelaysDelivery(t *testing.T) {
	q := NewInMemoryQueue(4)
	ctx := context.Background()

	start := time.Now()
	delay := 80 * time.Millisecond
	if err := q.Enqueue(ctx, Task{ID: "later", NotBefore: start.Add(delay)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected delayed task to count toward Len, got %d", q.Len())
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(short); err == nil {
		t.Fatalf("delayed task must not be delivered early")
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID != "later" {
		t.Fatalf("unexpected task %q", got.ID)
	}
	if elapsed := time.Since(start); elapsed < delay {
		t.Fatalf("task delivered after %v, expected at least %v", elapsed, delay)
	}
}

func TestInMemoryQueue_CloseDropsDelayed(t *testing.T) {
	q := NewInMemoryQueue(4)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "later", NotBefore: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	q.Close()

	if q.Len() != 0 {
		t.Fatalf("expected delayed task to be dropped, Len=%d", q.Len())
	}
	if err := q.Enqueue(ctx, Task{ID: "x"}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
