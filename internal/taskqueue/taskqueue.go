// Package taskqueue provides the queues that carry work from Engine.Start to
// workers: an in-process channel queue, a SQLite table, a Redis list and a
// MongoDB collection.
package taskqueue

import (
	"context"
	"encoding/gob"
	"errors"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeRunInstance asks a worker to execute an existing PENDING
	// instance created by Engine.Start.
	TaskTypeRunInstance TaskType = "run-instance"

	// TaskTypeStartWorkflow asks a worker to create and run a new instance.
	// Producers that cannot reach the instance store (for example a CLI
	// pushing straight into Redis) use this form.
	TaskTypeStartWorkflow TaskType = "start-workflow"
)

// ErrClosed is returned by queues after Close.
var ErrClosed = errors.New("taskqueue: closed")

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	WorkflowName string
	InstanceID   string

	// Payload is task-type specific:
	//   - run-instance: nil
	//   - start-workflow: StartWorkflowPayload
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts previous deliveries that ended in a retryable error.
	Attempts int
}

// StartWorkflowPayload is the payload of a start-workflow task.
type StartWorkflowPayload struct {
	Input any
}

func init() {
	gob.Register(StartWorkflowPayload{})
}

// Ready reports whether the task may be processed at now.
func (t Task) Ready(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next ready task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, delayed ones included.
	Len() int
}
