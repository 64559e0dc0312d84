package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/petrijr/fluxoml/internal/taskqueue"
	"github.com/petrijr/fluxoml/pkg/api"
)

// Config controls task-level redelivery. Step retries are handled by the
// engine; the worker only redelivers tasks that never produced an instance
// result, for example because this process has not registered the
// workflow yet.
type Config struct {
	// MaxAttempts is the total number of deliveries per task, including
	// the first. Values <= 1 disable redelivery.
	MaxAttempts int

	// Backoff is the delay before the first redelivery. It doubles on each
	// further attempt, up to MaxBackoff.
	Backoff time.Duration

	// MaxBackoff caps the redelivery delay. Zero means DefaultMaxBackoff.
	MaxBackoff time.Duration

	// Logger receives task failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultMaxBackoff is the redelivery delay cap when Config.MaxBackoff is zero.
const DefaultMaxBackoff = 5 * time.Minute

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.AsyncEngine
	queue  taskqueue.Queue
	cfg    Config
	log    *slog.Logger
}

// New creates a Worker that makes three delivery attempts per task.
func New(engine api.AsyncEngine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{MaxAttempts: 3, Backoff: 100 * time.Millisecond})
}

// NewWithConfig creates a Worker with explicit redelivery settings.
func NewWithConfig(engine api.AsyncEngine, queue taskqueue.Queue, cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
		log:    logger,
	}
}

// EnqueueStartWorkflow enqueues a task to start a workflow asynchronously.
// It does NOT run the workflow itself; that is done by ProcessOne.
func (w *Worker) EnqueueStartWorkflow(ctx context.Context, workflowName string, input any) error {
	return w.EnqueueStartWorkflowAt(ctx, workflowName, input, time.Time{})
}

// EnqueueStartWorkflowAt enqueues a task to start a workflow no earlier than
// the given time 'at'.
func (w *Worker) EnqueueStartWorkflowAt(ctx context.Context, workflowName string, input any, at time.Time) error {
	t := taskqueue.Task{
		ID:           uuid.Must(uuid.NewV4()).String(),
		Type:         taskqueue.TaskTypeStartWorkflow,
		WorkflowName: workflowName,
		Payload:      taskqueue.StartWorkflowPayload{Input: input},
		EnqueuedAt:   time.Now(),
		NotBefore:    at,
	}
	return w.queue.Enqueue(ctx, t)
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or dequeue failed)
//   - processed == true: a task was processed; err reports the handler result.
//
// A task whose handler fails without producing an instance is re-enqueued
// with backoff until Config.MaxAttempts is reached. When a run-instance task
// is then dropped, its PENDING instance is marked FAILED with the last
// error so that callers waiting on it see the outcome.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	inst, err := w.handle(ctx, task)
	if err == nil {
		return true, nil
	}

	if inst == nil && !isContextErr(err) {
		requeued, rqErr := w.redeliver(ctx, *task)
		switch {
		case rqErr != nil:
			return true, multierror.Append(err, rqErr)
		case requeued:
			w.log.Debug("task redelivery scheduled",
				slog.String("task_id", task.ID),
				slog.String("workflow", task.WorkflowName),
				slog.Int("attempt", task.Attempts+1),
				slog.Any("error", err),
			)
		default:
			if dropErr := w.drop(ctx, task, err); dropErr != nil {
				return true, multierror.Append(err, dropErr)
			}
		}
	}
	return true, err
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) (*api.WorkflowInstance, error) {
	switch task.Type {
	case taskqueue.TaskTypeRunInstance:
		return w.engine.RunInstance(ctx, task.InstanceID)

	case taskqueue.TaskTypeStartWorkflow:
		payload, ok := task.Payload.(taskqueue.StartWorkflowPayload)
		if !ok {
			return nil, fmt.Errorf("invalid payload type %T for start-workflow task", task.Payload)
		}
		return w.engine.Run(ctx, task.WorkflowName, payload.Input)

	default:
		return nil, errors.New("unknown task type: " + string(task.Type))
	}
}

func (w *Worker) redeliver(ctx context.Context, task taskqueue.Task) (bool, error) {
	if task.Type != taskqueue.TaskTypeRunInstance && task.Type != taskqueue.TaskTypeStartWorkflow {
		return false, nil
	}
	task.Attempts++
	if task.Attempts >= w.cfg.MaxAttempts {
		return false, nil
	}
	task.NotBefore = time.Now().Add(w.redeliveryDelay(task.Attempts))
	return true, w.queue.Enqueue(ctx, task)
}

// redeliveryDelay is Backoff doubled attempts-1 times, capped at MaxBackoff.
func (w *Worker) redeliveryDelay(attempts int) time.Duration {
	limit := w.cfg.MaxBackoff
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	delay := w.cfg.Backoff
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempts; i++ {
		if delay >= limit/2 {
			return limit
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}

// drop fails the instance of a run-instance task that will not be
// delivered again.
func (w *Worker) drop(ctx context.Context, task *taskqueue.Task, cause error) error {
	w.log.Warn("task dropped",
		slog.String("task_id", task.ID),
		slog.String("workflow", task.WorkflowName),
		slog.Int("attempts", task.Attempts+1),
		slog.Any("error", cause),
	)
	if task.Type != taskqueue.TaskTypeRunInstance {
		return nil
	}
	_, err := w.engine.FailPending(ctx, task.InstanceID,
		fmt.Errorf("task dropped after %d deliveries: %w", task.Attempts+1, cause))
	if errors.Is(err, api.ErrInvalidState) || errors.Is(err, api.ErrInstanceNotFound) {
		return nil
	}
	return err
}

// Run processes tasks with the given number of goroutines until ctx is
// cancelled. Task errors are logged, not returned.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				processed, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					w.log.Warn("task failed",
						slog.Int("worker", id),
						slog.Bool("processed", processed),
						slog.Any("error", err),
					)
					if !processed {
						// Dequeue failures are usually transient backend errors.
						select {
						case <-ctx.Done():
							return
						case <-time.After(w.cfg.Backoff + 10*time.Millisecond):
						}
					}
				}
			}
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
