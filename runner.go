package fluxoml

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/petrijr/fluxoml/internal/engine"
	"github.com/petrijr/fluxoml/internal/persistence"
	"github.com/petrijr/fluxoml/internal/taskqueue"
	"github.com/petrijr/fluxoml/pkg/api"
	"github.com/petrijr/fluxoml/pkg/worker"
)

// ErrRunnerStarted is returned by StartWorkers when workers are already
// running.
var ErrRunnerStarted = errors.New("fluxoml: runner already started")

// Runner bundles an Engine, a task queue, and a Worker consuming that queue.
// Models run their workflows on a Runner: synchronously through Engine.Run
// for eager calls, queue-first through Engine.Start for remote ones.
//
// Typical usage:
//
//	runner := fluxoml.NewLocalRunner()
//	model := fluxoml.NewModel("iris", ds, fluxoml.WithRunner(runner))
//
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Close()
type Runner struct {
	// Engine runs workflow instances.
	Engine AsyncEngine

	// Queue receives instances started with Engine.Start.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	observers *api.ObserverSet
	closers   []func() error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func newRunner(instances persistence.InstanceStore, q taskqueue.Queue, cfg worker.Config) *Runner {
	obs := api.NewObserverSet()
	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{
			Workflows: persistence.NewInMemoryStore(),
			Instances: instances,
		},
		Observer: obs,
		Queue:    q,
	})
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Runner{
		Engine:    eng,
		Queue:     q,
		Worker:    worker.NewWithConfig(eng, q, cfg),
		observers: obs,
	}
}

// NewLocalRunner constructs a Runner backed by in-memory stores and an
// in-memory queue. It is meant for development, tests and single-process
// deployments.
func NewLocalRunner() *Runner {
	q := taskqueue.NewInMemoryQueue(1024)
	r := newRunner(persistence.NewInMemoryStore(), q, worker.Config{Backoff: defaultRedeliveryBackoff})
	r.onClose(func() error {
		q.Close()
		return nil
	})
	return r
}

// NewSQLiteRunner constructs a durable Runner whose instances and queued
// tasks share the given SQLite database.
//
//	db, _ := sql.Open("sqlite", "file:fluxoml.db?_pragma=journal_mode(WAL)")
//	runner, err := fluxoml.NewSQLiteRunner(db, worker.Config{MaxAttempts: 3})
func NewSQLiteRunner(db *sql.DB, cfg worker.Config) (*Runner, error) {
	store, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newRunner(store, q, cfg), nil
}

func (r *Runner) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Observe subscribes o to engine events and returns a function that
// unsubscribes it.
func (r *Runner) Observe(o Observer) (cancel func()) {
	r.observers.Add(o)
	return func() { r.observers.Remove(o) }
}

// StartWorkers starts concurrency worker goroutines consuming the queue
// until Stop or Close is called.
func (r *Runner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrRunnerStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.running = true

	go func() {
		defer close(done)
		_ = r.Worker.Run(ctx, concurrency)
	}()
	return nil
}

// Stop cancels the worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	cancel()
	<-done
}

// Close stops the workers and releases the backend connections the runner
// owns.
func (r *Runner) Close() error {
	r.Stop()

	var result *multierror.Error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.closers = nil
	return result.ErrorOrNil()
}

// RecoverStuckInstances marks instances left RUNNING by a crashed process
// as FAILED. Call it before StartWorkers.
func (r *Runner) RecoverStuckInstances(ctx context.Context) (int, error) {
	return r.Engine.RecoverStuckInstances(ctx)
}
