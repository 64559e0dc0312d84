// Package engine implements the workflow engine behind api.AsyncEngine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/uuid"

	"github.com/petrijr/fluxoml/internal/persistence"
	"github.com/petrijr/fluxoml/internal/taskqueue"
	"github.com/petrijr/fluxoml/pkg/api"
)

// ErrInterrupted is recorded on instances that RecoverStuckInstances finds
// RUNNING after a restart.
var ErrInterrupted = errors.New("workflow interrupted before completion")

// engineImpl is an in-process engine. Instances are persisted through the
// configured InstanceStore; definitions always live in the WorkflowStore
// since they carry Go functions.
type engineImpl struct {
	workflows persistence.WorkflowStore
	instances persistence.InstanceStore
	queue     taskqueue.Queue
	observer  api.Observer
	now       func() time.Time
}

// Config describes how to construct an engine.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer

	// Queue receives run-instance tasks from Start. When nil, Start runs the
	// instance synchronously.
	Queue taskqueue.Queue
}

// NewInMemoryEngine returns an engine that keeps everything in memory and
// runs Start synchronously.
func NewInMemoryEngine() api.AsyncEngine {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Workflows: mem, Instances: mem},
	})
}

// NewEngineWithConfig creates a new engine using the given configuration.
// Missing stores default to in-memory ones.
func NewEngineWithConfig(cfg Config) api.AsyncEngine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	wf := cfg.Persistence.Workflows
	inst := cfg.Persistence.Instances
	if wf == nil || inst == nil {
		mem := persistence.NewInMemoryStore()
		if wf == nil {
			wf = mem
		}
		if inst == nil {
			inst = mem
		}
	}
	return &engineImpl{
		workflows: wf,
		instances: inst,
		queue:     cfg.Queue,
		observer:  obs,
		now:       time.Now,
	}
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s must have at least one step", def.Name)
	}
	for i, step := range def.Steps {
		if step.Fn == nil {
			return fmt.Errorf("workflow %s: step %d (%s) has no function", def.Name, i, step.Name)
		}
	}

	if _, err := e.workflows.GetWorkflow(def.Name); err == nil {
		return fmt.Errorf("%w: %s", api.ErrWorkflowExists, def.Name)
	} else if !errors.Is(err, persistence.ErrWorkflowNotFound) {
		return err
	}

	return e.workflows.SaveWorkflow(def)
}

func (e *engineImpl) HasWorkflow(name string) bool {
	_, err := e.workflows.GetWorkflow(name)
	return err == nil
}

func (e *engineImpl) definition(name string) (api.WorkflowDefinition, error) {
	def, err := e.workflows.GetWorkflow(name)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return def, fmt.Errorf("%w: %s", api.ErrUnknownWorkflow, name)
		}
		return def, err
	}
	return def, nil
}

func (e *engineImpl) newInstance(name string, status api.Status, input any) *api.WorkflowInstance {
	now := e.now()
	return &api.WorkflowInstance{
		ID:        uuid.Must(uuid.NewV4()).String(),
		Name:      name,
		Status:    status,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (e *engineImpl) Run(ctx context.Context, name string, input any) (*api.WorkflowInstance, error) {
	def, err := e.definition(name)
	if err != nil {
		return nil, err
	}

	inst := e.newInstance(def.Name, api.StatusRunning, input)
	e.observer.OnWorkflowStart(ctx, inst)

	// Persist the instance as soon as it starts.
	if err := e.instances.SaveInstance(inst); err != nil {
		inst.Status = api.StatusFailed
		inst.Err = err
		e.observer.OnWorkflowFailed(ctx, inst, err)
		return inst, err
	}

	return e.executeSteps(ctx, def, inst)
}

func (e *engineImpl) Start(ctx context.Context, name string, input any) (*api.WorkflowInstance, error) {
	def, err := e.definition(name)
	if err != nil {
		return nil, err
	}

	inst := e.newInstance(def.Name, api.StatusPending, input)
	if err := e.instances.SaveInstance(inst); err != nil {
		return nil, err
	}

	if e.queue == nil {
		return e.RunInstance(ctx, inst.ID)
	}

	task := taskqueue.Task{
		ID:           uuid.Must(uuid.NewV4()).String(),
		Type:         taskqueue.TaskTypeRunInstance,
		WorkflowName: def.Name,
		InstanceID:   inst.ID,
		EnqueuedAt:   e.now(),
	}
	if err := e.queue.Enqueue(ctx, task); err != nil {
		inst.Status = api.StatusFailed
		inst.Err = fmt.Errorf("enqueue: %w", err)
		inst.UpdatedAt = e.now()
		_ = e.instances.UpdateInstance(inst)
		return inst, inst.Err
	}
	return inst, nil
}

func (e *engineImpl) RunInstance(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != api.StatusPending {
		return inst, fmt.Errorf("%w: cannot run instance %s in status %s", api.ErrInvalidState, inst.ID, inst.Status)
	}

	def, err := e.definition(inst.Name)
	if err != nil {
		// The instance stays PENDING; a worker that has the definition can
		// still pick it up.
		return nil, err
	}

	inst.Status = api.StatusRunning
	inst.UpdatedAt = e.now()
	e.observer.OnWorkflowStart(ctx, inst)
	if err := e.instances.UpdateInstance(inst); err != nil {
		return inst, err
	}

	return e.executeSteps(ctx, def, inst)
}

func (e *engineImpl) FailPending(ctx context.Context, instanceID string, cause error) (*api.WorkflowInstance, error) {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != api.StatusPending {
		return inst, fmt.Errorf("%w: cannot fail instance %s in status %s", api.ErrInvalidState, inst.ID, inst.Status)
	}
	inst, _ = e.fail(ctx, inst, cause)
	return inst, nil
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetInstance(id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.instances.ListInstances(persistence.InstanceFilter{
		WorkflowName: opts.WorkflowName,
		Status:       opts.Status,
	})
}

func (e *engineImpl) Resume(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	if inst.Status != api.StatusFailed {
		return nil, fmt.Errorf("%w: cannot resume instance %s in status %s", api.ErrInvalidState, id, inst.Status)
	}

	def, err := e.definition(inst.Name)
	if err != nil {
		return nil, err
	}

	// Reset runtime fields and replay from the beginning.
	inst.Status = api.StatusRunning
	inst.Err = nil
	inst.Output = nil
	inst.CurrentStep = 0
	inst.UpdatedAt = e.now()

	e.observer.OnWorkflowStart(ctx, inst)
	if err := e.instances.UpdateInstance(inst); err != nil {
		return inst, err
	}

	return e.executeSteps(ctx, def, inst)
}

func (e *engineImpl) RecoverStuckInstances(ctx context.Context) (int, error) {
	stuck, err := e.instances.ListInstances(persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, inst := range stuck {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		inst.Status = api.StatusFailed
		inst.Err = ErrInterrupted
		inst.UpdatedAt = e.now()
		if err := e.instances.UpdateInstance(inst); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// fail records err on inst and notifies the observer.
func (e *engineImpl) fail(ctx context.Context, inst *api.WorkflowInstance, err error) (*api.WorkflowInstance, error) {
	inst.Status = api.StatusFailed
	inst.Err = err
	inst.UpdatedAt = e.now()
	_ = e.instances.UpdateInstance(inst)
	e.observer.OnWorkflowFailed(ctx, inst, err)
	return inst, err
}

func (e *engineImpl) executeSteps(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	current := inst.Input

	for i, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, inst, err)
		}

		inst.CurrentStep = i
		inst.UpdatedAt = e.now()
		_ = e.instances.UpdateInstance(inst)

		in := current
		op := func() error {
			start := time.Now()
			e.observer.OnStepStart(ctx, inst, step.Name, i)
			out, err := step.Fn(ctx, in)
			e.observer.OnStepCompleted(ctx, inst, step.Name, i, err, time.Since(start))
			if err != nil {
				return err
			}
			current = out
			return nil
		}

		if err := backoff.Retry(op, stepBackOff(ctx, step.Retry)); err != nil {
			return e.fail(ctx, inst, fmt.Errorf("step %s: %w", step.Name, err))
		}
	}

	inst.Status = api.StatusCompleted
	inst.Output = current
	inst.Err = nil
	inst.CurrentStep = len(def.Steps)
	inst.UpdatedAt = e.now()
	if err := e.instances.UpdateInstance(inst); err != nil {
		return inst, err
	}
	e.observer.OnWorkflowCompleted(ctx, inst)
	return inst, nil
}

// stepBackOff translates a RetryPolicy into a backoff schedule bounded by
// MaxAttempts and ctx.
func stepBackOff(ctx context.Context, p *api.RetryPolicy) backoff.BackOff {
	if p == nil || p.MaxAttempts <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	retries := uint64(p.MaxAttempts - 1)

	if p.InitialBackoff <= 0 {
		return backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries), ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.RandomizationFactor = 0
	b.Multiplier = p.BackoffMultiplier
	if b.Multiplier <= 0 {
		b.Multiplier = 2.0
	}
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}
