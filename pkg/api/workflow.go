package api

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further execution will happen for an
// instance in this status without an explicit Resume.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepFunc is a single step in a workflow. The output of one step is the
// input of the next.
type StepFunc func(ctx context.Context, input any) (any, error)

// StepDefinition describes a named step.
type StepDefinition struct {
	Name  string
	Fn    StepFunc
	Retry *RetryPolicy
}

// WorkflowDefinition describes a workflow as a sequence of steps.
type WorkflowDefinition struct {
	Name  string
	Steps []StepDefinition
}

// WorkflowInstance holds the state of one run of a workflow.
type WorkflowInstance struct {
	ID     string
	Name   string
	Status Status
	Output any
	Err    error

	// Input is the original input provided when this instance was first
	// started. It is used for deterministic replay on resume.
	Input any

	// CurrentStep tracks progress through the workflow steps.
	//   - Before any steps run: 0
	//   - While running step i: i
	//   - After successful completion: len(steps)
	//   - On failure: index of the step that failed (or was cancelled).
	CurrentStep int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a shallow copy of the instance. Stores hand out clones so
// that callers never observe concurrent mutation by the engine.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	return &c
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// WorkflowName, if non-empty, limits results to instances of the given workflow.
	WorkflowName string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// RetryPolicy controls how a step is retried when it returns an error.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry. Each later delay is
// multiplied by BackoffMultiplier (2.0 when <= 0) and capped by MaxBackoff
// when that is positive. A zero InitialBackoff retries immediately.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}
