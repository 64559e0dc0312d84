package fluxoml

import (
	"context"

	"github.com/petrijr/fluxoml/pkg/api"
	"github.com/petrijr/fluxoml/pkg/dataset"
	"github.com/petrijr/fluxoml/pkg/flow"
)

// Re-export key types so users don't need to dig into pkg/api, pkg/flow and
// pkg/dataset for the common cases.

type (
	Engine               = api.Engine
	AsyncEngine          = api.AsyncEngine
	WorkflowDefinition   = api.WorkflowDefinition
	WorkflowInstance     = api.WorkflowInstance
	InstanceListOptions  = api.InstanceListOptions
	Status               = api.Status
	RetryPolicy          = api.RetryPolicy
	Observer             = api.Observer
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	WorkflowEvent        = api.WorkflowEvent

	Workflow   = flow.Workflow
	Task       = flow.Task
	TaskOption = flow.TaskOption
	Execution  = flow.Execution
	Param      = flow.Param

	Dataset = dataset.Dataset
	Frame   = dataset.Frame
	Parsed  = dataset.Parsed
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewDataset           = dataset.New
)

// Re-export status values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusFailed    = api.StatusFailed
	StatusCompleted = api.StatusCompleted
)

// Convenience helpers that just forward to the underlying Engine.

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// Resume re-runs a failed instance from its stored input.
func Resume(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.Resume(ctx, id)
}
