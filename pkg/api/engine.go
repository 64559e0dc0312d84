package api

import (
	"context"
	"errors"
)

var (
	// ErrUnknownWorkflow is returned when a workflow name is not registered.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrWorkflowExists is returned when registering a name twice.
	ErrWorkflowExists = errors.New("workflow already registered")

	// ErrInstanceNotFound is returned when an instance ID is unknown.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInvalidState is returned when an operation is not allowed for the
	// current status of an instance.
	ErrInvalidState = errors.New("invalid instance state")
)

// Engine is the high-level synchronous engine API.
type Engine interface {
	// RegisterWorkflow registers a definition by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// HasWorkflow reports whether a definition is registered under name.
	HasWorkflow(name string) bool

	// Run starts and runs the workflow to completion (synchronously).
	Run(ctx context.Context, name string, input any) (*WorkflowInstance, error)

	// GetInstance looks up a workflow instance by ID.
	// Returns an error wrapping ErrInstanceNotFound if the instance is not found.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns workflow instances matching the given options,
	// oldest first. If options are zero-valued, all instances are returned.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// Resume restarts a previously failed workflow instance.
	//   - Only FAILED instances can be resumed.
	//   - The instance is replayed from the beginning using its stored Input.
	//   - The same instance ID is reused; Status/Err/Output/CurrentStep are updated.
	Resume(ctx context.Context, id string) (*WorkflowInstance, error)

	// RecoverStuckInstances scans for in-flight workflow instances that are
	// still marked as StatusRunning (for example after a process crash) and
	// marks them as StatusFailed with a standard error message.
	//
	// It returns the number of instances it updated.
	//
	// This method is intended to be called on process startup *before*
	// starting workers or accepting new work, so that no instance is
	// legitimately running when it is executed.
	RecoverStuckInstances(ctx context.Context) (int, error)
}
