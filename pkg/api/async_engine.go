package api

import "context"

// AsyncEngine is implemented by engines that support queue-first
// asynchronous start.
type AsyncEngine interface {
	Engine

	// Start creates a PENDING workflow instance and schedules it for
	// execution by a worker. Engines without a configured queue execute
	// synchronously as a fallback.
	Start(ctx context.Context, name string, input any) (*WorkflowInstance, error)

	// RunInstance runs an existing PENDING instance that was created earlier
	// by Start. Workers call this; it never enqueues.
	RunInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// FailPending marks a PENDING instance FAILED with cause, for work that
	// no worker will ever pick up. Other states are ErrInvalidState.
	FailPending(ctx context.Context, instanceID string, cause error) (*WorkflowInstance, error)
}
