package persistence

import (
	"errors"

	"github.com/petrijr/fluxoml/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow definition is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")
)

// WorkflowStore handles storage of workflow definitions.
type WorkflowStore interface {
	SaveWorkflow(def api.WorkflowDefinition) error
	GetWorkflow(name string) (api.WorkflowDefinition, error)
}

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowName string
	Status       api.Status
}

func (f InstanceFilter) matches(inst *api.WorkflowInstance) bool {
	if f.WorkflowName != "" && inst.Name != f.WorkflowName {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

// InstanceStore handles storage of workflow instances.
//
// Implementations return copies: mutating a returned instance never changes
// stored state until UpdateInstance is called. ListInstances returns
// instances ordered by CreatedAt, oldest first.
type InstanceStore interface {
	SaveInstance(inst *api.WorkflowInstance) error
	UpdateInstance(inst *api.WorkflowInstance) error
	GetInstance(id string) (*api.WorkflowInstance, error)
	ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error)
}
