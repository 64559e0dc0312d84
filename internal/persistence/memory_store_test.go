package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxoml/pkg/api"
)

func TestInMemoryStore_Instances(t *testing.T) {
	testInstanceStore(t, NewInMemoryStore())
}

func TestInMemoryStore_Workflows(t *testing.T) {
	s := NewInMemoryStore()

	_, err := s.GetWorkflow("iris.train")
	require.ErrorIs(t, err, ErrWorkflowNotFound)

	def := api.WorkflowDefinition{
		Name: "iris.train",
		Steps: []api.StepDefinition{
			{Name: "n0", Fn: func(ctx context.Context, in any) (any, error) { return in, nil }},
		},
	}
	require.NoError(t, s.SaveWorkflow(def))

	got, err := s.GetWorkflow("iris.train")
	require.NoError(t, err)
	require.Equal(t, "iris.train", got.Name)
	require.Len(t, got.Steps, 1)
}
