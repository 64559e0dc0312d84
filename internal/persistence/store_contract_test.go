package persistence

import (
	"encoding/gob"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxoml/pkg/api"
)

type trainedModel struct {
	Weights []float64
	Bias    float64
}

func init() {
	gob.Register(trainedModel{})
	gob.Register(map[string]any{})
}

func newInstance(id, workflow string, created time.Time) *api.WorkflowInstance {
	return &api.WorkflowInstance{
		ID:        id,
		Name:      workflow,
		Status:    api.StatusPending,
		Input:     map[string]any{"hyperparameters": map[string]any{"C": 1.0}},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// testInstanceStore exercises the InstanceStore contract against any backend.
func testInstanceStore(t *testing.T, store InstanceStore) {
	t.Helper()

	base := time.Unix(1_700_000_000, 0)
	a := newInstance("a", "iris.train", base)
	b := newInstance("b", "iris.predict", base.Add(time.Second))
	c := newInstance("c", "iris.train", base.Add(2*time.Second))

	for _, inst := range []*api.WorkflowInstance{c, a, b} {
		require.NoError(t, store.SaveInstance(inst))
	}

	got, err := store.GetInstance("a")
	require.NoError(t, err)
	require.Equal(t, "iris.train", got.Name)
	require.Equal(t, api.StatusPending, got.Status)
	require.Equal(t, a.Input, got.Input)
	require.True(t, a.CreatedAt.Equal(got.CreatedAt))

	// Returned instances are copies.
	got.Status = api.StatusRunning
	again, err := store.GetInstance("a")
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, again.Status)

	a.Status = api.StatusCompleted
	a.CurrentStep = 2
	a.Output = trainedModel{Weights: []float64{0.5, -1}, Bias: 0.25}
	a.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, store.UpdateInstance(a))

	got, err = store.GetInstance("a")
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, got.Status)
	require.Equal(t, 2, got.CurrentStep)
	require.Equal(t, trainedModel{Weights: []float64{0.5, -1}, Bias: 0.25}, got.Output)

	c.Status = api.StatusFailed
	c.Err = errors.New("trainer exploded")
	require.NoError(t, store.UpdateInstance(c))
	got, err = store.GetInstance("c")
	require.NoError(t, err)
	require.EqualError(t, got.Err, "trainer exploded")

	all, err := store.ListInstances(InstanceFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(all))

	train, err := store.ListInstances(InstanceFilter{WorkflowName: "iris.train"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids(train))

	failed, err := store.ListInstances(InstanceFilter{WorkflowName: "iris.train", Status: api.StatusFailed})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, ids(failed))

	none, err := store.ListInstances(InstanceFilter{WorkflowName: "missing"})
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = store.GetInstance("nope")
	require.ErrorIs(t, err, ErrInstanceNotFound)

	err = store.UpdateInstance(newInstance("nope", "iris.train", base))
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func ids(insts []*api.WorkflowInstance) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.ID
	}
	return out
}
