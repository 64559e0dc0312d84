package flow

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxoml/internal/engine"
	"github.com/petrijr/fluxoml/pkg/api"
)

var intType = reflect.TypeOf(0)

func scaleTask() *Task {
	return NewTask("scale", Interface{
		Inputs: []Param{
			{Name: "values", Type: floatsType},
			{Name: "factor", Type: floatType},
		},
		Outputs: []Param{{Name: "scaled", Type: floatsType}},
	}, func(ctx context.Context, in map[string]any) (map[string]any, error) {
		values := in["values"].([]float64)
		out := make([]float64, len(values))
		for i, v := range values {
			out[i] = v * in["factor"].(float64)
		}
		return map[string]any{"scaled": out}, nil
	})
}

func buildPipeline(t *testing.T) *Workflow {
	t.Helper()
	wf := New("pipeline")
	values, err := wf.AddInput("values", floatsType)
	require.NoError(t, err)
	factor, err := wf.AddInput("factor", floatType)
	require.NoError(t, err)

	scaled, err := wf.AddEntity(scaleTask(), map[string]Promise{"values": values, "factor": factor})
	require.NoError(t, err)
	summed, err := wf.AddEntity(sumTask(nil), map[string]Promise{"values": scaled.Outputs["scaled"]})
	require.NoError(t, err)

	require.NoError(t, wf.AddOutput("scaled", scaled.Outputs["scaled"]))
	total, ok := summed.Output("total")
	require.True(t, ok)
	require.NoError(t, wf.AddOutput("total", total))
	return wf
}

func TestWorkflow_Interface(t *testing.T) {
	wf := buildPipeline(t)

	iface := wf.Interface()
	require.Equal(t, []string{"values", "factor"}, iface.InputNames())
	require.Equal(t, []Param{{Name: "scaled", Type: floatsType}, {Name: "total", Type: floatType}}, iface.Outputs)

	nodes := wf.Nodes()
	require.Len(t, nodes, 2)
	require.Equal(t, "n0", nodes[0].ID)
	require.Equal(t, "n1", nodes[1].ID)
	require.Equal(t, "n0.scaled", nodes[1].Bindings["values"].Ref())

	p, ok := wf.Input("factor")
	require.True(t, ok)
	require.True(t, p.IsInput())
	require.Equal(t, "factor", p.Ref())

	def := wf.Definition()
	require.Equal(t, "pipeline", def.Name)
	require.Len(t, def.Steps, 3)
	require.Equal(t, "n0:scale", def.Steps[0].Name)
	require.Equal(t, "outputs", def.Steps[2].Name)
}

func TestWorkflow_BuildErrors(t *testing.T) {
	wf := New("bad")
	values, err := wf.AddInput("values", floatsType)
	require.NoError(t, err)

	_, err = wf.AddInput("values", floatsType)
	require.Error(t, err)
	_, err = wf.AddInput("a.b", floatsType)
	require.Error(t, err)
	_, err = wf.AddInput("untyped", nil)
	require.Error(t, err)

	_, err = wf.AddEntity(scaleTask(), map[string]Promise{"values": values})
	require.ErrorIs(t, err, ErrMissingInput)

	count, err := wf.AddInput("count", intType)
	require.NoError(t, err)
	_, err = wf.AddEntity(scaleTask(), map[string]Promise{"values": values, "factor": count})
	require.ErrorIs(t, err, ErrTypeMismatch)

	factor, err := wf.AddInput("factor", floatType)
	require.NoError(t, err)
	_, err = wf.AddEntity(scaleTask(), map[string]Promise{"values": values, "factor": factor, "bias": factor})
	require.ErrorIs(t, err, ErrUnknownInput)

	other := New("other")
	foreign, err := other.AddInput("values", floatsType)
	require.NoError(t, err)
	_, err = wf.AddEntity(scaleTask(), map[string]Promise{"values": foreign, "factor": factor})
	require.Error(t, err)
	require.Error(t, wf.AddOutput("x", foreign))

	require.NoError(t, wf.AddOutput("values", values))
	require.Error(t, wf.AddOutput("values", values))
}

func TestWorkflow_Run(t *testing.T) {
	wf := buildPipeline(t)
	eng := engine.NewInMemoryEngine()

	inputs := map[string]any{"values": []float64{1, 2}, "factor": 3.0}
	exec, err := wf.Run(context.Background(), eng, inputs)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, exec.Instance.Status)
	require.Equal(t, []float64{3, 6}, exec.Output("scaled"))
	require.Equal(t, 9.0, exec.Output("total"))

	// The instance keeps the original inputs only.
	require.Equal(t, inputs, exec.Instance.Input)

	// A second run reuses the registration.
	exec, err = wf.Run(context.Background(), eng, map[string]any{"values": []float64{1}, "factor": 1.0})
	require.NoError(t, err)
	require.Equal(t, 1.0, exec.Output("total"))
}

func TestWorkflow_RunValidatesInputs(t *testing.T) {
	wf := buildPipeline(t)
	eng := engine.NewInMemoryEngine()

	_, err := wf.Run(context.Background(), eng, map[string]any{"values": []float64{1}})
	require.ErrorIs(t, err, ErrMissingInput)

	_, err = wf.Run(context.Background(), eng, map[string]any{"values": []float64{1}, "factor": 2})
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = wf.Run(context.Background(), eng, map[string]any{"values": []float64{1}, "factor": 2.0, "x": 1})
	require.ErrorIs(t, err, ErrUnknownInput)
}

func TestWorkflow_TaskErrorFailsInstance(t *testing.T) {
	wf := New("failing")
	in, err := wf.AddInput("values", floatsType)
	require.NoError(t, err)

	attempts := 0
	task := NewTask("explode", Interface{
		Inputs: []Param{{Name: "values", Type: floatsType}},
	}, func(ctx context.Context, in map[string]any) (map[string]any, error) {
		attempts++
		return nil, errors.New("trainer diverged")
	}, WithRetry(api.RetryPolicy{MaxAttempts: 2}))
	_, err = wf.AddEntity(task, map[string]Promise{"values": in})
	require.NoError(t, err)

	exec, err := wf.Run(context.Background(), engine.NewInMemoryEngine(), map[string]any{"values": []float64{}})
	require.ErrorContains(t, err, "trainer diverged")
	require.Equal(t, api.StatusFailed, exec.Instance.Status)
	require.Equal(t, 2, attempts)

	_, err = Outputs(exec.Instance)
	require.ErrorIs(t, err, ErrNotCompleted)
}

func TestWorkflow_InvalidTaskOutputIsNotRetried(t *testing.T) {
	wf := New("invalid-output")
	attempts := 0
	task := NewTask("liar", Interface{
		Outputs: []Param{{Name: "n", Type: intType}},
	}, func(ctx context.Context, in map[string]any) (map[string]any, error) {
		attempts++
		return map[string]any{"n": "one"}, nil
	}, WithRetry(api.RetryPolicy{MaxAttempts: 3}))
	_, err := wf.AddEntity(task, nil)
	require.NoError(t, err)

	_, err = wf.Run(context.Background(), engine.NewInMemoryEngine(), map[string]any{})
	require.ErrorIs(t, err, ErrTypeMismatch)
	require.Equal(t, 1, attempts)
}

func TestWorkflow_StartAsync(t *testing.T) {
	wf := buildPipeline(t)
	eng := engine.NewInMemoryEngine()
	require.NoError(t, wf.RegisterAs(eng, "proj.dev.pipeline"))

	inst, err := wf.Start(context.Background(), eng, "proj.dev.pipeline", map[string]any{"values": []float64{2}, "factor": 2.0})
	require.NoError(t, err)

	out, err := Outputs(inst)
	require.NoError(t, err)
	require.Equal(t, 4.0, out["total"])
}
