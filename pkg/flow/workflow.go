package flow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/petrijr/fluxoml/internal/introspect"
	"github.com/petrijr/fluxoml/pkg/api"
)

// ErrNotCompleted is returned by Outputs for instances that did not complete.
var ErrNotCompleted = errors.New("flow: execution not completed")

// Promise refers to a workflow input or to a named output of a node.
type Promise struct {
	Type reflect.Type

	wf     *Workflow
	node   string
	output string
}

// Ref returns the step-state key the promise resolves to: the input name
// for workflow inputs, "<node>.<output>" for node outputs.
func (p Promise) Ref() string {
	if p.node == "" {
		return p.output
	}
	return p.node + "." + p.output
}

// IsInput reports whether p refers to a workflow input.
func (p Promise) IsInput() bool { return p.node == "" }

// Node is a task placed in a workflow.
type Node struct {
	ID       string
	Task     *Task
	Bindings map[string]Promise
	Outputs  map[string]Promise
}

// Output returns the promise for the named task output.
func (n *Node) Output(name string) (Promise, bool) {
	p, ok := n.Outputs[name]
	return p, ok
}

// Workflow is a graph of task nodes with typed inputs and outputs.
type Workflow struct {
	Name string

	inputs  []Param
	byName  map[string]Promise
	nodes   []*Node
	outputs []Param
	results map[string]Promise
}

// New creates an empty workflow.
func New(name string) *Workflow {
	return &Workflow{
		Name:    name,
		byName:  make(map[string]Promise),
		results: make(map[string]Promise),
	}
}

// AddInput declares a workflow input.
func (w *Workflow) AddInput(name string, t reflect.Type) (Promise, error) {
	if name == "" || strings.Contains(name, ".") {
		return Promise{}, fmt.Errorf("flow: invalid input name %q", name)
	}
	if t == nil {
		return Promise{}, fmt.Errorf("flow: input %q has no type", name)
	}
	if _, ok := w.byName[name]; ok {
		return Promise{}, fmt.Errorf("flow: duplicate input %q in %s", name, w.Name)
	}
	p := Promise{Type: t, wf: w, output: name}
	w.inputs = append(w.inputs, Param{Name: name, Type: t})
	w.byName[name] = p
	return p, nil
}

// Input returns the promise of a declared input.
func (w *Workflow) Input(name string) (Promise, bool) {
	p, ok := w.byName[name]
	return p, ok
}

// AddEntity adds a task node. Every task input must be bound to a promise of
// this workflow whose type is assignable to the input type.
func (w *Workflow) AddEntity(task *Task, bindings map[string]Promise) (*Node, error) {
	if task == nil || task.Fn == nil {
		return nil, errors.New("flow: nil task")
	}
	for _, in := range task.Interface.Inputs {
		p, ok := bindings[in.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s is not bound", ErrMissingInput, task.Name, in.Name)
		}
		if p.wf != w {
			return nil, fmt.Errorf("flow: %s.%s is bound to a promise of another workflow", task.Name, in.Name)
		}
		if !p.Type.AssignableTo(in.Type) {
			return nil, fmt.Errorf("%w: %s.%s wants %s, bound to %s", ErrTypeMismatch, task.Name, in.Name, in.Type, p.Type)
		}
	}
	for name := range bindings {
		if _, ok := task.Interface.Input(name); !ok {
			return nil, fmt.Errorf("%w: %s has no input %q", ErrUnknownInput, task.Name, name)
		}
	}

	n := &Node{
		ID:       "n" + strconv.Itoa(len(w.nodes)),
		Task:     task,
		Bindings: make(map[string]Promise, len(bindings)),
		Outputs:  make(map[string]Promise, len(task.Interface.Outputs)),
	}
	for k, p := range bindings {
		n.Bindings[k] = p
	}
	for _, out := range task.Interface.Outputs {
		n.Outputs[out.Name] = Promise{Type: out.Type, wf: w, node: n.ID, output: out.Name}
	}
	w.nodes = append(w.nodes, n)
	return n, nil
}

// AddOutput exposes a promise as a workflow output.
func (w *Workflow) AddOutput(name string, p Promise) error {
	if p.wf != w {
		return fmt.Errorf("flow: output %q refers to another workflow", name)
	}
	if _, ok := w.results[name]; ok {
		return fmt.Errorf("flow: duplicate output %q in %s", name, w.Name)
	}
	w.outputs = append(w.outputs, Param{Name: name, Type: p.Type})
	w.results[name] = p
	return nil
}

// Interface returns the workflow inputs and outputs in declaration order.
func (w *Workflow) Interface() Interface {
	return Interface{
		Inputs:  append([]Param(nil), w.inputs...),
		Outputs: append([]Param(nil), w.outputs...),
	}
}

// Nodes returns the nodes in insertion order.
func (w *Workflow) Nodes() []*Node {
	return append([]*Node(nil), w.nodes...)
}

// Definition compiles the workflow into engine steps: one per node, plus a
// final step that projects the step state onto the workflow outputs. The
// step input is the map of workflow inputs; the instance output is the map
// of workflow outputs.
func (w *Workflow) Definition() api.WorkflowDefinition {
	return w.DefinitionAs(w.Name)
}

// DefinitionAs compiles the workflow under a different registered name.
func (w *Workflow) DefinitionAs(name string) api.WorkflowDefinition {
	steps := make([]api.StepDefinition, 0, len(w.nodes)+1)
	for _, n := range w.nodes {
		steps = append(steps, api.StepDefinition{
			Name:  n.ID + ":" + n.Task.Name,
			Fn:    nodeStep(n),
			Retry: n.Task.Retry,
		})
	}

	results := make(map[string]string, len(w.results))
	for name, p := range w.results {
		results[name] = p.Ref()
	}
	steps = append(steps, api.StepDefinition{
		Name: "outputs",
		Fn: func(ctx context.Context, input any) (any, error) {
			state, err := asState(input)
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(results))
			for name, ref := range results {
				v, ok := state[ref]
				if !ok {
					return nil, fmt.Errorf("flow: output %q: %s not produced", name, ref)
				}
				out[name] = v
			}
			return out, nil
		},
	})

	return api.WorkflowDefinition{Name: name, Steps: steps}
}

func nodeStep(n *Node) api.StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		state, err := asState(input)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		args := make(map[string]any, len(n.Bindings))
		for name, p := range n.Bindings {
			v, ok := state[p.Ref()]
			if !ok {
				return nil, backoff.Permanent(fmt.Errorf("%w: %s.%s (%s)", ErrMissingInput, n.Task.Name, name, p.Ref()))
			}
			args[name] = v
		}

		out, err := n.Task.Execute(ctx, args)
		if err != nil {
			if errors.Is(err, ErrMissingInput) || errors.Is(err, ErrUnknownInput) || errors.Is(err, ErrTypeMismatch) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		// The step input doubles as the instance input; never mutate it.
		next := make(map[string]any, len(state)+len(out))
		for k, v := range state {
			next[k] = v
		}
		for k, v := range out {
			next[n.ID+"."+k] = v
		}
		return next, nil
	}
}

func asState(input any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	state, ok := input.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("flow: step state must be map[string]any, got %T", input)
	}
	return state, nil
}

// ValidateInputs checks values against the workflow inputs.
func (w *Workflow) ValidateInputs(inputs map[string]any) error {
	return validate(w.Name, w.inputs, inputs, ErrMissingInput)
}

// RegisterGobTypes registers every input and output type with encoding/gob
// so instances survive durable stores.
func (w *Workflow) RegisterGobTypes() {
	introspect.RegisterGob(reflect.TypeOf(map[string]any{}))
	for _, ps := range [][]Param{w.inputs, w.outputs} {
		for _, p := range ps {
			introspect.RegisterGob(p.Type)
		}
	}
	for _, n := range w.nodes {
		for _, p := range n.Task.Interface.Outputs {
			introspect.RegisterGob(p.Type)
		}
	}
}

// Register registers the workflow definition with eng.
func (w *Workflow) Register(eng api.Engine) error {
	return w.RegisterAs(eng, w.Name)
}

// RegisterAs registers the workflow definition with eng under name.
func (w *Workflow) RegisterAs(eng api.Engine, name string) error {
	w.RegisterGobTypes()
	return eng.RegisterWorkflow(w.DefinitionAs(name))
}

// Execution is a workflow instance together with its resolved outputs.
type Execution struct {
	Instance *api.WorkflowInstance
	Outputs  map[string]any
}

// Output returns a single named output.
func (e *Execution) Output(name string) any {
	return e.Outputs[name]
}

// Run validates inputs and runs the workflow synchronously, registering it
// with eng first if no workflow of that name is registered yet.
func (w *Workflow) Run(ctx context.Context, eng api.Engine, inputs map[string]any) (*Execution, error) {
	if err := w.ValidateInputs(inputs); err != nil {
		return nil, err
	}
	if !eng.HasWorkflow(w.Name) {
		if err := w.Register(eng); err != nil && !errors.Is(err, api.ErrWorkflowExists) {
			return nil, err
		}
	}

	inst, err := eng.Run(ctx, w.Name, copyMap(inputs))
	if err != nil {
		return &Execution{Instance: inst}, err
	}
	outputs, err := Outputs(inst)
	if err != nil {
		return &Execution{Instance: inst}, err
	}
	return &Execution{Instance: inst, Outputs: outputs}, nil
}

// Start validates inputs and starts the workflow asynchronously under name,
// which must already be registered.
func (w *Workflow) Start(ctx context.Context, eng api.AsyncEngine, name string, inputs map[string]any) (*api.WorkflowInstance, error) {
	if err := w.ValidateInputs(inputs); err != nil {
		return nil, err
	}
	return eng.Start(ctx, name, copyMap(inputs))
}

// Outputs extracts the workflow outputs of a completed instance.
func Outputs(inst *api.WorkflowInstance) (map[string]any, error) {
	if inst == nil {
		return nil, ErrNotCompleted
	}
	if inst.Status != api.StatusCompleted {
		if inst.Err != nil {
			return nil, fmt.Errorf("%w: %s is %s: %v", ErrNotCompleted, inst.ID, inst.Status, inst.Err)
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCompleted, inst.ID, inst.Status)
	}
	out, ok := inst.Output.(map[string]any)
	if !ok && inst.Output != nil {
		return nil, fmt.Errorf("flow: instance %s output is %T, not a workflow output map", inst.ID, inst.Output)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
