package fluxoml

import (
	"fmt"

	"github.com/petrijr/fluxoml/pkg/flow"
)

// TrainWorkflowName is "<model>.train".
func (m *Model) TrainWorkflowName() string { return m.Name + ".train" }

// PredictWorkflowName is "<model>.predict".
func (m *Model) PredictWorkflowName() string { return m.Name + ".predict" }

// PredictFromFeaturesWorkflowName is "<model>.predict_from_features".
func (m *Model) PredictFromFeaturesWorkflowName() string { return m.Name + ".predict_from_features" }

// TrainWorkflow returns the lazy train workflow: inputs are the
// hyperparameters followed by the reader inputs, the dataset reader feeds
// the train task, and the outputs are the trained model and its metrics.
func (m *Model) TrainWorkflow() (*flow.Workflow, error) {
	m.build.Lock()
	defer m.build.Unlock()
	if m.trainWF != nil {
		return m.trainWF, nil
	}

	task, err := m.trainTaskLocked()
	if err != nil {
		return nil, err
	}
	wf := flow.New(m.TrainWorkflowName())
	hp, err := wf.AddInput(HyperparametersInput, task.Interface.Inputs[0].Type)
	if err != nil {
		return nil, err
	}
	data, err := m.addReader(wf)
	if err != nil {
		return nil, err
	}
	node, err := wf.AddEntity(task, map[string]flow.Promise{
		HyperparametersInput: hp,
		m.Dataset.OutputName: data,
	})
	if err != nil {
		return nil, err
	}
	if err := addOutputs(wf, node); err != nil {
		return nil, err
	}

	m.trainWF = wf
	return wf, nil
}

// PredictWorkflow returns the lazy predict workflow: inputs are "model"
// followed by the reader inputs, and the output is the predictions.
func (m *Model) PredictWorkflow() (*flow.Workflow, error) {
	m.build.Lock()
	defer m.build.Unlock()
	if m.predWF != nil {
		return m.predWF, nil
	}

	task, err := m.predictTaskLocked()
	if err != nil {
		return nil, err
	}
	wf := flow.New(m.PredictWorkflowName())
	model, err := wf.AddInput(ModelInput, task.Interface.Inputs[0].Type)
	if err != nil {
		return nil, err
	}
	data, err := m.addReader(wf)
	if err != nil {
		return nil, err
	}
	node, err := wf.AddEntity(task, map[string]flow.Promise{
		ModelInput:           model,
		m.Dataset.OutputName: data,
	})
	if err != nil {
		return nil, err
	}
	if err := addOutputs(wf, node); err != nil {
		return nil, err
	}

	m.predWF = wf
	return wf, nil
}

// PredictFromFeaturesWorkflow returns the lazy workflow predicting on
// features passed as an input.
func (m *Model) PredictFromFeaturesWorkflow() (*flow.Workflow, error) {
	m.build.Lock()
	defer m.build.Unlock()
	if m.pffWF != nil {
		return m.pffWF, nil
	}

	task, err := m.predictFromFeaturesTaskLocked()
	if err != nil {
		return nil, err
	}
	wf := flow.New(m.PredictFromFeaturesWorkflowName())
	bindings := make(map[string]flow.Promise, len(task.Interface.Inputs))
	for _, in := range task.Interface.Inputs {
		p, err := wf.AddInput(in.Name, in.Type)
		if err != nil {
			return nil, err
		}
		bindings[in.Name] = p
	}
	node, err := wf.AddEntity(task, bindings)
	if err != nil {
		return nil, err
	}
	if err := addOutputs(wf, node); err != nil {
		return nil, err
	}

	m.pffWF = wf
	return wf, nil
}

// addReader declares the reader inputs on wf, adds the reader node and
// returns its data output.
func (m *Model) addReader(wf *flow.Workflow) (flow.Promise, error) {
	reader, err := m.Dataset.Task()
	if err != nil {
		return flow.Promise{}, err
	}
	bindings := make(map[string]flow.Promise, len(reader.Interface.Inputs))
	for _, in := range reader.Interface.Inputs {
		p, err := wf.AddInput(in.Name, in.Type)
		if err != nil {
			return flow.Promise{}, fmt.Errorf("%s reader: %w", m.Dataset.Name, err)
		}
		bindings[in.Name] = p
	}
	node, err := wf.AddEntity(reader, bindings)
	if err != nil {
		return flow.Promise{}, err
	}
	data, ok := node.Output(m.Dataset.OutputName)
	if !ok {
		return flow.Promise{}, fmt.Errorf("%s reader has no output %q", m.Dataset.Name, m.Dataset.OutputName)
	}
	return data, nil
}

func addOutputs(wf *flow.Workflow, node *flow.Node) error {
	for _, out := range node.Task.Interface.Outputs {
		p, _ := node.Output(out.Name)
		if err := wf.AddOutput(out.Name, p); err != nil {
			return err
		}
	}
	return nil
}

// Workflows returns every workflow the model can build, keyed by name.
// Workflows whose functions are missing are skipped.
func (m *Model) Workflows() map[string]*flow.Workflow {
	out := make(map[string]*flow.Workflow, 3)
	for _, build := range []func() (*flow.Workflow, error){m.TrainWorkflow, m.PredictWorkflow, m.PredictFromFeaturesWorkflow} {
		if wf, err := build(); err == nil {
			out[wf.Name] = wf
		}
	}
	return out
}
