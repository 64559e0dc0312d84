package fluxoml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/petrijr/fluxoml/internal/introspect"
	"github.com/petrijr/fluxoml/pkg/dataset"
	"github.com/petrijr/fluxoml/pkg/flow"
)

var (
	// ErrHyperparametersRequired is returned by Train and RemoteTrain when
	// no hyperparameters are given.
	ErrHyperparametersRequired = errors.New("fluxoml: hyperparameters must be provided to train a model")

	// ErrModelNotTrained is returned by Predict when no model was given and
	// none has been trained yet.
	ErrModelNotTrained = errors.New("fluxoml: no trained model")

	// ErrNotConfigured is returned when a workflow needs a function that
	// was never registered.
	ErrNotConfigured = errors.New("fluxoml: model not configured")

	// ErrInvalidOption is returned for run options that do not apply.
	ErrInvalidOption = errors.New("fluxoml: option not valid here")
)

// Input and output names of the generated workflows.
const (
	HyperparametersInput = "hyperparameters"
	ModelInput           = "model"
	FeaturesInput        = "features"
	TrainedModelOutput   = "trained_model"
	MetricsOutput        = "metrics"
	PredictionsOutput    = "predictions"
)

// Model ties a dataset to the user functions that initialize, train,
// evaluate and apply an estimator, and assembles them into train, predict
// and predict-from-features workflows.
//
//	model := fluxoml.NewModel("iris", ds, fluxoml.WithEstimator(&LogReg{}))
//	model.Trainer(fit).Predictor(predict).Evaluator(accuracy)
//	res, err := model.Train(ctx, map[string]any{"max_iter": 100})
type Model struct {
	Name    string
	Dataset *dataset.Dataset

	estimator       reflect.Type
	hyperparameters map[string]reflect.Type

	init      *introspect.Func
	trainer   *introspect.Func
	predictor *introspect.Func
	evaluator *introspect.Func

	trainerOpts   []flow.TaskOption
	predictorOpts []flow.TaskOption

	runner     *Runner
	ownsRunner bool
	observers  []Observer
	logger     *slog.Logger

	// build guards the memoized tasks and workflows.
	build     sync.Mutex
	built     bool
	trainTask *flow.Task
	predTask  *flow.Task
	pffTask   *flow.Task
	trainWF   *flow.Workflow
	predWF    *flow.Workflow
	pffWF     *flow.Workflow

	mu            sync.Mutex
	latestModel   any
	latestMetrics map[string]any
	trained       bool
	remote        *remoteState
}

// NewModel creates a model. An empty name becomes "model"; a dataset
// without a name is named "<model>.dataset".
func NewModel(name string, ds *dataset.Dataset, opts ...ModelOption) *Model {
	if name == "" {
		name = "model"
	}
	if ds == nil {
		ds = dataset.New("")
	}
	if ds.Name == "" {
		ds.Name = name + ".dataset"
	}

	m := &Model{Name: name, Dataset: ds}
	for _, opt := range opts {
		opt(m)
	}
	if m.runner == nil {
		m.runner = NewLocalRunner()
		m.ownsRunner = true
	}
	obs := m.observers
	if m.logger != nil {
		obs = append([]Observer{NewLoggingObserver(m.logger)}, obs...)
	} else {
		m.logger = slog.Default()
	}
	if len(obs) > 0 {
		m.runner.Observe(NewCompositeObserver(obs...))
	}
	return m
}

// Runner returns the runner executing the model's local workflows.
func (m *Model) Runner() *Runner { return m.runner }

func (m *Model) register(kind string, fn any, check func(*introspect.Func) error) *introspect.Func {
	m.build.Lock()
	defer m.build.Unlock()
	if m.built {
		panic(fmt.Sprintf("fluxoml: model %s: %s registered after its workflows were built", m.Name, kind))
	}

	f, err := introspect.Inspect(fn)
	if err != nil {
		panic(fmt.Sprintf("fluxoml: model %s %s: %v", m.Name, kind, err))
	}
	if f.Out == nil {
		panic(fmt.Sprintf("fluxoml: model %s %s %s must return a value", m.Name, kind, f.Name))
	}
	if err := check(f); err != nil {
		panic(fmt.Sprintf("fluxoml: model %s %s %s: %v", m.Name, kind, f.Name, err))
	}
	return f
}

func arity(min, max int) func(*introspect.Func) error {
	return func(f *introspect.Func) error {
		if n := len(f.In); n < min || n > max {
			if min == max {
				return fmt.Errorf("takes %d parameters besides context, got %d", min, n)
			}
			return fmt.Errorf("takes %d to %d parameters besides context, got %d", min, max, n)
		}
		return nil
	}
}

// Init registers the initializer, func([ctx,] H) (M[, error]). It builds
// an untrained estimator from the hyperparameters. Without it the default
// initializer fills the WithEstimator type from a hyperparameter map.
func (m *Model) Init(fn any) *Model {
	m.init = m.register("init", fn, arity(1, 1))
	return m
}

// Trainer registers the training function,
// func([ctx,] M, X[, Y]) (M2[, error]). opts apply to the train task.
func (m *Model) Trainer(fn any, opts ...flow.TaskOption) *Model {
	m.trainer = m.register("trainer", fn, arity(2, 3))
	m.trainerOpts = opts
	return m
}

// Predictor registers the prediction function,
// func([ctx,] M, X) (P[, error]). opts apply to both predict tasks.
func (m *Model) Predictor(fn any, opts ...flow.TaskOption) *Model {
	m.predictor = m.register("predictor", fn, arity(2, 2))
	m.predictorOpts = opts
	return m
}

// Evaluator registers the evaluation function,
// func([ctx,] M, X[, Y]) (E[, error]). It is applied to the train and test
// splits after training.
func (m *Model) Evaluator(fn any) *Model {
	m.evaluator = m.register("evaluator", fn, arity(2, 3))
	return m
}

// TrainResult is the outcome of an eager training run.
type TrainResult struct {
	InstanceID string
	Model      any
	Metrics    map[string]any
}

// Train runs the train workflow with the given hyperparameters and keeps
// the result as the latest model. Hyperparameters are required; the lazy
// form is TrainWorkflow.
func (m *Model) Train(ctx context.Context, hyperparameters any, opts ...RunOption) (*TrainResult, error) {
	if isNil(hyperparameters) {
		return nil, ErrHyperparametersRequired
	}
	o := collectRunOptions(opts)
	if err := o.forTraining(); err != nil {
		return nil, err
	}

	wf, err := m.TrainWorkflow()
	if err != nil {
		return nil, err
	}
	inputs, err := m.trainInputs(hyperparameters, o.readerInputs)
	if err != nil {
		return nil, err
	}

	exec, err := wf.Run(ctx, m.runner.Engine, inputs)
	if err != nil {
		return nil, fmt.Errorf("fluxoml: train %s: %w", m.Name, err)
	}

	res := &TrainResult{
		InstanceID: exec.Instance.ID,
		Model:      exec.Output(TrainedModelOutput),
		Metrics:    metricsMap(exec.Output(MetricsOutput)),
	}

	m.mu.Lock()
	m.latestModel = res.Model
	m.latestMetrics = res.Metrics
	m.trained = true
	m.mu.Unlock()

	m.logger.Info("model trained",
		slog.String("model", m.Name),
		slog.String("instance_id", res.InstanceID),
		slog.Any("metrics", res.Metrics),
	)
	return res, nil
}

func (m *Model) trainInputs(hyperparameters any, readerInputs map[string]any) (map[string]any, error) {
	task, err := m.TrainTask()
	if err != nil {
		return nil, err
	}
	hp, err := m.coerceHyperparameters(hyperparameters, task.Interface.Inputs[0].Type)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string]any, len(readerInputs)+1)
	for k, v := range readerInputs {
		inputs[k] = v
	}
	if _, ok := inputs[HyperparametersInput]; ok {
		return nil, fmt.Errorf("%w: reader input %q is reserved", ErrInvalidOption, HyperparametersInput)
	}
	inputs[HyperparametersInput] = hp
	return inputs, nil
}

// Predict runs the predict workflow on reader inputs, or the
// predict-from-features workflow when WithFeatures is given. Without
// WithModel or WithModelVersion the latest trained model is used.
func (m *Model) Predict(ctx context.Context, opts ...RunOption) (any, error) {
	o := collectRunOptions(opts)

	model, err := m.resolveModel(ctx, o)
	if err != nil {
		return nil, err
	}
	wf, inputs, err := m.predictCall(model, o)
	if err != nil {
		return nil, err
	}

	exec, err := wf.Run(ctx, m.runner.Engine, inputs)
	if err != nil {
		return nil, fmt.Errorf("fluxoml: predict %s: %w", m.Name, err)
	}
	return exec.Output(PredictionsOutput), nil
}

func (m *Model) predictCall(model any, o runOptions) (*flow.Workflow, map[string]any, error) {
	inputs := make(map[string]any, len(o.readerInputs)+2)
	if o.hasFeatures {
		if len(o.readerInputs) > 0 {
			return nil, nil, fmt.Errorf("%w: WithReaderInputs together with WithFeatures", ErrInvalidOption)
		}
		wf, err := m.PredictFromFeaturesWorkflow()
		if err != nil {
			return nil, nil, err
		}
		inputs[ModelInput] = model
		inputs[FeaturesInput] = o.features
		return wf, inputs, nil
	}

	wf, err := m.PredictWorkflow()
	if err != nil {
		return nil, nil, err
	}
	for k, v := range o.readerInputs {
		inputs[k] = v
	}
	if _, ok := inputs[ModelInput]; ok {
		return nil, nil, fmt.Errorf("%w: reader input %q is reserved", ErrInvalidOption, ModelInput)
	}
	inputs[ModelInput] = model
	return wf, inputs, nil
}

func (m *Model) resolveModel(ctx context.Context, o runOptions) (any, error) {
	switch {
	case o.hasModel:
		return o.model, nil
	case o.modelVersion != "":
		return m.FetchModel(ctx, o.modelVersion)
	}
	model, ok := m.LatestModel()
	if !ok {
		return nil, ErrModelNotTrained
	}
	return model, nil
}

// LatestModel returns the model of the last successful Train call.
func (m *Model) LatestModel() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestModel, m.trained
}

// LatestMetrics returns the metrics of the last successful Train call.
func (m *Model) LatestMetrics() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestMetrics
}

// HyperparameterSchema returns the schema given with WithHyperparameters.
func (m *Model) HyperparameterSchema() map[string]reflect.Type {
	return m.hyperparameters
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// metricsMap flattens the typed metrics map produced by the train task.
func metricsMap(v any) map[string]any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map {
		return nil
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out
}
