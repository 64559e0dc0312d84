package fluxoml

import (
	"fmt"
	"log/slog"
	"reflect"
)

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithEstimator sets the type built by the default initializer. v is a
// struct or pointer to struct, for example &LogisticRegression{}; its
// exported fields are filled from the hyperparameters.
func WithEstimator(v any) ModelOption {
	t := reflect.TypeOf(v)
	base := t
	if base != nil && base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base == nil || base.Kind() != reflect.Struct {
		panic(fmt.Sprintf("fluxoml: estimator must be a struct or pointer to struct, got %T", v))
	}
	return func(m *Model) { m.estimator = t }
}

// WithHyperparameters declares the accepted hyperparameter names and
// types. Map hyperparameters are checked against it before training.
func WithHyperparameters(schema map[string]reflect.Type) ModelOption {
	return func(m *Model) { m.hyperparameters = schema }
}

// WithRunner runs the model's workflows on r instead of a private local
// runner.
func WithRunner(r *Runner) ModelOption {
	return func(m *Model) { m.runner = r }
}

// WithObserver subscribes o to the events of the model's runner.
func WithObserver(o Observer) ModelOption {
	return func(m *Model) { m.observers = append(m.observers, o) }
}

// WithLogger sets the model logger. Engine events are logged through it
// as well.
func WithLogger(l *slog.Logger) ModelOption {
	return func(m *Model) { m.logger = l }
}

// RunOption configures Train, Predict and their remote variants.
type RunOption func(*runOptions)

type runOptions struct {
	readerInputs map[string]any

	model    any
	hasModel bool

	features    any
	hasFeatures bool

	modelVersion string
}

// WithReaderInputs passes the dataset reader inputs by name.
func WithReaderInputs(inputs map[string]any) RunOption {
	return func(o *runOptions) { o.readerInputs = inputs }
}

// WithModel predicts with m instead of the latest trained model.
func WithModel(m any) RunOption {
	return func(o *runOptions) {
		o.model = m
		o.hasModel = true
	}
}

// WithFeatures predicts on features directly, skipping the dataset reader.
func WithFeatures(features any) RunOption {
	return func(o *runOptions) {
		o.features = features
		o.hasFeatures = true
	}
}

// WithModelVersion predicts with the model produced by the remote train
// execution id.
func WithModelVersion(id string) RunOption {
	return func(o *runOptions) { o.modelVersion = id }
}

func collectRunOptions(opts []RunOption) runOptions {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// forTraining rejects prediction-only options.
func (o runOptions) forTraining() error {
	switch {
	case o.hasModel:
		return fmt.Errorf("%w: WithModel", ErrInvalidOption)
	case o.hasFeatures:
		return fmt.Errorf("%w: WithFeatures", ErrInvalidOption)
	case o.modelVersion != "":
		return fmt.Errorf("%w: WithModelVersion", ErrInvalidOption)
	}
	return nil
}
