package fluxoml

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"

	"github.com/petrijr/fluxoml/internal/introspect"
	"github.com/petrijr/fluxoml/pkg/dataset"
	"github.com/petrijr/fluxoml/pkg/flow"
)

var hyperparameterMapType = reflect.TypeOf(map[string]any{})

// initializer turns hyperparameters into an untrained estimator.
type initializer struct {
	hpType reflect.Type
	out    reflect.Type
	class  string
	call   func(ctx context.Context, hp any) (any, error)
}

func (m *Model) initializer() (*initializer, error) {
	if f := m.init; f != nil {
		return &initializer{
			hpType: f.In[0],
			out:    f.Out,
			call: func(ctx context.Context, hp any) (any, error) {
				if err := m.checkSchema(hp); err != nil {
					return nil, err
				}
				return f.Call(ctx, hp)
			},
		}, nil
	}

	if m.estimator == nil {
		return nil, fmt.Errorf("%w: %s has neither an init function nor an estimator", ErrNotConfigured, m.Name)
	}
	est := m.estimator
	base := est
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	return &initializer{
		hpType: hyperparameterMapType,
		out:    est,
		class:  base.PkgPath() + "." + base.Name(),
		call: func(ctx context.Context, hp any) (any, error) {
			if err := m.checkSchema(hp); err != nil {
				return nil, err
			}
			values, _ := hp.(map[string]any)
			return decodeParams(values, est)
		},
	}, nil
}

// checkSchema validates map hyperparameters against WithHyperparameters.
func (m *Model) checkSchema(hp any) error {
	values, ok := hp.(map[string]any)
	if !ok || m.hyperparameters == nil {
		return nil
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var result *multierror.Error
	for _, k := range keys {
		want, known := m.hyperparameters[k]
		switch {
		case !known:
			result = multierror.Append(result, fmt.Errorf("unknown hyperparameter %q", k))
		case values[k] != nil && !reflect.TypeOf(values[k]).ConvertibleTo(want):
			result = multierror.Append(result, fmt.Errorf("hyperparameter %q is %T, want %s", k, values[k], want))
		}
	}
	return result.ErrorOrNil()
}

// decodeParams builds a t (struct or pointer to struct) from named
// parameters, converting values weakly so JSON numbers fill int fields.
func decodeParams(values map[string]any, t reflect.Type) (any, error) {
	ptr := t.Kind() == reflect.Pointer
	st := t
	if ptr {
		st = t.Elem()
	}
	fields, err := introspect.StructFields(st)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]introspect.Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := reflect.New(st)
	var result *multierror.Error
	for _, k := range keys {
		f, ok := byName[k]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("%s has no parameter %q", st, k))
			continue
		}
		target := out.Elem().FieldByIndex(f.Index).Addr().Interface()
		if err := mapstructure.WeakDecode(values[k], target); err != nil {
			result = multierror.Append(result, fmt.Errorf("parameter %q: %w", k, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	if ptr {
		return out.Interface(), nil
	}
	return out.Elem().Interface(), nil
}

// coerceHyperparameters adapts Go callers' hyperparameters to the train
// task input type: structs become maps and maps become structs.
func (m *Model) coerceHyperparameters(hp any, want reflect.Type) (any, error) {
	if introspect.Assignable(hp, want) {
		return hp, nil
	}
	if want == hyperparameterMapType {
		if values, err := introspect.StructValues(hp); err == nil {
			return values, nil
		}
	}
	if values, ok := hp.(map[string]any); ok {
		if base := want; base.Kind() == reflect.Struct || (base.Kind() == reflect.Pointer && base.Elem().Kind() == reflect.Struct) {
			v, err := decodeParams(values, want)
			if err != nil {
				return nil, fmt.Errorf("%w: hyperparameters: %v", flow.ErrTypeMismatch, err)
			}
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: hyperparameters are %T, want %s", flow.ErrTypeMismatch, hp, want)
}

// splitArgs passes a model and a parsed split to a trainer or evaluator,
// dropping the target for two-parameter functions.
func splitArgs(f *introspect.Func, model any, p dataset.Parsed) []any {
	if len(f.In) == 3 {
		return []any{model, p.Features, p.Target}
	}
	return []any{model, p.Features}
}

// TrainTask returns the train task. Its inputs are the hyperparameters and
// the raw reader output; its outputs are the trained model and the
// evaluation metrics keyed "train" and "test".
func (m *Model) TrainTask() (*flow.Task, error) {
	m.build.Lock()
	defer m.build.Unlock()
	return m.trainTaskLocked()
}

func (m *Model) trainTaskLocked() (*flow.Task, error) {
	if m.trainTask != nil {
		return m.trainTask, nil
	}
	switch {
	case m.trainer == nil:
		return nil, fmt.Errorf("%w: %s has no trainer", ErrNotConfigured, m.Name)
	case m.evaluator == nil:
		return nil, fmt.Errorf("%w: %s has no evaluator", ErrNotConfigured, m.Name)
	case !m.Dataset.HasReader():
		return nil, fmt.Errorf("%s: %w", m.Name, dataset.ErrNoReader)
	}

	init, err := m.initializer()
	if err != nil {
		return nil, err
	}
	trainer, evaluator, ds := m.trainer, m.evaluator, m.Dataset
	if !init.out.AssignableTo(trainer.In[0]) {
		return nil, fmt.Errorf("%w: %s initializes %s but the trainer takes %s", flow.ErrTypeMismatch, m.Name, init.out, trainer.In[0])
	}
	if !trainer.Out.AssignableTo(evaluator.In[0]) {
		return nil, fmt.Errorf("%w: %s trains %s but the evaluator takes %s", flow.ErrTypeMismatch, m.Name, trainer.Out, evaluator.In[0])
	}

	raw := ds.ReaderReturnType()
	metricsType := reflect.MapOf(reflect.TypeOf(""), evaluator.Out)
	iface := flow.Interface{
		Inputs: []flow.Param{
			{Name: HyperparametersInput, Type: init.hpType},
			raw,
		},
		Outputs: []flow.Param{
			{Name: TrainedModelOutput, Type: trainer.Out},
			{Name: MetricsOutput, Type: metricsType},
		},
	}

	fn := func(ctx context.Context, in map[string]any) (map[string]any, error) {
		data, err := ds.GetData(in[raw.Name])
		if err != nil {
			return nil, err
		}
		model, err := init.call(ctx, in[HyperparametersInput])
		if err != nil {
			return nil, fmt.Errorf("init: %w", err)
		}
		trained, err := trainer.Call(ctx, splitArgs(trainer, model, data["train"])...)
		if err != nil {
			return nil, fmt.Errorf("train: %w", err)
		}

		metrics := reflect.MakeMapWithSize(metricsType, 2)
		var result *multierror.Error
		for _, split := range []string{"train", "test"} {
			score, err := evaluator.Call(ctx, splitArgs(evaluator, trained, data[split])...)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("evaluate %s: %w", split, err))
				continue
			}
			v, err := introspect.Value(score, evaluator.Out)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("evaluate %s: %w", split, err))
				continue
			}
			metrics.SetMapIndex(reflect.ValueOf(split), v)
		}
		if err := result.ErrorOrNil(); err != nil {
			return nil, err
		}
		return map[string]any{TrainedModelOutput: trained, MetricsOutput: metrics.Interface()}, nil
	}

	opts := append([]flow.TaskOption(nil), m.trainerOpts...)
	if init.class != "" {
		opts = append(opts, flow.WithMetadata("init_cls", init.class))
	}
	m.trainTask = flow.NewTask(m.Name+".train", iface, fn, opts...)
	m.built = true
	return m.trainTask, nil
}

// PredictTask returns the task that parses raw reader output, extracts
// features and applies the predictor.
func (m *Model) PredictTask() (*flow.Task, error) {
	m.build.Lock()
	defer m.build.Unlock()
	return m.predictTaskLocked()
}

func (m *Model) predictTaskLocked() (*flow.Task, error) {
	if m.predTask != nil {
		return m.predTask, nil
	}
	if m.predictor == nil {
		return nil, fmt.Errorf("%w: %s has no predictor", ErrNotConfigured, m.Name)
	}
	if !m.Dataset.HasReader() {
		return nil, fmt.Errorf("%s: %w", m.Name, dataset.ErrNoReader)
	}

	raw := m.Dataset.ReaderReturnType()
	m.predTask = m.newPredictTask(m.Name+".predict", raw)
	m.built = true
	return m.predTask, nil
}

// PredictFromFeaturesTask returns the task that applies the predictor to
// features supplied directly. Its inputs are "model" and "features".
func (m *Model) PredictFromFeaturesTask() (*flow.Task, error) {
	m.build.Lock()
	defer m.build.Unlock()
	return m.predictFromFeaturesTaskLocked()
}

func (m *Model) predictFromFeaturesTaskLocked() (*flow.Task, error) {
	if m.pffTask != nil {
		return m.pffTask, nil
	}
	if m.predictor == nil {
		return nil, fmt.Errorf("%w: %s has no predictor", ErrNotConfigured, m.Name)
	}

	features := flow.Param{Name: FeaturesInput, Type: m.predictor.In[1]}
	m.pffTask = m.newPredictTask(m.Name+".predict_from_features", features)
	m.built = true
	return m.pffTask, nil
}

func (m *Model) newPredictTask(name string, data flow.Param) *flow.Task {
	predictor, ds := m.predictor, m.Dataset
	iface := flow.Interface{
		Inputs: []flow.Param{
			{Name: ModelInput, Type: predictor.In[0]},
			data,
		},
		Outputs: []flow.Param{{Name: PredictionsOutput, Type: predictor.Out}},
	}

	fn := func(ctx context.Context, in map[string]any) (map[string]any, error) {
		parsed, err := ds.Parse(in[data.Name])
		if err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		features, err := ds.FeaturesOf(parsed)
		if err != nil {
			return nil, fmt.Errorf("features: %w", err)
		}
		predictions, err := predictor.Call(ctx, in[ModelInput], features)
		if err != nil {
			return nil, fmt.Errorf("predict: %w", err)
		}
		return map[string]any{PredictionsOutput: predictions}, nil
	}
	return flow.NewTask(name, iface, fn, m.predictorOpts...)
}
