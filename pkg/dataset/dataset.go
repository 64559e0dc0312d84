// Package dataset describes where a model's data comes from and how it is
// split, parsed and turned into features.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"

	"github.com/petrijr/fluxoml/internal/introspect"
	"github.com/petrijr/fluxoml/pkg/flow"
)

// ErrNoReader is returned when a reader task is requested before Reader.
var ErrNoReader = errors.New("dataset: no reader registered")

// Parsed is the result of parsing raw data.
type Parsed struct {
	Features any
	Target   any
}

// ParserOptions are handed to the parser.
type ParserOptions struct {
	Features []string
	Targets  []string
	Extra    map[string]any
}

// SplitFunc splits raw data into train and test parts.
type SplitFunc func(raw any, testSize float64, shuffle bool, randomState int64) (train, test any, err error)

// ParseFunc turns raw data into features and target.
type ParseFunc func(raw any, opts ParserOptions) (Parsed, error)

// FeatureFunc selects the predictor input from parsed data.
type FeatureFunc func(p Parsed) (any, error)

// Dataset supplies the reader task of a model plus the splitter, parser and
// feature getter used by training and prediction.
type Dataset struct {
	Name        string
	Features    []string
	Targets     []string
	TestSize    float64
	Shuffle     bool
	RandomState int64
	OutputName  string
	Extra       map[string]any

	reader     *introspect.Func
	readerOpts []flow.TaskOption

	splitter      SplitFunc
	parser        ParseFunc
	featureGetter FeatureFunc

	task *flow.Task
}

// Option configures a Dataset.
type Option func(*Dataset)

// WithFeatures names the feature columns. By default every non-target
// column is a feature.
func WithFeatures(cols ...string) Option { return func(d *Dataset) { d.Features = cols } }

// WithTargets names the target columns.
func WithTargets(cols ...string) Option { return func(d *Dataset) { d.Targets = cols } }

// WithTestSize sets the fraction of rows held out for testing.
func WithTestSize(f float64) Option { return func(d *Dataset) { d.TestSize = f } }

// WithShuffle toggles shuffling before the split.
func WithShuffle(on bool) Option { return func(d *Dataset) { d.Shuffle = on } }

// WithRandomState seeds the shuffle.
func WithRandomState(seed int64) Option { return func(d *Dataset) { d.RandomState = seed } }

// WithOutputName renames the reader output ("data" by default).
func WithOutputName(name string) Option { return func(d *Dataset) { d.OutputName = name } }

// WithParserOption passes an extra key/value to the parser.
func WithParserOption(key string, value any) Option {
	return func(d *Dataset) {
		if d.Extra == nil {
			d.Extra = make(map[string]any)
		}
		d.Extra[key] = value
	}
}

// New creates a dataset. An empty name is filled in by the model that
// owns the dataset.
func New(name string, opts ...Option) *Dataset {
	d := &Dataset{
		Name:        name,
		TestSize:    0.2,
		Shuffle:     true,
		RandomState: 12345,
		OutputName:  "data",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reader registers the function that produces raw data. fn has the shape
//
//	func([ctx context.Context,] [params P]) (R, [error])
//
// where P is a struct whose fields become the reader task inputs.
// Reader panics on any other shape.
func (d *Dataset) Reader(fn any, opts ...flow.TaskOption) *Dataset {
	f, err := introspect.Inspect(fn)
	if err != nil {
		panic(fmt.Sprintf("fluxoml: dataset reader: %v", err))
	}
	if f.Out == nil {
		panic("fluxoml: dataset reader must return data")
	}
	if len(f.In) > 1 {
		panic("fluxoml: dataset reader takes at most one parameter struct")
	}
	if len(f.In) == 1 {
		if _, err := introspect.StructFields(f.In[0]); err != nil {
			panic(fmt.Sprintf("fluxoml: dataset reader parameters: %v", err))
		}
	}
	d.reader = f
	d.readerOpts = opts
	d.task = nil
	return d
}

// Splitter overrides the default shuffle-and-cut split.
func (d *Dataset) Splitter(fn SplitFunc) *Dataset {
	d.splitter = fn
	return d
}

// Parser overrides the default parser.
func (d *Dataset) Parser(fn ParseFunc) *Dataset {
	d.parser = fn
	return d
}

// FeatureGetter overrides the default feature getter, which returns
// Parsed.Features.
func (d *Dataset) FeatureGetter(fn FeatureFunc) *Dataset {
	d.featureGetter = fn
	return d
}

// HasReader reports whether Reader was called.
func (d *Dataset) HasReader() bool { return d.reader != nil }

// ReaderInputs returns the reader task inputs.
func (d *Dataset) ReaderInputs() []flow.Param {
	if d.reader == nil || len(d.reader.In) == 0 {
		return nil
	}
	fields, _ := introspect.StructFields(d.reader.In[0])
	params := make([]flow.Param, len(fields))
	for i, f := range fields {
		params[i] = flow.Param{Name: f.Name, Type: f.Type}
	}
	return params
}

// ReaderReturnType returns the single reader output.
func (d *Dataset) ReaderReturnType() flow.Param {
	if d.reader == nil {
		return flow.Param{Name: d.OutputName}
	}
	return flow.Param{Name: d.OutputName, Type: d.reader.Out}
}

// Task returns the reader task, named "<dataset>.reader".
func (d *Dataset) Task() (*flow.Task, error) {
	if d.task != nil {
		return d.task, nil
	}
	if d.reader == nil {
		return nil, ErrNoReader
	}

	reader := d.reader
	output := d.OutputName
	iface := flow.Interface{
		Inputs:  d.ReaderInputs(),
		Outputs: []flow.Param{d.ReaderReturnType()},
	}

	fn := func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		var args []any
		if len(reader.In) == 1 {
			params, err := introspect.BuildStruct(reader.In[0], inputs)
			if err != nil {
				return nil, err
			}
			args = append(args, params)
		}
		raw, err := reader.Call(ctx, args...)
		if err != nil {
			return nil, err
		}
		return map[string]any{output: raw}, nil
	}

	d.task = flow.NewTask(d.Name+".reader", iface, fn, d.readerOpts...)
	return d.task, nil
}

// ParserOptions returns the options passed to the parser.
func (d *Dataset) ParserOptions() ParserOptions {
	return ParserOptions{Features: d.Features, Targets: d.Targets, Extra: d.Extra}
}

// Split splits raw data into train and test parts.
func (d *Dataset) Split(raw any) (train, test any, err error) {
	split := d.splitter
	if split == nil {
		split = DefaultSplit
	}
	return split(raw, d.TestSize, d.Shuffle, d.RandomState)
}

// Parse parses raw data with the configured parser.
func (d *Dataset) Parse(raw any) (Parsed, error) {
	parse := d.parser
	if parse == nil {
		parse = DefaultParse
	}
	return parse(raw, d.ParserOptions())
}

// FeaturesOf applies the feature getter.
func (d *Dataset) FeaturesOf(p Parsed) (any, error) {
	if d.featureGetter == nil {
		return p.Features, nil
	}
	return d.featureGetter(p)
}

// GetData splits raw data and parses both parts, keyed "train" and "test".
func (d *Dataset) GetData(raw any) (map[string]Parsed, error) {
	train, test, err := d.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: split: %w", d.Name, err)
	}
	out := make(map[string]Parsed, 2)
	for key, part := range map[string]any{"train": train, "test": test} {
		p, err := d.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: parse %s: %w", d.Name, key, err)
		}
		out[key] = p
	}
	return out, nil
}

// DefaultSplit holds out ceil(n*testSize) rows for testing. Frames and
// slices are supported; with shuffle the row order is permuted by a source
// seeded with randomState.
func DefaultSplit(raw any, testSize float64, shuffle bool, randomState int64) (train, test any, err error) {
	if testSize < 0 || testSize >= 1 {
		return nil, nil, fmt.Errorf("dataset: test size %v must be in [0, 1)", testSize)
	}

	var n int
	switch v := raw.(type) {
	case Frame:
		n = v.Len()
	default:
		rv := reflect.ValueOf(raw)
		if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
			return nil, nil, fmt.Errorf("dataset: cannot split %T", raw)
		}
		n = rv.Len()
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if shuffle {
		rng := rand.New(rand.NewSource(randomState))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	nTest := int(math.Ceil(float64(n)*testSize - 1e-9))
	testIdx, trainIdx := order[:nTest], order[nTest:]

	if f, ok := raw.(Frame); ok {
		return f.Take(trainIdx), f.Take(testIdx), nil
	}
	rv := reflect.ValueOf(raw)
	return takeSlice(rv, trainIdx), takeSlice(rv, testIdx), nil
}

func takeSlice(rv reflect.Value, idx []int) any {
	out := reflect.MakeSlice(reflect.SliceOf(rv.Type().Elem()), len(idx), len(idx))
	for k, i := range idx {
		out.Index(k).Set(rv.Index(i))
	}
	return out.Interface()
}

// DefaultParse understands Frames, record slices and already parsed data.
// Targets become a []float64 for a single target column or a Frame for
// several; features are the named feature columns, or every non-target
// column.
func DefaultParse(raw any, opts ParserOptions) (Parsed, error) {
	var f Frame
	switch v := raw.(type) {
	case Parsed:
		return v, nil
	case Frame:
		f = v
	case []map[string]float64:
		var err error
		if f, err = FrameFromRecords(v, nil); err != nil {
			return Parsed{}, err
		}
	default:
		return Parsed{}, fmt.Errorf("dataset: no default parser for %T", raw)
	}

	var p Parsed
	var err error
	if len(opts.Features) > 0 {
		if p.Features, err = f.Select(opts.Features...); err != nil {
			return Parsed{}, err
		}
	} else {
		p.Features = f.Drop(opts.Targets...)
	}

	// Prediction input usually lacks the target columns.
	present := make([]string, 0, len(opts.Targets))
	for _, t := range opts.Targets {
		if f.Index(t) >= 0 {
			present = append(present, t)
		}
	}
	switch {
	case len(present) == 1:
		p.Target, _ = f.Column(present[0])
	case len(present) > 1:
		p.Target, _ = f.Select(present...)
	}
	return p, nil
}
