package flow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/petrijr/fluxoml/internal/introspect"
	"github.com/petrijr/fluxoml/pkg/api"
)

var (
	// ErrMissingInput is returned when a declared input has no value.
	ErrMissingInput = errors.New("flow: missing input")

	// ErrUnknownInput is returned for values that match no declared input.
	ErrUnknownInput = errors.New("flow: unknown input")

	// ErrTypeMismatch is returned when a value does not fit its declared type.
	ErrTypeMismatch = errors.New("flow: type mismatch")

	// ErrMissingOutput is returned when a task function omits a declared output.
	ErrMissingOutput = errors.New("flow: missing output")
)

// Param is a named, typed input or output.
type Param struct {
	Name string
	Type reflect.Type
}

func (p Param) String() string {
	return fmt.Sprintf("%s: %s", p.Name, p.Type)
}

// Interface is the ordered signature of a task or workflow.
type Interface struct {
	Inputs  []Param
	Outputs []Param
}

// Input looks up an input by name.
func (i Interface) Input(name string) (Param, bool) {
	return lookup(i.Inputs, name)
}

// Output looks up an output by name.
func (i Interface) Output(name string) (Param, bool) {
	return lookup(i.Outputs, name)
}

// InputNames returns the input names in declaration order.
func (i Interface) InputNames() []string {
	names := make([]string, len(i.Inputs))
	for k, p := range i.Inputs {
		names[k] = p.Name
	}
	return names
}

func lookup(ps []Param, name string) (Param, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// TaskFunc is the body of a task. It receives one value per declared input
// and returns one value per declared output.
type TaskFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// Task is a single executable unit with a typed interface.
type Task struct {
	Name      string
	Interface Interface
	Fn        TaskFunc

	Retry        *api.RetryPolicy
	Timeout      time.Duration
	Cache        *Cache
	CacheVersion string
	Metadata     map[string]string
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithRetry sets the retry policy applied by the engine to this task's step.
func WithRetry(p api.RetryPolicy) TaskOption {
	return func(t *Task) { t.Retry = &p }
}

// WithTimeout bounds each execution of the task.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.Timeout = d }
}

// WithCache memoizes task outputs in c. Bumping version invalidates
// previous entries.
func WithCache(c *Cache, version string) TaskOption {
	return func(t *Task) {
		t.Cache = c
		t.CacheVersion = version
	}
}

// WithMetadata attaches a key/value pair to the task.
func WithMetadata(key, value string) TaskOption {
	return func(t *Task) {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata[key] = value
	}
}

// NewTask creates a task.
func NewTask(name string, iface Interface, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{Name: name, Interface: iface, Fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ValidateInputs checks inputs against the task interface.
func (t *Task) ValidateInputs(inputs map[string]any) error {
	return validate(t.Name, t.Interface.Inputs, inputs, ErrMissingInput)
}

func validate(owner string, params []Param, values map[string]any, missing error) error {
	for _, p := range params {
		v, ok := values[p.Name]
		if !ok {
			return fmt.Errorf("%w: %s.%s", missing, owner, p.Name)
		}
		if !introspect.Assignable(v, p.Type) {
			return fmt.Errorf("%w: %s.%s wants %s, got %T", ErrTypeMismatch, owner, p.Name, p.Type, v)
		}
	}
	if len(values) > len(params) {
		var unknown []string
		for name := range values {
			if _, ok := lookup(params, name); !ok {
				unknown = append(unknown, name)
			}
		}
		sort.Strings(unknown)
		return fmt.Errorf("%w: %s %v", ErrUnknownInput, owner, unknown)
	}
	return nil
}

// Execute validates inputs, runs the task (through the cache when one is
// configured) and validates its outputs.
func (t *Task) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if err := t.ValidateInputs(inputs); err != nil {
		return nil, err
	}

	var key uint64
	cacheable := false
	if t.Cache != nil {
		if key, cacheable = t.Cache.Key(t.Name, t.CacheVersion, inputs); cacheable {
			if out, ok := t.Cache.Get(key); ok {
				return out, nil
			}
		}
	}

	out, err := t.call(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if err := validate(t.Name, t.Interface.Outputs, out, ErrMissingOutput); err != nil {
		return nil, err
	}

	if cacheable {
		t.Cache.Add(key, out)
	}
	return out, nil
}

type callResult struct {
	out map[string]any
	err error
}

func (t *Task) call(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if t.Timeout <= 0 {
		return t.Fn(ctx, inputs)
	}

	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	// The function may ignore ctx; the result channel is buffered so the
	// goroutine can always finish.
	done := make(chan callResult, 1)
	go func() {
		out, err := t.Fn(ctx, inputs)
		done <- callResult{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("task %s: %w", t.Name, ctx.Err())
	}
}
