// Package introspect inspects user-supplied functions and parameter structs
// so that their signatures can be turned into task interfaces.
package introspect

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unicode"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// ErrNotFunc is returned by Inspect for values that are not functions.
var ErrNotFunc = errors.New("introspect: not a function")

// Func describes a user function of the shape
//
//	func([ctx context.Context,] in...) ([out,] [error])
type Func struct {
	Name string

	// In lists the parameter types, excluding a leading context.Context.
	In []reflect.Type

	// Out is the single non-error result type, or nil when fn returns only
	// an error or nothing.
	Out reflect.Type

	fn         reflect.Value
	takesCtx   bool
	returnsErr bool
}

// Inspect validates fn and returns its description.
func Inspect(fn any) (*Func, error) {
	if fn == nil {
		return nil, ErrNotFunc
	}
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T", ErrNotFunc, fn)
	}
	if t.IsVariadic() {
		return nil, fmt.Errorf("introspect: variadic function %s is not supported", t)
	}

	f := &Func{Name: funcName(v), fn: v}

	start := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		f.takesCtx = true
		start = 1
	}
	for i := start; i < t.NumIn(); i++ {
		f.In = append(f.In, t.In(i))
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			f.returnsErr = true
		} else {
			f.Out = t.Out(0)
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("introspect: second result of %s must be error", t)
		}
		f.Out = t.Out(0)
		f.returnsErr = true
	default:
		return nil, fmt.Errorf("introspect: %s has too many results", t)
	}
	return f, nil
}

// TakesContext reports whether fn's first parameter is a context.Context.
func (f *Func) TakesContext() bool { return f.takesCtx }

// Call invokes the function. Arguments are checked against the parameter
// types; panics in the callee are returned as errors.
func (f *Func) Call(ctx context.Context, args ...any) (out any, err error) {
	if len(args) != len(f.In) {
		return nil, fmt.Errorf("introspect: %s takes %d arguments, got %d", f.Name, len(f.In), len(args))
	}

	in := make([]reflect.Value, 0, len(args)+1)
	if f.takesCtx {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, a := range args {
		v, err := Value(a, f.In[i])
		if err != nil {
			return nil, fmt.Errorf("introspect: %s argument %d: %w", f.Name, i, err)
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("introspect: %s panicked: %v", f.Name, r)
		}
	}()

	res := f.fn.Call(in)
	if f.returnsErr {
		if e := res[len(res)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	if f.Out != nil {
		out = res[0].Interface()
	}
	return out, err
}

// Value converts a dynamic value into a reflect.Value of type t. nil is
// accepted for nillable types and becomes the zero value.
func Value(a any, t reflect.Type) (reflect.Value, error) {
	if a == nil {
		if Nillable(t) {
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("nil is not a valid %s", t)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	return reflect.Value{}, fmt.Errorf("%s is not assignable to %s", v.Type(), t)
}

// Assignable reports whether a is a valid value for type t, nil included.
func Assignable(a any, t reflect.Type) bool {
	_, err := Value(a, t)
	return err == nil
}

// Nillable reports whether nil is a valid value of t.
func Nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return true
	}
	return false
}

func funcName(v reflect.Value) string {
	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return v.Type().String()
	}
	name := rf.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// SnakeCase converts a Go identifier such as "MaxIter" or "LearningRate"
// into "max_iter" or "learning_rate". Runs of capitals stay together, so
// "HTTPPort" becomes "http_port".
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RegisterGob registers the concrete type t, and the element types of
// container types, with encoding/gob so values survive durable stores.
// Interface types and types gob already knows are skipped.
func RegisterGob(t reflect.Type) {
	registerGob(t, make(map[reflect.Type]bool))
}

func registerGob(t reflect.Type, seen map[reflect.Type]bool) {
	if t == nil || seen[t] {
		return
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Interface, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return
	case reflect.Pointer, reflect.Slice, reflect.Array:
		registerGob(t.Elem(), seen)
	case reflect.Map:
		registerGob(t.Key(), seen)
		registerGob(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				registerGob(t.Field(i).Type, seen)
			}
		}
	}

	defer func() {
		// gob panics on a second registration under a different name; the
		// first registration wins.
		_ = recover()
	}()
	gob.Register(reflect.Zero(t).Interface())
}
