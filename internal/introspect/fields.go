package introspect

import (
	"fmt"
	"reflect"
	"strings"
)

// Field is one named parameter derived from a struct field.
type Field struct {
	Name  string
	Type  reflect.Type
	Index []int
}

// ParamName returns the parameter name of a struct field:
// the `fluxoml` tag, then the `json` tag name, then the snake_case field
// name. The second result is false when the field is skipped with "-".
func ParamName(sf reflect.StructField) (string, bool) {
	for _, key := range []string{"fluxoml", "json"} {
		tag, ok := sf.Tag.Lookup(key)
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			return "", false
		}
		if name != "" {
			return name, true
		}
	}
	return SnakeCase(sf.Name), true
}

// StructFields flattens the exported fields of t (a struct or pointer to
// struct) into named parameters, in declaration order. Embedded structs
// without a tag are flattened into their parent.
func StructFields(t reflect.Type) ([]Field, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("introspect: %s is not a struct", t)
	}

	var fields []Field
	seen := make(map[string]bool)
	var walk func(t reflect.Type, prefix []int) error
	walk = func(t reflect.Type, prefix []int) error {
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			index := append(append([]int(nil), prefix...), i)

			_, tagged := sf.Tag.Lookup("fluxoml")
			if _, ok := sf.Tag.Lookup("json"); ok {
				tagged = true
			}
			if sf.Anonymous && !tagged && sf.Type.Kind() == reflect.Struct {
				if err := walk(sf.Type, index); err != nil {
					return err
				}
				continue
			}

			name, ok := ParamName(sf)
			if !ok {
				continue
			}
			if seen[name] {
				return fmt.Errorf("introspect: duplicate parameter %q in %s", name, t)
			}
			seen[name] = true
			fields = append(fields, Field{Name: name, Type: sf.Type, Index: index})
		}
		return nil
	}
	if err := walk(t, nil); err != nil {
		return nil, err
	}
	return fields, nil
}

// BuildStruct creates a value of t (a struct or pointer to struct) from
// named parameter values. Missing names leave zero values.
func BuildStruct(t reflect.Type, values map[string]any) (any, error) {
	ptr := t.Kind() == reflect.Pointer
	st := t
	if ptr {
		st = t.Elem()
	}
	fields, err := StructFields(st)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(fields))
	out := reflect.New(st).Elem()
	for _, f := range fields {
		known[f.Name] = true
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		rv, err := Value(v, f.Type)
		if err != nil {
			return nil, fmt.Errorf("introspect: field %q: %w", f.Name, err)
		}
		out.FieldByIndex(f.Index).Set(rv)
	}
	for name := range values {
		if !known[name] {
			return nil, fmt.Errorf("introspect: %s has no parameter %q", st, name)
		}
	}

	if ptr {
		return out.Addr().Interface(), nil
	}
	return out.Interface(), nil
}

// StructValues is the inverse of BuildStruct.
func StructValues(v any) (map[string]any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return map[string]any{}, nil
		}
		rv = rv.Elem()
	}
	fields, err := StructFields(rv.Type())
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.Name] = rv.FieldByIndex(f.Index).Interface()
	}
	return out, nil
}
