// Package dispatcher provides the cached per-type reflective surface the
// invoker layer uses to call user code: method invocation by name and
// exact signature, and property access by bean convention.
package dispatcher

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
)

var (
	// ErrNoSuchMethod reports an invoke with no exactly-matching method.
	ErrNoSuchMethod = errors.New("no such method")
	// ErrNoSuchProperty reports a property access with no backing
	// accessor or field.
	ErrNoSuchProperty = errors.New("no such property")
)

// Dispatcher is the accessor for one concrete type. Construct via For;
// instances are cached per type and safe for concurrent use.
type Dispatcher struct {
	typ     reflect.Type
	methods map[string][]reflect.Method
}

var cache sync.Map // reflect.Type -> *Dispatcher

// For returns the dispatcher for the dynamic type of target.
func For(target any) *Dispatcher {
	return ForType(reflect.TypeOf(target))
}

// ForType returns the dispatcher for a type, building it on first use.
func ForType(typ reflect.Type) *Dispatcher {
	if d, ok := cache.Load(typ); ok {
		return d.(*Dispatcher)
	}
	d := &Dispatcher{typ: typ, methods: make(map[string][]reflect.Method)}
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !m.IsExported() {
			continue
		}
		d.methods[m.Name] = append(d.methods[m.Name], m)
	}
	actual, _ := cache.LoadOrStore(typ, d)
	return actual.(*Dispatcher)
}

// MethodNames returns every callable exported method name, sorted.
func (d *Dispatcher) MethodNames() []string {
	names := make([]string, 0, len(d.methods))
	for n := range d.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DeclaredMethodNames returns the method names declared on the type
// itself, excluding promoted methods from embedded types.
func (d *Dispatcher) DeclaredMethodNames() []string {
	base := d.typ
	for base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	promoted := make(map[string]bool)
	if base.Kind() == reflect.Struct {
		for i := 0; i < base.NumField(); i++ {
			f := base.Field(i)
			if !f.Anonymous {
				continue
			}
			ft := f.Type
			for j := 0; j < ft.NumMethod(); j++ {
				promoted[ft.Method(j).Name] = true
			}
			if ft.Kind() != reflect.Ptr {
				pt := reflect.PtrTo(ft)
				for j := 0; j < pt.NumMethod(); j++ {
					promoted[pt.Method(j).Name] = true
				}
			}
		}
	}
	var names []string
	for n := range d.methods {
		if !promoted[n] {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// HasMethod reports whether a method with that name exists at all.
func (d *Dispatcher) HasMethod(name string) bool {
	_, ok := d.methods[name]
	return ok
}

// Invoke calls the named method on target with the given arguments.
// Resolution requires an exact parameter-type match. A trailing error
// return is split off; remaining returns collapse to one value (or a
// slice when the method returns several).
func (d *Dispatcher) Invoke(target any, name string, paramTypes []reflect.Type, args []any) (any, error) {
	m, err := d.resolve(name, paramTypes)
	if err != nil {
		return nil, err
	}
	in := make([]reflect.Value, 0, len(args)+1)
	in = append(in, reflect.ValueOf(target))
	for i, a := range args {
		if a == nil {
			in = append(in, reflect.Zero(m.Type.In(i+1)))
		} else {
			in = append(in, reflect.ValueOf(a))
		}
	}
	out := m.Func.Call(in)

	var callErr error
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if !out[n-1].IsNil() {
			callErr = out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, callErr
	case 1:
		return out[0].Interface(), callErr
	default:
		vals := make([]any, len(out))
		for i, v := range out {
			vals[i] = v.Interface()
		}
		return vals, callErr
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func (d *Dispatcher) resolve(name string, paramTypes []reflect.Type) (reflect.Method, error) {
	overloads, ok := d.methods[name]
	if !ok {
		return reflect.Method{}, fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, d.typ, name)
	}
	for _, m := range overloads {
		if matches(m, paramTypes) {
			return m, nil
		}
	}
	return reflect.Method{}, fmt.Errorf("%w: %s.%s with parameters %v", ErrNoSuchMethod, d.typ, name, paramTypes)
}

// matches compares the declared parameters (receiver excluded) to want.
// A nil want accepts the sole overload regardless of signature.
func matches(m reflect.Method, want []reflect.Type) bool {
	if want == nil {
		return true
	}
	if m.Type.NumIn()-1 != len(want) {
		return false
	}
	for i, w := range want {
		if m.Type.In(i+1) != w {
			return false
		}
	}
	return true
}

// ParamTypes returns the parameter types of the named method when it has
// exactly one overload, for callers that build invocations from values.
func (d *Dispatcher) ParamTypes(name string) ([]reflect.Type, error) {
	overloads, ok := d.methods[name]
	if !ok || len(overloads) != 1 {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, d.typ, name)
	}
	m := overloads[0]
	out := make([]reflect.Type, 0, m.Type.NumIn()-1)
	for i := 1; i < m.Type.NumIn(); i++ {
		out = append(out, m.Type.In(i))
	}
	return out, nil
}

// PropertyNames lists readable property names: exported fields plus
// Name()/GetName()-style getters, lowercased on the first rune, sorted.
func (d *Dispatcher) PropertyNames() []string {
	set := make(map[string]bool)
	base := d.typ
	for base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	if base.Kind() == reflect.Struct {
		for i := 0; i < base.NumField(); i++ {
			if f := base.Field(i); f.IsExported() && !f.Anonymous {
				set[decap(f.Name)] = true
			}
		}
	}
	for name, overloads := range d.methods {
		for _, m := range overloads {
			if m.Type.NumIn() == 1 && m.Type.NumOut() >= 1 {
				set[decap(strings.TrimPrefix(name, "Get"))] = true
			}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GetProperty reads a named property: a no-argument getter named
// {Prop}() or Get{Prop}(), falling back to the exported struct field.
func (d *Dispatcher) GetProperty(target any, name string) (any, error) {
	cap := capitalize(name)
	for _, getter := range []string{cap, "Get" + cap} {
		if overloads, ok := d.methods[getter]; ok {
			for _, m := range overloads {
				if m.Type.NumIn() == 1 && m.Type.NumOut() >= 1 {
					return m.Func.Call([]reflect.Value{reflect.ValueOf(target)})[0].Interface(), nil
				}
			}
		}
	}
	if f, ok := d.field(target, cap); ok {
		return f.Interface(), nil
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchProperty, d.typ, name)
}

// SetProperty writes a named property through Set{Prop}() or the field.
func (d *Dispatcher) SetProperty(target any, name string, value any) error {
	cap := capitalize(name)
	if overloads, ok := d.methods["Set"+cap]; ok {
		for _, m := range overloads {
			if m.Type.NumIn() == 2 && reflect.TypeOf(value).AssignableTo(m.Type.In(1)) {
				m.Func.Call([]reflect.Value{reflect.ValueOf(target), reflect.ValueOf(value)})
				return nil
			}
		}
	}
	if f, ok := d.field(target, cap); ok && f.CanSet() && reflect.TypeOf(value).AssignableTo(f.Type()) {
		f.Set(reflect.ValueOf(value))
		return nil
	}
	return fmt.Errorf("%w: %s.%s", ErrNoSuchProperty, d.typ, name)
}

func (d *Dispatcher) field(target any, name string) (reflect.Value, bool) {
	v := reflect.ValueOf(target)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	f := v.FieldByName(name)
	return f, f.IsValid()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func decap(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
