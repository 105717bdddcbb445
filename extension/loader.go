package extension

import (
	"fmt"
	"reflect"

	"nova-rpc/common"
)

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// PointOption tunes a capability declaration.
type PointOption func(*pointDecl)

type pointDecl struct {
	noInject bool
}

// WithoutInjection declares a bootstrap point whose instances are built
// without dependency injection (the meta level of the registry itself).
func WithoutInjection() PointOption {
	return func(d *pointDecl) { d.noInject = true }
}

// RegisterPoint declares interface type T as a capability with the given
// key and default extension name. Declaring the same type twice is a no-op.
func RegisterPoint[T any](r *Registry, key, defaultName string, opts ...PointOption) {
	var d pointDecl
	for _, o := range opts {
		o(&d)
	}
	r.registerPoint(typeOf[T](), key, defaultName, d.noInject)
}

// Loader is the typed per-point view of the registry.
type Loader[T any] struct {
	p *point
}

// LoaderFor returns a typed view of capability T. The point behind it,
// with its instance caches, is created once per registry; each call
// returns a new view over that same point.
func LoaderFor[T any](r *Registry) (*Loader[T], error) {
	p, err := r.pointFor(typeOf[T]())
	if err != nil {
		return nil, err
	}
	return &Loader[T]{p: p}, nil
}

// PointKey returns the capability key the loader serves.
func (l *Loader[T]) PointKey() string { return l.p.key }

// DefaultName returns the point's declared default extension name.
func (l *Loader[T]) DefaultName() string { return l.p.defaultName }

// Names lists the registered extension names in sorted order.
func (l *Loader[T]) Names() []string { return l.p.names() }

// Has reports whether a named extension is registered.
func (l *Loader[T]) Has(name string) bool {
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	_, ok := l.p.named[name]
	return ok
}

// Get returns the named singleton, constructing it on first call.
// "true" and the empty name resolve to the default extension.
func (l *Loader[T]) Get(name string) (T, error) {
	var zero T
	inst, err := l.p.get(name)
	if err != nil {
		return zero, err
	}
	return inst.(T), nil
}

// GetDefault returns the default extension.
func (l *Loader[T]) GetDefault() (T, error) {
	return l.Get("")
}

// GetAdaptive returns the adaptive singleton for the point.
func (l *Loader[T]) GetAdaptive() (T, error) {
	var zero T
	inst, err := l.p.getAdaptive()
	if err != nil {
		return zero, err
	}
	return inst.(T), nil
}

// GetActivated returns the ordered activated extensions for the URL, with
// user-specified names read from the URL parameter key.
func (l *Loader[T]) GetActivated(u *common.URL, key, group string) ([]T, error) {
	raw, err := l.p.getActivated(u, key, group)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(raw))
	for i, v := range raw {
		out[i] = v.(T)
	}
	return out, nil
}

// RegisterNamed registers a named implementation factory for point T.
func RegisterNamed[T any](r *Registry, name string, factory func() T, opts ...Option) error {
	p, err := r.pointFor(typeOf[T]())
	if err != nil {
		return err
	}
	rec := &record{point: p, name: name, id: name, factory: func() any { return factory() }}
	for _, o := range opts {
		o(rec)
	}
	r.mu.Lock()
	r.identifiers[rec.id] = rec
	r.mu.Unlock()
	return p.addNamed(name, rec)
}

// MustRegisterNamed is RegisterNamed for init-time wiring.
func MustRegisterNamed[T any](r *Registry, name string, factory func() T, opts ...Option) {
	if err := RegisterNamed(r, name, factory, opts...); err != nil {
		panic(err)
	}
}

// RegisterWrapper registers a decorator applied to every named instance
// of point T. Wrappers form a set; composition order is unspecified.
func RegisterWrapper[T any](r *Registry, wrap func(T) T) error {
	p, err := r.pointFor(typeOf[T]())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wrappers = append(p.wrappers, func(inner any) any { return wrap(inner.(T)) })
	return nil
}

// MustRegisterWrapper is RegisterWrapper for init-time wiring.
func MustRegisterWrapper[T any](r *Registry, wrap func(T) T) {
	if err := RegisterWrapper(r, wrap); err != nil {
		panic(err)
	}
}

// RegisterAdaptive registers the adaptive implementation for point T.
// Only one adaptive is permitted per point.
func RegisterAdaptive[T any](r *Registry, factory func(*Loader[T]) T) error {
	p, err := r.pointFor(typeOf[T]())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.adaptive != nil {
		return fmt.Errorf("%w: point %q already has an adaptive implementation", ErrDuplicateExtension, p.key)
	}
	p.adaptive = func() any { return factory(&Loader[T]{p: p}) }
	return nil
}

// MustRegisterAdaptive is RegisterAdaptive for init-time wiring.
func MustRegisterAdaptive[T any](r *Registry, factory func(*Loader[T]) T) {
	if err := RegisterAdaptive(r, factory); err != nil {
		panic(err)
	}
}
