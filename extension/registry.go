// Package extension implements the process-wide, type-indexed directory of
// capability implementations.
//
// A capability (extension point) is an interface declared with
// RegisterPoint. Implementations attach to it three ways:
//
//   - named implementations (RegisterNamed) — lazy singletons looked up
//     by name;
//   - wrappers (RegisterWrapper) — decorators applied to every named
//     instance, each receiving the previous instance;
//   - one adaptive implementation (RegisterAdaptive) — the per-call
//     dispatcher that picks a named implementation from URL parameters.
//
// Construction injects dependencies: every Set* method whose single
// parameter is another declared capability receives that point's adaptive
// instance. The registry owns all singletons it hands out; Destroy drops
// the caches.
package extension

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"nova-rpc/common"
	"nova-rpc/logger"
)

var log = logger.New("extension")

// Registry is the process-wide extension directory. Create one at startup
// (or use Default) and pass it by reference; teardown is Destroy.
type Registry struct {
	mu          sync.Mutex
	points      map[reflect.Type]*point
	pointsByKey map[string]*point
	identifiers map[string]*record
}

// NewRegistry creates an empty extension registry.
func NewRegistry() *Registry {
	return &Registry{
		points:      make(map[reflect.Type]*point),
		pointsByKey: make(map[string]*point),
		identifiers: make(map[string]*record),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the registry that package-level init registration
// targets. Embedding applications normally use only this one.
func Default() *Registry { return defaultRegistry }

// point holds everything the registry knows about one capability type.
type point struct {
	reg         *Registry
	key         string // capability name, e.g. "protocol"
	typ         reflect.Type
	defaultName string
	noInject    bool

	mu        sync.Mutex
	named     map[string]*record
	wrappers  []func(any) any
	adaptive  func() any
	instances map[string]*instanceHolder
	adaptInst *instanceHolder
}

// instanceHolder serializes the construction of one singleton without
// blocking the rest of the point: injection during construction may
// reach back into the same point for its adaptive instance.
type instanceHolder struct {
	mu    sync.Mutex
	built bool
	inst  any
}

// record is one named implementation and its activation descriptor.
type record struct {
	point          *point
	name           string
	id             string
	factory        func() any
	order          int
	activate       bool
	groups         []string
	values         []string
	injectDisabled map[string]bool
}

// Option tunes a named registration.
type Option func(*record)

// WithActivation marks the implementation as conditionally activated for
// the given groups and URL parameter values.
func WithActivation(groups []string, values []string) Option {
	return func(r *record) {
		r.activate = true
		r.groups = groups
		r.values = values
	}
}

// WithOrder sets the activation sort order (lower first).
func WithOrder(n int) Option {
	return func(r *record) { r.order = n }
}

// WithInjectDisabled excludes the named setters from dependency injection.
func WithInjectDisabled(setters ...string) Option {
	return func(r *record) {
		if r.injectDisabled == nil {
			r.injectDisabled = make(map[string]bool, len(setters))
		}
		for _, s := range setters {
			r.injectDisabled[s] = true
		}
	}
}

// WithIdentifier records a stable identifier the manifest files can bind
// alternative names to.
func WithIdentifier(id string) Option {
	return func(r *record) { r.id = id }
}

func (r *Registry) pointFor(typ reflect.Type) (*point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.points[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAnExtensionPoint, typ)
	}
	return p, nil
}

func (r *Registry) registerPoint(typ reflect.Type, key, defaultName string, noInject bool) *point {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.points[typ]; ok {
		return p
	}
	p := &point{
		reg:         r,
		key:         key,
		typ:         typ,
		defaultName: defaultName,
		noInject:    noInject,
		named:       make(map[string]*record),
		instances:   make(map[string]*instanceHolder),
		adaptInst:   &instanceHolder{},
	}
	r.points[typ] = p
	r.pointsByKey[key] = p
	return p
}

// Destroy drops every cached singleton and point. Extensions holding
// external resources are expected to be torn down by their owners first.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = make(map[reflect.Type]*point)
	r.pointsByKey = make(map[string]*point)
	r.identifiers = make(map[string]*record)
}

func (p *point) addNamed(name string, rec *record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.named[name]; ok && prev.id != rec.id {
		return fmt.Errorf("%w: %q bound to both %q and %q", ErrDuplicateExtension, name, prev.id, rec.id)
	}
	p.named[name] = rec
	return nil
}

// get resolves the named singleton, constructing, injecting and wrapping
// it on first use. Construction serializes on a per-name holder, so
// repeated lookups observe exactly one instance while injection stays
// free to reach back into the point.
func (p *point) get(name string) (any, error) {
	if name == "" || name == "true" {
		name = p.defaultName
	}
	if name == "" {
		return nil, fmt.Errorf("%w: point %q has no default", ErrNoSuchExtension, p.key)
	}
	p.mu.Lock()
	rec, ok := p.named[name]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %q for point %q", ErrNoSuchExtension, name, p.key)
	}
	holder, ok := p.instances[name]
	if !ok {
		holder = &instanceHolder{}
		p.instances[name] = holder
	}
	wrappers := append([]func(any) any(nil), p.wrappers...)
	p.mu.Unlock()

	holder.mu.Lock()
	defer holder.mu.Unlock()
	if holder.built {
		return holder.inst, nil
	}
	inst := rec.factory()
	if !p.noInject {
		p.reg.inject(inst, rec.injectDisabled)
	}
	for _, wrap := range wrappers {
		inst = wrap(inst)
		if !p.noInject {
			p.reg.inject(inst, nil)
		}
	}
	holder.inst = inst
	holder.built = true
	return inst, nil
}

// getAdaptive resolves the adaptive singleton for the point.
func (p *point) getAdaptive() (any, error) {
	p.mu.Lock()
	factory := p.adaptive
	holder := p.adaptInst
	p.mu.Unlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: point %q", ErrNoAdaptiveMethod, p.key)
	}
	holder.mu.Lock()
	defer holder.mu.Unlock()
	if holder.built {
		return holder.inst, nil
	}
	inst := factory()
	if !p.noInject {
		p.reg.inject(inst, nil)
	}
	holder.inst = inst
	holder.built = true
	return inst, nil
}

func (p *point) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.named))
	for n := range p.named {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// getActivated returns the ordered activated extensions for the URL.
// User-specified names from the URL parameter key may remove entries
// ("-name"), suppress the whole auto block ("-default") and position it
// (literal "default").
func (p *point) getActivated(u *common.URL, key, group string) ([]any, error) {
	var userNames []string
	if key != "" && u != nil {
		for _, n := range strings.Split(u.Param(key, ""), common.CommaSeparator) {
			if n = strings.TrimSpace(n); n != "" {
				userNames = append(userNames, n)
			}
		}
	}
	removed := make(map[string]bool)
	for _, n := range userNames {
		if strings.HasPrefix(n, "-") {
			removed[strings.TrimPrefix(n, "-")] = true
		}
	}

	var auto []*record
	if !removed["default"] {
		p.mu.Lock()
		for _, rec := range p.named {
			if !rec.activate || removed[rec.name] {
				continue
			}
			if containsName(userNames, rec.name) {
				continue // user positioned it explicitly
			}
			if rec.matchGroup(group) && rec.matchValue(u) {
				auto = append(auto, rec)
			}
		}
		p.mu.Unlock()
		sort.SliceStable(auto, func(i, j int) bool {
			if auto[i].order != auto[j].order {
				return auto[i].order < auto[j].order
			}
			return auto[i].name < auto[j].name
		})
	}

	appendAuto := func(out []any) ([]any, error) {
		for _, rec := range auto {
			inst, err := p.get(rec.name)
			if err != nil {
				return nil, err
			}
			out = append(out, inst)
		}
		return out, nil
	}

	var out []any
	var err error
	spliced := false
	for _, n := range userNames {
		if strings.HasPrefix(n, "-") {
			continue
		}
		if n == "default" {
			if out, err = appendAuto(out); err != nil {
				return nil, err
			}
			spliced = true
			continue
		}
		inst, err := p.get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if !spliced {
		// No explicit splice point: the auto-activated block leads.
		head := make([]any, 0, len(auto)+len(out))
		head, err = appendAuto(head)
		if err != nil {
			return nil, err
		}
		out = append(head, out...)
	}
	return out, nil
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func (r *record) matchGroup(group string) bool {
	if len(r.groups) == 0 {
		return true
	}
	for _, g := range r.groups {
		if g == group {
			return true
		}
	}
	return false
}

// matchValue reports whether the URL carries a non-empty parameter whose
// key equals one of the descriptor values or ends with ".<value>".
func (r *record) matchValue(u *common.URL) bool {
	if len(r.values) == 0 {
		return true
	}
	if u == nil {
		return false
	}
	for _, v := range r.values {
		for _, k := range u.ParamKeys() {
			if (k == v || strings.HasSuffix(k, "."+v)) && u.Param(k, "") != "" {
				return true
			}
		}
	}
	return false
}
