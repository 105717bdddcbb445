package extension

import (
	"reflect"
	"strings"
)

// inject satisfies an instance's capability dependencies. Every exported
// Set* method taking exactly one parameter whose type is a declared
// capability interface receives that point's adaptive instance. Setters
// named in disabled, and setters with non-capability parameters, are
// left alone.
func (r *Registry) inject(inst any, disabled map[string]bool) {
	v := reflect.ValueOf(inst)
	if !v.IsValid() {
		return
	}
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !strings.HasPrefix(m.Name, "Set") || len(m.Name) == len("Set") {
			continue
		}
		if disabled[m.Name] {
			continue
		}
		// Method expression type includes the receiver: one real parameter.
		if m.Type.NumIn() != 2 {
			continue
		}
		param := m.Type.In(1)
		if param.Kind() != reflect.Interface {
			continue
		}
		r.mu.Lock()
		p, ok := r.points[param]
		r.mu.Unlock()
		if !ok {
			continue
		}
		dep, err := p.getAdaptive()
		if err != nil {
			log.Debugf("skip injecting %s.%s: %v", t, m.Name, err)
			continue
		}
		v.Method(i).Call([]reflect.Value{reflect.ValueOf(dep)})
	}
}
