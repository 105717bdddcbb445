package registry

import (
	"sync"

	"nova-rpc/cluster"
	"nova-rpc/config"
	"nova-rpc/logger"
)

var listenerLog = logger.New("registry.configurator")

// configuratorListener binds to one rule key in the dynamic-
// configuration store and keeps a configurator list current. On bind it
// fetches the current raw rule; on pushes it replaces the list (ADDED/
// MODIFIED) or clears it (DELETED). A parse failure keeps the prior
// list and suppresses the fan-out.
type configuratorListener struct {
	mu            sync.Mutex
	key           string
	store         config.DynamicConfiguration
	configurators []cluster.Configurator

	// notifyOverrides fans the change out to the owning override
	// listeners.
	notifyOverrides func()
}

func newConfiguratorListener(store config.DynamicConfiguration, key string, notify func()) *configuratorListener {
	l := &configuratorListener{key: key, store: store, notifyOverrides: notify}
	if store == nil {
		return l
	}
	if err := store.AddListener(key, l); err != nil {
		listenerLog.Warnf("subscribe rule %s: %v", key, err)
		return l
	}
	if raw, err := store.GetRule(key, config.DefaultGroup); err == nil && raw != "" {
		l.parse(raw)
	}
	return l
}

func (l *configuratorListener) Process(e config.ChangeEvent) {
	listenerLog.Infof("override rule %s %s", e.Key, e.Type)
	if e.Type == config.EventDeleted {
		l.mu.Lock()
		l.configurators = nil
		l.mu.Unlock()
	} else if !l.parse(e.Value) {
		return
	}
	if l.notifyOverrides != nil {
		l.notifyOverrides()
	}
}

// parse replaces the configurator list from a raw payload, keeping the
// prior list on any parse failure.
func (l *configuratorListener) parse(raw string) bool {
	urls, err := config.ParseConfigurators(raw)
	if err != nil {
		listenerLog.Errorf("rule %s unparseable, keeping previous configurators: %v", l.key, err)
		return false
	}
	// A payload with no configurator URLs (empty, or a disabled rule)
	// leaves no rules in force.
	cfgs, _ := cluster.ToConfigurators(urls)
	l.mu.Lock()
	l.configurators = cfgs
	l.mu.Unlock()
	return true
}

// Configurators returns the current list.
func (l *configuratorListener) Configurators() []cluster.Configurator {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]cluster.Configurator, len(l.configurators))
	copy(out, l.configurators)
	return out
}

func (l *configuratorListener) unbind() {
	if l.store != nil {
		_ = l.store.RemoveListener(l.key, l)
	}
}
