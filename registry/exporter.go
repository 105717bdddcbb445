package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"nova-rpc/cluster"
	"nova-rpc/common"
	"nova-rpc/config"
	"nova-rpc/rpc"
)

// overrideListener keeps one export's effective URL in step with pushed
// override rules. All of its mutations serialize on one mutex, so
// concurrent registry pushes and configuration-store pushes cannot
// interleave a reexport.
type overrideListener struct {
	mu           sync.Mutex
	subscribeURL *common.URL
	origin       rpc.Invoker
	protocol     *RegistryProtocol

	configurators []cluster.Configurator
}

// Notify receives configurator URLs pushed by the registry.
func (l *overrideListener) Notify(urls []*common.URL) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []*common.URL
	for _, u := range urls {
		if u.Protocol == common.OverrideProtocol ||
			u.Param(common.CategoryKey, "") == common.ConfiguratorsCategory ||
			u.Protocol == common.EmptyProtocol {
			matched = append(matched, u)
		}
	}
	if len(matched) == 0 {
		return
	}
	if cfgs, ok := cluster.ToConfigurators(matched); ok {
		l.configurators = cfgs
	}
	l.doOverrideLocked()
}

// doOverrideIfNecessary recomputes the effective URL from all three
// configurator sources and reexports when it changed.
func (l *overrideListener) doOverrideIfNecessary() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doOverrideLocked()
}

func (l *overrideListener) doOverrideLocked() {
	p := l.protocol
	originUrl, err := providerURL(l.origin)
	if err != nil {
		p.log.Warnf("override: %v", err)
		return
	}
	cacheKey := originUrl.CacheKey()
	w, ok := p.bounds.Load(cacheKey)
	if !ok {
		p.log.Warnf("override for %s found no local export", cacheKey)
		return
	}
	wrapper := w.(*exporterWrapper)
	currentUrl := wrapper.current()

	// listener first, then application scope, then service scope.
	newUrl := cluster.ApplyConfigurators(l.configurators, originUrl)
	if p.providerCfgListener != nil {
		newUrl = cluster.ApplyConfigurators(p.providerCfgListener.Configurators(), newUrl)
	}
	if sl, ok := p.serviceConfigListeners.Load(originUrl.ServiceKey()); ok {
		newUrl = cluster.ApplyConfigurators(sl.(*configuratorListener).Configurators(), newUrl)
	}

	if !currentUrl.Equal(newUrl) {
		p.reExport(l.origin, newUrl, cacheKey)
	}
}

// exporterWrapper is the mutable exporter container behind every local
// export slot: reexports swap the underlying exporter without changing
// the handle returned to the caller.
type exporterWrapper struct {
	protocol *RegistryProtocol
	origin   rpc.Invoker
	cacheKey string

	mu         sync.Mutex
	exporter   rpc.Exporter
	currentURL *common.URL

	registryURL  *common.URL
	registry     Registry
	registerURL  *common.URL
	subscribeURL *common.URL
	registered   bool

	unexported atomic.Bool
}

func (w *exporterWrapper) Invoker() rpc.Invoker {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exporter.Invoker()
}

func (w *exporterWrapper) current() *common.URL {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentURL
}

// swap installs a new underlying exporter and returns the previous one.
func (w *exporterWrapper) swap(next rpc.Exporter, url *common.URL) rpc.Exporter {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.exporter
	w.exporter = next
	w.currentURL = url
	return old
}

// Unexport detaches the endpoint from every side channel, then destroys
// the local exporter after the shutdown grace period. Idempotent; the
// delayed destroy runs on its own goroutine so the caller never blocks.
func (w *exporterWrapper) Unexport() {
	if !w.unexported.CompareAndSwap(false, true) {
		return
	}
	p := w.protocol
	p.bounds.Delete(w.cacheKey)

	if w.registered && w.registry != nil {
		if err := w.registry.Unregister(w.registerURL); err != nil {
			p.log.Warnf("unregister %s: %v", w.registerURL, err)
		}
	}
	if w.subscribeURL != nil {
		if l, ok := p.overrideListeners.LoadAndDelete(w.subscribeURL.String()); ok && w.registry != nil {
			if err := w.registry.Unsubscribe(w.subscribeURL, l.(*overrideListener)); err != nil {
				p.log.Warnf("unsubscribe %s: %v", w.subscribeURL, err)
			}
		}
	}
	w.mu.Lock()
	exporter := w.exporter
	currentUrl := w.currentURL
	w.mu.Unlock()

	if sl, ok := p.serviceConfigListeners.LoadAndDelete(currentUrl.ServiceKey()); ok {
		sl.(*configuratorListener).unbind()
	}

	wait := shutdownWait(currentUrl)
	go func() {
		time.Sleep(wait)
		exporter.Unexport()
	}()
}

var _ rpc.Exporter = (*exporterWrapper)(nil)
var _ config.Listener = (*configuratorListener)(nil)
