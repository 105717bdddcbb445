package registry

import (
	"reflect"
	"sync"
	"sync/atomic"

	"nova-rpc/cluster"
	"nova-rpc/common"
	"nova-rpc/config"
	"nova-rpc/logger"
	"nova-rpc/rpc"
)

var dirLog = logger.New("registry.directory")

// RegistryDirectory is the dynamic directory backing every consumer
// invoker: it subscribes to the registry and keeps an invoker per live
// provider, refreshed on every notification. Notifications partition by
// category: provider URLs drive the invoker-set refresh, configurator
// URLs replace the configurator list, router URLs replace the dynamic
// routers.
type RegistryDirectory struct {
	serviceType reflect.Type
	consumerURL *common.URL
	registry    Registry
	protocol    rpc.Protocol
	chain       *cluster.RouterChain

	mu            sync.Mutex
	invokers      map[string]rpc.Invoker // merged provider URL -> invoker
	snapshot      atomic.Value           // []rpc.Invoker
	configurators []cluster.Configurator

	subscribed   atomic.Bool
	subscribeURL *common.URL
	forbidden    atomic.Bool
	destroyed    atomic.Bool
}

// NewRegistryDirectory builds a directory for one service key.
func NewRegistryDirectory(serviceType reflect.Type, consumerURL *common.URL, reg Registry, protocol rpc.Protocol) *RegistryDirectory {
	d := &RegistryDirectory{
		serviceType: serviceType,
		consumerURL: consumerURL,
		registry:    reg,
		protocol:    protocol,
		invokers:    make(map[string]rpc.Invoker),
	}
	d.snapshot.Store([]rpc.Invoker{})
	return d
}

// BuildRouterChain constructs the directory's router chain from the
// consumer URL, subscribing the fixed routers to their rule keys.
func (d *RegistryDirectory) BuildRouterChain(url *common.URL, store config.DynamicConfiguration) {
	d.chain = cluster.NewRouterChain(url, store)
}

// Subscribe attaches the directory to the registry. Idempotent.
func (d *RegistryDirectory) Subscribe(url *common.URL) error {
	if !d.subscribed.CompareAndSwap(false, true) {
		return nil
	}
	d.subscribeURL = url
	if err := d.registry.Subscribe(url, d); err != nil {
		d.subscribed.Store(false)
		return err
	}
	return nil
}

// Notify applies one registry snapshot. Notifications serialize through
// the directory lock; List always observes either the previous or the
// new invoker set in full.
func (d *RegistryDirectory) Notify(urls []*common.URL) {
	if d.destroyed.Load() {
		return
	}
	var providers, configurators, routers []*common.URL
	for _, u := range urls {
		switch category(u) {
		case common.ConfiguratorsCategory:
			configurators = append(configurators, u)
		case common.RoutersCategory:
			routers = append(routers, u)
		default:
			providers = append(providers, u)
		}
	}

	if len(configurators) > 0 {
		if cfgs, ok := cluster.ToConfigurators(configurators); ok {
			d.mu.Lock()
			d.configurators = cfgs
			d.mu.Unlock()
		}
	}
	if len(routers) > 0 && d.chain != nil {
		d.chain.SetDynamicRouters(routers)
	}
	if len(providers) > 0 {
		d.refreshInvokers(providers)
	}
}

func category(u *common.URL) string {
	switch u.Protocol {
	case common.OverrideProtocol:
		return common.ConfiguratorsCategory
	case "condition":
		return common.RoutersCategory
	}
	return u.Param(common.CategoryKey, common.ProvidersCategory)
}

// refreshInvokers materializes the provider snapshot into invokers.
// Unchanged provider URLs keep their invoker; stale invokers are
// destroyed after the new snapshot is published.
func (d *RegistryDirectory) refreshInvokers(providers []*common.URL) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(providers) == 1 && providers[0].Protocol == common.EmptyProtocol {
		d.forbidden.Store(true)
		d.swapAll(map[string]rpc.Invoker{}, nil)
		return
	}
	d.forbidden.Store(false)

	next := make(map[string]rpc.Invoker, len(providers))
	order := make([]string, 0, len(providers))
	for _, provider := range providers {
		merged := d.mergeProviderURL(provider)
		key := merged.String()
		if _, dup := next[key]; dup {
			continue
		}
		if existing, ok := d.invokers[key]; ok {
			next[key] = existing
			order = append(order, key)
			continue
		}
		invoker, err := d.protocol.Refer(d.serviceType, merged)
		if err != nil {
			dirLog.Errorf("refer %s: %v", merged, err)
			continue
		}
		next[key] = invoker
		order = append(order, key)
	}
	d.swapAll(next, order)
}

// swapAll publishes the new invoker map and destroys stale members.
// Callers hold d.mu.
func (d *RegistryDirectory) swapAll(next map[string]rpc.Invoker, order []string) {
	stale := make([]rpc.Invoker, 0)
	for key, invoker := range d.invokers {
		if _, keep := next[key]; !keep {
			stale = append(stale, invoker)
		}
	}
	list := make([]rpc.Invoker, 0, len(next))
	for _, key := range order {
		list = append(list, next[key])
	}
	d.invokers = next
	d.snapshot.Store(list)
	for _, invoker := range stale {
		invoker.Destroy()
	}
}

// mergeProviderURL folds the pushed configurators and the consumer's
// check parameter into a provider URL.
func (d *RegistryDirectory) mergeProviderURL(provider *common.URL) *common.URL {
	merged := cluster.ApplyConfigurators(d.configurators, provider)
	return merged.WithParam(common.CheckKey, d.consumerURL.Param(common.CheckKey, "false"))
}

// URL returns the consumer URL the directory was built for.
func (d *RegistryDirectory) URL() *common.URL { return d.consumerURL }

func (d *RegistryDirectory) ServiceType() reflect.Type { return d.serviceType }

// List returns the router-filtered view of the current snapshot.
func (d *RegistryDirectory) List(inv *rpc.Invocation) ([]rpc.Invoker, error) {
	if d.destroyed.Load() {
		return nil, rpc.NewError(rpc.KindForbidden, "directory for %s is destroyed", d.consumerURL.ServiceKey())
	}
	if d.forbidden.Load() {
		return nil, rpc.NewError(rpc.KindForbidden, "provider list for %s is empty (forbidden by registry)", d.consumerURL.ServiceKey())
	}
	list := d.snapshot.Load().([]rpc.Invoker)
	if d.chain != nil {
		list = d.chain.Route(list, d.consumerURL, inv)
	}
	return list, nil
}

// Invokers exposes the unrouted snapshot, for the suite and tooling.
func (d *RegistryDirectory) Invokers() []rpc.Invoker {
	return d.snapshot.Load().([]rpc.Invoker)
}

func (d *RegistryDirectory) IsAvailable() bool {
	if d.destroyed.Load() || d.forbidden.Load() {
		return false
	}
	for _, invoker := range d.snapshot.Load().([]rpc.Invoker) {
		if invoker.IsAvailable() {
			return true
		}
	}
	return false
}

// Destroy cancels the subscription and destroys every member invoker.
func (d *RegistryDirectory) Destroy() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	if d.subscribed.Load() && d.subscribeURL != nil {
		if err := d.registry.Unsubscribe(d.subscribeURL, d); err != nil {
			dirLog.Warnf("unsubscribe %s: %v", d.subscribeURL, err)
		}
	}
	d.mu.Lock()
	d.swapAll(map[string]rpc.Invoker{}, nil)
	d.mu.Unlock()
	if d.chain != nil {
		d.chain.Destroy()
	}
}

var _ cluster.Directory = (*RegistryDirectory)(nil)
var _ NotifyListener = (*RegistryDirectory)(nil)
