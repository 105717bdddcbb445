package registry

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"nova-rpc/cluster"
	"nova-rpc/common"
	"nova-rpc/config"
	"nova-rpc/extension"
	"nova-rpc/logger"
	"nova-rpc/rpc"
)

// DefaultRegistry is the backend used when the registry parameter is
// absent.
const DefaultRegistry = "dubbo"

// DefaultPort is the port the registry protocol advertises.
const DefaultPort = 9090

// DefaultShutdownWaitMS is the grace period between unexport and the
// destroy of the local endpoint, so consumers can drain.
const DefaultShutdownWaitMS = 10000

// registeredProviderKeys is the parameter allowlist projected onto the
// URL registered for a provider when the registry runs simplified.
var registeredProviderKeys = []string{
	common.ApplicationKey, common.ClusterKey, common.GroupKey,
	common.LoadBalanceKey, common.MockKey, common.PathKey,
	common.TimeoutKey, common.VersionKey,
	common.MethodsKey, "release", "timestamp",
}

// registeredConsumerKeys is the simplified allowlist for consumer URLs.
var registeredConsumerKeys = []string{
	common.ApplicationKey, common.VersionKey, common.GroupKey, "release",
}

func init() {
	extension.MustRegisterNamed(extension.Default(), common.RegistryProtocolName,
		func() rpc.Protocol { return NewRegistryProtocol() })
}

// RegistryProtocol is the composite protocol: on export it exports
// locally through the adaptive protocol, registers the provider URL and
// subscribes to override rules; on refer it builds a registry-backed
// directory and joins it through a cluster.
type RegistryProtocol struct {
	log interface {
		Infof(string, ...any)
		Warnf(string, ...any)
	}

	cluster         cluster.Cluster
	protocol        rpc.Protocol
	registryFactory RegistryFactory
	proxyFactory    rpc.ProxyFactory
	dynCfg          config.DynamicConfiguration

	// bounds holds one local export slot per cache key.
	bounds   sync.Map // cache key -> *exporterWrapper
	exportMu sync.Mutex

	overrideListeners      sync.Map // override subscribe URL -> *overrideListener
	serviceConfigListeners sync.Map // service key -> *configuratorListener
	providerCfgOnce        sync.Once
	providerCfgListener    *configuratorListener
}

// NewRegistryProtocol builds a registry protocol. When constructed by
// the extension registry its collaborators arrive by injection; direct
// constructions resolve them lazily from the default registry.
func NewRegistryProtocol() *RegistryProtocol {
	return &RegistryProtocol{log: logger.New("registry.protocol")}
}

// SetCluster receives the adaptive cluster.
func (p *RegistryProtocol) SetCluster(c cluster.Cluster) { p.cluster = c }

// SetProtocol receives the adaptive protocol used for local exports.
func (p *RegistryProtocol) SetProtocol(proto rpc.Protocol) { p.protocol = proto }

// SetRegistryFactory receives the adaptive registry factory.
func (p *RegistryProtocol) SetRegistryFactory(f RegistryFactory) { p.registryFactory = f }

// SetProxyFactory receives the adaptive proxy factory.
func (p *RegistryProtocol) SetProxyFactory(f rpc.ProxyFactory) { p.proxyFactory = f }

// SetDynamicConfiguration wires the dynamic-configuration store the
// override and router listeners bind to. Explicit wiring, not injected.
func (p *RegistryProtocol) SetDynamicConfiguration(store config.DynamicConfiguration) {
	p.dynCfg = store
}

func (p *RegistryProtocol) DefaultPort() int { return DefaultPort }

func (p *RegistryProtocol) adaptiveProtocol() (rpc.Protocol, error) {
	if p.protocol != nil {
		return p.protocol, nil
	}
	l, err := extension.LoaderFor[rpc.Protocol](extension.Default())
	if err != nil {
		return nil, err
	}
	return l.GetAdaptive()
}

func (p *RegistryProtocol) adaptiveCluster() (cluster.Cluster, error) {
	if p.cluster != nil {
		return p.cluster, nil
	}
	l, err := extension.LoaderFor[cluster.Cluster](extension.Default())
	if err != nil {
		return nil, err
	}
	return l.GetAdaptive()
}

func (p *RegistryProtocol) factory() (RegistryFactory, error) {
	if p.registryFactory != nil {
		return p.registryFactory, nil
	}
	l, err := extension.LoaderFor[RegistryFactory](extension.Default())
	if err != nil {
		return nil, err
	}
	return l.GetAdaptive()
}

func (p *RegistryProtocol) proxies() (rpc.ProxyFactory, error) {
	if p.proxyFactory != nil {
		return p.proxyFactory, nil
	}
	l, err := extension.LoaderFor[rpc.ProxyFactory](extension.Default())
	if err != nil {
		return nil, err
	}
	return l.GetAdaptive()
}

// registryURL rewrites the invoker URL to address the backend named by
// the registry parameter.
func registryURL(u *common.URL) *common.URL {
	if u.Protocol == common.RegistryProtocolName {
		backend := u.Param(common.RegistryKey, DefaultRegistry)
		u = u.WithProtocol(backend).WithoutParams(common.RegistryKey)
	}
	return u
}

// providerURL decodes the URL exported locally from the export
// parameter.
func providerURL(origin rpc.Invoker) (*common.URL, error) {
	raw := origin.URL().Param(common.ExportKey, "")
	if raw == "" {
		return nil, fmt.Errorf("%w: %s", ErrExportMissing, origin.URL())
	}
	return common.Parse(raw)
}

// subscribedOverrideURL is the provider URL rewritten for the override
// subscription.
func subscribedOverrideURL(providerUrl *common.URL) *common.URL {
	return providerUrl.WithProtocol(common.ProviderProtocol).WithParams(map[string]string{
		common.CategoryKey: common.ConfiguratorsCategory,
		common.CheckKey:    "false",
	})
}

// Export implements the provider-side pipeline: merge configurators,
// export locally once per cache key, register, subscribe overrides.
func (p *RegistryProtocol) Export(originInvoker rpc.Invoker) (rpc.Exporter, error) {
	regURL := registryURL(originInvoker.URL())
	providerUrl, err := providerURL(originInvoker)
	if err != nil {
		return nil, err
	}
	cacheKey := providerUrl.CacheKey()

	overrideSubscribeUrl := subscribedOverrideURL(providerUrl)
	listener := &overrideListener{subscribeURL: overrideSubscribeUrl, origin: originInvoker, protocol: p}
	p.overrideListeners.Store(overrideSubscribeUrl.String(), listener)

	providerUrl = p.overrideWithConfig(regURL, providerUrl, listener)

	wrapper, err := p.doLocalExport(originInvoker, providerUrl, cacheKey)
	if err != nil {
		return nil, err
	}
	wrapper.registryURL = regURL

	factory, err := p.factory()
	if err != nil {
		return nil, err
	}
	reg, err := factory.GetRegistry(regURL)
	if err != nil {
		return nil, err
	}
	wrapper.registry = reg

	registeredUrl := registeredProviderURL(providerUrl, regURL)
	if regURL.ParamBool(common.RegisterKey, true) && providerUrl.ParamBool(common.RegisterKey, true) {
		if err := reg.Register(registeredUrl); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRegistrationFailed, registeredUrl, err)
		}
		wrapper.registered = true
	}
	wrapper.registerURL = registeredUrl

	if err := reg.Subscribe(overrideSubscribeUrl, listener); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscriptionFailed, overrideSubscribeUrl, err)
	}
	wrapper.subscribeURL = overrideSubscribeUrl

	p.log.Infof("exported %s via registry %s", providerUrl.ServiceKey(), regURL.Address())
	return wrapper, nil
}

// overrideWithConfig folds the application-scoped and service-scoped
// configurators into the provider URL. The application-scope listener is
// built once, on the first export; a new service-scope listener is built
// on every call and stored under the service key.
func (p *RegistryProtocol) overrideWithConfig(regURL, providerUrl *common.URL, listener *overrideListener) *common.URL {
	app := regURL.Param(common.ApplicationKey, providerUrl.Param(common.ApplicationKey, ""))
	p.providerCfgOnce.Do(func() {
		p.providerCfgListener = newConfiguratorListener(p.dynCfg, app+config.ConfiguratorsSuffix, p.notifyAllOverrides)
	})
	providerUrl = cluster.ApplyConfigurators(p.providerCfgListener.Configurators(), providerUrl)

	svcListener := newConfiguratorListener(p.dynCfg,
		config.RuleKey(providerUrl)+config.ConfiguratorsSuffix,
		listener.doOverrideIfNecessary)
	p.serviceConfigListeners.Store(providerUrl.ServiceKey(), svcListener)
	return cluster.ApplyConfigurators(svcListener.Configurators(), providerUrl)
}

// notifyAllOverrides fans an application-scope rule change out to every
// live export.
func (p *RegistryProtocol) notifyAllOverrides() {
	p.overrideListeners.Range(func(_, v any) bool {
		v.(*overrideListener).doOverrideIfNecessary()
		return true
	})
}

// doLocalExport delegates to the adaptive protocol, at most once per
// cache key. The returned wrapper keeps the handle stable across
// reexports.
func (p *RegistryProtocol) doLocalExport(origin rpc.Invoker, providerUrl *common.URL, cacheKey string) (*exporterWrapper, error) {
	p.exportMu.Lock()
	defer p.exportMu.Unlock()
	if existing, ok := p.bounds.Load(cacheKey); ok {
		return existing.(*exporterWrapper), nil
	}
	proto, err := p.adaptiveProtocol()
	if err != nil {
		return nil, err
	}
	inner, err := proto.Export(&invokerDelegate{Invoker: origin, url: providerUrl})
	if err != nil {
		return nil, err
	}
	w := &exporterWrapper{
		protocol:   p,
		origin:     origin,
		exporter:   inner,
		currentURL: providerUrl,
		cacheKey:   cacheKey,
	}
	p.bounds.Store(cacheKey, w)
	return w, nil
}

// reExport swaps the local export for a reconfigured URL and keeps the
// registry registration in step. The old endpoint drains through the
// shutdown grace period before it is destroyed.
func (p *RegistryProtocol) reExport(origin rpc.Invoker, newUrl *common.URL, cacheKey string) {
	w, ok := p.bounds.Load(cacheKey)
	if !ok {
		p.log.Warnf("reexport of %s found no local export", cacheKey)
		return
	}
	wrapper := w.(*exporterWrapper)

	proto, err := p.adaptiveProtocol()
	if err != nil {
		p.log.Warnf("reexport %s: %v", newUrl, err)
		return
	}
	inner, err := proto.Export(&invokerDelegate{Invoker: origin, url: newUrl})
	if err != nil {
		p.log.Warnf("reexport %s: %v", newUrl, err)
		return
	}
	old := wrapper.swap(inner, newUrl)
	if old != nil {
		wait := shutdownWait(newUrl)
		go func() {
			time.Sleep(wait)
			old.Unexport()
		}()
	}

	newRegistered := registeredProviderURL(newUrl, wrapper.registryURL)
	if wrapper.registered && !newRegistered.Equal(wrapper.registerURL) {
		if err := wrapper.registry.Unregister(wrapper.registerURL); err != nil {
			p.log.Warnf("unregister %s: %v", wrapper.registerURL, err)
		}
		if err := wrapper.registry.Register(newRegistered); err != nil {
			p.log.Warnf("register %s: %v", newRegistered, err)
		}
		wrapper.registerURL = newRegistered
	}
	p.log.Infof("reexported %s", newUrl)
}

// registeredProviderURL filters the provider URL down to what the
// registry should see. Hidden (dot-prefixed) parameters and the weight
// (a runtime tuning knob pushed to consumers through configurators, not
// through registration) always drop; simplified registries get only the
// allowlist plus extra-keys.
func registeredProviderURL(providerUrl, regURL *common.URL) *common.URL {
	if !regURL.ParamBool(common.SimplifiedKey, false) {
		hidden := []string{common.WeightKey}
		for _, k := range providerUrl.ParamKeys() {
			if strings.HasPrefix(k, common.HideKeyPrefix) {
				hidden = append(hidden, k)
			}
		}
		return providerUrl.WithoutParams(hidden...)
	}
	keys := append([]string(nil), registeredProviderKeys...)
	if extra := regURL.Param(common.ExtraKeysKey, ""); extra != "" {
		keys = append(keys, strings.Split(extra, common.CommaSeparator)...)
	}
	if providerUrl.Path != providerUrl.Param(common.InterfaceKey, providerUrl.Path) {
		keys = append(keys, common.InterfaceKey)
	}
	return providerUrl.Select(keys...)
}

// registeredConsumerURL derives the URL registered for a consumer.
func registeredConsumerURL(consumerUrl, regURL *common.URL) *common.URL {
	category := map[string]string{
		common.CategoryKey: common.ConsumersCategory,
		common.CheckKey:    "false",
	}
	if !regURL.ParamBool(common.SimplifiedKey, false) {
		return consumerUrl.WithParams(category)
	}
	return consumerUrl.Select(registeredConsumerKeys...).WithParams(category)
}

// Refer implements the consumer-side pipeline: resolve the backend,
// build a subscribed directory and join it through the cluster chosen
// by the refer parameters.
func (p *RegistryProtocol) Refer(typ reflect.Type, url *common.URL) (rpc.Invoker, error) {
	regURL := url.WithProtocol(url.Param(common.RegistryKey, DefaultRegistry)).
		WithoutParams(common.RegistryKey)

	factory, err := p.factory()
	if err != nil {
		return nil, err
	}
	reg, err := factory.GetRegistry(regURL)
	if err != nil {
		return nil, err
	}

	if typ == registryServiceType {
		pf, err := p.proxies()
		if err != nil {
			return nil, err
		}
		return pf.GetInvoker(reg, regURL)
	}

	referParams := map[string]string{}
	if raw := url.Param(common.ReferKey, ""); raw != "" {
		if referParams, err = common.ParseQuery(raw); err != nil {
			return nil, fmt.Errorf("bad refer parameter: %w", err)
		}
	}

	var joiner cluster.Cluster
	group := referParams[common.GroupKey]
	if group == common.AnyValue || strings.Contains(group, common.CommaSeparator) {
		l, err := extension.LoaderFor[cluster.Cluster](extension.Default())
		if err != nil {
			return nil, err
		}
		if joiner, err = l.Get(cluster.MergeableName); err != nil {
			return nil, err
		}
	} else if joiner, err = p.adaptiveCluster(); err != nil {
		return nil, err
	}
	return p.doRefer(joiner, reg, typ, regURL, referParams)
}

func (p *RegistryProtocol) doRefer(joiner cluster.Cluster, reg Registry, typ reflect.Type, regURL *common.URL, referParams map[string]string) (rpc.Invoker, error) {
	iface := referParams[common.InterfaceKey]
	if iface == "" {
		iface = regURL.ServiceInterface()
	}
	host := referParams["register.ip"]
	if host == "" {
		host = common.AnyHostValue
	}
	params := map[string]string{common.SideKey: common.ConsumerSide}
	for k, v := range referParams {
		params[k] = v
	}
	consumerURL := common.New(common.ConsumerProtocol, host, 0, iface, params)

	proto, err := p.adaptiveProtocol()
	if err != nil {
		return nil, err
	}
	directory := NewRegistryDirectory(typ, consumerURL, reg, proto)
	directory.BuildRouterChain(consumerURL, p.dynCfg)

	if iface != common.AnyValue && consumerURL.ParamBool(common.RegisterKey, true) {
		if err := reg.Register(registeredConsumerURL(consumerURL, regURL)); err != nil {
			return nil, fmt.Errorf("%w: consumer %s: %v", ErrRegistrationFailed, consumerURL, err)
		}
	}

	subscribeURL := consumerURL.WithParam(common.CategoryKey, strings.Join([]string{
		common.ProvidersCategory, common.ConfiguratorsCategory, common.RoutersCategory,
	}, common.CommaSeparator))
	if err := directory.Subscribe(subscribeURL); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSubscriptionFailed, subscribeURL, err)
	}

	return joiner.Join(directory)
}

var registryServiceType = reflect.TypeOf((*Registry)(nil)).Elem()

// Destroy unexports every local endpoint and unbinds the configuration
// listeners.
func (p *RegistryProtocol) Destroy() {
	var wrappers []*exporterWrapper
	p.bounds.Range(func(_, v any) bool {
		wrappers = append(wrappers, v.(*exporterWrapper))
		return true
	})
	for _, w := range wrappers {
		w.Unexport()
	}
	if p.providerCfgListener != nil {
		p.providerCfgListener.unbind()
	}
	p.serviceConfigListeners.Range(func(k, v any) bool {
		v.(*configuratorListener).unbind()
		p.serviceConfigListeners.Delete(k)
		return true
	})
}

func shutdownWait(u *common.URL) time.Duration {
	return time.Duration(u.ParamInt(common.ShutdownWaitKey, DefaultShutdownWaitMS)) * time.Millisecond
}

// invokerDelegate re-advertises an invoker under the provider URL while
// delegating every call to the original.
type invokerDelegate struct {
	rpc.Invoker
	url *common.URL
}

func (d *invokerDelegate) URL() *common.URL { return d.url }

// Destroy is a no-op: the origin invoker outlives any single local
// export (reexport swaps exporters while the origin stays live), so its
// teardown belongs to whoever exported it.
func (d *invokerDelegate) Destroy() {}

var _ rpc.Protocol = (*RegistryProtocol)(nil)
