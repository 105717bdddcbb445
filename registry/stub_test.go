package registry

import (
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"nova-rpc/common"
	"nova-rpc/extension"
	"nova-rpc/protocol/injvm"
	"nova-rpc/rpc"
)

// stubRegistry records registry traffic and lets tests push snapshots.
type stubRegistry struct {
	mu           sync.Mutex
	url          *common.URL
	registered   []*common.URL
	unregistered []*common.URL
	subs         map[string][]NotifyListener
	unsubscribes int
}

func newStubRegistry(url *common.URL) *stubRegistry {
	return &stubRegistry{url: url, subs: make(map[string][]NotifyListener)}
}

func (r *stubRegistry) URL() *common.URL { return r.url }

func (r *stubRegistry) Register(u *common.URL) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, u)
	return nil
}

func (r *stubRegistry) Unregister(u *common.URL) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, u)
	return nil
}

func (r *stubRegistry) Subscribe(u *common.URL, l NotifyListener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := u.String()
	r.subs[key] = append(r.subs[key], l)
	return nil
}

func (r *stubRegistry) Unsubscribe(u *common.URL, l NotifyListener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := u.String()
	ls := r.subs[key]
	for i, existing := range ls {
		if existing == l {
			r.subs[key] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	r.unsubscribes++
	return nil
}

func (r *stubRegistry) Lookup(*common.URL) ([]*common.URL, error) { return nil, nil }
func (r *stubRegistry) IsAvailable() bool                         { return true }
func (r *stubRegistry) Destroy()                                  {}

// pushAll delivers a snapshot to every subscribed listener; each
// listener filters for its own categories.
func (r *stubRegistry) pushAll(urls []*common.URL) {
	r.mu.Lock()
	var ls []NotifyListener
	for _, subscribers := range r.subs {
		ls = append(ls, subscribers...)
	}
	r.mu.Unlock()
	for _, l := range ls {
		l.Notify(urls)
	}
}

func (r *stubRegistry) registerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered)
}

func (r *stubRegistry) unregisterCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unregistered)
}

func (r *stubRegistry) lastRegistered() *common.URL {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.registered) == 0 {
		return nil
	}
	return r.registered[len(r.registered)-1]
}

// stubRegistryFactory hands out one stub per registry address.
type stubRegistryFactory struct {
	mu         sync.Mutex
	registries map[string]*stubRegistry
}

var stubFactory = &stubRegistryFactory{registries: make(map[string]*stubRegistry)}

func (f *stubRegistryFactory) GetRegistry(u *common.URL) (Registry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.registries[u.Address()]; ok {
		return r, nil
	}
	r := newStubRegistry(u)
	f.registries[u.Address()] = r
	return r, nil
}

func (f *stubRegistryFactory) registryAt(address string) *stubRegistry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registries[address]
}

// countingProtocol wraps the in-process protocol to count the traffic
// the registry protocol drives through it.
type countingProtocol struct {
	inner    *injvm.Protocol
	exports  int32
	refers   int32
	destroys int32
}

var testProto = &countingProtocol{inner: injvm.NewProtocol()}

func (c *countingProtocol) DefaultPort() int { return c.inner.DefaultPort() }

func (c *countingProtocol) Export(invoker rpc.Invoker) (rpc.Exporter, error) {
	atomic.AddInt32(&c.exports, 1)
	return c.inner.Export(invoker)
}

func (c *countingProtocol) Refer(typ reflect.Type, url *common.URL) (rpc.Invoker, error) {
	atomic.AddInt32(&c.refers, 1)
	invoker, err := c.inner.Refer(typ, url)
	if err != nil {
		return nil, err
	}
	return &countingInvoker{Invoker: invoker, proto: c}, nil
}

func (c *countingProtocol) Destroy() { c.inner.Destroy() }

func (c *countingProtocol) exportCount() int32 { return atomic.LoadInt32(&c.exports) }
func (c *countingProtocol) referCount() int32  { return atomic.LoadInt32(&c.refers) }
func (c *countingProtocol) destroyCount() int32 {
	return atomic.LoadInt32(&c.destroys)
}

type countingInvoker struct {
	rpc.Invoker
	proto *countingProtocol
	once  sync.Once
}

func (c *countingInvoker) Destroy() {
	c.once.Do(func() { atomic.AddInt32(&c.proto.destroys, 1) })
	c.Invoker.Destroy()
}

func init() {
	r := extension.Default()
	extension.MustRegisterNamed(r, "zookeeper", func() RegistryFactory { return stubFactory })
	extension.MustRegisterNamed(r, "dubbo", func() rpc.Protocol { return testProto })
}

// demoService is the provider object exported throughout the suite.
type demoService struct{}

func (s *demoService) Hello(who string) (string, error) { return "hello " + who, nil }

func originInvoker(t *testing.T, providerRaw, registryRaw string) rpc.Invoker {
	t.Helper()
	provider := common.MustParse(providerRaw)
	regURL := common.MustParse(registryRaw).WithParam(common.ExportKey, provider.String())
	l, err := extension.LoaderFor[rpc.ProxyFactory](extension.Default())
	if err != nil {
		t.Fatal(err)
	}
	pf, err := l.GetDefault()
	if err != nil {
		t.Fatal(err)
	}
	invoker, err := pf.GetInvoker(&demoService{}, regURL)
	if err != nil {
		t.Fatal(err)
	}
	return invoker
}
