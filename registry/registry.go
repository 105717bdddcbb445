// Package registry holds the registry-facing side of the core: the
// registry contract the framework consumes, and the composite registry
// protocol that exports and refers services through it.
package registry

import (
	"errors"

	"nova-rpc/common"
	"nova-rpc/extension"
)

// Registry is the service-registry contract. Concrete backends live
// outside the core and register themselves as RegistryFactory
// extensions.
type Registry interface {
	URL() *common.URL
	Register(url *common.URL) error
	Unregister(url *common.URL) error
	// Subscribe delivers the full URL snapshot for the subscribed
	// categories to the listener on every change; the first delivery
	// happens during the call.
	Subscribe(url *common.URL, listener NotifyListener) error
	Unsubscribe(url *common.URL, listener NotifyListener) error
	Lookup(url *common.URL) ([]*common.URL, error)
	IsAvailable() bool
	Destroy()
}

// NotifyListener receives full registry snapshots. The list is
// authoritative for the subscribed categories and never empty: an
// empty-protocol URL stands for "no providers".
type NotifyListener interface {
	Notify(urls []*common.URL)
}

// RegistryFactory resolves a registry backend from its URL.
type RegistryFactory interface {
	GetRegistry(url *common.URL) (Registry, error)
}

// Failure kinds of the registry protocol.
var (
	ErrExportMissing      = errors.New("registry url carries no export parameter")
	ErrRegistrationFailed = errors.New("registry registration failed")
	ErrSubscriptionFailed = errors.New("registry subscription failed")
)

func init() {
	r := extension.Default()
	extension.RegisterPoint[RegistryFactory](r, "registry.factory", "etcd")
	extension.MustRegisterAdaptive(r, func(l *extension.Loader[RegistryFactory]) RegistryFactory {
		return &adaptiveRegistryFactory{l: l}
	})
}

// adaptiveRegistryFactory resolves the backend by the URL's protocol.
type adaptiveRegistryFactory struct {
	l *extension.Loader[RegistryFactory]
}

func (f *adaptiveRegistryFactory) GetRegistry(url *common.URL) (Registry, error) {
	name, err := extension.AdaptiveName(url, []string{common.ProtocolKey}, "", f.l.DefaultName())
	if err != nil {
		return nil, err
	}
	impl, err := f.l.Get(name)
	if err != nil {
		return nil, err
	}
	return impl.GetRegistry(url)
}
