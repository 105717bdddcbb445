package rpc

import (
	"reflect"

	"nova-rpc/common"
	"nova-rpc/extension"
)

// Protocol turns service URLs into live endpoints and call handles.
type Protocol interface {
	// DefaultPort is the port used when the URL carries none.
	DefaultPort() int
	// Export publishes an invoker as a locally-live endpoint.
	Export(invoker Invoker) (Exporter, error)
	// Refer builds a consumer-side invoker for a remote service.
	Refer(typ reflect.Type, url *common.URL) (Invoker, error)
	// Destroy releases every endpoint the protocol exported or referred.
	Destroy()
}

func init() {
	r := extension.Default()
	extension.RegisterPoint[Protocol](r, "protocol", "dubbo")
	extension.MustRegisterAdaptive(r, func(l *extension.Loader[Protocol]) Protocol {
		return &adaptiveProtocol{l: l}
	})
}

// adaptiveProtocol dispatches Export and Refer per call, keyed on the
// URL's protocol component. DefaultPort and Destroy are not adaptive.
type adaptiveProtocol struct {
	l *extension.Loader[Protocol]
}

func (p *adaptiveProtocol) DefaultPort() int { return 0 }

func (p *adaptiveProtocol) Export(invoker Invoker) (Exporter, error) {
	impl, err := p.implFor(invoker.URL())
	if err != nil {
		return nil, err
	}
	return impl.Export(invoker)
}

func (p *adaptiveProtocol) Refer(typ reflect.Type, url *common.URL) (Invoker, error) {
	impl, err := p.implFor(url)
	if err != nil {
		return nil, err
	}
	return impl.Refer(typ, url)
}

func (p *adaptiveProtocol) Destroy() {}

func (p *adaptiveProtocol) implFor(url *common.URL) (Protocol, error) {
	name, err := extension.AdaptiveName(url, []string{common.ProtocolKey}, "", p.l.DefaultName())
	if err != nil {
		return nil, err
	}
	return p.l.Get(name)
}
