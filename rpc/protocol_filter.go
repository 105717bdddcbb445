package rpc

import (
	"reflect"

	"nova-rpc/common"
	"nova-rpc/extension"
)

// Filter activation keys: user-specified filter names ride on these URL
// parameters.
const (
	ServiceFilterKey   = "service.filter"
	ReferenceFilterKey = "reference.filter"
)

func init() {
	extension.MustRegisterWrapper(extension.Default(), func(inner Protocol) Protocol {
		return &filterProtocolWrapper{inner: inner}
	})
}

// filterProtocolWrapper decorates every concrete protocol so exported
// and referred invokers run through the activated filter chain. The
// registry protocol composes other protocols and is left untouched.
type filterProtocolWrapper struct {
	inner Protocol
}

func (w *filterProtocolWrapper) DefaultPort() int { return w.inner.DefaultPort() }

func (w *filterProtocolWrapper) Export(invoker Invoker) (Exporter, error) {
	if invoker.URL().Protocol == common.RegistryProtocolName {
		return w.inner.Export(invoker)
	}
	chained, err := BuildFilterChain(extension.Default(), invoker, ServiceFilterKey, common.ProviderSide)
	if err != nil {
		return nil, err
	}
	return w.inner.Export(chained)
}

func (w *filterProtocolWrapper) Refer(typ reflect.Type, url *common.URL) (Invoker, error) {
	if url.Protocol == common.RegistryProtocolName {
		return w.inner.Refer(typ, url)
	}
	invoker, err := w.inner.Refer(typ, url)
	if err != nil {
		return nil, err
	}
	return BuildFilterChain(extension.Default(), invoker, ReferenceFilterKey, common.ConsumerSide)
}

func (w *filterProtocolWrapper) Destroy() { w.inner.Destroy() }
