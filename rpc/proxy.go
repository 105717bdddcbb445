package rpc

import (
	"errors"
	"reflect"

	"nova-rpc/common"
	"nova-rpc/dispatcher"
	"nova-rpc/extension"
)

// ProxyFactory bridges between service objects and invokers in both
// directions: GetInvoker wraps a local object as an Invoker, GetProxy
// wraps an Invoker as a call handle for application code.
type ProxyFactory interface {
	GetInvoker(service any, url *common.URL) (Invoker, error)
	GetProxy(invoker Invoker) (*Proxy, error)
}

func init() {
	r := extension.Default()
	extension.RegisterPoint[ProxyFactory](r, "proxy", "dispatch")
	extension.MustRegisterNamed(r, "dispatch", func() ProxyFactory { return &dispatchProxyFactory{} })
	extension.MustRegisterAdaptive(r, func(l *extension.Loader[ProxyFactory]) ProxyFactory {
		return &adaptiveProxyFactory{l: l}
	})
}

// Proxy is the consumer-side call handle returned to application code.
type Proxy struct {
	invoker Invoker
}

// Invoker exposes the backing invoker, mostly for teardown.
func (p *Proxy) Invoker() Invoker { return p.invoker }

// Invoke calls a method by name. paramTypes may be nil when the target
// method is not overloaded.
func (p *Proxy) Invoke(method string, paramTypes []reflect.Type, args ...any) (any, error) {
	inv := NewInvocation(method, paramTypes, args)
	inv.SetInvoker(p.invoker)
	res := p.invoker.Invoke(inv)
	return res.Value, res.Err
}

// dispatchProxyFactory is the default factory, built on the method
// dispatcher as the sole reflective surface.
type dispatchProxyFactory struct{}

func (f *dispatchProxyFactory) GetInvoker(service any, url *common.URL) (Invoker, error) {
	return &proxyInvoker{
		BaseInvoker: NewBaseInvoker(url, reflect.TypeOf(service)),
		service:     service,
		disp:        dispatcher.For(service),
	}, nil
}

func (f *dispatchProxyFactory) GetProxy(invoker Invoker) (*Proxy, error) {
	return &Proxy{invoker: invoker}, nil
}

// proxyInvoker delegates an invocation to a local service object
// through the method dispatcher.
type proxyInvoker struct {
	*BaseInvoker
	service any
	disp    *dispatcher.Dispatcher
}

func (p *proxyInvoker) Invoke(inv *Invocation) Result {
	if err := p.CheckDestroyed(); err != nil {
		return ErrorResult(err)
	}
	value, err := p.disp.Invoke(p.service, inv.MethodName, inv.ParameterTypes, inv.Arguments)
	if err != nil {
		switch {
		case isDispatchError(err):
			return ErrorResult(WrapError(KindServer, err, "dispatch %s on %s", inv.MethodName, p.URL().ServiceKey()))
		default:
			// The service method itself failed: a server-side failure
			// carrying the original error.
			return Result{Value: value, Err: WrapError(KindServer, err, "%s failed", inv.MethodName)}
		}
	}
	return NewResult(value)
}

func isDispatchError(err error) bool {
	return errors.Is(err, dispatcher.ErrNoSuchMethod) || errors.Is(err, dispatcher.ErrNoSuchProperty)
}

// adaptiveProxyFactory picks the factory named by the proxy parameter.
type adaptiveProxyFactory struct {
	l *extension.Loader[ProxyFactory]
}

func (f *adaptiveProxyFactory) GetInvoker(service any, url *common.URL) (Invoker, error) {
	impl, err := f.implFor(url)
	if err != nil {
		return nil, err
	}
	return impl.GetInvoker(service, url)
}

func (f *adaptiveProxyFactory) GetProxy(invoker Invoker) (*Proxy, error) {
	impl, err := f.implFor(invoker.URL())
	if err != nil {
		return nil, err
	}
	return impl.GetProxy(invoker)
}

func (f *adaptiveProxyFactory) implFor(url *common.URL) (ProxyFactory, error) {
	name, err := extension.AdaptiveName(url, []string{common.ProxyKey}, "", f.l.DefaultName())
	if err != nil {
		return nil, err
	}
	return f.l.Get(name)
}
