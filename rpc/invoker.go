package rpc

import (
	"reflect"
	"sync/atomic"

	"nova-rpc/common"
)

// Invoker is the single call primitive of the framework.
type Invoker interface {
	// URL returns the URL the invoker advertises.
	URL() *common.URL
	// ServiceType returns the service interface the invoker serves.
	ServiceType() reflect.Type
	// Invoke performs one call.
	Invoke(inv *Invocation) Result
	// IsAvailable reports readiness without blocking.
	IsAvailable() bool
	// Destroy releases the invoker. Idempotent; a destroyed invoker is
	// unavailable and fails every invoke.
	Destroy()
}

// Exporter is a live local endpoint handle.
type Exporter interface {
	// Invoker returns the exported invoker.
	Invoker() Invoker
	// Unexport tears the endpoint down. Idempotent.
	Unexport()
}

// BaseInvoker carries the shared state of invoker implementations:
// advertised URL, service type and the liveness flag.
type BaseInvoker struct {
	url       *common.URL
	typ       reflect.Type
	destroyed atomic.Bool
}

// NewBaseInvoker constructs the shared invoker state.
func NewBaseInvoker(url *common.URL, typ reflect.Type) *BaseInvoker {
	return &BaseInvoker{url: url, typ: typ}
}

func (b *BaseInvoker) URL() *common.URL         { return b.url }
func (b *BaseInvoker) ServiceType() reflect.Type { return b.typ }

func (b *BaseInvoker) IsAvailable() bool { return !b.destroyed.Load() }

func (b *BaseInvoker) Destroy() { b.destroyed.Store(true) }

// Invoke fails once destroyed; concrete invokers embed BaseInvoker and
// call CheckDestroyed before their own dispatch.
func (b *BaseInvoker) Invoke(inv *Invocation) Result {
	if err := b.CheckDestroyed(); err != nil {
		return ErrorResult(err)
	}
	return NewResult(nil)
}

// CheckDestroyed returns the forbidden failure for a destroyed invoker.
func (b *BaseInvoker) CheckDestroyed() error {
	if b.destroyed.Load() {
		return NewError(KindForbidden, "invoker for %s is destroyed", b.url)
	}
	return nil
}

// BaseExporter pairs an invoker with an idempotent teardown hook.
type BaseExporter struct {
	invoker    Invoker
	unexported atomic.Bool
	teardown   func()
}

// NewBaseExporter builds an exporter whose Unexport runs teardown once
// and then destroys the invoker.
func NewBaseExporter(invoker Invoker, teardown func()) *BaseExporter {
	return &BaseExporter{invoker: invoker, teardown: teardown}
}

func (e *BaseExporter) Invoker() Invoker { return e.invoker }

func (e *BaseExporter) Unexport() {
	if !e.unexported.CompareAndSwap(false, true) {
		return
	}
	if e.teardown != nil {
		e.teardown()
	}
	e.invoker.Destroy()
}
