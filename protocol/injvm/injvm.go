// Package injvm implements the in-process protocol: exported services
// are published in a process-local table keyed by service key, and
// referred invokers dispatch through that table at call time.
package injvm

import (
	"reflect"
	"sync"

	"nova-rpc/common"
	"nova-rpc/extension"
	"nova-rpc/logger"
	"nova-rpc/rpc"
)

// Name is the extension name of the in-process protocol.
const Name = "injvm"

// DefaultPort is advertised for URLs carrying no port.
const DefaultPort = 0

func init() {
	extension.MustRegisterNamed(extension.Default(), Name, func() rpc.Protocol { return NewProtocol() })
}

// Protocol is the in-process protocol. Each instance owns its own
// endpoint table; the extension singleton is the process-wide one.
type Protocol struct {
	log       interface{ Infof(string, ...any) }
	mu        sync.Mutex
	exporters map[string]*exporter
}

// NewProtocol creates an empty in-process protocol.
func NewProtocol() *Protocol {
	return &Protocol{
		log:       logger.New("protocol.injvm"),
		exporters: make(map[string]*exporter),
	}
}

func (p *Protocol) DefaultPort() int { return DefaultPort }

// Export publishes the invoker under its service key.
func (p *Protocol) Export(invoker rpc.Invoker) (rpc.Exporter, error) {
	key := invoker.URL().ServiceKey()
	e := &exporter{protocol: p, key: key, invoker: invoker}
	p.mu.Lock()
	p.exporters[key] = e
	p.mu.Unlock()
	p.log.Infof("exported %s in process", key)
	return e, nil
}

// Refer returns an invoker that resolves the exported endpoint at call
// time, so export order does not matter.
func (p *Protocol) Refer(typ reflect.Type, url *common.URL) (rpc.Invoker, error) {
	return &injvmInvoker{
		BaseInvoker: rpc.NewBaseInvoker(url, typ),
		protocol:    p,
		key:         url.ServiceKey(),
	}, nil
}

// Destroy unexports every endpoint.
func (p *Protocol) Destroy() {
	p.mu.Lock()
	all := make([]*exporter, 0, len(p.exporters))
	for _, e := range p.exporters {
		all = append(all, e)
	}
	p.mu.Unlock()
	for _, e := range all {
		e.Unexport()
	}
}

func (p *Protocol) lookup(key string) (rpc.Invoker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.exporters[key]
	if !ok {
		return nil, false
	}
	return e.invoker, true
}

func (p *Protocol) remove(key string, e *exporter) {
	p.mu.Lock()
	if p.exporters[key] == e {
		delete(p.exporters, key)
	}
	p.mu.Unlock()
}

type exporter struct {
	protocol *Protocol
	key      string
	invoker  rpc.Invoker
	once     sync.Once
}

func (e *exporter) Invoker() rpc.Invoker { return e.invoker }

func (e *exporter) Unexport() {
	e.once.Do(func() {
		e.protocol.remove(e.key, e)
		e.invoker.Destroy()
	})
}

type injvmInvoker struct {
	*rpc.BaseInvoker
	protocol *Protocol
	key      string
}

func (i *injvmInvoker) IsAvailable() bool {
	if !i.BaseInvoker.IsAvailable() {
		return false
	}
	_, ok := i.protocol.lookup(i.key)
	return ok
}

func (i *injvmInvoker) Invoke(inv *rpc.Invocation) rpc.Result {
	if err := i.CheckDestroyed(); err != nil {
		return rpc.ErrorResult(err)
	}
	target, ok := i.protocol.lookup(i.key)
	if !ok {
		return rpc.ErrorResult(rpc.NewError(rpc.KindNetwork,
			"no in-process provider for %s", i.key))
	}
	return target.Invoke(inv)
}

var _ rpc.Protocol = (*Protocol)(nil)
