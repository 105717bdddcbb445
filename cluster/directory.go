package cluster

import (
	"reflect"
	"sync/atomic"

	"nova-rpc/common"
	"nova-rpc/rpc"
)

// StaticDirectory serves a fixed invoker set, used for point-to-point
// references and tests.
type StaticDirectory struct {
	url       *common.URL
	invokers  []rpc.Invoker
	chain     *RouterChain
	destroyed atomic.Bool
}

// NewStaticDirectory builds a directory over a fixed set. url may be
// nil, in which case the first invoker's URL is advertised.
func NewStaticDirectory(url *common.URL, invokers []rpc.Invoker) *StaticDirectory {
	if url == nil && len(invokers) > 0 {
		url = invokers[0].URL()
	}
	return &StaticDirectory{url: url, invokers: invokers}
}

// SetRouterChain attaches a router chain applied on every List.
func (d *StaticDirectory) SetRouterChain(chain *RouterChain) { d.chain = chain }

func (d *StaticDirectory) URL() *common.URL { return d.url }

func (d *StaticDirectory) ServiceType() reflect.Type {
	if len(d.invokers) == 0 {
		return nil
	}
	return d.invokers[0].ServiceType()
}

func (d *StaticDirectory) List(inv *rpc.Invocation) ([]rpc.Invoker, error) {
	if d.destroyed.Load() {
		return nil, rpc.NewError(rpc.KindForbidden, "directory for %s is destroyed", d.url)
	}
	out := make([]rpc.Invoker, len(d.invokers))
	copy(out, d.invokers)
	if d.chain != nil {
		out = d.chain.Route(out, d.url, inv)
	}
	return out, nil
}

func (d *StaticDirectory) IsAvailable() bool {
	if d.destroyed.Load() {
		return false
	}
	for _, i := range d.invokers {
		if i.IsAvailable() {
			return true
		}
	}
	return false
}

func (d *StaticDirectory) Destroy() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	for _, i := range d.invokers {
		i.Destroy()
	}
	if d.chain != nil {
		d.chain.Destroy()
	}
}

var _ Directory = (*StaticDirectory)(nil)
