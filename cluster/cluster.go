// Package cluster fronts a dynamic set of sibling invokers with one
// virtual invoker: a Directory supplies the current replica set, a
// router chain filters it, a load balancer picks one member, and the
// cluster policy decides what happens when a member fails.
package cluster

import (
	"reflect"

	"nova-rpc/common"
	"nova-rpc/extension"
	"nova-rpc/rpc"
)

// Directory publishes the current, router-filtered replica set for one
// service key.
type Directory interface {
	URL() *common.URL
	ServiceType() reflect.Type
	List(inv *rpc.Invocation) ([]rpc.Invoker, error)
	IsAvailable() bool
	Destroy()
}

// Cluster wraps a Directory into a single Invoker.
type Cluster interface {
	Join(directory Directory) (rpc.Invoker, error)
}

// LoadBalance picks one invoker from the candidate list.
type LoadBalance interface {
	Select(invokers []rpc.Invoker, url *common.URL, inv *rpc.Invocation) (rpc.Invoker, error)
}

func init() {
	r := extension.Default()

	extension.RegisterPoint[Cluster](r, "cluster", FailoverName)
	extension.MustRegisterNamed(r, FailoverName, func() Cluster { return &failoverCluster{} })
	extension.MustRegisterNamed(r, FailfastName, func() Cluster { return &failfastCluster{} })
	extension.MustRegisterNamed(r, FailsafeName, func() Cluster { return &failsafeCluster{} })
	extension.MustRegisterNamed(r, BroadcastName, func() Cluster { return &broadcastCluster{} })
	extension.MustRegisterNamed(r, AvailableName, func() Cluster { return &availableCluster{} })
	extension.MustRegisterNamed(r, ForkingName, func() Cluster { return &forkingCluster{} })
	extension.MustRegisterNamed(r, MergeableName, func() Cluster { return &mergeableCluster{} })
	extension.MustRegisterAdaptive(r, func(l *extension.Loader[Cluster]) Cluster {
		return &adaptiveCluster{l: l}
	})
	extension.MustRegisterWrapper(r, func(inner Cluster) Cluster { return &mockClusterWrapper{inner: inner} })

	extension.RegisterPoint[LoadBalance](r, "loadbalance", RandomName)
	extension.MustRegisterNamed(r, RandomName, func() LoadBalance { return &randomBalance{} })
	extension.MustRegisterNamed(r, RoundRobinName, func() LoadBalance { return &roundRobinBalance{} })
	extension.MustRegisterNamed(r, ConsistentHashName, func() LoadBalance { return newConsistentHashBalance() })
	extension.MustRegisterAdaptive(r, func(l *extension.Loader[LoadBalance]) LoadBalance {
		return &adaptiveLoadBalance{l: l}
	})
}

// Cluster policy extension names.
const (
	FailoverName  = "failover"
	FailfastName  = "failfast"
	FailsafeName  = "failsafe"
	BroadcastName = "broadcast"
	AvailableName = "available"
	ForkingName   = "forking"
	MergeableName = "mergeable"
)

// adaptiveCluster joins through the policy named by the cluster
// parameter of the directory's URL.
type adaptiveCluster struct {
	l *extension.Loader[Cluster]
}

func (c *adaptiveCluster) Join(directory Directory) (rpc.Invoker, error) {
	name, err := extension.AdaptiveName(directory.URL(), []string{common.ClusterKey}, "", c.l.DefaultName())
	if err != nil {
		return nil, err
	}
	impl, err := c.l.Get(name)
	if err != nil {
		return nil, err
	}
	return impl.Join(directory)
}

// adaptiveLoadBalance selects through the balancer named by the
// loadbalance parameter of the selecting URL.
type adaptiveLoadBalance struct {
	l *extension.Loader[LoadBalance]
}

func (b *adaptiveLoadBalance) Select(invokers []rpc.Invoker, url *common.URL, inv *rpc.Invocation) (rpc.Invoker, error) {
	name, err := extension.AdaptiveName(url, []string{common.LoadBalanceKey}, "", b.l.DefaultName())
	if err != nil {
		return nil, err
	}
	impl, err := b.l.Get(name)
	if err != nil {
		return nil, err
	}
	return impl.Select(invokers, url, inv)
}
