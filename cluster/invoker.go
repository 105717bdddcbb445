package cluster

import (
	"reflect"
	"sync/atomic"

	"nova-rpc/common"
	"nova-rpc/extension"
	"nova-rpc/logger"
	"nova-rpc/rpc"
)

var clusterLog = logger.New("cluster")

// baseClusterInvoker carries the directory plumbing shared by every
// cluster policy.
type baseClusterInvoker struct {
	directory Directory
	destroyed atomic.Bool
}

func (b *baseClusterInvoker) URL() *common.URL          { return b.directory.URL() }
func (b *baseClusterInvoker) ServiceType() reflect.Type { return b.directory.ServiceType() }

func (b *baseClusterInvoker) IsAvailable() bool {
	return !b.destroyed.Load() && b.directory.IsAvailable()
}

func (b *baseClusterInvoker) Destroy() {
	if b.destroyed.CompareAndSwap(false, true) {
		b.directory.Destroy()
	}
}

// list resolves the current candidate set, failing when the directory
// is empty.
func (b *baseClusterInvoker) list(inv *rpc.Invocation) ([]rpc.Invoker, error) {
	if b.destroyed.Load() {
		return nil, rpc.NewError(rpc.KindForbidden, "cluster invoker for %s is destroyed", b.URL())
	}
	invokers, err := b.directory.List(inv)
	if err != nil {
		return nil, err
	}
	if len(invokers) == 0 {
		return nil, rpc.NewError(rpc.KindNetwork,
			"no provider available for %s from directory", b.URL().ServiceKey())
	}
	return invokers, nil
}

// balancer resolves the load balancer named by the consumer URL.
func (b *baseClusterInvoker) balancer() (LoadBalance, error) {
	l, err := extension.LoaderFor[LoadBalance](extension.Default())
	if err != nil {
		return nil, err
	}
	return l.Get(b.URL().Param(common.LoadBalanceKey, l.DefaultName()))
}

// selectFrom picks an invoker through the balancer. Once some invokers
// have been tried, only untried, available ones are candidates, and the
// call fails when none remain.
func (b *baseClusterInvoker) selectFrom(lb LoadBalance, invokers []rpc.Invoker, inv *rpc.Invocation, tried map[string]bool) (rpc.Invoker, error) {
	candidates := invokers
	if len(tried) > 0 {
		candidates = nil
		for _, i := range invokers {
			if !tried[i.URL().String()] && i.IsAvailable() {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) == 0 {
			return nil, rpc.NewError(rpc.KindNetwork,
				"all %d providers for %s already tried", len(invokers), b.URL().ServiceKey())
		}
	}
	return lb.Select(candidates, b.URL(), inv)
}

// failoverCluster retries retryable failures on untried siblings, up to
// retries+1 attempts in total.
type failoverCluster struct{}

func (c *failoverCluster) Join(directory Directory) (rpc.Invoker, error) {
	return &failoverClusterInvoker{baseClusterInvoker{directory: directory}}, nil
}

type failoverClusterInvoker struct {
	baseClusterInvoker
}

func (c *failoverClusterInvoker) Invoke(inv *rpc.Invocation) rpc.Result {
	invokers, err := c.list(inv)
	if err != nil {
		return rpc.ErrorResult(err)
	}
	lb, err := c.balancer()
	if err != nil {
		return rpc.ErrorResult(err)
	}

	attempts := c.URL().ParamInt(common.RetriesKey, 2) + 1
	if attempts < 1 {
		attempts = 1
	}
	tried := make(map[string]bool, attempts)
	var lastErr error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			// Refresh the candidate list: the directory may have been
			// updated while the previous attempt was in flight.
			if refreshed, err := c.list(inv); err == nil {
				invokers = refreshed
			}
		}
		picked, err := c.selectFrom(lb, invokers, inv, tried)
		if err != nil {
			if lastErr != nil {
				return rpc.ErrorResult(lastErr)
			}
			return rpc.ErrorResult(err)
		}
		tried[picked.URL().String()] = true
		res := picked.Invoke(inv)
		if res.Err == nil || !rpc.IsRetryable(res.Err) {
			return res
		}
		lastErr = res.Err
		clusterLog.Warnf("attempt %d/%d on %s failed, retrying elsewhere: %v",
			n+1, attempts, picked.URL().Address(), res.Err)
	}
	return rpc.ErrorResult(rpc.WrapError(rpc.KindOf(lastErr), lastErr,
		"%s %s failed after %d attempts", c.URL().ServiceKey(), inv.MethodName, attempts))
}

// failfastCluster invokes once and lets every failure bubble.
type failfastCluster struct{}

func (c *failfastCluster) Join(directory Directory) (rpc.Invoker, error) {
	return &failfastClusterInvoker{baseClusterInvoker{directory: directory}}, nil
}

type failfastClusterInvoker struct {
	baseClusterInvoker
}

func (c *failfastClusterInvoker) Invoke(inv *rpc.Invocation) rpc.Result {
	invokers, err := c.list(inv)
	if err != nil {
		return rpc.ErrorResult(err)
	}
	lb, err := c.balancer()
	if err != nil {
		return rpc.ErrorResult(err)
	}
	picked, err := lb.Select(invokers, c.URL(), inv)
	if err != nil {
		return rpc.ErrorResult(err)
	}
	return picked.Invoke(inv)
}

// failsafeCluster swallows failures, returning an empty result.
type failsafeCluster struct{}

func (c *failsafeCluster) Join(directory Directory) (rpc.Invoker, error) {
	return &failsafeClusterInvoker{baseClusterInvoker{directory: directory}}, nil
}

type failsafeClusterInvoker struct {
	baseClusterInvoker
}

func (c *failsafeClusterInvoker) Invoke(inv *rpc.Invocation) rpc.Result {
	invokers, err := c.list(inv)
	if err != nil {
		clusterLog.Warnf("failsafe %s: %v", c.URL().ServiceKey(), err)
		return rpc.NewResult(nil)
	}
	lb, err := c.balancer()
	if err != nil {
		clusterLog.Warnf("failsafe %s: %v", c.URL().ServiceKey(), err)
		return rpc.NewResult(nil)
	}
	picked, err := lb.Select(invokers, c.URL(), inv)
	if err != nil {
		clusterLog.Warnf("failsafe %s: %v", c.URL().ServiceKey(), err)
		return rpc.NewResult(nil)
	}
	res := picked.Invoke(inv)
	if res.Err != nil {
		clusterLog.Warnf("failsafe %s %s swallowed: %v", c.URL().ServiceKey(), inv.MethodName, res.Err)
		return rpc.NewResult(nil)
	}
	return res
}

// broadcastCluster invokes every provider; any failure fails the call,
// and the last result wins.
type broadcastCluster struct{}

func (c *broadcastCluster) Join(directory Directory) (rpc.Invoker, error) {
	return &broadcastClusterInvoker{baseClusterInvoker{directory: directory}}, nil
}

type broadcastClusterInvoker struct {
	baseClusterInvoker
}

func (c *broadcastClusterInvoker) Invoke(inv *rpc.Invocation) rpc.Result {
	invokers, err := c.list(inv)
	if err != nil {
		return rpc.ErrorResult(err)
	}
	var last rpc.Result
	var lastErr error
	for _, i := range invokers {
		last = i.Invoke(inv)
		if last.Err != nil {
			lastErr = last.Err
			clusterLog.Warnf("broadcast to %s failed: %v", i.URL().Address(), last.Err)
		}
	}
	if lastErr != nil {
		last.Err = lastErr
	}
	return last
}

// availableCluster invokes the first available provider.
type availableCluster struct{}

func (c *availableCluster) Join(directory Directory) (rpc.Invoker, error) {
	return &availableClusterInvoker{baseClusterInvoker{directory: directory}}, nil
}

type availableClusterInvoker struct {
	baseClusterInvoker
}

func (c *availableClusterInvoker) Invoke(inv *rpc.Invocation) rpc.Result {
	invokers, err := c.list(inv)
	if err != nil {
		return rpc.ErrorResult(err)
	}
	for _, i := range invokers {
		if i.IsAvailable() {
			return i.Invoke(inv)
		}
	}
	return rpc.ErrorResult(rpc.NewError(rpc.KindNetwork,
		"no available provider for %s", c.URL().ServiceKey()))
}

// forkingCluster races forks parallel calls and returns the first
// success, or the last failure once all forks miss.
type forkingCluster struct{}

func (c *forkingCluster) Join(directory Directory) (rpc.Invoker, error) {
	return &forkingClusterInvoker{baseClusterInvoker{directory: directory}}, nil
}

type forkingClusterInvoker struct {
	baseClusterInvoker
}

func (c *forkingClusterInvoker) Invoke(inv *rpc.Invocation) rpc.Result {
	invokers, err := c.list(inv)
	if err != nil {
		return rpc.ErrorResult(err)
	}
	forks := c.URL().ParamInt("forks", 2)
	if forks <= 0 || forks > len(invokers) {
		forks = len(invokers)
	}
	results := make(chan rpc.Result, forks)
	for _, i := range invokers[:forks] {
		go func(target rpc.Invoker) { results <- target.Invoke(inv) }(i)
	}
	var last rpc.Result
	for n := 0; n < forks; n++ {
		last = <-results
		if last.Err == nil {
			return last
		}
	}
	return last
}

// mergeableCluster is used when a consumer refers several groups at
// once: it invokes one provider per group and merges the results.
// Slices concatenate, maps union, scalars first-wins.
type mergeableCluster struct{}

func (c *mergeableCluster) Join(directory Directory) (rpc.Invoker, error) {
	return &mergeableClusterInvoker{baseClusterInvoker{directory: directory}}, nil
}

type mergeableClusterInvoker struct {
	baseClusterInvoker
}

func (c *mergeableClusterInvoker) Invoke(inv *rpc.Invocation) rpc.Result {
	invokers, err := c.list(inv)
	if err != nil {
		return rpc.ErrorResult(err)
	}

	perGroup := make(map[string]rpc.Invoker)
	order := make([]string, 0, len(invokers))
	for _, i := range invokers {
		g := i.URL().Param(common.GroupKey, "")
		if _, seen := perGroup[g]; !seen {
			perGroup[g] = i
			order = append(order, g)
		}
	}
	if len(perGroup) == 1 {
		return invokers[0].Invoke(inv)
	}

	var merged any
	var lastErr error
	for _, g := range order {
		res := perGroup[g].Invoke(inv)
		if res.Err != nil {
			lastErr = res.Err
			clusterLog.Warnf("merge group %q failed: %v", g, res.Err)
			continue
		}
		merged = mergeValues(merged, res.Value)
	}
	if merged == nil && lastErr != nil {
		return rpc.ErrorResult(lastErr)
	}
	return rpc.NewResult(merged)
}

func mergeValues(acc, next any) any {
	if acc == nil {
		return next
	}
	av := reflect.ValueOf(acc)
	nv := reflect.ValueOf(next)
	switch {
	case av.Kind() == reflect.Slice && nv.Kind() == reflect.Slice && av.Type() == nv.Type():
		return reflect.AppendSlice(av, nv).Interface()
	case av.Kind() == reflect.Map && nv.Kind() == reflect.Map && av.Type() == nv.Type():
		out := reflect.MakeMap(av.Type())
		for _, k := range av.MapKeys() {
			out.SetMapIndex(k, av.MapIndex(k))
		}
		for _, k := range nv.MapKeys() {
			out.SetMapIndex(k, nv.MapIndex(k))
		}
		return out.Interface()
	default:
		return acc
	}
}
