package cluster

import (
	"reflect"
	"sync/atomic"
	"testing"

	"nova-rpc/common"
	"nova-rpc/extension"
	"nova-rpc/rpc"
)

// testInvoker is a programmable provider replica.
type testInvoker struct {
	*rpc.BaseInvoker
	calls   int32
	failErr error
	value   any
}

func newTestInvoker(raw string, value any, failErr error) *testInvoker {
	return &testInvoker{
		BaseInvoker: rpc.NewBaseInvoker(common.MustParse(raw), reflect.TypeOf((*any)(nil))),
		value:       value,
		failErr:     failErr,
	}
}

func (t *testInvoker) Invoke(inv *rpc.Invocation) rpc.Result {
	atomic.AddInt32(&t.calls, 1)
	if err := t.CheckDestroyed(); err != nil {
		return rpc.ErrorResult(err)
	}
	if t.failErr != nil {
		return rpc.ErrorResult(t.failErr)
	}
	return rpc.NewResult(t.value)
}

func (t *testInvoker) callCount() int32 { return atomic.LoadInt32(&t.calls) }

func clusterByName(t *testing.T, name string) Cluster {
	t.Helper()
	l, err := extension.LoaderFor[Cluster](extension.Default())
	if err != nil {
		t.Fatal(err)
	}
	c, err := l.Get(name)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFailoverRetriesOnTimeout(t *testing.T) {
	// Round-robin picks index 1 first, so the timing-out provider sits
	// there; the retry must land on the healthy sibling.
	a := newTestInvoker("dubbo://10.0.0.1:20880/svc.Demo", nil, rpc.NewError(rpc.KindTimeout, "a timed out"))
	b := newTestInvoker("dubbo://10.0.0.2:20880/svc.Demo", "b-result", nil)
	dir := NewStaticDirectory(common.MustParse("consumer://c/svc.Demo?loadbalance=roundrobin"), []rpc.Invoker{b, a})

	invoker, err := clusterByName(t, FailoverName).Join(dir)
	if err != nil {
		t.Fatal(err)
	}
	res := invoker.Invoke(rpc.NewInvocation("hello", nil, []any{"x"}))
	if res.Err != nil {
		t.Fatalf("failover did not recover: %v", res.Err)
	}
	if res.Value != "b-result" {
		t.Fatalf("value = %v", res.Value)
	}
	if a.callCount() != 1 || b.callCount() != 1 {
		t.Fatalf("calls a=%d b=%d", a.callCount(), b.callCount())
	}
}

func TestFailoverDoesNotRetryServerFailure(t *testing.T) {
	a := newTestInvoker("dubbo://10.0.0.1:20880/svc.Demo", nil, rpc.NewError(rpc.KindServer, "biz"))
	b := newTestInvoker("dubbo://10.0.0.2:20880/svc.Demo", "b", nil)
	dir := NewStaticDirectory(common.MustParse("consumer://c/svc.Demo?loadbalance=roundrobin"), []rpc.Invoker{b, a})

	invoker, _ := clusterByName(t, FailoverName).Join(dir)
	res := invoker.Invoke(rpc.NewInvocation("hello", nil, nil))
	if rpc.KindOf(res.Err) != rpc.KindServer {
		t.Fatalf("err = %v", res.Err)
	}
	if a.callCount()+b.callCount() != 1 {
		t.Fatalf("non-retryable failure was retried: a=%d b=%d", a.callCount(), b.callCount())
	}
}

func TestFailoverExhaustsRetryBudget(t *testing.T) {
	mk := func(host string) *testInvoker {
		return newTestInvoker("dubbo://"+host+":20880/svc.Demo", nil, rpc.NewError(rpc.KindNetwork, "down"))
	}
	a, b, c, d := mk("10.0.0.1"), mk("10.0.0.2"), mk("10.0.0.3"), mk("10.0.0.4")
	dir := NewStaticDirectory(common.MustParse("consumer://c/svc.Demo?retries=2&loadbalance=roundrobin"),
		[]rpc.Invoker{a, b, c, d})

	invoker, _ := clusterByName(t, FailoverName).Join(dir)
	res := invoker.Invoke(rpc.NewInvocation("hello", nil, nil))
	if res.Err == nil {
		t.Fatal("expected failure")
	}
	// retries=2 means three attempts in total.
	total := a.callCount() + b.callCount() + c.callCount() + d.callCount()
	if total != 3 {
		t.Fatalf("attempts = %d", total)
	}
}

func TestFailsafeSwallows(t *testing.T) {
	a := newTestInvoker("dubbo://10.0.0.1:20880/svc.Demo", nil, rpc.NewError(rpc.KindServer, "boom"))
	dir := NewStaticDirectory(common.MustParse("consumer://c/svc.Demo"), []rpc.Invoker{a})
	invoker, _ := clusterByName(t, FailsafeName).Join(dir)
	res := invoker.Invoke(rpc.NewInvocation("hello", nil, nil))
	if res.Err != nil || res.Value != nil {
		t.Fatalf("res = %+v", res)
	}
}

func TestBroadcastHitsEveryProvider(t *testing.T) {
	a := newTestInvoker("dubbo://10.0.0.1:20880/svc.Demo", "a", nil)
	b := newTestInvoker("dubbo://10.0.0.2:20880/svc.Demo", "b", nil)
	dir := NewStaticDirectory(common.MustParse("consumer://c/svc.Demo"), []rpc.Invoker{a, b})
	invoker, _ := clusterByName(t, BroadcastName).Join(dir)
	res := invoker.Invoke(rpc.NewInvocation("hello", nil, nil))
	if res.Err != nil || a.callCount() != 1 || b.callCount() != 1 {
		t.Fatalf("res = %+v a=%d b=%d", res, a.callCount(), b.callCount())
	}
	if res.Value != "b" {
		t.Fatalf("last result must win, got %v", res.Value)
	}
}

func TestMergeableMergesGroups(t *testing.T) {
	a := newTestInvoker("dubbo://10.0.0.1:20880/svc.Demo?group=g1", []string{"a1", "a2"}, nil)
	b := newTestInvoker("dubbo://10.0.0.2:20880/svc.Demo?group=g2", []string{"b1"}, nil)
	dir := NewStaticDirectory(common.MustParse("consumer://c/svc.Demo?group=g1,g2"), []rpc.Invoker{a, b})
	invoker, _ := clusterByName(t, MergeableName).Join(dir)
	res := invoker.Invoke(rpc.NewInvocation("list", nil, nil))
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	got, ok := res.Value.([]string)
	if !ok || len(got) != 3 {
		t.Fatalf("merged = %v", res.Value)
	}
}

func TestMockForceShortCircuits(t *testing.T) {
	a := newTestInvoker("dubbo://10.0.0.1:20880/svc.Demo", "real", nil)
	dir := NewStaticDirectory(common.MustParse("consumer://c/svc.Demo?mock=force:return+mocked"), []rpc.Invoker{a})
	// The wrapper is applied by the extension registry around every policy.
	invoker, _ := clusterByName(t, FailoverName).Join(dir)
	res := invoker.Invoke(rpc.NewInvocation("hello", nil, nil))
	if res.Err != nil || res.Value != "mocked" {
		t.Fatalf("res = %+v", res)
	}
	if a.callCount() != 0 {
		t.Fatal("forced mock still dispatched")
	}
}

func TestMockFailFallsBack(t *testing.T) {
	a := newTestInvoker("dubbo://10.0.0.1:20880/svc.Demo", nil, rpc.NewError(rpc.KindServer, "boom"))
	dir := NewStaticDirectory(common.MustParse("consumer://c/svc.Demo?mock=fail:return+fallback&retries=0"), []rpc.Invoker{a})
	invoker, _ := clusterByName(t, FailoverName).Join(dir)
	res := invoker.Invoke(rpc.NewInvocation("hello", nil, nil))
	if res.Err != nil || res.Value != "fallback" {
		t.Fatalf("res = %+v", res)
	}
	if a.callCount() != 1 {
		t.Fatalf("calls = %d", a.callCount())
	}
}

func TestRoundRobinBalance(t *testing.T) {
	a := newTestInvoker("dubbo://10.0.0.1:20880/svc.Demo", "a", nil)
	b := newTestInvoker("dubbo://10.0.0.2:20880/svc.Demo", "b", nil)
	lb := &roundRobinBalance{}
	url := common.MustParse("consumer://c/svc.Demo")
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		picked, err := lb.Select([]rpc.Invoker{a, b}, url, rpc.NewInvocation("m", nil, nil))
		if err != nil {
			t.Fatal(err)
		}
		seen[picked.URL().Address()]++
	}
	if seen["10.0.0.1:20880"] != 2 || seen["10.0.0.2:20880"] != 2 {
		t.Fatalf("distribution = %v", seen)
	}
	if _, err := lb.Select(nil, url, nil); err == nil {
		t.Fatal("empty list must fail")
	}
}

func TestWeightedRandomBalance(t *testing.T) {
	heavy := newTestInvoker("dubbo://10.0.0.1:20880/svc.Demo?weight=100", "h", nil)
	light := newTestInvoker("dubbo://10.0.0.2:20880/svc.Demo?weight=0", "l", nil)
	lb := &randomBalance{}
	url := common.MustParse("consumer://c/svc.Demo")
	for i := 0; i < 50; i++ {
		picked, err := lb.Select([]rpc.Invoker{heavy, light}, url, nil)
		if err != nil {
			t.Fatal(err)
		}
		if picked == rpc.Invoker(light) {
			t.Fatal("zero-weight invoker picked")
		}
	}
}

func TestConsistentHashSticks(t *testing.T) {
	a := newTestInvoker("dubbo://10.0.0.1:20880/svc.Demo", "a", nil)
	b := newTestInvoker("dubbo://10.0.0.2:20880/svc.Demo", "b", nil)
	c := newTestInvoker("dubbo://10.0.0.3:20880/svc.Demo", "c", nil)
	lb := newConsistentHashBalance()
	url := common.MustParse("consumer://c/svc.Demo")

	inv := rpc.NewInvocation("get", nil, []any{"user-123"})
	first, err := lb.Select([]rpc.Invoker{a, b, c}, url, inv)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, _ := lb.Select([]rpc.Invoker{a, b, c}, url, inv)
		if again != first {
			t.Fatal("same key moved between invokers")
		}
	}
}
