package rpc

import (
	"time"

	"nova-rpc/common"
	"nova-rpc/extension"
	"nova-rpc/logger"
)

// Filter wraps an invoker with pre/post behavior. Filters compose into
// an onion: the first activated filter sees the call first.
type Filter interface {
	Invoke(next Invoker, inv *Invocation) Result
}

func init() {
	r := extension.Default()
	extension.RegisterPoint[Filter](r, "filter", "")
	extension.MustRegisterNamed(r, "logging", func() Filter { return &loggingFilter{log: logger.New("filter.logging")} },
		extension.WithActivation([]string{common.ProviderSide, common.ConsumerSide}, nil),
		extension.WithOrder(-100))
	extension.MustRegisterNamed(r, "timeout", func() Filter { return &timeoutFilter{} },
		extension.WithActivation([]string{common.ConsumerSide}, []string{common.TimeoutKey}),
		extension.WithOrder(-50))
	extension.MustRegisterNamed(r, "ratelimit", newRateLimitFilter,
		extension.WithActivation([]string{common.ProviderSide}, []string{"ratelimit"}),
		extension.WithOrder(-80))
}

// filterInvoker is the filter-chain invoker: it delegates liveness to
// the wrapped invoker and routes Invoke through one filter.
type filterInvoker struct {
	Invoker
	filter Filter
}

func (f *filterInvoker) Invoke(inv *Invocation) Result {
	return f.filter.Invoke(f.Invoker, inv)
}

// BuildFilterChain wraps an invoker with the filters activated for its
// URL and group. Filters are applied in activation order, so the first
// activated filter is the outermost.
func BuildFilterChain(reg *extension.Registry, invoker Invoker, key, group string) (Invoker, error) {
	l, err := extension.LoaderFor[Filter](reg)
	if err != nil {
		return nil, err
	}
	filters, err := l.GetActivated(invoker.URL(), key, group)
	if err != nil {
		return nil, err
	}
	for i := len(filters) - 1; i >= 0; i-- {
		invoker = &filterInvoker{Invoker: invoker, filter: filters[i]}
	}
	return invoker, nil
}

// loggingFilter writes one access-log line per call.
type loggingFilter struct {
	log interface {
		Infof(template string, args ...any)
		Warnf(template string, args ...any)
	}
}

func (f *loggingFilter) Invoke(next Invoker, inv *Invocation) Result {
	start := time.Now()
	res := next.Invoke(inv)
	elapsed := time.Since(start)
	if res.Err != nil {
		f.log.Warnf("%s %s failed in %s: %v", next.URL().ServiceKey(), inv.MethodName, elapsed, res.Err)
	} else {
		f.log.Infof("%s %s ok in %s", next.URL().ServiceKey(), inv.MethodName, elapsed)
	}
	return res
}

// timeoutFilter bounds a call by the URL's timeout parameter.
type timeoutFilter struct{}

func (f *timeoutFilter) Invoke(next Invoker, inv *Invocation) Result {
	timeout := time.Duration(next.URL().ParamInt(common.TimeoutKey, common.DefaultTimeoutMS)) * time.Millisecond
	done := make(chan Result, 1)
	go func() { done <- next.Invoke(inv) }()
	select {
	case res := <-done:
		return res
	case <-time.After(timeout):
		return ErrorResult(NewError(KindTimeout, "%s %s timed out after %s",
			next.URL().ServiceKey(), inv.MethodName, timeout))
	}
}
