package rpc

import (
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"nova-rpc/common"
)

// rateLimitFilter applies a token-bucket limit per exported endpoint.
// Rate and burst come from the endpoint URL: ratelimit (permits per
// second) and ratelimit.burst (bucket size, default the rate).
type rateLimitFilter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimitFilter() Filter {
	return &rateLimitFilter{limiters: make(map[string]*rate.Limiter)}
}

func (f *rateLimitFilter) Invoke(next Invoker, inv *Invocation) Result {
	limiter := f.limiterFor(next.URL())
	if limiter != nil && !limiter.Allow() {
		return ErrorResult(NewError(KindForbidden, "rate limit exceeded for %s", next.URL().ServiceKey()))
	}
	return next.Invoke(inv)
}

func (f *rateLimitFilter) limiterFor(u *common.URL) *rate.Limiter {
	r, err := strconv.ParseFloat(u.Param("ratelimit", ""), 64)
	if err != nil || r <= 0 {
		return nil
	}
	key := u.CacheKey()
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[key]; ok {
		return l
	}
	burst := u.ParamInt("ratelimit.burst", int(r))
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(r), burst)
	f.limiters[key] = l
	return l
}
