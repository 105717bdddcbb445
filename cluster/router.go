package cluster

import (
	"strings"
	"sync"

	"nova-rpc/common"
	"nova-rpc/config"
	"nova-rpc/logger"
	"nova-rpc/rpc"
)

var routerLog = logger.New("cluster.router")

// Router filters the candidate invoker list for one invocation.
type Router interface {
	Route(invokers []rpc.Invoker, url *common.URL, inv *rpc.Invocation) []rpc.Invoker
}

// RouterChain is built once per directory. Its fixed members are the
// tag router and the application- and service-scoped condition routers,
// each subscribed to its rule key; registry-pushed router URLs replace
// the dynamic tail.
type RouterChain struct {
	mu      sync.RWMutex
	fixed   []Router
	dynamic []Router

	store    config.DynamicConfiguration
	unsubscribe []func()
}

// NewRouterChain builds the chain for a consumer or provider URL. The
// application name comes from the URL's application parameter.
func NewRouterChain(url *common.URL, store config.DynamicConfiguration) *RouterChain {
	c := &RouterChain{store: store}
	app := url.Param(common.ApplicationKey, "")

	tag := newTagRouter()
	c.fixed = append(c.fixed, tag)
	if store != nil && app != "" {
		c.bind(app+config.TagRouterSuffix, tag)
	}

	if store != nil && app != "" {
		appRouter := newConditionRouter()
		c.fixed = append(c.fixed, appRouter)
		c.bind(app+config.ConditionRouterSuffix, appRouter)
	}

	svcRouter := newConditionRouter()
	c.fixed = append(c.fixed, svcRouter)
	if store != nil {
		c.bind(config.RuleKey(url)+config.ConditionRouterSuffix, svcRouter)
	}
	return c
}

// bind subscribes a rule listener and primes it with the current rule.
func (c *RouterChain) bind(key string, l config.Listener) {
	if err := c.store.AddListener(key, l); err != nil {
		routerLog.Warnf("subscribe rule %s: %v", key, err)
		return
	}
	c.unsubscribe = append(c.unsubscribe, func() { _ = c.store.RemoveListener(key, l) })
	if raw, err := c.store.GetRule(key, config.DefaultGroup); err == nil && raw != "" {
		l.Process(config.ChangeEvent{Key: key, Type: config.EventAdded, Value: raw})
	}
}

// Route runs the candidate list through every router in order.
func (c *RouterChain) Route(invokers []rpc.Invoker, url *common.URL, inv *rpc.Invocation) []rpc.Invoker {
	c.mu.RLock()
	routers := make([]Router, 0, len(c.fixed)+len(c.dynamic))
	routers = append(routers, c.fixed...)
	routers = append(routers, c.dynamic...)
	c.mu.RUnlock()

	for _, r := range routers {
		invokers = r.Route(invokers, url, inv)
	}
	return invokers
}

// SetDynamicRouters replaces the registry-pushed router tail. Condition
// URLs compile to condition routers; an empty-protocol URL clears the
// tail.
func (c *RouterChain) SetDynamicRouters(urls []*common.URL) {
	var routers []Router
	for _, u := range urls {
		if u.Protocol == common.EmptyProtocol {
			routers = nil
			break
		}
		rule, err := config.ParseConditionRule(u.Param("rule", ""))
		if err != nil {
			routerLog.Errorf("bad router url %s: %v", u, err)
			continue
		}
		r := newConditionRouter()
		r.swap(rule)
		routers = append(routers, r)
	}
	c.mu.Lock()
	c.dynamic = routers
	c.mu.Unlock()
}

// Destroy unsubscribes every rule listener.
func (c *RouterChain) Destroy() {
	for _, un := range c.unsubscribe {
		un()
	}
	c.unsubscribe = nil
}

// tagRouter is inert until a tag rule is pushed. With a rule in place,
// calls carrying a tag attachment stick to the addresses of that tag;
// untagged calls avoid all tagged addresses unless that empties the set.
type tagRouter struct {
	mu   sync.RWMutex
	rule *config.TagRule
}

func newTagRouter() *tagRouter { return &tagRouter{} }

// TagAttachmentKey names the invocation attachment and URL parameter
// carrying the traffic tag.
const TagAttachmentKey = "tag"

func (r *tagRouter) Process(e config.ChangeEvent) {
	if e.Type == config.EventDeleted {
		r.swap(nil)
		return
	}
	rule, err := config.ParseTagRule(e.Value)
	if err != nil {
		routerLog.Errorf("tag rule for %s unparseable, keeping previous: %v", e.Key, err)
		return
	}
	r.swap(rule)
}

func (r *tagRouter) swap(rule *config.TagRule) {
	r.mu.Lock()
	r.rule = rule
	r.mu.Unlock()
}

func (r *tagRouter) Route(invokers []rpc.Invoker, url *common.URL, inv *rpc.Invocation) []rpc.Invoker {
	r.mu.RLock()
	rule := r.rule
	r.mu.RUnlock()
	if rule == nil || !rule.IsEnabled() || len(invokers) == 0 {
		return invokers
	}

	tag := url.Param(TagAttachmentKey, "")
	if inv != nil {
		tag = inv.Attachment(TagAttachmentKey, tag)
	}

	tagged := make(map[string]string) // address -> tag name
	for _, t := range rule.Tags {
		for _, addr := range t.Addresses {
			tagged[addr] = t.Name
		}
	}

	var out []rpc.Invoker
	if tag != "" {
		for _, i := range invokers {
			if tagged[i.URL().Address()] == tag {
				out = append(out, i)
			}
		}
		if len(out) == 0 && !rule.Force {
			return invokers
		}
		return out
	}
	for _, i := range invokers {
		if _, isTagged := tagged[i.URL().Address()]; !isTagged {
			out = append(out, i)
		}
	}
	if len(out) == 0 && !rule.Force {
		return invokers
	}
	return out
}

// conditionRouter filters by `param op value` clauses evaluated against
// each provider URL. The host pseudo-parameter reads the URL host.
type conditionRouter struct {
	mu   sync.RWMutex
	rule *config.ConditionRule
}

func newConditionRouter() *conditionRouter { return &conditionRouter{} }

func (r *conditionRouter) Process(e config.ChangeEvent) {
	if e.Type == config.EventDeleted {
		r.swap(nil)
		return
	}
	rule, err := config.ParseConditionRule(e.Value)
	if err != nil {
		routerLog.Errorf("condition rule for %s unparseable, keeping previous: %v", e.Key, err)
		return
	}
	r.swap(rule)
}

func (r *conditionRouter) swap(rule *config.ConditionRule) {
	r.mu.Lock()
	r.rule = rule
	r.mu.Unlock()
}

func (r *conditionRouter) Route(invokers []rpc.Invoker, _ *common.URL, _ *rpc.Invocation) []rpc.Invoker {
	r.mu.RLock()
	rule := r.rule
	r.mu.RUnlock()
	if rule == nil || !rule.IsEnabled() || len(rule.Conditions) == 0 {
		return invokers
	}

	var out []rpc.Invoker
	for _, i := range invokers {
		if matchesConditions(i.URL(), rule.Conditions) {
			out = append(out, i)
		}
	}
	if len(out) == 0 && !rule.Force {
		return invokers
	}
	return out
}

// matchesConditions evaluates every clause; unparseable clauses are
// ignored rather than dropping traffic.
func matchesConditions(u *common.URL, conditions []string) bool {
	for _, cond := range conditions {
		key, op, want, ok := splitCondition(cond)
		if !ok {
			continue
		}
		got := u.Param(key, "")
		if key == "host" {
			got = u.Host
		}
		switch op {
		case "=":
			if got != want {
				return false
			}
		case "!=":
			if got == want {
				return false
			}
		}
	}
	return true
}

func splitCondition(cond string) (key, op, value string, ok bool) {
	if i := strings.Index(cond, "!="); i >= 0 {
		return strings.TrimSpace(cond[:i]), "!=", strings.TrimSpace(cond[i+2:]), true
	}
	if i := strings.Index(cond, "="); i >= 0 {
		return strings.TrimSpace(cond[:i]), "=", strings.TrimSpace(cond[i+1:]), true
	}
	return "", "", "", false
}
