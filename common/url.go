// Package common defines the URL descriptor threaded through every call in
// the framework.
//
// A URL is both a routing key and a configuration carrier:
//
//	registry://10.0.0.1:2181/RegistryService?registry=etcd&export=dubbo%3A%2F%2F...
//	└protocol┘ └─ host:port ┘└──── path ───┘ └───────── parameters ─────────────┘
//
// URLs are immutable. Every derivation (WithParam, WithProtocol, ...) returns
// a new URL and never touches the receiver, so URLs can be shared across
// goroutines and used as map keys via their canonical string form.
package common

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Well-known parameter keys interpreted by the core.
const (
	ProtocolKey      = "protocol"
	RegistryKey      = "registry"
	CategoryKey      = "category"
	CheckKey         = "check"
	RegisterKey      = "register"
	DynamicKey       = "dynamic"
	EnabledKey       = "enabled"
	GroupKey         = "group"
	VersionKey       = "version"
	InterfaceKey     = "interface"
	MethodsKey       = "methods"
	TimeoutKey       = "timeout"
	RetriesKey       = "retries"
	ClusterKey       = "cluster"
	LoadBalanceKey   = "loadbalance"
	ProxyKey         = "proxy"
	MockKey          = "mock"
	ExportKey        = "export"
	ReferKey         = "refer"
	AnyHostKey       = "anyhost"
	SideKey          = "side"
	PathKey          = "path"
	ApplicationKey   = "application"
	WeightKey        = "weight"
	SimplifiedKey    = "simplified"
	ExtraKeysKey     = "extra-keys"
	ShutdownWaitKey  = "shutdownTimeout"
	AnyValue         = "*"
	AnyHostValue     = "0.0.0.0"
	ProviderSide     = "provider"
	ConsumerSide     = "consumer"

	// Registry categories and the protocols of synthetic URLs.
	ProvidersCategory            = "providers"
	ConsumersCategory            = "consumers"
	RoutersCategory              = "routers"
	ConfiguratorsCategory        = "configurators"
	DynamicConfiguratorsCategory = "dynamicconfigurators"
	OverrideProtocol             = "override"
	EmptyProtocol                = "empty"
	ProviderProtocol             = "provider"
	ConsumerProtocol             = "consumer"
	RegistryProtocolName         = "registry"
	HideKeyPrefix    = "."
	CommaSeparator   = ","
	DefaultTimeoutMS = 1000
)

// URL is the canonical descriptor of an endpoint and its parameters.
// The zero URL is not useful; construct via New or Parse.
type URL struct {
	Protocol string
	Host     string
	Port     int
	Path     string
	params   map[string]string
}

// New constructs a URL from components. The parameter map is copied.
func New(protocol, host string, port int, path string, params map[string]string) *URL {
	u := &URL{
		Protocol: protocol,
		Host:     host,
		Port:     port,
		Path:     strings.TrimPrefix(path, "/"),
		params:   make(map[string]string, len(params)),
	}
	for k, v := range params {
		u.params[k] = v
	}
	return u
}

// Parse decodes the canonical form produced by String.
func Parse(raw string) (*URL, error) {
	rest := raw
	idx := strings.Index(rest, "://")
	if idx < 0 {
		return nil, fmt.Errorf("url missing protocol separator: %q", raw)
	}
	protocol := rest[:idx]
	if protocol == "" {
		return nil, fmt.Errorf("url missing protocol: %q", raw)
	}
	rest = rest[idx+3:]

	params := map[string]string{}
	if q := strings.Index(rest, "?"); q >= 0 {
		query := rest[q+1:]
		rest = rest[:q]
		for _, pair := range strings.Split(query, "&") {
			if pair == "" {
				continue
			}
			var k, v string
			if eq := strings.Index(pair, "="); eq >= 0 {
				k, v = pair[:eq], pair[eq+1:]
			} else {
				k = pair
			}
			dk, err := url.QueryUnescape(k)
			if err != nil {
				return nil, fmt.Errorf("bad parameter key %q: %w", k, err)
			}
			dv, err := url.QueryUnescape(v)
			if err != nil {
				return nil, fmt.Errorf("bad parameter value %q: %w", v, err)
			}
			params[dk] = dv
		}
	}

	path := ""
	if slash := strings.Index(rest, "/"); slash >= 0 {
		path = rest[slash+1:]
		rest = rest[:slash]
	}

	host := rest
	port := 0
	if colon := strings.LastIndex(rest, ":"); colon >= 0 {
		p, err := strconv.Atoi(rest[colon+1:])
		if err != nil {
			return nil, fmt.Errorf("bad port in %q: %w", raw, err)
		}
		host, port = rest[:colon], p
	}

	u := New(protocol, host, port, path, nil)
	u.params = params
	return u, nil
}

// MustParse is Parse for statically known inputs, mostly tests.
func MustParse(raw string) *URL {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// String renders the canonical form. Parameters are sorted by key so the
// output is stable and usable as a cache key; values are percent-encoded.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.Protocol)
	b.WriteString("://")
	b.WriteString(u.Host)
	if u.Port > 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(u.Port))
	}
	if u.Path != "" {
		b.WriteString("/")
		b.WriteString(u.Path)
	}
	if len(u.params) > 0 {
		keys := make([]string, 0, len(u.params))
		for k := range u.params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sep := "?"
		for _, k := range keys {
			b.WriteString(sep)
			sep = "&"
			b.WriteString(url.QueryEscape(k))
			b.WriteString("=")
			b.WriteString(url.QueryEscape(u.params[k]))
		}
	}
	return b.String()
}

// Address returns host:port, or just host when no port is set.
func (u *URL) Address() string {
	if u.Port > 0 {
		return u.Host + ":" + strconv.Itoa(u.Port)
	}
	return u.Host
}

// Param reads a parameter, returning def when absent or empty.
func (u *URL) Param(key, def string) string {
	if v, ok := u.params[key]; ok && v != "" {
		return v
	}
	return def
}

// ParamBool reads a boolean parameter. Any value other than "false" and
// "0" counts as true, matching the truthy convention of override rules.
func (u *URL) ParamBool(key string, def bool) bool {
	v, ok := u.params[key]
	if !ok || v == "" {
		return def
	}
	return v != "false" && v != "0"
}

// ParamInt reads an integer parameter, returning def on absence or garbage.
func (u *URL) ParamInt(key string, def int) int {
	v, ok := u.params[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// HasParam reports whether key is present with a non-empty value.
func (u *URL) HasParam(key string) bool {
	return u.params[key] != ""
}

// ParamURL reads a parameter holding a nested, percent-encoded URL
// (the export/refer convention).
func (u *URL) ParamURL(key string) (*URL, error) {
	v := u.Param(key, "")
	if v == "" {
		return nil, fmt.Errorf("url parameter %q is empty", key)
	}
	return Parse(v)
}

// Params returns a copy of the parameter map.
func (u *URL) Params() map[string]string {
	out := make(map[string]string, len(u.params))
	for k, v := range u.params {
		out[k] = v
	}
	return out
}

// ParamKeys returns the parameter keys in sorted order.
func (u *URL) ParamKeys() []string {
	keys := make([]string, 0, len(u.params))
	for k := range u.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (u *URL) clone() *URL {
	return New(u.Protocol, u.Host, u.Port, u.Path, u.params)
}

// WithParam derives a URL with one parameter replaced.
func (u *URL) WithParam(key, value string) *URL {
	c := u.clone()
	c.params[key] = value
	return c
}

// WithParams derives a URL with all given parameters replaced.
func (u *URL) WithParams(params map[string]string) *URL {
	c := u.clone()
	for k, v := range params {
		c.params[k] = v
	}
	return c
}

// WithoutParams derives a URL with the given parameters removed.
func (u *URL) WithoutParams(keys ...string) *URL {
	c := u.clone()
	for _, k := range keys {
		delete(c.params, k)
	}
	return c
}

// Select derives a URL keeping only the allowlisted parameters.
func (u *URL) Select(keys ...string) *URL {
	c := New(u.Protocol, u.Host, u.Port, u.Path, nil)
	for _, k := range keys {
		if v, ok := u.params[k]; ok {
			c.params[k] = v
		}
	}
	return c
}

// WithProtocol derives a URL with the protocol replaced.
func (u *URL) WithProtocol(protocol string) *URL {
	c := u.clone()
	c.Protocol = protocol
	return c
}

// WithHost derives a URL with the host replaced.
func (u *URL) WithHost(host string) *URL {
	c := u.clone()
	c.Host = host
	return c
}

// WithPort derives a URL with the port replaced.
func (u *URL) WithPort(port int) *URL {
	c := u.clone()
	c.Port = port
	return c
}

// WithPath derives a URL with the path replaced.
func (u *URL) WithPath(path string) *URL {
	c := u.clone()
	c.Path = strings.TrimPrefix(path, "/")
	return c
}

// ServiceInterface returns the interface parameter, falling back to path.
func (u *URL) ServiceInterface() string {
	return u.Param(InterfaceKey, u.Path)
}

// ServiceKey builds the {group}/{interface}:{version} key identifying the
// service this URL addresses. Empty group and version segments are elided.
func (u *URL) ServiceKey() string {
	return BuildServiceKey(u.ServiceInterface(), u.Param(GroupKey, ""), u.Param(VersionKey, ""))
}

// BuildServiceKey assembles a service key from its three components.
func BuildServiceKey(iface, group, version string) string {
	key := iface
	if group != "" {
		key = group + "/" + key
	}
	if version != "" {
		key = key + ":" + version
	}
	return key
}

// CacheKey is the canonical form with the dynamic and enabled parameters
// removed. It uniquely identifies a local export slot.
func (u *URL) CacheKey() string {
	return u.WithoutParams(DynamicKey, EnabledKey).String()
}

// ParseQuery decodes a query-string fragment ("a=1&b=2") into a map,
// the form the refer parameter carries consumer-side parameters in.
func ParseQuery(query string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		var k, v string
		if eq := strings.Index(pair, "="); eq >= 0 {
			k, v = pair[:eq], pair[eq+1:]
		} else {
			k = pair
		}
		dk, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("bad query key %q: %w", k, err)
		}
		dv, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("bad query value %q: %w", v, err)
		}
		out[dk] = dv
	}
	return out, nil
}

// ToQuery encodes a map as a sorted, percent-encoded query string.
func ToQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("&")
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteString("=")
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// Equal reports whether two URLs address the same endpoint with the same
// parameter set. Parameter insertion order is irrelevant.
func (u *URL) Equal(o *URL) bool {
	if u == nil || o == nil {
		return u == o
	}
	if u.Protocol != o.Protocol || u.Host != o.Host || u.Port != o.Port || u.Path != o.Path {
		return false
	}
	if len(u.params) != len(o.params) {
		return false
	}
	for k, v := range u.params {
		if o.params[k] != v {
			return false
		}
	}
	return true
}
