package extension

import (
	"fmt"
	"strings"
	"unicode"

	"nova-rpc/common"
)

// AdaptiveName resolves the extension name an adaptive implementation
// must dispatch to. Keys are consulted in order; the special key
// "protocol" reads the URL's protocol component rather than a parameter.
// With no keys declared, the point's default key (DefaultKey of the
// capability type name) is consulted. The point default name is the final
// fallback; with none, the resolution fails.
func AdaptiveName(u *common.URL, keys []string, defaultKey, defaultName string) (string, error) {
	if u == nil {
		return "", ErrAdaptiveURLMissing
	}
	if len(keys) == 0 && defaultKey != "" {
		keys = []string{defaultKey}
	}
	for _, k := range keys {
		if k == common.ProtocolKey {
			if u.Protocol != "" {
				return u.Protocol, nil
			}
			continue
		}
		if v := u.Param(k, ""); v != "" {
			return v, nil
		}
	}
	if defaultName != "" {
		return defaultName, nil
	}
	return "", fmt.Errorf("%w: url %s, keys %v", ErrAdaptiveNameUnresolved, u, keys)
}

// AdaptiveNameFor is AdaptiveName with the default key and name taken
// from the loader's point declaration.
func AdaptiveNameFor[T any](l *Loader[T], u *common.URL, keys ...string) (string, error) {
	return AdaptiveName(u, keys, DefaultKey(typeOf[T]().Name()), l.DefaultName())
}

// DefaultKey derives a parameter key from a capability type name by
// splitting on uppercase letters: "YyyInvokerWrapper" -> "yyy.invoker.wrapper".
func DefaultKey(typeName string) string {
	if typeName == "" {
		return ""
	}
	var parts []string
	start := 0
	for i, r := range typeName {
		if i > 0 && unicode.IsUpper(r) {
			parts = append(parts, strings.ToLower(typeName[start:i]))
			start = i
		}
	}
	parts = append(parts, strings.ToLower(typeName[start:]))
	return strings.Join(parts, ".")
}
