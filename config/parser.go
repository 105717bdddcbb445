package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"nova-rpc/common"
)

// ConfiguratorConfig is the YAML shape of an override rule.
type ConfiguratorConfig struct {
	ConfigVersion string       `yaml:"configVersion"`
	Scope         string       `yaml:"scope"`
	Key           string       `yaml:"key"`
	Enabled       *bool        `yaml:"enabled"`
	Configs       []ConfigItem `yaml:"configs"`
}

// ConfigItem is one override block within a rule. Parameter values may
// be written as bare scalars in the YAML, so they decode loosely and are
// stringified on the way out.
type ConfigItem struct {
	Addresses  []string       `yaml:"addresses"`
	Side       string         `yaml:"side"`
	Parameters map[string]any `yaml:"parameters"`
	Enabled    *bool          `yaml:"enabled"`
}

// ParseConfigurators turns a raw rule payload into configurator URLs.
// Two payload forms are accepted: the YAML rule document, and the legacy
// form of one override:// URL per line. The caller builds Configurator
// values from the URLs.
func ParseConfigurators(raw string) ([]*common.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "override://") {
		return parseLegacyOverrides(trimmed)
	}

	var cfg ConfiguratorConfig
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse override rule: %w", err)
	}
	if cfg.Enabled != nil && !*cfg.Enabled {
		return nil, nil
	}
	iface, group, version := splitServiceKey(cfg.Key)

	var out []*common.URL
	for _, item := range cfg.Configs {
		if item.Enabled != nil && !*item.Enabled {
			continue
		}
		addresses := item.Addresses
		if len(addresses) == 0 {
			addresses = []string{common.AnyHostValue}
		}
		for _, addr := range addresses {
			params := map[string]string{
				common.CategoryKey: common.DynamicConfiguratorsCategory,
			}
			if cfg.ConfigVersion != "" {
				params["configVersion"] = cfg.ConfigVersion
			}
			if item.Side != "" {
				params[common.SideKey] = item.Side
			}
			if group != "" {
				params[common.GroupKey] = group
			}
			if version != "" {
				params[common.VersionKey] = version
			}
			for k, v := range item.Parameters {
				params[k] = fmt.Sprint(v)
			}
			host, port := splitAddress(addr)
			out = append(out, common.New(common.OverrideProtocol, host, port, iface, params))
		}
	}
	return out, nil
}

func parseLegacyOverrides(raw string) ([]*common.URL, error) {
	var out []*common.URL
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		u, err := common.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("parse override url %q: %w", line, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func splitServiceKey(key string) (iface, group, version string) {
	iface = key
	if i := strings.Index(iface, "/"); i >= 0 {
		group, iface = iface[:i], iface[i+1:]
	}
	if i := strings.LastIndex(iface, ":"); i >= 0 {
		iface, version = iface[:i], iface[i+1:]
	}
	return iface, group, version
}

func splitAddress(addr string) (host string, port int) {
	host = addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		var p int
		if _, err := fmt.Sscanf(addr[i+1:], "%d", &p); err == nil {
			host, port = addr[:i], p
		}
	}
	return host, port
}

// TagRule is the YAML shape of a tag-router rule.
type TagRule struct {
	Enabled *bool  `yaml:"enabled"`
	Force   bool   `yaml:"force"`
	Key     string `yaml:"key"`
	Tags    []Tag  `yaml:"tags"`
}

// Tag binds a tag name to the provider addresses carrying it.
type Tag struct {
	Name      string   `yaml:"name"`
	Addresses []string `yaml:"addresses"`
}

// IsEnabled defaults to true when the rule does not say.
func (r *TagRule) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// ParseTagRule decodes a tag-router rule payload.
func ParseTagRule(raw string) (*TagRule, error) {
	var rule TagRule
	if err := yaml.Unmarshal([]byte(raw), &rule); err != nil {
		return nil, fmt.Errorf("parse tag rule: %w", err)
	}
	return &rule, nil
}

// ConditionRule is the YAML shape of a condition-router rule.
type ConditionRule struct {
	Enabled    *bool    `yaml:"enabled"`
	Force      bool     `yaml:"force"`
	Key        string   `yaml:"key"`
	Conditions []string `yaml:"conditions"`
}

// IsEnabled defaults to true when the rule does not say.
func (r *ConditionRule) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// ParseConditionRule decodes a condition-router rule payload.
func ParseConditionRule(raw string) (*ConditionRule, error) {
	var rule ConditionRule
	if err := yaml.Unmarshal([]byte(raw), &rule); err != nil {
		return nil, fmt.Errorf("parse condition rule: %w", err)
	}
	return &rule, nil
}
