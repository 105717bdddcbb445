package cluster

import (
	"nova-rpc/common"
)

// Configurator derives an overridden URL from an override rule. A rule
// set is an ordered sequence; application is a left fold.
type Configurator interface {
	// ConfigURL is the rule URL the configurator was built from.
	ConfigURL() *common.URL
	// Configure applies the rule when it matches the target.
	Configure(target *common.URL) *common.URL
}

// controlKeys never transfer from a rule URL onto a target.
var controlKeys = []string{
	common.CategoryKey, common.DynamicKey, common.EnabledKey,
	common.SideKey, common.GroupKey, common.VersionKey,
	common.AnyHostKey, "configVersion",
}

// ToConfigurators builds a rule set from pushed configurator URLs. An
// empty-protocol URL clears the set (nil result with ok=true); URLs
// carrying no override parameters are skipped.
func ToConfigurators(urls []*common.URL) ([]Configurator, bool) {
	if len(urls) == 0 {
		return nil, false
	}
	var out []Configurator
	for _, u := range urls {
		if u.Protocol == common.EmptyProtocol {
			return nil, true
		}
		if !u.ParamBool(common.EnabledKey, true) {
			continue
		}
		override := u.WithoutParams(controlKeys...)
		if len(override.Params()) == 0 {
			continue
		}
		switch u.Protocol {
		case "absent":
			out = append(out, &absentConfigurator{base{rule: u}})
		default:
			out = append(out, &overrideConfigurator{base{rule: u}})
		}
	}
	return out, true
}

// ApplyConfigurators left-folds a rule set over a URL.
func ApplyConfigurators(configurators []Configurator, target *common.URL) *common.URL {
	for _, c := range configurators {
		target = c.Configure(target)
	}
	return target
}

type base struct {
	rule *common.URL
}

func (b base) ConfigURL() *common.URL { return b.rule }

// matches gates a rule on address, side, group and version.
func (b base) matches(target *common.URL) bool {
	r := b.rule
	if r.Host != "" && r.Host != common.AnyHostValue && r.Host != target.Host {
		return false
	}
	if r.Port > 0 && r.Port != target.Port {
		return false
	}
	if side := r.Param(common.SideKey, ""); side != "" && side != target.Param(common.SideKey, side) {
		return false
	}
	for _, key := range []string{common.GroupKey, common.VersionKey} {
		if v := r.Param(key, ""); v != "" && v != common.AnyValue && v != target.Param(key, "") {
			return false
		}
	}
	return true
}

func (b base) overrides() map[string]string {
	return b.rule.WithoutParams(controlKeys...).Params()
}

// overrideConfigurator replaces target parameters with the rule's.
type overrideConfigurator struct {
	base
}

func (c *overrideConfigurator) Configure(target *common.URL) *common.URL {
	if !c.matches(target) {
		return target
	}
	return target.WithParams(c.overrides())
}

// absentConfigurator fills in only parameters the target is missing.
type absentConfigurator struct {
	base
}

func (c *absentConfigurator) Configure(target *common.URL) *common.URL {
	if !c.matches(target) {
		return target
	}
	out := target
	for k, v := range c.overrides() {
		if !out.HasParam(k) {
			out = out.WithParam(k, v)
		}
	}
	return out
}
