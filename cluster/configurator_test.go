package cluster

import (
	"testing"

	"nova-rpc/common"
)

func TestOverrideConfigurator(t *testing.T) {
	rule := common.MustParse("override://0.0.0.0/svc.Demo?category=configurators&weight=200&timeout=500")
	cfgs, ok := ToConfigurators([]*common.URL{rule})
	if !ok || len(cfgs) != 1 {
		t.Fatalf("cfgs = %v ok = %v", cfgs, ok)
	}
	target := common.MustParse("dubbo://10.0.0.1:20880/svc.Demo?timeout=1000")
	out := cfgs[0].Configure(target)
	if out.Param("weight", "") != "200" || out.Param("timeout", "") != "500" {
		t.Fatalf("out = %s", out)
	}
	// Control keys never transfer.
	if out.HasParam(common.CategoryKey) {
		t.Fatalf("category leaked: %s", out)
	}
	// The original is untouched.
	if target.Param("timeout", "") != "1000" {
		t.Fatal("configurator mutated its input")
	}
}

func TestConfiguratorAddressMatch(t *testing.T) {
	rule := common.MustParse("override://10.0.0.9:20880/svc.Demo?weight=200")
	cfgs, _ := ToConfigurators([]*common.URL{rule})
	other := common.MustParse("dubbo://10.0.0.1:20880/svc.Demo")
	if cfgs[0].Configure(other).HasParam("weight") {
		t.Fatal("rule applied to a different host")
	}
	same := common.MustParse("dubbo://10.0.0.9:20880/svc.Demo")
	if cfgs[0].Configure(same).Param("weight", "") != "200" {
		t.Fatal("rule skipped its own host")
	}
}

func TestConfiguratorGroupVersionGate(t *testing.T) {
	rule := common.MustParse("override://0.0.0.0/svc.Demo?group=g1&weight=200")
	cfgs, _ := ToConfigurators([]*common.URL{rule})
	otherGroup := common.MustParse("dubbo://10.0.0.1:20880/svc.Demo?group=g2")
	if cfgs[0].Configure(otherGroup).HasParam("weight") {
		t.Fatal("rule crossed groups")
	}
	sameGroup := common.MustParse("dubbo://10.0.0.1:20880/svc.Demo?group=g1")
	if cfgs[0].Configure(sameGroup).Param("weight", "") != "200" {
		t.Fatal("rule skipped its group")
	}
}

func TestAbsentConfigurator(t *testing.T) {
	rule := common.MustParse("absent://0.0.0.0/svc.Demo?timeout=500&retries=5")
	cfgs, _ := ToConfigurators([]*common.URL{rule})
	target := common.MustParse("dubbo://10.0.0.1:20880/svc.Demo?timeout=1000")
	out := cfgs[0].Configure(target)
	if out.Param("timeout", "") != "1000" {
		t.Fatal("absent rule replaced an existing parameter")
	}
	if out.Param("retries", "") != "5" {
		t.Fatal("absent rule skipped a missing parameter")
	}
}

func TestConfiguratorSetSemantics(t *testing.T) {
	// An empty-protocol URL clears the rule set.
	cfgs, ok := ToConfigurators([]*common.URL{common.MustParse("empty://0.0.0.0/svc.Demo")})
	if !ok || cfgs != nil {
		t.Fatalf("empty protocol: cfgs = %v ok = %v", cfgs, ok)
	}
	// No URLs means "no change".
	if _, ok := ToConfigurators(nil); ok {
		t.Fatal("nil input must report no change")
	}
	// Disabled and parameter-free rules are skipped.
	cfgs, ok = ToConfigurators([]*common.URL{
		common.MustParse("override://0.0.0.0/svc.Demo?enabled=false&weight=1"),
		common.MustParse("override://0.0.0.0/svc.Demo?category=configurators"),
	})
	if !ok || len(cfgs) != 0 {
		t.Fatalf("cfgs = %v", cfgs)
	}
}

func TestApplyConfiguratorsLeftFold(t *testing.T) {
	first := common.MustParse("override://0.0.0.0/svc.Demo?x=1&a=first")
	second := common.MustParse("override://0.0.0.0/svc.Demo?x=2&b=second")
	cfgs, _ := ToConfigurators([]*common.URL{first, second})
	out := ApplyConfigurators(cfgs, common.MustParse("dubbo://10.0.0.1:20880/svc.Demo"))
	if out.Param("x", "") != "2" || out.Param("a", "") != "first" || out.Param("b", "") != "second" {
		t.Fatalf("fold = %s", out)
	}
}
