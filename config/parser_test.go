package config

import (
	"testing"
)

func TestParseConfiguratorsYAML(t *testing.T) {
	raw := `
configVersion: v2.7
scope: service
key: g1/svc.Demo:1.0
enabled: true
configs:
  - addresses: ["10.0.0.1:20880"]
    side: provider
    parameters:
      weight: 200
      timeout: 500
  - addresses: []
    side: consumer
    parameters:
      loadbalance: roundrobin
`
	urls, err := ParseConfigurators(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 2 {
		t.Fatalf("urls = %d", len(urls))
	}
	first := urls[0]
	if first.Protocol != "override" || first.Host != "10.0.0.1" || first.Port != 20880 {
		t.Fatalf("first = %s", first)
	}
	if first.Param("weight", "") != "200" || first.Param("timeout", "") != "500" {
		t.Fatalf("parameters lost: %s", first)
	}
	if first.Param("group", "") != "g1" || first.Param("version", "") != "1.0" || first.Path != "svc.Demo" {
		t.Fatalf("service key split wrong: %s", first)
	}
	// Empty addresses default to the any-host wildcard.
	if urls[1].Host != "0.0.0.0" {
		t.Fatalf("second host = %q", urls[1].Host)
	}
}

func TestParseConfiguratorsDisabled(t *testing.T) {
	raw := `
configVersion: v2.7
key: svc.Demo
enabled: false
configs:
  - addresses: ["0.0.0.0"]
    parameters: {weight: 1}
`
	urls, err := ParseConfigurators(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 0 {
		t.Fatalf("disabled rule produced %d urls", len(urls))
	}
}

func TestParseConfiguratorsLegacy(t *testing.T) {
	raw := "override://0.0.0.0/svc.Demo?category=configurators&weight=200"
	urls, err := ParseConfigurators(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 1 || urls[0].Param("weight", "") != "200" {
		t.Fatalf("urls = %v", urls)
	}
}

func TestParseConfiguratorsGarbage(t *testing.T) {
	if _, err := ParseConfigurators(":\nnot yaml [\x00"); err == nil {
		t.Fatal("garbage payload parsed")
	}
}

func TestParseTagRule(t *testing.T) {
	raw := `
enabled: true
force: false
key: demo-app
tags:
  - name: canary
    addresses: ["10.0.0.2:20880"]
`
	rule, err := ParseTagRule(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !rule.IsEnabled() || len(rule.Tags) != 1 || rule.Tags[0].Name != "canary" {
		t.Fatalf("rule = %+v", rule)
	}
}

func TestParseConditionRule(t *testing.T) {
	raw := `
enabled: true
key: svc.Demo
conditions:
  - host != 10.0.0.9
`
	rule, err := ParseConditionRule(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(rule.Conditions) != 1 || rule.Conditions[0] != "host != 10.0.0.9" {
		t.Fatalf("rule = %+v", rule)
	}
}
