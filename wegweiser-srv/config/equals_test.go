package config

import "testing"

func baseTestConfig() *Config {
	return &Config{
		Servers: []ServerConfig{
			{Type: ProxyTypeStandard, ListenAddress: "127.0.0.1:8080", Enabled: true},
		},
		TimeoutSeconds: 30,
		Escapers: map[string]Escaper{
			"default": &EscaperDirect{},
			"corp":    &EscaperProxyHTTP{Address: "proxy:3128"},
		},
		DefaultEscaper: "default",
		Tenants: []TenantConfig{
			{Name: "research", Networks: []string{"10.0.0.0/8"}, Escaper: "corp"},
		},
		Blocklist: &ClassifierDomain{Domain: "ads.example.com", Op: ClassifierOpContains},
	}
}

func TestHasChangedIdentical(t *testing.T) {
	a := baseTestConfig()
	b := baseTestConfig()
	if HasChanged(a, b) {
		t.Errorf("Expected identical configs to be unchanged")
	}
}

func TestHasChangedNil(t *testing.T) {
	a := baseTestConfig()
	if !HasChanged(a, nil) {
		t.Errorf("Expected change against nil config")
	}
	if HasChanged(nil, nil) {
		t.Errorf("Expected two nil configs to be unchanged")
	}
}

func TestHasChangedFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"server address", func(c *Config) { c.Servers[0].ListenAddress = "127.0.0.1:9090" }},
		{"timeout", func(c *Config) { c.TimeoutSeconds = 60 }},
		{"default escaper", func(c *Config) { c.DefaultEscaper = "corp" }},
		{"escaper added", func(c *Config) { c.Escapers["deny"] = &EscaperDeny{} }},
		{"escaper modified", func(c *Config) { c.Escapers["corp"] = &EscaperProxyHTTP{Address: "other:3128"} }},
		{"escaper retyped", func(c *Config) { c.Escapers["corp"] = &EscaperProxySocks5{Address: "proxy:3128"} }},
		{"tenant escaper", func(c *Config) { c.Tenants[0].Escaper = "default" }},
		{"tenant network", func(c *Config) { c.Tenants[0].Networks = []string{"10.0.0.0/16"} }},
		{"blocklist", func(c *Config) { c.Blocklist = &ClassifierFalse{} }},
		{"interception", func(c *Config) { c.Interception.Enabled = true }},
		{"statistics", func(c *Config) { c.Statistics.Backend = "sqlite" }},
		{"portal", func(c *Config) { c.Portal.Domain = "other.internal" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := baseTestConfig()
			b := baseTestConfig()
			tc.mutate(b)
			if !HasChanged(a, b) {
				t.Errorf("Expected change to be detected")
			}
		})
	}
}

func TestEscaperEqualRouteVariants(t *testing.T) {
	a := &EscaperRouteUpstream{
		Rules: []RouteUpstreamRule{
			{
				Next:         "corp",
				ChildDomains: []string{"corp.example.com"},
				RegexRules:   []RouteRegexRule{{ParentDomain: "example.net", Pattern: "^cdn"}},
			},
		},
		DefaultNext: "default",
	}
	b := &EscaperRouteUpstream{
		Rules: []RouteUpstreamRule{
			{
				Next:         "corp",
				ChildDomains: []string{"corp.example.com"},
				RegexRules:   []RouteRegexRule{{ParentDomain: "example.net", Pattern: "^cdn"}},
			},
		},
		DefaultNext: "default",
	}
	if !escaperEqual(a, b) {
		t.Errorf("Expected equal route-upstream escapers")
	}

	b.Rules[0].RegexRules[0].Pattern = "^img"
	if escaperEqual(a, b) {
		t.Errorf("Expected regex change to be detected")
	}

	sel1 := &EscaperRouteSelect{PickPolicy: PickPolicyJump, Nodes: []SelectNode{{Next: "a", Weight: 1}}}
	sel2 := &EscaperRouteSelect{PickPolicy: PickPolicyJump, Nodes: []SelectNode{{Next: "a", Weight: 2}}}
	if escaperEqual(sel1, sel2) {
		t.Errorf("Expected weight change to be detected")
	}
}
