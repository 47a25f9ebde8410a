package escaper

import (
	"context"
	"testing"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildUpstreamRouter wires a route-upstream escaper whose rule targets
// are deny escapers, so tests can assert routing by escaper name.
func buildUpstreamRouter(t *testing.T, routeCfg *config.EscaperRouteUpstream, exits ...string) *RouteUpstreamEscaper {
	t.Helper()
	escapers := map[string]config.Escaper{"router": routeCfg}
	for _, exit := range exits {
		escapers[exit] = &config.EscaperDeny{}
	}
	reg, err := NewRegistry(&config.Config{
		Escapers:       escapers,
		DefaultEscaper: "router",
	})
	require.NoError(t, err)

	esc, err := reg.Get("router")
	require.NoError(t, err)
	router, ok := esc.(*RouteUpstreamEscaper)
	require.True(t, ok)
	return router
}

func mustTarget(t *testing.T, addr string) Target {
	t.Helper()
	target, err := ParseTarget(addr)
	require.NoError(t, err)
	return target
}

func TestRouteUpstreamDomainOrder(t *testing.T) {
	router := buildUpstreamRouter(t, &config.EscaperRouteUpstream{
		Rules: []config.RouteUpstreamRule{
			{Next: "exact", ExactHosts: []string{"www.example.com"}},
			{Next: "child", ChildDomains: []string{"example.com"}},
			{Next: "child-deep", ChildDomains: []string{"eu.example.com"}},
			{Next: "regex", RegexRules: []config.RouteRegexRule{
				{ParentDomain: "example.org", Pattern: `^cdn\d+$`},
			}},
		},
		DefaultNext: "fallback",
	}, "exact", "child", "child-deep", "regex", "fallback")

	tests := []struct {
		target string
		want   string
	}{
		{"www.example.com:443", "exact"},          // exact beats child
		{"WWW.EXAMPLE.COM:443", "exact"},          // case-insensitive
		{"api.example.com:443", "child"},          // child suffix
		{"example.com:443", "child"},              // a domain is its own child
		{"db.eu.example.com:443", "child-deep"},   // most specific parent wins
		{"cdn42.example.org:443", "regex"},        // regex scoped to parent
		{"cdnx.example.org:443", "fallback"},      // prefix fails the regex
		{"cdn42.example.net:443", "fallback"},     // wrong parent for the regex
		{"deep.cdn42.example.org:443", "fallback"}, // regex covers the whole prefix
	}
	for _, tt := range tests {
		next := router.match(mustTarget(t, tt.target))
		require.NotNil(t, next, tt.target)
		assert.Equal(t, tt.want, next.Name(), tt.target)
	}
}

func TestRouteUpstreamIPOrder(t *testing.T) {
	router := buildUpstreamRouter(t, &config.EscaperRouteUpstream{
		Rules: []config.RouteUpstreamRule{
			{Next: "exact-ip", ExactIPs: []string{"192.0.2.1"}},
			{Next: "wide", Subnets: []string{"192.0.2.0/24"}},
			{Next: "narrow", Subnets: []string{"192.0.2.0/28"}},
		},
		DefaultNext: "fallback",
	}, "exact-ip", "wide", "narrow", "fallback")

	tests := []struct {
		target string
		want   string
	}{
		{"192.0.2.1:80", "exact-ip"},  // exact beats both subnets
		{"192.0.2.9:80", "narrow"},    // longest prefix wins
		{"192.0.2.200:80", "wide"},    // only the /24 covers it
		{"198.51.100.1:80", "fallback"},
	}
	for _, tt := range tests {
		next := router.match(mustTarget(t, tt.target))
		require.NotNil(t, next, tt.target)
		assert.Equal(t, tt.want, next.Name(), tt.target)
	}
}

func TestRouteUpstreamNeverResolves(t *testing.T) {
	// A domain rule must not catch the IP form of the same upstream.
	router := buildUpstreamRouter(t, &config.EscaperRouteUpstream{
		Rules: []config.RouteUpstreamRule{
			{Next: "domains", ChildDomains: []string{"example.com"}},
		},
		DefaultNext: "fallback",
	}, "domains", "fallback")

	next := router.match(mustTarget(t, "93.184.216.34:443"))
	require.NotNil(t, next)
	assert.Equal(t, "fallback", next.Name())
}

func TestRouteUpstreamNoDefault(t *testing.T) {
	router := buildUpstreamRouter(t, &config.EscaperRouteUpstream{
		Rules: []config.RouteUpstreamRule{
			{Next: "exit", ExactHosts: []string{"known.example.com"}},
		},
	}, "exit")

	info := &DialInfo{}
	_, err := router.Connect(context.Background(), info, mustTarget(t, "unknown.example.com:443"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route for target")
}

func TestRouteClientMatching(t *testing.T) {
	escapers := map[string]config.Escaper{
		"router": &config.EscaperRouteClient{
			Rules: []config.RouteClientRule{
				{Next: "vip", ExactIPs: []string{"10.0.0.5"}},
				{Next: "office", Subnets: []string{"10.0.0.0/16"}},
				{Next: "lab", Subnets: []string{"10.0.0.0/24"}},
			},
			DefaultNext: "fallback",
		},
		"vip":      &config.EscaperDeny{},
		"office":   &config.EscaperDeny{},
		"lab":      &config.EscaperDeny{},
		"fallback": &config.EscaperDeny{},
	}
	reg, err := NewRegistry(&config.Config{Escapers: escapers, DefaultEscaper: "router"})
	require.NoError(t, err)

	esc, err := reg.Get("router")
	require.NoError(t, err)
	router := esc.(*RouteClientEscaper)

	tests := []struct {
		clientIP string
		want     string
	}{
		{"10.0.0.5", "vip"},      // exact beats subnets
		{"10.0.0.9", "lab"},      // longest prefix wins
		{"10.0.9.9", "office"},   // only the /16 covers it
		{"192.0.2.77", "fallback"},
		{"not-an-ip", "fallback"},
	}
	for _, tt := range tests {
		next := router.match(tt.clientIP)
		require.NotNil(t, next, tt.clientIP)
		assert.Equal(t, tt.want, next.Name(), tt.clientIP)
	}
}
