package resolver

import (
	"context"
	"strings"
	"testing"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
)

func TestGetResolverDisabled(t *testing.T) {
	r := GetResolver(config.DNSConfig{Enabled: false})
	if r == nil {
		t.Fatalf("Expected a resolver")
	}
	if r.Dial != nil {
		t.Errorf("Expected system resolver without custom dial")
	}
}

func TestGetResolverEnabled(t *testing.T) {
	cfg := config.DNSConfig{
		Enabled: true,
		Servers: []config.DNSServerConfig{
			{Address: "192.0.2.1:53", Type: config.DNSTypeUDP, TimeoutSeconds: 1},
		},
	}
	r := GetResolver(cfg)
	if r.Dial == nil {
		t.Fatalf("Expected custom dial function")
	}

	// Changing the config must rebuild the shared resolver
	cfg.Servers[0].Address = "192.0.2.2:53"
	r2 := GetResolver(cfg)
	if r2.Dial == nil {
		t.Fatalf("Expected custom dial function after reconfigure")
	}
}

func TestResolverRoundRobin(t *testing.T) {
	r := NewResolver(config.DNSConfig{
		Enabled: true,
		Servers: []config.DNSServerConfig{
			{Address: "192.0.2.1:53", Type: config.DNSTypeUDP, TimeoutSeconds: 1},
			{Address: "192.0.2.2:53", Type: config.DNSTypeTCP, TimeoutSeconds: 1},
		},
	})

	first := r.nextServer()
	second := r.nextServer()
	third := r.nextServer()

	if first.Address != "192.0.2.1:53" || second.Address != "192.0.2.2:53" {
		t.Errorf("Unexpected rotation order: %s, %s", first.Address, second.Address)
	}
	if third.Address != first.Address {
		t.Errorf("Expected rotation to wrap around, got %s", third.Address)
	}
}

func TestResolverDialUnsupportedType(t *testing.T) {
	r := NewResolver(config.DNSConfig{
		Enabled: true,
		Servers: []config.DNSServerConfig{
			{Address: "192.0.2.1:53", Type: config.DNSType("doh"), TimeoutSeconds: 1},
		},
	})

	_, err := r.Dial(context.Background(), "udp", "192.0.2.1:53")
	if err == nil {
		t.Fatalf("Expected error for unsupported DNS type")
	}
	if !strings.Contains(err.Error(), "unsupported DNS server type") {
		t.Errorf("Unexpected error: %v", err)
	}
}
