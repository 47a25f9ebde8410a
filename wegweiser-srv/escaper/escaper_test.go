package escaper

import (
	"context"
	"net"
	"testing"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEscaper stands in for a terminal escaper in routing tests.
type fakeEscaper struct {
	baseEscaper
	dial func(ctx context.Context, info *DialInfo, target Target) (net.Conn, error)
}

func (f *fakeEscaper) Type() config.EscaperType { return config.EscaperTypeDirect }

func (f *fakeEscaper) Connect(ctx context.Context, info *DialInfo, target Target) (net.Conn, error) {
	if err := info.record(f.name); err != nil {
		return nil, err
	}
	if f.dial != nil {
		return f.dial(ctx, info, target)
	}
	return nil, nil
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantHost string
		wantPort uint16
		wantIP   bool
		wantErr  bool
	}{
		{name: "domain", input: "example.com:443", wantHost: "example.com", wantPort: 443},
		{name: "ipv4", input: "192.0.2.1:80", wantHost: "192.0.2.1", wantPort: 80, wantIP: true},
		{name: "ipv6", input: "[2001:db8::1]:8080", wantHost: "2001:db8::1", wantPort: 8080, wantIP: true},
		{name: "missing port", input: "example.com", wantErr: true},
		{name: "bad port", input: "example.com:notaport", wantErr: true},
		{name: "port out of range", input: "example.com:70000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := ParseTarget(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, target.Host)
			assert.Equal(t, tt.wantPort, target.Port)
			assert.Equal(t, tt.wantIP, target.IsIP())
		})
	}
}

func TestDialInfoHopLimit(t *testing.T) {
	info := &DialInfo{}
	for i := 0; i < maxChainHops; i++ {
		require.NoError(t, info.record("hop"))
	}
	err := info.record("one-too-many")
	require.ErrorIs(t, err, ErrChainTooDeep)
	assert.Len(t, info.Path, maxChainHops)
}

func TestDenyEscaper(t *testing.T) {
	deny := newDenyEscaper("blocked", &config.EscaperDeny{Reason: "policy"})
	info := &DialInfo{ClientIP: "192.0.2.10"}
	target, err := ParseTarget("example.com:443")
	require.NoError(t, err)

	conn, err := deny.Connect(context.Background(), info, target)
	require.Nil(t, conn)
	require.ErrorIs(t, err, ErrDenied)
	assert.Contains(t, err.Error(), "policy")
	assert.Equal(t, []string{"blocked"}, info.Path)

	snap := deny.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.ConnectAttempted)
	assert.Equal(t, int64(1), snap.ConnectFailed)
}

func TestRegistryBuild(t *testing.T) {
	cfg := &config.Config{
		TimeoutSeconds: 5,
		Escapers: map[string]config.Escaper{
			"default": &config.EscaperDirect{},
			"blocked": &config.EscaperDeny{},
			"router": &config.EscaperRouteUpstream{
				Rules: []config.RouteUpstreamRule{
					{Next: "blocked", ExactHosts: []string{"bad.example.com"}},
				},
				DefaultNext: "default",
			},
		},
		DefaultEscaper: "router",
	}

	reg, err := NewRegistry(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"blocked", "default", "router"}, reg.Names())
	assert.Equal(t, "router", reg.Default().Name())

	esc, err := reg.Get("blocked")
	require.NoError(t, err)
	assert.Equal(t, config.EscaperTypeDeny, esc.Type())

	_, err = reg.Get("nope")
	require.Error(t, err)
}

func TestRegistryDanglingReference(t *testing.T) {
	cfg := &config.Config{
		Escapers: map[string]config.Escaper{
			"router": &config.EscaperRouteUpstream{
				Rules: []config.RouteUpstreamRule{
					{Next: "missing", ExactHosts: []string{"example.com"}},
				},
			},
		},
		DefaultEscaper: "router",
	}
	_, err := NewRegistry(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown escaper "missing"`)
}

func TestRegistryMissingDefault(t *testing.T) {
	cfg := &config.Config{
		Escapers: map[string]config.Escaper{
			"default": &config.EscaperDirect{},
		},
		DefaultEscaper: "other",
	}
	_, err := NewRegistry(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default escaper")
}

func TestRegistryForwardReference(t *testing.T) {
	// Rules may reference escapers defined "later": map order must not matter.
	cfg := &config.Config{
		Escapers: map[string]config.Escaper{
			"a-router": &config.EscaperRouteClient{DefaultNext: "z-exit"},
			"z-exit":   &config.EscaperDirect{},
		},
		DefaultEscaper: "a-router",
	}
	reg, err := NewRegistry(cfg)
	require.NoError(t, err)

	router, err := reg.Get("a-router")
	require.NoError(t, err)
	rc, ok := router.(*RouteClientEscaper)
	require.True(t, ok)
	assert.Equal(t, "z-exit", rc.defaultNext.Name())
}

func TestMutualRouteRecursionHitsHopLimit(t *testing.T) {
	cfg := &config.Config{
		Escapers: map[string]config.Escaper{
			"ping": &config.EscaperRouteClient{DefaultNext: "pong"},
			"pong": &config.EscaperRouteClient{DefaultNext: "ping"},
		},
		DefaultEscaper: "ping",
	}
	reg, err := NewRegistry(cfg)
	require.NoError(t, err)

	target, err := ParseTarget("example.com:443")
	require.NoError(t, err)
	info := &DialInfo{ClientIP: "192.0.2.1"}
	_, err = reg.Default().Connect(context.Background(), info, target)
	require.ErrorIs(t, err, ErrChainTooDeep)
	assert.Len(t, info.Path, maxChainHops)
}
