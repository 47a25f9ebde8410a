package proxy

import (
	"path/filepath"
	"testing"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQUICInterceptor(t *testing.T) {
	cfg, _ := interceptConfig(t)
	cfg.Servers[0].Type = config.ProxyTypeQUIC

	p, err := NewProxy(cfg)
	require.NoError(t, err)
	defer func() { _ = p.Stop() }()

	require.NotNil(t, p.servers[0].quic)
	assert.Nil(t, p.servers[0].interceptor)

	// Stop before serving must be a no-op.
	p.servers[0].quic.Stop()
}

func TestNewQUICInterceptorMissingCA(t *testing.T) {
	cfg := testConfig()
	cfg.Servers[0].Type = config.ProxyTypeQUIC
	cfg.Interception = config.InterceptionConfig{
		Enabled:   true,
		CAFile:    filepath.Join(t.TempDir(), "nope.crt"),
		CAKeyFile: filepath.Join(t.TempDir(), "nope.key"),
	}

	_, err := NewProxy(cfg)
	require.Error(t, err)
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeInvalidCAFile, proxyErr.Code)
}

func TestQUICListenAndServeBadAddress(t *testing.T) {
	cfg, _ := interceptConfig(t)
	cfg.Servers[0].Type = config.ProxyTypeQUIC

	p, err := NewProxy(cfg)
	require.NoError(t, err)
	defer func() { _ = p.Stop() }()

	err = p.servers[0].quic.ListenAndServe("not-an-address")
	require.Error(t, err)
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeListenerCreateFailed, proxyErr.Code)
}
