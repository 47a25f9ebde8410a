package proxy

import (
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewProxyError(ErrCodeDialFailed, "example.com:443", cause)

	assert.Contains(t, err.Error(), ErrCodeDialFailed)
	assert.Contains(t, err.Error(), "example.com:443")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)

	bare := NewProxyError(ErrCodeNoSNIHostname, "", nil)
	assert.Contains(t, bare.Error(), ErrCodeNoSNIHostname)
	assert.NoError(t, bare.Unwrap())
}

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		code          string
		connection    bool
		tls           bool
		escaper       bool
		accessControl bool
	}{
		{ErrCodeConnectionFailed, true, false, false, false},
		{ErrCodeDialFailed, true, false, false, false},
		{ErrCodeTLSHandshakeFailed, false, true, false, false},
		{ErrCodeNoSNIHostname, false, true, false, false},
		{ErrCodeEscaperDialFailed, false, false, true, false},
		{ErrCodeEscaperChainDepth, false, false, true, false},
		{ErrCodeHostNotAllowed, false, false, false, true},
		{ErrCodeAuthenticationFailed, false, false, false, true},
		{ErrCodeInternalError, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := NewProxyError(tt.code, "test", nil)
			assert.Equal(t, tt.connection, IsConnectionError(err))
			assert.Equal(t, tt.tls, IsTLSError(err))
			assert.Equal(t, tt.escaper, IsEscaperError(err))
			assert.Equal(t, tt.accessControl, IsAccessControlError(err))
		})
	}

	assert.False(t, IsConnectionError(errors.New("plain error")))
	assert.False(t, IsEscaperError(nil))
}

func TestGetErrorDescription(t *testing.T) {
	assert.Equal(t, "Connection denied by escaper policy", GetErrorDescription(ErrCodeEscaperDenied))
	assert.Equal(t, "Unknown error code", GetErrorDescription("E0000"))
}

func TestNewBadGatewayResponse(t *testing.T) {
	resp := NewBadGatewayResponse(ErrCodeEscaperDialFailed)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeEscaperDialFailed, resp.Header.Get("X-Proxy-Error"))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), ErrCodeEscaperDialFailed)
	assert.Contains(t, string(body), GetErrorDescription(ErrCodeEscaperDialFailed))
	assert.Equal(t, int64(len(body)), resp.ContentLength)
}
