package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Error is a proxy error with a stable code for logs and stats.
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy error codes. Codes are grouped in ranges so IsConnectionError
// and friends can test categories with a string comparison.
const (
	// Configuration and initialization errors (E1000-E1999)
	ErrCodeNoEnabledServers     = "E1001"
	ErrCodeInvalidCAFile        = "E1002"
	ErrCodeInvalidCAKey         = "E1003"
	ErrCodeUnknownProxyType     = "E1004"
	ErrCodeListenerCreateFailed = "E1005"
	ErrCodeInvalidServerConfig  = "E1006"
	ErrCodeEscaperBuildFailed   = "E1007"

	// Connection and network errors (E2000-E2999)
	ErrCodeConnectionFailed  = "E2001"
	ErrCodeConnectionTimeout = "E2002"
	ErrCodeInvalidAddress    = "E2003"
	ErrCodeDialFailed        = "E2004"

	// TLS and certificate errors (E3000-E3999)
	ErrCodeTLSHandshakeFailed   = "E3001"
	ErrCodeCertGenerationFailed = "E3002"
	ErrCodeNoSNIHostname        = "E3003"
	ErrCodeTLSUpstreamFailed    = "E3004"

	// HTTP processing errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed  = "E4001"
	ErrCodeHTTPForwardFailed      = "E4002"
	ErrCodeHTTPHijackFailed       = "E4003"
	ErrCodeHTTPHijackNotSupported = "E4004"

	// Escaper chain errors (E6000-E6999)
	ErrCodeEscaperDialFailed = "E6001"
	ErrCodeEscaperDenied     = "E6002"
	ErrCodeEscaperChainDepth = "E6003"
	ErrCodeEscaperNotFound   = "E6004"

	// Access control errors (E7000-E7999)
	ErrCodeHostNotAllowed       = "E7001"
	ErrCodeBlocklistMatch       = "E7002"
	ErrCodeAllowlistMismatch    = "E7003"
	ErrCodeClassifierError      = "E7004"
	ErrCodeAuthenticationFailed = "E7005"

	// Internal errors (E9900-E9999)
	ErrCodeInternalError   = "E9901"
	ErrCodePanicRecovered  = "E9902"
	ErrCodeShutdownTimeout = "E9903"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeNoEnabledServers:     "No enabled proxy servers configured",
	ErrCodeInvalidCAFile:        "Invalid or unreadable CA certificate file",
	ErrCodeInvalidCAKey:         "Invalid or unreadable CA private key file",
	ErrCodeUnknownProxyType:     "Unknown or unsupported proxy type",
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",
	ErrCodeEscaperBuildFailed:   "Failed to build escaper chain",

	ErrCodeConnectionFailed:  "Failed to establish network connection",
	ErrCodeConnectionTimeout: "Connection attempt timed out",
	ErrCodeInvalidAddress:    "Invalid network address format",
	ErrCodeDialFailed:        "Failed to dial target address",

	ErrCodeTLSHandshakeFailed:   "TLS handshake failed",
	ErrCodeCertGenerationFailed: "Failed to generate server certificate",
	ErrCodeNoSNIHostname:        "No SNI hostname provided in TLS handshake",
	ErrCodeTLSUpstreamFailed:    "TLS handshake with upstream server failed",

	ErrCodeHTTPRequestReadFailed:  "Failed to read HTTP request",
	ErrCodeHTTPForwardFailed:      "Failed to forward HTTP request",
	ErrCodeHTTPHijackFailed:       "Failed to hijack HTTP connection",
	ErrCodeHTTPHijackNotSupported: "HTTP connection hijacking not supported",

	ErrCodeEscaperDialFailed: "Escaper chain failed to reach the upstream",
	ErrCodeEscaperDenied:     "Connection denied by escaper policy",
	ErrCodeEscaperChainDepth: "Escaper chain exceeded the hop limit",
	ErrCodeEscaperNotFound:   "Referenced escaper does not exist",

	ErrCodeHostNotAllowed:       "Host access denied by policy",
	ErrCodeBlocklistMatch:       "Host matches blocklist entry",
	ErrCodeAllowlistMismatch:    "Host not found in allowlist",
	ErrCodeClassifierError:      "Error in access control classifier",
	ErrCodeAuthenticationFailed: "Proxy authentication failed",

	ErrCodeInternalError:   "Internal proxy error",
	ErrCodePanicRecovered:  "Recovered from panic condition",
	ErrCodeShutdownTimeout: "Server shutdown timed out",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E2000" && proxyErr.Code < "E3000"
	}
	return false
}

// IsTLSError checks if the error is TLS-related
func IsTLSError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E3000" && proxyErr.Code < "E4000"
	}
	return false
}

// IsEscaperError checks if the error came from the escaper chain
func IsEscaperError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E6000" && proxyErr.Code < "E7000"
	}
	return false
}

// IsAccessControlError checks if the error is access control-related
func IsAccessControlError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E7000" && proxyErr.Code < "E8000"
	}
	return false
}

// NewBadGatewayResponse creates an HTTP 502 response carrying the error
// code, for clients of the intercepting server.
func NewBadGatewayResponse(errorCode string) *http.Response {
	description := GetErrorDescription(errorCode)
	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>502 Bad Gateway</title></head>
<body>
<h1>502 Bad Gateway</h1>
<p>The proxy could not complete the request to the upstream server.</p>
<p>Error code: %s</p>
<p>Description: %s</p>
</body>
</html>`, errorCode, description)

	bodyBytes := []byte(htmlBody)

	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", fmt.Sprintf("%d", len(bodyBytes)))
	header.Set("X-Proxy-Error", errorCode)

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway)),
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
	}
}
