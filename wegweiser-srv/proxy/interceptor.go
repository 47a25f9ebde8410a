package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/certgen"
	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// RequestHook can inspect or rewrite an intercepted request before it is
// sent upstream. Returning nil keeps the original request.
type RequestHook func(*http.Request) (*http.Request, error)

// ResponseHook can inspect or rewrite an intercepted response before it
// is written back to the client.
type ResponseHook func(*http.Response) (*http.Response, error)

// Interceptor terminates CONNECT tunnels with a forged certificate and
// relays the decrypted HTTP traffic through the escaper chain. Which
// hosts are intercepted is decided by the configured classifier; all
// other tunnels stay opaque.
type Interceptor struct {
	cfg          config.InterceptionConfig
	proxy        *Proxy
	certs        *certgen.Cache
	classifier   Classifier
	requestHook  RequestHook
	responseHook ResponseHook
}

// newCertCache builds the forged-certificate cache for an interception
// config. The source is in-process unless a cert agent address is
// configured, in which case forging is delegated to the remote agent.
func newCertCache(cfg config.InterceptionConfig) (*certgen.Cache, error) {
	var source certgen.Source
	if cfg.CertAgent != "" {
		source = certgen.NewAgentSource(cfg.CertAgent)
	} else {
		caCert, err := readPEMFile(cfg.CAFile)
		if err != nil {
			return nil, NewProxyError(ErrCodeInvalidCAFile, cfg.CAFile, err)
		}
		caKey, err := readPEMFile(cfg.CAKeyFile)
		if err != nil {
			return nil, NewProxyError(ErrCodeInvalidCAKey, cfg.CAKeyFile, err)
		}
		password := ""
		if cfg.CAKeyPassword != nil {
			password = *cfg.CAKeyPassword
		}
		builder, err := certgen.NewBuilder(caCert, caKey, password)
		if err != nil {
			return nil, NewProxyError(ErrCodeInvalidCAKey, cfg.CAKeyFile, err)
		}
		source = certgen.NewLocalSource(builder)
	}
	return certgen.NewCache(source, time.Duration(cfg.CertTTLSeconds)*time.Second), nil
}

// NewInterceptor builds the interceptor from the interception config.
func NewInterceptor(cfg config.InterceptionConfig, p *Proxy) (*Interceptor, error) {
	certs, err := newCertCache(cfg)
	if err != nil {
		return nil, err
	}

	i := &Interceptor{
		cfg:   cfg,
		proxy: p,
		certs: certs,
	}

	if cfg.Classifier != nil {
		classifier, err := p.compileScoped(cfg.Classifier)
		if err != nil {
			return nil, fmt.Errorf("interception classifier: %w", err)
		}
		i.classifier = classifier
	}

	return i, nil
}

func readPEMFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("no file configured")
	}
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		abs, err := filepath.Abs(clean)
		if err != nil {
			return nil, err
		}
		clean = abs
	}
	return os.ReadFile(clean)
}

// SetHooks installs request/response hooks. Not safe to call once the
// interceptor is serving connections.
func (i *Interceptor) SetHooks(req RequestHook, resp ResponseHook) {
	i.requestHook = req
	i.responseHook = resp
}

// shouldIntercept decides whether a CONNECT target gets MITM treatment.
// No classifier means every tunnel on an intercept listener is opened.
func (i *Interceptor) shouldIntercept(targetAddr, clientIP string) bool {
	if !i.cfg.Enabled {
		return false
	}
	if i.classifier == nil {
		return true
	}
	hostname, port := targetAddr, uint16(443)
	if h, p, err := net.SplitHostPort(targetAddr); err == nil {
		hostname = h
		if parsed, err := strconv.ParseUint(p, 10, 16); err == nil {
			port = uint16(parsed)
		}
	}
	match, err := i.classifier.Classify(ClassifierInput{
		host:       hostname,
		remoteIP:   clientIP,
		remotePort: port,
	})
	if err != nil {
		logger.Error("Interception classifier error for %s: %v", hostname, err)
		return false
	}
	return match
}

// HandleConnect hijacks a CONNECT request and runs the MITM relay on the
// raw connection.
func (i *Interceptor) HandleConnect(w http.ResponseWriter, r *http.Request, tenant *compiledTenant, connectionID int64, clientIP string) {
	host := r.URL.Host
	if !strings.Contains(host, ":") {
		host += ":443"
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("TLS interception failed: ResponseWriter does not support hijacking")
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hj.Hijack()
	if err != nil {
		logger.Error("TLS interception failed: hijack: %v", err)
		return
	}

	if _, err := fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		logger.Error("TLS interception failed: sending 200 response: %v", err)
		closeQuietly(clientConn)
		return
	}

	i.HandleTCPConnection(clientConn, host, tenant, connectionID, clientIP)
}

// HandleTCPConnection runs the full MITM relay on a raw client
// connection. The target host must be known up front: the upstream leg
// is dialed before the client handshake so its certificate can seed the
// forge.
func (i *Interceptor) HandleTCPConnection(clientConn net.Conn, host string, tenant *compiledTenant, connectionID int64, clientIP string) {
	defer closeQuietly(clientConn)

	ctx := context.Background()

	hostname := ""
	if host != "" {
		if !strings.Contains(host, ":") {
			host += ":443"
		}
		hostname, _, _ = net.SplitHostPort(host)
	}

	// Dial upstream first: the mimic certificate needs the real server
	// certificate, and a dead upstream should fail before the client
	// handshake, not after.
	upstreamTLS, upstreamLeaf, err := i.dialUpstreamTLS(ctx, tenant, clientIP, host, hostname, connectionID)
	if err != nil {
		logger.Error("TLS interception failed for %s: %v", host, err)
		if connectionID > 0 {
			_ = i.proxy.Collector.RecordError(ctx, connectionID, "tls_upstream_error", err.Error())
		}
		return
	}
	defer closeQuietly(upstreamTLS)

	fromCache := hostname != "" && i.certs.Has(hostname)

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = hostname
			}
			if name == "" {
				return nil, NewProxyError(ErrCodeNoSNIHostname, "", nil)
			}
			return i.certs.Get(hello.Context(), name, upstreamLeaf)
		},
	}

	tlsClientConn := tls.Server(clientConn, tlsConfig)
	if err := tlsClientConn.Handshake(); err != nil {
		logger.Error("TLS interception failed: client handshake for %s: %v", host, err)
		if connectionID > 0 {
			_ = i.proxy.Collector.RecordError(ctx, connectionID, "tls_handshake_error", err.Error())
		}
		return
	}
	defer closeQuietly(tlsClientConn)

	if err := i.proxy.Collector.RecordTLSIntercept(ctx, connectionID, hostname, fromCache); err != nil {
		logger.Error("Failed to record TLS intercept: %v", err)
	}

	logger.Debug("TLS established on both legs for %s, relaying", host)
	i.relay(tlsClientConn, upstreamTLS, host)
}

// dialUpstreamTLS opens the upstream leg through the escaper chain and
// completes the TLS handshake. The returned leaf certificate feeds the
// mimic forge.
func (i *Interceptor) dialUpstreamTLS(ctx context.Context, tenant *compiledTenant, clientIP, host, hostname string, connectionID int64) (*tls.Conn, *x509.Certificate, error) {
	if host == "" {
		return nil, nil, fmt.Errorf("no target host")
	}

	rawConn, err := i.proxy.DialUpstream(ctx, tenant, clientIP, host, connectionID)
	if err != nil {
		return nil, nil, err
	}

	tracked := newTrackedConn(ctx, rawConn, i.proxy.Collector, connectionID)
	upstreamTLS := tls.Client(tracked, &tls.Config{
		ServerName:         hostname,
		InsecureSkipVerify: true,
	})
	if err := upstreamTLS.Handshake(); err != nil {
		closeQuietly(tracked)
		return nil, nil, NewProxyError(ErrCodeTLSUpstreamFailed, host, err)
	}

	var leaf *x509.Certificate
	if peerCerts := upstreamTLS.ConnectionState().PeerCertificates; len(peerCerts) > 0 {
		leaf = peerCerts[0]
	}
	return upstreamTLS, leaf, nil
}

// relay parses HTTP messages on both directions of the decrypted tunnel,
// applies the hooks, and falls back to raw byte copying once a WebSocket
// upgrade completes.
func (i *Interceptor) relay(clientConn, upstreamConn net.Conn, host string) {
	timeout := time.Duration(i.proxy.config.TimeoutSeconds) * time.Second

	clientReader := bufio.NewReader(clientConn)
	upstreamReader := bufio.NewReader(upstreamConn)

	var isWebSocket atomic.Bool
	done := make(chan struct{}, 2)

	// Client to upstream
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			if isWebSocket.Load() {
				if _, err := copyBuffer(upstreamConn, clientReader); err != nil && !isRelayEOF(err) {
					logger.Error("WebSocket client copy error: %v", err)
				}
				return
			}

			_ = clientConn.SetReadDeadline(time.Now().Add(timeout))
			req, err := http.ReadRequest(clientReader)
			if err != nil {
				if !isRelayEOF(err) {
					logger.Error("Error reading intercepted request: %v", err)
				}
				return
			}

			// A CONNECT inside the decrypted tunnel would bypass the
			// interception policy.
			if req.Method == http.MethodConnect {
				logger.Warn("Rejected nested CONNECT to %s inside intercepted tunnel", req.URL)
				writeSimpleResponse(clientConn, req, http.StatusMethodNotAllowed, "Method Not Allowed")
				return
			}

			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				logger.Debug("WebSocket upgrade inside intercepted tunnel to %s", host)
				isWebSocket.Store(true)
			}

			if i.requestHook != nil {
				modified, err := i.requestHook(req)
				if err != nil {
					logger.Error("Request hook error: %v", err)
				} else if modified != nil {
					req = modified
				}
			}

			if req.Header.Get("Host") == "" && req.URL.Host != "" {
				req.Header.Set("Host", req.URL.Host)
			}

			_ = upstreamConn.SetWriteDeadline(time.Now().Add(timeout))
			if err := req.Write(upstreamConn); err != nil {
				logger.Error("Error writing intercepted request upstream: %v", err)
				return
			}
		}
	}()

	// Upstream to client
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			if isWebSocket.Load() {
				if _, err := copyBuffer(clientConn, upstreamReader); err != nil && !isRelayEOF(err) {
					logger.Error("WebSocket upstream copy error: %v", err)
				}
				return
			}

			_ = upstreamConn.SetReadDeadline(time.Now().Add(timeout))
			resp, err := http.ReadResponse(upstreamReader, nil)
			if err != nil {
				if !isRelayEOF(err) {
					logger.Error("Error reading intercepted response: %v", err)
				}
				return
			}

			upgraded := resp.StatusCode == http.StatusSwitchingProtocols &&
				strings.EqualFold(resp.Header.Get("Upgrade"), "websocket")
			if upgraded {
				isWebSocket.Store(true)
			}

			if !upgraded && i.responseHook != nil {
				modified, err := i.responseHook(resp)
				if err != nil {
					logger.Error("Response hook error: %v", err)
				} else if modified != nil {
					if modified != resp {
						_ = resp.Body.Close()
					}
					resp = modified
				}
			}

			_ = clientConn.SetWriteDeadline(time.Now().Add(timeout))
			err = resp.Write(clientConn)
			_ = resp.Body.Close()
			if err != nil {
				logger.Error("Error writing intercepted response to client: %v", err)
				return
			}
		}
	}()

	<-done
	// Unblock the other direction.
	closeQuietly(clientConn)
	closeQuietly(upstreamConn)
	<-done
	logger.Debug("Intercepted tunnel closed for %s", host)
}

func isRelayEOF(err error) bool {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return true
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return isClosedConnError(err)
}

func writeSimpleResponse(conn net.Conn, req *http.Request, status int, body string) {
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	_ = resp.Write(conn)
}
