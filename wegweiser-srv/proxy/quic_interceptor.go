package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/codefionn/wegweiser/wegweiser-srv/certgen"
	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// QUICInterceptor terminates HTTP/3 connections with forged certificates
// and forwards the decrypted requests upstream over HTTP/3. The upstream
// leg dials directly: escapers carry TCP streams and QUIC is UDP, so the
// chain does not apply here.
type QUICInterceptor struct {
	cfg    config.InterceptionConfig
	proxy  *Proxy
	certs  *certgen.Cache
	server *http3.Server
}

// NewQUICInterceptor builds the HTTP/3 interceptor. It shares the cert
// forging pipeline with the TCP interceptor.
func NewQUICInterceptor(cfg config.InterceptionConfig, p *Proxy) (*QUICInterceptor, error) {
	certs, err := newCertCache(cfg)
	if err != nil {
		return nil, err
	}
	return &QUICInterceptor{
		cfg:   cfg,
		proxy: p,
		certs: certs,
	}, nil
}

// ListenAndServe binds a UDP socket and serves intercepted HTTP/3 on it.
// Certificates are forged per SNI hostname at handshake time.
func (q *QUICInterceptor) ListenAndServe(address string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed, address, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed, address, err)
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{"h3"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName == "" {
				return nil, NewProxyError(ErrCodeNoSNIHostname, "", nil)
			}
			return q.certs.Get(hello.Context(), hello.ServerName, nil)
		},
	}

	q.server = &http3.Server{
		Addr:      address,
		TLSConfig: tlsConfig,
		Handler:   http.HandlerFunc(q.handleRequest),
	}
	return q.server.Serve(udpConn)
}

// Stop shuts down the HTTP/3 listener.
func (q *QUICInterceptor) Stop() {
	if q.server != nil {
		if err := q.server.Close(); err != nil {
			logger.Error("Error closing HTTP/3 server: %v", err)
		}
	}
}

func (q *QUICInterceptor) handleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}

	host := r.Host
	hostname, port := host, uint16(443)
	if h, p, err := net.SplitHostPort(host); err == nil {
		hostname = h
		if parsed, err := strconv.ParseUint(p, 10, 16); err == nil {
			port = uint16(parsed)
		}
	}

	tenant, err := q.proxy.resolveTenant(r, clientIP)
	if err != nil {
		http.Error(w, "Proxy authentication required", http.StatusProxyAuthRequired)
		return
	}

	connectionID, startErr := q.proxy.Collector.StartConnection(ctx, clientIP, tenantName(tenant), hostname, int(port), "h3")
	if startErr != nil {
		logger.Error("Failed to record connection start: %v", startErr)
	}

	if reason, allowed := q.proxy.isHostAllowed(tenant, hostname, clientIP, port); !allowed {
		logger.Warn("HTTP/3 host not allowed for tenant %q: %s (%s)", tenantName(tenant), host, reason)
		_ = q.proxy.Collector.RecordBlockedRequest(ctx, clientIP, tenantName(tenant), hostname, reason)
		http.Error(w, "Host not allowed", http.StatusForbidden)
		if connectionID > 0 {
			_ = q.proxy.Collector.EndConnection(ctx, connectionID, 0, 0, 0, "blocked")
		}
		return
	}
	_ = q.proxy.Collector.RecordAllowedRequest(ctx, clientIP, tenantName(tenant), hostname)

	if err := q.proxy.Collector.RecordTLSIntercept(ctx, connectionID, hostname, q.certs.Has(hostname)); err != nil {
		logger.Error("Failed to record TLS intercept: %v", err)
	}

	start := time.Now()
	sent, received, status, forwardErr := q.forward(w, r, host)
	closeReason := "normal"
	if forwardErr != nil {
		closeReason = "forward_error"
		if connectionID > 0 {
			_ = q.proxy.Collector.RecordError(ctx, connectionID, "h3_forward_error", forwardErr.Error())
		}
	}
	if connectionID > 0 {
		_ = q.proxy.Collector.EndConnection(ctx, connectionID, sent, received, time.Since(start), closeReason)
	}

	logger.Debug("HTTP/3 request %s %s => %d", r.Method, r.URL.Path, status)
}

// forward relays one decrypted HTTP/3 request to the real origin.
func (q *QUICInterceptor) forward(w http.ResponseWriter, r *http.Request, targetHost string) (sent, received int64, status int, err error) {
	outURL := *r.URL
	if outURL.Host == "" {
		outURL.Host = targetHost
	}
	if outURL.Scheme == "" {
		outURL.Scheme = "https"
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return 0, 0, http.StatusInternalServerError, err
	}
	copyProxyHeaders(outReq.Header, r.Header)
	if r.ContentLength > 0 {
		outReq.ContentLength = r.ContentLength
		sent = r.ContentLength
	}

	rt := &http3.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS13,
			NextProtos: []string{"h3"},
			// The client already trusts our forged cert; verifying the
			// origin is out of scope for the MITM leg.
			InsecureSkipVerify: true,
		},
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			logger.Error("Error closing HTTP/3 transport: %v", closeErr)
		}
	}()

	client := &http.Client{
		Transport: rt,
		Timeout:   time.Duration(q.proxy.config.TimeoutSeconds) * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(outReq)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad Gateway: %v", err), http.StatusBadGateway)
		return sent, 0, http.StatusBadGateway, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing HTTP/3 response body: %v", closeErr)
		}
	}()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	received, err = copyBuffer(w, resp.Body)
	return sent, received, resp.StatusCode, err
}
