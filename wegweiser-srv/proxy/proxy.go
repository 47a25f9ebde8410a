package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/escaper"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
	"github.com/codefionn/wegweiser/wegweiser-srv/portal"
	"github.com/codefionn/wegweiser/wegweiser-srv/stats"
)

type contextKey struct {
	name string
}

var clientIPKey = &contextKey{name: "client-ip"}

func WithClientIP(ctx context.Context, clientIP string) context.Context {
	return context.WithValue(ctx, clientIPKey, clientIP)
}

func ClientIPFromContext(ctx context.Context) (string, bool) {
	clientIPVal := ctx.Value(clientIPKey)
	if clientIPVal == nil {
		return "", false
	}
	clientIP, ok := clientIPVal.(string)
	return clientIP, ok
}

// compiledTenant is a TenantConfig with its networks parsed and its
// classifiers compiled, ready for per-request matching.
type compiledTenant struct {
	cfg       config.TenantConfig
	networks  []*net.IPNet
	allowlist Classifier
	blocklist Classifier
}

// Proxy owns everything shared between listeners: the escaper registry,
// compiled tenants, access classifiers, the stats collector and the
// portal. Servers hold per-listener state only.
type Proxy struct {
	config              *config.Config
	servers             []*Server
	registry            *escaper.Registry
	tenants             []*compiledTenant
	namedClassifiers    map[string]Classifier
	blocklistClassifier Classifier
	allowlistClassifier Classifier
	portal              *portal.Portal
	stats.Collector
}

// Server is one configured listener of the proxy.
type Server struct {
	config       *config.Config
	serverConfig config.ServerConfig
	server       *http.Server
	interceptor  *Interceptor
	quic         *QUICInterceptor
	connSem      chan struct{}
	proxy        *Proxy
}

// NewProxy builds the full proxy from a loaded configuration. The escaper
// registry and all classifiers are compiled here, so a bad chain or a bad
// classifier fails startup instead of the first request.
func NewProxy(cfg *config.Config) (*Proxy, error) {
	registry, err := escaper.NewRegistry(cfg)
	if err != nil {
		return nil, NewProxyError(ErrCodeEscaperBuildFailed, "building escaper registry", err)
	}

	p := &Proxy{
		config:   cfg,
		registry: registry,
		servers:  make([]*Server, 0, len(cfg.Servers)),
	}

	if err := p.compileClassifiers(); err != nil {
		return nil, err
	}
	if err := p.compileTenants(); err != nil {
		return nil, err
	}

	p.Collector, err = stats.CreateCollector(&cfg.Statistics)
	if err != nil {
		return nil, fmt.Errorf("initializing statistics collector: %w", err)
	}

	p.portal = portal.New(cfg.Portal, p.Collector, registry)

	for _, serverCfg := range cfg.Servers {
		if !serverCfg.Enabled {
			logger.Info("Skipping disabled server on %s", serverCfg.ListenAddress)
			continue
		}

		server := &Server{
			config:       cfg,
			serverConfig: serverCfg,
			server:       &http.Server{Addr: serverCfg.ListenAddress},
			proxy:        p,
		}
		if serverCfg.MaxConnections > 0 {
			server.connSem = make(chan struct{}, serverCfg.MaxConnections)
		}

		switch serverCfg.Type {
		case config.ProxyTypeStandard:

		case config.ProxyTypeIntercept:
			interceptor, err := NewInterceptor(cfg.Interception, p)
			if err != nil {
				return nil, fmt.Errorf("server %s: %w", serverCfg.ListenAddress, err)
			}
			server.interceptor = interceptor

		case config.ProxyTypeQUIC:
			quic, err := NewQUICInterceptor(cfg.Interception, p)
			if err != nil {
				return nil, fmt.Errorf("server %s: %w", serverCfg.ListenAddress, err)
			}
			server.quic = quic

		default:
			return nil, NewProxyError(ErrCodeUnknownProxyType,
				fmt.Sprintf("proxy type %q", serverCfg.Type), nil)
		}

		p.servers = append(p.servers, server)
	}

	if len(p.servers) == 0 {
		logger.Warn("No enabled proxy servers configured")
	}

	return p, nil
}

func (p *Proxy) compileClassifiers() error {
	named, err := CompileClassifiersMap(p.config.Classifiers)
	if err != nil {
		return err
	}
	p.namedClassifiers = named

	if p.config.Blocklist != nil {
		p.blocklistClassifier, err = p.compileScoped(p.config.Blocklist)
		if err != nil {
			return fmt.Errorf("blocklist: %w", err)
		}
	}
	if p.config.Allowlist != nil {
		p.allowlistClassifier, err = p.compileScoped(p.config.Allowlist)
		if err != nil {
			return fmt.Errorf("allowlist: %w", err)
		}
	}
	return nil
}

// compileScoped compiles a standalone classifier and wires any refs in it
// against the named classifier map.
func (p *Proxy) compileScoped(c config.Classifier) (Classifier, error) {
	compiled, err := CompileClassifier(c)
	if err != nil {
		return nil, err
	}
	wireClassifierRefs(compiled, p.namedClassifiers)
	return compiled, nil
}

func (p *Proxy) compileTenants() error {
	for i := range p.config.Tenants {
		tc := p.config.Tenants[i]
		ct := &compiledTenant{cfg: tc}

		for _, cidr := range tc.Networks {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				return fmt.Errorf("tenant %s: invalid network %q: %w", tc.Name, cidr, err)
			}
			ct.networks = append(ct.networks, ipNet)
		}

		if tc.Escaper != "" {
			if _, err := p.registry.Get(tc.Escaper); err != nil {
				return fmt.Errorf("tenant %s: %w", tc.Name, err)
			}
		}

		var err error
		if tc.Allowlist != nil {
			ct.allowlist, err = p.compileScoped(tc.Allowlist)
			if err != nil {
				return fmt.Errorf("tenant %s allowlist: %w", tc.Name, err)
			}
		}
		if tc.Blocklist != nil {
			ct.blocklist, err = p.compileScoped(tc.Blocklist)
			if err != nil {
				return fmt.Errorf("tenant %s blocklist: %w", tc.Name, err)
			}
		}

		p.tenants = append(p.tenants, ct)
	}
	return nil
}

// resolveTenant maps a request to a tenant. Proxy-Authorization wins over
// network matching so a roaming client keeps its tenant; an unmatched
// connection belongs to the anonymous default tenant (nil).
func (p *Proxy) resolveTenant(r *http.Request, clientIP string) (*compiledTenant, error) {
	if username, password, ok := proxyBasicAuth(r); ok {
		for _, t := range p.tenants {
			if t.cfg.Username != "" && t.cfg.Username == username {
				if t.cfg.Password != nil && *t.cfg.Password != password {
					return nil, NewProxyError(ErrCodeAuthenticationFailed,
						fmt.Sprintf("tenant %s", t.cfg.Name), nil)
				}
				return t, nil
			}
		}
		return nil, NewProxyError(ErrCodeAuthenticationFailed,
			fmt.Sprintf("unknown user %q", username), nil)
	}

	ip := net.ParseIP(clientIP)
	if ip != nil {
		for _, t := range p.tenants {
			for _, n := range t.networks {
				if n.Contains(ip) {
					return t, nil
				}
			}
		}
	}

	return nil, nil
}

// proxyBasicAuth parses the Proxy-Authorization header. Only the Basic
// scheme is supported.
func proxyBasicAuth(r *http.Request) (username, password string, ok bool) {
	auth := r.Header.Get("Proxy-Authorization")
	if auth == "" {
		return "", "", false
	}
	const prefix = "Basic "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return "", "", false
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return username, password, true
}

// tenantName returns the stats dimension for a tenant, empty for the
// default tenant.
func tenantName(t *compiledTenant) string {
	if t == nil {
		return ""
	}
	return t.cfg.Name
}

// entryEscaper returns the escaper a tenant's dials start at.
func (p *Proxy) entryEscaper(t *compiledTenant) escaper.Escaper {
	if t != nil && t.cfg.Escaper != "" {
		if esc, err := p.registry.Get(t.cfg.Escaper); err == nil {
			return esc
		}
	}
	return p.registry.Default()
}

// DialUpstream dials the target through the tenant's escaper chain and
// records the route decision. The returned conn is the upstream leg only;
// callers wrap it for byte accounting.
func (p *Proxy) DialUpstream(ctx context.Context, tenant *compiledTenant, clientIP, addr string, connectionID int64) (net.Conn, error) {
	target, err := escaper.ParseTarget(addr)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidAddress, addr, err)
	}

	info := &escaper.DialInfo{
		Tenant:   tenantName(tenant),
		ClientIP: clientIP,
	}

	entry := p.entryEscaper(tenant)
	conn, err := entry.Connect(ctx, info, target)
	if err != nil {
		if connectionID > 0 {
			_ = p.Collector.RecordError(ctx, connectionID, "escaper_dial_error", err.Error())
		}
		return nil, escaperError(err, addr)
	}

	terminal := entry.Name()
	if len(info.Path) > 0 {
		terminal = info.Path[len(info.Path)-1]
	}
	if err := p.Collector.RecordRouteDecision(ctx, connectionID, tenantName(tenant),
		target.Host, strings.Join(info.Path, ","), terminal); err != nil {
		logger.Error("Failed to record route decision: %v", err)
	}

	logger.Debug("Dialed %s via escaper path %v", addr, info.Path)
	return conn, nil
}

// escaperError maps chain sentinels onto coded proxy errors.
func escaperError(err error, addr string) error {
	switch {
	case errors.Is(err, escaper.ErrDenied):
		return NewProxyError(ErrCodeEscaperDenied, addr, err)
	case errors.Is(err, escaper.ErrChainTooDeep):
		return NewProxyError(ErrCodeEscaperChainDepth, addr, err)
	default:
		return NewProxyError(ErrCodeEscaperDialFailed, addr, err)
	}
}

// Start runs all enabled servers and blocks until they stop.
func (p *Proxy) Start() error {
	if len(p.servers) == 0 {
		return NewProxyError(ErrCodeNoEnabledServers, "", nil)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var startErrors []error

	for _, server := range p.servers {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				mu.Lock()
				startErrors = append(startErrors, err)
				mu.Unlock()
			}
		}(server)
	}

	wg.Wait()

	if len(startErrors) > 0 {
		return startErrors[0]
	}
	return nil
}

// StartWithListener serves the first configured server on the given
// listener. Tests use this to bind to an ephemeral port.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	if len(p.servers) == 0 {
		return NewProxyError(ErrCodeNoEnabledServers, "", nil)
	}
	return p.servers[0].StartWithListener(listener)
}

func (p *Proxy) Stop() error {
	var lastErr error
	for _, server := range p.servers {
		if err := server.Stop(); err != nil {
			lastErr = err
			logger.Error("Failed to stop proxy server on %s: %v", server.serverConfig.ListenAddress, err)
		}
	}
	if p.Collector != nil {
		if err := p.Collector.Close(); err != nil {
			logger.Error("Failed to close statistics collector: %v", err)
		}
	}
	return lastErr
}

// Registry exposes the escaper registry, mainly for the portal.
func (p *Proxy) Registry() *escaper.Registry {
	return p.registry
}

func (p *Server) newHTTPServer() *http.Server {
	timeout := time.Duration(p.config.TimeoutSeconds) * time.Second
	return &http.Server{
		Addr:         p.serverConfig.ListenAddress,
		Handler:      http.HandlerFunc(p.handleRequest),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			clientIP, _, _ := net.SplitHostPort(c.RemoteAddr().String())
			return WithClientIP(ctx, clientIP)
		},
	}
}

func (p *Server) Start() error {
	switch p.serverConfig.Type {
	case config.ProxyTypeStandard, config.ProxyTypeIntercept:
		p.server = p.newHTTPServer()
		logger.Info("Starting %s proxy server on %s", p.serverConfig.Type, p.serverConfig.ListenAddress)
		return p.server.ListenAndServe()

	case config.ProxyTypeQUIC:
		logger.Info("Starting QUIC/HTTP3 intercepting proxy server on %s", p.serverConfig.ListenAddress)
		return p.quic.ListenAndServe(p.serverConfig.ListenAddress)

	default:
		return NewProxyError(ErrCodeUnknownProxyType, string(p.serverConfig.Type), nil)
	}
}

func (p *Server) StartWithListener(listener net.Listener) error {
	p.server = p.newHTTPServer()
	p.server.Addr = listener.Addr().String()
	logger.Info("Starting proxy server on %s", listener.Addr().String())
	return p.server.Serve(listener)
}

func (p *Server) Stop() error {
	if p.quic != nil {
		p.quic.Stop()
	}
	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.server.Shutdown(ctx)
	}
	return nil
}

// acquire reserves a connection slot when the listener caps connections.
func (p *Server) acquire() bool {
	if p.connSem == nil {
		return true
	}
	select {
	case p.connSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Server) release() {
	if p.connSem != nil {
		<-p.connSem
	}
}

func (p *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if p.proxy.portal.IsPortalRequest(r) {
		p.proxy.portal.ServeHTTP(w, r)
		return
	}

	if !p.acquire() {
		logger.Warn("Connection limit reached on %s", p.serverConfig.ListenAddress)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	defer p.release()

	ctx := r.Context()

	host := r.Host
	if r.Method == http.MethodConnect {
		host = r.URL.Host
	}

	hostname, remotePort := splitHostDefaultPort(host, r)

	clientIP, ok := ClientIPFromContext(ctx)
	if !ok || clientIP == "" {
		clientIP, _, _ = net.SplitHostPort(r.RemoteAddr)
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}
	}

	tenant, err := p.proxy.resolveTenant(r, clientIP)
	if err != nil {
		logger.Warn("Proxy authentication failed from %s: %v", clientIP, err)
		w.Header().Set("Proxy-Authenticate", `Basic realm="wegweiser"`)
		http.Error(w, "Proxy authentication required", http.StatusProxyAuthRequired)
		return
	}

	protocol := "http"
	if r.Method == http.MethodConnect {
		protocol = "connect"
	}

	connectionID, startErr := p.proxy.Collector.StartConnection(ctx, clientIP, tenantName(tenant), hostname, int(remotePort), protocol)
	if startErr != nil {
		logger.Error("Failed to record connection start: %v", startErr)
	}

	if reason, allowed := p.proxy.isHostAllowed(tenant, hostname, clientIP, remotePort); !allowed {
		logger.Warn("Host not allowed for tenant %q: %s (%s)", tenantName(tenant), host, reason)
		if err := p.proxy.Collector.RecordBlockedRequest(ctx, clientIP, tenantName(tenant), hostname, reason); err != nil {
			logger.Error("Failed to record blocked request: %v", err)
		}
		http.Error(w, "Host not allowed", http.StatusForbidden)
		if connectionID > 0 {
			_ = p.proxy.Collector.EndConnection(ctx, connectionID, 0, 0, 0, "blocked")
		}
		return
	}

	if err := p.proxy.Collector.RecordAllowedRequest(ctx, clientIP, tenantName(tenant), hostname); err != nil {
		logger.Error("Failed to record allowed request: %v", err)
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r, tenant, connectionID, clientIP)
		return
	}

	p.forwardRequest(w, r, tenant, connectionID, clientIP, host)
}

// splitHostDefaultPort extracts hostname and port from a request host,
// falling back to the URL and finally the scheme default.
func splitHostDefaultPort(host string, r *http.Request) (string, uint16) {
	hostname, portStr, err := net.SplitHostPort(host)
	if err != nil {
		hostname = host
		portStr = ""
	}
	if portStr == "" && r.URL != nil {
		portStr = r.URL.Port()
	}
	if portStr != "" {
		if port, err := strconv.ParseUint(portStr, 10, 16); err == nil {
			return hostname, uint16(port)
		}
	}
	if r.Method == http.MethodConnect || (r.URL != nil && r.URL.Scheme == "https") {
		return hostname, 443
	}
	return hostname, 80
}

// isHostAllowed checks the global and the tenant classifiers. The
// blocklist wins over the allowlist; a tenant without an allowlist
// inherits the global decision.
func (p *Proxy) isHostAllowed(tenant *compiledTenant, host, remoteIP string, remotePort uint16) (string, bool) {
	input := ClassifierInput{
		host:       host,
		remoteIP:   remoteIP,
		remotePort: remotePort,
	}

	check := func(c Classifier, what string) (bool, bool) {
		if c == nil {
			return false, false
		}
		match, err := c.Classify(input)
		if err != nil {
			logger.Error("%s classification error for %s: %v", what, host, err)
			return false, false
		}
		return match, true
	}

	if blocked, ok := check(p.blocklistClassifier, "Blocklist"); ok && blocked {
		return "blocklist", false
	}
	if tenant != nil {
		if blocked, ok := check(tenant.blocklist, "Tenant blocklist"); ok && blocked {
			return "tenant_blocklist", false
		}
	}

	if tenant != nil && tenant.allowlist != nil {
		allowed, ok := check(tenant.allowlist, "Tenant allowlist")
		if ok && !allowed {
			return "tenant_allowlist", false
		}
		return "", true
	}
	if p.allowlistClassifier != nil {
		allowed, ok := check(p.allowlistClassifier, "Allowlist")
		if ok && !allowed {
			return "allowlist", false
		}
	}
	return "", true
}

// forwardRequest proxies a plain HTTP request. The upstream leg goes
// through the tenant's escaper chain.
func (p *Server) forwardRequest(w http.ResponseWriter, r *http.Request, tenant *compiledTenant, connectionID int64, clientIP, targetHost string) {
	ctx := r.Context()

	var targetURL string
	if r.URL.IsAbs() {
		targetURL = r.URL.String()
	} else {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		targetURL = fmt.Sprintf("%s://%s%s", scheme, targetHost, r.URL.RequestURI())
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		if connectionID > 0 {
			_ = p.proxy.Collector.RecordError(ctx, connectionID, "request_creation_error", err.Error())
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	copyProxyHeaders(req.Header, r.Header)

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := p.proxy.DialUpstream(ctx, tenant, clientIP, addr, connectionID)
			if err != nil {
				return nil, err
			}
			return newTrackedConn(ctx, conn, p.proxy.Collector, connectionID), nil
		},
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Timeout:   time.Duration(p.config.TimeoutSeconds) * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Error("Failed to forward request to %s: %v", targetHost, err)
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			http.Error(w, "Request timeout", http.StatusGatewayTimeout)
			return
		}
		if connectionID > 0 {
			_ = p.proxy.Collector.RecordError(ctx, connectionID, "http_forward_error", err.Error())
		}
		writeProxyErrorResponse(w, err, ErrCodeHTTPForwardFailed)
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := copyBuffer(w, resp.Body); err != nil {
		logger.Error("Failed to copy response body: %v", err)
	}
}

// hopByHopHeaders are stripped when forwarding a proxied request.
var hopByHopHeaders = map[string]struct{}{
	"Proxy-Connection":    {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Keep-Alive":          {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Connection":          {},
}

func copyProxyHeaders(dst, src http.Header) {
	isWebSocket := strings.EqualFold(src.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(src.Get("Connection")), "upgrade")

	for name, values := range src {
		if _, hop := hopByHopHeaders[name]; hop {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}

	if isWebSocket {
		dst.Set("Connection", "Upgrade")
		dst.Set("Upgrade", "websocket")
	}
}

// handleConnect serves a CONNECT request: either a TLS MITM handoff when
// the interceptor's classifier matches, or a plain bidirectional tunnel.
func (p *Server) handleConnect(w http.ResponseWriter, r *http.Request, tenant *compiledTenant, connectionID int64, clientIP string) {
	targetAddr := r.URL.Host
	logger.Debug("CONNECT request for %s from %s", targetAddr, clientIP)

	if p.interceptor != nil && p.interceptor.shouldIntercept(targetAddr, clientIP) {
		p.interceptor.HandleConnect(w, r, tenant, connectionID, clientIP)
		return
	}

	targetConn, err := p.proxy.DialUpstream(r.Context(), tenant, clientIP, targetAddr, connectionID)
	if err != nil {
		logger.Error("Failed to establish tunnel to %s: %v", targetAddr, err)
		writeProxyErrorResponse(w, err, ErrCodeEscaperDialFailed)
		if connectionID > 0 {
			_ = p.proxy.Collector.EndConnection(r.Context(), connectionID, 0, 0, 0, "dial_failed")
		}
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking")
		closeQuietly(targetConn)
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection: %v", err)
		closeQuietly(targetConn)
		return
	}

	tracked := newTrackedConn(context.WithoutCancel(r.Context()), targetConn, p.proxy.Collector, connectionID)

	var buffered io.Reader
	if clientBuf != nil && clientBuf.Reader.Buffered() > 0 {
		buffered = clientBuf.Reader
	}
	tunnel(clientConn, tracked, buffered)
	logger.Debug("TCP tunnel to %s closed", targetAddr)
}

// tunnel copies bytes both ways and propagates half-closes so protocols
// that shut down one direction first still drain cleanly.
func tunnel(clientConn, targetConn net.Conn, clientBuffered io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if clientBuffered != nil {
			if _, err := copyBuffer(targetConn, clientBuffered); err != nil && !isClosedConnError(err) {
				logger.Error("Failed to write buffered data to target: %v", err)
			}
		}
		if _, err := copyBuffer(targetConn, clientConn); err != nil && !isClosedConnError(err) {
			logger.Warn("Tunnel copy error (client to target): %v", err)
		}
		closeWrite(targetConn)
	}()

	go func() {
		defer wg.Done()
		if _, err := copyBuffer(clientConn, targetConn); err != nil && !isClosedConnError(err) {
			logger.Warn("Tunnel copy error (target to client): %v", err)
		}
		closeWrite(clientConn)
	}()

	wg.Wait()
	closeQuietly(clientConn)
	closeQuietly(targetConn)
}

// closeWrite half-closes the write side where the conn supports it.
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	switch c := conn.(type) {
	case writeCloser:
		_ = c.CloseWrite()
	case *trackedConn:
		closeWrite(c.Conn)
	}
}

func closeQuietly(conn net.Conn) {
	if err := conn.Close(); err != nil && !isClosedConnError(err) {
		logger.Debug("Error closing connection: %v", err)
	}
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func writeProxyErrorResponse(w http.ResponseWriter, originalErr error, defaultErrorCode string) {
	errorCode := defaultErrorCode
	var proxyErr *Error
	if errors.As(originalErr, &proxyErr) {
		errorCode = proxyErr.Code
	}

	badGatewayResp := NewBadGatewayResponse(errorCode)
	defer func() {
		if badGatewayResp.Body != nil {
			_ = badGatewayResp.Body.Close()
		}
	}()

	for key, values := range badGatewayResp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(badGatewayResp.StatusCode)
	if badGatewayResp.Body != nil {
		if _, err := io.Copy(w, badGatewayResp.Body); err != nil {
			logger.Error("Failed to copy bad gateway response body: %v", err)
		}
	}
}
