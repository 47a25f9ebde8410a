package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

var (
	customResolver *Resolver
	resolverMutex  sync.RWMutex
	resolverConfig config.DNSConfig
)

// Resolver is a custom DNS resolver that rotates through the configured
// servers and supports UDP, TCP and DNS over TLS.
type Resolver struct {
	dnsConfig  config.DNSConfig
	currentIdx int
	mutex      sync.Mutex
	tlsConfig  *tls.Config
}

// NewResolver creates a new Resolver with the given DNS configuration.
func NewResolver(cfg config.DNSConfig) *Resolver {
	return &Resolver{
		dnsConfig: cfg,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"dot"},
		},
	}
}

// GetResolver returns a net.Resolver for the given DNS configuration.
// When custom DNS is disabled the system default resolver is returned.
// The shared resolver is rebuilt when the configuration changes, so the
// SIGHUP reload path can call this again with the new config.
func GetResolver(dnsConfig config.DNSConfig) *net.Resolver {
	resolverMutex.Lock()
	if customResolver == nil || !configsEqual(resolverConfig, dnsConfig) {
		resolverConfig = dnsConfig
		if dnsConfig.Enabled && len(dnsConfig.Servers) > 0 {
			customResolver = NewResolver(dnsConfig)
			logger.Info("Custom DNS resolver initialized with %d server(s)", len(dnsConfig.Servers))
			for i, server := range dnsConfig.Servers {
				logger.Debug("  DNS server %d: %s (%s)", i, server.Address, server.Type)
			}
		} else {
			customResolver = nil
		}
	}
	active := customResolver
	resolverMutex.Unlock()

	if active != nil {
		return &net.Resolver{
			PreferGo: true,
			Dial:     active.Dial,
		}
	}
	return &net.Resolver{
		PreferGo: true,
	}
}

// configsEqual checks if two DNSConfig are equivalent
func configsEqual(a, b config.DNSConfig) bool {
	if a.Enabled != b.Enabled || len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	return true
}

// nextServer picks the next DNS server round robin.
func (r *Resolver) nextServer() config.DNSServerConfig {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	server := r.dnsConfig.Servers[r.currentIdx]
	r.currentIdx = (r.currentIdx + 1) % len(r.dnsConfig.Servers)
	return server
}

// Dial is the custom dial function for DNS resolution.
func (r *Resolver) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dnsServer := r.nextServer()
	logger.Trace("Using DNS server %s (%s)", dnsServer.Address, dnsServer.Type)

	timeout := dnsServer.GetTimeoutDuration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	switch dnsServer.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(dnsServer.Type), dnsServer.Address)

	case config.DNSTypeDoT:
		// Establish TCP first, then wrap in TLS
		tcpConn, err := dialer.DialContext(ctx, "tcp", dnsServer.Address)
		if err != nil {
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if dnsServer.TLSHost != "" {
			tlsConfig.ServerName = dnsServer.TLSHost
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", dnsServer.Type)
	}
}
