package escaper

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
	"github.com/codefionn/wegweiser/wegweiser-srv/resolver"
)

// DirectEscaper dials upstreams straight from this host.
type DirectEscaper struct {
	baseEscaper
	bindAddr       *net.TCPAddr
	forceIPv4      bool
	connectTimeout time.Duration
	dnsConfig      config.DNSConfig
}

func newDirectEscaper(name string, cfg *config.EscaperDirect, dnsConfig config.DNSConfig, defaultTimeout time.Duration) (*DirectEscaper, error) {
	e := &DirectEscaper{
		baseEscaper:    baseEscaper{name: name},
		forceIPv4:      cfg.ForceIPv4,
		connectTimeout: defaultTimeout,
		dnsConfig:      dnsConfig,
	}
	if cfg.ConnectTimeoutSeconds > 0 {
		e.connectTimeout = time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	}
	if cfg.BindIP != "" {
		ip := net.ParseIP(cfg.BindIP)
		if ip == nil {
			return nil, fmt.Errorf("invalid bind-ip %q", cfg.BindIP)
		}
		e.bindAddr = &net.TCPAddr{IP: ip}
	}
	return e, nil
}

func (e *DirectEscaper) Type() config.EscaperType { return config.EscaperTypeDirect }

// Connect dials the target, resolving names through the configured DNS
// servers when custom DNS is enabled.
func (e *DirectEscaper) Connect(ctx context.Context, info *DialInfo, target Target) (net.Conn, error) {
	if err := info.record(e.name); err != nil {
		return nil, err
	}
	e.stats.addAttempt()

	dialer := &net.Dialer{
		Timeout:  e.connectTimeout,
		Resolver: resolver.GetResolver(e.dnsConfig),
	}
	if e.bindAddr != nil {
		dialer.LocalAddr = e.bindAddr
	}

	network := "tcp"
	if e.forceIPv4 {
		network = "tcp4"
		dialer.FallbackDelay = -1 // Disable IPv6 fallback
	}

	conn, err := dialer.DialContext(ctx, network, target.Address())
	if err != nil {
		e.stats.addFailed()
		return nil, fmt.Errorf("direct dial to %s: %w", target.Address(), err)
	}

	e.stats.addEstablished()
	logger.Trace("Escaper %s connected to %s", e.name, target.Address())
	return conn, nil
}
