package escaper

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
	"golang.org/x/net/proxy"
)

// ProxySocks5Escaper tunnels connections through an upstream SOCKS5 proxy.
type ProxySocks5Escaper struct {
	baseEscaper
	address        string
	auth           *proxy.Auth
	connectTimeout time.Duration
}

func newProxySocks5Escaper(name string, cfg *config.EscaperProxySocks5, defaultTimeout time.Duration) *ProxySocks5Escaper {
	e := &ProxySocks5Escaper{
		baseEscaper:    baseEscaper{name: name},
		address:        cfg.Address,
		connectTimeout: defaultTimeout,
	}
	if cfg.Username != nil && cfg.Password != nil {
		e.auth = &proxy.Auth{User: *cfg.Username, Password: *cfg.Password}
	} else if cfg.Username != nil {
		// Password may be optional depending on the SOCKS server config
		e.auth = &proxy.Auth{User: *cfg.Username}
	}
	return e
}

func (e *ProxySocks5Escaper) Type() config.EscaperType { return config.EscaperTypeProxySocks5 }

func (e *ProxySocks5Escaper) Connect(ctx context.Context, info *DialInfo, target Target) (net.Conn, error) {
	if err := info.record(e.name); err != nil {
		return nil, err
	}
	e.stats.addAttempt()

	logger.Trace("Escaper %s using SOCKS5 proxy %s for %s", e.name, e.address, target.Address())

	forward := &net.Dialer{Timeout: e.connectTimeout}
	socksDialer, err := proxy.SOCKS5("tcp", e.address, e.auth, forward)
	if err != nil {
		e.stats.addFailed()
		return nil, fmt.Errorf("SOCKS5 dialer for %s: %w", e.address, err)
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, "tcp", target.Address())
	} else {
		conn, err = socksDialer.Dial("tcp", target.Address())
	}
	if err != nil {
		e.stats.addFailed()
		return nil, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", target.Address(), e.address, err)
	}

	e.stats.addEstablished()
	return conn, nil
}
