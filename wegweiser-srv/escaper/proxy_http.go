package escaper

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// ProxyHTTPEscaper tunnels connections through an upstream HTTP proxy
// using the CONNECT method.
type ProxyHTTPEscaper struct {
	baseEscaper
	address        string
	username       *string
	password       *string
	connectTimeout time.Duration
}

func newProxyHTTPEscaper(name string, cfg *config.EscaperProxyHTTP, defaultTimeout time.Duration) *ProxyHTTPEscaper {
	return &ProxyHTTPEscaper{
		baseEscaper:    baseEscaper{name: name},
		address:        cfg.Address,
		username:       cfg.Username,
		password:       cfg.Password,
		connectTimeout: defaultTimeout,
	}
}

func (e *ProxyHTTPEscaper) Type() config.EscaperType { return config.EscaperTypeProxyHTTP }

func (e *ProxyHTTPEscaper) Connect(ctx context.Context, info *DialInfo, target Target) (net.Conn, error) {
	if err := info.record(e.name); err != nil {
		return nil, err
	}
	e.stats.addAttempt()

	conn, err := e.dial(ctx, target.Address())
	if err != nil {
		e.stats.addFailed()
		return nil, err
	}
	e.stats.addEstablished()
	return conn, nil
}

func (e *ProxyHTTPEscaper) dial(ctx context.Context, targetHostPort string) (net.Conn, error) {
	logger.Trace("Escaper %s dialing proxy %s to reach %s", e.name, e.address, targetHostPort)

	dialer := &net.Dialer{Timeout: e.connectTimeout}
	proxyConn, err := dialer.DialContext(ctx, "tcp", e.address)
	if err != nil {
		return nil, fmt.Errorf("proxy server %s: %w", e.address, err)
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+targetHostPort, http.NoBody)
	if err != nil {
		closeQuietly(proxyConn)
		return nil, fmt.Errorf("creating CONNECT for target %s: %w", targetHostPort, err)
	}
	connectReq.Host = targetHostPort
	connectReq.Header.Set("User-Agent", "wegweiser/1.0")
	connectReq.Header.Set("Proxy-Connection", "keep-alive")

	if e.username != nil && e.password != nil {
		proxyAuth := *e.username + ":" + *e.password
		authEncoded := base64.StdEncoding.EncodeToString([]byte(proxyAuth))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+authEncoded)
	} else if e.username != nil {
		logger.Warn("Proxy username provided without password for %s", e.address)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = proxyConn.SetDeadline(deadline)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		closeQuietly(proxyConn)
		return nil, fmt.Errorf("sending CONNECT to proxy %s: %w", e.address, err)
	}

	// http.ReadResponse consumes only the status line and headers for a
	// successful CONNECT, the connection is raw afterwards
	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		closeQuietly(proxyConn)
		return nil, fmt.Errorf("reading CONNECT response from proxy %s: %w", e.address, err)
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing CONNECT response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		closeQuietly(proxyConn)
		return nil, fmt.Errorf("proxy %s denied CONNECT to %s with status %s: %s",
			e.address, targetHostPort, connectResp.Status, string(bodyBytes))
	}

	_ = proxyConn.SetDeadline(time.Time{})
	logger.Trace("CONNECT tunnel established via proxy %s to %s", e.address, targetHostPort)
	return proxyConn, nil
}

func closeQuietly(conn net.Conn) {
	if closeErr := conn.Close(); closeErr != nil {
		logger.Error("Error closing connection: %v", closeErr)
	}
}
