package certgen

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// Wire format of the certificate agent protocol. Requests and responses
// are single JSON datagrams over UDP.
type agentRequest struct {
	Host    string `json:"host"`
	Service string `json:"service,omitempty"`
	Usage   string `json:"usage,omitempty"`
	Cert    string `json:"cert,omitempty"` // PEM of the upstream cert to mimic
}

type agentResponse struct {
	Host       string `json:"host"`
	Cert       string `json:"cert,omitempty"` // PEM chain of the forged cert
	Key        string `json:"key,omitempty"`  // PEM private key
	TTLSeconds int    `json:"ttl,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	usageTLSServer = "tls-server"

	maxAgentDatagram    = 64 * 1024
	defaultAgentTimeout = 5 * time.Second
)

// AgentSource fetches forged certificates from a remote generator service.
type AgentSource struct {
	address string
	timeout time.Duration
}

// NewAgentSource creates a Source that queries the agent at the given
// UDP address.
func NewAgentSource(address string) *AgentSource {
	return &AgentSource{
		address: address,
		timeout: defaultAgentTimeout,
	}
}

// Fetch sends one request datagram and waits for the response.
func (s *AgentSource) Fetch(ctx context.Context, host string, mimic *x509.Certificate) (*tls.Certificate, time.Duration, error) {
	req := agentRequest{
		Host:  host,
		Usage: usageTLSServer,
	}
	if mimic != nil {
		req.Cert = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: mimic.Raw}))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode agent request: %w", err)
	}

	conn, err := net.Dial("udp", s.address)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to reach cert agent %s: %w", s.address, err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing agent connection: %v", closeErr)
		}
	}()

	deadline := time.Now().Add(s.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, 0, fmt.Errorf("failed to set agent deadline: %w", err)
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, 0, fmt.Errorf("failed to send agent request: %w", err)
	}

	buf := make([]byte, maxAgentDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read agent response: %w", err)
	}

	var resp agentResponse
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return nil, 0, fmt.Errorf("failed to decode agent response: %w", err)
	}
	if resp.Error != "" {
		return nil, 0, fmt.Errorf("cert agent refused %s: %s", host, resp.Error)
	}
	if resp.Cert == "" || resp.Key == "" {
		return nil, 0, fmt.Errorf("cert agent returned incomplete response for %s", host)
	}

	cert, err := tls.X509KeyPair([]byte(resp.Cert), []byte(resp.Key))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse agent certificate: %w", err)
	}

	ttl := time.Duration(resp.TTLSeconds) * time.Second
	logger.Debug("Fetched certificate for %s from agent %s (ttl %s)", host, s.address, ttl)

	return &cert, ttl, nil
}
