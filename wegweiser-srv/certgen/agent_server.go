package certgen

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net"
	"sync"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// AgentServer answers certificate agent requests over UDP, forging
// certificates with a local Builder. It is the server half of the protocol
// AgentSource speaks, so one wegweiser instance can generate certificates
// for a fleet of interceptors.
type AgentServer struct {
	builder    *Builder
	ttlSeconds int

	conn *net.UDPConn
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewAgentServer creates an agent server. ttlSeconds is advertised to
// clients as the cache lifetime of forged certificates.
func NewAgentServer(builder *Builder, ttlSeconds int) *AgentServer {
	if ttlSeconds <= 0 {
		ttlSeconds = 3600
	}
	return &AgentServer{
		builder:    builder,
		ttlSeconds: ttlSeconds,
	}
}

// Start binds the UDP socket and begins serving requests.
func (s *AgentServer) Start(address string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.started = true
	s.mu.Unlock()

	logger.Info("Certificate agent listening on %s", conn.LocalAddr())

	s.wg.Add(1)
	go s.serve(conn)
	return nil
}

// Addr returns the bound address, useful when started with port 0.
func (s *AgentServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket and waits for in-flight requests to finish.
func (s *AgentServer) Stop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Error("Error closing agent server socket: %v", err)
		}
	}
	s.wg.Wait()
}

func (s *AgentServer) serve(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, maxAgentDatagram)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Closed socket means shutdown
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		s.wg.Add(1)
		go func(payload []byte, remote *net.UDPAddr) {
			defer s.wg.Done()
			s.handleRequest(conn, payload, remote)
		}(payload, remote)
	}
}

func (s *AgentServer) handleRequest(conn *net.UDPConn, payload []byte, remote *net.UDPAddr) {
	start := time.Now()

	var req agentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.Warn("Malformed agent request from %s: %v", remote, err)
		s.respond(conn, remote, agentResponse{Error: "malformed request"})
		return
	}

	if req.Host == "" {
		s.respond(conn, remote, agentResponse{Error: "missing host"})
		return
	}
	if req.Usage != "" && req.Usage != usageTLSServer {
		s.respond(conn, remote, agentResponse{Host: req.Host, Error: "unsupported usage: " + req.Usage})
		return
	}

	var mimic *x509.Certificate
	if req.Cert != "" {
		block, _ := pem.Decode([]byte(req.Cert))
		if block == nil {
			s.respond(conn, remote, agentResponse{Host: req.Host, Error: "invalid mimic certificate"})
			return
		}
		parsed, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			s.respond(conn, remote, agentResponse{Host: req.Host, Error: "invalid mimic certificate"})
			return
		}
		mimic = parsed
	}

	certPEM, keyPEM, err := s.builder.ForgePEM(req.Host, mimic)
	if err != nil {
		logger.Error("Failed to forge certificate for %s: %v", req.Host, err)
		s.respond(conn, remote, agentResponse{Host: req.Host, Error: "generation failed"})
		return
	}

	s.respond(conn, remote, agentResponse{
		Host:       req.Host,
		Cert:       string(certPEM),
		Key:        string(keyPEM),
		TTLSeconds: s.ttlSeconds,
	})

	logger.Debug("Forged certificate for %s (client %s, took %s)", req.Host, remote, time.Since(start))
}

func (s *AgentServer) respond(conn *net.UDPConn, remote *net.UDPAddr, resp agentResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		logger.Error("Failed to encode agent response: %v", err)
		return
	}
	if _, err := conn.WriteToUDP(payload, remote); err != nil {
		logger.Error("Failed to send agent response to %s: %v", remote, err)
	}
}
