package certgen

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// generateTestCA creates a self-signed CA for tests and returns it PEM encoded.
func generateTestCA(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate CA key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "wegweiser test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("Failed to create CA certificate: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return certPEM, keyPEM
}

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	certPEM, keyPEM := generateTestCA(t)
	builder, err := NewBuilder(certPEM, keyPEM, "")
	if err != nil {
		t.Fatalf("Failed to create builder: %v", err)
	}
	return builder
}

func leafCert(t *testing.T, cert *tls.Certificate) *x509.Certificate {
	t.Helper()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("Failed to parse forged certificate: %v", err)
	}
	return leaf
}

func TestNewBuilderInvalidPEM(t *testing.T) {
	if _, err := NewBuilder([]byte("not a cert"), []byte("not a key"), ""); err == nil {
		t.Fatalf("Expected error for invalid PEM input")
	}
}

func TestForgeDefaults(t *testing.T) {
	builder := newTestBuilder(t)

	cert, err := builder.Forge("example.com", nil)
	if err != nil {
		t.Fatalf("Failed to forge certificate: %v", err)
	}

	leaf := leafCert(t, cert)
	if leaf.Subject.CommonName != "example.com" {
		t.Errorf("Expected CN example.com, got %s", leaf.Subject.CommonName)
	}
	if err := leaf.VerifyHostname("example.com"); err != nil {
		t.Errorf("Forged certificate does not cover example.com: %v", err)
	}

	// Must verify against the CA
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(builder.CACertPEM()) {
		t.Fatalf("Failed to add CA to pool")
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool}); err != nil {
		t.Errorf("Forged certificate does not verify against CA: %v", err)
	}
}

func TestForgeIPHost(t *testing.T) {
	builder := newTestBuilder(t)

	cert, err := builder.Forge("192.0.2.10", nil)
	if err != nil {
		t.Fatalf("Failed to forge certificate: %v", err)
	}

	leaf := leafCert(t, cert)
	found := false
	for _, ip := range leaf.IPAddresses {
		if ip.Equal(net.ParseIP("192.0.2.10")) {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected IP SAN 192.0.2.10, got %v", leaf.IPAddresses)
	}
}

func TestForgeMimic(t *testing.T) {
	builder := newTestBuilder(t)

	notBefore := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	notAfter := time.Now().Add(10 * 24 * time.Hour).Truncate(time.Second)
	mimic := &x509.Certificate{
		Subject:   pkix.Name{CommonName: "real.example.com", Organization: []string{"Real Org"}},
		DNSNames:  []string{"real.example.com", "www.real.example.com"},
		NotBefore: notBefore,
		NotAfter:  notAfter,
	}

	cert, err := builder.Forge("real.example.com", mimic)
	if err != nil {
		t.Fatalf("Failed to forge mimic certificate: %v", err)
	}

	leaf := leafCert(t, cert)
	if leaf.Subject.CommonName != "real.example.com" {
		t.Errorf("Expected mimic CN, got %s", leaf.Subject.CommonName)
	}
	if len(leaf.Subject.Organization) != 1 || leaf.Subject.Organization[0] != "Real Org" {
		t.Errorf("Expected mimic organization, got %v", leaf.Subject.Organization)
	}
	if err := leaf.VerifyHostname("www.real.example.com"); err != nil {
		t.Errorf("Expected mimic SANs to be copied: %v", err)
	}
	if !leaf.NotBefore.Equal(notBefore.UTC().Truncate(time.Second)) && !leaf.NotBefore.Equal(notBefore) {
		t.Errorf("Expected mimic NotBefore %v, got %v", notBefore, leaf.NotBefore)
	}
}

// countingSource wraps a Source and counts fetches.
type countingSource struct {
	inner   Source
	fetches atomic.Int64
}

func (s *countingSource) Fetch(ctx context.Context, host string, mimic *x509.Certificate) (*tls.Certificate, time.Duration, error) {
	s.fetches.Add(1)
	return s.inner.Fetch(ctx, host, mimic)
}

func TestCacheSingleFlight(t *testing.T) {
	builder := newTestBuilder(t)
	source := &countingSource{inner: NewLocalSource(builder)}
	cache := NewCache(source, time.Hour)

	const workers = 8
	certs := make([]*tls.Certificate, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			cert, err := cache.Get(context.Background(), "burst.example.com", nil)
			if err != nil {
				t.Errorf("Get failed: %v", err)
				return
			}
			certs[i] = cert
		}(i)
	}
	wg.Wait()

	// All workers must share the same certificate; generation may run a
	// couple of times at most when a worker misses the wait group window.
	if got := source.fetches.Load(); got > 2 {
		t.Errorf("Expected at most 2 fetches for a burst, got %d", got)
	}
	for i := 1; i < workers; i++ {
		if certs[i] == nil || certs[0] == nil {
			t.Fatalf("Missing certificate for worker %d", i)
		}
	}

	// Subsequent calls hit the cache
	before := source.fetches.Load()
	if _, err := cache.Get(context.Background(), "burst.example.com", nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if source.fetches.Load() != before {
		t.Errorf("Expected cache hit, got a new fetch")
	}
}

func TestCacheExpiry(t *testing.T) {
	builder := newTestBuilder(t)
	source := &countingSource{inner: NewLocalSource(builder)}
	cache := NewCache(source, 10*time.Millisecond)

	if _, err := cache.Get(context.Background(), "short.example.com", nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := cache.Get(context.Background(), "short.example.com", nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got := source.fetches.Load(); got != 2 {
		t.Errorf("Expected 2 fetches after expiry, got %d", got)
	}
}

func TestAgentEndToEnd(t *testing.T) {
	builder := newTestBuilder(t)

	server := NewAgentServer(builder, 600)
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Failed to start agent server: %v", err)
	}
	defer server.Stop()

	source := NewAgentSource(server.Addr().String())
	cert, ttl, err := source.Fetch(context.Background(), "agent.example.com", nil)
	if err != nil {
		t.Fatalf("Agent fetch failed: %v", err)
	}
	if ttl != 600*time.Second {
		t.Errorf("Expected ttl 600s, got %s", ttl)
	}

	leaf := leafCert(t, cert)
	if err := leaf.VerifyHostname("agent.example.com"); err != nil {
		t.Errorf("Agent certificate does not cover host: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(builder.CACertPEM())
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool}); err != nil {
		t.Errorf("Agent certificate does not verify against CA: %v", err)
	}
}

func TestAgentMimic(t *testing.T) {
	builder := newTestBuilder(t)

	server := NewAgentServer(builder, 0)
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Failed to start agent server: %v", err)
	}
	defer server.Stop()

	// Forge a "real" upstream certificate to mimic
	upstream, err := builder.Forge("upstream.example.com", nil)
	if err != nil {
		t.Fatalf("Failed to forge upstream certificate: %v", err)
	}
	mimic := leafCert(t, upstream)

	source := NewAgentSource(server.Addr().String())
	cert, _, err := source.Fetch(context.Background(), "upstream.example.com", mimic)
	if err != nil {
		t.Fatalf("Agent fetch with mimic failed: %v", err)
	}

	leaf := leafCert(t, cert)
	if leaf.Subject.CommonName != "upstream.example.com" {
		t.Errorf("Expected mimic CN, got %s", leaf.Subject.CommonName)
	}
}

func TestAgentTimeout(t *testing.T) {
	// Nothing listening at this address
	source := NewAgentSource("127.0.0.1:9")
	source.timeout = 50 * time.Millisecond

	_, _, err := source.Fetch(context.Background(), "nobody.example.com", nil)
	if err == nil {
		t.Fatalf("Expected timeout error")
	}
}
