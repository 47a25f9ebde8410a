package certgen

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"
)

// Source produces forged certificates for intercepted hosts. The returned
// TTL bounds how long the certificate may be cached; zero means the cache
// default applies.
type Source interface {
	Fetch(ctx context.Context, host string, mimic *x509.Certificate) (*tls.Certificate, time.Duration, error)
}

// LocalSource forges certificates in-process with a Builder.
type LocalSource struct {
	builder *Builder
}

// NewLocalSource creates a Source backed by the given builder.
func NewLocalSource(builder *Builder) *LocalSource {
	return &LocalSource{builder: builder}
}

// Fetch forges a certificate for the host.
func (s *LocalSource) Fetch(_ context.Context, host string, mimic *x509.Certificate) (*tls.Certificate, time.Duration, error) {
	cert, err := s.builder.Forge(host, mimic)
	if err != nil {
		return nil, 0, err
	}
	return cert, 0, nil
}
