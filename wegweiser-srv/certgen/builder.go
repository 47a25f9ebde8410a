package certgen

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Builder forges leaf certificates signed by the configured CA.
type Builder struct {
	ca     tls.Certificate
	caCert *x509.Certificate
	caKey  crypto.PrivateKey
}

// NewBuilder parses the PEM encoded CA certificate and private key.
// An encrypted key is decrypted with the given password first.
func NewBuilder(caCertPEM, caKeyPEM []byte, caKeyPassword string) (*Builder, error) {
	keyPEM, err := decryptPEMKey(caKeyPEM, caKeyPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt CA key: %w", err)
	}

	ca, err := tls.X509KeyPair(caCertPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate/key: %w", err)
	}

	block, _ := pem.Decode(caCertPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode CA cert PEM")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA cert: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}
	caKey, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	return &Builder{
		ca:     ca,
		caCert: caCert,
		caKey:  caKey,
	}, nil
}

// parsePrivateKey tries PKCS#1, PKCS#8 and EC key formats in that order.
func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch typed := key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey:
			return typed, nil
		default:
			return nil, fmt.Errorf("CA key is not a supported private key type (RSA or EC)")
		}
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key (tried PKCS#1, PKCS#8, and EC): %w", err)
	}
	return key, nil
}

// CACertPEM returns the PEM encoded CA certificate, for distribution to
// clients that should trust the interceptor.
func (b *Builder) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b.caCert.Raw})
}

// Forge creates a leaf certificate for the given host. When mimic is set
// the forged certificate copies the subject, SANs and validity window of
// the real upstream certificate; otherwise sane defaults are used.
func (b *Builder) Forge(host string, mimic *x509.Certificate) (*tls.Certificate, error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if mimic != nil {
		tmpl.Subject = mimic.Subject
		tmpl.DNSNames = append(tmpl.DNSNames, mimic.DNSNames...)
		tmpl.IPAddresses = append(tmpl.IPAddresses, mimic.IPAddresses...)
		tmpl.NotBefore = mimic.NotBefore
		tmpl.NotAfter = mimic.NotAfter
	} else {
		tmpl.Subject = pkix.Name{CommonName: host}
		tmpl.NotBefore = time.Now().Add(-1 * time.Hour)
		tmpl.NotAfter = time.Now().Add(24 * 365 * time.Hour)
	}

	// The requested host must always be covered, even in mimic mode
	if ip := net.ParseIP(host); ip != nil {
		if !containsIP(tmpl.IPAddresses, ip) {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		}
	} else if !containsString(tmpl.DNSNames, host) {
		tmpl.DNSNames = append(tmpl.DNSNames, host)
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, b.caCert, &priv.PublicKey, b.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to create X509 key pair: %w", err)
	}

	return &cert, nil
}

// ForgePEM creates a leaf certificate and returns it PEM encoded, for the
// agent server wire format.
func (b *Builder) ForgePEM(host string, mimic *x509.Certificate) (certPEM, keyPEM []byte, err error) {
	cert, err := b.Forge(host, mimic)
	if err != nil {
		return nil, nil, err
	}

	var certBuf []byte
	for _, der := range cert.Certificate {
		certBuf = append(certBuf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}

	priv, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected private key type %T", cert.PrivateKey)
	}
	keyBuf := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return certBuf, keyBuf, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func containsIP(list []net.IP, ip net.IP) bool {
	for _, item := range list {
		if item.Equal(ip) {
			return true
		}
	}
	return false
}
