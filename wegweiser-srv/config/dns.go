package config

import "time"

// DNSType defines the type of DNS server
type DNSType string

// Available DNS types
const (
	DNSTypeUDP DNSType = "udp" // Standard DNS over UDP
	DNSTypeTCP DNSType = "tcp" // Standard DNS over TCP
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig defines configuration for a single DNS server
type DNSServerConfig struct {
	Address        string  // DNS server address (host:port or [IPv6]:port)
	Type           DNSType // DNS server type (udp, tcp, dot)
	TimeoutSeconds int     // Query timeout in seconds
	TLSHost        string  // TLS hostname for SNI (only used for DoT)
}

// GetTimeoutDuration returns the timeout as a time.Duration
func (d DNSServerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig holds configuration for the custom DNS resolver used by the
// direct escaper.
type DNSConfig struct {
	Enabled bool              // Enable custom DNS resolver
	Servers []DNSServerConfig // List of DNS servers to use
}

// DefaultDNSConfig returns default DNS configuration.
// Address format: host:port for IPv4/hostnames, [IPv6]:port for IPv6 addresses.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Enabled: false, // Disabled by default, uses system DNS
		Servers: []DNSServerConfig{
			{
				Address:        "8.8.8.8:53",
				Type:           DNSTypeUDP,
				TimeoutSeconds: 10,
			},
			{
				Address:        "1.1.1.1:53",
				Type:           DNSTypeUDP,
				TimeoutSeconds: 10,
			},
		},
	}
}
