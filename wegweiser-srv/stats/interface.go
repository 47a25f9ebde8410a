package stats

import (
	"context"
	"time"
)

// Collector records proxy traffic events and answers portal queries.
// Connection rows carry the tenant so per-tenant accounting works without
// joins; route decisions keep the full escaper chain of the dial.
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, clientIP, tenant, targetHost string, targetPort int, protocol string) (int64, error)
	EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Routing and interception events
	RecordRouteDecision(ctx context.Context, connectionID int64, tenant, targetHost, escaperPath, terminalEscaper string) error
	RecordTLSIntercept(ctx context.Context, connectionID int64, host string, certFromCache bool) error

	// Error tracking
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Policy events
	RecordBlockedRequest(ctx context.Context, clientIP, tenant, targetHost, reason string) error
	RecordAllowedRequest(ctx context.Context, clientIP, tenant, targetHost string) error

	// Portal queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error)
	GetTenantStats(ctx context.Context) ([]TenantStats, error)
	GetEscaperUsage(ctx context.Context, limit int) ([]EscaperUsage, error)
	GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64  `json:"total_connections"`
	ActiveConnections int64  `json:"active_connections"`
	TLSIntercepts     int64  `json:"tls_intercepts"`
	TotalErrors       int64  `json:"total_errors"`
	BlockedRequests   int64  `json:"blocked_requests"`
	AllowedRequests   int64  `json:"allowed_requests"`
	TotalBytesIn      int64  `json:"total_bytes_in"`
	TotalBytesOut     int64  `json:"total_bytes_out"`
	Uptime            string `json:"uptime"`
}

// DomainStats represents statistics for one upstream domain
type DomainStats struct {
	Domain       string    `json:"domain"`
	RequestCount int64     `json:"request_count"`
	LastAccess   time.Time `json:"last_access"`
}

// TenantStats aggregates traffic per tenant
type TenantStats struct {
	Tenant        string `json:"tenant"`
	Connections   int64  `json:"connections"`
	BytesSent     int64  `json:"bytes_sent"`
	BytesReceived int64  `json:"bytes_received"`
}

// EscaperUsage counts how often each terminal escaper carried a dial
type EscaperUsage struct {
	Escaper   string    `json:"escaper"`
	DialCount int64     `json:"dial_count"`
	LastUsed  time.Time `json:"last_used"`
}

// ErrorSummary represents error statistics
type ErrorSummary struct {
	ErrorType    string    `json:"error_type"`
	Count        int64     `json:"count"`
	LastMessage  string    `json:"last_message"`
	LastOccurred time.Time `json:"last_occurred"`
}
