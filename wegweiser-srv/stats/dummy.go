package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector used when
// statistics collection is disabled.
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartConnection(ctx context.Context, clientIP, tenant, targetHost string, targetPort int, protocol string) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

func (d *DummyCollector) RecordRouteDecision(ctx context.Context, connectionID int64, tenant, targetHost, escaperPath, terminalEscaper string) error {
	return nil
}

func (d *DummyCollector) RecordTLSIntercept(ctx context.Context, connectionID int64, host string, certFromCache bool) error {
	return nil
}

func (d *DummyCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return nil
}

func (d *DummyCollector) RecordBlockedRequest(ctx context.Context, clientIP, tenant, targetHost, reason string) error {
	return nil
}

func (d *DummyCollector) RecordAllowedRequest(ctx context.Context, clientIP, tenant, targetHost string) error {
	return nil
}

func (d *DummyCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{}, nil
}

func (d *DummyCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	return []DomainStats{}, nil
}

func (d *DummyCollector) GetTenantStats(ctx context.Context) ([]TenantStats, error) {
	return []TenantStats{}, nil
}

func (d *DummyCollector) GetEscaperUsage(ctx context.Context, limit int) ([]EscaperUsage, error) {
	return []EscaperUsage{}, nil
}

func (d *DummyCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	return []ErrorSummary{}, nil
}

func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

func (d *DummyCollector) Close() error {
	return nil
}
