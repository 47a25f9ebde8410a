package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id BIGSERIAL PRIMARY KEY,
	client_ip TEXT NOT NULL,
	tenant TEXT NOT NULL DEFAULT '',
	target_host TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	bytes_sent BIGINT NOT NULL DEFAULT 0,
	bytes_received BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	close_reason TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS route_decisions (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT NOT NULL,
	tenant TEXT NOT NULL DEFAULT '',
	target_host TEXT NOT NULL,
	escaper_path TEXT NOT NULL,
	terminal_escaper TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tls_intercepts (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT NOT NULL,
	host TEXT NOT NULL,
	cert_from_cache BOOLEAN NOT NULL DEFAULT FALSE,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS errors (
	id BIGSERIAL PRIMARY KEY,
	connection_id BIGINT NOT NULL DEFAULT 0,
	error_type TEXT NOT NULL,
	error_message TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS security_events (
	id BIGSERIAL PRIMARY KEY,
	client_ip TEXT NOT NULL,
	tenant TEXT NOT NULL DEFAULT '',
	target_host TEXT NOT NULL,
	event_type TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_tenant ON connections(tenant);
CREATE INDEX IF NOT EXISTS idx_route_decisions_host ON route_decisions(target_host);
CREATE INDEX IF NOT EXISTS idx_route_decisions_terminal ON route_decisions(terminal_escaper);
CREATE INDEX IF NOT EXISTS idx_errors_type ON errors(error_type);
`

// PostgreSQLCollector implements Collector using PostgreSQL as the backend
type PostgreSQLCollector struct {
	db        *sql.DB
	startedAt time.Time
}

// NewPostgreSQLCollector creates a new PostgreSQL-based statistics collector
func NewPostgreSQLCollector(dsn string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized stats collector postgres")
	return &PostgreSQLCollector{db: db, startedAt: time.Now()}, nil
}

func (p *PostgreSQLCollector) StartConnection(ctx context.Context, clientIP, tenant, targetHost string, targetPort int, protocol string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO connections (client_ip, tenant, target_host, target_port, protocol, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		clientIP, tenant, targetHost, targetPort, protocol, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

func (p *PostgreSQLCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = $1, bytes_sent = $2, bytes_received = $3, duration_ms = $4, close_reason = $5
		 WHERE id = $6`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (p *PostgreSQLCollector) RecordRouteDecision(ctx context.Context, connectionID int64, tenant, targetHost, escaperPath, terminalEscaper string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO route_decisions (connection_id, tenant, target_host, escaper_path, terminal_escaper, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		connectionID, tenant, targetHost, escaperPath, terminalEscaper, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record route decision: %w", err)
	}
	return nil
}

func (p *PostgreSQLCollector) RecordTLSIntercept(ctx context.Context, connectionID int64, host string, certFromCache bool) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tls_intercepts (connection_id, host, cert_from_cache, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, host, certFromCache, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record TLS intercept: %w", err)
	}
	return nil
}

func (p *PostgreSQLCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

func (p *PostgreSQLCollector) RecordBlockedRequest(ctx context.Context, clientIP, tenant, targetHost, reason string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO security_events (client_ip, tenant, target_host, event_type, reason, timestamp)
		 VALUES ($1, $2, $3, 'blocked', $4, $5)`,
		clientIP, tenant, targetHost, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

func (p *PostgreSQLCollector) RecordAllowedRequest(ctx context.Context, clientIP, tenant, targetHost string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO security_events (client_ip, tenant, target_host, event_type, timestamp)
		 VALUES ($1, $2, $3, 'allowed', $4)`,
		clientIP, tenant, targetHost, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record allowed request: %w", err)
	}
	return nil
}

func (p *PostgreSQLCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	overview := &OverviewStats{}

	row := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(bytes_received), 0),
		       COALESCE(SUM(bytes_sent), 0)
		FROM connections`)
	if err := row.Scan(&overview.TotalConnections, &overview.ActiveConnections,
		&overview.TotalBytesIn, &overview.TotalBytesOut); err != nil {
		return nil, fmt.Errorf("failed to get connection overview: %w", err)
	}

	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tls_intercepts`).Scan(&overview.TLSIntercepts); err != nil {
		return nil, fmt.Errorf("failed to get TLS intercepts: %w", err)
	}
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM errors`).Scan(&overview.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to get total errors: %w", err)
	}
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events WHERE event_type = 'blocked'`).Scan(&overview.BlockedRequests); err != nil {
		return nil, fmt.Errorf("failed to get blocked requests: %w", err)
	}
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events WHERE event_type = 'allowed'`).Scan(&overview.AllowedRequests); err != nil {
		return nil, fmt.Errorf("failed to get allowed requests: %w", err)
	}

	overview.Uptime = time.Since(p.startedAt).Round(time.Second).String()
	return overview, nil
}

func (p *PostgreSQLCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT target_host, COUNT(*), MAX(timestamp)
		FROM route_decisions
		GROUP BY target_host
		ORDER BY COUNT(*) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top domains: %w", err)
	}
	defer rows.Close()

	var domains []DomainStats
	for rows.Next() {
		var d DomainStats
		if err := rows.Scan(&d.Domain, &d.RequestCount, &d.LastAccess); err != nil {
			return nil, fmt.Errorf("failed to scan domain stats: %w", err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func (p *PostgreSQLCollector) GetTenantStats(ctx context.Context) ([]TenantStats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tenant, COUNT(*), COALESCE(SUM(bytes_sent), 0), COALESCE(SUM(bytes_received), 0)
		FROM connections
		GROUP BY tenant
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant stats: %w", err)
	}
	defer rows.Close()

	var tenants []TenantStats
	for rows.Next() {
		var t TenantStats
		if err := rows.Scan(&t.Tenant, &t.Connections, &t.BytesSent, &t.BytesReceived); err != nil {
			return nil, fmt.Errorf("failed to scan tenant stats: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (p *PostgreSQLCollector) GetEscaperUsage(ctx context.Context, limit int) ([]EscaperUsage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT terminal_escaper, COUNT(*), MAX(timestamp)
		FROM route_decisions
		GROUP BY terminal_escaper
		ORDER BY COUNT(*) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query escaper usage: %w", err)
	}
	defer rows.Close()

	var usage []EscaperUsage
	for rows.Next() {
		var u EscaperUsage
		if err := rows.Scan(&u.Escaper, &u.DialCount, &u.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan escaper usage: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func (p *PostgreSQLCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT error_type, COUNT(*),
		       (SELECT error_message FROM errors e2 WHERE e2.error_type = e1.error_type ORDER BY e2.timestamp DESC LIMIT 1),
		       MAX(timestamp)
		FROM errors e1
		GROUP BY error_type
		ORDER BY MAX(timestamp) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent errors: %w", err)
	}
	defer rows.Close()

	var errorSummaries []ErrorSummary
	for rows.Next() {
		var e ErrorSummary
		if err := rows.Scan(&e.ErrorType, &e.Count, &e.LastMessage, &e.LastOccurred); err != nil {
			return nil, fmt.Errorf("failed to scan error summary: %w", err)
		}
		errorSummaries = append(errorSummaries, e)
	}
	return errorSummaries, rows.Err()
}

// HealthCheck checks if the database connection is healthy
func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
