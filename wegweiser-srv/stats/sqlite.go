package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_ip TEXT NOT NULL,
	tenant TEXT NOT NULL DEFAULT '',
	target_host TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	bytes_sent INTEGER NOT NULL DEFAULT 0,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	close_reason TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS route_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL,
	tenant TEXT NOT NULL DEFAULT '',
	target_host TEXT NOT NULL,
	escaper_path TEXT NOT NULL,
	terminal_escaper TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS tls_intercepts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL,
	host TEXT NOT NULL,
	cert_from_cache INTEGER NOT NULL DEFAULT 0,
	timestamp TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL DEFAULT 0,
	error_type TEXT NOT NULL,
	error_message TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS security_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_ip TEXT NOT NULL,
	tenant TEXT NOT NULL DEFAULT '',
	target_host TEXT NOT NULL,
	event_type TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_tenant ON connections(tenant);
CREATE INDEX IF NOT EXISTS idx_route_decisions_host ON route_decisions(target_host);
CREATE INDEX IF NOT EXISTS idx_route_decisions_terminal ON route_decisions(terminal_escaper);
CREATE INDEX IF NOT EXISTS idx_errors_type ON errors(error_type);
`

// SQLiteCollector implements Collector using SQLite as the backend
type SQLiteCollector struct {
	db        *sql.DB
	startedAt time.Time
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized stats collector sqlite")
	return &SQLiteCollector{db: db, startedAt: time.Now()}, nil
}

func (s *SQLiteCollector) StartConnection(ctx context.Context, clientIP, tenant, targetHost string, targetPort int, protocol string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (client_ip, tenant, target_host, target_port, protocol, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		clientIP, tenant, targetHost, targetPort, protocol, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get connection ID: %w", err)
	}
	return id, nil
}

func (s *SQLiteCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (s *SQLiteCollector) RecordRouteDecision(ctx context.Context, connectionID int64, tenant, targetHost, escaperPath, terminalEscaper string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO route_decisions (connection_id, tenant, target_host, escaper_path, terminal_escaper, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		connectionID, tenant, targetHost, escaperPath, terminalEscaper, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record route decision: %w", err)
	}
	return nil
}

func (s *SQLiteCollector) RecordTLSIntercept(ctx context.Context, connectionID int64, host string, certFromCache bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tls_intercepts (connection_id, host, cert_from_cache, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, host, certFromCache, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record TLS intercept: %w", err)
	}
	return nil
}

func (s *SQLiteCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

func (s *SQLiteCollector) RecordBlockedRequest(ctx context.Context, clientIP, tenant, targetHost, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (client_ip, tenant, target_host, event_type, reason, timestamp)
		 VALUES (?, ?, ?, 'blocked', ?, ?)`,
		clientIP, tenant, targetHost, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

func (s *SQLiteCollector) RecordAllowedRequest(ctx context.Context, clientIP, tenant, targetHost string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (client_ip, tenant, target_host, event_type, timestamp)
		 VALUES (?, ?, ?, 'allowed', ?)`,
		clientIP, tenant, targetHost, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record allowed request: %w", err)
	}
	return nil
}

func (s *SQLiteCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	overview := &OverviewStats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(bytes_received), 0),
		       COALESCE(SUM(bytes_sent), 0)
		FROM connections`)
	if err := row.Scan(&overview.TotalConnections, &overview.ActiveConnections,
		&overview.TotalBytesIn, &overview.TotalBytesOut); err != nil {
		return nil, fmt.Errorf("failed to get connection overview: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tls_intercepts`).Scan(&overview.TLSIntercepts); err != nil {
		return nil, fmt.Errorf("failed to get TLS intercepts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM errors`).Scan(&overview.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to get total errors: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events WHERE event_type = 'blocked'`).Scan(&overview.BlockedRequests); err != nil {
		return nil, fmt.Errorf("failed to get blocked requests: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events WHERE event_type = 'allowed'`).Scan(&overview.AllowedRequests); err != nil {
		return nil, fmt.Errorf("failed to get allowed requests: %w", err)
	}

	overview.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	return overview, nil
}

func (s *SQLiteCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_host, COUNT(*), MAX(timestamp)
		FROM route_decisions
		GROUP BY target_host
		ORDER BY COUNT(*) DESC
		LIMIT ?`, limit)
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

func (s *SQLiteCollector) GetTenantStats(ctx context.Context) ([]TenantStats, error) {
	rows, err := s.db.QueryContext(ctx, `
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

func (s *SQLiteCollector) GetEscaperUsage(ctx context.Context, limit int) ([]EscaperUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT terminal_escaper, COUNT(*), MAX(timestamp)
		FROM route_decisions
		GROUP BY terminal_escaper
		ORDER BY COUNT(*) DESC
		LIMIT ?`, limit)
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

func (s *SQLiteCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT error_type, COUNT(*),
		       (SELECT error_message FROM errors e2 WHERE e2.error_type = e1.error_type ORDER BY e2.timestamp DESC LIMIT 1),
		       MAX(timestamp)
		FROM errors e1
		GROUP BY error_type
		ORDER BY MAX(timestamp) DESC
		LIMIT ?`, limit)
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
func (s *SQLiteCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
