package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// BufferedCollector batches writes to the underlying collector so the
// proxy hot path never waits on the database. StartConnection still goes
// through synchronously because callers need the row ID; everything else
// is queued and flushed on an interval, when the buffer fills, or on Close.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration
	maxBuffer  int

	buffer struct {
		endedConnections []endedConnectionData
		routeDecisions   []routeDecisionData
		tlsIntercepts    []tlsInterceptData
		errors           []errorData
		security         []securityEventData
		mu               sync.Mutex
	}

	stopChan  chan struct{}
	flushChan chan struct{}
	wg        sync.WaitGroup
}

type endedConnectionData struct {
	connectionID  int64
	bytesSent     int64
	bytesReceived int64
	duration      time.Duration
	closeReason   string
}

type routeDecisionData struct {
	connectionID    int64
	tenant          string
	targetHost      string
	escaperPath     string
	terminalEscaper string
}

type tlsInterceptData struct {
	connectionID  int64
	host          string
	certFromCache bool
}

type errorData struct {
	connectionID int64
	errorType    string
	errorMessage string
}

type securityEventData struct {
	clientIP   string
	tenant     string
	targetHost string
	eventType  string
	reason     string
}

// NewBufferedCollector wraps the underlying collector with batching.
// A maxBuffer of 0 means 1000 queued events trigger an early flush.
func NewBufferedCollector(underlying Collector, interval time.Duration, maxBuffer int) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxBuffer <= 0 {
		maxBuffer = 1000
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		maxBuffer:  maxBuffer,
		stopChan:   make(chan struct{}),
		flushChan:  make(chan struct{}, 1),
	}

	bc.wg.Add(1)
	go bc.flusher()

	return bc
}

func (b *BufferedCollector) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.flushChan:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// queued must be called with the buffer lock held.
func (b *BufferedCollector) queued() int {
	return len(b.buffer.endedConnections) +
		len(b.buffer.routeDecisions) +
		len(b.buffer.tlsIntercepts) +
		len(b.buffer.errors) +
		len(b.buffer.security)
}

// requestFlush nudges the flusher without blocking the caller.
func (b *BufferedCollector) requestFlush() {
	select {
	case b.flushChan <- struct{}{}:
	default:
	}
}

func (b *BufferedCollector) StartConnection(ctx context.Context, clientIP, tenant, targetHost string, targetPort int, protocol string) (int64, error) {
	// Synchronous: the caller needs the connection ID for later events
	return b.underlying.StartConnection(ctx, clientIP, tenant, targetHost, targetPort, protocol)
}

func (b *BufferedCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.buffer.mu.Lock()
	b.buffer.endedConnections = append(b.buffer.endedConnections, endedConnectionData{
		connectionID:  connectionID,
		bytesSent:     bytesSent,
		bytesReceived: bytesReceived,
		duration:      duration,
		closeReason:   closeReason,
	})
	full := b.queued() >= b.maxBuffer
	b.buffer.mu.Unlock()

	if full {
		b.requestFlush()
	}
	return nil
}

func (b *BufferedCollector) RecordRouteDecision(ctx context.Context, connectionID int64, tenant, targetHost, escaperPath, terminalEscaper string) error {
	b.buffer.mu.Lock()
	b.buffer.routeDecisions = append(b.buffer.routeDecisions, routeDecisionData{
		connectionID:    connectionID,
		tenant:          tenant,
		targetHost:      targetHost,
		escaperPath:     escaperPath,
		terminalEscaper: terminalEscaper,
	})
	full := b.queued() >= b.maxBuffer
	b.buffer.mu.Unlock()

	if full {
		b.requestFlush()
	}
	return nil
}

func (b *BufferedCollector) RecordTLSIntercept(ctx context.Context, connectionID int64, host string, certFromCache bool) error {
	b.buffer.mu.Lock()
	b.buffer.tlsIntercepts = append(b.buffer.tlsIntercepts, tlsInterceptData{
		connectionID:  connectionID,
		host:          host,
		certFromCache: certFromCache,
	})
	full := b.queued() >= b.maxBuffer
	b.buffer.mu.Unlock()

	if full {
		b.requestFlush()
	}
	return nil
}

func (b *BufferedCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	b.buffer.mu.Lock()
	b.buffer.errors = append(b.buffer.errors, errorData{
		connectionID: connectionID,
		errorType:    errorType,
		errorMessage: errorMessage,
	})
	full := b.queued() >= b.maxBuffer
	b.buffer.mu.Unlock()

	if full {
		b.requestFlush()
	}
	return nil
}

func (b *BufferedCollector) RecordBlockedRequest(ctx context.Context, clientIP, tenant, targetHost, reason string) error {
	b.buffer.mu.Lock()
	b.buffer.security = append(b.buffer.security, securityEventData{
		clientIP:   clientIP,
		tenant:     tenant,
		targetHost: targetHost,
		eventType:  "blocked",
		reason:     reason,
	})
	full := b.queued() >= b.maxBuffer
	b.buffer.mu.Unlock()

	if full {
		b.requestFlush()
	}
	return nil
}

func (b *BufferedCollector) RecordAllowedRequest(ctx context.Context, clientIP, tenant, targetHost string) error {
	b.buffer.mu.Lock()
	b.buffer.security = append(b.buffer.security, securityEventData{
		clientIP:   clientIP,
		tenant:     tenant,
		targetHost: targetHost,
		eventType:  "allowed",
	})
	full := b.queued() >= b.maxBuffer
	b.buffer.mu.Unlock()

	if full {
		b.requestFlush()
	}
	return nil
}

// flush writes all buffered data to the underlying collector.
func (b *BufferedCollector) flush() {
	b.buffer.mu.Lock()
	ended := b.buffer.endedConnections
	routes := b.buffer.routeDecisions
	intercepts := b.buffer.tlsIntercepts
	errs := b.buffer.errors
	security := b.buffer.security
	b.buffer.endedConnections = nil
	b.buffer.routeDecisions = nil
	b.buffer.tlsIntercepts = nil
	b.buffer.errors = nil
	b.buffer.security = nil
	b.buffer.mu.Unlock()

	total := len(ended) + len(routes) + len(intercepts) + len(errs) + len(security)
	if total == 0 {
		return
	}
	logger.Debug("Flushing stats data %d", total)

	ctx := context.Background()
	for _, conn := range ended {
		if err := b.underlying.EndConnection(ctx, conn.connectionID, conn.bytesSent, conn.bytesReceived, conn.duration, conn.closeReason); err != nil {
			logger.Warn("Failed to flush connection end: %v", err)
		}
	}
	for _, route := range routes {
		if err := b.underlying.RecordRouteDecision(ctx, route.connectionID, route.tenant, route.targetHost, route.escaperPath, route.terminalEscaper); err != nil {
			logger.Warn("Failed to flush route decision: %v", err)
		}
	}
	for _, ti := range intercepts {
		if err := b.underlying.RecordTLSIntercept(ctx, ti.connectionID, ti.host, ti.certFromCache); err != nil {
			logger.Warn("Failed to flush TLS intercept: %v", err)
		}
	}
	for _, e := range errs {
		if err := b.underlying.RecordError(ctx, e.connectionID, e.errorType, e.errorMessage); err != nil {
			logger.Warn("Failed to flush error: %v", err)
		}
	}
	for _, event := range security {
		var err error
		if event.eventType == "blocked" {
			err = b.underlying.RecordBlockedRequest(ctx, event.clientIP, event.tenant, event.targetHost, event.reason)
		} else {
			err = b.underlying.RecordAllowedRequest(ctx, event.clientIP, event.tenant, event.targetHost)
		}
		if err != nil {
			logger.Warn("Failed to flush security event: %v", err)
		}
	}
}

// ForceFlush immediately flushes all buffered data.
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return b.underlying.GetOverviewStats(ctx)
}

func (b *BufferedCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	return b.underlying.GetTopDomains(ctx, limit)
}

func (b *BufferedCollector) GetTenantStats(ctx context.Context) ([]TenantStats, error) {
	return b.underlying.GetTenantStats(ctx)
}

func (b *BufferedCollector) GetEscaperUsage(ctx context.Context, limit int) ([]EscaperUsage, error) {
	return b.underlying.GetEscaperUsage(ctx, limit)
}

func (b *BufferedCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	return b.underlying.GetRecentErrors(ctx, limit)
}

func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close stops the flusher, writes remaining data and closes the backend.
func (b *BufferedCollector) Close() error {
	close(b.stopChan)
	b.wg.Wait()
	return b.underlying.Close()
}
