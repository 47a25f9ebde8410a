package escaper

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/config"
	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// defaultFallbackTimeout is how long the primary of a route-failover
// escaper may take before the standby is dialed in parallel.
const defaultFallbackTimeout = 100 * time.Millisecond

// RouteFailoverEscaper dials through its primary and falls back to the
// standby. The standby is started when the primary fails, or when the
// primary is still pending after the fallback timeout; in the latter case
// both dials race and the first established connection wins.
type RouteFailoverEscaper struct {
	baseEscaper
	cfg             *config.EscaperRouteFailover
	primary         Escaper
	standby         Escaper
	fallbackTimeout time.Duration
}

func newRouteFailoverEscaper(name string, cfg *config.EscaperRouteFailover) *RouteFailoverEscaper {
	e := &RouteFailoverEscaper{
		baseEscaper:     baseEscaper{name: name},
		cfg:             cfg,
		fallbackTimeout: defaultFallbackTimeout,
	}
	if cfg.FallbackTimeoutMillis > 0 {
		e.fallbackTimeout = time.Duration(cfg.FallbackTimeoutMillis) * time.Millisecond
	}
	return e
}

func (e *RouteFailoverEscaper) Type() config.EscaperType { return config.EscaperTypeRouteFailover }

func (e *RouteFailoverEscaper) link(reg *Registry) error {
	primary, err := reg.Get(e.cfg.Primary)
	if err != nil {
		return fmt.Errorf("escaper %s: primary: %w", e.name, err)
	}
	standby, err := reg.Get(e.cfg.Standby)
	if err != nil {
		return fmt.Errorf("escaper %s: standby: %w", e.name, err)
	}
	e.primary = primary
	e.standby = standby
	return nil
}

type dialResult struct {
	conn net.Conn
	path []string
	err  error
}

func (e *RouteFailoverEscaper) Connect(ctx context.Context, info *DialInfo, target Target) (net.Conn, error) {
	if err := info.record(e.name); err != nil {
		return nil, err
	}
	e.stats.addRequestPassed()

	results := make(chan dialResult, 2)
	dial := func(next Escaper) {
		branch := info.clone()
		conn, err := next.Connect(ctx, branch, target)
		results <- dialResult{conn: conn, path: branch.Path, err: err}
	}
	go dial(e.primary)

	timer := time.NewTimer(e.fallbackTimeout)
	defer timer.Stop()

	pending := 1
	standbyStarted := false
	var lastErr error

	for pending > 0 {
		select {
		case res := <-results:
			pending--
			if res.err == nil {
				info.Path = res.path
				drainResults(results, pending)
				return res.conn, nil
			}
			lastErr = res.err
			if !standbyStarted {
				logger.Debug("Escaper %s primary failed, trying standby: %v", e.name, res.err)
				standbyStarted = true
				pending++
				go dial(e.standby)
			}
		case <-timer.C:
			if !standbyStarted {
				logger.Debug("Escaper %s primary slow, racing standby for %s", e.name, target.Address())
				standbyStarted = true
				pending++
				go dial(e.standby)
			}
		case <-ctx.Done():
			drainResults(results, pending)
			e.stats.addFailed()
			return nil, ctx.Err()
		}
	}

	e.stats.addFailed()
	return nil, fmt.Errorf("escaper %s: all routes failed: %w", e.name, lastErr)
}

// drainResults closes connections from dial attempts that lost the race.
func drainResults(results chan dialResult, pending int) {
	if pending <= 0 {
		return
	}
	go func() {
		for i := 0; i < pending; i++ {
			res := <-results
			if res.conn != nil {
				closeQuietly(res.conn)
			}
		}
	}()
}
