package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/stats"
)

// trackedConn wraps a client connection and reports byte counts and the
// close reason to the stats collector exactly once.
type trackedConn struct {
	net.Conn
	collector     stats.Collector
	connectionID  int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	startTime     time.Time
	ctx           context.Context
	endOnce       sync.Once
}

func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
		ctx:          ctx,
	}
}

func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
	}
	return n, err
}

// Close closes the connection and records the final statistics.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	closeReason := "normal"
	if err != nil {
		closeReason = err.Error()
	}
	c.endOnce.Do(func() {
		duration := time.Since(c.startTime)
		_ = c.collector.EndConnection(c.ctx, c.connectionID,
			c.bytesSent.Load(), c.bytesReceived.Load(), duration, closeReason)
	})
	return err
}
