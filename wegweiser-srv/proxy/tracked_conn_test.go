package proxy

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/wegweiser/wegweiser-srv/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCollector captures EndConnection calls for assertions.
type recordingCollector struct {
	stats.DummyCollector
	mu       sync.Mutex
	endCalls int
	sent     int64
	received int64
	reason   string
}

func (c *recordingCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endCalls++
	c.sent = bytesSent
	c.received = bytesReceived
	c.reason = closeReason
	return nil
}

func TestTrackedConnCounting(t *testing.T) {
	client, server := net.Pipe()
	collector := &recordingCollector{}
	tracked := newTrackedConn(context.Background(), client, collector, 42)

	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		_, _ = server.Write(buf[:n])
		_ = server.Close()
	}()

	_, err := tracked.Write([]byte("ping-pong"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := tracked.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	require.NoError(t, tracked.Close())

	collector.mu.Lock()
	defer collector.mu.Unlock()
	assert.Equal(t, 1, collector.endCalls)
	assert.Equal(t, int64(9), collector.sent)
	assert.Equal(t, int64(9), collector.received)
	assert.Equal(t, "normal", collector.reason)
}

func TestTrackedConnCloseOnce(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = server.Close() }()

	collector := &recordingCollector{}
	tracked := newTrackedConn(context.Background(), client, collector, 7)

	_ = tracked.Close()
	_ = tracked.Close()

	collector.mu.Lock()
	defer collector.mu.Unlock()
	assert.Equal(t, 1, collector.endCalls, "stats must be recorded exactly once")
}
