package escaper

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFailover(primary, standby Escaper, timeout time.Duration) *RouteFailoverEscaper {
	return &RouteFailoverEscaper{
		baseEscaper:     baseEscaper{name: "failover"},
		primary:         primary,
		standby:         standby,
		fallbackTimeout: timeout,
	}
}

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client
}

func TestFailoverPrimarySucceeds(t *testing.T) {
	primaryConn := pipeConn(t)
	primary := &fakeEscaper{
		baseEscaper: baseEscaper{name: "primary"},
		dial: func(context.Context, *DialInfo, Target) (net.Conn, error) {
			return primaryConn, nil
		},
	}
	standby := &fakeEscaper{
		baseEscaper: baseEscaper{name: "standby"},
		dial: func(context.Context, *DialInfo, Target) (net.Conn, error) {
			t.Error("standby must not be dialed when the primary succeeds")
			return nil, errors.New("unexpected")
		},
	}

	fo := newTestFailover(primary, standby, time.Second)
	info := &DialInfo{}
	conn, err := fo.Connect(context.Background(), info, mustTarget(t, "example.com:443"))
	require.NoError(t, err)
	assert.Same(t, primaryConn, conn)
	assert.Equal(t, []string{"failover", "primary"}, info.Path)
}

func TestFailoverPrimaryFails(t *testing.T) {
	primary := &fakeEscaper{
		baseEscaper: baseEscaper{name: "primary"},
		dial: func(context.Context, *DialInfo, Target) (net.Conn, error) {
			return nil, errors.New("primary down")
		},
	}
	standbyConn := pipeConn(t)
	standby := &fakeEscaper{
		baseEscaper: baseEscaper{name: "standby"},
		dial: func(context.Context, *DialInfo, Target) (net.Conn, error) {
			return standbyConn, nil
		},
	}

	fo := newTestFailover(primary, standby, time.Second)
	info := &DialInfo{}
	conn, err := fo.Connect(context.Background(), info, mustTarget(t, "example.com:443"))
	require.NoError(t, err)
	assert.Same(t, standbyConn, conn)
	assert.Equal(t, []string{"failover", "standby"}, info.Path)
}

func TestFailoverSlowPrimaryRaced(t *testing.T) {
	primaryDialed := make(chan struct{})
	primary := &fakeEscaper{
		baseEscaper: baseEscaper{name: "primary"},
		dial: func(ctx context.Context, _ *DialInfo, _ Target) (net.Conn, error) {
			close(primaryDialed)
			select {
			case <-time.After(2 * time.Second):
				return nil, errors.New("too slow")
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	standbyConn := pipeConn(t)
	standby := &fakeEscaper{
		baseEscaper: baseEscaper{name: "standby"},
		dial: func(context.Context, *DialInfo, Target) (net.Conn, error) {
			return standbyConn, nil
		},
	}

	fo := newTestFailover(primary, standby, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	info := &DialInfo{}
	start := time.Now()
	conn, err := fo.Connect(ctx, info, mustTarget(t, "example.com:443"))
	require.NoError(t, err)
	assert.Same(t, standbyConn, conn)
	assert.Equal(t, []string{"failover", "standby"}, info.Path)
	assert.Less(t, time.Since(start), time.Second)
	<-primaryDialed
}

func TestFailoverBothFail(t *testing.T) {
	failing := func(name string) *fakeEscaper {
		return &fakeEscaper{
			baseEscaper: baseEscaper{name: name},
			dial: func(context.Context, *DialInfo, Target) (net.Conn, error) {
				return nil, errors.New(name + " down")
			},
		}
	}

	fo := newTestFailover(failing("primary"), failing("standby"), time.Second)
	info := &DialInfo{}
	_, err := fo.Connect(context.Background(), info, mustTarget(t, "example.com:443"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all routes failed")

	snap := fo.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.RequestsPassed)
	assert.Equal(t, int64(1), snap.ConnectFailed)
}

func TestFailoverContextCancelled(t *testing.T) {
	primary := &fakeEscaper{
		baseEscaper: baseEscaper{name: "primary"},
		dial: func(ctx context.Context, _ *DialInfo, _ Target) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	standby := &fakeEscaper{
		baseEscaper: baseEscaper{name: "standby"},
		dial: func(ctx context.Context, _ *DialInfo, _ Target) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	fo := newTestFailover(primary, standby, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := fo.Connect(ctx, &DialInfo{}, mustTarget(t, "example.com:443"))
	require.ErrorIs(t, err, context.Canceled)
}
