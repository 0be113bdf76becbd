package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChecker_UpAndDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, _ := net.SplitHostPort(ln.Addr().String())

	dial := func(ctx context.Context, addr, port string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
	}
	c := New(dial, host, port, time.Second)
	require.Equal(t, StatusUnknown, c.Last().Status)

	res := c.Check(context.Background())
	require.Equal(t, StatusUp, res.Status)
	require.NoError(t, res.Err)
	require.Equal(t, res, c.Last())

	require.NoError(t, ln.Close())
	res = c.Check(context.Background())
	require.Equal(t, StatusDown, res.Status)
	require.Error(t, res.Err)
}

func TestChecker_TimeoutBoundsDial(t *testing.T) {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := New(dial, "192.0.2.1", "443", 50*time.Millisecond)
	res := c.Check(context.Background())
	require.Equal(t, StatusDown, res.Status)
	require.True(t, errors.Is(res.Err, context.DeadlineExceeded))
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	var calls int
	probes := make(chan struct{}, 16)
	dial := func(context.Context, string, string) (net.Conn, error) {
		select {
		case probes <- struct{}{}:
		default:
		}
		return nil, errors.New("refused")
	}
	c := New(dial, "127.0.0.1", "1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	for calls < 2 {
		select {
		case <-probes:
			calls++
		case <-time.After(5 * time.Second):
			t.Fatal("health check did not run")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, StatusDown, c.Last().Status)
}
