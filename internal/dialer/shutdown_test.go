package dialer

import (
	"crypto/tls"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// stuckCloser 的 close-notify 直到 release 才返回。
type stuckCloser struct {
	raw     *countingConn
	release chan struct{}
	calls   atomic.Int32
}

func (s *stuckCloser) CloseWrite() error {
	s.calls.Add(1)
	<-s.release
	return nil
}

func (s *stuckCloser) NetConn() net.Conn { return s.raw }

func TestShutdownSSLSocket_CloseNotifyWins(t *testing.T) {
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{selfSignedCert(t)}})
	require.NoError(t, err)
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		_, err = io.Copy(io.Discard, conn)
		serverErr <- err
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	counted := &countingConn{Conn: raw}
	// TLS 1.2 避免握手后未读取的 session ticket 导致关闭时发送 RST。
	client := tls.Client(counted, &tls.Config{InsecureSkipVerify: true, MaxVersion: tls.VersionTLS12})
	require.NoError(t, client.Handshake())

	done := ShutdownSSLSocket(client)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	// 对端收到 close-notify，读到 EOF。
	select {
	case err := <-serverErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not observe close-notify")
	}
	require.EqualValues(t, 1, counted.closes.Load())
}

func TestShutdownSSLSocket_TimerWins(t *testing.T) {
	old := ShutdownTimeout
	ShutdownTimeout = 100 * time.Millisecond
	defer func() { ShutdownTimeout = old }()

	a, b := net.Pipe()
	defer b.Close()
	closer := &stuckCloser{raw: &countingConn{Conn: a}, release: make(chan struct{})}

	start := time.Now()
	done := ShutdownSSLSocket(closer)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not force the close")
	}
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.EqualValues(t, 1, closer.raw.closes.Load())

	// 迟到的 close-notify 完成不会再次关闭。
	close(closer.release)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, closer.calls.Load())
	require.EqualValues(t, 1, closer.raw.closes.Load())
}

func TestShutdownSSLSocket_AlreadyClosed(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	require.NoError(t, a.Close())

	closer := &stuckCloser{raw: &countingConn{Conn: a}, release: make(chan struct{})}
	done := ShutdownSSLSocket(closer)
	select {
	case <-done:
	default:
		t.Fatal("shutdown of a closed socket must finish immediately")
	}
	require.Zero(t, closer.calls.Load())
}
