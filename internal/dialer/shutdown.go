package dialer

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// ShutdownTimeout 是等待对端确认 close-notify 的上限。
var ShutdownTimeout = 30 * time.Second

// TLSCloser 是 *tls.Conn 与 *utls.UConn 共有的方法集。
type TLSCloser interface {
	CloseWrite() error
	NetConn() net.Conn
}

// ShutdownSSLSocket 发送 close-notify 并在其完成或 ShutdownTimeout 到期时关闭底层连接，
// 二者以先到者为准，底层连接只关闭一次。返回的 channel 在关闭完成后被关闭。
func ShutdownSSLSocket(conn TLSCloser) <-chan struct{} {
	done := make(chan struct{})
	raw := conn.NetConn()

	// 取消底层连接上挂起的读操作；连接已关闭时无需再做任何事。
	if err := raw.SetReadDeadline(time.Now()); isClosed(err) {
		close(done)
		return done
	}
	_ = raw.SetWriteDeadline(time.Now().Add(ShutdownTimeout))

	var (
		once  sync.Once
		mu    sync.Mutex
		timer *time.Timer
	)
	finalize := func() {
		once.Do(func() {
			mu.Lock()
			timer.Stop()
			mu.Unlock()
			if c, ok := raw.(interface {
				CloseRead() error
				CloseWrite() error
			}); ok {
				_ = c.CloseRead()
				_ = c.CloseWrite()
			}
			_ = raw.Close()
			close(done)
		})
	}
	mu.Lock()
	timer = time.AfterFunc(ShutdownTimeout, finalize)
	mu.Unlock()

	go func() {
		err := conn.CloseWrite()
		if isClosed(err) {
			// 被取消：收尾已经或即将由定时器完成。
			return
		}
		finalize()
	}()
	return done
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
