package dialer

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"relaycore_go/internal/shared/types"
)

// controlFunc 在 connect 之前设置 socket 选项。
// no-delay 与 keep-alive 失败是致命的；fast-open 在平台不支持时静默忽略。
func controlFunc(conf types.TCPConf) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var optErr error
		err := c.Control(func(fd uintptr) {
			if conf.NoDelay {
				if err := setNoDelay(fd); err != nil {
					optErr = fmt.Errorf("set no-delay: %w", err)
					return
				}
			}
			if conf.KeepAlive {
				if err := setKeepAlive(fd); err != nil {
					optErr = fmt.Errorf("set keep-alive: %w", err)
					return
				}
			}
			if conf.FastOpen {
				_ = setFastOpenConnect(fd)
			}
		})
		if err != nil {
			return err
		}
		return optErr
	}
}

// newNetDialer 返回应用了 TCPConf 的 net.Dialer。
// KeepAlive 设为 -1，由 controlFunc 决定是否开启 SO_KEEPALIVE。
func newNetDialer(conf types.TCPConf) *net.Dialer {
	return &net.Dialer{
		KeepAlive: -1,
		Control:   controlFunc(conf),
	}
}

// ListenConfig 返回监听用的 net.ListenConfig，reuse_port 开启时设置 SO_REUSEPORT。
func ListenConfig(conf types.TCPConf) *net.ListenConfig {
	lc := &net.ListenConfig{}
	if conf.ReusePort {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			var optErr error
			if err := c.Control(func(fd uintptr) { optErr = setReusePort(fd) }); err != nil {
				return err
			}
			if optErr != nil {
				return fmt.Errorf("set reuse-port: %w", optErr)
			}
			return nil
		}
	}
	return lc
}

// Listen 是 ListenConfig(conf).Listen 的简写。
func Listen(ctx context.Context, conf types.TCPConf, network, address string) (net.Listener, error) {
	return ListenConfig(conf).Listen(ctx, network, address)
}
