// Package dialer 建立到远程对端的出站连接（明文或 TLS），并负责 TLS 连接的优雅关闭。
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	utls "github.com/refraction-networking/utls"

	"relaycore_go/internal/shared/logger"
	"relaycore_go/internal/shared/types"
)

// DialFunc 与 net.Dialer.DialContext 同签名。
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Connector 按照 解析 → socket 选项 → 带超时的 connect → 可选 TLS 握手 的顺序建立出站连接。
// 任何一步失败都会记录日志并销毁所属会话，不做重试。
type Connector struct {
	Resolver Resolver

	// Dial 为空时使用按 TCPConf 配置的 net.Dialer。
	Dial DialFunc

	cfg          *types.Config
	sessionCache utls.ClientSessionCache
}

// NewConnector creates a Connector. A nil resolver means SystemResolver.
func NewConnector(cfg *types.Config, resolver Resolver) *Connector {
	if resolver == nil {
		resolver = SystemResolver{}
	}
	c := &Connector{Resolver: resolver, cfg: cfg}
	if cfg.SSLConf.ReuseSession {
		c.sessionCache = utls.NewLRUClientSessionCache(cfg.SSLConf.SessionCacheSize)
	}
	return c
}

// ConnectOutSocket 异步连接 addr:port，成功后在新协程中调用 connected。
// 失败时记录原因并调用 sess.Destroy()。
func (c *Connector) ConnectOutSocket(sess types.Session, addr, port string, inEndpoint net.Addr, connected func(conn net.Conn)) {
	go func() {
		conn, err := c.connect(sess, addr, port, inEndpoint)
		if err != nil {
			sess.Destroy()
			return
		}
		connected(conn)
	}()
}

func (c *Connector) connect(sess types.Session, addr, port string, inEndpoint net.Addr) (net.Conn, error) {
	return c.dial(sess.Context(), sess.Config(), addr, port, inEndpoint)
}

// DialContext 是 ConnectOutSocket 的阻塞版本，使用创建 Connector 时的配置，不涉及会话。
func (c *Connector) DialContext(ctx context.Context, addr, port string) (net.Conn, error) {
	return c.dial(ctx, c.cfg, addr, port, nil)
}

func (c *Connector) dial(ctx context.Context, cfg *types.Config, addr, port string, inEndpoint net.Addr) (net.Conn, error) {

	addrs, err := c.Resolver.LookupNetIP(ctx, addr)
	if err == nil && len(addrs) == 0 {
		err = ErrNoAddress
	}
	if err != nil {
		logger.LogWithEndpoint(inEndpoint, "cannot resolve remote server hostname "+addr+":"+port+" reason: "+err.Error(), types.LogError)
		return nil, err
	}
	// 只使用第一个地址，不回退到后续地址。
	target := addrs[0].Unmap()
	logger.LogWithEndpoint(inEndpoint, addr+" is resolved to "+target.String(), types.LogAll)

	portNum, err := parsePort(port)
	if err != nil {
		logger.LogWithEndpoint(inEndpoint, "invalid remote server port "+port+" reason: "+err.Error(), types.LogError)
		return nil, err
	}

	dialCtx := ctx
	if timeout := cfg.ConnectTimeout(); timeout > 0 {
		// 没有超时的话，不可达主机上的 connect 可能一直挂起。
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	network := "tcp4"
	if target.Is6() {
		network = "tcp6"
	}
	dial := c.Dial
	if dial == nil {
		dial = newNetDialer(cfg.TCPConf).DialContext
	}
	conn, err := dial(dialCtx, network, netip.AddrPortFrom(target, portNum).String())
	if err != nil {
		reason := err.Error()
		if ctx.Err() == nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		logger.LogWithEndpoint(inEndpoint, "cannot establish connection to remote server "+addr+":"+port+" reason: "+reason, types.LogError)
		return nil, err
	}
	if ctx.Err() != nil {
		// 会话（或调用者）在连接期间已取消。
		_ = conn.Close()
		return nil, ctx.Err()
	}

	// no-delay 已在 connect 前设置；net 包在连接建立后总会开启它，关闭时需要再设置一次。
	if tcpConn, ok := conn.(*net.TCPConn); ok && !cfg.TCPConf.NoDelay {
		if err := tcpConn.SetNoDelay(false); err != nil {
			_ = conn.Close()
			logger.LogWithEndpoint(inEndpoint, "cannot set no-delay on socket to "+addr+":"+port+" reason: "+err.Error(), types.LogError)
			return nil, err
		}
	}
	return conn, nil
}

func parsePort(port string) (uint16, error) {
	if n, err := strconv.ParseUint(port, 10, 16); err == nil {
		return uint16(n), nil
	}
	n, err := net.LookupPort("tcp", port)
	if err != nil {
		return 0, fmt.Errorf("lookup port: %w", err)
	}
	return uint16(n), nil
}
