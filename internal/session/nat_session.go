package session

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"

	utls "github.com/refraction-networking/utls"
	M "github.com/sagernet/sing/common/metadata"

	"relaycore_go/internal/dialer"
	"relaycore_go/internal/relay"
	"relaycore_go/internal/shared/types"
)

// NATSession 转发一条被内核重定向的入站 TCP 连接。
// 出站目标在 forward 模式下是配置的远程对端，否则是连接被重定向前的原始目标。
type NATSession struct {
	*Base

	in        net.Conn
	dst       M.Socksaddr
	connector *dialer.Connector
	preamble  relay.PreambleFunc

	// outCache 写往出站连接，连接建立前只排队。
	outCache  *relay.SendDataCache
	inCache   *relay.SendDataCache
	connected atomic.Bool
	out       atomic.Value // net.Conn
}

// NewNATSession 创建会话，dst 为原始目标，在 forward 模式下可以为空。
func NewNATSession(parent context.Context, cfg *types.Config, in net.Conn, dst M.Socksaddr, connector *dialer.Connector, preamble relay.PreambleFunc) *NATSession {
	s := &NATSession{
		Base:      NewBase(parent, cfg, in.RemoteAddr()),
		in:        in,
		dst:       dst,
		connector: connector,
		preamble:  preamble,
	}
	s.inCache = relay.NewSendDataCache(relay.ConnWriter(in))
	s.outCache = relay.NewSendDataCache(nil)
	s.outCache.SetIsConnectedFunc(s.connected.Load)

	s.OnDestroy(func() {
		_ = s.in.Close()
		s.inCache.Close()
		s.outCache.Close()
	})
	return s
}

// Destination 返回原始目标。
func (s *NATSession) Destination() M.Socksaddr { return s.dst }

// Target 返回出站连接的 host 与端口。
func (s *NATSession) Target() (string, string) {
	cfg := s.Config()
	if cfg.IsForward() {
		return cfg.CommonConf.RemoteAddr, strconv.Itoa(cfg.CommonConf.RemotePort)
	}
	return s.dst.AddrString(), strconv.Itoa(int(s.dst.Port))
}

// Start 开始读取入站数据并异步建立出站连接，立即返回。
func (s *NATSession) Start() {
	bufSize := s.Config().CommonConf.BufferSize
	relay.NewPump(s.in, s.outCache, bufSize, s.onRelayDone).Run(s.Context())

	addr, port := s.Target()
	s.Logger().Info().Str("target", net.JoinHostPort(addr, port)).Str("destination", s.dst.String()).Msg("new session")

	if s.Config().SSLConf.Enabled {
		s.connector.ConnectRemoteServerSSL(s, addr, port, s.InEndpoint(), func(conn *utls.UConn) {
			s.onConnected(conn, conn)
		})
		return
	}
	s.connector.ConnectOutSocket(s, addr, port, s.InEndpoint(), func(conn net.Conn) {
		s.onConnected(conn, nil)
	})
}

func (s *NATSession) onConnected(conn net.Conn, tlsConn dialer.TLSCloser) {
	if s.Context().Err() != nil {
		_ = conn.Close()
		return
	}
	s.out.Store(conn)
	s.OnDestroy(func() {
		if tlsConn != nil {
			dialer.ShutdownSSLSocket(tlsConn)
			return
		}
		_ = conn.Close()
	})

	s.outCache.SetAsyncWriter(relay.ConnWriter(conn))
	if s.preamble != nil {
		if data := s.preamble(s.dst); len(data) > 0 {
			// 必须排在连接期间已排队的入站数据之前。
			s.outCache.InsertData(data)
		}
	}
	s.connected.Store(true)
	s.outCache.AsyncSend()

	relay.NewPump(conn, s.inCache, s.Config().CommonConf.BufferSize, s.onRelayDone).Run(s.Context())
}

func (s *NATSession) onRelayDone(err error) {
	if s.Destroyed() {
		return
	}
	s.Logger().Debug().Err(err).Msg("relay finished")
	s.Destroy()
}

// OutConn 返回出站连接，连接建立前为 nil。
func (s *NATSession) OutConn() net.Conn {
	c, _ := s.out.Load().(net.Conn)
	return c
}
