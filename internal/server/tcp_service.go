package server

import (
	"errors"
	"net"
	"net/netip"
	"syscall"

	proxyproto "github.com/pires/go-proxyproto"
	M "github.com/sagernet/sing/common/metadata"

	"relaycore_go/internal/session"
	"relaycore_go/internal/tproxy"
)

var errNoSyscallConn = errors.New("connection does not expose a socket")

func (s *AppServer) acceptLoop() {
	defer s.waitGroup.Done()
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}
		conn, err := s.listener.Accept()
		if err != nil {
			s.logger.Debug().Err(err).Msgf("Listener on %s stopped accepting connections", s.listener.Addr())
			return
		}
		s.waitGroup.Add(1)
		go func(c net.Conn) {
			defer s.waitGroup.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Msgf("Panic recovered in connection handler for %s: %v", c.RemoteAddr(), r)
					_ = c.Close()
				}
			}()
			s.handleConnection(c)
		}(conn)
	}
}

func (s *AppServer) handleConnection(conn net.Conn) {
	dst, local, err := originalDestination(conn)
	if !s.cfg.IsForward() {
		if err != nil {
			s.logger.Warn().Err(err).Str("client_ip", conn.RemoteAddr().String()).Msg("cannot get original destination")
			_ = conn.Close()
			return
		}
		// 没有经过重定向的连接会指回监听地址本身。
		if dst.IsIP() && dst.AddrPort() == local {
			s.logger.Warn().Str("client_ip", conn.RemoteAddr().String()).Msg("connection was not redirected, refusing to loop")
			_ = conn.Close()
			return
		}
	} else if err != nil {
		s.logger.Debug().Err(err).Msg("original destination unavailable")
	}

	sess := session.NewNATSession(s.ctx, s.cfg, conn, dst, s.connector, s.Preamble)
	s.activeSessions.Store(sess, struct{}{})
	s.activeCount.Add(1)
	sess.OnDestroy(func() {
		s.activeSessions.Delete(sess)
		s.activeCount.Add(-1)
	})
	sess.Start()
}

// originalDestination 返回连接被重定向前的目标以及本地监听地址。
// 带 PROXY 协议头的连接以头中的目标地址为准。
func originalDestination(conn net.Conn) (M.Socksaddr, netip.AddrPort, error) {
	raw := conn
	if pc, ok := conn.(*proxyproto.Conn); ok {
		raw = pc.Raw()
		if header := pc.ProxyHeader(); header != nil {
			if tcp, ok := header.DestinationAddr.(*net.TCPAddr); ok {
				ap := tcp.AddrPort()
				return M.SocksaddrFrom(ap.Addr().Unmap(), ap.Port()), netip.AddrPort{}, nil
			}
		}
	}
	var local netip.AddrPort
	if la, ok := raw.LocalAddr().(*net.TCPAddr); ok {
		ap := la.AddrPort()
		local = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	sc, ok := raw.(syscall.Conn)
	if !ok {
		return M.Socksaddr{}, local, errNoSyscallConn
	}
	dst, err := tproxy.OriginalDestination(sc)
	return dst, local, err
}
