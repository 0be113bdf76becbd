// Package server 运行透明代理的监听端：NAT TCP 监听与 TPROXY UDP 转发。
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"relaycore_go/internal/core/health"
	"relaycore_go/internal/dialer"
	"relaycore_go/internal/relay"
	"relaycore_go/internal/session"
	"relaycore_go/internal/shared/types"
)

// proxyHeaderTimeout 是等待 PROXY 协议头的上限。
const proxyHeaderTimeout = 10 * time.Second

// AppServer 代表整个应用服务器
type AppServer struct {
	cfg       *types.Config
	connector *dialer.Connector
	limiter   *rate.Limiter

	// Preamble 在出站连接建立后首先写入，可以为空。
	Preamble relay.PreambleFunc

	listener net.Listener
	udp      *UDPNATService
	health   *health.Checker

	ctx    context.Context
	cancel context.CancelFunc

	waitGroup      sync.WaitGroup
	closeOnce      sync.Once
	activeSessions sync.Map
	activeCount    atomic.Int64
	logger         zerolog.Logger
}

// New 创建一个新的 AppServer 实例
func New(cfg *types.Config) (*AppServer, error) {
	resolver, err := dialer.NewResolver(cfg.DNSConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &AppServer{
		cfg:       cfg,
		connector: dialer.NewConnector(cfg, resolver),
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With().Str("component", "server").Str("mode", cfg.CommonConf.Mode).Logger(),
	}
	if cfg.CommonConf.AcceptRate > 0 {
		burst := cfg.CommonConf.AcceptBurst
		if burst <= 0 {
			burst = cfg.CommonConf.AcceptRate
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.CommonConf.AcceptRate), burst)
	}
	return s, nil
}

// Start 打开 TCP 监听（以及配置开启时的 UDP 转发），立即返回。
func (s *AppServer) Start() error {
	addr := net.JoinHostPort(s.cfg.CommonConf.LocalAddr, strconv.Itoa(s.cfg.CommonConf.LocalPort))
	ln, err := dialer.Listen(s.ctx, s.cfg.TCPConf, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.cfg.NATConf.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: proxyHeaderTimeout}
	}
	s.listener = ln
	s.logger.Info().Str("listen_addr", ln.Addr().String()).Bool("proxy_protocol", s.cfg.NATConf.ProxyProtocol).Msg("TCP listener started")

	s.waitGroup.Add(1)
	go s.acceptLoop()

	if s.cfg.IsForward() && s.cfg.CommonConf.HealthInterval > 0 {
		s.health = health.New(s.connector.DialContext, s.cfg.CommonConf.RemoteAddr, strconv.Itoa(s.cfg.CommonConf.RemotePort), s.cfg.ConnectTimeout())
		s.waitGroup.Add(1)
		go func() {
			defer s.waitGroup.Done()
			s.health.Run(s.ctx, time.Duration(s.cfg.CommonConf.HealthInterval)*time.Second)
		}()
	}

	if s.cfg.UDPConf.Enabled {
		// UDP 与 TCP 使用同一端口；TCP 端口为 0 时跟随实际分配的端口。
		udpAddr := net.JoinHostPort(s.cfg.CommonConf.LocalAddr, strconv.Itoa(ln.Addr().(*net.TCPAddr).Port))
		s.udp = NewUDPNATService(s.cfg)
		if err := s.udp.Start(s.ctx, udpAddr); err != nil {
			s.Stop()
			return fmt.Errorf("failed to start UDP relay on %s: %w", udpAddr, err)
		}
	}
	return nil
}

// Run 启动服务器并阻塞到 Stop 被调用。
func (s *AppServer) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	<-s.ctx.Done()
	return nil
}

// Addr 返回 TCP 监听地址，Start 之前为 nil。
func (s *AppServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Health 返回远程对端的健康检查器，未开启时为 nil。
func (s *AppServer) Health() *health.Checker { return s.health }

// UDP 返回 UDP 转发服务，未开启时为 nil。
func (s *AppServer) UDP() *UDPNATService { return s.udp }

// ActiveSessions 返回当前存活的 TCP 会话数量。
func (s *AppServer) ActiveSessions() int64 { return s.activeCount.Load() }

// Stop 关闭监听并销毁所有会话。
func (s *AppServer) Stop() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.udp != nil {
			s.udp.Stop()
		}
		s.activeSessions.Range(func(key, _ any) bool {
			key.(*session.NATSession).Destroy()
			return true
		})
		s.waitGroup.Wait()
		s.logger.Info().Msg("server stopped")
	})
}
