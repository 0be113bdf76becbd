package server

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"relaycore_go/internal/relay"
	"relaycore_go/internal/shared/types"
	"relaycore_go/internal/tproxy"
)

const udpCleanupInterval = 30 * time.Second

type natKey struct {
	src netip.AddrPort
	dst netip.AddrPort
}

// natEntry 对应一个 (客户端, 原始目标) 二元组。
type natEntry struct {
	upstream *net.UDPConn // 发往原始目标
	reply    *net.UDPConn // 以原始目标为源地址回复客户端
	ttl      int
	lastSeen atomic.Int64
}

func (e *natEntry) touch() { e.lastSeen.Store(time.Now().UnixNano()) }

func (e *natEntry) close() {
	_ = e.upstream.Close()
	_ = e.reply.Close()
}

// UDPNATService 接收 TPROXY 重定向的 UDP 数据报并转发到原始目标，
// 回包通过绑定在原始目标地址上的透明 socket 发回客户端。
type UDPNATService struct {
	cfg        *types.Config
	conn       *net.UDPConn
	timeout    time.Duration
	packetSize int

	lock    sync.Mutex
	entries map[natKey]*natEntry

	stopChan  chan struct{}
	closeOnce sync.Once
	waitGroup sync.WaitGroup
	logger    zerolog.Logger
}

func NewUDPNATService(cfg *types.Config) *UDPNATService {
	packetSize := cfg.UDPConf.PacketSize
	if packetSize <= 0 {
		packetSize = relay.DefaultPacketSize
	}
	timeout := time.Duration(cfg.UDPConf.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &UDPNATService{
		cfg:        cfg,
		timeout:    timeout,
		packetSize: packetSize,
		entries:    make(map[natKey]*natEntry),
		stopChan:   make(chan struct{}),
		logger:     log.With().Str("component", "udp_nat").Logger(),
	}
}

// Start 打开 TPROXY 监听并开始转发。
func (u *UDPNATService) Start(ctx context.Context, address string) error {
	conn, err := tproxy.ListenTransparentUDP(ctx, "udp", address, u.cfg.UDPConf.RecvTTL)
	if err != nil {
		return err
	}
	u.conn = conn
	u.logger.Info().Str("listen_addr", conn.LocalAddr().String()).Msg("UDP TPROXY listener started")

	u.waitGroup.Add(2)
	go u.serve()
	go u.cleanupLoop()
	return nil
}

// Addr 返回监听地址。
func (u *UDPNATService) Addr() net.Addr { return u.conn.LocalAddr() }

// Len 返回当前 NAT 表项数量。
func (u *UDPNATService) Len() int {
	u.lock.Lock()
	defer u.lock.Unlock()
	return len(u.entries)
}

// Stop 关闭监听 socket 与所有表项。
func (u *UDPNATService) Stop() {
	u.closeOnce.Do(func() {
		close(u.stopChan)
		if u.conn != nil {
			_ = u.conn.Close()
		}
		u.lock.Lock()
		for key, e := range u.entries {
			e.close()
			delete(u.entries, key)
		}
		u.lock.Unlock()
		u.waitGroup.Wait()
	})
}

func (u *UDPNATService) serve() {
	defer u.waitGroup.Done()
	buf := make([]byte, u.packetSize)
	listen := u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	locals := localAddrs()
	for {
		msg, err := tproxy.RecvTProxyUDPMsg(u.conn, buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.logger.Debug().Err(err).Msg("failed to receive datagram")
			continue
		}
		if msg.Truncated {
			u.logger.Debug().Str("client_ip", msg.Source.String()).Int("packet_size", u.packetSize).Msg("dropping truncated datagram")
			continue
		}
		dst := msg.Destination.AddrPort()
		if isSelfDestination(dst, listen, locals) {
			// 未经 TPROXY 重定向，直接发到了监听地址。
			continue
		}
		u.handlePacket(msg.Source, dst, msg.TTL, buf[:msg.N])
	}
}

// localAddrs 返回本机所有接口地址。
func localAddrs() map[netip.Addr]struct{} {
	set := make(map[netip.Addr]struct{})
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return set
	}
	for _, a := range addrs {
		if prefix, err := netip.ParsePrefix(a.String()); err == nil {
			set[prefix.Addr().Unmap()] = struct{}{}
		}
	}
	return set
}

// isSelfDestination 判断 dst 是否就是监听 socket 本身。
// 监听在通配地址上时，任何本机地址加同一端口都视为监听地址。
func isSelfDestination(dst, listen netip.AddrPort, locals map[netip.Addr]struct{}) bool {
	if dst.Port() != listen.Port() {
		return false
	}
	addr := dst.Addr().Unmap()
	listenAddr := listen.Addr().Unmap()
	if !listenAddr.IsUnspecified() {
		return addr == listenAddr
	}
	if addr.IsLoopback() || addr.IsUnspecified() {
		return true
	}
	_, ok := locals[addr]
	return ok
}

// handlePacket 把一个数据报转发到 dst，必要时建立新的表项。payload 在返回后可被复用。
func (u *UDPNATService) handlePacket(src, dst netip.AddrPort, ttl int, payload []byte) {
	key := natKey{src: src, dst: dst}

	u.lock.Lock()
	entry, found := u.entries[key]
	if !found {
		var err error
		entry, err = u.newEntry(src, dst)
		if err != nil {
			u.lock.Unlock()
			u.logger.Error().Err(err).Str("client_ip", src.String()).Str("destination", dst.String()).Msg("cannot create UDP NAT entry")
			return
		}
		u.entries[key] = entry
		u.waitGroup.Add(1)
		go u.copyReplies(key, entry)
	}
	entry.touch()
	if u.cfg.UDPConf.RecvTTL && ttl > 0 && ttl != entry.ttl {
		if err := tproxy.SetTTL(entry.upstream, ttl); err != nil {
			u.logger.Debug().Err(err).Int("ttl", ttl).Msg("cannot set TTL")
		} else {
			entry.ttl = ttl
		}
	}
	upstream := entry.upstream
	u.lock.Unlock()

	if _, err := upstream.Write(payload); err != nil {
		u.logger.Debug().Err(err).Str("destination", dst.String()).Msg("failed to forward datagram")
	}
}

func (u *UDPNATService) newEntry(src, dst netip.AddrPort) (*natEntry, error) {
	upstream, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(dst))
	if err != nil {
		return nil, err
	}
	reply, err := tproxy.DialTransparentUDP(dst, src)
	if err != nil {
		_ = upstream.Close()
		return nil, err
	}
	e := &natEntry{upstream: upstream, reply: reply, ttl: -1}
	e.touch()
	return e, nil
}

// copyReplies 把原始目标的回包经由透明 socket 发回客户端。
func (u *UDPNATService) copyReplies(key natKey, entry *natEntry) {
	defer u.waitGroup.Done()
	defer func() {
		u.lock.Lock()
		if e, ok := u.entries[key]; ok && e == entry {
			delete(u.entries, key)
		}
		u.lock.Unlock()
		entry.close()
	}()

	buf := make([]byte, u.packetSize)
	for {
		n, err := entry.upstream.Read(buf)
		if err != nil {
			return
		}
		entry.touch()
		if _, err := entry.reply.Write(buf[:n]); err != nil {
			u.logger.Debug().Err(err).Str("client_ip", key.src.String()).Msg("failed to send reply")
			return
		}
	}
}

func (u *UDPNATService) cleanupLoop() {
	defer u.waitGroup.Done()
	ticker := time.NewTicker(udpCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			u.cleanupExpired(time.Now())
		case <-u.stopChan:
			return
		}
	}
}

func (u *UDPNATService) cleanupExpired(now time.Time) {
	u.lock.Lock()
	defer u.lock.Unlock()
	for key, e := range u.entries {
		if now.Sub(time.Unix(0, e.lastSeen.Load())) > u.timeout {
			e.close()
			delete(u.entries, key)
		}
	}
}
