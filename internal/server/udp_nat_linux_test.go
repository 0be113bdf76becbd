package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"relaycore_go/internal/tproxy"
)

func skipWithoutTransparent(t *testing.T) {
	t.Helper()
	probe, err := tproxy.DialTransparentUDP(netip.MustParseAddrPort("127.0.0.1:0"), netip.MustParseAddrPort("127.0.0.1:9"))
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		t.Skip("transparent sockets need CAP_NET_ADMIN")
	}
	require.NoError(t, err)
	_ = probe.Close()
}

// listenReuseAddr 打开一个带 SO_REUSEADDR 的 UDP socket，使透明回包 socket 可以绑定到同一地址。
func listenReuseAddr(t *testing.T) *net.UDPConn {
	t.Helper()
	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		var optErr error
		if err := c.Control(func(fd uintptr) {
			optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return optErr
	}}
	pc, err := lc.ListenPacket(context.Background(), "udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc.(*net.UDPConn)
}

func TestUDPNATService_ForwardsAndSpoofsReply(t *testing.T) {
	skipWithoutTransparent(t)

	echo := listenReuseAddr(t)
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := echo.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			_, _ = echo.WriteToUDPAddrPort(append([]byte("echo:"), buf[:n]...), from)
		}
	}()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	src := netip.MustParseAddrPort(client.LocalAddr().String())
	dst := netip.MustParseAddrPort(echo.LocalAddr().String())

	cfg := testConfig()
	u := NewUDPNATService(cfg)
	defer u.Stop()

	u.handlePacket(src, dst, -1, []byte("hi"))
	require.Equal(t, 1, u.Len())

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	n, from, err := client.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	require.Equal(t, "echo:hi", string(buf[:n]))
	// 回包的源地址是客户端原本访问的目标。
	require.Equal(t, dst, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()))

	// 同一二元组复用表项。
	u.handlePacket(src, dst, -1, []byte("again"))
	require.Equal(t, 1, u.Len())

	u.cleanupExpired(time.Now().Add(2 * u.timeout))
	require.Equal(t, 0, u.Len())
}

func TestUDPNATService_DropsUnredirected(t *testing.T) {
	skipWithoutTransparent(t)

	cfg := testConfig()
	u := NewUDPNATService(cfg)
	require.NoError(t, u.Start(context.Background(), "127.0.0.1:0"))
	defer u.Stop()

	c, err := net.Dial("udp", u.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("loop"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, u.Len())
}

func TestNewUDPNATService_Defaults(t *testing.T) {
	cfg := testConfig()
	cfg.UDPConf.PacketSize = 0
	cfg.UDPConf.Timeout = 0
	u := NewUDPNATService(cfg)
	require.Equal(t, 1397, u.packetSize)
	require.Equal(t, 60*time.Second, u.timeout)
}

func socketTTL(t *testing.T, conn *net.UDPConn) int {
	t.Helper()
	rc, err := conn.SyscallConn()
	require.NoError(t, err)
	var ttl int
	var optErr error
	require.NoError(t, rc.Control(func(fd uintptr) {
		ttl, optErr = unix.GetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TTL)
	}))
	require.NoError(t, optErr)
	return ttl
}

// listenRecvTTL 打开一个接收原始目标与 TTL 控制消息的普通 UDP socket，代替 TPROXY 监听。
func listenRecvTTL(t *testing.T) *net.UDPConn {
	t.Helper()
	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		var optErr error
		if err := c.Control(func(fd uintptr) {
			if optErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1); optErr != nil {
				return
			}
			optErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVTTL, 1)
		}); err != nil {
			return err
		}
		return optErr
	}}
	pc, err := lc.ListenPacket(context.Background(), "udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc.(*net.UDPConn)
}

func TestUDPNATService_CopiesTTLToUpstream(t *testing.T) {
	skipWithoutTransparent(t)

	listener := listenRecvTTL(t)
	target := listenReuseAddr(t)

	client, err := net.DialUDP("udp4", nil, listener.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, tproxy.SetTTL(client, 33))
	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	msg, err := tproxy.RecvTProxyUDPMsg(listener, buf)
	require.NoError(t, err)
	require.Equal(t, 33, msg.TTL)

	cfg := testConfig()
	cfg.UDPConf.RecvTTL = true
	u := NewUDPNATService(cfg)
	defer u.Stop()

	dst := netip.MustParseAddrPort(target.LocalAddr().String())
	u.handlePacket(msg.Source, dst, msg.TTL, buf[:msg.N])

	u.lock.Lock()
	entry := u.entries[natKey{src: msg.Source, dst: dst}]
	u.lock.Unlock()
	require.NotNil(t, entry)
	require.Equal(t, 33, socketTTL(t, entry.upstream))

	require.NoError(t, target.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := target.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestUDPNATService_IgnoresTTLWhenDisabled(t *testing.T) {
	skipWithoutTransparent(t)

	target := listenReuseAddr(t)
	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	u := NewUDPNATService(testConfig())
	defer u.Stop()

	src := netip.MustParseAddrPort(client.LocalAddr().String())
	dst := netip.MustParseAddrPort(target.LocalAddr().String())
	u.handlePacket(src, dst, 33, []byte("x"))

	u.lock.Lock()
	entry := u.entries[natKey{src: src, dst: dst}]
	u.lock.Unlock()
	require.NotNil(t, entry)
	require.NotEqual(t, 33, socketTTL(t, entry.upstream))
}

func TestIsSelfDestination(t *testing.T) {
	locals := map[netip.Addr]struct{}{netip.MustParseAddr("192.168.1.10"): {}}
	wildcard := netip.MustParseAddrPort("0.0.0.0:5353")
	wildcard6 := netip.MustParseAddrPort("[::]:5353")
	bound := netip.MustParseAddrPort("127.0.0.1:5353")

	cases := []struct {
		dst    string
		listen netip.AddrPort
		want   bool
	}{
		{"127.0.0.1:5353", wildcard, true},
		{"127.0.0.1:5353", wildcard6, true},
		{"192.168.1.10:5353", wildcard, true},
		{"[::1]:5353", wildcard6, true},
		{"8.8.8.8:5353", wildcard, false},
		{"127.0.0.1:53", wildcard, false},
		{"127.0.0.1:5353", bound, true},
		{"127.0.0.2:5353", bound, false},
	}
	for _, c := range cases {
		got := isSelfDestination(netip.MustParseAddrPort(c.dst), c.listen, locals)
		require.Equal(t, c.want, got, "%s on %s", c.dst, c.listen)
	}
}

func TestUDPNATService_WildcardDropsDirectDatagram(t *testing.T) {
	skipWithoutTransparent(t)

	var logs bytes.Buffer
	u := NewUDPNATService(testConfig())
	u.logger = zerolog.New(&logs)
	require.NoError(t, u.Start(context.Background(), "0.0.0.0:0"))
	defer u.Stop()

	port := u.Addr().(*net.UDPAddr).Port
	c, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("loop"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, u.Len())
	u.Stop()
	require.NotContains(t, logs.String(), "cannot create UDP NAT entry")
}
