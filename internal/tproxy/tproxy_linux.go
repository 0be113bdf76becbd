//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"unsafe"

	M "github.com/sagernet/sing/common/metadata"
	"golang.org/x/sys/unix"
)

// oobSize 足够容纳一个 IPv6 原始目标地址和一个 hop limit 控制消息。
var oobSize = unix.CmsgSpace(unix.SizeofSockaddrInet6) + unix.CmsgSpace(4)

// RecvTargetEndpoint 读取被 REDIRECT 的 TCP 连接的原始目标地址，先尝试 IPv4 再尝试 IPv6。
func RecvTargetEndpoint(fd int) (M.Socksaddr, error) {
	// getsockopt 返回 sockaddr_in，借用 16 字节的 IPv6Mreq 作为缓冲区。
	mreq, err4 := unix.GetsockoptIPv6Mreq(fd, unix.SOL_IP, SO_ORIGINAL_DST)
	if err4 == nil {
		return decodeSockaddr(mreq.Multiaddr[:])
	}
	// IPv6MTUInfo 以 sockaddr_in6 开头。
	info, err6 := unix.GetsockoptIPv6MTUInfo(fd, unix.SOL_IPV6, IP6T_SO_ORIGINAL_DST)
	if err6 != nil {
		return M.Socksaddr{}, fmt.Errorf("get original destination: %w", errors.Join(err4, err6))
	}
	raw := (*[unix.SizeofSockaddrInet6]byte)(unsafe.Pointer(&info.Addr))
	return decodeSockaddr(raw[:])
}

// OriginalDestination 是 RecvTargetEndpoint 针对 net.Conn 的包装。
func OriginalDestination(conn syscall.Conn) (M.Socksaddr, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return M.Socksaddr{}, err
	}
	var (
		dst    M.Socksaddr
		dstErr error
	)
	if err := rc.Control(func(fd uintptr) { dst, dstErr = RecvTargetEndpoint(int(fd)) }); err != nil {
		return M.Socksaddr{}, err
	}
	return dst, dstErr
}

// decodeSockaddr 解析内核格式的 sockaddr_in / sockaddr_in6。
// 地址族为主机字节序，端口为网络字节序。
func decodeSockaddr(b []byte) (M.Socksaddr, error) {
	if len(b) < 4 {
		return M.Socksaddr{}, fmt.Errorf("sockaddr too short: %d bytes", len(b))
	}
	family := binary.NativeEndian.Uint16(b[0:2])
	port := binary.BigEndian.Uint16(b[2:4])
	switch family {
	case unix.AF_INET:
		if len(b) < 8 {
			return M.Socksaddr{}, fmt.Errorf("sockaddr_in too short: %d bytes", len(b))
		}
		return M.Socksaddr{Addr: netip.AddrFrom4([4]byte(b[4:8])), Port: port}, nil
	case unix.AF_INET6:
		if len(b) < 24 {
			return M.Socksaddr{}, fmt.Errorf("sockaddr_in6 too short: %d bytes", len(b))
		}
		return M.Socksaddr{Addr: netip.AddrFrom16([16]byte(b[8:24])).Unmap(), Port: port}, nil
	default:
		return M.Socksaddr{}, fmt.Errorf("unknown address family %d", family)
	}
}

// RecvTProxyUDPMsg 接收一个数据报及其控制消息，返回原始目标地址与 TTL。
// 负载写入 buf，超出 len(buf) 的部分被截断。
func RecvTProxyUDPMsg(conn *net.UDPConn, buf []byte) (UDPMessage, error) {
	oob := make([]byte, oobSize)
	n, oobn, flags, src, err := conn.ReadMsgUDPAddrPort(buf, oob)
	if err != nil {
		return UDPMessage{}, err
	}
	msg := UDPMessage{
		N:         n,
		Truncated: flags&unix.MSG_TRUNC != 0,
		Source:    netip.AddrPortFrom(src.Addr().Unmap(), src.Port()),
		TTL:       -1,
	}
	msg.Destination, msg.TTL, err = parseControlMessages(oob[:oobn])
	if err != nil {
		return msg, err
	}
	return msg, nil
}

func parseControlMessages(oob []byte) (M.Socksaddr, int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return M.Socksaddr{}, -1, fmt.Errorf("parse control message: %w", err)
	}
	var (
		dst   M.Socksaddr
		found bool
		ttl   = -1
	)
	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.SOL_IP && m.Header.Type == IP_RECVORIGDSTADDR,
			m.Header.Level == unix.SOL_IPV6 && m.Header.Type == IPV6_RECVORIGDSTADDR:
			if dst, err = decodeSockaddr(m.Data); err != nil {
				return M.Socksaddr{}, -1, err
			}
			found = true
		case m.Header.Level == unix.SOL_IP && m.Header.Type == IP_TTL,
			m.Header.Level == unix.SOL_IPV6 && m.Header.Type == IPV6_HOPLIMIT:
			if len(m.Data) >= 4 {
				ttl = int(int32(binary.NativeEndian.Uint32(m.Data)))
			} else if len(m.Data) == 1 {
				ttl = int(m.Data[0])
			}
		}
	}
	if !found {
		return M.Socksaddr{}, ttl, errors.New("original destination not found in control message")
	}
	return dst, ttl, nil
}

// PrepareNATUDPBind 在 bind 之前为 TPROXY 监听 socket 开启透明选项与原始目标地址控制消息，
// recvTTL 为 true 时同时接收 TTL / hop limit。
func PrepareNATUDPBind(fd int, isIPv4, recvTTL bool) error {
	if isIPv4 {
		if err := unix.SetsockoptInt(fd, unix.SOL_IP, IP_TRANSPARENT, 1); err != nil {
			return fmt.Errorf("set IP_TRANSPARENT: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_IP, IP_RECVORIGDSTADDR, 1); err != nil {
			return fmt.Errorf("set IP_RECVORIGDSTADDR: %w", err)
		}
		if recvTTL {
			if err := unix.SetsockoptInt(fd, unix.SOL_IP, IP_RECVTTL, 1); err != nil {
				return fmt.Errorf("set IP_RECVTTL: %w", err)
			}
		}
		return nil
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_IPV6, IPV6_TRANSPARENT, 1); err != nil {
		return fmt.Errorf("set IPV6_TRANSPARENT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_IPV6, IPV6_RECVORIGDSTADDR, 1); err != nil {
		return fmt.Errorf("set IPV6_RECVORIGDSTADDR: %w", err)
	}
	if recvTTL {
		if err := unix.SetsockoptInt(fd, unix.SOL_IPV6, IPV6_RECVHOPLIMIT, 1); err != nil {
			return fmt.Errorf("set IPV6_RECVHOPLIMIT: %w", err)
		}
	}
	// 双栈 socket 上的 IPv4 数据报仍然携带 IPv4 控制消息。
	_ = unix.SetsockoptInt(fd, unix.SOL_IP, IP_TRANSPARENT, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_IP, IP_RECVORIGDSTADDR, 1)
	if recvTTL {
		_ = unix.SetsockoptInt(fd, unix.SOL_IP, IP_RECVTTL, 1)
	}
	return nil
}

// PrepareNATUDPTargetBind 开启透明选项并把 socket 绑定到 target，
// 使回包的源地址是客户端原本访问的地址。
func PrepareNATUDPTargetBind(fd int, isIPv4 bool, target netip.AddrPort) error {
	level, opt := unix.SOL_IP, IP_TRANSPARENT
	if !isIPv4 {
		level, opt = unix.SOL_IPV6, IPV6_TRANSPARENT
	}
	if err := unix.SetsockoptInt(fd, level, opt, 1); err != nil {
		return fmt.Errorf("set transparent: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, toSockaddr(target, isIPv4)); err != nil {
		return fmt.Errorf("bind %s: %w", target, err)
	}
	return nil
}

func toSockaddr(ap netip.AddrPort, isIPv4 bool) unix.Sockaddr {
	if isIPv4 {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

// ListenTransparentUDP 创建一个 TPROXY UDP 监听 socket。
func ListenTransparentUDP(ctx context.Context, network, address string, recvTTL bool) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, _ string, c syscall.RawConn) error {
			var optErr error
			if err := c.Control(func(fd uintptr) {
				optErr = PrepareNATUDPBind(int(fd), network == "udp4", recvTTL)
			}); err != nil {
				return err
			}
			return optErr
		},
	}
	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// DialTransparentUDP 返回一个绑定在 source、连接到 target 的 UDP socket。
// source 通常是非本机地址，需要 CAP_NET_ADMIN。
func DialTransparentUDP(source, target netip.AddrPort) (*net.UDPConn, error) {
	isIPv4 := source.Addr().Unmap().Is4() && target.Addr().Unmap().Is4()
	family := unix.AF_INET6
	if isIPv4 {
		family = unix.AF_INET
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}
	if err := PrepareNATUDPTargetBind(fd, isIPv4, source); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Connect(fd, toSockaddr(target, isIPv4)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}

	f := os.NewFile(uintptr(fd), "tproxy-udp")
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	return c.(*net.UDPConn), nil
}

// SetTTL 设置出站数据报的 TTL / hop limit。
func SetTTL(conn *net.UDPConn, ttl int) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	isIPv4 := false
	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		isIPv4 = la.IP.To4() != nil
	}
	var optErr error
	if err := rc.Control(func(fd uintptr) {
		if isIPv4 {
			optErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, IP_TTL, ttl)
		} else {
			optErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_UNICAST_HOPS, ttl)
		}
	}); err != nil {
		return err
	}
	return optErr
}
