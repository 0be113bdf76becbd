//go:build !linux

package tproxy

import (
	"context"
	"net"
	"net/netip"
	"syscall"

	M "github.com/sagernet/sing/common/metadata"
)

func RecvTargetEndpoint(int) (M.Socksaddr, error) { return M.Socksaddr{}, ErrUnsupported }

func OriginalDestination(syscall.Conn) (M.Socksaddr, error) { return M.Socksaddr{}, ErrUnsupported }

func RecvTProxyUDPMsg(*net.UDPConn, []byte) (UDPMessage, error) { return UDPMessage{}, ErrUnsupported }

func PrepareNATUDPBind(int, bool, bool) error { return ErrUnsupported }

func PrepareNATUDPTargetBind(int, bool, netip.AddrPort) error { return ErrUnsupported }

func ListenTransparentUDP(context.Context, string, string, bool) (*net.UDPConn, error) {
	return nil, ErrUnsupported
}

func DialTransparentUDP(netip.AddrPort, netip.AddrPort) (*net.UDPConn, error) {
	return nil, ErrUnsupported
}

func SetTTL(*net.UDPConn, int) error { return ErrUnsupported }
