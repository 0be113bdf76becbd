// Package tproxy recovers the original destination of connections and
// datagrams redirected by netfilter (REDIRECT / TPROXY), and prepares UDP
// sockets whose replies carry that destination as their source address.
package tproxy

import (
	"errors"
	"net/netip"

	M "github.com/sagernet/sing/common/metadata"
)

// ErrUnsupported is returned on platforms without netfilter.
var ErrUnsupported = errors.New("transparent proxy is only supported on linux")

// UDPMessage 描述一个从 TPROXY socket 收到的数据报。
type UDPMessage struct {
	// N 是写入缓冲区的负载长度，超出缓冲区的部分被截断。
	N         int
	Truncated bool
	// Source 是发送方地址。
	Source netip.AddrPort
	// Destination 是客户端原本要访问的地址。
	Destination M.Socksaddr
	// TTL 是数据报到达时的 TTL / hop limit，未开启 recv_ttl 时为 -1。
	TTL int
}
