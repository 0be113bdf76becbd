//go:build linux

package tproxy

import "golang.org/x/sys/unix"

// 内核定义的选项值。
const (
	SO_ORIGINAL_DST = unix.SO_ORIGINAL_DST
	// linux/netfilter_ipv6/ip6_tables.h，x/sys/unix 未导出。
	IP6T_SO_ORIGINAL_DST = 80
	IP_TTL               = unix.IP_TTL
	IP_RECVTTL           = unix.IP_RECVTTL
	IP_TRANSPARENT       = unix.IP_TRANSPARENT
	IP_RECVORIGDSTADDR   = unix.IP_RECVORIGDSTADDR // == IP_ORIGDSTADDR
	IPV6_HOPLIMIT        = unix.IPV6_HOPLIMIT
	IPV6_RECVHOPLIMIT    = unix.IPV6_RECVHOPLIMIT
	IPV6_RECVORIGDSTADDR = unix.IPV6_RECVORIGDSTADDR // == IPV6_ORIGDSTADDR
	IPV6_TRANSPARENT     = unix.IPV6_TRANSPARENT
)
