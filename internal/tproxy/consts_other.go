//go:build !linux

package tproxy

// 没有 linux 头文件时使用的数值。
const (
	SO_ORIGINAL_DST      = 80
	IP6T_SO_ORIGINAL_DST = 80
	IP_TTL               = 4
	IP_RECVTTL           = 12
	IP_TRANSPARENT       = 19
	IP_RECVORIGDSTADDR   = 20
	IPV6_HOPLIMIT        = 21
	IPV6_RECVHOPLIMIT    = 51
	IPV6_RECVORIGDSTADDR = 74
	IPV6_TRANSPARENT     = 75
)
