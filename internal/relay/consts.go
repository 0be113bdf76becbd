package relay

const (
	// PacketHeaderSize 是 UDP 中继包头的最大开销：1 字节地址类型 + 28 字节地址 + 2 字节端口 + 64 字节余量。
	PacketHeaderSize = 1 + 28 + 2 + 64
	// DefaultPacketSize 是 UDP 中继的默认负载大小（1492 MTU 减去包头）。
	DefaultPacketSize = 1492 - PacketHeaderSize
)
