package relay

import (
	"context"
	"net"

	M "github.com/sagernet/sing/common/metadata"
)

// PreambleFunc 返回出站连接建立后、任何转发数据之前要写入的字节。
// 返回 nil 表示不写入。
type PreambleFunc func(dst M.Socksaddr) []byte

// Pump 把 src 读到的数据经由 ReadDataCache 转交给 dst。
// 每块数据确认写出后才会继续读取下一块，因此单向最多缓存一块数据。
type Pump struct {
	src     net.Conn
	dst     *SendDataCache
	cache   ReadDataCache
	bufSize int
	ready   chan struct{}
	onDone  func(err error)
}

// NewPump 创建一个单向转发器。onDone 在读或写失败时调用，可能被调用多次，
// 调用者应使用幂等的销毁逻辑。
func NewPump(src net.Conn, dst *SendDataCache, bufSize int, onDone func(err error)) *Pump {
	if bufSize <= 0 {
		bufSize = 8192
	}
	return &Pump{
		src:     src,
		dst:     dst,
		bufSize: bufSize,
		ready:   make(chan struct{}, 1),
		onDone:  onDone,
	}
}

// Run 启动读取协程和消费链，立即返回。
func (p *Pump) Run(ctx context.Context) {
	p.request()
	go p.readLoop(ctx)
}

func (p *Pump) readLoop(ctx context.Context) {
	buf := make([]byte, p.bufSize)
	for {
		n, err := p.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.cache.PushData(chunk)
			select {
			case <-p.ready:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			p.onDone(err)
			return
		}
	}
}

func (p *Pump) request() {
	p.cache.AsyncRead(func(data []byte) {
		p.dst.PushData(data, func(err error) {
			if err != nil {
				p.onDone(err)
				return
			}
			select {
			case p.ready <- struct{}{}:
			default:
			}
			p.request()
		})
	})
}
