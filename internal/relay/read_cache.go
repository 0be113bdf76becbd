package relay

import "sync"

// ReadHandler receives data delivered by ReadDataCache.
type ReadHandler func(data []byte)

type readStateKind int

const (
	readEmpty readStateKind = iota
	readBuffered
	readWaiting
)

// readState 是 "已缓冲数据" 与 "等待中的消费者" 的互斥变体，两者不会同时存在。
type readState struct {
	kind    readStateKind
	data    []byte
	handler ReadHandler
}

// ReadDataCache 把推送式的数据到达转换为拉取式的读取。
type ReadDataCache struct {
	mu    sync.Mutex
	state readState
}

// PushData 把数据交给等待中的消费者；没有消费者时追加到缓冲区。
func (r *ReadDataCache) PushData(data []byte) {
	r.mu.Lock()
	switch r.state.kind {
	case readWaiting:
		handler := r.state.handler
		r.state = readState{}
		r.mu.Unlock()
		handler(data)
		return
	case readBuffered:
		r.state.data = append(r.state.data, data...)
	default:
		if len(data) > 0 {
			r.state = readState{kind: readBuffered, data: append([]byte(nil), data...)}
		}
	}
	r.mu.Unlock()
}

// AsyncRead 立即以缓冲数据调用 handler，否则登记 handler 等待下一次 PushData。
// 同一时刻只支持一个等待者，后登记的会替换之前的。
func (r *ReadDataCache) AsyncRead(handler ReadHandler) {
	r.mu.Lock()
	if r.state.kind == readBuffered {
		data := r.state.data
		r.state = readState{}
		r.mu.Unlock()
		handler(data)
		return
	}
	r.state = readState{kind: readWaiting, handler: handler}
	r.mu.Unlock()
}

// Buffered 返回尚未被消费的字节数。
func (r *ReadDataCache) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.data)
}

// Waiting 报告是否有消费者在等待数据。
func (r *ReadDataCache) Waiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.kind == readWaiting
}
