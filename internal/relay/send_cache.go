package relay

import (
	"errors"
	"net"
	"sync"
)

// ErrCacheClosed is delivered to handlers pushed after Close.
var ErrCacheClosed = errors.New("send cache closed")

// SentHandler is called once the bytes it was pushed with have been written,
// or with the error that prevented it.
type SentHandler func(err error)

// AsyncWriter writes data and calls done exactly once when the write finishes.
type AsyncWriter func(data []byte, done SentHandler)

// SendDataCache 合并待发送数据，保证同一时刻最多只有一个写操作在进行。
// 写操作进行期间到达的数据会被追加到队列，在当前写完成后作为一个整体发出。
type SendDataCache struct {
	mu sync.Mutex

	queued         []byte
	queuedHandlers []SentHandler

	sending         []byte
	sendingHandlers []SentHandler
	isSending       bool

	err         error
	writer      AsyncWriter
	isConnected func() bool
}

// NewSendDataCache creates a cache that drains into writer.
func NewSendDataCache(writer AsyncWriter) *SendDataCache {
	return &SendDataCache{
		writer:      writer,
		isConnected: func() bool { return true },
	}
}

// SetAsyncWriter replaces the underlying writer.
func (c *SendDataCache) SetAsyncWriter(writer AsyncWriter) {
	c.mu.Lock()
	c.writer = writer
	c.mu.Unlock()
}

// SetIsConnectedFunc installs the predicate consulted before every write.
// Data pushed while it reports false stays queued until the next AsyncSend.
func (c *SendDataCache) SetIsConnectedFunc(f func() bool) {
	c.mu.Lock()
	c.isConnected = f
	c.mu.Unlock()
}

// InsertData puts data ahead of everything still queued.
func (c *SendDataCache) InsertData(data []byte) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	buf := make([]byte, 0, len(data)+len(c.queued))
	buf = append(buf, data...)
	c.queued = append(buf, c.queued...)
	c.mu.Unlock()
	c.AsyncSend()
}

// PushData appends data and registers handler to fire once it is sent.
// handler may be nil.
func (c *SendDataCache) PushData(data []byte, handler SentHandler) {
	c.mu.Lock()
	if err := c.err; err != nil {
		c.mu.Unlock()
		if handler != nil {
			handler(err)
		}
		return
	}
	c.queued = append(c.queued, data...)
	if handler != nil {
		c.queuedHandlers = append(c.queuedHandlers, handler)
	}
	c.mu.Unlock()
	c.AsyncSend()
}

// AsyncSend starts a write of everything queued unless one is already in flight.
func (c *SendDataCache) AsyncSend() {
	c.mu.Lock()
	if len(c.queued) == 0 || c.isSending || c.err != nil || !c.isConnected() {
		c.mu.Unlock()
		return
	}
	c.isSending = true
	c.sending, c.queued = c.queued, nil
	c.sendingHandlers, c.queuedHandlers = c.queuedHandlers, nil
	data, writer := c.sending, c.writer
	c.mu.Unlock()

	writer(data, c.onSent)
}

func (c *SendDataCache) onSent(err error) {
	c.mu.Lock()
	handlers := c.sendingHandlers
	c.sending, c.sendingHandlers = nil, nil
	if err != nil {
		// 失败的段不会重发；当前段与排队段的 handler 都收到同一个错误。
		c.err = err
		c.isSending = false
		handlers = append(handlers, c.queuedHandlers...)
		c.queued, c.queuedHandlers = nil, nil
		c.mu.Unlock()
		fire(handlers, err)
		return
	}
	c.mu.Unlock()

	// isSending 仍为 true，回调中的 PushData 只会入队，保证回调顺序。
	fire(handlers, nil)

	c.mu.Lock()
	c.isSending = false
	c.mu.Unlock()
	c.AsyncSend()
}

// Close fails every queued handler with ErrCacheClosed. A write already in
// flight is left to finish and reports its own result.
func (c *SendDataCache) Close() {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = ErrCacheClosed
	handlers := c.queuedHandlers
	c.queued, c.queuedHandlers = nil, nil
	c.mu.Unlock()
	fire(handlers, ErrCacheClosed)
}

// Err returns the error that stopped the cache, if any.
func (c *SendDataCache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func fire(handlers []SentHandler, err error) {
	for _, h := range handlers {
		h(err)
	}
}

// ConnWriter adapts conn to an AsyncWriter by writing on a separate goroutine.
func ConnWriter(conn net.Conn) AsyncWriter {
	return func(data []byte, done SentHandler) {
		go func() {
			_, err := conn.Write(data)
			done(err)
		}()
	}
}
