package session

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"relaycore_go/internal/shared/types"
)

// Base 实现 types.Session：持有配置与上下文，Destroy 幂等。
type Base struct {
	id         string
	cfg        *types.Config
	inEndpoint net.Addr
	ctx        context.Context
	cancel     context.CancelFunc
	logger     zerolog.Logger

	mu        sync.Mutex
	destroyed bool
	hooks     []func()
}

// NewBase 创建一个会话，parent 被取消时会话的 Context 同样被取消，但不会自动执行销毁钩子。
func NewBase(parent context.Context, cfg *types.Config, inEndpoint net.Addr) *Base {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	lc := log.With().Str("session_id", id)
	if inEndpoint != nil {
		lc = lc.Str("endpoint", inEndpoint.String())
	}
	return &Base{
		id:         id,
		cfg:        cfg,
		inEndpoint: inEndpoint,
		ctx:        ctx,
		cancel:     cancel,
		logger:     lc.Logger(),
	}
}

func (b *Base) ID() string               { return b.id }
func (b *Base) Config() *types.Config    { return b.cfg }
func (b *Base) Context() context.Context { return b.ctx }
func (b *Base) InEndpoint() net.Addr     { return b.inEndpoint }
func (b *Base) Logger() *zerolog.Logger  { return &b.logger }
func (b *Base) Done() <-chan struct{}    { return b.ctx.Done() }

// OnDestroy 注册销毁时执行的钩子，按注册的逆序执行。
// 会话已销毁时立即执行。
func (b *Base) OnDestroy(f func()) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		f()
		return
	}
	b.hooks = append(b.hooks, f)
	b.mu.Unlock()
}

// Destroy 取消会话上下文并执行所有钩子。重复调用没有效果。
func (b *Base) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	hooks := b.hooks
	b.hooks = nil
	b.mu.Unlock()

	b.cancel()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	b.logger.Debug().Msg("session destroyed")
}

// Destroyed 报告 Destroy 是否已被调用。
func (b *Base) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}
