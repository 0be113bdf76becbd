// Package health 定期探测 forward 模式下的远程对端是否可达。
package health

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Status int

const (
	StatusUnknown Status = iota
	StatusUp
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// Result 是一次探测的结果。Latency 只在 StatusUp 时有效。
type Result struct {
	Status  Status
	Latency time.Duration
	Err     error
	At      time.Time
}

// DialFunc 与 dialer.Connector.DialContext 同签名。
type DialFunc func(ctx context.Context, addr, port string) (net.Conn, error)

// Checker 负责对远程对端进行健康检查。
type Checker struct {
	dial    DialFunc
	addr    string
	port    string
	timeout time.Duration

	mu     sync.Mutex
	last   Result
	logger zerolog.Logger
}

// New 创建一个新的 Checker 实例。timeout 为 0 时不限制单次探测时长。
func New(dial DialFunc, addr, port string, timeout time.Duration) *Checker {
	return &Checker{
		dial:    dial,
		addr:    addr,
		port:    port,
		timeout: timeout,
		logger:  log.With().Str("component", "health").Str("remote", net.JoinHostPort(addr, port)).Logger(),
	}
}

// Check 建立一次 TCP 连接并测量耗时。
func (c *Checker) Check(ctx context.Context) Result {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := c.dial(ctx, c.addr, c.port)
	res := Result{At: time.Now()}
	if err != nil {
		res.Status = StatusDown
		res.Err = err
	} else {
		res.Status = StatusUp
		res.Latency = time.Since(start)
		_ = conn.Close()
	}

	c.mu.Lock()
	prev := c.last.Status
	c.last = res
	c.mu.Unlock()

	if prev != res.Status {
		ev := c.logger.Info()
		if res.Status == StatusDown {
			ev = c.logger.Warn().Err(res.Err)
		}
		ev.Str("status", res.Status.String()).Int64("latency_ms", res.Latency.Milliseconds()).Msg("HealthCheck: status changed")
	} else {
		c.logger.Debug().Str("status", res.Status.String()).Int64("latency_ms", res.Latency.Milliseconds()).Msg("HealthCheck: check finished")
	}
	return res
}

// Last 返回最近一次探测的结果。
func (c *Checker) Last() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Run 立即探测一次，之后每隔 interval 探测，直到 ctx 被取消。
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.Check(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
