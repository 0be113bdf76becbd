package types

import (
	"context"
	"time"
)

// Session 是所有出站连接流程的拥有者。
// Connector 在任何终止性失败时调用 Destroy，因此 Destroy 必须是幂等的。
type Session interface {
	// Destroy 释放会话持有的全部资源，可被多次调用。
	Destroy()
	// Context 在会话被销毁时取消，相当于会话所属的事件循环。
	Context() context.Context
	// Config 返回只读的进程配置。
	Config() *Config
}

// LogLevel 对应日志严重级别，数值越大越严重。
type LogLevel int

const (
	LogAll LogLevel = iota
	LogInfo
	LogWarn
	LogError
	LogFatal
	LogOff
)

// CommonConf 包含运行模式与上游对端。
type CommonConf struct {
	Mode        string `ini:"mode"`
	LocalAddr   string `ini:"local_addr"`
	LocalPort   int    `ini:"local_port"`
	RemoteAddr  string `ini:"remote_addr"`
	RemotePort  int    `ini:"remote_port"`
	BufferSize  int    `ini:"buffer_size"`
	AcceptRate  int    `ini:"accept_rate"`
	AcceptBurst int    `ini:"accept_burst"`
	// HealthInterval 单位为秒，forward 模式下探测远程对端的间隔，0 表示不探测。
	HealthInterval int `ini:"health_interval"`
}

// LogConf 控制全局 zerolog 实例。
type LogConf struct {
	Level   string `ini:"level"`
	Console bool   `ini:"console"`
	File    string `ini:"file"`
}

// TCPConf 是出站 socket 的选项。
type TCPConf struct {
	NoDelay   bool `ini:"no_delay"`
	KeepAlive bool `ini:"keep_alive"`
	FastOpen  bool `ini:"fast_open"`
	ReusePort bool `ini:"reuse_port"`
	// ConnectTimeOut 单位为秒，0 表示不设置超时。
	ConnectTimeOut int `ini:"connect_time_out"`
}

// SSLConf 是 TLS 客户端配置。
type SSLConf struct {
	Enabled          bool     `ini:"enabled"`
	SNI              string   `ini:"sni"`
	Verify           bool     `ini:"verify"`
	ALPN             []string `ini:"alpn" delim:","`
	Fingerprint      string   `ini:"fingerprint"`
	ReuseSession     bool     `ini:"reuse_session"`
	SessionCacheSize int      `ini:"session_cache_size"`
}

// DNSConf 选择解析器。Server 为空时使用系统解析器。
type DNSConf struct {
	Server    string `ini:"server"`
	Timeout   int    `ini:"timeout"`
	CacheSize int    `ini:"cache_size"`
	CacheTTL  int    `ini:"cache_ttl"`
}

type NATConf struct {
	ProxyProtocol bool `ini:"proxy_protocol"`
}

// UDPConf 是透明 UDP 转发的配置。
type UDPConf struct {
	Enabled    bool `ini:"enabled"`
	RecvTTL    bool `ini:"recv_ttl"`
	PacketSize int  `ini:"packet_size"`
	Timeout    int  `ini:"timeout"`
}

// Config 是整个应用程序的统一配置结构体
type Config struct {
	CommonConf `ini:"common"`
	LogConf    `ini:"log"`
	TCPConf    `ini:"tcp"`
	SSLConf    `ini:"ssl"`
	DNSConf    `ini:"dns"`
	NATConf    `ini:"nat"`
	UDPConf    `ini:"udp"`
}

// ConnectTimeout 返回 time.Duration 形式的连接超时。
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.TCPConf.ConnectTimeOut) * time.Second
}

// IsForward 表示出站目标为固定的远程对端，而不是被重定向前的原始目标。
func (c *Config) IsForward() bool {
	return c.CommonConf.Mode == "forward" || c.CommonConf.RemoteAddr != ""
}
