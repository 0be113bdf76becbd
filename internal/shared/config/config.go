package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"relaycore_go/internal/relay"
	"relaycore_go/internal/shared/types"

	ini "gopkg.in/ini.v1"
)

// Default 返回所有字段都已填充默认值的配置。
func Default() *types.Config {
	return &types.Config{
		CommonConf: types.CommonConf{
			Mode:       "nat",
			LocalAddr:  "127.0.0.1",
			LocalPort:  1080,
			BufferSize: 8192,
		},
		LogConf: types.LogConf{
			Level:   "info",
			Console: true,
		},
		TCPConf: types.TCPConf{
			NoDelay:        true,
			KeepAlive:      true,
			ConnectTimeOut: 10,
		},
		SSLConf: types.SSLConf{
			Enabled:          true,
			Verify:           true,
			ALPN:             []string{"h2", "http/1.1"},
			Fingerprint:      "chrome",
			ReuseSession:     true,
			SessionCacheSize: 64,
		},
		DNSConf: types.DNSConf{
			Timeout:   5,
			CacheSize: 256,
			CacheTTL:  60,
		},
		UDPConf: types.UDPConf{
			PacketSize: relay.DefaultPacketSize,
			Timeout:    60,
		},
	}
}

// LoadIni 从指定的 fileName 加载配置到传入的 types.Config 结构体中。
// 未出现在文件中的字段保留 cfg 中原有的值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}

	// 使用 MapTo 自动将 .ini 文件的 section 映射到 cfg 结构体的嵌入字段
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}

	overrideFromEnvString(&cfg.CommonConf.RemoteAddr, "RELAY_REMOTE_ADDR")
	overrideFromEnvInt(&cfg.CommonConf.RemotePort, "RELAY_REMOTE_PORT")
	overrideFromEnvInt(&cfg.TCPConf.ConnectTimeOut, "RELAY_CONNECT_TIMEOUT")

	return Validate(cfg)
}

// Validate 检查互相依赖的字段。
func Validate(cfg *types.Config) error {
	cfg.CommonConf.Mode = strings.ToLower(strings.TrimSpace(cfg.CommonConf.Mode))
	switch cfg.CommonConf.Mode {
	case "nat", "forward":
	default:
		return fmt.Errorf("unknown mode %q", cfg.CommonConf.Mode)
	}
	if cfg.CommonConf.Mode == "forward" && (cfg.CommonConf.RemoteAddr == "" || cfg.CommonConf.RemotePort == 0) {
		return fmt.Errorf("forward mode requires remote_addr and remote_port")
	}
	if cfg.TCPConf.ConnectTimeOut < 0 {
		return fmt.Errorf("connect_time_out must not be negative, got %d", cfg.TCPConf.ConnectTimeOut)
	}
	if cfg.UDPConf.PacketSize <= 0 {
		cfg.UDPConf.PacketSize = relay.DefaultPacketSize
	}
	if cfg.CommonConf.BufferSize <= 0 {
		cfg.CommonConf.BufferSize = 8192
	}
	return nil
}

// SaveIni 将内存中的 types.Config 结构体保存回指定的 fileName。
func SaveIni(cfg *types.Config, fileName string) error {
	iniFile := ini.Empty()
	if err := ini.ReflectFrom(iniFile, cfg); err != nil {
		return fmt.Errorf("failed to reflect config to ini object: %w", err)
	}
	return iniFile.SaveTo(fileName)
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
