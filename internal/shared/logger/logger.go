// Package logger 封装全局 zerolog 实例。
package logger

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"relaycore_go/internal/shared/types"
)

// Init 根据 LogConf 配置全局 logger。
func Init(conf types.LogConf) error {
	level, err := ParseLevel(conf.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writers []io.Writer
	if conf.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}
	if conf.File != "" {
		f, err := os.OpenFile(conf.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return nil
}

// ParseLevel 接受 all/info/warn/error/fatal/off 以及 zerolog 自身的级别名。
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "all":
		return zerolog.DebugLevel, nil
	case "off":
		return zerolog.Disabled, nil
	}
	return zerolog.ParseLevel(strings.ToLower(s))
}

func toZerolog(level types.LogLevel) zerolog.Level {
	switch level {
	case types.LogAll:
		return zerolog.DebugLevel
	case types.LogInfo:
		return zerolog.InfoLevel
	case types.LogWarn:
		return zerolog.WarnLevel
	case types.LogError:
		return zerolog.ErrorLevel
	case types.LogFatal:
		// 不使用 FatalLevel，避免 os.Exit。
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

// LogWithEndpoint 记录一条带入站端点的日志。
func LogWithEndpoint(endpoint net.Addr, message string, level types.LogLevel) {
	ev := log.WithLevel(toZerolog(level))
	if endpoint != nil {
		ev = ev.Str("endpoint", endpoint.String())
	}
	ev.Msg(message)
}

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }
func Fatal() *zerolog.Event { return log.Fatal() }
