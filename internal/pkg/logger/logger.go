package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel 将配置中的日志级别转换为 slog.Level，无法识别时返回 info。
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New 创建写入 w 的 JSON 日志记录器。
func New(w io.Writer, level string) *slog.Logger {
	lvl, ok := ParseLevel(level)
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	if !ok {
		l.Warn("invalid log level configured, using default level",
			slog.String("configured_level", level),
			slog.String("default_level", "info"))
	}
	return l
}

// NewDefault 创建输出到 stdout 的日志记录器并设为全局默认。
func NewDefault(level string) *slog.Logger {
	l := New(os.Stdout, level)
	slog.SetDefault(l)
	return l
}

// Discard 返回丢弃所有输出的日志记录器，用于测试。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
