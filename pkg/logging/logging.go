// Package logging は log/slog ベースのロガー初期化を提供する。
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel はレベル文字列（debug / info / warn / error）を slog.Level に変換する。
// 未知の値は Info として扱う。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New は指定した出力先とレベルのテキスト形式ロガーを生成する。
// service 属性にサービス名を付与する。
func New(w io.Writer, level, service string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
	if service != "" {
		logger = logger.With("service", service)
	}
	return logger
}

// Init は標準出力向けのロガーを生成し、slog のデフォルトロガーとして設定する。
func Init(level, service string) *slog.Logger {
	logger := New(os.Stdout, level, service)
	slog.SetDefault(logger)
	return logger
}
