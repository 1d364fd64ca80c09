// Package config は通知サービスの設定を環境変数から読み込む。
//
// カレントディレクトリに .env があれば先に読み込む。既に設定済みの
// 環境変数は .env の値で上書きされない。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// デフォルト値。
const (
	DefaultPort                   = "8086"
	DefaultDatabasePath           = "/data/notifier.db"
	DefaultJWTSecret              = "dev-secret-key"
	DefaultBackendURL             = "http://localhost:8000"
	DefaultRefreshCron            = "*/5 * * * *"
	DefaultPlatformNotifyInterval = 2 * time.Second
	DefaultPlatformNotifyBurst    = 3
)

// ErrInvalidCron は会話一覧の再取得スケジュールが不正であることを表す。
var ErrInvalidCron = errors.New("cron式が不正です")

// Config は通知サービスの設定値。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DatabasePath はSQLiteデータベースファイルのパス。":memory:" も指定できる。
	DatabasePath string
	// JWTSecret はアクセストークンの署名検証に使うシークレット。
	JWTSecret string
	// BackendURL は会話一覧APIとトークン更新APIを提供するバックエンドのURL。
	BackendURL string
	// RealtimeURL はリアルタイムイベントを配信するWebSocketのURL。空なら接続しない。
	RealtimeURL string
	// DesktopAgentURL はOS通知を表示するデスクトップエージェントのURL。空ならOS通知は非対応。
	DesktopAgentURL string
	// FrontendOrigins はCORSで許可するフロントエンドのオリジン。
	FrontendOrigins []string
	// DedupTTL は重複判定の保持期間。
	DedupTTL time.Duration
	// DedupMax は重複判定ストアの最大エントリ数。
	DedupMax int
	// RefreshCron は会話一覧を定期再取得するcron式。
	RefreshCron string
	// PlatformNotifyInterval はOS通知の最小間隔。
	PlatformNotifyInterval time.Duration
	// PlatformNotifyBurst はOS通知の連続許容数。
	PlatformNotifyBurst int
	// LogLevel はログレベル（debug / info / warn / error）。
	LogLevel string
}

// Load は .env と環境変数から設定を読み込み、検証する。
func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	return FromLookup(os.LookupEnv)
}

// FromLookup は指定した参照関数から設定を組み立てる。テストでは map を渡す。
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		Port:            get("PORT", DefaultPort),
		DatabasePath:    get("DATABASE_PATH", DefaultDatabasePath),
		JWTSecret:       get("JWT_SECRET", DefaultJWTSecret),
		BackendURL:      strings.TrimRight(get("BACKEND_URL", DefaultBackendURL), "/"),
		RealtimeURL:     get("REALTIME_URL", ""),
		DesktopAgentURL: strings.TrimRight(get("DESKTOP_AGENT_URL", ""), "/"),
		RefreshCron:     get("CONVERSATION_REFRESH_CRON", DefaultRefreshCron),
		LogLevel:        get("LOG_LEVEL", "info"),
	}

	for _, o := range strings.Split(get("FRONTEND_URL", "http://localhost:3000"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.FrontendOrigins = append(cfg.FrontendOrigins, o)
		}
	}

	var err error
	if cfg.DedupTTL, err = parseDuration(get("DEDUP_TTL", ""), 3500*time.Millisecond); err != nil {
		return nil, fmt.Errorf("DEDUP_TTL の解析に失敗: %w", err)
	}
	if cfg.DedupMax, err = parseInt(get("DEDUP_MAX", ""), 4000); err != nil {
		return nil, fmt.Errorf("DEDUP_MAX の解析に失敗: %w", err)
	}
	if cfg.PlatformNotifyInterval, err = parseDuration(get("PLATFORM_NOTIFY_INTERVAL", ""), DefaultPlatformNotifyInterval); err != nil {
		return nil, fmt.Errorf("PLATFORM_NOTIFY_INTERVAL の解析に失敗: %w", err)
	}
	if cfg.PlatformNotifyBurst, err = parseInt(get("PLATFORM_NOTIFY_BURST", ""), DefaultPlatformNotifyBurst); err != nil {
		return nil, fmt.Errorf("PLATFORM_NOTIFY_BURST の解析に失敗: %w", err)
	}

	if !gronx.IsValid(cfg.RefreshCron) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCron, cfg.RefreshCron)
	}
	return cfg, nil
}

// parseDuration は "3500ms" 形式か、単位なしのミリ秒を解析する。
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(s); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("正の値が必要です: %s", s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("正の値が必要です: %s", s)
	}
	return d, nil
}

func parseInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("正の値が必要です: %s", s)
	}
	return n, nil
}
