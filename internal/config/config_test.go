package config

import (
	"errors"
	"testing"
	"time"
)

// lookupFrom はmapから環境変数参照関数を生成する。
func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

// TestFromLookup はFromLookup関数を検証する。
func TestFromLookup(t *testing.T) {
	t.Parallel()

	t.Run("未設定の場合はデフォルト値が使われること", func(t *testing.T) {
		t.Parallel()

		cfg, err := FromLookup(lookupFrom(nil))
		if err != nil {
			t.Fatalf("FromLookup()でエラーが発生: %v", err)
		}
		if cfg.Port != DefaultPort {
			t.Errorf("Port = %q, want %q", cfg.Port, DefaultPort)
		}
		if cfg.DedupTTL != 3500*time.Millisecond {
			t.Errorf("DedupTTL = %v, want 3.5s", cfg.DedupTTL)
		}
		if cfg.DedupMax != 4000 {
			t.Errorf("DedupMax = %d, want 4000", cfg.DedupMax)
		}
		if cfg.RefreshCron != DefaultRefreshCron {
			t.Errorf("RefreshCron = %q", cfg.RefreshCron)
		}
		if cfg.DesktopAgentURL != "" {
			t.Errorf("DesktopAgentURL = %q, want empty", cfg.DesktopAgentURL)
		}
		if len(cfg.FrontendOrigins) != 1 || cfg.FrontendOrigins[0] != "http://localhost:3000" {
			t.Errorf("FrontendOrigins = %v", cfg.FrontendOrigins)
		}
	})

	t.Run("環境変数の値が反映されること", func(t *testing.T) {
		t.Parallel()

		cfg, err := FromLookup(lookupFrom(map[string]string{
			"PORT":                      "9000",
			"BACKEND_URL":               "https://api.example.com/",
			"DESKTOP_AGENT_URL":         "http://127.0.0.1:7777/",
			"FRONTEND_URL":              "https://a.example.com, https://b.example.com",
			"DEDUP_TTL":                 "2s",
			"DEDUP_MAX":                 "10",
			"CONVERSATION_REFRESH_CRON": "0 * * * *",
			"PLATFORM_NOTIFY_INTERVAL":  "500",
			"PLATFORM_NOTIFY_BURST":     "1",
		}))
		if err != nil {
			t.Fatalf("FromLookup()でエラーが発生: %v", err)
		}
		if cfg.Port != "9000" {
			t.Errorf("Port = %q", cfg.Port)
		}
		if cfg.BackendURL != "https://api.example.com" {
			t.Errorf("BackendURL = %q, 末尾のスラッシュが除去されていない", cfg.BackendURL)
		}
		if cfg.DesktopAgentURL != "http://127.0.0.1:7777" {
			t.Errorf("DesktopAgentURL = %q", cfg.DesktopAgentURL)
		}
		if len(cfg.FrontendOrigins) != 2 {
			t.Errorf("FrontendOrigins = %v", cfg.FrontendOrigins)
		}
		if cfg.DedupTTL != 2*time.Second || cfg.DedupMax != 10 {
			t.Errorf("DedupTTL=%v DedupMax=%d", cfg.DedupTTL, cfg.DedupMax)
		}
		if cfg.PlatformNotifyInterval != 500*time.Millisecond || cfg.PlatformNotifyBurst != 1 {
			t.Errorf("PlatformNotifyInterval=%v Burst=%d", cfg.PlatformNotifyInterval, cfg.PlatformNotifyBurst)
		}
	})

	t.Run("不正なcron式でErrInvalidCronが返ること", func(t *testing.T) {
		t.Parallel()

		_, err := FromLookup(lookupFrom(map[string]string{"CONVERSATION_REFRESH_CRON": "every five minutes"}))
		if !errors.Is(err, ErrInvalidCron) {
			t.Errorf("err = %v, want ErrInvalidCron", err)
		}
	})

	t.Run("不正な数値でエラーが返ること", func(t *testing.T) {
		t.Parallel()

		for _, env := range []map[string]string{
			{"DEDUP_TTL": "-1"},
			{"DEDUP_TTL": "soon"},
			{"DEDUP_MAX": "0"},
			{"PLATFORM_NOTIFY_BURST": "x"},
		} {
			if _, err := FromLookup(lookupFrom(env)); err == nil {
				t.Errorf("%v: エラーを期待したがnilが返った", env)
			}
		}
	})
}
