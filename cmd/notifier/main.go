// 通知サービスのエントリポイント。
// バックエンドのリアルタイムイベントをプロフィールごとに受信し、
// 重複判定・可視性判定を経てトーストとOS通知を配信する。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nao1215/matreq/internal/config"
	"github.com/nao1215/matreq/internal/dispatch"
	"github.com/nao1215/matreq/internal/notifier"
	"github.com/nao1215/matreq/internal/platform"
	"github.com/nao1215/matreq/internal/session"
	"github.com/nao1215/matreq/internal/storage"
	"github.com/nao1215/matreq/pkg/httpclient"
	"github.com/nao1215/matreq/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("設定の読み込みに失敗", "error", err)
		os.Exit(1)
	}
	logger := logging.Init(cfg.LogLevel, "notifier")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("通知サービスが異常終了", "error", err)
		os.Exit(1)
	}
}

// run はサービスを組み立てて ctx がキャンセルされるまで動かす。
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var agent platform.Agent
	if cfg.DesktopAgentURL != "" {
		agent = platform.NewHTTPAgent(httpclient.New(cfg.DesktopAgentURL))
	}

	toasts := notifier.NewToastStore(db.SQL())
	manager := session.NewManager(session.Config{
		KV:             db,
		Backend:        httpclient.New(cfg.BackendURL),
		RealtimeURL:    cfg.RealtimeURL,
		RefreshCron:    cfg.RefreshCron,
		DedupTTL:       cfg.DedupTTL,
		DedupMax:       cfg.DedupMax,
		Agent:          agent,
		AgentURL:       cfg.DesktopAgentURL,
		NotifyInterval: cfg.PlatformNotifyInterval,
		NotifyBurst:    cfg.PlatformNotifyBurst,
		Sink:           toasts,
		Metrics:        dispatch.NewMetrics(reg),
		Logger:         logger,
	})
	defer manager.CloseAll()

	server := notifier.NewServer(notifier.Config{
		Port:           cfg.Port,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.FrontendOrigins,
		Manager:        manager,
		Toasts:         toasts,
		Gatherer:       reg,
		Logger:         logger,
	})

	logger.Info("通知サービスを起動します", "port", cfg.Port, "realtime", cfg.RealtimeURL != "", "desktop_agent", agent != nil)
	return server.Run(ctx)
}
