package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Refresher はcron式に従って会話一覧を定期的に再取得する。
type Refresher struct {
	// dir は再取得対象の Directory。
	dir *Directory
	// expr は再取得スケジュールのcron式。
	expr string
	// logger はログ出力先。
	logger *slog.Logger
}

// NewRefresher はcron式を検証して Refresher を生成する。
func NewRefresher(dir *Directory, expr string, logger *slog.Logger) (*Refresher, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("会話一覧の再取得スケジュールが不正: %s", expr)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{dir: dir, expr: expr, logger: logger}, nil
}

// NextRun は after より後の次回実行時刻を返す。
func (r *Refresher) NextRun(after time.Time) (time.Time, error) {
	return gronx.NextTickAfter(r.expr, after, false)
}

// Run はコンテキストがキャンセルされるまで再取得を繰り返す。
func (r *Refresher) Run(ctx context.Context) {
	for {
		next, err := r.NextRun(time.Now())
		if err != nil {
			r.logger.Error("次回の会話一覧再取得時刻の計算に失敗", "cron", r.expr, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		added, err := r.dir.Reload(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrSuperseded):
		case err != nil:
			r.logger.Warn("会話一覧の定期再取得に失敗", "error", err)
		default:
			r.logger.Debug("会話一覧を定期再取得", "added", len(added))
		}
	}
}
