package conversation

import (
	"context"
	"testing"
	"time"
)

// TestNewRefresher はNewRefresher関数を検証する。
func TestNewRefresher(t *testing.T) {
	t.Parallel()

	t.Run("不正なcron式でエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewRefresher(NewDirectory(&stubLister{}), "not cron", nil); err == nil {
			t.Error("エラーを期待したがnilが返った")
		}
	})

	t.Run("次回実行時刻がcron式に従うこと", func(t *testing.T) {
		t.Parallel()

		r, err := NewRefresher(NewDirectory(&stubLister{}), "*/5 * * * *", nil)
		if err != nil {
			t.Fatalf("NewRefresher()でエラーが発生: %v", err)
		}
		after := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)
		next, err := r.NextRun(after)
		if err != nil {
			t.Fatalf("NextRun()でエラーが発生: %v", err)
		}
		want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("NextRun() = %v, want %v", next, want)
		}
	})
}

// TestRefresherRun はRunメソッドを検証する。
func TestRefresherRun(t *testing.T) {
	t.Parallel()

	t.Run("コンテキストのキャンセルで停止すること", func(t *testing.T) {
		t.Parallel()

		r, err := NewRefresher(NewDirectory(&stubLister{}), "0 0 1 1 *", nil)
		if err != nil {
			t.Fatalf("NewRefresher()でエラーが発生: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			r.Run(ctx)
			close(done)
		}()
		cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run() がキャンセル後に停止しない")
		}
	})
}
