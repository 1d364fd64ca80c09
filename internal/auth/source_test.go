package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/matreq/internal/storage"
	"github.com/nao1215/matreq/pkg/httpclient"
	"github.com/nao1215/matreq/pkg/middleware"
)

// testSecret はテスト用のJWTシークレット。
const testSecret = "auth-test-secret"

// mustToken はテスト用のアクセストークンを生成する。
func mustToken(t *testing.T, userID int64, role string) string {
	t.Helper()
	token, err := middleware.GenerateJWT(testSecret, userID, "u@example.com", role, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	return token
}

// setupDB はインメモリのストレージを生成する。
func setupDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.MemoryPath)
	if err != nil {
		t.Fatalf("ストレージの初期化に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestDecodeProfile はDecodeProfile関数を検証する。
func TestDecodeProfile(t *testing.T) {
	t.Parallel()

	t.Run("クレームからプロフィールを取り出せること", func(t *testing.T) {
		t.Parallel()

		p, err := DecodeProfile(mustToken(t, 42, "analyst"))
		if err != nil {
			t.Fatalf("DecodeProfile()でエラーが発生: %v", err)
		}
		if p.UserID != 42 || p.Role != "analyst" || p.Email != "u@example.com" {
			t.Errorf("Profile = %+v", p)
		}
	})

	t.Run("不正なトークンでErrInvalidTokenが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := DecodeProfile("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("ユーザーIDが無いトークンでErrInvalidTokenが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := DecodeProfile(mustToken(t, 0, "user")); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})
}

// TestSource はSourceの永続化と更新を検証する。
func TestSource(t *testing.T) {
	t.Parallel()

	t.Run("生成時にトークンとプロフィールが永続化されること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := setupDB(t)
		access := mustToken(t, 7, "user")
		if _, err := NewSource(ctx, db, httpclient.New("http://localhost"), Tokens{Access: access, Refresh: "r1"}); err != nil {
			t.Fatalf("NewSource()でエラーが発生: %v", err)
		}

		restored, ok, err := Restore(ctx, db, httpclient.New("http://localhost"), 7)
		if err != nil || !ok {
			t.Fatalf("Restore() ok=%v err=%v", ok, err)
		}
		if restored.Token() != access {
			t.Errorf("Token() が保存したトークンと一致しない")
		}
		p, ok, err := CachedProfile(ctx, db, 7)
		if err != nil || !ok || p.UserID != 7 {
			t.Errorf("CachedProfile() = %+v, %v, %v", p, ok, err)
		}
	})

	t.Run("Refreshで新しいトークンに差し替わること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := setupDB(t)
		oldAccess := mustToken(t, 7, "user")
		newAccess := mustToken(t, 7, "analyst")

		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			if r.URL.Path != "/api/auth/refresh" {
				t.Errorf("Path = %q", r.URL.Path)
			}
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["refresh_token"] != "r1" {
				t.Errorf("refresh_token = %q, want r1", body["refresh_token"])
			}
			_ = json.NewEncoder(w).Encode(Tokens{Access: newAccess})
		}))
		defer ts.Close()

		src, err := NewSource(ctx, db, httpclient.New(ts.URL), Tokens{Access: oldAccess, Refresh: "r1"})
		if err != nil {
			t.Fatalf("NewSource()でエラーが発生: %v", err)
		}

		got, err := src.Refresh(ctx, oldAccess)
		if err != nil {
			t.Fatalf("Refresh()でエラーが発生: %v", err)
		}
		if got != newAccess || src.Token() != newAccess {
			t.Errorf("トークンが更新されていない")
		}
		if src.Profile().Role != "analyst" {
			t.Errorf("Role = %q, want analyst", src.Profile().Role)
		}

		// 既に更新済みの古いトークンでは再度通信しない
		if _, err := src.Refresh(ctx, oldAccess); err != nil {
			t.Fatalf("Refresh()でエラーが発生: %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("更新APIの呼び出し回数 = %d, want 1", calls.Load())
		}
	})

	t.Run("リフレッシュトークンが無い場合ErrNoRefreshTokenが返ること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		src, err := NewSource(ctx, setupDB(t), httpclient.New("http://localhost"), Tokens{Access: mustToken(t, 3, "user")})
		if err != nil {
			t.Fatalf("NewSource()でエラーが発生: %v", err)
		}
		if _, err := src.Refresh(ctx, ""); !errors.Is(err, ErrNoRefreshToken) {
			t.Errorf("err = %v, want ErrNoRefreshToken", err)
		}
	})

	t.Run("更新APIが401を返した場合エラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer ts.Close()

		ctx := context.Background()
		src, err := NewSource(ctx, setupDB(t), httpclient.New(ts.URL), Tokens{Access: mustToken(t, 3, "user"), Refresh: "r"})
		if err != nil {
			t.Fatalf("NewSource()でエラーが発生: %v", err)
		}
		if _, err := src.Refresh(ctx, ""); !errors.Is(err, httpclient.ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("Clearで永続化した値が削除されること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := setupDB(t)
		src, err := NewSource(ctx, db, httpclient.New("http://localhost"), Tokens{Access: mustToken(t, 5, "user")})
		if err != nil {
			t.Fatalf("NewSource()でエラーが発生: %v", err)
		}
		if err := src.Clear(ctx); err != nil {
			t.Fatalf("Clear()でエラーが発生: %v", err)
		}
		if _, ok, _ := Restore(ctx, db, httpclient.New("http://localhost"), 5); ok {
			t.Error("Clear後にトークンが復元できてしまう")
		}
		if src.Token() != "" {
			t.Errorf("Token() = %q, want empty", src.Token())
		}
	})
}
