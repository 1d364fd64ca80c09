package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

// newBufferLogger はログ出力を検証するためのロガーを生成する。
func newBufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// TestRecovery はRecoveryミドルウェアを検証する。
func TestRecovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		panic any
	}{
		{name: "文字列のパニックで500が返ること", panic: "テスト用パニック"},
		{name: "文字列以外のパニック値でも500が返ること", panic: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			router := gin.New()
			router.Use(Recovery(newBufferLogger(&buf)))
			router.GET("/panic", func(_ *gin.Context) {
				panic(tt.panic)
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

			if w.Code != http.StatusInternalServerError {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスボディのパースに失敗: %v", err)
			}
			if body["error"] != "内部サーバーエラーが発生しました" {
				t.Errorf("error = %q", body["error"])
			}
			if !strings.Contains(buf.String(), `"path":"/panic"`) {
				t.Errorf("ログにパスが含まれない: %s", buf.String())
			}
		})
	}

	t.Run("パニックが発生しない場合は正常にレスポンスが返ること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Recovery(nil))
		router.GET("/ok", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})
}

// TestRequestLogger はRequestLoggerミドルウェアを検証する。
func TestRequestLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		path      string
		status    int
		wantLevel string
	}{
		{name: "通常のリクエストはINFOで記録されること", path: "/api/v1/unread", status: http.StatusOK, wantLevel: `"level":"INFO"`},
		{name: "5xxはERRORで記録されること", path: "/api/v1/unread", status: http.StatusBadGateway, wantLevel: `"level":"ERROR"`},
		{name: "ヘルスチェックはDEBUGで記録されること", path: "/health", status: http.StatusOK, wantLevel: `"level":"DEBUG"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			router := gin.New()
			router.Use(RequestLogger(newBufferLogger(&buf)))
			router.GET(tt.path, func(c *gin.Context) {
				c.Status(tt.status)
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			out := buf.String()
			if !strings.Contains(out, tt.wantLevel) {
				t.Errorf("ログレベルが不正: %s", out)
			}
			if !strings.Contains(out, `"path":"`+tt.path+`"`) {
				t.Errorf("ログにパスが含まれない: %s", out)
			}
		})
	}
}
