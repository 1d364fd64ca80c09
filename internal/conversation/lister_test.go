package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/nao1215/matreq/pkg/httpclient"
)

// fakeTokens はテスト用の TokenSource。
type fakeTokens struct {
	// token は現在のトークン。
	token atomic.Value
	// next は Refresh で差し替えるトークン。
	next string
	// refreshed は Refresh の呼び出し回数。
	refreshed atomic.Int32
	// err は Refresh が返すエラー。
	err error
}

func newFakeTokens(token, next string) *fakeTokens {
	f := &fakeTokens{next: next}
	f.token.Store(token)
	return f
}

func (f *fakeTokens) Token() string { return f.token.Load().(string) }

func (f *fakeTokens) Refresh(_ context.Context, _ string) (string, error) {
	f.refreshed.Add(1)
	if f.err != nil {
		return "", f.err
	}
	f.token.Store(f.next)
	return f.next, nil
}

// TestAPILister はAPIListerを検証する。
func TestAPILister(t *testing.T) {
	t.Parallel()

	t.Run("全ページを辿って連結すること", func(t *testing.T) {
		t.Parallel()

		var pages []string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/conversations" {
				t.Errorf("Path = %q", r.URL.Path)
			}
			pg := r.URL.Query().Get("page")
			pages = append(pages, pg)
			if got := r.URL.Query().Get("title"); got != "鋼材" {
				t.Errorf("title = %q, want 鋼材", got)
			}
			resp := page{Page: 1, TotalPages: 2, Items: []Summary{{ID: 1}, {ID: 2}}}
			if pg == "2" {
				resp = page{Page: 2, TotalPages: 2, Items: []Summary{{ID: 3}}}
			}
			_ = json.NewEncoder(w).Encode(resp)
		}))
		defer ts.Close()

		got, err := NewAPILister(httpclient.New(ts.URL), newFakeTokens("t", "t")).List(context.Background(), "鋼材")
		if err != nil {
			t.Fatalf("List()でエラーが発生: %v", err)
		}
		if !slices.Equal(ids(got), []int64{1, 2, 3}) {
			t.Errorf("List() = %v, want [1 2 3]", ids(got))
		}
		if !slices.Equal(pages, []string{"1", "2"}) {
			t.Errorf("取得ページ = %v", pages)
		}
	})

	t.Run("401の場合はトークンを更新して1回だけ再試行すること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(page{Page: 1, TotalPages: 1, Items: []Summary{{ID: 7}}})
		}))
		defer ts.Close()

		tokens := newFakeTokens("stale", "fresh")
		got, err := NewAPILister(httpclient.New(ts.URL), tokens).List(context.Background(), "")
		if err != nil {
			t.Fatalf("List()でエラーが発生: %v", err)
		}
		if len(got) != 1 || got[0].ID != 7 {
			t.Errorf("List() = %+v", got)
		}
		if tokens.refreshed.Load() != 1 {
			t.Errorf("Refresh回数 = %d, want 1", tokens.refreshed.Load())
		}
	})

	t.Run("再試行後も401の場合はErrUnauthorizedが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer ts.Close()

		tokens := newFakeTokens("a", "b")
		_, err := NewAPILister(httpclient.New(ts.URL), tokens).List(context.Background(), "")
		if !errors.Is(err, httpclient.ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
		if tokens.refreshed.Load() != 1 {
			t.Errorf("Refresh回数 = %d, want 1", tokens.refreshed.Load())
		}
	})

	t.Run("トークン更新に失敗した場合は元のエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer ts.Close()

		tokens := newFakeTokens("a", "b")
		tokens.err = errors.New("refresh failed")
		_, err := NewAPILister(httpclient.New(ts.URL), tokens).List(context.Background(), "")
		if !errors.Is(err, httpclient.ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})
}
