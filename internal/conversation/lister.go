package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/nao1215/matreq/pkg/httpclient"
)

// maxPages は1回の取得で辿る最大ページ数。
const maxPages = 100

// TokenSource はアクセストークンの取得と更新を行う。
type TokenSource interface {
	// Token は現在のアクセストークンを返す。
	Token() string
	// Refresh は401を受けたトークンを渡して新しいトークンを取得する。
	Refresh(ctx context.Context, stale string) (string, error)
}

// page はバックエンドの会話一覧APIのレスポンス。
type page struct {
	// Items はそのページの会話。
	Items []Summary `json:"items"`
	// Page は現在のページ番号（1始まり）。
	Page int `json:"page"`
	// TotalPages は総ページ数。
	TotalPages int `json:"total_pages"`
}

// APILister はバックエンドの GET /api/conversations をページ順に辿る Lister。
type APILister struct {
	// client はバックエンドへの通信クライアント。
	client *httpclient.Client
	// tokens はアクセストークンの取得元。
	tokens TokenSource
}

// NewAPILister は新しい APILister を生成する。
func NewAPILister(client *httpclient.Client, tokens TokenSource) *APILister {
	return &APILister{client: client, tokens: tokens}
}

// List は全ページを取得して連結する。401を受けた場合はトークンを1回だけ更新して再試行する。
func (l *APILister) List(ctx context.Context, title string) ([]Summary, error) {
	var all []Summary
	for n := 1; n <= maxPages; n++ {
		p, err := l.fetch(ctx, n, title)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Items...)
		if len(p.Items) == 0 || p.TotalPages <= n {
			break
		}
	}
	return all, nil
}

// fetch は1ページを取得する。
func (l *APILister) fetch(ctx context.Context, n int, title string) (*page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(n))
	if title != "" {
		q.Set("title", title)
	}
	path := "/api/conversations?" + q.Encode()

	token := l.tokens.Token()
	var p page
	err := l.client.GetJSON(httpclient.WithToken(ctx, token), path, &p)
	if errors.Is(err, httpclient.ErrUnauthorized) {
		fresh, rerr := l.tokens.Refresh(ctx, token)
		if rerr != nil {
			return nil, fmt.Errorf("会話一覧の取得に失敗: %w", err)
		}
		p = page{}
		err = l.client.GetJSON(httpclient.WithToken(ctx, fresh), path, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("会話一覧の取得に失敗 (page=%d): %w", n, err)
	}
	return &p, nil
}
