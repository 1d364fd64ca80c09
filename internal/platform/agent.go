// Package platform はデスクトップ通知エージェント経由でOSレベルの通知を表示する。
//
// 通知はタブ（セッション）が非フォーカスで、エージェントが設定済みで、
// 接続が安全で、かつ許可済みの場合にのみ試みる。失敗してもトースト表示は妨げない。
package platform

import (
	"context"
	"fmt"

	"github.com/nao1215/matreq/pkg/httpclient"
)

// State は通知許可の状態。
type State string

const (
	// StateDefault はまだ許可を求めていない状態。
	StateDefault State = "default"
	// StateGranted は許可済み。
	StateGranted State = "granted"
	// StateDenied は拒否済み。
	StateDenied State = "denied"
	// StateUnsupported はエージェントが設定されていない、または安全でない。
	StateUnsupported State = "unsupported"
)

// ParseState は文字列を State に変換する。未知の値は StateDefault とする。
func ParseState(s string) State {
	switch State(s) {
	case StateGranted, StateDenied, StateUnsupported:
		return State(s)
	default:
		return StateDefault
	}
}

// Notification はOS通知の内容。
type Notification struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知の本文。
	Body string `json:"body"`
	// Tag は同一内容の通知をまとめるためのタグ。
	Tag string `json:"tag,omitempty"`
	// UserID は通知先のユーザーID。
	UserID int64 `json:"user_id"`
}

// Agent はデスクトップ通知エージェントの操作を表す。
type Agent interface {
	// Permission は現在の許可状態を問い合わせる。ユーザーへの確認は行わない。
	Permission(ctx context.Context, userID int64) (State, error)
	// RequestPermission はユーザーに通知の許可を求める。
	RequestPermission(ctx context.Context, userID int64) (State, error)
	// Notify は通知を表示する。
	Notify(ctx context.Context, n Notification) error
}

// permissionResponse はエージェントの許可APIのレスポンス。
type permissionResponse struct {
	// State は許可状態。
	State string `json:"state"`
}

// HTTPAgent はHTTPで通信するデスクトップ通知エージェント。
type HTTPAgent struct {
	// client はエージェントへの通信クライアント。
	client *httpclient.Client
}

// NewHTTPAgent は新しい HTTPAgent を生成する。
func NewHTTPAgent(client *httpclient.Client) *HTTPAgent {
	return &HTTPAgent{client: client}
}

// Permission は GET /permission で許可状態を取得する。
func (a *HTTPAgent) Permission(ctx context.Context, userID int64) (State, error) {
	var resp permissionResponse
	if err := a.client.GetJSON(ctx, fmt.Sprintf("/permission?user_id=%d", userID), &resp); err != nil {
		return StateDefault, fmt.Errorf("通知許可状態の取得に失敗: %w", err)
	}
	return ParseState(resp.State), nil
}

// RequestPermission は POST /permission でユーザーに許可を求める。
func (a *HTTPAgent) RequestPermission(ctx context.Context, userID int64) (State, error) {
	var resp permissionResponse
	if err := a.client.PostJSON(ctx, "/permission", map[string]int64{"user_id": userID}, &resp); err != nil {
		return StateDefault, fmt.Errorf("通知許可の要求に失敗: %w", err)
	}
	return ParseState(resp.State), nil
}

// Notify は POST /notify で通知を表示する。
func (a *HTTPAgent) Notify(ctx context.Context, n Notification) error {
	if err := a.client.PostJSON(ctx, "/notify", n, nil); err != nil {
		return fmt.Errorf("OS通知の送信に失敗: %w", err)
	}
	return nil
}
