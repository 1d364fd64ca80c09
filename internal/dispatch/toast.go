package dispatch

import (
	"context"
	"time"

	"github.com/nao1215/matreq/pkg/event"
)

// Severity はトーストの表示トーン。
type Severity string

const (
	// SeverityInfo は通常の情報。
	SeverityInfo Severity = "info"
	// SeveritySuccess は成功・確定。
	SeveritySuccess Severity = "success"
	// SeverityWarning は注意を要する変化。
	SeverityWarning Severity = "warning"
	// SeverityError は却下・失敗。
	SeverityError Severity = "error"
)

// Toast はアプリ内に表示する通知。
type Toast struct {
	// ID はトーストの一意識別子（UUID）。
	ID string `json:"id"`
	// ProfileID は通知先のユーザーID。
	ProfileID int64 `json:"profile_id"`
	// EventType は元になったイベントの種類。
	EventType event.Type `json:"event_type"`
	// Severity は表示トーン。
	Severity Severity `json:"severity"`
	// Title はタイトル。
	Title string `json:"title"`
	// Body は本文。
	Body string `json:"body"`
	// ConversationID は関連する会話ID。無ければ0。
	ConversationID int64 `json:"conversation_id,omitempty"`
	// RequestID は関連する申請ID。無ければ0。
	RequestID int64 `json:"request_id,omitempty"`
	// ProductID は関連する製品ID。無ければ0。
	ProductID int64 `json:"product_id,omitempty"`
	// IsRead は既読かどうか。
	IsRead bool `json:"is_read"`
	// CreatedAt は生成日時。
	CreatedAt time.Time `json:"created_at"`
}

// ToastSink はトーストの出力先。
type ToastSink interface {
	// Emit はトーストを保存・配信する。
	Emit(ctx context.Context, t Toast) error
}

// SinkFunc は関数を ToastSink として扱うアダプタ。
type SinkFunc func(ctx context.Context, t Toast) error

// Emit は f(ctx, t) を呼び出す。
func (f SinkFunc) Emit(ctx context.Context, t Toast) error {
	return f(ctx, t)
}

// 申請ステータスコード。
const (
	StatusInReview  int64 = 1
	StatusCreated   int64 = 2
	StatusFinalized int64 = 3
	StatusReturned  int64 = 4
	StatusRejected  int64 = 5
	StatusFailed    int64 = 6
)

// statusTone はステータスコードに対応する表示名とトーンを返す。
func statusTone(status int64) (string, Severity) {
	switch status {
	case StatusInReview:
		return "審査中", SeverityWarning
	case StatusCreated:
		return "作成済み", SeverityWarning
	case StatusFinalized:
		return "確定", SeveritySuccess
	case StatusReturned:
		return "差し戻し", SeverityWarning
	case StatusRejected:
		return "却下", SeverityError
	case StatusFailed:
		return "処理失敗", SeverityError
	default:
		return "更新", SeverityWarning
	}
}
