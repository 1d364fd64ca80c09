package notifier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/matreq/internal/dispatch"
	"github.com/nao1215/matreq/pkg/event"
)

// ErrToastNotFound は指定したトーストが存在しないことを表す。
var ErrToastNotFound = errors.New("トーストが見つかりません")

// createdAtLayout は created_at の保存形式。文字列順が時刻順になるよう桁を固定する。
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// defaultListLimit はトースト一覧の既定の取得件数。
const defaultListLimit = 50

// ToastStore はトースト履歴を toasts テーブルに保存する。
// dispatch.ToastSink を満たし、セッションの出力先として使う。
type ToastStore struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewToastStore は新しい ToastStore を生成する。
func NewToastStore(db *sql.DB) *ToastStore {
	return &ToastStore{db: db}
}

const toastColumns = `id, profile_id, event_type, severity, title, body,
	conversation_id, request_id, product_id, is_read, created_at`

// Emit はトーストを保存する。
func (s *ToastStore) Emit(ctx context.Context, t dispatch.Toast) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO toasts (`+toastColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProfileID, string(t.EventType), string(t.Severity), t.Title, t.Body,
		t.ConversationID, t.RequestID, t.ProductID, boolToInt(t.IsRead),
		t.CreatedAt.UTC().Format(createdAtLayout),
	)
	if err != nil {
		return fmt.Errorf("トーストの保存に失敗: %w", err)
	}
	return nil
}

// List はプロフィールのトーストを新しい順に最大 limit 件返す。
func (s *ToastStore) List(ctx context.Context, profileID int64, limit int) ([]dispatch.Toast, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.query(ctx, `SELECT `+toastColumns+` FROM toasts
		WHERE profile_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, profileID, limit)
}

// ListUnread はプロフィールの未読トーストを新しい順に返す。
func (s *ToastStore) ListUnread(ctx context.Context, profileID int64) ([]dispatch.Toast, error) {
	return s.query(ctx, `SELECT `+toastColumns+` FROM toasts
		WHERE profile_id = ? AND is_read = 0 ORDER BY created_at DESC, rowid DESC`, profileID)
}

// Get はIDでトーストを取得する。
func (s *ToastStore) Get(ctx context.Context, id string) (dispatch.Toast, error) {
	toasts, err := s.query(ctx, `SELECT `+toastColumns+` FROM toasts WHERE id = ?`, id)
	if err != nil {
		return dispatch.Toast{}, err
	}
	if len(toasts) == 0 {
		return dispatch.Toast{}, ErrToastNotFound
	}
	return toasts[0], nil
}

// MarkAsRead はトーストを既読にする。
func (s *ToastStore) MarkAsRead(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE toasts SET is_read = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("トーストの既読化に失敗: %w", err)
	}
	return nil
}

// MarkAllAsRead はプロフィールの全トーストを既読にし、更新件数を返す。
func (s *ToastStore) MarkAllAsRead(ctx context.Context, profileID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE toasts SET is_read = 1 WHERE profile_id = ? AND is_read = 0`, profileID)
	if err != nil {
		return 0, fmt.Errorf("全トーストの既読化に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// query はトーストを検索して全行を読み込む。
func (s *ToastStore) query(ctx context.Context, q string, args ...any) ([]dispatch.Toast, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("トーストの検索に失敗: %w", err)
	}
	defer rows.Close()

	toasts := make([]dispatch.Toast, 0)
	for rows.Next() {
		var (
			t                   dispatch.Toast
			eventType, severity string
			isRead              int
			createdAt           string
		)
		if err := rows.Scan(&t.ID, &t.ProfileID, &eventType, &severity, &t.Title, &t.Body,
			&t.ConversationID, &t.RequestID, &t.ProductID, &isRead, &createdAt); err != nil {
			return nil, fmt.Errorf("トーストの読み込みに失敗: %w", err)
		}
		t.EventType = event.Type(eventType)
		t.Severity = dispatch.Severity(severity)
		t.IsRead = isRead != 0
		if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			t.CreatedAt = parsed
		}
		toasts = append(toasts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("トーストの読み込みに失敗: %w", err)
	}
	return toasts, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
