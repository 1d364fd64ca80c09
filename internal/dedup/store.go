// Package dedup は重複配信されたイベントを検出する時間窓付きの指紋ストアを提供する。
//
// 同じ論理イベントが二重送信・再接続時のリプレイ・複数経路のブロードキャストで
// 届いても、通知が一度だけ出るようにする。ストアはセッション開始時に生成され、
// ディスパッチャーに注入される。
package dedup

import (
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTTL は指紋を「最近見た」とみなす既定の時間窓。
	DefaultTTL = 3500 * time.Millisecond
	// DefaultMax は保持する指紋の既定上限数。
	DefaultMax = 4000
	// signatureBodyLimit は内容シグネチャに含める本文の最大文字数。
	signatureBodyLimit = 80
)

// Store は指紋と最終受理時刻の対応を保持する。
type Store struct {
	// mu は entries への並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// entries は指紋から最終受理時刻への対応。
	entries map[string]time.Time
	// ttl は重複とみなす時間窓。
	ttl time.Duration
	// max は保持する指紋の上限数。
	max int
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// Option は Store の設定を変更する関数。
type Option func(*Store)

// WithTTL は時間窓を設定する。0以下の値は無視する。
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMax は指紋の上限数を設定する。0以下の値は無視する。
func WithMax(max int) Option {
	return func(s *Store) {
		if max > 0 {
			s.max = max
		}
	}
}

// WithClock は現在時刻の取得関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New は新しい Store を生成する。
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]time.Time),
		ttl:     DefaultTTL,
		max:     DefaultMax,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AcceptOnceAny はいずれかのキーが時間窓内に記録済みなら true（重複）を返す。
// 重複でなければ空でないすべてのキーを現在時刻で記録し false を返す。
// 空でないキーが1つも無い場合は重複とみなさず、何も記録しない。
func (s *Store) AcceptOnceAny(keys ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	recorded := false
	for _, k := range keys {
		if k == "" {
			continue
		}
		if at, ok := s.entries[k]; ok && now.Sub(at) < s.ttl {
			return true
		}
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		s.entries[k] = now
		recorded = true
	}
	if recorded && len(s.entries) > s.max {
		s.evictLocked(now)
	}
	return false
}

// evictLocked は上限を超えたときに期限切れの指紋を削除する。
// 上限を下回るか期限切れが無くなった時点で止まり、有効な指紋は削除しない。
func (s *Store) evictLocked(now time.Time) {
	for k, at := range s.entries {
		if len(s.entries) <= s.max {
			return
		}
		if now.Sub(at) >= s.ttl {
			delete(s.entries, k)
		}
	}
}

// Len は保持している指紋の数を返す。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ExactKey はイベント種別で名前空間を切った厳密IDの指紋を生成する。
// parts のいずれかが空または "0" の場合は空文字列を返す。
func ExactKey(eventType string, parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	for _, p := range parts {
		if p == "" || p == "0" {
			return ""
		}
	}
	return eventType + ":id:" + strings.Join(parts, ":")
}

// ContentKey は種別・会話・送信者・切り詰めた本文から内容シグネチャを生成する。
// 会話IDが0の場合は空文字列を返す。
func ContentKey(eventType string, conversationID, senderID int64, body string) string {
	if conversationID == 0 {
		return ""
	}
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) > signatureBodyLimit {
		body = string([]rune(body)[:signatureBodyLimit])
	}
	return eventType + ":sig:" +
		strconv.FormatInt(conversationID, 10) + ":" +
		strconv.FormatInt(senderID, 10) + ":" + body
}

// ID は整数IDを指紋の部品に変換する。
func ID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// CompositeKey は複数の整数IDを連結した内容シグネチャを生成する。
// すべてのIDが0の場合は空文字列を返す。
func CompositeKey(eventType string, ids ...int64) string {
	parts := make([]string, len(ids))
	empty := true
	for i, id := range ids {
		if id != 0 {
			empty = false
		}
		parts[i] = strconv.FormatInt(id, 10)
	}
	if empty {
		return ""
	}
	return eventType + ":sig:" + strings.Join(parts, ":")
}
