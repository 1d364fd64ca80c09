package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nao1215/matreq/internal/auth"
	"github.com/nao1215/matreq/internal/dispatch"
	"github.com/nao1215/matreq/internal/platform"
	"github.com/nao1215/matreq/internal/storage"
	"github.com/nao1215/matreq/pkg/event"
	"github.com/nao1215/matreq/pkg/httpclient"
)

// ErrNotFound は指定したプロフィールのセッションが無いことを表す。
var ErrNotFound = errors.New("セッションが見つかりません")

// Config はセッションの共通設定。
type Config struct {
	// KV はトークン・未読数・許可マーカーの保存先。
	KV storage.KV
	// Backend はバックエンドへの通信クライアント。
	Backend *httpclient.Client
	// RealtimeURL はリアルタイムチャネルのURL。空なら接続しない。
	RealtimeURL string
	// RefreshCron は会話一覧を定期再取得するcron式。
	RefreshCron string
	// DedupTTL は重複判定の時間窓。
	DedupTTL time.Duration
	// DedupMax は重複判定ストアの上限数。
	DedupMax int
	// Agent はデスクトップ通知エージェント。nil ならOS通知は非対応。
	Agent platform.Agent
	// AgentURL はエージェントのURL。
	AgentURL string
	// NotifyInterval はOS通知の最小間隔。
	NotifyInterval time.Duration
	// NotifyBurst はOS通知の連続許容数。
	NotifyBurst int
	// Sink はトーストの保存先。
	Sink dispatch.ToastSink
	// Metrics は処理結果のカウンタ。
	Metrics *dispatch.Metrics
	// Logger はログ出力先。
	Logger *slog.Logger
	// Now は現在時刻を返す関数。
	Now func() time.Time
}

// Delivery は1セッションでの処理結果。
type Delivery struct {
	// ProfileID はセッションのユーザーID。
	ProfileID int64 `json:"profile_id"`
	// Outcome は処理結果。
	Outcome dispatch.Outcome `json:"outcome"`
}

// Manager はプロフィールIDごとのセッションを管理する。
type Manager struct {
	cfg Config

	// mu は sessions を保護する。
	mu sync.Mutex
	// sessions はプロフィールIDからセッションへの対応。
	sessions map[int64]*Session
}

// NewManager は新しい Manager を生成する。
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, sessions: make(map[int64]*Session)}
}

// Open はトークンのプロフィールでセッションを開始する。
// 既にセッションがあればトークンを差し替えて既存のセッションを返す。
func (m *Manager) Open(ctx context.Context, tokens auth.Tokens) (*Session, bool, error) {
	profile, err := auth.DecodeProfile(tokens.Access)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[profile.UserID]; ok {
		if err := s.tokens.Replace(ctx, tokens); err != nil {
			return nil, false, fmt.Errorf("トークンの差し替えに失敗: %w", err)
		}
		return s, false, nil
	}

	src, err := auth.NewSource(ctx, m.cfg.KV, m.cfg.Backend, tokens)
	if err != nil {
		return nil, false, err
	}
	s, err := open(ctx, m.cfg, src)
	if err != nil {
		return nil, false, fmt.Errorf("セッションの開始に失敗: %w", err)
	}
	m.sessions[profile.UserID] = s
	return s, true, nil
}

// Resume は永続化済みのトークンとプロフィールキャッシュからセッションを再開する。
// 既に開始済みならそのセッションを返す。プロフィールキャッシュが無いか、
// トークンの持ち主と一致しない場合は ErrNotFound を返す。
func (m *Manager) Resume(ctx context.Context, profileID int64) (*Session, error) {
	if s, err := m.Get(profileID); err == nil {
		return s, nil
	}
	cached, ok, err := auth.CachedProfile(ctx, m.cfg.KV, profileID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	src, ok, err := auth.Restore(ctx, m.cfg.KV, m.cfg.Backend, profileID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	p := src.Profile()
	if p.UserID != cached.UserID {
		m.cfg.Logger.Warn("保存済みトークンとプロフィールが一致しません", "profile_id", profileID, "token_user_id", p.UserID)
		return nil, ErrNotFound
	}
	if p.Role != cached.Role {
		m.cfg.Logger.Info("前回のセッションからロールが変更されています", "user_id", p.UserID, "before", cached.Role, "after", p.Role)
	}
	s, _, err := m.Open(ctx, src.Tokens())
	return s, err
}

// Get はセッションを返す。
func (m *Manager) Get(profileID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[profileID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close はセッションを終了する。logout が true なら保存したトークンも削除する。
func (m *Manager) Close(ctx context.Context, profileID int64, logout bool) error {
	m.mu.Lock()
	s, ok := m.sessions[profileID]
	delete(m.sessions, profileID)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.Close()
	if logout {
		if err := s.tokens.Clear(ctx); err != nil {
			return fmt.Errorf("トークンの削除に失敗: %w", err)
		}
	}
	return nil
}

// CloseAll は全セッションを終了する。トークンは残す。
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Profiles は開始済みのセッションのプロフィールIDを昇順で返す。
func (m *Manager) Profiles() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Broadcast はフレームを全セッションに配送する。
// profileID が0でなければそのセッションのみに配送する。
func (m *Manager) Broadcast(ctx context.Context, f *event.Frame, profileID int64) ([]Delivery, error) {
	var targets []*Session
	if profileID != 0 {
		s, err := m.Get(profileID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, s)
	} else {
		for _, id := range m.Profiles() {
			if s, err := m.Get(id); err == nil {
				targets = append(targets, s)
			}
		}
	}

	deliveries := make([]Delivery, 0, len(targets))
	for _, s := range targets {
		deliveries = append(deliveries, Delivery{ProfileID: s.ProfileID(), Outcome: s.Deliver(ctx, f)})
	}
	return deliveries, nil
}
