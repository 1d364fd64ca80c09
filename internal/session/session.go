// Package session はプロフィールごとの通知処理一式を組み立てて実行する。
//
// 1つのセッションは正規化・重複判定・可視性判定・ディスパッチ・未読数と、
// リアルタイム受信・会話一覧の定期再取得のゴルーチンを持つ。ゴルーチンは
// セッションのコンテキストに従い、Close で確実に停止する。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nao1215/matreq/internal/access"
	"github.com/nao1215/matreq/internal/auth"
	"github.com/nao1215/matreq/internal/conversation"
	"github.com/nao1215/matreq/internal/dedup"
	"github.com/nao1215/matreq/internal/dispatch"
	"github.com/nao1215/matreq/internal/platform"
	"github.com/nao1215/matreq/internal/realtime"
	"github.com/nao1215/matreq/internal/unread"
	"github.com/nao1215/matreq/pkg/event"
)

// subscriberBuffer は購読者ごとのトーストのバッファ数。
const subscriberBuffer = 32

// PermissionStatus はOS通知の可否に関する状態。
type PermissionStatus struct {
	// State は許可状態。
	State platform.State `json:"state"`
	// Supported はエージェントが設定されているか。
	Supported bool `json:"supported"`
	// Secure は接続が安全か。
	Secure bool `json:"secure"`
	// Asked は許可を確認済みか。
	Asked bool `json:"asked"`
	// CanShowNow は今OS通知を表示できるか。
	CanShowNow bool `json:"can_show_now"`
}

// Session は1プロフィール分の通知処理。
type Session struct {
	profileID  int64
	perm       access.Permission
	tokens     *auth.Source
	dir        *conversation.Directory
	unread     *unread.Counter
	gate       *platform.Gate
	dispatcher *dispatch.Dispatcher
	realtime   *realtime.Client
	logger     *slog.Logger
	now        func() time.Time

	// cancel はセッションのゴルーチンを停止する。
	cancel context.CancelFunc
	// wg はセッションのゴルーチンの終了を待つ。
	wg sync.WaitGroup
	// closeOnce は Close を1回に制限する。
	closeOnce sync.Once

	// subMu は subscribers を保護する。
	subMu sync.Mutex
	// subscribers はトーストの購読者。
	subscribers map[chan dispatch.Toast]struct{}
}

// open はセッションを組み立ててバックグラウンド処理を開始する。
func open(ctx context.Context, cfg Config, src *auth.Source) (*Session, error) {
	profile := src.Profile()
	logger := cfg.Logger.With("user_id", profile.UserID)

	s := &Session{
		profileID:   profile.UserID,
		perm:        access.NewPermission(access.ParseRole(profile.Role), profile.UserID),
		tokens:      src,
		unread:      unread.New(ctx, cfg.KV, profile.UserID),
		logger:      logger,
		now:         cfg.Now,
		subscribers: make(map[chan dispatch.Toast]struct{}),
	}
	s.dir = conversation.NewDirectory(conversation.NewAPILister(cfg.Backend, src))

	s.gate = platform.NewGate(ctx, cfg.Agent, platform.GateConfig{
		AgentURL: cfg.AgentURL,
		Interval: cfg.NotifyInterval,
		Burst:    cfg.NotifyBurst,
	}, cfg.KV, profile.UserID, logger)

	s.dispatcher = dispatch.New(dispatch.Config{
		Dedup:      dedup.New(dedup.WithTTL(cfg.DedupTTL), dedup.WithMax(cfg.DedupMax)),
		Permission: s.perm,
		Directory:  s.dir,
		Unread:     s.unread,
		Sink:       dispatch.SinkFunc(s.emit(cfg.Sink)),
		Platform:   s.gate,
		Metrics:    cfg.Metrics,
		Logger:     logger,
		Now:        cfg.Now,
	})
	// ホストから報告があるまでは非フォーカスとみなす
	s.dispatcher.Presence().SetFocused(false)

	refresher, err := conversation.NewRefresher(s.dir, cfg.RefreshCron, logger)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.goRun(func() {
		if _, err := s.dir.Reload(runCtx); err != nil && runCtx.Err() == nil {
			logger.Warn("会話一覧の初回取得に失敗", "error", err)
		}
	})
	s.goRun(func() { refresher.Run(runCtx) })

	if cfg.RealtimeURL != "" {
		s.realtime = realtime.New(realtime.Config{
			URL:    cfg.RealtimeURL,
			Tokens: src,
			Logger: logger,
		}, func(ctx context.Context, f *event.Frame) {
			s.Deliver(ctx, f)
		})
		s.goRun(func() { _ = s.realtime.Run(runCtx) })
	}

	logger.Info("セッションを開始", "role", s.perm.Role, "realtime", cfg.RealtimeURL != "")
	return s, nil
}

// goRun はセッションのゴルーチンを起動する。
func (s *Session) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// emit は出力先に保存したうえで購読者に配信する関数を返す。
func (s *Session) emit(sink dispatch.ToastSink) func(context.Context, dispatch.Toast) error {
	return func(ctx context.Context, t dispatch.Toast) error {
		var err error
		if sink != nil {
			err = sink.Emit(ctx, t)
		}
		s.publish(t)
		return err
	}
}

// publish はトーストを購読者に配信する。受け取れない購読者には配信しない。
func (s *Session) publish(t dispatch.Toast) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- t:
		default:
			s.logger.Debug("購読者のバッファが一杯のためトーストを破棄", "toast_id", t.ID)
		}
	}
}

// ProfileID はセッションのユーザーIDを返す。
func (s *Session) ProfileID() int64 { return s.profileID }

// Permission は権限情報を返す。
func (s *Session) Permission() access.Permission { return s.perm }

// Token は現在のアクセストークンを返す。
func (s *Session) Token() string { return s.tokens.Token() }

// Deliver はフレームを正規化して処理する。受信イベント以外の種別は無視する。
func (s *Session) Deliver(ctx context.Context, f *event.Frame) dispatch.Outcome {
	if !f.Event.IsInbound() {
		s.logger.Debug("受信対象外のイベントを無視", "event", f.Event)
		return dispatch.OutcomeIgnored
	}
	ev, err := f.Normalize(s.now())
	if err != nil {
		if !errors.Is(err, event.ErrUnknownType) {
			s.logger.Warn("イベントの正規化に失敗", "event", f.Event, "error", err)
		}
		return dispatch.OutcomeIgnored
	}
	return s.dispatcher.Dispatch(ctx, ev)
}

// SetActiveConversation は表示中の会話を設定し、リアルタイムのルームを切り替える。
// 0を指定すると表示中の会話なしになる。
func (s *Session) SetActiveConversation(ctx context.Context, conversationID int64) error {
	s.dispatcher.Presence().SetActive(conversationID)
	if s.realtime == nil {
		return nil
	}
	if conversationID == 0 {
		return s.realtime.Leave(ctx)
	}
	return s.realtime.Join(ctx, conversationID)
}

// ActiveConversation は表示中の会話IDを返す。
func (s *Session) ActiveConversation() int64 {
	return s.dispatcher.Presence().Active()
}

// SetFocused はホストUIのフォーカス状態を設定する。
func (s *Session) SetFocused(focused bool) {
	s.dispatcher.Presence().SetFocused(focused)
}

// Focused はホストUIがフォーカス中かを返す。
func (s *Session) Focused() bool {
	return s.dispatcher.Presence().Focused()
}

// RequestPermission はOS通知の許可をユーザーに求める。
func (s *Session) RequestPermission(ctx context.Context) (platform.State, error) {
	return s.gate.RequestPermission(ctx)
}

// PermissionStatus はエージェントから許可状態を取り直し、OS通知の可否に関する状態を返す。
func (s *Session) PermissionStatus(ctx context.Context) PermissionStatus {
	return PermissionStatus{
		State:      s.gate.Sync(ctx),
		Supported:  s.gate.Supported(),
		Secure:     s.gate.IsSecure(),
		Asked:      s.gate.Asked(),
		CanShowNow: s.gate.CanShowNow(s.Focused()),
	}
}

// Conversations は会話一覧を返す。
func (s *Session) Conversations() []conversation.Summary {
	return s.dir.List()
}

// Reload は会話一覧を再取得し、新たに見えるようになった会話IDを返す。
func (s *Session) Reload(ctx context.Context) ([]int64, error) {
	return s.dir.Reload(ctx)
}

// Unread は会話ごとの未読数と合計を返す。
func (s *Session) Unread() (map[int64]int, int) {
	return s.unread.Counts(), s.unread.Total()
}

// MarkRead は会話を既読にして未読数を0に戻す。
func (s *Session) MarkRead(ctx context.Context, conversationID int64) error {
	return s.unread.Reset(ctx, conversationID)
}

// Subscribe はトーストの購読を開始する。返り値の関数で購読を解除する。
func (s *Session) Subscribe() (<-chan dispatch.Toast, func()) {
	ch := make(chan dispatch.Toast, subscriberBuffer)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if _, ok := s.subscribers[ch]; ok {
				delete(s.subscribers, ch)
				close(ch)
			}
			s.subMu.Unlock()
		})
	}
}

// Close はバックグラウンド処理を停止し、購読者のチャネルを閉じる。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.subMu.Lock()
		for ch := range s.subscribers {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.subMu.Unlock()
		s.logger.Info("セッションを終了")
	})
}
