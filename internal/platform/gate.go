package platform

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nao1215/matreq/internal/storage"
)

// GateConfig は Gate の設定。
type GateConfig struct {
	// AgentURL はエージェントのURL。安全な接続かどうかの判定に使う。
	AgentURL string
	// Interval はOS通知の最小間隔。
	Interval time.Duration
	// Burst はOS通知の連続許容数。
	Burst int
}

// Gate はOS通知を表示してよいかを判定し、許可の確認を1セッション1回に制限する。
type Gate struct {
	// mu は asked と state への並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// agent は通知エージェント。nil なら非対応。
	agent Agent
	// secure はエージェントへの接続が安全かどうか。
	secure bool
	// kv は許可確認済みマーカーの保存先。
	kv storage.KV
	// userID はセッションのユーザーID。
	userID int64
	// asked はこのセッションで許可を確認済みかどうか。
	asked bool
	// state は直近の許可状態。
	state State
	// limiter はOS通知の頻度を制限する。
	limiter *rate.Limiter
	// logger はログ出力先。
	logger *slog.Logger
}

// NewGate は永続化された許可確認マーカーを読み込んで Gate を生成する。
// agent が nil の場合は非対応として扱う。
func NewGate(ctx context.Context, agent Agent, cfg GateConfig, kv storage.KV, userID int64, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	g := &Gate{
		agent:   agent,
		secure:  IsSecureURL(cfg.AgentURL),
		kv:      kv,
		userID:  userID,
		state:   StateDefault,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		logger:  logger,
	}

	raw, ok, err := kv.Get(ctx, storage.Key(storage.NamespacePermissionAsked, userID))
	if err != nil {
		logger.Warn("通知許可マーカーの読み込みに失敗", "user_id", userID, "error", err)
	}
	if ok {
		g.asked = true
		g.state = ParseState(string(raw))
	}
	return g
}

// IsSecureURL はURLがhttpsまたはループバックホストを指すかを返す。
func IsSecureURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Scheme, "https") {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Supported はOS通知に対応しているかを返す。
func (g *Gate) Supported() bool {
	return g.agent != nil
}

// IsSecure はエージェントへの接続が安全かを返す。
func (g *Gate) IsSecure() bool {
	return g.secure
}

// State は直近の許可状態を返す。
func (g *Gate) State() State {
	if !g.Supported() || !g.secure {
		return StateUnsupported
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Asked はこのプロフィールで許可を確認済みかを返す。
func (g *Gate) Asked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.asked
}

// CanShowNow はOS通知を今表示してよいかを返す。
func (g *Gate) CanShowNow(focused bool) bool {
	return !focused && g.State() == StateGranted
}

// RequestPermission はユーザーに通知の許可を求める。ホストからの明示的な
// 操作でのみ呼び出し、イベント処理中には呼び出さない。確認は1セッション1回に
// 限られ、2回目以降は直近の状態を返す。許可か拒否の回答を得た場合のみ
// マーカーを永続化する。エージェントとの通信に失敗した場合は未確認に戻す。
func (g *Gate) RequestPermission(ctx context.Context) (State, error) {
	if !g.Supported() || !g.secure {
		return StateUnsupported, nil
	}

	g.mu.Lock()
	if g.asked {
		state := g.state
		g.mu.Unlock()
		return state, nil
	}
	g.asked = true
	g.mu.Unlock()

	state, err := g.agent.RequestPermission(ctx, g.userID)
	if err != nil {
		g.logger.Warn("通知許可の要求に失敗", "user_id", g.userID, "error", err)
		g.mu.Lock()
		g.asked = false
		state = g.state
		g.mu.Unlock()
		return state, err
	}

	g.mu.Lock()
	g.state = state
	g.mu.Unlock()

	if state != StateGranted && state != StateDenied {
		return state, nil
	}
	if perr := g.kv.Put(ctx, storage.Key(storage.NamespacePermissionAsked, g.userID), []byte(state)); perr != nil {
		g.logger.Warn("通知許可マーカーの保存に失敗", "user_id", g.userID, "error", perr)
	}
	return state, nil
}

// Sync はユーザーに確認せずにエージェントから許可状態を取り直す。
// エージェント側で設定が変更された場合に反映するために使う。
func (g *Gate) Sync(ctx context.Context) State {
	if !g.Supported() || !g.secure {
		return StateUnsupported
	}
	state, err := g.agent.Permission(ctx, g.userID)
	if err != nil {
		g.logger.Debug("通知許可状態の取得に失敗", "user_id", g.userID, "error", err)
		return g.State()
	}
	g.mu.Lock()
	g.state = state
	g.mu.Unlock()
	return state
}

// Show は表示条件を満たす場合にOS通知を表示し、表示したかを返す。
// 失敗はログに残すのみで呼び出し側には返さない。
func (g *Gate) Show(ctx context.Context, focused bool, n Notification) bool {
	if !g.CanShowNow(focused) {
		return false
	}
	if !g.limiter.Allow() {
		g.logger.Debug("OS通知の頻度制限により省略", "user_id", g.userID, "title", n.Title)
		return false
	}
	n.UserID = g.userID
	if err := g.agent.Notify(ctx, n); err != nil {
		g.logger.Warn("OS通知の表示に失敗", "user_id", g.userID, "error", err)
		return false
	}
	return true
}
