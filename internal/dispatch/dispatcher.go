// Package dispatch は正規化済みイベントを種別ごとに判定し、トーストとOS通知を出す。
//
// 処理順は「識別子の確認 → 重複判定 → 可視性判定 → 未読数の更新 → トースト →
// OS通知」で固定する。どの段階で破棄されても呼び出し側にエラーは返さず、
// 結果を Outcome として返す。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/matreq/internal/access"
	"github.com/nao1215/matreq/internal/conversation"
	"github.com/nao1215/matreq/internal/dedup"
	"github.com/nao1215/matreq/internal/platform"
	"github.com/nao1215/matreq/pkg/event"
)

// Outcome はイベント処理の結果。
type Outcome string

const (
	// OutcomeToasted はトーストを出した。
	OutcomeToasted Outcome = "toasted"
	// OutcomeIgnored は必須の識別子が無いため無視した。
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDuplicate は重複配信として破棄した。
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSelf は自分自身の操作のため破棄した。
	OutcomeSelf Outcome = "self"
	// OutcomeActive は表示中の会話のため破棄した。
	OutcomeActive Outcome = "active"
	// OutcomeNoAccess は会話にアクセスできないため破棄した。
	OutcomeNoAccess Outcome = "no_access"
	// OutcomeNotInvolved は当事者でないため破棄した。
	OutcomeNotInvolved Outcome = "not_involved"
	// OutcomeSilent は一覧を再取得したが新たに見える会話が無かった。
	OutcomeSilent Outcome = "silent"
	// OutcomeDisabled は判定のみ行い、通知の出力を無効にしている。
	OutcomeDisabled Outcome = "disabled"
	// OutcomeFailed は一覧の再取得またはトーストの出力に失敗した。
	OutcomeFailed Outcome = "failed"
)

// Directory は会話一覧キャッシュの操作を表す。
type Directory interface {
	Reload(ctx context.Context) ([]int64, error)
	Bump(id int64, at time.Time) bool
	Get(id int64) (conversation.Summary, bool)
	Known() access.IDSet
}

// Unread は未読数の加算を表す。
type Unread interface {
	Increment(ctx context.Context, conversationID int64) (int, error)
}

// Platform はOS通知の表示を表す。
type Platform interface {
	Show(ctx context.Context, focused bool, n platform.Notification) bool
}

// Presence はホストUIの表示状態（表示中の会話とフォーカス）を保持する。
type Presence struct {
	// active は表示中の会話ID。0なら無し。
	active atomic.Int64
	// unfocused はフォーカスが外れているかどうか。ゼロ値はフォーカス中。
	unfocused atomic.Bool
}

// SetActive は表示中の会話IDを設定し、直前の値を返す。
func (p *Presence) SetActive(id int64) int64 { return p.active.Swap(id) }

// Active は表示中の会話IDを返す。
func (p *Presence) Active() int64 { return p.active.Load() }

// SetFocused はフォーカス状態を設定する。
func (p *Presence) SetFocused(focused bool) { p.unfocused.Store(!focused) }

// Focused はフォーカス中かどうかを返す。
func (p *Presence) Focused() bool { return !p.unfocused.Load() }

// Config は Dispatcher の依存関係。
type Config struct {
	// Dedup は重複判定ストア。
	Dedup *dedup.Store
	// Permission は現在のユーザーの権限情報。
	Permission access.Permission
	// Directory は会話一覧キャッシュ。
	Directory Directory
	// Unread は未読数カウンタ。
	Unread Unread
	// Sink はトーストの出力先。
	Sink ToastSink
	// Platform はOS通知。nil なら出さない。
	Platform Platform
	// Presence はホストUIの表示状態。nil なら新規に生成する。
	Presence *Presence
	// Metrics は処理結果のカウンタ。nil なら計測しない。
	Metrics *Metrics
	// Logger はログ出力先。
	Logger *slog.Logger
	// Now は現在時刻を返す関数。
	Now func() time.Time
}

// Dispatcher はイベント種別ごとの通知判定を行う。
type Dispatcher struct {
	dedup    *dedup.Store
	perm     access.Permission
	dir      Directory
	unread   Unread
	sink     ToastSink
	platform Platform
	presence *Presence
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New は新しい Dispatcher を生成する。
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		dedup:    cfg.Dedup,
		perm:     cfg.Permission,
		dir:      cfg.Directory,
		unread:   cfg.Unread,
		sink:     cfg.Sink,
		platform: cfg.Platform,
		presence: cfg.Presence,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if d.dedup == nil {
		d.dedup = dedup.New()
	}
	if d.presence == nil {
		d.presence = &Presence{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Presence は表示状態を返す。
func (d *Dispatcher) Presence() *Presence {
	return d.presence
}

// Dispatch はイベントを判定し、必要ならトーストとOS通知を出す。
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) Outcome {
	var o Outcome
	switch e := ev.(type) {
	case event.MessageNew:
		o = d.messageNew(ctx, e)
	case event.ConversationNew:
		o = d.conversationNew(ctx, e)
	case event.RequestCreated:
		o = d.requestCreated(ctx, e)
	case event.RequestItemChanged:
		o = d.requestItemChanged(ctx, e)
	case event.ProductCreated:
		o = d.product(ctx, e.Type(), e.ProductID, e.Name, dedup.ExactKey(string(e.Type()), dedup.ID(e.ProductID)))
	case event.ProductUpdated:
		o = d.product(ctx, e.Type(), e.ProductID, e.Name, productUpdatedKey(e))
	case event.ProductFlagChanged:
		o = d.productFlagChanged(e)
	default:
		o = OutcomeIgnored
	}

	t := "unknown"
	if ev != nil {
		t = string(ev.Type())
	}
	d.metrics.observe(t, o)
	d.logger.Debug("イベントを処理", "type", t, "outcome", o, "user_id", d.perm.UserID)
	return o
}

// messageNew は message:new を処理する。
func (d *Dispatcher) messageNew(ctx context.Context, e event.MessageNew) Outcome {
	if e.ConversationID == 0 {
		return OutcomeIgnored
	}
	t := string(e.Type())
	exact := dedup.ExactKey(t, e.MessageID)
	if d.dedup.AcceptOnceAny(exact, dedup.ContentKey(t, e.ConversationID, e.SenderID, e.BodyPreview)) {
		return OutcomeDuplicate
	}

	d.dir.Bump(e.ConversationID, d.eventTime(e.Timestamp))

	if d.perm.IsSelf(e.SenderID) {
		return OutcomeSelf
	}
	if d.presence.Active() == e.ConversationID {
		return OutcomeActive
	}
	if !d.perm.CanAccess(e.ConversationID, d.dir.Known()) {
		return OutcomeNoAccess
	}

	if _, err := d.unread.Increment(ctx, e.ConversationID); err != nil {
		d.logger.Warn("未読数の更新に失敗", "conversation_id", e.ConversationID, "error", err)
	}

	title := "新着メッセージ"
	if s, ok := d.dir.Get(e.ConversationID); ok && s.Title != "" {
		title = "新着メッセージ: " + s.Title
	} else if e.Title != "" {
		title = "新着メッセージ: " + e.Title
	}
	body := e.BodyPreview
	if body == "" {
		body = "（本文なし）"
	}
	return d.emit(ctx, exact, Toast{
		EventType:      e.Type(),
		Severity:       SeverityInfo,
		Title:          title,
		Body:           body,
		ConversationID: e.ConversationID,
	})
}

// conversationNew は conversation:new を処理する。特権ロールは即座に通知して
// 一覧を全件再取得する。一般ユーザーは再取得の差分で新たに見えた会話のみ通知する。
func (d *Dispatcher) conversationNew(ctx context.Context, e event.ConversationNew) Outcome {
	if e.ConversationID == 0 {
		return OutcomeIgnored
	}
	exact := dedup.ExactKey(string(e.Type()), dedup.ID(e.ConversationID))
	if d.dedup.AcceptOnceAny(exact) {
		return OutcomeDuplicate
	}

	if d.perm.Privileged {
		o := d.emit(ctx, exact, Toast{
			EventType:      e.Type(),
			Severity:       SeverityInfo,
			Title:          "新しい会話",
			Body:           conversationLabel(e.ConversationID, e.Title),
			ConversationID: e.ConversationID,
		})
		if _, err := d.dir.Reload(ctx); err != nil && !errors.Is(err, conversation.ErrSuperseded) {
			d.logger.Warn("会話一覧の再取得に失敗", "error", err)
		}
		return o
	}

	added, err := d.dir.Reload(ctx)
	if errors.Is(err, conversation.ErrSuperseded) {
		return OutcomeSilent
	}
	if err != nil {
		d.logger.Warn("会話一覧の再取得に失敗", "error", err)
		return OutcomeFailed
	}
	if len(added) == 0 {
		return OutcomeSilent
	}

	o := OutcomeSilent
	for _, id := range added {
		title := ""
		if s, ok := d.dir.Get(id); ok {
			title = s.Title
		} else if id == e.ConversationID {
			title = e.Title
		}
		tag := dedup.ExactKey(string(e.Type()), dedup.ID(id))
		if r := d.emit(ctx, tag, Toast{
			EventType:      e.Type(),
			Severity:       SeverityInfo,
			Title:          "新しい会話",
			Body:           conversationLabel(id, title),
			ConversationID: id,
		}); r == OutcomeToasted || o == OutcomeSilent {
			o = r
		}
	}
	return o
}

// requestCreated は request:created を処理する。一般ユーザーは自分が作成した申請のみ通知する。
func (d *Dispatcher) requestCreated(ctx context.Context, e event.RequestCreated) Outcome {
	t := string(e.Type())
	exact := dedup.ExactKey(t, dedup.ID(e.RequestID))
	sig := dedup.CompositeKey(t, e.ActorID, e.ConversationID)
	if sig != "" {
		sig += ":" + e.Title
	}
	if d.dedup.AcceptOnceAny(exact, sig) {
		return OutcomeDuplicate
	}
	if !d.perm.Privileged && !d.perm.IsSelf(e.ActorID) {
		return OutcomeNotInvolved
	}
	tag := exact
	if tag == "" {
		tag = sig
	}
	return d.emit(ctx, tag, Toast{
		EventType:      e.Type(),
		Severity:       SeveritySuccess,
		Title:          "申請が作成されました",
		Body:           requestLabel(e.RequestID, e.Title),
		ConversationID: e.ConversationID,
		RequestID:      e.RequestID,
	})
}

// requestItemChanged は request:item_changed を処理する。審査中・作成済みへの
// 遷移は全員に通知し、それ以外は変更者と申請作成者のみに通知する。
func (d *Dispatcher) requestItemChanged(ctx context.Context, e event.RequestItemChanged) Outcome {
	t := string(e.Type())
	exact := dedup.ExactKey(t, dedup.ID(e.ItemID), dedup.ID(e.StatusID))
	sig := dedup.CompositeKey(t, e.RequestID, e.ItemID, e.StatusID, e.ChangedBy)
	if d.dedup.AcceptOnceAny(exact, sig) {
		return OutcomeDuplicate
	}

	broad := e.StatusID == StatusInReview || e.StatusID == StatusCreated
	if !broad && !d.perm.IsSelf(e.ChangedBy) && !d.perm.IsSelf(e.RequestCreatedBy) {
		return OutcomeNotInvolved
	}

	label, severity := statusTone(e.StatusID)
	body := requestLabel(e.RequestID, e.Title)
	if e.ItemID != 0 {
		body += fmt.Sprintf(" 明細 #%d", e.ItemID)
	}
	tag := exact
	if tag == "" {
		tag = sig
	}
	return d.emit(ctx, tag, Toast{
		EventType:      e.Type(),
		Severity:       severity,
		Title:          "申請明細が" + label + "になりました",
		Body:           body,
		ConversationID: e.ConversationID,
		RequestID:      e.RequestID,
	})
}

// product は product:created / product:updated を処理する。所有者による絞り込みは行わない。
func (d *Dispatcher) product(ctx context.Context, t event.Type, productID int64, name, key string) Outcome {
	if productID == 0 {
		return OutcomeIgnored
	}
	if d.dedup.AcceptOnceAny(key) {
		return OutcomeDuplicate
	}
	title := "製品が登録されました"
	if t == event.TypeProductUpdated {
		title = "製品が更新されました"
	}
	body := fmt.Sprintf("製品 #%d", productID)
	if name != "" {
		body += " " + name
	}
	return d.emit(ctx, key, Toast{
		EventType: t,
		Severity:  SeverityInfo,
		Title:     title,
		Body:      body,
		ProductID: productID,
	})
}

// productUpdatedKey は product:updated の指紋を返す。発生日時がペイロードに
// 無い場合は受信時刻に左右されないよう製品IDのみで判定する。
func productUpdatedKey(e event.ProductUpdated) string {
	t := string(e.Type())
	if !e.HasTimestamp {
		return dedup.ExactKey(t, dedup.ID(e.ProductID))
	}
	return dedup.ExactKey(t, dedup.ID(e.ProductID), e.Timestamp)
}

// productFlagChanged は product:flag_changed の重複判定のみ行う。通知の出力は無効にしている。
func (d *Dispatcher) productFlagChanged(e event.ProductFlagChanged) Outcome {
	if e.ProductID == 0 {
		return OutcomeIgnored
	}
	key := dedup.ExactKey(string(e.Type()), dedup.ID(e.ProductID), e.Flag+"="+strconv.FormatBool(e.Value))
	if d.dedup.AcceptOnceAny(key) {
		return OutcomeDuplicate
	}
	return OutcomeDisabled
}

// emit はトーストを出力し、続けてOS通知を試みる。OS通知の成否は結果に影響しない。
func (d *Dispatcher) emit(ctx context.Context, tag string, t Toast) Outcome {
	t.ID = uuid.NewString()
	t.ProfileID = d.perm.UserID
	t.CreatedAt = d.now().UTC()

	o := OutcomeToasted
	if err := d.sink.Emit(ctx, t); err != nil {
		d.logger.Warn("トーストの出力に失敗", "type", t.EventType, "error", err)
		o = OutcomeFailed
	}

	if d.platform != nil {
		d.platform.Show(ctx, d.presence.Focused(), platform.Notification{
			Title: t.Title,
			Body:  t.Body,
			Tag:   tag,
		})
	}
	return o
}

// eventTime はイベントの日時を解析する。解析できなければ現在時刻を使う。
func (d *Dispatcher) eventTime(ts string) time.Time {
	if at, err := time.Parse(time.RFC3339, ts); err == nil {
		return at
	}
	return d.now()
}

func conversationLabel(id int64, title string) string {
	if title == "" {
		return fmt.Sprintf("会話 #%d", id)
	}
	return fmt.Sprintf("会話 #%d %s", id, title)
}

func requestLabel(id int64, title string) string {
	label := "申請"
	if id != 0 {
		label = fmt.Sprintf("申請 #%d", id)
	}
	if title != "" {
		label += " " + title
	}
	return label
}
