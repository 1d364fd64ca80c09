package event

import (
	"encoding/json"
)

// Type はリアルタイムチャネルで流れるイベントの種類を表す。
// 値はバックエンドとのワイヤ契約であり、変更してはならない。
type Type string

const (
	// TypeMessageNew は会話に新しいメッセージが投稿されたことを表す。
	TypeMessageNew Type = "message:new"
	// TypeConversationNew は新しい会話が作成されたことを表す。
	TypeConversationNew Type = "conversation:new"
	// TypeRequestCreated は申請が作成されたことを表す。
	TypeRequestCreated Type = "request:created"
	// TypeRequestItemChanged は申請明細のステータスが変化したことを表す。
	TypeRequestItemChanged Type = "request:item_changed"
	// TypeProductCreated はカタログ製品が作成されたことを表す。
	TypeProductCreated Type = "product:created"
	// TypeProductUpdated はカタログ製品が更新されたことを表す。
	TypeProductUpdated Type = "product:updated"
	// TypeProductFlagChanged はカタログ製品のフラグが変化したことを表す。
	TypeProductFlagChanged Type = "product:flag_changed"

	// TypeConversationJoin は会話ルームへの参加を要求する送信用イベント。
	TypeConversationJoin Type = "conversation:join"
	// TypeConversationLeave は会話ルームからの退出を要求する送信用イベント。
	TypeConversationLeave Type = "conversation:leave"
)

// Inbound は受信側で認識するイベントの種類を列挙する。
func Inbound() []Type {
	return []Type{
		TypeMessageNew,
		TypeConversationNew,
		TypeRequestCreated,
		TypeRequestItemChanged,
		TypeProductCreated,
		TypeProductUpdated,
		TypeProductFlagChanged,
	}
}

// IsInbound は受信イベントとして認識される種類かどうかを返す。
func (t Type) IsInbound() bool {
	for _, in := range Inbound() {
		if in == t {
			return true
		}
	}
	return false
}

// Frame はリアルタイムチャネル上の1フレームを表す。
type Frame struct {
	// Event はイベントの種類。
	Event Type `json:"event"`
	// Data はイベント固有のペイロード（形は送信元に依存する）。
	Data json.RawMessage `json:"data"`
}

// ControlData は conversation:join / conversation:leave のペイロード。
type ControlData struct {
	// ConversationID は対象の会話ID。
	ConversationID int64 `json:"conversation_id"`
}

// Record は正規化済みの識別情報。値が取れなかったフィールドは0または空文字列になる。
type Record struct {
	// ConversationID は会話ID。
	ConversationID int64
	// SenderID は送信者のユーザーID。
	SenderID int64
	// MessageID はメッセージID。
	MessageID string
	// ItemID は申請明細ID。
	ItemID int64
	// RequestID は申請ID。
	RequestID int64
	// BodyPreview は本文のプレビュー（前後の空白を除き最大80文字）。
	BodyPreview string
	// Title は会話・申請・製品のタイトル。
	Title string
	// Timestamp はイベント発生日時（RFC3339形式）。ペイロードに無ければ受信時刻。
	Timestamp string
	// HasTimestamp は Timestamp がペイロードから取れたかどうか。
	HasTimestamp bool
}

// Event は正規化済みイベントの判別共用体。
// 具体型は下記の各構造体のいずれかであり、種類ごとに厳密なフィールドを持つ。
type Event interface {
	// Type はイベントの種類を返す。
	Type() Type
	// Common は共通の識別情報を返す。
	Common() Record
}

// MessageNew は message:new イベント。
type MessageNew struct {
	Record
}

// ConversationNew は conversation:new イベント。
type ConversationNew struct {
	Record
}

// RequestCreated は request:created イベント。
type RequestCreated struct {
	Record
	// ActorID は申請を作成したユーザーのID。
	ActorID int64
}

// RequestItemChanged は request:item_changed イベント。
type RequestItemChanged struct {
	Record
	// StatusID は遷移後の申請ステータス。
	StatusID int64
	// ChangedBy は変更を行ったユーザーのID。
	ChangedBy int64
	// RequestCreatedBy は元の申請の作成者ID。
	RequestCreatedBy int64
}

// ProductCreated は product:created イベント。
type ProductCreated struct {
	Record
	// ProductID は製品ID。
	ProductID int64
	// Name は製品名。
	Name string
}

// ProductUpdated は product:updated イベント。
type ProductUpdated struct {
	Record
	// ProductID は製品ID。
	ProductID int64
	// Name は製品名。
	Name string
}

// ProductFlagChanged は product:flag_changed イベント。
type ProductFlagChanged struct {
	Record
	// ProductID は製品ID。
	ProductID int64
	// Flag は変化したフラグ名。
	Flag string
	// Value は変化後の値。
	Value bool
}

func (MessageNew) Type() Type         { return TypeMessageNew }
func (ConversationNew) Type() Type    { return TypeConversationNew }
func (RequestCreated) Type() Type     { return TypeRequestCreated }
func (RequestItemChanged) Type() Type { return TypeRequestItemChanged }
func (ProductCreated) Type() Type     { return TypeProductCreated }
func (ProductUpdated) Type() Type     { return TypeProductUpdated }
func (ProductFlagChanged) Type() Type { return TypeProductFlagChanged }

func (e MessageNew) Common() Record         { return e.Record }
func (e ConversationNew) Common() Record    { return e.Record }
func (e RequestCreated) Common() Record     { return e.Record }
func (e RequestItemChanged) Common() Record { return e.Record }
func (e ProductCreated) Common() Record     { return e.Record }
func (e ProductUpdated) Common() Record     { return e.Record }
func (e ProductFlagChanged) Common() Record { return e.Record }
