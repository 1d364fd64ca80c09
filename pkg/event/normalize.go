package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// PreviewLimit は本文プレビューの最大文字数（ルーン数）。
const PreviewLimit = 80

// ErrUnknownType は認識できないイベント種別を受け取ったことを表す。
var ErrUnknownType = errors.New("未知のイベント種別")

// Envelope はスキーマを持たないイベントペイロード。
type Envelope map[string]any

// 各論理属性について試行するペイロード上のパス（優先順）。
var (
	conversationIDPaths = []string{"conversation_id", "conversationId", "message.conversation_id", "message.conversationId", "conversation.id", "chat_id"}
	senderIDPaths       = []string{"sender_id", "senderId", "message.sender_id", "message.senderId", "sender.id", "user_id", "message.user_id"}
	messageIDPaths      = []string{"message_id", "messageId", "message.id", "id"}
	itemIDPaths         = []string{"item_id", "itemId", "item.id", "request_item_id"}
	requestIDPaths      = []string{"request_id", "requestId", "request.id"}
	bodyPaths           = []string{"body", "text", "content", "message.body", "message.text", "message.content", "preview"}
	titlePaths          = []string{"title", "conversation_title", "conversation.title", "request.title", "product.name", "name"}
	timestampPaths      = []string{"created_at", "createdAt", "timestamp", "message.created_at", "message.createdAt", "updated_at"}
	statusIDPaths       = []string{"request_status_id", "status_id", "statusId", "status.id", "item.status_id"}
	changedByPaths      = []string{"changed_by", "changedBy", "updated_by", "actor_id"}
	requestOwnerPaths   = []string{"request.created_by", "request.createdBy", "request_created_by", "request_owner_id"}
	actorIDPaths        = []string{"created_by", "createdBy", "actor_id", "request.created_by", "user_id"}
	productIDPaths      = []string{"product_id", "productId", "product.id", "id"}
	productNamePaths    = []string{"product.name", "product_name", "name", "title"}
	flagNamePaths       = []string{"flag", "flag_name", "field"}
	flagValuePaths      = []string{"value", "enabled", "flag_value"}
)

// Decode はJSONを Envelope にデコードする。
// 不正なJSONやオブジェクト以外の値は空の Envelope として扱う。
func Decode(data []byte) Envelope {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env map[string]any
	if err := dec.Decode(&env); err != nil || env == nil {
		return Envelope{}
	}
	return Envelope(env)
}

// lookup はドット区切りのパスで値を取り出す。
func (e Envelope) lookup(path string) (any, bool) {
	var cur any = map[string]any(e)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// Int は候補パスを順に試し、最初に非負整数へ変換できた値を返す。
// どのパスも変換できなければ0を返す。
func (e Envelope) Int(paths ...string) int64 {
	for _, p := range paths {
		v, ok := e.lookup(p)
		if !ok {
			continue
		}
		if n, ok := toInt(v); ok {
			return n
		}
	}
	return 0
}

// String は候補パスを順に試し、最初に空でない文字列へ変換できた値を返す。
func (e Envelope) String(paths ...string) string {
	for _, p := range paths {
		v, ok := e.lookup(p)
		if !ok {
			continue
		}
		if s, ok := toString(v); ok {
			return s
		}
	}
	return ""
}

// Bool は候補パスを順に試し、最初に真偽値へ変換できた値を返す。
func (e Envelope) Bool(paths ...string) bool {
	for _, p := range paths {
		v, ok := e.lookup(p)
		if !ok {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return parsed
			}
		case json.Number:
			if n, ok := toInt(b); ok {
				return n != 0
			}
		}
	}
	return false
}

// lookupTime は候補パスを順に試し、RFC3339文字列またはUNIX時刻を解釈する。
// 1つも解釈できなければ ok=false を返す。
func (e Envelope) lookupTime(paths ...string) (time.Time, bool) {
	for _, p := range paths {
		v, ok := e.lookup(p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t)); err == nil {
				return parsed.UTC(), true
			}
		case json.Number:
			if n, ok := toInt(t); ok && n > 0 {
				// 1e12以上はミリ秒とみなす
				if n >= 1_000_000_000_000 {
					return time.UnixMilli(n).UTC(), true
				}
				return time.Unix(n, 0).UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// toInt は値を有限の非負整数へ変換する。
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, i >= 0
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case float64:
		return floatToInt(n)
	case int:
		return int64(n), n >= 0
	case int64:
		return n, n >= 0
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, i >= 0
		}
		return 0, false
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f != math.Trunc(f) || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// toString は文字列・数値を空でない文字列へ変換する。
func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		s = strings.TrimSpace(s)
		return s, s != ""
	case json.Number:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return "", false
	}
}

// Preview は本文を前後の空白を除いた最大 PreviewLimit 文字に切り詰める。
func Preview(body string) string {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= PreviewLimit {
		return body
	}
	runes := []rune(body)
	return strings.TrimSpace(string(runes[:PreviewLimit]))
}

// record はペイロードから共通の識別情報を抽出する。
func (e Envelope) record(now time.Time) Record {
	at, hasTimestamp := e.lookupTime(timestampPaths...)
	if !hasTimestamp {
		at = now.UTC()
	}
	return Record{
		ConversationID: e.Int(conversationIDPaths...),
		SenderID:       e.Int(senderIDPaths...),
		MessageID:      e.String(messageIDPaths...),
		ItemID:         e.Int(itemIDPaths...),
		RequestID:      e.Int(requestIDPaths...),
		BodyPreview:    Preview(e.String(bodyPaths...)),
		Title:          e.String(titlePaths...),
		Timestamp:      at.Format(time.RFC3339),
		HasTimestamp:   hasTimestamp,
	}
}

// Normalize は受信ペイロードを種別ごとの厳密な Event に変換する。
// 不正なペイロードでもパニックせず、取り出せなかった識別子は0になる。
// 識別子の欠落はエラーではなく、呼び出し側がイベントを無視する条件として扱う。
func Normalize(t Type, data []byte, now time.Time) (Event, error) {
	env := Decode(data)
	rec := env.record(now)

	switch t {
	case TypeMessageNew:
		return MessageNew{Record: rec}, nil
	case TypeConversationNew:
		// conversation:new では id が会話IDを指すことがある
		if rec.ConversationID == 0 {
			rec.ConversationID = env.Int("id")
		}
		return ConversationNew{Record: rec}, nil
	case TypeRequestCreated:
		if rec.RequestID == 0 {
			rec.RequestID = env.Int("id")
		}
		return RequestCreated{
			Record:  rec,
			ActorID: env.Int(actorIDPaths...),
		}, nil
	case TypeRequestItemChanged:
		return RequestItemChanged{
			Record:           rec,
			StatusID:         env.Int(statusIDPaths...),
			ChangedBy:        env.Int(changedByPaths...),
			RequestCreatedBy: env.Int(requestOwnerPaths...),
		}, nil
	case TypeProductCreated:
		return ProductCreated{
			Record:    rec,
			ProductID: env.Int(productIDPaths...),
			Name:      env.String(productNamePaths...),
		}, nil
	case TypeProductUpdated:
		return ProductUpdated{
			Record:    rec,
			ProductID: env.Int(productIDPaths...),
			Name:      env.String(productNamePaths...),
		}, nil
	case TypeProductFlagChanged:
		return ProductFlagChanged{
			Record:    rec,
			ProductID: env.Int(productIDPaths...),
			Flag:      env.String(flagNamePaths...),
			Value:     env.Bool(flagValuePaths...),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}
