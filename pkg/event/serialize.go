package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// NewControl は conversation:join / conversation:leave の送信フレームを生成する。
func NewControl(t Type, conversationID int64) (*Frame, error) {
	if t != TypeConversationJoin && t != TypeConversationLeave {
		return nil, fmt.Errorf("制御イベントではありません: %q", t)
	}
	jsonData, err := json.Marshal(ControlData{ConversationID: conversationID})
	if err != nil {
		return nil, fmt.Errorf("制御イベントのシリアライズに失敗: %w", err)
	}
	return &Frame{Event: t, Data: jsonData}, nil
}

// DecodeFrame は受信したJSONをフレームに変換する。
// {"event": ..., "data": {...}} 形式に加えて、種別がトップレベルまたは
// data 内の "type" に入ったフラットな形式も受け付ける。
func DecodeFrame(raw []byte) (*Frame, error) {
	var wire struct {
		Event Type            `json:"event"`
		Type  Type            `json:"type"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("フレームのデシリアライズに失敗: %w", err)
	}

	t := wire.Event
	if t == "" {
		t = wire.Type
	}
	data := wire.Data
	if len(data) == 0 || string(data) == "null" {
		// data が無ければメッセージ全体をペイロードとみなす
		data = json.RawMessage(raw)
	}
	if t == "" {
		t = Type(Decode(data).String("type", "event"))
	}
	if t == "" {
		return nil, fmt.Errorf("%w: 種別が指定されていません", ErrUnknownType)
	}

	return &Frame{Event: t, Data: data}, nil
}

// Normalize はフレームを正規化済みイベントに変換する。
func (f *Frame) Normalize(now time.Time) (Event, error) {
	return Normalize(f.Event, f.Data, now)
}
