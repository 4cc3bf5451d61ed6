// Package protocol 定义两条通道的线协议: SSE 推送流信封与 handoff websocket 信封。
//
// 职责仅限于解码 + 校验 + 类型标注 (Envelope Decoder); 任何时间线语义都在 uistate 中。
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Version 当前支持的协议版本 (两条通道共用)。
const Version = 1

// Timestamp 兼容两种线上表示: epoch 毫秒数字, 或 RFC3339 字符串。
// 序列化统一输出 epoch 毫秒; 零值输出 0。
type Timestamp struct {
	time.Time
}

// TimestampOf 包装 time.Time。
func TimestampOf(t time.Time) Timestamp { return Timestamp{Time: t} }

// UnmarshalJSON 实现 json.Unmarshaler。
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		t.Time = parsed.UTC()
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return err
	}
	if ms, err := num.Int64(); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	f, err := num.Float64()
	if err != nil {
		return err
	}
	t.Time = time.UnixMilli(int64(f)).UTC()
	return nil
}

// MarshalJSON 实现 json.Marshaler。
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

// StreamEnvelope SSE 推送流的线上信封。
type StreamEnvelope struct {
	V              int             `json:"v"`
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	Ts             Timestamp       `json:"ts"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id,omitempty"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// StreamEvent 解码并校验后的推送流事件, Data 为 Type 对应的类型化 payload。
//
// SyntheticID 表示 ID 由 type+seq 合成; seq 每条流重新计数, 这类 id 只在一轮内唯一。
type StreamEvent struct {
	ID             string
	SyntheticID    bool
	Seq            int64
	Ts             time.Time
	ConversationID string
	MessageID      string
	Type           EventType
	Data           any
}

// SocketEnvelope handoff websocket 的线上信封 (双向共用)。
type SocketEnvelope struct {
	V              int             `json:"v"`
	ID             string          `json:"id"`
	Ts             Timestamp       `json:"ts"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

// SocketEvent 解码并校验后的 websocket 事件。
type SocketEvent struct {
	ID             string
	Ts             time.Time
	Action         Action
	ConversationID string
	Data           any
}
