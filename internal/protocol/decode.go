// decode.go: Envelope Decoder: 校验信封字段并按类型标签解码 payload。
//
// 约定: 解码失败只返回 *AppError (带 Code), 从不 panic;
// 上层 (stream / handoff) 记录日志后丢弃该事件, 流继续。
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
	"github.com/multi-agent/chat-timeline/pkg/logger"
	"github.com/multi-agent/chat-timeline/pkg/util"
)

type payloadDecoder func(raw json.RawMessage) (any, error)

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if isEmptyPayload(raw) {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var streamDecoders = map[EventType]payloadDecoder{
	EventMetaStart:         decodeAs[MetaStartData],
	EventAssistantDelta:    decodeAs[TextDeltaData],
	EventReasoningDelta:    decodeAs[TextDeltaData],
	EventProducts:          decodeAs[ProductsData],
	EventTodos:             decodeAs[TodosData],
	EventFinal:             decodeAs[FinalData],
	EventToolStart:         decodeAs[CallStartData],
	EventToolEnd:           decodeAs[CallEndData],
	EventLLMCallStart:      decodeAs[CallStartData],
	EventLLMCallEnd:        decodeAs[CallEndData],
	EventContextSummarized: decodeAs[ContextSummarizedData],
	EventError:             decodeAs[ErrorData],
}

var socketDecoders = map[Action]payloadDecoder{
	ActionPing:              decodeAs[PongData],
	ActionPong:              decodeAs[PongData],
	ActionAck:               decodeAs[AckData],
	ActionSystemError:       decodeAs[SystemErrorData],
	ActionConnected:         decodeAs[ConnectedData],
	ActionDisconnected:      decodeAs[DisconnectedData],
	ActionMessage:           decodeAs[ChatMessage],
	ActionTyping:            decodeAs[TypingData],
	ActionReadReceipt:       decodeAs[ReadReceiptData],
	ActionHandoffStarted:    decodeAs[HandoffStartedData],
	ActionHandoffEnded:      decodeAs[HandoffEndedData],
	ActionUserOnline:        decodeAs[PresenceData],
	ActionUserOffline:       decodeAs[PresenceData],
	ActionAgentOnline:       decodeAs[PresenceData],
	ActionAgentOffline:      decodeAs[PresenceData],
	ActionConversationState: decodeAs[ConversationStateData],
	ActionMessageWithdrawn:  decodeAs[MessageWithdrawnData],
	ActionMessageEdited:     decodeAs[MessageEditedData],
	ActionMessagesDeleted:   decodeAs[MessagesDeletedData],
}

// KnownEventType 判断推送流类型标签是否可识别。
func KnownEventType(t EventType) bool {
	if _, ok := streamDecoders[t]; ok {
		return true
	}
	return SideFamilyOf(t) != SideNone
}

// DecodeStream 解码一条推送流事件。
func DecodeStream(data []byte) (StreamEvent, error) {
	const op = "protocol.DecodeStream"

	var env StreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return StreamEvent{}, apperrors.WithCode(err, op, apperrors.CodeMalformed, "invalid envelope json")
	}
	if env.V != Version {
		return StreamEvent{}, apperrors.WithCode(nil, op, apperrors.CodeUnsupportedVersion,
			fmt.Sprintf("unsupported protocol version %d", env.V))
	}
	typ := EventType(strings.TrimSpace(env.Type))
	if typ == "" {
		return StreamEvent{}, apperrors.WithCode(nil, op, apperrors.CodeMalformed, "missing type")
	}
	if env.Seq < 0 {
		return StreamEvent{}, apperrors.WithCode(nil, op, apperrors.CodeMalformed,
			fmt.Sprintf("negative seq %d", env.Seq))
	}
	decode, ok := streamDecoders[typ]
	if !ok {
		if SideFamilyOf(typ) == SideNone {
			return StreamEvent{}, apperrors.WithCode(nil, op, apperrors.CodeUnknownType,
				fmt.Sprintf("unknown event type %q", typ))
		}
		decode = decodeAs[SideEventData]
	}
	if !isObjectPayload(env.Payload) {
		return StreamEvent{}, apperrors.WithCode(nil, op, apperrors.CodeBadPayload,
			fmt.Sprintf("%s: payload must be an object", typ))
	}
	payload, err := decode(env.Payload)
	if err != nil {
		return StreamEvent{}, apperrors.WithCode(err, op, apperrors.CodeBadPayload, string(typ))
	}

	id := strings.TrimSpace(env.ID)
	synthetic := id == ""
	if synthetic {
		id = fmt.Sprintf("%s:%d", typ, env.Seq)
	}
	if start, ok := payload.(CallStartData); ok && strings.TrimSpace(start.CallID) == "" {
		start.CallID = id
		payload = start
	}

	return StreamEvent{
		ID:             id,
		SyntheticID:    synthetic,
		Seq:            env.Seq,
		Ts:             env.Ts.Time,
		ConversationID: strings.TrimSpace(env.ConversationID),
		MessageID:      strings.TrimSpace(env.MessageID),
		Type:           typ,
		Data:           payload,
	}, nil
}

// DecodeSocket 解码一条 websocket 事件。
func DecodeSocket(data []byte) (SocketEvent, error) {
	const op = "protocol.DecodeSocket"

	var env SocketEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return SocketEvent{}, apperrors.WithCode(err, op, apperrors.CodeMalformed, "invalid envelope json")
	}
	if env.V != Version {
		return SocketEvent{}, apperrors.WithCode(nil, op, apperrors.CodeUnsupportedVersion,
			fmt.Sprintf("unsupported protocol version %d", env.V))
	}
	action := Action(strings.TrimSpace(env.Action))
	if action == "" {
		return SocketEvent{}, apperrors.WithCode(nil, op, apperrors.CodeMalformed, "missing action")
	}
	decode, ok := socketDecoders[action]
	if !ok {
		return SocketEvent{}, apperrors.WithCode(nil, op, apperrors.CodeUnknownType,
			fmt.Sprintf("unknown action %q", action))
	}
	if !isObjectPayload(env.Payload) {
		return SocketEvent{}, apperrors.WithCode(nil, op, apperrors.CodeBadPayload,
			fmt.Sprintf("%s: payload must be an object", action))
	}
	payload, err := decode(env.Payload)
	if err != nil {
		return SocketEvent{}, apperrors.WithCode(err, op, apperrors.CodeBadPayload, string(action))
	}
	if err := validateSocketPayload(payload); err != nil {
		return SocketEvent{}, apperrors.WithCode(err, op, apperrors.CodeBadPayload, string(action))
	}

	id := strings.TrimSpace(env.ID)
	if id == "" {
		id = fmt.Sprintf("%s:%d", action, env.Ts.UnixMilli())
	}
	return SocketEvent{
		ID:             id,
		Ts:             env.Ts.Time,
		Action:         action,
		ConversationID: strings.TrimSpace(env.ConversationID),
		Data:           payload,
	}, nil
}

func validateSocketPayload(payload any) error {
	switch v := payload.(type) {
	case ChatMessage:
		if strings.TrimSpace(v.ID) == "" {
			return apperrors.ErrInvalidInput
		}
	case MessageWithdrawnData:
		if strings.TrimSpace(v.MessageID) == "" {
			return apperrors.ErrInvalidInput
		}
	case MessageEditedData:
		if strings.TrimSpace(v.MessageID) == "" {
			return apperrors.ErrInvalidInput
		}
	case ConnectedData:
		if v.HandoffState != "" && !v.HandoffState.Valid() {
			return apperrors.ErrInvalidInput
		}
	case ConversationStateData:
		if v.HandoffState != "" && !v.HandoffState.Valid() {
			return apperrors.ErrInvalidInput
		}
	}
	return nil
}

// EncodeClient 编码一条客户端 action, 返回帧字节与信封 id。
func EncodeClient(action Action, conversationID string, payload any, now time.Time) ([]byte, string, error) {
	const op = "protocol.EncodeClient"
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", apperrors.Wrap(err, op, "marshal payload")
	}
	id := uuid.NewString()
	frame, err := json.Marshal(SocketEnvelope{
		V:              Version,
		ID:             id,
		Ts:             TimestampOf(now),
		Action:         string(action),
		Payload:        raw,
		ConversationID: conversationID,
	})
	if err != nil {
		return nil, "", apperrors.Wrap(err, op, "marshal envelope")
	}
	return frame, id, nil
}

// ========================================
// Decoder: 带会话过滤与日志的解码入口
// ========================================

// Decoder 绑定会话 id; 解码失败或会话不匹配时记录 Warn 并返回 false。
type Decoder struct {
	ConversationID string
	Log            *slog.Logger
}

func (d Decoder) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return logger.Get()
}

// Stream 解码推送流事件; ok=false 表示事件应被丢弃。
func (d Decoder) Stream(data []byte) (StreamEvent, bool) {
	ev, err := DecodeStream(data)
	if err != nil {
		d.log().Warn("protocol: dropped stream event",
			logger.FieldConversationID, d.ConversationID,
			"code", apperrors.CodeOf(err),
			logger.FieldError, err,
			logger.FieldRaw, util.Truncate(string(data), 200),
		)
		return StreamEvent{}, false
	}
	if !d.sameConversation(ev.ConversationID) {
		d.log().Warn("protocol: dropped stream event for other conversation",
			logger.FieldConversationID, d.ConversationID,
			"event_conversation_id", ev.ConversationID,
			logger.FieldEventType, ev.Type,
			logger.FieldSeq, ev.Seq,
		)
		return StreamEvent{}, false
	}
	return ev, true
}

// Socket 解码 websocket 事件; ok=false 表示事件应被丢弃。
func (d Decoder) Socket(data []byte) (SocketEvent, bool) {
	ev, err := DecodeSocket(data)
	if err != nil {
		d.log().Warn("protocol: dropped socket event",
			logger.FieldConversationID, d.ConversationID,
			"code", apperrors.CodeOf(err),
			logger.FieldError, err,
			logger.FieldRaw, util.Truncate(string(data), 200),
		)
		return SocketEvent{}, false
	}
	if !d.sameConversation(ev.ConversationID) {
		d.log().Warn("protocol: dropped socket event for other conversation",
			logger.FieldConversationID, d.ConversationID,
			"event_conversation_id", ev.ConversationID,
			logger.FieldAction, ev.Action,
		)
		return SocketEvent{}, false
	}
	return ev, true
}

// 空会话 id 视为通配 (socket 信封的 conversation_id 可选)。
func (d Decoder) sameConversation(id string) bool {
	return d.ConversationID == "" || id == "" || id == d.ConversationID
}

func isEmptyPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isObjectPayload(raw json.RawMessage) bool {
	if isEmptyPayload(raw) {
		return true
	}
	return bytes.TrimSpace(raw)[0] == '{'
}
