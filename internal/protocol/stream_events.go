// stream_events.go: 推送流事件类型与 payload 结构。
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/multi-agent/chat-timeline/pkg/util"
)

// EventType 推送流事件类型标签。
type EventType string

const (
	EventMetaStart         EventType = "meta.start"
	EventAssistantDelta    EventType = "assistant.delta"
	EventReasoningDelta    EventType = "assistant.reasoning.delta"
	EventProducts          EventType = "assistant.products"
	EventTodos             EventType = "assistant.todos"
	EventFinal             EventType = "assistant.final"
	EventToolStart         EventType = "tool.start"
	EventToolEnd           EventType = "tool.end"
	EventLLMCallStart      EventType = "llm.call.start"
	EventLLMCallEnd        EventType = "llm.call.end"
	EventContextSummarized EventType = "context.summarized"

	EventMemoryExtractionStart    EventType = "memory.extraction.start"
	EventMemoryExtractionComplete EventType = "memory.extraction.complete"
	EventMemoryProfileUpdated     EventType = "memory.profile.updated"

	EventAgentRouted   EventType = "agent.routed"
	EventAgentHandoff  EventType = "agent.handoff"
	EventAgentComplete EventType = "agent.complete"

	EventSkillActivated EventType = "skill.activated"
	EventSkillLoaded    EventType = "skill.loaded"

	EventError EventType = "error"
)

// supportPrefix support.* 为开放命名空间, 按前缀识别。
const supportPrefix = "support."

// SideFamily 侧事件族, 决定其在时间线上的落点类型。
type SideFamily string

const (
	SideNone    SideFamily = ""
	SideMemory  SideFamily = "memory"
	SideSupport SideFamily = "support"
	SideAgent   SideFamily = "agent"
	SideSkill   SideFamily = "skill"
)

// SideFamilyOf 返回侧事件族; 非侧事件返回 SideNone。
func SideFamilyOf(t EventType) SideFamily {
	switch t {
	case EventMemoryExtractionStart, EventMemoryExtractionComplete, EventMemoryProfileUpdated:
		return SideMemory
	case EventAgentRouted, EventAgentHandoff, EventAgentComplete:
		return SideAgent
	case EventSkillActivated, EventSkillLoaded:
		return SideSkill
	}
	if strings.HasPrefix(string(t), supportPrefix) && len(t) > len(supportPrefix) {
		return SideSupport
	}
	return SideNone
}

// ========================================
// Payload 结构
// ========================================

// MetaStartData 一轮流的起始元信息。TurnID 为服务端权威 turn id。
type MetaStartData struct {
	TurnID    string `json:"turn_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

// TextDeltaData 推理/正文增量。
type TextDeltaData struct {
	Delta  string `json:"delta"`
	CallID string `json:"call_id,omitempty"`
}

// Product 商品卡片。
type Product struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Currency string  `json:"currency,omitempty"`
	URL      string  `json:"url,omitempty"`
	ImageURL string  `json:"image_url,omitempty"`
}

// ProductsData assistant.products。
type ProductsData struct {
	Products []Product `json:"products"`
	CallID   string    `json:"call_id,omitempty"`
}

// Todo 待办条目。
type Todo struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
}

// TodosData assistant.todos (整表快照)。
type TodosData struct {
	Todos  []Todo `json:"todos"`
	CallID string `json:"call_id,omitempty"`
}

// ContextSummarizedData context.summarized。
type ContextSummarizedData struct {
	Summary      string `json:"summary,omitempty"`
	TokensBefore int    `json:"tokens_before,omitempty"`
	TokensAfter  int    `json:"tokens_after,omitempty"`
	CallID       string `json:"call_id,omitempty"`
}

// CallStartData llm.call.start / tool.start。
type CallStartData struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name,omitempty"`
	Label  string          `json:"label,omitempty"`
	Model  string          `json:"model,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// CallEndData llm.call.end / tool.end。Error 非空即视为失败。
type CallEndData struct {
	CallID    string          `json:"call_id,omitempty"`
	ElapsedMS *int64          `json:"elapsed_ms,omitempty"`
	Error     ErrorText       `json:"error,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// ErrorText 兼容 "error": "text" 与 "error": {"message": "text"} 两种写法。
type ErrorText string

// UnmarshalJSON 实现 json.Unmarshaler。
func (e *ErrorText) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")), bytes.Equal(raw, []byte("false")):
		*e = ""
		return nil
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*e = ErrorText(s)
		return nil
	case raw[0] == '{':
		var obj struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return err
		}
		*e = ErrorText(util.FirstNonEmpty(obj.Message, obj.Code, "error"))
		return nil
	default:
		// true / 数字等: 仅表示"出错", 无文本
		*e = "error"
		return nil
	}
}

// FinalData assistant.final, Content 为权威全文。
type FinalData struct {
	Content   string `json:"content"`
	MessageID string `json:"message_id,omitempty"`
}

// ErrorData error 事件。
type ErrorData struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// SideEventData memory.* / support.* / agent.* / skill.* 的通用 payload。
type SideEventData struct {
	Message string         `json:"-"`
	Fields  map[string]any `json:"-"`
}

// UnmarshalJSON 保留全部字段, 并挑出可展示的 Message。
func (d *SideEventData) UnmarshalJSON(data []byte) error {
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	d.Fields = fields
	for _, key := range []string{"message", "text", "title", "summary", "name", "skill", "agent"} {
		if s, ok := fields[key].(string); ok && strings.TrimSpace(s) != "" {
			d.Message = strings.TrimSpace(s)
			return nil
		}
	}
	return nil
}

// MarshalJSON 输出原始字段。
func (d SideEventData) MarshalJSON() ([]byte, error) {
	if d.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.Fields)
}
