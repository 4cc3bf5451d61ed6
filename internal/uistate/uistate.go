// uistate.go: 时间线类型常量与会话状态定义。
//
// Package uistate 把推送流事件与 handoff websocket 事件归并为一条有序、可增量更新的会话时间线。
// 所有状态转换都是纯函数: 输入旧 State, 返回新 State, 旧值保持不变 (结构共享)。
package uistate

import (
	"time"

	"github.com/multi-agent/chat-timeline/internal/protocol"
)

// ========================================
// 类型常量
// ========================================

// ItemKind 时间线顶层条目类型 (9 种)。
type ItemKind string

const (
	KindUserMessage  ItemKind = "user_message"
	KindLLMCall      ItemKind = "llm_call"
	KindToolCall     ItemKind = "tool_call"
	KindError        ItemKind = "error"
	KindFinal        ItemKind = "final"
	KindMemoryEvent  ItemKind = "memory_event"
	KindSupportEvent ItemKind = "support_event"
	KindGreeting     ItemKind = "greeting"
	KindWaiting      ItemKind = "waiting"
)

// ChildKind cluster / tool call 内部子条目类型。
type ChildKind string

const (
	ChildReasoning         ChildKind = "reasoning"
	ChildContent           ChildKind = "content"
	ChildProducts          ChildKind = "products"
	ChildTodos             ChildKind = "todos"
	ChildContextSummarized ChildKind = "context_summarized"
)

// Status cluster / tool call 状态。
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusEmpty   Status = "empty"
)

// Origin 条目来源。socket 生命周期操作不会命中 OriginStream 条目。
type Origin string

const (
	OriginStream  Origin = "stream"
	OriginSocket  Origin = "socket"
	OriginHistory Origin = "history"
	OriginLocal   Origin = "local"
)

// ========================================
// 条目结构
// ========================================

// TimelineItem is the unified render item for the conversation timeline.
// Kind 决定哪些字段有意义; 未用字段保持零值。
type TimelineItem struct {
	ID     string    `json:"id"`
	Kind   ItemKind  `json:"kind"`
	TurnID string    `json:"turnId,omitempty"`
	Ts     time.Time `json:"ts,omitzero"`
	Origin Origin    `json:"origin,omitempty"`

	// 文本类条目 (user / final / error / memory / support / greeting)
	Text            string              `json:"text,omitempty"`
	Sender          protocol.SenderType `json:"sender,omitempty"`
	SenderName      string              `json:"senderName,omitempty"`
	Images          []protocol.Image    `json:"images,omitempty"`
	ClientMessageID string              `json:"clientMessageId,omitempty"`
	Edited          bool                `json:"edited,omitempty"`
	Read            bool                `json:"read,omitempty"`
	Code            string              `json:"code,omitempty"`
	Event           string              `json:"event,omitempty"`
	Fields          map[string]any      `json:"fields,omitempty"`

	// cluster / tool call
	Status    Status             `json:"status,omitempty"`
	Model     string             `json:"model,omitempty"`
	Name      string             `json:"name,omitempty"`
	Label     string             `json:"label,omitempty"`
	StartedAt time.Time          `json:"startedAt,omitzero"`
	ElapsedMS *int64             `json:"elapsedMs,omitempty"`
	Error     string             `json:"error,omitempty"`
	Children  OrderedList[Child] `json:"children,omitzero"`
}

// Key 实现 Keyed。
func (it TimelineItem) Key() string { return it.ID }

// IsContainer 是否为带子条目的 cluster / tool call。
func (it TimelineItem) IsContainer() bool {
	return it.Kind == KindLLMCall || it.Kind == KindToolCall
}

// Child is a sub-item scoped to one cluster or tool call.
type Child struct {
	ID           string             `json:"id"`
	Kind         ChildKind          `json:"kind"`
	Ts           time.Time          `json:"ts,omitzero"`
	Text         string             `json:"text,omitempty"`
	Done         bool               `json:"done,omitempty"`
	Products     []protocol.Product `json:"products,omitempty"`
	Todos        []protocol.Todo    `json:"todos,omitempty"`
	TokensBefore int                `json:"tokensBefore,omitempty"`
	TokensAfter  int                `json:"tokensAfter,omitempty"`
}

// Key 实现 Keyed。
func (c Child) Key() string { return c.ID }

// ========================================
// 会话状态
// ========================================

// HandoffState handoff 通道的连接与会话状态。
type HandoffState struct {
	Role         protocol.Role        `json:"role"`
	Connection   protocol.ConnState   `json:"connection"`
	ConnectionID string               `json:"connectionId,omitempty"`
	Mode         protocol.HandoffMode `json:"mode,omitempty"`
	Operator     *protocol.Operator   `json:"operator,omitempty"`
	PeerOnline   bool                 `json:"peerOnline"`
	PeerLastSeen time.Time            `json:"peerLastSeen,omitzero"`
	PeerTyping   bool                 `json:"peerTyping,omitempty"`
	UnreadCount  int                  `json:"unreadCount"`
	LastError    string               `json:"lastError,omitempty"`
}

// State is one conversation view: timeline + turn coordinator + handoff state.
type State struct {
	ConversationID string                    `json:"conversationId"`
	Timeline       OrderedList[TimelineItem] `json:"timeline"`
	Turn           TurnState                 `json:"turn"`
	Handoff        HandoffState              `json:"handoff"`
	LastSeq        int64                     `json:"lastSeq"`
}

// NewState 创建空会话状态。role 为空时按 user 处理。
func NewState(conversationID string, role protocol.Role) State {
	if role == "" {
		role = protocol.RoleUser
	}
	return State{
		ConversationID: conversationID,
		Handoff: HandoffState{
			Role:       role,
			Connection: protocol.ConnDisconnected,
		},
	}
}

// Items 返回时间线条目副本。
func (s State) Items() []TimelineItem { return s.Timeline.Items() }
