// turn.go: Turn Coordinator: 当前轮次与当前调用归属的状态机。
//
//	Idle ──Begin──▶ Active(turnId) ──End/Clear──▶ Idle
//	Active 内: no-call | llm-call | tool-call
package uistate

// Phase 轮次阶段。
type Phase string

const (
	PhaseIdle   Phase = "idle"
	PhaseActive Phase = "active"
)

// CallOwner 数据事件的归属。
type CallOwner string

const (
	OwnerNone CallOwner = "no-call"
	OwnerLLM  CallOwner = "llm-call"
	OwnerTool CallOwner = "tool-call"
)

// TurnState is the per-conversation turn coordinator. 空字符串表示 null。
// CurrentLLMCallID 与 CurrentToolCallID 永远不会同时非空。
type TurnState struct {
	TurnID            string `json:"turnId,omitempty"`
	Provisional       bool   `json:"provisional,omitempty"`
	CurrentLLMCallID  string `json:"currentLlmCallId,omitempty"`
	CurrentToolCallID string `json:"currentToolCallId,omitempty"`
	IsStreaming       bool   `json:"isStreaming"`
}

// Phase 返回当前阶段。
func (t TurnState) Phase() Phase {
	if t.TurnID == "" {
		return PhaseIdle
	}
	return PhaseActive
}

// Owner 返回当前调用归属。
func (t TurnState) Owner() CallOwner {
	switch {
	case t.CurrentToolCallID != "":
		return OwnerTool
	case t.CurrentLLMCallID != "":
		return OwnerLLM
	default:
		return OwnerNone
	}
}

// CurrentCallID 返回当前调用 id (tool 优先)。
func (t TurnState) CurrentCallID() string {
	if t.CurrentToolCallID != "" {
		return t.CurrentToolCallID
	}
	return t.CurrentLLMCallID
}

// Begin Idle → Active。provisional 表示客户端临时 id, 待服务端确认。
func (t TurnState) Begin(turnID string, provisional bool) TurnState {
	return TurnState{TurnID: turnID, Provisional: provisional, IsStreaming: true}
}

// Confirm 以服务端权威 id 替换当前 turn id, 保留调用归属。
func (t TurnState) Confirm(turnID string) TurnState {
	t.TurnID = turnID
	t.Provisional = false
	t.IsStreaming = true
	return t
}

// StartLLMCall 标记 LLM 调用为当前调用。
func (t TurnState) StartLLMCall(callID string) TurnState {
	t.CurrentLLMCallID = callID
	t.CurrentToolCallID = ""
	return t
}

// StartToolCall 标记工具调用为当前调用。
func (t TurnState) StartToolCall(callID string) TurnState {
	t.CurrentToolCallID = callID
	t.CurrentLLMCallID = ""
	return t
}

// EndCall 清除与 callID 匹配的当前调用; callID 为空时全部清除。
func (t TurnState) EndCall(callID string) TurnState {
	if callID == "" || t.CurrentLLMCallID == callID {
		t.CurrentLLMCallID = ""
	}
	if callID == "" || t.CurrentToolCallID == callID {
		t.CurrentToolCallID = ""
	}
	return t
}

// End Active → Idle (轮次正常结束)。
func (t TurnState) End() TurnState { return TurnState{} }

// Clear Active → Idle (丢弃轮次)。
func (t TurnState) Clear() TurnState { return TurnState{} }
