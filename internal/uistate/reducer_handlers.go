// reducer_handlers.go: 按事件类型分派的推送流处理器。
package uistate

import (
	"strings"

	"github.com/multi-agent/chat-timeline/internal/protocol"
)

type streamHandler func(State, protocol.StreamEvent) State

var streamHandlers = map[protocol.EventType]streamHandler{
	protocol.EventMetaStart:         handleMetaStart,
	protocol.EventLLMCallStart:      handleLLMCallStart,
	protocol.EventLLMCallEnd:        handleLLMCallEnd,
	protocol.EventToolStart:         handleToolStart,
	protocol.EventToolEnd:           handleToolEnd,
	protocol.EventReasoningDelta:    handleReasoningDelta,
	protocol.EventAssistantDelta:    handleAssistantDelta,
	protocol.EventProducts:          handleProducts,
	protocol.EventTodos:             handleTodos,
	protocol.EventContextSummarized: handleContextSummarized,
	protocol.EventFinal:             handleFinal,
	protocol.EventError:             handleError,
}

// handleMetaStart 新轮次开始: 对齐 turn id, 插入 Waiting 占位。
func handleMetaStart(s State, ev protocol.StreamEvent) State {
	data, _ := ev.Data.(protocol.MetaStartData)
	serverID := strings.TrimSpace(data.TurnID)
	if serverID == "" {
		serverID = ev.MessageID
	}

	switch {
	case s.Turn.Provisional && serverID != "":
		s = ReconcileTurnID(s, s.Turn.TurnID, serverID)
	case s.Turn.Provisional:
		s.Turn = s.Turn.Confirm(s.Turn.TurnID)
	default:
		if serverID == "" && ev.SyntheticID {
			serverID = syntheticTurnID(s, ev)
		}
		if serverID == "" {
			serverID = ev.ID
		}
		if s.Turn.TurnID != "" && s.Turn.TurnID != serverID {
			s.Timeline = s.Timeline.Remove(waitingID(s.Turn.TurnID))
		}
		s.Turn = s.Turn.Begin(serverID, false)
	}

	if !s.Timeline.Has(waitingID(s.Turn.TurnID)) {
		s.Timeline = s.Timeline.Put(waitingItem(s.Turn.TurnID, ev.Ts))
	}
	return s
}

func handleLLMCallStart(s State, ev protocol.StreamEvent) State {
	data, ok := ev.Data.(protocol.CallStartData)
	if !ok || data.CallID == "" {
		return s
	}
	s.Timeline = s.Timeline.Remove(waitingID(s.Turn.TurnID))
	if !s.Timeline.Has(data.CallID) {
		s.Timeline = s.Timeline.Put(newCluster(data.CallID, s.Turn.TurnID, data, ev.Ts))
	}
	s.Turn = s.Turn.StartLLMCall(data.CallID)
	return s
}

func handleToolStart(s State, ev protocol.StreamEvent) State {
	data, ok := ev.Data.(protocol.CallStartData)
	if !ok || data.CallID == "" {
		return s
	}
	s.Timeline = s.Timeline.Remove(waitingID(s.Turn.TurnID))
	if !s.Timeline.Has(data.CallID) {
		s.Timeline = s.Timeline.Put(newToolCall(data.CallID, s.Turn.TurnID, data, ev.Ts))
	}
	s.Turn = s.Turn.StartToolCall(data.CallID)
	return s
}

func handleLLMCallEnd(s State, ev protocol.StreamEvent) State {
	return endCall(s, ev, KindLLMCall, s.Turn.CurrentLLMCallID)
}

func handleToolEnd(s State, ev protocol.StreamEvent) State {
	return endCall(s, ev, KindToolCall, s.Turn.CurrentToolCallID)
}

// endCall 按事件携带的 call_id 定位, 缺省时回退到当前调用。
func endCall(s State, ev protocol.StreamEvent, kind ItemKind, current string) State {
	data, ok := ev.Data.(protocol.CallEndData)
	if !ok {
		return s
	}
	id := strings.TrimSpace(data.CallID)
	if id == "" {
		id = current
	}
	if id == "" {
		return s
	}
	s = updateContainer(s, id, kind, func(it TimelineItem) TimelineItem {
		return finishCall(it, data, ev.Ts)
	})
	s.Turn = s.Turn.EndCall(id)
	return s
}

func handleReasoningDelta(s State, ev protocol.StreamEvent) State {
	return applyDelta(s, ev, ChildReasoning)
}

func handleAssistantDelta(s State, ev protocol.StreamEvent) State {
	return applyDelta(s, ev, ChildContent)
}

// applyDelta 增量只落在 LLM cluster 上; 没有活动 cluster 时丢弃。
func applyDelta(s State, ev protocol.StreamEvent, kind ChildKind) State {
	data, ok := ev.Data.(protocol.TextDeltaData)
	if !ok || data.Delta == "" {
		return s
	}
	target := strings.TrimSpace(data.CallID)
	if target == "" {
		target = s.Turn.CurrentLLMCallID
	}
	return updateContainer(s, target, KindLLMCall, func(it TimelineItem) TimelineItem {
		return appendDelta(it, kind, data.Delta, ev.Ts)
	})
}

// dataTarget 数据事件的归属: 显式 call_id > 当前 tool call > 当前 LLM cluster。
func dataTarget(s State, callID string) (string, ItemKind, bool) {
	if id := strings.TrimSpace(callID); id != "" {
		if it, ok := s.Timeline.Get(id); ok && it.IsContainer() {
			return id, it.Kind, true
		}
		return "", "", false
	}
	if id := s.Turn.CurrentToolCallID; id != "" {
		return id, KindToolCall, true
	}
	if id := s.Turn.CurrentLLMCallID; id != "" {
		return id, KindLLMCall, true
	}
	return "", "", false
}

func handleProducts(s State, ev protocol.StreamEvent) State {
	data, ok := ev.Data.(protocol.ProductsData)
	if !ok {
		return s
	}
	id, kind, ok := dataTarget(s, data.CallID)
	if !ok {
		return s
	}
	return updateContainer(s, id, kind, func(it TimelineItem) TimelineItem {
		return attachProducts(it, data.Products, ev.Ts)
	})
}

func handleTodos(s State, ev protocol.StreamEvent) State {
	data, ok := ev.Data.(protocol.TodosData)
	if !ok {
		return s
	}
	id, kind, ok := dataTarget(s, data.CallID)
	if !ok {
		return s
	}
	return updateContainer(s, id, kind, func(it TimelineItem) TimelineItem {
		return attachTodos(it, data.Todos, ev.Ts)
	})
}

func handleContextSummarized(s State, ev protocol.StreamEvent) State {
	data, ok := ev.Data.(protocol.ContextSummarizedData)
	if !ok {
		return s
	}
	id, kind, ok := dataTarget(s, data.CallID)
	if !ok {
		return s
	}
	return updateContainer(s, id, kind, func(it TimelineItem) TimelineItem {
		return attachSummary(it, data, ev.Ts)
	})
}

// handleSideEvent memory.* → MemoryEvent; support.* / agent.* / skill.* → SupportEvent。
func handleSideEvent(s State, ev protocol.StreamEvent) State {
	data, _ := ev.Data.(protocol.SideEventData)
	kind := KindSupportEvent
	if protocol.SideFamilyOf(ev.Type) == protocol.SideMemory {
		kind = KindMemoryEvent
	}
	return pushItem(s, TimelineItem{
		ID:     ev.ID,
		Kind:   kind,
		TurnID: s.Turn.TurnID,
		Ts:     ev.Ts,
		Origin: OriginStream,
		Text:   data.Message,
		Event:  string(ev.Type),
		Fields: data.Fields,
	})
}

// handleFinal 关闭本轮所有推理子条目, 追加 Final, 结束流式状态。
func handleFinal(s State, ev protocol.StreamEvent) State {
	data, _ := ev.Data.(protocol.FinalData)
	turnID := s.Turn.TurnID
	s.Timeline = removeWaiting(s.Timeline).Map(func(it TimelineItem) (TimelineItem, bool) {
		if it.Kind != KindLLMCall || it.TurnID != turnID || !hasOpenChild(it.Children, ChildReasoning) {
			return it, false
		}
		it.Children = closeChildren(it.Children, ChildReasoning)
		return it, true
	})
	s = pushItem(s, TimelineItem{
		ID:     finalID(ev, turnID),
		Kind:   KindFinal,
		TurnID: turnID,
		Ts:     ev.Ts,
		Origin: OriginStream,
		Text:   data.Content,
	})
	s.Turn = s.Turn.End()
	return s
}

func finalID(ev protocol.StreamEvent, turnID string) string {
	if turnID != "" {
		return "final:" + turnID
	}
	return ev.ID
}

// handleError 错误不终止流: IsStreaming 与当前调用保持不变。
func handleError(s State, ev protocol.StreamEvent) State {
	data, _ := ev.Data.(protocol.ErrorData)
	return pushItem(s, TimelineItem{
		ID:     ev.ID,
		Kind:   KindError,
		TurnID: s.Turn.TurnID,
		Ts:     ev.Ts,
		Origin: OriginStream,
		Text:   data.Message,
		Code:   data.Code,
	})
}
