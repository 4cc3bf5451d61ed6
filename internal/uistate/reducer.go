// reducer.go: Reducer: 纯函数 (State, StreamEvent) → State。
//
// 不产生副作用、不 panic; 未知类型为恒等转换。相同事件序列重放得到结构相同的时间线。
package uistate

import (
	"fmt"
	"strings"
	"time"

	"github.com/multi-agent/chat-timeline/internal/protocol"
)

// Reduce 应用一条推送流事件。
//
// meta.start 重置序号; 其他事件若 seq > 0 且 seq <= LastSeq 视为重复, 丢弃。
func Reduce(s State, ev protocol.StreamEvent) State {
	if ev.Type == protocol.EventMetaStart {
		s.LastSeq = 0
	} else if ev.Seq > 0 && ev.Seq <= s.LastSeq {
		return s
	}
	ev = scopeSyntheticID(s, ev)
	handler, ok := streamHandlers[ev.Type]
	if !ok {
		if protocol.SideFamilyOf(ev.Type) == protocol.SideNone {
			return s
		}
		handler = handleSideEvent
	}
	next := handler(s, ev)
	if ev.Seq > next.LastSeq {
		next.LastSeq = ev.Seq
	}
	return next
}

// scopeSyntheticID 合成 id 挂到当前 turn 下 (<turnID>:<type>:<seq>), 否则后续轮次会命中前一轮的条目。
// 由合成 id 派生的 call id 同步改写; 服务端显式给出的 id 不动。
func scopeSyntheticID(s State, ev protocol.StreamEvent) protocol.StreamEvent {
	if !ev.SyntheticID || ev.Type == protocol.EventMetaStart || s.Turn.TurnID == "" {
		return ev
	}
	scoped := s.Turn.TurnID + ":" + ev.ID
	if start, ok := ev.Data.(protocol.CallStartData); ok && start.CallID == ev.ID {
		start.CallID = scoped
		ev.Data = start
	}
	ev.ID = scoped
	return ev
}

// syntheticTurnID 服务端未给 turn id 且 meta.start 自身 id 为合成时, 由时间戳与时间线长度派生,
// 重放同一日志得到相同结果。
func syntheticTurnID(s State, ev protocol.StreamEvent) string {
	return fmt.Sprintf("turn:%d:%d", ev.Ts.UnixMilli(), s.Timeline.Len())
}

// ReduceAll 依次应用事件。
func ReduceAll(s State, events []protocol.StreamEvent) State {
	for _, ev := range events {
		s = Reduce(s, ev)
	}
	return s
}

// LocalMessage 用户本地发送的消息 (乐观插入)。
type LocalMessage struct {
	TurnID    string
	MessageID string
	Text      string
	Images    []protocol.Image
	Ts        time.Time
}

// BeginLocalTurn 插入用户消息与 Waiting 占位, 以临时 turn id 进入 Active。
// 之后 meta.start 携带的服务端 turn id 会整体替换临时 id。
func BeginLocalTurn(s State, msg LocalMessage) State {
	turnID := strings.TrimSpace(msg.TurnID)
	if turnID == "" {
		return s
	}
	msgID := strings.TrimSpace(msg.MessageID)
	if msgID == "" {
		msgID = "user:" + turnID
	}
	timeline := s.Timeline
	if prev := s.Turn.TurnID; prev != "" {
		timeline = timeline.Remove(waitingID(prev))
	}
	timeline = timeline.Put(TimelineItem{
		ID:     msgID,
		Kind:   KindUserMessage,
		TurnID: turnID,
		Ts:     msg.Ts,
		Origin: OriginLocal,
		Text:   msg.Text,
		Sender: s.Handoff.Role.Sender(),
		Images: msg.Images,
	})
	timeline = timeline.Put(waitingItem(turnID, msg.Ts))
	s.Timeline = timeline
	s.Turn = s.Turn.Begin(turnID, true)
	s.LastSeq = 0
	return s
}

// ReconcileTurnID 把所有带旧 turn id 的条目一次性改标为新 id。
func ReconcileTurnID(s State, oldID, newID string) State {
	if oldID == "" || newID == "" || oldID == newID {
		return s
	}
	s.Timeline = s.Timeline.Map(func(it TimelineItem) (TimelineItem, bool) {
		if it.TurnID != oldID {
			return it, false
		}
		it.TurnID = newID
		if it.Kind == KindWaiting {
			it.ID = waitingID(newID)
		}
		return it, true
	})
	if s.Turn.TurnID == oldID {
		s.Turn = s.Turn.Confirm(newID)
	}
	return s
}

// AbortTurn 流被中止: 所有仍在运行的 cluster / tool call 标记为 error, 轮次回到 Idle。
func AbortTurn(s State, reason string, ts time.Time) State {
	if reason == "" {
		reason = "aborted"
	}
	s.Timeline = s.Timeline.Map(func(it TimelineItem) (TimelineItem, bool) {
		if !it.IsContainer() || it.Status != StatusRunning {
			return it, false
		}
		return failCall(it, reason, ts), true
	})
	return EndTurn(s)
}

// EndTurn 显式结束轮次: 移除 Waiting 占位, 回到 Idle。
func EndTurn(s State) State {
	s.Timeline = removeWaiting(s.Timeline)
	s.Turn = s.Turn.End()
	return s
}

// ClearTurn 丢弃当前轮次: 移除 Waiting 占位与尚无内容的运行中 cluster, 回到 Idle。
func ClearTurn(s State) State {
	turnID := s.Turn.TurnID
	s.Timeline = removeWaiting(s.Timeline).RemoveFunc(func(it TimelineItem) bool {
		return turnID != "" && it.TurnID == turnID && it.IsContainer() &&
			it.Status == StatusRunning && it.Children.Len() == 0
	})
	s.Turn = s.Turn.Clear()
	return s
}

func waitingItem(turnID string, ts time.Time) TimelineItem {
	return TimelineItem{
		ID:     waitingID(turnID),
		Kind:   KindWaiting,
		TurnID: turnID,
		Ts:     ts,
		Origin: OriginLocal,
	}
}

func removeWaiting(timeline OrderedList[TimelineItem]) OrderedList[TimelineItem] {
	return timeline.RemoveFunc(func(it TimelineItem) bool { return it.Kind == KindWaiting })
}

// pushItem 追加顶层条目; id 已存在时保持原状 (重放幂等)。
func pushItem(s State, item TimelineItem) State {
	if item.ID == "" || s.Timeline.Has(item.ID) {
		return s
	}
	s.Timeline = s.Timeline.Put(item)
	return s
}

// updateContainer 更新指定 kind 的 cluster / tool call; 不存在或类型不符时原样返回。
func updateContainer(s State, id string, kind ItemKind, fn func(TimelineItem) TimelineItem) State {
	if id == "" {
		return s
	}
	item, ok := s.Timeline.Get(id)
	if !ok || item.Kind != kind {
		return s
	}
	s.Timeline, _ = s.Timeline.Update(id, fn)
	return s
}
