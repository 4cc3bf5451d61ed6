// handoff_apply.go: handoff websocket 事件对时间线与会话状态的作用。
//
// 消息生命周期操作 (撤回 / 编辑 / 删除 / 已读) 只命中非 stream 来源的条目,
// 推送流与 socket 两条通道因此无需跨协议的 id 消歧。
package uistate

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/multi-agent/chat-timeline/internal/protocol"
)

type socketHandler func(State, protocol.SocketEvent) State

var socketHandlers = map[protocol.Action]socketHandler{
	protocol.ActionConnected:         handleConnected,
	protocol.ActionDisconnected:      handleDisconnected,
	protocol.ActionSystemError:       handleSystemError,
	protocol.ActionMessage:           handleSocketMessage,
	protocol.ActionTyping:            handleTyping,
	protocol.ActionReadReceipt:       handleReadReceipt,
	protocol.ActionHandoffStarted:    handleHandoffStarted,
	protocol.ActionHandoffEnded:      handleHandoffEnded,
	protocol.ActionUserOnline:        handlePresence,
	protocol.ActionUserOffline:       handlePresence,
	protocol.ActionAgentOnline:       handlePresence,
	protocol.ActionAgentOffline:      handlePresence,
	protocol.ActionConversationState: handleConversationState,
	protocol.ActionMessageWithdrawn:  handleWithdrawn,
	protocol.ActionMessageEdited:     handleEdited,
	protocol.ActionMessagesDeleted:   handleDeleted,
}

// ApplySocket 应用一条 websocket 事件; ping/pong/ack 与未知 action 为恒等转换。
func ApplySocket(s State, ev protocol.SocketEvent) State {
	handler, ok := socketHandlers[ev.Action]
	if !ok {
		return s
	}
	return handler(s, ev)
}

// SetConnection 由传输层同步连接状态 (connecting 等服务端不会下发的状态)。
func SetConnection(s State, conn protocol.ConnState) State {
	s.Handoff.Connection = conn
	if conn != protocol.ConnConnected {
		s.Handoff.ConnectionID = ""
		s.Handoff.PeerTyping = false
	}
	return s
}

// AppendLocalMessage 乐观插入本地发出的消息, id 为 client_message_id;
// 服务端回显同一 client_message_id 时被替换为服务端 id。
func AppendLocalMessage(s State, clientMessageID, content string, images []protocol.Image, ts time.Time) State {
	return pushItem(s, TimelineItem{
		ID:              clientMessageID,
		Kind:            KindUserMessage,
		Ts:              ts,
		Origin:          OriginLocal,
		Text:            content,
		Images:          images,
		Sender:          s.Handoff.Role.Sender(),
		ClientMessageID: clientMessageID,
		Read:            true,
	})
}

// MarkReadLocal 本端标记已读: 对端消息置 Read, 未读数相应递减。
func MarkReadLocal(s State, ids []string) State {
	self := s.Handoff.Role.Sender()
	marked := 0
	for _, id := range lo.Uniq(ids) {
		s.Timeline, _ = updateLifecycleTarget(s.Timeline, id, func(it TimelineItem) TimelineItem {
			if it.Kind == KindUserMessage && !it.Read && it.Sender != self {
				marked++
			}
			it.Read = true
			return it
		})
	}
	s.Handoff.UnreadCount = max(s.Handoff.UnreadCount-marked, 0)
	return s
}

// ========================================
// system.*
// ========================================

// handleConnected 服务端确认连接后的状态是权威初始值, 不沿用本地默认。
func handleConnected(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.ConnectedData)
	s.Handoff = HandoffState{
		Role:         s.Handoff.Role,
		Connection:   protocol.ConnConnected,
		ConnectionID: data.ConnectionID,
		Mode:         data.HandoffState,
		Operator:     data.Operator,
		PeerOnline:   data.PeerOnline,
		PeerLastSeen: s.Handoff.PeerLastSeen,
		UnreadCount:  max(data.UnreadCount, 0),
	}
	return s
}

func handleDisconnected(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.DisconnectedData)
	s = SetConnection(s, protocol.ConnDisconnected)
	if data.Reason != "" {
		s.Handoff.LastError = data.Reason
	}
	return s
}

func handleSystemError(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.SystemErrorData)
	s.Handoff.LastError = data.Message
	return pushItem(s, TimelineItem{
		ID:     socketItemID(ev),
		Kind:   KindError,
		TurnID: s.Turn.TurnID,
		Ts:     ev.Ts,
		Origin: OriginSocket,
		Text:   data.Message,
		Code:   data.Code,
		Event:  string(ev.Action),
	})
}

// ========================================
// server.* 会话状态
// ========================================

func handleTyping(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.TypingData)
	if data.SenderType == s.Handoff.Role.Sender() {
		return s
	}
	s.Handoff.PeerTyping = data.IsTyping
	return s
}

func handleHandoffStarted(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.HandoffStartedData)
	s.Handoff.Mode = protocol.HandoffHuman
	s.Handoff.Operator = data.Operator
	text := "handoff started"
	if data.Operator != nil && data.Operator.Name != "" {
		text = fmt.Sprintf("%s joined the conversation", data.Operator.Name)
	}
	return pushItem(s, handoffNotice(ev, text, data.Reason))
}

func handleHandoffEnded(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.HandoffEndedData)
	s.Handoff.Mode = protocol.HandoffAI
	s.Handoff.Operator = nil
	s.Handoff.PeerTyping = false
	text := "handoff ended"
	if data.Operator != nil && data.Operator.Name != "" {
		text = fmt.Sprintf("%s left the conversation", data.Operator.Name)
	}
	return pushItem(s, handoffNotice(ev, text, data.Summary))
}

func handoffNotice(ev protocol.SocketEvent, text, detail string) TimelineItem {
	item := TimelineItem{
		ID:     socketItemID(ev),
		Kind:   KindSupportEvent,
		Ts:     ev.Ts,
		Origin: OriginSocket,
		Text:   text,
		Event:  string(ev.Action),
	}
	if detail = strings.TrimSpace(detail); detail != "" {
		item.Fields = map[string]any{"detail": detail}
	}
	return item
}

// handlePresence 只关心对端的上下线; 本端身份的 presence 事件忽略。
func handlePresence(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.PresenceData)
	var side protocol.SenderType
	online := false
	switch ev.Action {
	case protocol.ActionUserOnline:
		side, online = protocol.SenderUser, true
	case protocol.ActionUserOffline:
		side = protocol.SenderUser
	case protocol.ActionAgentOnline:
		side, online = protocol.SenderAgent, true
	case protocol.ActionAgentOffline:
		side = protocol.SenderAgent
	}
	if side != s.Handoff.Role.Peer() {
		return s
	}
	s.Handoff.PeerOnline = online
	if !online {
		s.Handoff.PeerTyping = false
	}
	if seen := data.LastSeenAt.Time; !seen.IsZero() {
		s.Handoff.PeerLastSeen = seen
	} else if !ev.Ts.IsZero() {
		s.Handoff.PeerLastSeen = ev.Ts
	}
	return s
}

// handleConversationState 权威快照, 覆盖会话字段 (连接字段不变)。
func handleConversationState(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.ConversationStateData)
	if data.HandoffState != "" {
		s.Handoff.Mode = data.HandoffState
	}
	s.Handoff.Operator = data.Operator
	s.Handoff.PeerOnline = data.PeerOnline
	if !data.PeerLastSeenAt.IsZero() {
		s.Handoff.PeerLastSeen = data.PeerLastSeenAt.Time
	}
	s.Handoff.UnreadCount = max(data.UnreadCount, 0)
	return s
}

// ========================================
// server.* 消息与生命周期
// ========================================

// handleSocketMessage 新消息插入; 同 id 再次到达为幂等更新;
// 携带 client_message_id 的回显替换本地乐观条目 (位置不变)。
func handleSocketMessage(s State, ev protocol.SocketEvent) State {
	msg, ok := ev.Data.(protocol.ChatMessage)
	if !ok || msg.ID == "" {
		return s
	}
	ts := msg.CreatedAt.Time
	if ts.IsZero() {
		ts = ev.Ts
	}
	if msg.SenderType == protocol.SenderSystem {
		return pushItem(s, TimelineItem{
			ID:     msg.ID,
			Kind:   KindSupportEvent,
			Ts:     ts,
			Origin: OriginSocket,
			Text:   msg.Content,
			Event:  string(ev.Action),
		})
	}

	if existing, found := s.Timeline.Get(msg.ID); found {
		if existing.Origin == OriginStream {
			return s
		}
		s.Timeline, _ = s.Timeline.Update(msg.ID, func(it TimelineItem) TimelineItem {
			return applyChatMessage(it, msg, ts)
		})
		return s
	}

	if local := strings.TrimSpace(msg.ClientMessageID); local != "" {
		if existing, found := s.Timeline.Get(local); found && existing.Origin == OriginLocal {
			s.Timeline = s.Timeline.Map(func(it TimelineItem) (TimelineItem, bool) {
				if it.ID != local {
					return it, false
				}
				next := applyChatMessage(it, msg, ts)
				next.ID = msg.ID
				next.Origin = OriginSocket
				return next, true
			})
			return s
		}
	}

	item := applyChatMessage(TimelineItem{
		ID:     msg.ID,
		Kind:   KindUserMessage,
		Origin: OriginSocket,
	}, msg, ts)
	fromPeer := msg.SenderType != s.Handoff.Role.Sender()
	item.Read = !fromPeer
	s.Timeline = s.Timeline.Put(item)
	if fromPeer {
		s.Handoff.UnreadCount++
		s.Handoff.PeerTyping = false
	}
	return s
}

func applyChatMessage(it TimelineItem, msg protocol.ChatMessage, ts time.Time) TimelineItem {
	it.Text = msg.Content
	it.Images = msg.Images
	it.Sender = msg.SenderType
	it.SenderName = msg.SenderName
	if msg.ClientMessageID != "" {
		it.ClientMessageID = msg.ClientMessageID
	}
	if it.Ts.IsZero() {
		it.Ts = ts
	}
	return it
}

func handleReadReceipt(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.ReadReceiptData)
	for _, id := range lo.Uniq(data.MessageIDs) {
		s.Timeline, _ = updateLifecycleTarget(s.Timeline, id, func(it TimelineItem) TimelineItem {
			it.Read = true
			return it
		})
	}
	return s
}

// handleWithdrawn 撤回即从时间线移除。
func handleWithdrawn(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.MessageWithdrawnData)
	return removeLifecycleTargets(s, []string{data.MessageID})
}

// handleEdited 更新正文并置 Edited, 级联删除被取代的消息。
func handleEdited(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.MessageEditedData)
	s.Timeline, _ = updateLifecycleTarget(s.Timeline, data.MessageID, func(it TimelineItem) TimelineItem {
		it.Text = data.Content
		it.Edited = true
		return it
	})
	superseded := lo.Without(lo.Uniq(data.SupersededIDs), data.MessageID)
	return removeLifecycleTargets(s, superseded)
}

func handleDeleted(s State, ev protocol.SocketEvent) State {
	data, _ := ev.Data.(protocol.MessagesDeletedData)
	return removeLifecycleTargets(s, data.MessageIDs)
}

// updateLifecycleTarget 只更新非 stream 来源的条目。
func updateLifecycleTarget(timeline OrderedList[TimelineItem], id string, fn func(TimelineItem) TimelineItem) (OrderedList[TimelineItem], bool) {
	it, ok := timeline.Get(id)
	if !ok || it.Origin == OriginStream {
		return timeline, false
	}
	return timeline.Update(id, fn)
}

// removeLifecycleTargets 只删除非 stream 来源的条目; 被删的对端未读消息同步扣减未读数。
func removeLifecycleTargets(s State, ids []string) State {
	self := s.Handoff.Role.Sender()
	unread := 0
	targets := lo.Filter(lo.Uniq(ids), func(id string, _ int) bool {
		it, ok := s.Timeline.Get(id)
		if !ok || it.Origin == OriginStream {
			return false
		}
		if it.Kind == KindUserMessage && !it.Read && it.Sender != self {
			unread++
		}
		return true
	})
	s.Timeline = s.Timeline.Remove(targets...)
	s.Handoff.UnreadCount = max(s.Handoff.UnreadCount-unread, 0)
	return s
}

func socketItemID(ev protocol.SocketEvent) string {
	if ev.ID != "" {
		return ev.ID
	}
	return fmt.Sprintf("%s:%d", ev.Action, ev.Ts.UnixMilli())
}
