package uistate

import (
	"reflect"
	"testing"

	"github.com/multi-agent/chat-timeline/internal/protocol"
)

func socketEv(id string, action protocol.Action, data any) protocol.SocketEvent {
	return protocol.SocketEvent{ID: id, Ts: at(0), Action: action, ConversationID: "conv-1", Data: data}
}

func chat(id string, sender protocol.SenderType, content string) protocol.SocketEvent {
	return socketEv("evt-"+id, protocol.ActionMessage, protocol.ChatMessage{
		ID: id, SenderType: sender, Content: content,
	})
}

func seededHandoff(t *testing.T) State {
	t.Helper()
	s := NewState("conv-1", protocol.RoleUser)
	s = Reduce(s, streamEv(1, protocol.EventLLMCallStart, protocol.CallStartData{CallID: "c1"}))
	for _, ev := range []protocol.SocketEvent{
		chat("m1", protocol.SenderUser, "one"),
		chat("m2", protocol.SenderAgent, "two"),
		chat("m3", protocol.SenderAgent, "three"),
		chat("m4", protocol.SenderAgent, "four"),
		chat("m5", protocol.SenderUser, "five"),
	} {
		s = ApplySocket(s, ev)
	}
	return s
}

func TestApplySocket_EditCascade(t *testing.T) {
	s := seededHandoff(t)
	before := s.Timeline

	s = ApplySocket(s, socketEv("e1", protocol.ActionMessageEdited, protocol.MessageEditedData{
		MessageID:     "m2",
		Content:       "two (edited)",
		SupersededIDs: []string{"m3", "m4"},
	}))

	if s.Timeline.Len() != before.Len()-2 {
		t.Fatalf("len = %d, want %d", s.Timeline.Len(), before.Len()-2)
	}
	if s.Timeline.Has("m3") || s.Timeline.Has("m4") {
		t.Fatal("superseded messages not removed")
	}
	m2, _ := s.Timeline.Get("m2")
	if m2.Text != "two (edited)" || !m2.Edited {
		t.Fatalf("m2 = %+v", m2)
	}
	for _, id := range []string{"c1", "m1", "m5"} {
		got, _ := s.Timeline.Get(id)
		want, _ := before.Get(id)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s changed: %+v", id, got)
		}
	}
	assertIndexIntegrity(t, s)
}

func TestApplySocket_LifecycleSkipsStreamItems(t *testing.T) {
	s := seededHandoff(t)
	cases := []protocol.SocketEvent{
		socketEv("w", protocol.ActionMessageWithdrawn, protocol.MessageWithdrawnData{MessageID: "c1"}),
		socketEv("d", protocol.ActionMessagesDeleted, protocol.MessagesDeletedData{MessageIDs: []string{"c1"}}),
		socketEv("e", protocol.ActionMessageEdited, protocol.MessageEditedData{MessageID: "c1", Content: "hijack"}),
		chat("c1", protocol.SenderAgent, "hijack"),
	}
	for _, ev := range cases {
		next := ApplySocket(s, ev)
		got, ok := next.Timeline.Get("c1")
		if !ok || got.Kind != KindLLMCall || got.Text != "" || got.Edited {
			t.Fatalf("%s touched stream item: %+v", ev.Action, got)
		}
	}
}

func TestApplySocket_WithdrawAndDelete(t *testing.T) {
	s := seededHandoff(t)
	s = ApplySocket(s, socketEv("w", protocol.ActionMessageWithdrawn, protocol.MessageWithdrawnData{MessageID: "m1"}))
	if s.Timeline.Has("m1") {
		t.Fatal("withdrawn message still present")
	}
	s = ApplySocket(s, socketEv("d", protocol.ActionMessagesDeleted, protocol.MessagesDeletedData{MessageIDs: []string{"m2", "m5", "missing"}}))
	for _, id := range []string{"m2", "m5"} {
		if s.Timeline.Has(id) {
			t.Fatalf("%s not deleted", id)
		}
	}
	if !s.Timeline.Has("m3") || !s.Timeline.Has("c1") {
		t.Fatal("unrelated items removed")
	}
	assertIndexIntegrity(t, s)
}

func TestApplySocket_RemovalAdjustsUnread(t *testing.T) {
	tests := []struct {
		name       string
		readFirst  []string
		ev         protocol.SocketEvent
		wantUnread int
	}{
		{
			name:       "withdraw unread peer message",
			ev:         socketEv("w", protocol.ActionMessageWithdrawn, protocol.MessageWithdrawnData{MessageID: "m2"}),
			wantUnread: 2,
		},
		{
			name:       "withdraw own message",
			ev:         socketEv("w", protocol.ActionMessageWithdrawn, protocol.MessageWithdrawnData{MessageID: "m1"}),
			wantUnread: 3,
		},
		{
			name:       "withdraw already read peer message",
			readFirst:  []string{"m2"},
			ev:         socketEv("w", protocol.ActionMessageWithdrawn, protocol.MessageWithdrawnData{MessageID: "m2"}),
			wantUnread: 2,
		},
		{
			name: "edit cascade removes superseded",
			ev: socketEv("e", protocol.ActionMessageEdited, protocol.MessageEditedData{
				MessageID: "m1", Content: "one!", SupersededIDs: []string{"m3", "m5"},
			}),
			wantUnread: 2,
		},
		{
			name:       "delete batch with duplicates",
			ev:         socketEv("d", protocol.ActionMessagesDeleted, protocol.MessagesDeletedData{MessageIDs: []string{"m2", "m4", "m4", "c1"}}),
			wantUnread: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seededHandoff(t)
			if s.Handoff.UnreadCount != 3 {
				t.Fatalf("seeded unread = %d, want 3", s.Handoff.UnreadCount)
			}
			if len(tt.readFirst) > 0 {
				s = MarkReadLocal(s, tt.readFirst)
			}
			s = ApplySocket(s, tt.ev)
			if s.Handoff.UnreadCount != tt.wantUnread {
				t.Fatalf("unread = %d, want %d", s.Handoff.UnreadCount, tt.wantUnread)
			}
			assertIndexIntegrity(t, s)
		})
	}
}

func TestApplySocket_MessageIdempotentAndUnread(t *testing.T) {
	s := NewState("conv-1", protocol.RoleUser)
	s = ApplySocket(s, chat("m1", protocol.SenderAgent, "hello"))
	s = ApplySocket(s, chat("m1", protocol.SenderAgent, "hello"))
	if s.Timeline.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Timeline.Len())
	}
	if s.Handoff.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", s.Handoff.UnreadCount)
	}
	s = ApplySocket(s, chat("m2", protocol.SenderUser, "mine"))
	if s.Handoff.UnreadCount != 1 {
		t.Fatalf("own message changed unread: %d", s.Handoff.UnreadCount)
	}

	s = MarkReadLocal(s, []string{"m1", "m1"})
	if s.Handoff.UnreadCount != 0 {
		t.Fatalf("unread after mark read = %d", s.Handoff.UnreadCount)
	}
	if m1, _ := s.Timeline.Get("m1"); !m1.Read {
		t.Fatal("m1 not marked read")
	}
}

func TestApplySocket_EchoReplacesLocalMessage(t *testing.T) {
	s := NewState("conv-1", protocol.RoleUser)
	s = AppendLocalMessage(s, "local-1", "hi", nil, at(0))
	s = ApplySocket(s, chat("m9", protocol.SenderAgent, "reply"))
	s = ApplySocket(s, socketEv("evt", protocol.ActionMessage, protocol.ChatMessage{
		ID: "srv-1", SenderType: protocol.SenderUser, Content: "hi", ClientMessageID: "local-1",
	}))

	if s.Timeline.Has("local-1") {
		t.Fatal("local placeholder not replaced")
	}
	if idx := s.Timeline.IndexOf("srv-1"); idx != 0 {
		t.Fatalf("echo index = %d, want 0 (position kept)", idx)
	}
	if it := s.Timeline.At(0); it.Origin != OriginSocket || it.ClientMessageID != "local-1" {
		t.Fatalf("echo = %+v", it)
	}
	assertIndexIntegrity(t, s)
}

func TestApplySocket_ConnectedIsAuthoritative(t *testing.T) {
	s := NewState("conv-1", protocol.RoleUser)
	s.Handoff.Mode = protocol.HandoffHuman
	s.Handoff.UnreadCount = 7
	s.Handoff.PeerTyping = true

	s = ApplySocket(s, socketEv("c", protocol.ActionConnected, protocol.ConnectedData{
		ConnectionID: "conn-1",
		HandoffState: protocol.HandoffPending,
		PeerOnline:   true,
		UnreadCount:  2,
	}))
	want := HandoffState{
		Role:         protocol.RoleUser,
		Connection:   protocol.ConnConnected,
		ConnectionID: "conn-1",
		Mode:         protocol.HandoffPending,
		PeerOnline:   true,
		UnreadCount:  2,
	}
	if !reflect.DeepEqual(s.Handoff, want) {
		t.Fatalf("handoff = %+v, want %+v", s.Handoff, want)
	}

	s = ApplySocket(s, socketEv("d", protocol.ActionDisconnected, protocol.DisconnectedData{Reason: "eof"}))
	if s.Handoff.Connection != protocol.ConnDisconnected || s.Handoff.ConnectionID != "" {
		t.Fatalf("after disconnect = %+v", s.Handoff)
	}
}

func TestApplySocket_HandoffLifecycle(t *testing.T) {
	op := &protocol.Operator{ID: "op-1", Name: "Ann"}
	s := NewState("conv-1", protocol.RoleUser)
	s = ApplySocket(s, socketEv("h1", protocol.ActionHandoffStarted, protocol.HandoffStartedData{Operator: op, Reason: "refund"}))
	if s.Handoff.Mode != protocol.HandoffHuman || s.Handoff.Operator.ID != "op-1" {
		t.Fatalf("handoff = %+v", s.Handoff)
	}
	notice, ok := s.Timeline.Get("h1")
	if !ok || notice.Kind != KindSupportEvent || notice.Text != "Ann joined the conversation" {
		t.Fatalf("notice = %+v", notice)
	}

	s = ApplySocket(s, socketEv("h2", protocol.ActionHandoffEnded, protocol.HandoffEndedData{Operator: op}))
	if s.Handoff.Mode != protocol.HandoffAI || s.Handoff.Operator != nil {
		t.Fatalf("handoff = %+v", s.Handoff)
	}
	if s.Timeline.Len() != 2 {
		t.Fatalf("len = %d, want 2 notices", s.Timeline.Len())
	}
}

func TestApplySocket_PresenceAndTyping(t *testing.T) {
	seen := protocol.TimestampOf(at(500))
	cases := []struct {
		name       string
		role       protocol.Role
		ev         protocol.SocketEvent
		wantOnline bool
	}{
		{"user sees agent online", protocol.RoleUser, socketEv("p", protocol.ActionAgentOnline, protocol.PresenceData{LastSeenAt: seen}), true},
		{"user ignores own presence", protocol.RoleUser, socketEv("p", protocol.ActionUserOnline, protocol.PresenceData{}), false},
		{"agent sees user online", protocol.RoleAgent, socketEv("p", protocol.ActionUserOnline, protocol.PresenceData{LastSeenAt: seen}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := ApplySocket(NewState("conv-1", tc.role), tc.ev)
			if s.Handoff.PeerOnline != tc.wantOnline {
				t.Fatalf("PeerOnline = %v, want %v", s.Handoff.PeerOnline, tc.wantOnline)
			}
			if tc.wantOnline && !s.Handoff.PeerLastSeen.Equal(at(500)) {
				t.Fatalf("PeerLastSeen = %v", s.Handoff.PeerLastSeen)
			}
		})
	}

	s := NewState("conv-1", protocol.RoleUser)
	s = ApplySocket(s, socketEv("t", protocol.ActionTyping, protocol.TypingData{SenderType: protocol.SenderAgent, IsTyping: true}))
	if !s.Handoff.PeerTyping {
		t.Fatal("peer typing not set")
	}
	s = ApplySocket(s, socketEv("t2", protocol.ActionTyping, protocol.TypingData{SenderType: protocol.SenderUser, IsTyping: false}))
	if !s.Handoff.PeerTyping {
		t.Fatal("own typing event cleared peer typing")
	}
}

func TestApplySocket_ReadReceiptAndSystemError(t *testing.T) {
	s := seededHandoff(t)
	s = ApplySocket(s, socketEv("r", protocol.ActionReadReceipt, protocol.ReadReceiptData{MessageIDs: []string{"m1", "c1"}}))
	if m1, _ := s.Timeline.Get("m1"); !m1.Read {
		t.Fatal("m1 not read")
	}
	if c1, _ := s.Timeline.Get("c1"); c1.Read {
		t.Fatal("read receipt touched stream item")
	}

	s = ApplySocket(s, socketEv("se", protocol.ActionSystemError, protocol.SystemErrorData{Code: "RATE", Message: "slow down"}))
	errItem, ok := s.Timeline.Get("se")
	if !ok || errItem.Kind != KindError || errItem.Origin != OriginSocket {
		t.Fatalf("error item = %+v", errItem)
	}

	before := s
	s = ApplySocket(s, socketEv("p", protocol.ActionPong, protocol.PongData{}))
	if !reflect.DeepEqual(before, s) {
		t.Fatal("pong changed state")
	}
}
