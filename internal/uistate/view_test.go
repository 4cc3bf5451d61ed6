package uistate

import (
	"strconv"
	"sync"
	"testing"

	"github.com/multi-agent/chat-timeline/internal/protocol"
)

func TestView_ApplyNotifies(t *testing.T) {
	v := NewView("conv-1", protocol.RoleUser)
	var got []Change
	v.OnChange(func(c Change) { got = append(got, c) })

	v.BeginLocalTurn(LocalMessage{TurnID: "T0", MessageID: "U1", Text: "hi"})
	v.ApplyStream(streamEv(1, protocol.EventMetaStart, protocol.MetaStartData{TurnID: "T1"}))

	if len(got) != 2 {
		t.Fatalf("changes = %d, want 2", len(got))
	}
	if got[1].Version != 2 || got[1].Reason != string(protocol.EventMetaStart) {
		t.Fatalf("change = %+v", got[1])
	}
	if v.Version() != 2 {
		t.Fatalf("version = %d", v.Version())
	}
	if snap := v.Snapshot(); snap.Turn.TurnID != "T1" {
		t.Fatalf("turn = %+v", snap.Turn)
	}
}

func TestView_HydrateRefusedWhileStreaming(t *testing.T) {
	v := NewView("conv-1", protocol.RoleUser)
	v.ApplyStream(streamEv(1, protocol.EventMetaStart, protocol.MetaStartData{TurnID: "T1"}))
	if v.Hydrate([]HistoryRecord{{ID: "u1", Role: RoleUser}}) {
		t.Fatal("hydrate accepted while streaming")
	}
	v.AbortTurn("")
	if !v.Hydrate([]HistoryRecord{{ID: "u1", Role: RoleUser}}) {
		t.Fatal("hydrate refused after abort")
	}
	if v.Snapshot().Timeline.Len() != 1 {
		t.Fatal("timeline not replaced")
	}
}

func TestView_ConcurrentReaders(t *testing.T) {
	v := NewView("conv-1", protocol.RoleUser)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = v.Snapshot().Timeline.Len()
			}
		}()
	}
	for i := int64(1); i <= 100; i++ {
		v.ApplySocket(chat("m"+strconv.FormatInt(i, 10), protocol.SenderAgent, "x"))
	}
	wg.Wait()
	if v.Snapshot().Timeline.Len() != 100 {
		t.Fatalf("len = %d", v.Snapshot().Timeline.Len())
	}
}
