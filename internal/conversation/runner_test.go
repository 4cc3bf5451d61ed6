package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/multi-agent/chat-timeline/internal/protocol"
	"github.com/multi-agent/chat-timeline/internal/stream"
	"github.com/multi-agent/chat-timeline/internal/uistate"
	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
)

func frame(seq int, typ, payload string) string {
	return fmt.Sprintf("data: {\"v\":1,\"seq\":%d,\"conversation_id\":\"c1\",\"type\":%q,\"payload\":%s}\n\n", seq, typ, payload)
}

// fakeSocket 以 channel 模拟 handoff 客户端。
type fakeSocket struct {
	events chan protocol.SocketEvent
	states chan protocol.ConnState

	mu      sync.Mutex
	sent    []string
	read    [][]string
	typing  []bool
	sendErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		events: make(chan protocol.SocketEvent, 8),
		states: make(chan protocol.ConnState, 8),
	}
}

func (f *fakeSocket) Events() <-chan protocol.SocketEvent { return f.events }
func (f *fakeSocket) States() <-chan protocol.ConnState   { return f.states }

func (f *fakeSocket) SendMessage(content string, _ []protocol.Image) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, content)
	return fmt.Sprintf("cm-%d", len(f.sent)), nil
}

func (f *fakeSocket) SetTyping(typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

func (f *fakeSocket) StartHandoff(string) error { return nil }
func (f *fakeSocket) EndHandoff(string) error   { return nil }

func (f *fakeSocket) MarkRead(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, ids)
	return nil
}

type fakeHistory struct {
	records []uistate.HistoryRecord
	err     error
}

func (f fakeHistory) LoadHistory(context.Context, string, int) ([]uistate.HistoryRecord, error) {
	return f.records, f.err
}

func startRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	if opts.View == nil {
		opts.View = uistate.NewView("c1", protocol.RoleUser)
	}
	r := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func waitFor(t *testing.T, v *uistate.View, what string, cond func(uistate.State) bool) uistate.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := v.Snapshot(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s; timeline: %+v", what, v.Snapshot().Items())
	return uistate.State{}
}

func TestRunnerSendStreamsTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, strings.Join([]string{
			frame(1, "meta.start", `{"turn_id":"T1"}`),
			frame(2, "llm.call.start", `{"call_id":"c1"}`),
			frame(3, "assistant.delta", `{"delta":"Hel"}`),
			frame(4, "assistant.delta", `{"delta":"lo"}`),
			frame(5, "llm.call.end", `{"call_id":"c1"}`),
			frame(6, "assistant.final", `{"content":"Hello"}`),
		}, ""))
	}))
	defer srv.Close()

	r := startRunner(t, Options{Streams: stream.New(stream.Options{BaseURL: srv.URL})})
	provisional, err := r.Send(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if provisional == "" {
		t.Fatal("expected provisional turn id")
	}

	s := waitFor(t, r.View(), "final", func(s uistate.State) bool {
		return s.Timeline.Has("final:T1") && !s.Turn.IsStreaming
	})
	user, ok := s.Timeline.Get("user:" + provisional)
	if !ok || user.TurnID != "T1" {
		t.Fatalf("user item = %+v, want relabeled to T1", user)
	}
	cluster, _ := s.Timeline.Get("c1")
	if cluster.Status != uistate.StatusSuccess || cluster.Children.At(0).Text != "Hello" {
		t.Fatalf("cluster = %+v", cluster)
	}
	if s.Timeline.Has("waiting:T1") {
		t.Fatal("waiting placeholder should be gone")
	}
}

func TestRunnerRejectsConcurrentTurn(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, frame(1, "meta.start", `{"turn_id":"T1"}`))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := startRunner(t, Options{Streams: stream.New(stream.Options{BaseURL: srv.URL})})
	if _, err := r.Send(context.Background(), "one", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := r.Send(context.Background(), "two", nil); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("second Send err = %v, want ErrTurnInProgress", err)
	}
}

func TestRunnerAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, frame(1, "meta.start", `{"turn_id":"T1"}`)+
			frame(2, "llm.call.start", `{"call_id":"c1"}`)+
			frame(3, "assistant.delta", `{"delta":"partial"}`))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	r := startRunner(t, Options{Streams: stream.New(stream.Options{BaseURL: srv.URL})})
	if _, err := r.Send(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, r.View(), "delta", func(s uistate.State) bool {
		c, ok := s.Timeline.Get("c1")
		return ok && c.Children.Len() == 1
	})

	aborted, err := r.Abort(context.Background())
	if err != nil || !aborted {
		t.Fatalf("Abort = %v, %v", aborted, err)
	}
	s := r.View().Snapshot()
	cluster, _ := s.Timeline.Get("c1")
	if cluster.Status != uistate.StatusError || cluster.Error != "aborted" {
		t.Fatalf("cluster = %+v, want aborted error", cluster)
	}
	if s.Turn.IsStreaming {
		t.Fatal("IsStreaming should be false after abort")
	}

	again, err := r.Abort(context.Background())
	if err != nil || again {
		t.Fatalf("second Abort = %v, %v", again, err)
	}
}

func TestRunnerEOFWithoutFinalEndsTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, frame(1, "meta.start", `{"turn_id":"T1"}`))
	}))
	defer srv.Close()

	r := startRunner(t, Options{Streams: stream.New(stream.Options{BaseURL: srv.URL})})
	if _, err := r.Send(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s := waitFor(t, r.View(), "turn end", func(s uistate.State) bool {
		return s.Turn.TurnID == "" && !s.Turn.IsStreaming
	})
	if s.Timeline.Has("waiting:T1") {
		t.Fatal("waiting placeholder should be removed at EOF")
	}
}

func TestRunnerStreamFailureAbortsTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := startRunner(t, Options{Streams: stream.New(stream.Options{BaseURL: srv.URL})})
	turnID, err := r.Send(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	s := waitFor(t, r.View(), "abort", func(s uistate.State) bool { return !s.Turn.IsStreaming })
	if s.Timeline.Has("waiting:" + turnID) {
		t.Fatal("waiting placeholder should be removed after failure")
	}
	if !s.Timeline.Has("user:" + turnID) {
		t.Fatal("user message should survive stream failure")
	}
}

func TestRunnerSendValidation(t *testing.T) {
	r := New(Options{View: uistate.NewView("c1", protocol.RoleUser)})
	if _, err := r.Send(context.Background(), " ", nil); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if _, err := r.Send(context.Background(), "hi", nil); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestRunnerAppliesSocketEvents(t *testing.T) {
	sock := newFakeSocket()
	r := startRunner(t, Options{Socket: sock})

	sock.states <- protocol.ConnConnected
	sock.events <- protocol.SocketEvent{
		ID:     "e1",
		Ts:     time.Now(),
		Action: protocol.ActionMessage,
		Data: protocol.ChatMessage{
			ID: "m1", SenderType: protocol.SenderAgent, SenderName: "Ana", Content: "hello",
		},
	}
	s := waitFor(t, r.View(), "peer message", func(s uistate.State) bool {
		return s.Timeline.Has("m1") && s.Handoff.Connection == protocol.ConnConnected
	})
	if s.Handoff.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", s.Handoff.UnreadCount)
	}

	if err := r.MarkRead(context.Background(), []string{"m1"}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got := r.View().Snapshot().Handoff.UnreadCount; got != 0 {
		t.Fatalf("unread after MarkRead = %d", got)
	}
}

func TestRunnerHandoffMessageEchoReplacesLocal(t *testing.T) {
	sock := newFakeSocket()
	r := startRunner(t, Options{Socket: sock})

	clientID, err := r.SendHandoffMessage(context.Background(), "need a human", nil)
	if err != nil {
		t.Fatalf("SendHandoffMessage: %v", err)
	}
	if !r.View().Snapshot().Timeline.Has(clientID) {
		t.Fatal("optimistic item missing")
	}

	sock.events <- protocol.SocketEvent{
		ID:     "e2",
		Ts:     time.Now(),
		Action: protocol.ActionMessage,
		Data: protocol.ChatMessage{
			ID: "srv-1", SenderType: protocol.SenderUser, Content: "need a human", ClientMessageID: clientID,
		},
	}
	s := waitFor(t, r.View(), "echo", func(s uistate.State) bool { return s.Timeline.Has("srv-1") })
	if s.Timeline.Has(clientID) {
		t.Fatal("local item should be replaced by the echo")
	}
	if s.Timeline.Len() != 1 {
		t.Fatalf("timeline len = %d, want 1", s.Timeline.Len())
	}
}

func TestRunnerHandoffWithoutSocket(t *testing.T) {
	r := New(Options{View: uistate.NewView("c1", protocol.RoleUser)})
	if _, err := r.SendHandoffMessage(context.Background(), "x", nil); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if err := r.SetTyping(true); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("SetTyping err = %v", err)
	}
}

func TestRunnerHydrate(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	hist := fakeHistory{records: []uistate.HistoryRecord{
		{ID: "h1", Role: uistate.RoleUser, Content: "hi", CreatedAt: base},
		{ID: "h2", Role: uistate.RoleAssistant, Content: "hello", CreatedAt: base.Add(time.Second)},
	}}
	r := startRunner(t, Options{History: hist})

	n, err := r.Hydrate(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("Hydrate = %d, %v", n, err)
	}
	if got := r.View().Snapshot().Timeline.Len(); got != 2 {
		t.Fatalf("timeline len = %d", got)
	}

	failing := New(Options{View: uistate.NewView("c1", protocol.RoleUser), History: fakeHistory{err: errors.New("db down")}})
	if _, err := failing.Hydrate(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
}
