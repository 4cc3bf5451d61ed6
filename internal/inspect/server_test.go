package inspect

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/chat-timeline/internal/conversation"
	"github.com/multi-agent/chat-timeline/internal/protocol"
	"github.com/multi-agent/chat-timeline/internal/uistate"
	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeController struct {
	view     *uistate.View
	sendErr  error
	sent     []string
	handoff  []string
	read     []string
	typing   *bool
	reason   string
	hydrated int
}

func newFakeController() *fakeController {
	return &fakeController{view: uistate.NewView("c1", protocol.RoleUser)}
}

func (f *fakeController) View() *uistate.View { return f.view }

func (f *fakeController) Send(_ context.Context, text string, _ []protocol.Image) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, text)
	f.view.BeginLocalTurn(uistate.LocalMessage{TurnID: "T0", Text: text, Ts: time.Now()})
	return "T0", nil
}

func (f *fakeController) Abort(context.Context) (bool, error) {
	if !f.view.Snapshot().Turn.IsStreaming {
		return false, nil
	}
	f.view.AbortTurn("aborted")
	return true, nil
}

func (f *fakeController) Hydrate(context.Context) (int, error) { return f.hydrated, nil }

func (f *fakeController) SendHandoffMessage(_ context.Context, content string, _ []protocol.Image) (string, error) {
	f.handoff = append(f.handoff, content)
	return "cm-1", nil
}

func (f *fakeController) MarkRead(_ context.Context, ids []string) error {
	f.read = append(f.read, ids...)
	return nil
}

func (f *fakeController) SetTyping(typing bool) error { f.typing = &typing; return nil }
func (f *fakeController) StartHandoff(reason string) error {
	f.reason = reason
	return nil
}
func (f *fakeController) EndHandoff(string) error {
	return apperrors.Wrap(apperrors.ErrNotConnected, "test", "socket down")
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code string `json:"code"`
	} `json:"error"`
}

func do(t *testing.T, s *Server, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid json %q", method, path, w.Body.String())
	}
	return w.Code, env
}

func TestTimelineAfterSend(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(ctrl, Options{})

	code, env := do(t, s, http.MethodPost, "/api/turns", `{"message":"hello"}`)
	if code != http.StatusAccepted || !env.Success {
		t.Fatalf("POST /api/turns = %d %+v", code, env)
	}

	code, env = do(t, s, http.MethodGet, "/api/timeline", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/timeline = %d", code)
	}
	var data struct {
		ConversationID string                 `json:"conversationId"`
		Version        uint64                 `json:"version"`
		Turn           uistate.TurnState      `json:"turn"`
		Items          []uistate.TimelineItem `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.ConversationID != "c1" || data.Version != 1 || !data.Turn.IsStreaming {
		t.Fatalf("timeline = %+v", data)
	}
	if len(data.Items) != 2 || data.Items[0].Kind != uistate.KindUserMessage || data.Items[1].Kind != uistate.KindWaiting {
		t.Fatalf("items = %+v", data.Items)
	}
}

func TestSendTurnErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		sendErr  error
		wantCode int
		wantErr  string
	}{
		{"bad_json", `{`, nil, http.StatusBadRequest, "invalid_request"},
		{"in_progress", `{"message":"x"}`, conversation.ErrTurnInProgress, http.StatusConflict, "turn_in_progress"},
		{"invalid", `{"message":""}`, apperrors.Wrap(apperrors.ErrInvalidInput, "t", "empty"), http.StatusBadRequest, "invalid_request"},
		{"internal", `{"message":"x"}`, apperrors.New("t", "boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.sendErr = tt.sendErr
			s := NewServer(ctrl, Options{})
			code, env := do(t, s, http.MethodPost, "/api/turns", tt.body)
			if code != tt.wantCode || env.Error.Code != tt.wantErr {
				t.Fatalf("got %d %q, want %d %q", code, env.Error.Code, tt.wantCode, tt.wantErr)
			}
		})
	}
}

func TestAbortTurn(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(ctrl, Options{})
	do(t, s, http.MethodPost, "/api/turns", `{"message":"hello"}`)

	code, env := do(t, s, http.MethodPost, "/api/turns/abort", "")
	if code != http.StatusOK || string(env.Data) != `{"aborted":true}` {
		t.Fatalf("abort = %d %s", code, env.Data)
	}
	if ctrl.view.Snapshot().Turn.IsStreaming {
		t.Fatal("turn should be idle after abort")
	}
}

func TestHandoffRoutes(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(ctrl, Options{})

	code, env := do(t, s, http.MethodPost, "/api/handoff/messages", `{"content":"hi agent"}`)
	if code != http.StatusAccepted || !strings.Contains(string(env.Data), "cm-1") {
		t.Fatalf("messages = %d %s", code, env.Data)
	}
	if code, _ := do(t, s, http.MethodPost, "/api/handoff/messages", `{"content":"  "}`); code != http.StatusBadRequest {
		t.Fatalf("empty message = %d", code)
	}
	if code, _ := do(t, s, http.MethodPost, "/api/handoff/read", `{"message_ids":["m1","m2"]}`); code != http.StatusOK {
		t.Fatalf("read = %d", code)
	}
	if len(ctrl.read) != 2 {
		t.Fatalf("read ids = %v", ctrl.read)
	}
	if code, _ := do(t, s, http.MethodPost, "/api/handoff/typing", `{"is_typing":true}`); code != http.StatusOK || ctrl.typing == nil || !*ctrl.typing {
		t.Fatalf("typing = %d", code)
	}
	if code, _ := do(t, s, http.MethodPost, "/api/handoff/start", `{"reason":"refund"}`); code != http.StatusOK || ctrl.reason != "refund" {
		t.Fatalf("start = %d reason %q", code, ctrl.reason)
	}
	if code, env := do(t, s, http.MethodPost, "/api/handoff/end", ""); code != http.StatusServiceUnavailable || env.Error.Code != "not_connected" {
		t.Fatalf("end = %d %q", code, env.Error.Code)
	}

	code, env = do(t, s, http.MethodGet, "/api/handoff", "")
	var hs uistate.HandoffState
	if err := json.Unmarshal(env.Data, &hs); err != nil || code != http.StatusOK {
		t.Fatalf("handoff = %d %v", code, err)
	}
	if hs.Role != protocol.RoleUser || hs.Connection != protocol.ConnDisconnected {
		t.Fatalf("handoff state = %+v", hs)
	}
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("a")
	bus.Publish(Event{Type: "x", Data: 1})
	select {
	case evt := <-ch:
		if evt.Type != "x" {
			t.Fatalf("event = %+v", evt)
		}
	default:
		t.Fatal("expected event")
	}
	for range 40 {
		bus.Publish(Event{Type: "flood"}) // 缓冲满后丢弃, 不阻塞
	}
	bus.Unsubscribe("a")
	if bus.Len() != 0 {
		t.Fatalf("subscribers = %d", bus.Len())
	}
}

func TestSSEStreamsViewChanges(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(ctrl, Options{KeepAlive: time.Hour})
	srv := httptest.NewServer(s.Engine())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Bus().Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ctrl.view.BeginLocalTurn(uistate.LocalMessage{TurnID: "T0", Text: "hi", Ts: time.Now()})

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event:timeline" {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data:") {
			if !strings.Contains(line, `"reason":"local.turn"`) {
				t.Fatalf("data = %s", line)
			}
			return
		}
	}
	t.Fatalf("no timeline event received (err %v)", scanner.Err())
}

func TestChangesJournal(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(ctrl, Options{JournalLen: 2})
	do(t, s, http.MethodPost, "/api/turns", `{"message":"hello"}`)
	do(t, s, http.MethodPost, "/api/turns/abort", "")
	ctrl.view.Apply("noop", func(st uistate.State) uistate.State { return st })

	code, env := do(t, s, http.MethodGet, "/api/changes?limit=5", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/changes = %d", code)
	}
	var records []ChangeRecord
	if err := json.Unmarshal(env.Data, &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 || records[0].Reason != "local.abort" || records[1].Reason != "noop" {
		t.Fatalf("records = %+v", records)
	}
	if records[1].Version != 3 {
		t.Fatalf("last version = %d, want 3", records[1].Version)
	}
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?limit=5", 5},
		{"?limit=0", 50},
		{"?limit=-3", 50},
		{"?limit=abc", 50},
		{"?limit=2000", 2000},
		{"?limit=99999", maxQueryLimit},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/api/changes"+tt.query, nil)
			if got := queryLimit(c, 50); got != tt.want {
				t.Fatalf("queryLimit(%q) = %d, want %d", tt.query, got, tt.want)
			}
		})
	}
}
