// Package inspect 提供会话时间线的 HTTP 查看与操作接口 (gin + SSE)。
package inspect

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/chat-timeline/internal/protocol"
	"github.com/multi-agent/chat-timeline/internal/uistate"
)

// Controller 会话操作入口 (由 *conversation.Runner 实现)。
type Controller interface {
	View() *uistate.View
	Send(ctx context.Context, text string, images []protocol.Image) (string, error)
	Abort(ctx context.Context) (bool, error)
	Hydrate(ctx context.Context) (int, error)
	SendHandoffMessage(ctx context.Context, content string, images []protocol.Image) (string, error)
	MarkRead(ctx context.Context, ids []string) error
	SetTyping(typing bool) error
	StartHandoff(reason string) error
	EndHandoff(summary string) error
}

// Options 服务配置。
type Options struct {
	KeepAlive  time.Duration // SSE 保活间隔, 默认 30s
	JournalLen int           // 最近变更记录条数, 默认 256
}

// ChangeRecord 一次视图变更的摘要 (/api/changes)。
type ChangeRecord struct {
	Version     uint64    `json:"version"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
	TurnID      string    `json:"turnId,omitempty"`
	IsStreaming bool      `json:"isStreaming"`
	ItemCount   int       `json:"itemCount"`
}

// Server inspect HTTP 服务。
type Server struct {
	router    *gin.Engine
	ctrl      Controller
	bus       *EventBus
	journal   *RingBuffer[ChangeRecord]
	keepAlive time.Duration
}

// NewServer 创建服务并把视图变更接到事件总线。
func NewServer(ctrl Controller, opts Options) *Server {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.JournalLen <= 0 {
		opts.JournalLen = 256
	}
	r := gin.New()
	r.Use(gin.Recovery())
	s := &Server{
		router:    r,
		ctrl:      ctrl,
		bus:       NewEventBus(),
		journal:   NewRingBuffer[ChangeRecord](opts.JournalLen),
		keepAlive: opts.KeepAlive,
	}
	ctrl.View().OnChange(s.publishChange)
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Bus 返回事件总线。
func (s *Server) Bus() *EventBus { return s.bus }

// publishChange 只推送变更摘要, 客户端按需再拉 /api/timeline。
func (s *Server) publishChange(ch uistate.Change) {
	s.journal.Push(ChangeRecord{
		Version:     ch.Version,
		Reason:      ch.Reason,
		At:          time.Now(),
		TurnID:      ch.State.Turn.TurnID,
		IsStreaming: ch.State.Turn.IsStreaming,
		ItemCount:   ch.State.Timeline.Len(),
	})
	s.bus.Publish(Event{Type: "timeline", Data: gin.H{
		"version":     ch.Version,
		"reason":      ch.Reason,
		"turn":        ch.State.Turn,
		"itemCount":   ch.State.Timeline.Len(),
		"unreadCount": ch.State.Handoff.UnreadCount,
	}})
}
