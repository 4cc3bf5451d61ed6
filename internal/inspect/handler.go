// handler.go: inspect REST handlers。
package inspect

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/chat-timeline/internal/protocol"
	"github.com/multi-agent/chat-timeline/pkg/util"
)

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/timeline", s.getTimeline)
	api.GET("/changes", s.listChanges)
	api.POST("/turns", s.sendTurn)
	api.POST("/turns/abort", s.abortTurn)
	api.POST("/history/hydrate", s.hydrate)

	api.GET("/handoff", s.getHandoff)
	api.POST("/handoff/messages", s.sendHandoffMessage)
	api.POST("/handoff/read", s.markRead)
	api.POST("/handoff/typing", s.setTyping)
	api.POST("/handoff/start", s.startHandoff)
	api.POST("/handoff/end", s.endHandoff)

	s.router.GET("/events", s.sseHandler)
}

const maxQueryLimit = 2000

// queryLimit 从 query 读 limit; 缺省或非法时用 def, 结果限制在 [1, maxQueryLimit]。
func queryLimit(c *gin.Context, def int) int {
	v, err := strconv.Atoi(c.Query("limit"))
	if err != nil || v < 1 {
		v = def
	}
	return util.ClampInt(v, 1, maxQueryLimit)
}

// ========================================
// Timeline
// ========================================

func (s *Server) getTimeline(c *gin.Context) {
	view := s.ctrl.View()
	state := view.Snapshot()
	success(c, gin.H{
		"conversationId": state.ConversationID,
		"version":        view.Version(),
		"turn":           state.Turn,
		"lastSeq":        state.LastSeq,
		"items":          state.Timeline,
	})
}

func (s *Server) listChanges(c *gin.Context) {
	success(c, s.journal.Last(queryLimit(c, 50)))
}

type messageRequest struct {
	Message string           `json:"message"`
	Images  []protocol.Image `json:"images"`
}

func (s *Server) sendTurn(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	turnID, err := s.ctrl.Send(c.Request.Context(), req.Message, req.Images)
	if err != nil {
		respondError(c, err)
		return
	}
	accepted(c, gin.H{"turnId": turnID})
}

func (s *Server) abortTurn(c *gin.Context) {
	aborted, err := s.ctrl.Abort(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"aborted": aborted})
}

func (s *Server) hydrate(c *gin.Context) {
	n, err := s.ctrl.Hydrate(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"records": n})
}

// ========================================
// Handoff
// ========================================

func (s *Server) getHandoff(c *gin.Context) {
	success(c, s.ctrl.View().Snapshot().Handoff)
}

func (s *Server) sendHandoffMessage(c *gin.Context) {
	var req struct {
		Content string           `json:"content"`
		Images  []protocol.Image `json:"images"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Images) == 0 {
		badRequest(c, "invalid_request", "content or images required")
		return
	}
	id, err := s.ctrl.SendHandoffMessage(c.Request.Context(), req.Content, req.Images)
	if err != nil {
		respondError(c, err)
		return
	}
	accepted(c, gin.H{"clientMessageId": id})
}

func (s *Server) markRead(c *gin.Context) {
	var req struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := s.ctrl.MarkRead(c.Request.Context(), req.MessageIDs); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"ok": true})
}

func (s *Server) setTyping(c *gin.Context) {
	var req struct {
		IsTyping bool `json:"is_typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := s.ctrl.SetTyping(req.IsTyping); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"ok": true})
}

func (s *Server) startHandoff(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req) // body 可选
	if err := s.ctrl.StartHandoff(req.Reason); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"ok": true})
}

func (s *Server) endHandoff(c *gin.Context) {
	var req struct {
		Summary string `json:"summary"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := s.ctrl.EndHandoff(req.Summary); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"ok": true})
}
