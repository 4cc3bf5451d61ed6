package inspect

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/chat-timeline/internal/conversation"
	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
	"github.com/multi-agent/chat-timeline/pkg/logger"
)

// 统一响应辅助。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func badRequest(c *gin.Context, code, message string) {
	fail(c, http.StatusBadRequest, code, message)
}

// respondError 按错误类别映射状态码。
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		badRequest(c, "invalid_request", err.Error())
	case errors.Is(err, conversation.ErrTurnInProgress):
		fail(c, http.StatusConflict, "turn_in_progress", err.Error())
	case errors.Is(err, apperrors.ErrNotConnected):
		fail(c, http.StatusServiceUnavailable, "not_connected", err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		fail(c, http.StatusNotFound, "not_found", err.Error())
	default:
		logger.FromContext(c.Request.Context()).Error("inspect: internal error", logger.Any(logger.FieldError, err))
		fail(c, http.StatusInternalServerError, "internal_error", "服务器内部错误")
	}
}
