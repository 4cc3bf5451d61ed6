// actions.go: 客户端发起的 action: 发消息、输入中、发起/结束人工接管、标记已读。
package handoff

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/chat-timeline/internal/protocol"
	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
	"github.com/multi-agent/chat-timeline/pkg/logger"
)

// SendMessage 发送消息, 返回 client_message_id (服务端回显时据此替换乐观条目)。
func (c *Client) SendMessage(content string, images []protocol.Image) (string, error) {
	if strings.TrimSpace(content) == "" && len(images) == 0 {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, "handoff.SendMessage", "empty message")
	}
	clientID := uuid.NewString()
	err := c.sendVerb(protocol.VerbSendMessage, protocol.SendMessagePayload{
		Content:         content,
		Images:          images,
		ClientMessageID: clientID,
	})
	if err != nil {
		return "", err
	}
	return clientID, nil
}

// SetTyping 设置输入中标记。
func (c *Client) SetTyping(typing bool) error {
	return c.sendVerb(protocol.VerbTyping, protocol.TypingPayload{IsTyping: typing})
}

// StartHandoff 请求人工接管。
func (c *Client) StartHandoff(reason string) error {
	return c.sendVerb(protocol.VerbStartHandoff, protocol.StartHandoffPayload{Reason: strings.TrimSpace(reason)})
}

// EndHandoff 结束人工接管。
func (c *Client) EndHandoff(summary string) error {
	return c.sendVerb(protocol.VerbEndHandoff, protocol.EndHandoffPayload{Summary: strings.TrimSpace(summary)})
}

// MarkRead 标记消息已读。
func (c *Client) MarkRead(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.sendVerb(protocol.VerbMarkRead, protocol.MarkReadPayload{MessageIDs: ids})
}

func (c *Client) sendVerb(verb string, payload any) error {
	return c.write(protocol.ClientAction(c.opts.Role, verb), payload)
}

// write 线程安全写入一帧; 写失败关闭连接, 由 readLoop 感知并进入重连。
func (c *Client) write(action protocol.Action, payload any) error {
	const op = "handoff.write"
	frame, id, err := protocol.EncodeClient(action, c.opts.ConversationID, payload, c.now())
	if err != nil {
		return err
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return apperrors.Wrap(apperrors.ErrNotConnected, op, string(action))
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = c.ws.Close()
		c.ws = nil
		return apperrors.WithCode(err, op, apperrors.CodeTransport, string(action))
	}
	if action != protocol.ActionPing && action != protocol.ActionPong {
		c.log.Debug("handoff: sent", logger.FieldAction, action, logger.FieldEventID, id)
	}
	return nil
}
