// socket_actions.go: handoff websocket action 命名空间与 payload 结构。
package protocol

import "strings"

// Action websocket 信封 action 字段。
type Action string

// system.*: 连接层。
const (
	ActionPing         Action = "system.ping"
	ActionPong         Action = "system.pong"
	ActionAck          Action = "system.ack"
	ActionSystemError  Action = "system.error"
	ActionConnected    Action = "system.connected"
	ActionDisconnected Action = "system.disconnected"
)

// server.*: 服务端推送。
const (
	ActionMessage           Action = "server.message"
	ActionTyping            Action = "server.typing"
	ActionReadReceipt       Action = "server.read_receipt"
	ActionHandoffStarted    Action = "server.handoff_started"
	ActionHandoffEnded      Action = "server.handoff_ended"
	ActionUserOnline        Action = "server.user_online"
	ActionUserOffline       Action = "server.user_offline"
	ActionAgentOnline       Action = "server.agent_online"
	ActionAgentOffline      Action = "server.agent_offline"
	ActionConversationState Action = "server.conversation_state"
	ActionMessageWithdrawn  Action = "server.message_withdrawn"
	ActionMessageEdited     Action = "server.message_edited"
	ActionMessagesDeleted   Action = "server.messages_deleted"
)

// client.<role>.<verb>: 客户端发起。
const (
	VerbSendMessage  = "send_message"
	VerbTyping       = "typing"
	VerbStartHandoff = "start_handoff"
	VerbEndHandoff   = "end_handoff"
	VerbMarkRead     = "mark_read"
)

// Role 连接身份: 终端用户或人工坐席。
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ClientAction 拼出 client.<role>.<verb>。
func ClientAction(role Role, verb string) Action {
	if role == "" {
		role = RoleUser
	}
	return Action("client." + string(role) + "." + verb)
}

// IsClientAction 判断是否为客户端发起的 action。
func (a Action) IsClientAction() bool {
	return strings.HasPrefix(string(a), "client.")
}

// HandoffMode 会话当前由谁负责回复。
type HandoffMode string

const (
	HandoffAI      HandoffMode = "ai"
	HandoffPending HandoffMode = "pending"
	HandoffHuman   HandoffMode = "human"
)

// Valid 判断是否为已知模式。
func (m HandoffMode) Valid() bool {
	switch m {
	case HandoffAI, HandoffPending, HandoffHuman:
		return true
	}
	return false
}

// ConnState websocket 连接状态。
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// Peer 返回与 role 相对的一方的 SenderType。
func (r Role) Peer() SenderType {
	if r == RoleAgent {
		return SenderUser
	}
	return SenderAgent
}

// Sender 返回 role 自身发言时的 SenderType。
func (r Role) Sender() SenderType {
	if r == RoleAgent {
		return SenderAgent
	}
	return SenderUser
}

// SenderType 消息作者类型。
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderAI     SenderType = "ai"
	SenderSystem SenderType = "system"
)

// ========================================
// Server payloads
// ========================================

// Operator 人工坐席身份。
type Operator struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Image 图片附件。
type Image struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ChatMessage server.message。
type ChatMessage struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id,omitempty"`
	SenderType      SenderType `json:"sender_type"`
	SenderID        string     `json:"sender_id,omitempty"`
	SenderName      string     `json:"sender_name,omitempty"`
	Content         string     `json:"content"`
	Images          []Image    `json:"images,omitempty"`
	CreatedAt       Timestamp  `json:"created_at"`
	ClientMessageID string     `json:"client_message_id,omitempty"`
}

// ConnectedData system.connected: 连接建立后的权威初始状态。
type ConnectedData struct {
	ConnectionID string      `json:"connection_id"`
	HandoffState HandoffMode `json:"handoff_state"`
	Operator     *Operator   `json:"agent,omitempty"`
	PeerOnline   bool        `json:"peer_online"`
	UnreadCount  int         `json:"unread_count"`
}

// DisconnectedData system.disconnected (服务端下发或本地合成)。
type DisconnectedData struct {
	Reason string `json:"reason,omitempty"`
}

// SystemErrorData system.error。
type SystemErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// AckData system.ack。
type AckData struct {
	RequestID string `json:"request_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// PongData system.pong。
type PongData struct{}

// TypingData server.typing。
type TypingData struct {
	SenderType SenderType `json:"sender_type"`
	IsTyping   bool       `json:"is_typing"`
}

// ReadReceiptData server.read_receipt。
type ReadReceiptData struct {
	MessageIDs []string   `json:"message_ids"`
	ReaderType SenderType `json:"reader_type,omitempty"`
	ReadAt     Timestamp  `json:"read_at"`
}

// HandoffStartedData server.handoff_started。
type HandoffStartedData struct {
	Operator *Operator `json:"agent,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// HandoffEndedData server.handoff_ended。
type HandoffEndedData struct {
	Operator *Operator `json:"agent,omitempty"`
	Summary  string    `json:"summary,omitempty"`
}

// PresenceData server.{user,agent}_{online,offline}。
type PresenceData struct {
	UserID     string    `json:"user_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	LastSeenAt Timestamp `json:"last_seen_at"`
}

// ConversationStateData server.conversation_state: 权威快照。
type ConversationStateData struct {
	HandoffState   HandoffMode `json:"handoff_state"`
	Operator       *Operator   `json:"agent,omitempty"`
	PeerOnline     bool        `json:"peer_online"`
	PeerLastSeenAt Timestamp   `json:"peer_last_seen_at"`
	UnreadCount    int         `json:"unread_count"`
}

// MessageWithdrawnData server.message_withdrawn。
type MessageWithdrawnData struct {
	MessageID   string    `json:"message_id"`
	WithdrawnBy string    `json:"withdrawn_by,omitempty"`
	WithdrawnAt Timestamp `json:"withdrawn_at"`
}

// MessageEditedData server.message_edited。SupersededIDs 为需级联删除的旧消息。
type MessageEditedData struct {
	MessageID     string    `json:"message_id"`
	Content       string    `json:"content"`
	EditedAt      Timestamp `json:"edited_at"`
	SupersededIDs []string  `json:"superseded_message_ids,omitempty"`
}

// MessagesDeletedData server.messages_deleted。
type MessagesDeletedData struct {
	MessageIDs []string `json:"message_ids"`
}

// ========================================
// Client payloads
// ========================================

// SendMessagePayload client.<role>.send_message。
type SendMessagePayload struct {
	Content         string  `json:"content"`
	Images          []Image `json:"images,omitempty"`
	ClientMessageID string  `json:"client_message_id"`
}

// TypingPayload client.<role>.typing。
type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

// StartHandoffPayload client.<role>.start_handoff。
type StartHandoffPayload struct {
	Reason string `json:"reason,omitempty"`
}

// EndHandoffPayload client.<role>.end_handoff。
type EndHandoffPayload struct {
	Summary string `json:"summary,omitempty"`
}

// MarkReadPayload client.<role>.mark_read。
type MarkReadPayload struct {
	MessageIDs []string `json:"message_ids"`
}
