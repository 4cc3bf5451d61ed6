// conversation_message.go: conversation_messages 表读取 (历史记录 → 时间线 hydrate)。
//
// 结构化字段 (reasoning / products / todos / 工具状态) 存在 metadata jsonb 中。
package store

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/chat-timeline/internal/protocol"
	"github.com/multi-agent/chat-timeline/internal/uistate"
	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
	"github.com/multi-agent/chat-timeline/pkg/logger"
)

// ConversationMessage conversation_messages 行。
type ConversationMessage struct {
	ID             string          `db:"id" json:"id"`
	ConversationID string          `db:"conversation_id" json:"conversationId"`
	Role           string          `db:"role" json:"role"` // user | assistant | system | tool | agent
	Kind           string          `db:"kind" json:"kind"`
	TurnID         string          `db:"turn_id" json:"turnId"`
	SenderName     string          `db:"sender_name" json:"senderName"`
	Content        string          `db:"content" json:"content"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// MessageMetadata metadata jsonb 中的结构化字段。
type MessageMetadata struct {
	Reasoning string             `json:"reasoning,omitempty"`
	Products  []protocol.Product `json:"products,omitempty"`
	Todos     []protocol.Todo    `json:"todos,omitempty"`
	Images    []protocol.Image   `json:"images,omitempty"`
	Model     string             `json:"model,omitempty"`
	ToolName  string             `json:"tool_name,omitempty"`
	Status    string             `json:"status,omitempty"`
	ElapsedMS *int64             `json:"elapsed_ms,omitempty"`
	Error     string             `json:"error,omitempty"`
	Edited    bool               `json:"edited,omitempty"`
	Read      bool               `json:"read,omitempty"`
}

// ToRecord 转为 hydrator 输入。metadata 损坏时仅保留基础字段。
func (m ConversationMessage) ToRecord() uistate.HistoryRecord {
	rec := uistate.HistoryRecord{
		ID:         m.ID,
		Role:       strings.ToLower(strings.TrimSpace(m.Role)),
		Kind:       m.Kind,
		TurnID:     m.TurnID,
		SenderName: m.SenderName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
	if len(m.Metadata) == 0 {
		return rec
	}
	var meta MessageMetadata
	if err := json.Unmarshal(m.Metadata, &meta); err != nil {
		logger.Warn("store: invalid message metadata, ignored",
			logger.FieldMessageID, m.ID,
			logger.FieldError, err,
		)
		return rec
	}
	rec.Reasoning = meta.Reasoning
	rec.Products = meta.Products
	rec.Todos = meta.Todos
	rec.Images = meta.Images
	rec.Model = meta.Model
	rec.ToolName = meta.ToolName
	rec.Status = meta.Status
	rec.ElapsedMS = meta.ElapsedMS
	rec.Error = meta.Error
	rec.Edited = meta.Edited
	rec.Read = meta.Read
	return rec
}

// ConversationMessageStore conversation_messages 存储。
type ConversationMessageStore struct{ BaseStore }

// NewConversationMessageStore 创建。
func NewConversationMessageStore(pool *pgxpool.Pool) *ConversationMessageStore {
	return &ConversationMessageStore{NewBaseStore(pool)}
}

const cmCols = "id, conversation_id, role, kind, turn_id, sender_name, content, metadata, created_at"

// listQuery 最新 limit 条 (倒序取, 调用方再正序)。
func listQuery(conversationID string, since time.Time, limit int) (string, []any) {
	return NewQueryBuilder().
		Eq("conversation_id", conversationID).
		Since("created_at", since).
		Build("SELECT "+cmCols+" FROM conversation_messages", "created_at DESC, id DESC", limit)
}

// ListByConversation 查询会话最近 limit 条消息, 按 (created_at, id) 正序返回。
func (s *ConversationMessageStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]ConversationMessage, error) {
	const op = "store.ListByConversation"
	if strings.TrimSpace(conversationID) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "conversation id is required")
	}
	sql, args := listQuery(conversationID, time.Time{}, limit)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "query")
	}
	items, err := collectRows[ConversationMessage](rows)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "scan")
	}
	slices.Reverse(items)
	return items, nil
}

// LoadHistory 读取并转换为 hydrator 输入 (实现 conversation.HistorySource)。
func (s *ConversationMessageStore) LoadHistory(ctx context.Context, conversationID string, limit int) ([]uistate.HistoryRecord, error) {
	items, err := s.ListByConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return ToRecords(items), nil
}

// ToRecords 批量转换。
func ToRecords(items []ConversationMessage) []uistate.HistoryRecord {
	out := make([]uistate.HistoryRecord, 0, len(items))
	for _, m := range items {
		out = append(out, m.ToRecord())
	}
	return out
}

// Insert 写入单条消息 (fixture 与离线导入使用)。
func (s *ConversationMessageStore) Insert(ctx context.Context, msg *ConversationMessage) error {
	const op = "store.InsertConversationMessage"
	if msg == nil || strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.ConversationID) == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "id and conversation id are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	meta := msg.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_messages (id, conversation_id, role, kind, turn_id, sender_name, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.Role, msg.Kind, msg.TurnID, msg.SenderName, msg.Content, meta, msg.CreatedAt)
	if err != nil {
		return apperrors.Wrap(err, op, "insert")
	}
	return nil
}
