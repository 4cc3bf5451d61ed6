// hydrate.go: History Hydrator: 由持久化消息重建与实时流等价的时间线。
package uistate

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/multi-agent/chat-timeline/internal/protocol"
	"github.com/multi-agent/chat-timeline/pkg/util"
)

// 历史消息角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
	RoleOperator  = "agent" // 人工坐席
)

// SystemKindGreeting 系统问候语的 Kind。
const SystemKindGreeting = "greeting"

// HistoryRecord is a persisted conversation message, already decoded.
type HistoryRecord struct {
	ID         string
	Role       string
	Kind       string // system 子类型, 如 "greeting"
	TurnID     string
	SenderName string
	Content    string
	Reasoning  string
	Products   []protocol.Product
	Todos      []protocol.Todo
	Images     []protocol.Image
	Model      string
	ToolName   string
	Status     string
	ElapsedMS  *int64
	Error      string
	Edited     bool
	Read       bool
	CreatedAt  time.Time
}

// Hydrate converts persisted messages into the item shapes Reduce produces for finished turns.
//
// 排序: (CreatedAt, ID) 稳定排序。turn id 优先取持久化值, 否则沿用最近一条用户消息。
func Hydrate(records []HistoryRecord) OrderedList[TimelineItem] {
	ordered := slices.Clone(records)
	slices.SortStableFunc(ordered, func(a, b HistoryRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	timeline := OrderedList[TimelineItem]{}
	currentTurn := ""
	for _, rec := range ordered {
		id := strings.TrimSpace(rec.ID)
		if id == "" || timeline.Has(id) {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(rec.Role))
		if role == RoleUser {
			currentTurn = util.FirstNonEmpty(rec.TurnID, id)
		}
		turnID := util.FirstNonEmpty(rec.TurnID, currentTurn)

		item, ok := hydrateRecord(rec, role, id, turnID)
		if !ok {
			continue
		}
		timeline = timeline.Put(item)
	}
	return timeline
}

func hydrateRecord(rec HistoryRecord, role, id, turnID string) (TimelineItem, bool) {
	base := TimelineItem{
		ID:     id,
		TurnID: turnID,
		Ts:     rec.CreatedAt,
		Origin: OriginHistory,
	}
	switch role {
	case RoleUser, RoleOperator:
		base.Kind = KindUserMessage
		base.Text = rec.Content
		base.Images = rec.Images
		base.SenderName = rec.SenderName
		base.Edited = rec.Edited
		base.Read = rec.Read
		base.Sender = protocol.SenderUser
		if role == RoleOperator {
			base.Sender = protocol.SenderAgent
		}
		return base, true
	case RoleAssistant:
		return hydrateCluster(rec, base), true
	case RoleTool:
		return hydrateToolCall(rec, base), true
	case RoleSystem:
		base.Text = rec.Content
		if strings.EqualFold(strings.TrimSpace(rec.Kind), SystemKindGreeting) {
			base.Kind = KindGreeting
			return base, true
		}
		base.Kind = KindSupportEvent
		base.Event = rec.Kind
		return base, true
	}
	return TimelineItem{}, false
}

// hydrateCluster 子条目顺序与实时流一致: Reasoning → Content → Products → Todos。
func hydrateCluster(rec HistoryRecord, item TimelineItem) TimelineItem {
	item.Kind = KindLLMCall
	item.Model = rec.Model
	item.StartedAt = rec.CreatedAt
	item.ElapsedMS = rec.ElapsedMS

	if rec.Reasoning != "" {
		item = appendDelta(item, ChildReasoning, rec.Reasoning, rec.CreatedAt)
	}
	if rec.Content != "" {
		item = appendDelta(item, ChildContent, rec.Content, rec.CreatedAt)
	}
	item = attachProducts(item, rec.Products, rec.CreatedAt)
	if len(rec.Todos) > 0 {
		item = attachTodos(item, rec.Todos, rec.CreatedAt)
	}
	item.Children = closeChildren(item.Children)
	item.Error = strings.TrimSpace(rec.Error)
	item.Status = persistedStatus(rec.Status, item)
	return item
}

func hydrateToolCall(rec HistoryRecord, item TimelineItem) TimelineItem {
	start := protocol.CallStartData{Name: util.FirstNonEmpty(rec.ToolName, rec.Kind)}
	tool := newToolCall(item.ID, item.TurnID, start, rec.CreatedAt)
	tool.Origin = OriginHistory
	tool.ElapsedMS = rec.ElapsedMS
	tool = attachProducts(tool, rec.Products, rec.CreatedAt)
	if len(rec.Todos) > 0 {
		tool = attachTodos(tool, rec.Todos, rec.CreatedAt)
	}
	tool.Error = strings.TrimSpace(rec.Error)
	tool.Status = persistedStatus(rec.Status, tool)
	return tool
}

// persistedStatus 历史中的调用都已结束: running 或未知状态按结果推断。
func persistedStatus(raw string, item TimelineItem) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusError:
		return StatusError
	case StatusEmpty:
		return StatusEmpty
	case StatusSuccess:
		return StatusSuccess
	}
	switch {
	case item.Error != "":
		return StatusError
	case item.Kind == KindLLMCall && item.Children.Len() == 0:
		return StatusEmpty
	default:
		return StatusSuccess
	}
}

// HydrateState 用历史替换时间线; 正在流式输出时跳过并返回 false。
func HydrateState(s State, records []HistoryRecord) (State, bool) {
	if s.Turn.IsStreaming {
		return s, false
	}
	s.Timeline = Hydrate(records)
	s.Turn = TurnState{}
	s.LastSeq = 0
	return s, true
}
