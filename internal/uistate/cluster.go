// cluster.go: Cluster Builder: cluster / tool call 及其子条目的构建与更新。
package uistate

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/multi-agent/chat-timeline/internal/protocol"
)

// childID 子条目 id: <parent>:<kind>:<position>, 实时流与历史回放共用。
func childID(parentID string, kind ChildKind, position int) string {
	return fmt.Sprintf("%s:%s:%d", parentID, kind, position)
}

func waitingID(turnID string) string {
	if turnID == "" {
		return "waiting"
	}
	return "waiting:" + turnID
}

func newCluster(callID, turnID string, start protocol.CallStartData, ts time.Time) TimelineItem {
	return TimelineItem{
		ID:        callID,
		Kind:      KindLLMCall,
		TurnID:    turnID,
		Ts:        ts,
		Origin:    OriginStream,
		Status:    StatusRunning,
		Model:     start.Model,
		Name:      start.Name,
		StartedAt: ts,
	}
}

func newToolCall(callID, turnID string, start protocol.CallStartData, ts time.Time) TimelineItem {
	label := strings.TrimSpace(start.Label)
	if label == "" {
		label = toolLabel(start.Name)
	}
	return TimelineItem{
		ID:        callID,
		Kind:      KindToolCall,
		TurnID:    turnID,
		Ts:        ts,
		Origin:    OriginStream,
		Status:    StatusRunning,
		Name:      start.Name,
		Label:     label,
		StartedAt: ts,
	}
}

// toolLabel 由工具名派生展示名: search_products → "Search Products"。
func toolLabel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Tool"
	}
	words := strings.Fields(strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(name))
	if len(words) == 0 {
		return "Tool"
	}
	// Caser 有状态, 不可跨 goroutine 共享
	return cases.Title(language.Und).String(strings.Join(words, " "))
}

// appendDelta 把增量追加到末尾同类未关闭子条目, 否则新建。
// 正文增量先关闭 cluster 内所有未关闭的推理子条目。
func appendDelta(item TimelineItem, kind ChildKind, delta string, ts time.Time) TimelineItem {
	if delta == "" {
		return item
	}
	children := item.Children
	if kind == ChildContent {
		children = closeChildren(children, ChildReasoning)
	}
	if last, ok := children.Last(); ok && last.Kind == kind && !last.Done {
		children, _ = children.Update(last.ID, func(c Child) Child {
			c.Text += delta
			return c
		})
	} else {
		children = children.Put(Child{
			ID:   childID(item.ID, kind, children.Len()),
			Kind: kind,
			Ts:   ts,
			Text: delta,
		})
	}
	item.Children = children
	return item
}

// attachProducts 追加商品子条目。
func attachProducts(item TimelineItem, products []protocol.Product, ts time.Time) TimelineItem {
	if len(products) == 0 {
		return item
	}
	item.Children = item.Children.Put(Child{
		ID:       childID(item.ID, ChildProducts, item.Children.Len()),
		Kind:     ChildProducts,
		Ts:       ts,
		Done:     true,
		Products: products,
	})
	return item
}

// attachTodos 待办为整表快照: 已有 Todos 子条目则原位替换。
func attachTodos(item TimelineItem, todos []protocol.Todo, ts time.Time) TimelineItem {
	for _, c := range item.Children.All {
		if c.Kind != ChildTodos {
			continue
		}
		item.Children, _ = item.Children.Update(c.ID, func(c Child) Child {
			c.Todos = todos
			c.Ts = ts
			return c
		})
		return item
	}
	item.Children = item.Children.Put(Child{
		ID:    childID(item.ID, ChildTodos, item.Children.Len()),
		Kind:  ChildTodos,
		Ts:    ts,
		Done:  true,
		Todos: todos,
	})
	return item
}

func attachSummary(item TimelineItem, data protocol.ContextSummarizedData, ts time.Time) TimelineItem {
	item.Children = item.Children.Put(Child{
		ID:           childID(item.ID, ChildContextSummarized, item.Children.Len()),
		Kind:         ChildContextSummarized,
		Ts:           ts,
		Done:         true,
		Text:         data.Summary,
		TokensBefore: data.TokensBefore,
		TokensAfter:  data.TokensAfter,
	})
	return item
}

// closeChildren 关闭给定类型的未关闭子条目; kinds 为空时关闭全部。
func closeChildren(children OrderedList[Child], kinds ...ChildKind) OrderedList[Child] {
	return children.Map(func(c Child) (Child, bool) {
		if c.Done {
			return c, false
		}
		if len(kinds) > 0 && !containsKind(kinds, c.Kind) {
			return c, false
		}
		c.Done = true
		return c, true
	})
}

func hasOpenChild(children OrderedList[Child], kind ChildKind) bool {
	for _, c := range children.All {
		if c.Kind == kind && !c.Done {
			return true
		}
	}
	return false
}

func containsKind(kinds []ChildKind, k ChildKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// finishCall 结束 cluster / tool call: 设置状态、耗时与错误, 关闭子条目。
func finishCall(item TimelineItem, end protocol.CallEndData, ts time.Time) TimelineItem {
	item.Children = closeChildren(item.Children)
	item.Error = strings.TrimSpace(string(end.Error))
	switch {
	case item.Error != "":
		item.Status = StatusError
	case item.Kind == KindLLMCall && item.Children.Len() == 0:
		item.Status = StatusEmpty
	default:
		item.Status = StatusSuccess
	}
	item.ElapsedMS = elapsedMS(end.ElapsedMS, item.StartedAt, ts)
	return item
}

// elapsedMS 优先使用事件携带的耗时, 否则为 end − start (两端时间均已知时)。
func elapsedMS(carried *int64, start, end time.Time) *int64 {
	if carried != nil {
		v := max(*carried, 0)
		return &v
	}
	if start.IsZero() || end.IsZero() {
		return nil
	}
	v := max(end.Sub(start).Milliseconds(), 0)
	return &v
}

// failCall 把仍在运行的调用标记为失败 (中止时使用)。
func failCall(item TimelineItem, reason string, ts time.Time) TimelineItem {
	item.Children = closeChildren(item.Children)
	item.Status = StatusError
	item.Error = reason
	item.ElapsedMS = elapsedMS(nil, item.StartedAt, ts)
	return item
}
