// view.go: View: 单个会话视图持有的当前 State, 供事件循环写入、HTTP 读取。
package uistate

import (
	"sync"
	"time"

	"github.com/multi-agent/chat-timeline/internal/protocol"
)

// Change 一次状态变更通知。
type Change struct {
	Version uint64
	Reason  string
	State   State
}

// View stores one conversation's timeline state.
//
// 写入由单个事件循环串行完成; 读取方拿到的 State 是不可变快照, 可直接序列化。
type View struct {
	mu sync.RWMutex // 保护 state/version/listeners

	state     State
	version   uint64
	listeners []func(Change)
}

// NewView creates an empty view.
func NewView(conversationID string, role protocol.Role) *View {
	return &View{state: NewState(conversationID, role)}
}

// Snapshot 返回当前状态 (结构共享, 调用方不得修改)。
func (v *View) Snapshot() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Version 单调递增的变更计数。
func (v *View) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// OnChange 注册变更回调; 回调在锁外同步执行。
func (v *View) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

// Apply 以 fn 计算新状态并通知监听者。
func (v *View) Apply(reason string, fn func(State) State) State {
	v.mu.Lock()
	v.state = fn(v.state)
	v.version++
	change := Change{Version: v.version, Reason: reason, State: v.state}
	listeners := v.listeners
	v.mu.Unlock()

	for _, listener := range listeners {
		listener(change)
	}
	return change.State
}

// ApplyStream 应用推送流事件。
func (v *View) ApplyStream(ev protocol.StreamEvent) State {
	return v.Apply(string(ev.Type), func(s State) State { return Reduce(s, ev) })
}

// ApplySocket 应用 websocket 事件。
func (v *View) ApplySocket(ev protocol.SocketEvent) State {
	return v.Apply(string(ev.Action), func(s State) State { return ApplySocket(s, ev) })
}

// BeginLocalTurn 见包级 BeginLocalTurn。
func (v *View) BeginLocalTurn(msg LocalMessage) State {
	return v.Apply("local.turn", func(s State) State { return BeginLocalTurn(s, msg) })
}

// AbortTurn 见包级 AbortTurn。
func (v *View) AbortTurn(reason string) State {
	return v.Apply("local.abort", func(s State) State { return AbortTurn(s, reason, time.Now()) })
}

// Hydrate rebuilds the timeline from stored messages.
// Returns false if skipped (the conversation is actively streaming).
func (v *View) Hydrate(records []HistoryRecord) bool {
	hydrated := false
	v.Apply("history.hydrate", func(s State) State {
		next, ok := HydrateState(s, records)
		hydrated = ok
		return next
	})
	return hydrated
}
