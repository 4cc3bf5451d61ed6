// Package conversation 会话事件循环: 推送流与 handoff websocket 两路事件汇入同一个 View。
//
// 所有状态写入都在 Run 所在的 goroutine 上执行; 推送流读取和 websocket 读取只负责把
// 解码好的事件经 channel 转交过来。
package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/multi-agent/chat-timeline/internal/protocol"
	"github.com/multi-agent/chat-timeline/internal/stream"
	"github.com/multi-agent/chat-timeline/internal/uistate"
	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
	"github.com/multi-agent/chat-timeline/pkg/logger"
	"github.com/multi-agent/chat-timeline/pkg/util"
)

// ErrTurnInProgress 上一轮仍在推送时再次发送。
var ErrTurnInProgress = errors.New("conversation: a turn is still streaming")

// Socket handoff 通道 (由 *handoff.Client 实现)。
type Socket interface {
	Events() <-chan protocol.SocketEvent
	States() <-chan protocol.ConnState
	SendMessage(content string, images []protocol.Image) (string, error)
	SetTyping(typing bool) error
	StartHandoff(reason string) error
	EndHandoff(summary string) error
	MarkRead(ids []string) error
}

// HistorySource 历史消息来源 (由 *store.ConversationMessageStore 实现)。
type HistorySource interface {
	LoadHistory(ctx context.Context, conversationID string, limit int) ([]uistate.HistoryRecord, error)
}

// Options Runner 依赖。Socket / History 可为空。
type Options struct {
	View          *uistate.View
	Streams       *stream.Client
	Socket        Socket
	History       HistorySource
	HistoryLimit  int
	StreamTimeout time.Duration
}

// Runner 单会话事件循环。
type Runner struct {
	view          *uistate.View
	streams       *stream.Client
	socket        Socket
	history       HistorySource
	historyLimit  int
	streamTimeout time.Duration
	log           *slog.Logger
	now           func() time.Time

	cmds   chan func()
	pumped chan pumpMsg

	// 以下字段只在 Run goroutine 上读写
	runCtx context.Context
	active *activeTurn
}

// activeTurn 正在推送的一轮。
type activeTurn struct {
	turnID   string
	cancel   context.CancelFunc
	stream   atomic.Pointer[stream.Stream]
	aborted  atomic.Bool
	sawFinal bool
}

func (t *activeTurn) abort() {
	t.aborted.Store(true)
	if st := t.stream.Load(); st != nil {
		st.Abort()
	}
	t.cancel()
}

// pumpMsg 推送流 goroutine → 事件循环。done=true 表示该轮流结束, err 为 nil 即正常 EOF。
type pumpMsg struct {
	turn *activeTurn
	ev   protocol.StreamEvent
	done bool
	err  error
}

// New 创建 Runner (不启动)。
func New(opts Options) *Runner {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 5 * time.Minute
	}
	convID := ""
	if opts.View != nil {
		convID = opts.View.Snapshot().ConversationID
	}
	return &Runner{
		view:          opts.View,
		streams:       opts.Streams,
		socket:        opts.Socket,
		history:       opts.History,
		historyLimit:  opts.HistoryLimit,
		streamTimeout: opts.StreamTimeout,
		log:           logger.With(logger.FieldComponent, "conversation", logger.FieldConversationID, convID),
		now:           time.Now,
		cmds:          make(chan func()),
		pumped:        make(chan pumpMsg, 32),
	}
}

// View 当前视图。
func (r *Runner) View() *uistate.View { return r.view }

// ConversationID 会话 id。
func (r *Runner) ConversationID() string { return r.view.Snapshot().ConversationID }

// Run 事件循环, 直到 ctx 取消。
func (r *Runner) Run(ctx context.Context) error {
	r.runCtx = ctx
	defer r.stopActive()

	var socketEvents <-chan protocol.SocketEvent
	var socketStates <-chan protocol.ConnState
	if r.socket != nil {
		socketEvents = r.socket.Events()
		socketStates = r.socket.States()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-r.cmds:
			fn()
		case msg := <-r.pumped:
			r.handlePump(msg)
		case ev, ok := <-socketEvents:
			if !ok {
				socketEvents = nil
				continue
			}
			r.view.ApplySocket(ev)
		case st := <-socketStates:
			r.view.Apply("connection."+string(st), func(s uistate.State) uistate.State {
				return uistate.SetConnection(s, st)
			})
		}
	}
}

// do 在事件循环上执行 fn 并等待结果。
func (r *Runner) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case r.cmds <- func() { result <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ========================================
// 推送流轮次
// ========================================

// Send 以临时 turn id 乐观插入用户消息并打开推送流, 返回临时 turn id。
// 服务端的 meta.start 到达后 turn id 会被整体替换。
func (r *Runner) Send(ctx context.Context, text string, images []protocol.Image) (string, error) {
	const op = "conversation.Send"
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, op, "empty message")
	}
	if r.streams == nil {
		return "", apperrors.Wrap(apperrors.ErrNotConnected, op, "no stream client")
	}
	var turnID string
	err := r.do(ctx, func() error {
		if r.active != nil {
			return ErrTurnInProgress
		}
		turnID = uuid.NewString()
		r.view.BeginLocalTurn(uistate.LocalMessage{
			TurnID: turnID,
			Text:   text,
			Images: images,
			Ts:     r.now(),
		})
		streamCtx, cancel := context.WithTimeout(r.runCtx, r.streamTimeout)
		t := &activeTurn{turnID: turnID, cancel: cancel}
		r.active = t
		req := stream.Request{
			ConversationID: r.view.Snapshot().ConversationID,
			TurnID:         turnID,
			Message:        text,
			Images:         images,
		}
		util.SafeGoNamed("conversation.pump", func() { r.pump(streamCtx, t, req) })
		r.log.Info("conversation: turn started", logger.FieldTurnID, turnID)
		return nil
	})
	return turnID, err
}

// pump 打开推送流并把事件转交事件循环。
func (r *Runner) pump(ctx context.Context, t *activeTurn, req stream.Request) {
	st, err := r.streams.Open(ctx, req)
	if err != nil {
		r.post(ctx, pumpMsg{turn: t, done: true, err: err})
		return
	}
	defer st.Close()
	t.stream.Store(st)
	if t.aborted.Load() {
		st.Abort()
	}
	for {
		ev, err := st.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			r.post(ctx, pumpMsg{turn: t, done: true, err: err})
			return
		}
		if !r.post(ctx, pumpMsg{turn: t, ev: ev}) {
			return
		}
	}
}

func (r *Runner) post(ctx context.Context, msg pumpMsg) bool {
	select {
	case r.pumped <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) handlePump(msg pumpMsg) {
	t := msg.turn
	if t != r.active {
		return // 已中止或已结束的轮次
	}
	if !msg.done {
		r.view.ApplyStream(msg.ev)
		if msg.ev.Type == protocol.EventFinal {
			t.sawFinal = true
		}
		return
	}

	r.active = nil
	t.cancel()
	switch {
	case msg.err != nil && !errors.Is(msg.err, apperrors.ErrAborted):
		r.log.Error("conversation: stream failed",
			logger.FieldTurnID, t.turnID,
			logger.FieldError, msg.err,
		)
		r.view.AbortTurn("stream interrupted")
	case !t.sawFinal && r.view.Snapshot().Turn.IsStreaming:
		r.log.Warn("conversation: stream ended without final", logger.FieldTurnID, t.turnID)
		r.view.Apply("stream.eof", uistate.EndTurn)
	default:
		r.log.Info("conversation: turn finished", logger.FieldTurnID, t.turnID)
	}
}

// Abort 中止当前轮次; 没有进行中的轮次时返回 false。
func (r *Runner) Abort(ctx context.Context) (bool, error) {
	aborted := false
	err := r.do(ctx, func() error {
		if r.active == nil {
			return nil
		}
		t := r.active
		r.active = nil
		t.abort()
		r.view.AbortTurn("aborted")
		r.log.Info("conversation: turn aborted", logger.FieldTurnID, t.turnID)
		aborted = true
		return nil
	})
	return aborted, err
}

func (r *Runner) stopActive() {
	if r.active != nil {
		r.active.abort()
		r.active = nil
	}
}

// ========================================
// 历史
// ========================================

// Hydrate 从历史来源重建时间线; 正在推送时拒绝。
func (r *Runner) Hydrate(ctx context.Context) (int, error) {
	const op = "conversation.Hydrate"
	if r.history == nil {
		return 0, apperrors.Wrap(apperrors.ErrNotFound, op, "no history source")
	}
	records, err := r.history.LoadHistory(ctx, r.ConversationID(), r.historyLimit)
	if err != nil {
		return 0, apperrors.Wrap(err, op, "load history")
	}
	err = r.do(ctx, func() error {
		if !r.view.Hydrate(records) {
			return ErrTurnInProgress
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.log.Info("conversation: hydrated", logger.FieldCount, len(records))
	return len(records), nil
}

// ========================================
// Handoff
// ========================================

func (r *Runner) requireSocket(op string) error {
	if r.socket == nil {
		return apperrors.Wrap(apperrors.ErrNotConnected, op, "handoff socket disabled")
	}
	return nil
}

// SendHandoffMessage 通过 websocket 发送消息并乐观插入; 服务端回显按 client_message_id 就地替换。
func (r *Runner) SendHandoffMessage(ctx context.Context, content string, images []protocol.Image) (string, error) {
	const op = "conversation.SendHandoffMessage"
	if err := r.requireSocket(op); err != nil {
		return "", err
	}
	var clientID string
	err := r.do(ctx, func() error {
		id, err := r.socket.SendMessage(content, images)
		if err != nil {
			return err
		}
		clientID = id
		ts := r.now()
		r.view.Apply("local.message", func(s uistate.State) uistate.State {
			return uistate.AppendLocalMessage(s, id, content, images, ts)
		})
		return nil
	})
	return clientID, err
}

// MarkRead 发送已读并在本地清零对应未读。
func (r *Runner) MarkRead(ctx context.Context, ids []string) error {
	const op = "conversation.MarkRead"
	if err := r.requireSocket(op); err != nil {
		return err
	}
	return r.do(ctx, func() error {
		if err := r.socket.MarkRead(ids); err != nil {
			return err
		}
		r.view.Apply("local.read", func(s uistate.State) uistate.State {
			return uistate.MarkReadLocal(s, ids)
		})
		return nil
	})
}

// SetTyping 转发输入中状态。
func (r *Runner) SetTyping(typing bool) error {
	if err := r.requireSocket("conversation.SetTyping"); err != nil {
		return err
	}
	return r.socket.SetTyping(typing)
}

// StartHandoff 请求人工接管。
func (r *Runner) StartHandoff(reason string) error {
	if err := r.requireSocket("conversation.StartHandoff"); err != nil {
		return err
	}
	return r.socket.StartHandoff(reason)
}

// EndHandoff 结束人工接管。
func (r *Runner) EndHandoff(summary string) error {
	if err := r.requireSocket("conversation.EndHandoff"); err != nil {
		return err
	}
	return r.socket.EndHandoff(summary)
}
