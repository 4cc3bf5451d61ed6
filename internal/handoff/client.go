// client.go: Handoff websocket 客户端: 连接生命周期、心跳、固定间隔重连与客户端 action。
//
//	Disconnected → Connecting → Connected → Disconnected → (ReconnectDelay) → Connecting ...
//
// 重连使用固定间隔, 没有指数退避或抖动。
package handoff

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/chat-timeline/internal/protocol"
	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
	"github.com/multi-agent/chat-timeline/pkg/logger"
	"github.com/multi-agent/chat-timeline/pkg/util"
)

const (
	defaultReconnectDelay   = 3 * time.Second
	defaultPingInterval     = 25 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultEventBuffer      = 64
)

// Options 客户端配置。零值字段使用默认值。
type Options struct {
	URL              string
	ConversationID   string
	Token            string
	Role             protocol.Role
	ReconnectDelay   time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	// ReadIdleTimeout 超过该时长未收到任何帧即判定断线, 默认 3×PingInterval。
	ReadIdleTimeout time.Duration
	EventBuffer     int
}

func (o Options) withDefaults() Options {
	if o.Role == "" {
		o.Role = protocol.RoleUser
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.ReadIdleTimeout <= 0 {
		o.ReadIdleTimeout = 3 * o.PingInterval
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	return o
}

// Client handoff 通道客户端。Run 只能调用一次。
type Client struct {
	opts    Options
	decoder protocol.Decoder
	log     *slog.Logger

	events chan protocol.SocketEvent
	states chan protocol.ConnState

	wsMu sync.Mutex // 保护 ws 与写入
	ws   *websocket.Conn

	state   atomic.Value // protocol.ConnState
	stopped atomic.Bool
	dials   atomic.Int64
	now     func() time.Time
}

// New 创建客户端 (不发起连接)。
func New(opts Options) *Client {
	opts = opts.withDefaults()
	log := logger.Get().With(
		logger.FieldComponent, "handoff",
		logger.FieldConversationID, opts.ConversationID,
		logger.FieldRole, opts.Role,
	)
	c := &Client{
		opts:    opts,
		decoder: protocol.Decoder{ConversationID: opts.ConversationID, Log: log},
		log:     log,
		events:  make(chan protocol.SocketEvent, opts.EventBuffer),
		states:  make(chan protocol.ConnState, 8),
		now:     time.Now,
	}
	c.state.Store(protocol.ConnDisconnected)
	return c
}

// Events 已解码的服务端事件; 每次断线会额外合成一条 system.disconnected。Run 返回后关闭。
func (c *Client) Events() <-chan protocol.SocketEvent { return c.events }

// States 连接状态变化 (尽力投递, 缓冲满时丢弃)。
func (c *Client) States() <-chan protocol.ConnState { return c.states }

// State 当前连接状态。
func (c *Client) State() protocol.ConnState { return c.state.Load().(protocol.ConnState) }

// Role 本端身份。
func (c *Client) Role() protocol.Role { return c.opts.Role }

// ConversationID 绑定的会话。
func (c *Client) ConversationID() string { return c.opts.ConversationID }

func (c *Client) setState(s protocol.ConnState) {
	prev := c.state.Swap(s)
	if prev == s {
		return
	}
	c.log.Info("handoff: state changed", logger.FieldState, s, "prev", prev)
	select {
	case c.states <- s:
	default:
		c.log.Warn("handoff: state channel full, dropped", logger.FieldState, s)
	}
}

// ========================================
// 连接生命周期
// ========================================

// Run 连接并保持连接直到 ctx 取消或 Close。断线后等待固定 ReconnectDelay 重连。
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	for {
		if c.stopped.Load() {
			return nil
		}
		c.setState(protocol.ConnConnecting)
		attempt := c.dials.Add(1)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(protocol.ConnDisconnected)
			c.log.Warn("handoff: dial failed",
				logger.FieldAttempt, attempt,
				logger.FieldError, err,
			)
		} else {
			c.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.stopped.Load() {
			return nil
		}
		c.log.Info("handoff: reconnecting",
			logger.FieldDelayMS, c.opts.ReconnectDelay.Milliseconds(),
			logger.FieldAttempt, attempt+1,
		)
		if !sleepWithContext(ctx, c.opts.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

// serve 持有一条已建立的连接直到断开。
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.replaceConn(conn)
	c.setState(protocol.ConnConnected)

	done := make(chan struct{})
	util.SafeGoNamed("handoff.pingLoop", func() { c.pingLoop(ctx, conn, done) })
	reason := c.readLoop(ctx, conn)
	close(done)

	c.dropConn(conn)
	c.setState(protocol.ConnDisconnected)
	c.deliver(ctx, protocol.SocketEvent{
		ID:             "system.disconnected:" + uuid.NewString(),
		Ts:             c.now(),
		Action:         protocol.ActionDisconnected,
		ConversationID: c.opts.ConversationID,
		Data:           protocol.DisconnectedData{Reason: reason},
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	const op = "handoff.dial"
	target, err := c.targetURL()
	if err != nil {
		return nil, apperrors.Wrap(err, op, "build url")
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: c.opts.HandshakeTimeout}).DialContext,
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, apperrors.WithCode(err, op, apperrors.CodeTransport, "ws connect")
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadIdleTimeout))
	})
	return conn, nil
}

// targetURL 连接地址携带 conversation_id / token / role 查询参数。
func (c *Client) targetURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.opts.URL))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("conversation_id", c.opts.ConversationID)
	q.Set("role", string(c.opts.Role))
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop 读取直到连接出错, 返回断线原因。
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) string {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.stopped.Load() {
				c.log.Debug("handoff: read stopped", logger.FieldError, err)
				return "closed"
			}
			c.log.Warn("handoff: read failed", logger.FieldError, err)
			return err.Error()
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadIdleTimeout))

		ev, ok := c.decoder.Socket(message)
		if !ok {
			continue
		}
		switch ev.Action {
		case protocol.ActionPong:
			continue
		case protocol.ActionPing:
			if err := c.write(protocol.ActionPong, struct{}{}); err != nil {
				c.log.Debug("handoff: pong failed", logger.FieldError, err)
			}
			continue
		}
		c.log.Debug("handoff: event", logger.FieldAction, ev.Action, logger.FieldEventID, ev.ID)
		if !c.deliver(ctx, ev) {
			return "closed"
		}
	}
}

func (c *Client) deliver(ctx context.Context, ev protocol.SocketEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// pingLoop 连接期间按固定间隔发送 system.ping; ctx 取消时关闭连接以解除 ReadMessage 阻塞。
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if c.currentConn() != conn {
				return
			}
			if err := c.write(protocol.ActionPing, struct{}{}); err != nil {
				c.log.Warn("handoff: ping failed", logger.FieldError, err)
				return
			}
		}
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.ws
}

func (c *Client) replaceConn(conn *websocket.Conn) {
	c.wsMu.Lock()
	prev := c.ws
	c.ws = conn
	c.wsMu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.wsMu.Lock()
	if c.ws == conn {
		c.ws = nil
	}
	c.wsMu.Unlock()
	_ = conn.Close()
}

// Close 停止重连并关闭当前连接。
func (c *Client) Close() error {
	c.stopped.Store(true)
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return nil
	}
	err := c.ws.Close()
	c.ws = nil
	return err
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
