// sse.go: SSE 事件总线 + handler。
package inspect

import (
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/multi-agent/chat-timeline/pkg/logger"
)

// EventBus 事件总线 (SSE 推送)。慢订阅者直接丢事件, 不阻塞发布方。
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

// Event SSE 事件。
type Event struct {
	Type string
	Data any
}

// NewEventBus 创建事件总线。
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string]chan Event)}
}

// Publish 广播事件。
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe 订阅。
func (b *EventBus) Subscribe(id string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 32)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe 取消订阅。不关闭 ch, sseHandler 通过 ctx.Done() 退出。
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Len 当前订阅数。
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// sseHandler Gin SSE handler。
func (s *Server) sseHandler(c *gin.Context) {
	clientID := "sse-" + uuid.NewString()
	ch := s.bus.Subscribe(clientID)
	log := logger.With(logger.FieldComponent, "inspect", "client_id", clientID)
	defer func() {
		s.bus.Unsubscribe(clientID)
		log.Info("inspect: SSE client disconnected")
	}()
	log.Info("inspect: SSE client connected")

	keepalive := time.NewTimer(s.keepAlive)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt := <-ch:
			c.SSEvent(evt.Type, evt.Data)
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(s.keepAlive)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			keepalive.Reset(s.keepAlive)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
