package inspect

import "sync"

// RingBuffer 环形缓冲区，保留最近 limit 条记录。
type RingBuffer[T any] struct {
	mu    sync.Mutex
	data  []T
	limit int
}

// NewRingBuffer 创建容量为 limit 的环形缓冲区。
func NewRingBuffer[T any](limit int) *RingBuffer[T] {
	limit = max(limit, 1)
	return &RingBuffer[T]{data: make([]T, 0, limit), limit: limit}
}

// Push 追加一条，超出容量则丢弃最旧的 (copy 左移, 复用底层数组)。
func (rb *RingBuffer[T]) Push(v T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.data) == rb.limit {
		n := copy(rb.data, rb.data[1:])
		rb.data = rb.data[:n]
	}
	rb.data = append(rb.data, v)
}

// Last 返回最近 n 条的副本 (旧 → 新)。n<=0 返回全部。
func (rb *RingBuffer[T]) Last(n int) []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	start := 0
	if n > 0 && n < len(rb.data) {
		start = len(rb.data) - n
	}
	out := make([]T, len(rb.data)-start)
	copy(out, rb.data[start:])
	return out
}

// Len 当前条数。
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.data)
}

// Reset 清空缓冲区。
func (rb *RingBuffer[T]) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.data = rb.data[:0]
}
