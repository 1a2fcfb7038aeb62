package notify

import (
	"context"
	"errors"
	"sync"

	"ReputeFlow-Escrow/internal/escrow"
)

// MemorySink 将事件写入进程内通道，供测试和单机部署使用。
type MemorySink struct {
	mu     sync.Mutex
	ch     chan escrow.Event
	closed bool
}

// NewMemorySink 创建内存事件通道。buffer 为零时使用默认容量。
func NewMemorySink(buffer int) *MemorySink {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemorySink{ch: make(chan escrow.Event, buffer)}
}

// Publish 投递事件。通道已满时丢弃最旧事件为新事件腾位，重试次数有上限，
// 保证调用方永不阻塞也不会空转。
func (s *MemorySink) Publish(ctx context.Context, event escrow.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("事件通道已关闭")
	}
	for attempts := 0; attempts < 2; attempts++ {
		select {
		case s.ch <- event:
			return nil
		default:
			// 互斥锁串行化了生产者，丢一个最旧事件即可腾出位置。
			select {
			case <-s.ch:
			default:
			}
		}
	}
	// 达到上限后丢弃本次事件，通道投递本就是尽力而为。
	return nil
}

// Events 返回只读事件通道。
func (s *MemorySink) Events() <-chan escrow.Event {
	return s.ch
}

// Close 关闭事件通道。
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

var _ escrow.Sink = (*MemorySink)(nil)
