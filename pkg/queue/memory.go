package queue

import (
	"context"
	"sync"

	"github.com/z-wentao/livecaption/pkg/models"
)

// MemoryQueue 无界内存 FIFO 队列
// 片段按入队顺序出队，每个片段只会交给一个消费者
type MemoryQueue struct {
	mu     sync.Mutex
	items  []*models.Segment
	closed bool

	notify chan struct{} // 容量为 1，有新片段时发信号
	done   chan struct{}
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue 将片段加入队列
func (mq *MemoryQueue) Enqueue(seg *models.Segment) error {
	mq.mu.Lock()
	if mq.closed {
		mq.mu.Unlock()
		return ErrClosed
	}
	mq.items = append(mq.items, seg)
	mq.mu.Unlock()

	mq.signal()
	return nil
}

// Dequeue 取出片段（阻塞等待）
// 队列关闭后仍会先返回剩余片段，取完后返回 ErrClosed
func (mq *MemoryQueue) Dequeue(ctx context.Context) (*models.Segment, error) {
	for {
		mq.mu.Lock()
		if len(mq.items) > 0 {
			seg := mq.items[0]
			mq.items[0] = nil
			mq.items = mq.items[1:]
			remaining := len(mq.items)
			mq.mu.Unlock()

			// 还有剩余片段时唤醒下一个等待者
			if remaining > 0 {
				mq.signal()
			}
			return seg, nil
		}
		closed := mq.closed
		mq.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-mq.notify:
		case <-mq.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack 内存队列无需确认
func (mq *MemoryQueue) Ack(seg *models.Segment) error {
	return nil
}

// Nack 拒绝片段，requeue 时放回队首
func (mq *MemoryQueue) Nack(seg *models.Segment, requeue bool) error {
	if !requeue {
		return nil
	}

	mq.mu.Lock()
	if mq.closed {
		mq.mu.Unlock()
		return ErrClosed
	}
	mq.items = append([]*models.Segment{seg}, mq.items...)
	mq.mu.Unlock()

	mq.signal()
	return nil
}

// Len 当前积压数量
func (mq *MemoryQueue) Len() int {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return len(mq.items)
}

// Close 关闭队列（可重复调用）
func (mq *MemoryQueue) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if !mq.closed {
		mq.closed = true
		close(mq.done)
	}
	return nil
}

func (mq *MemoryQueue) signal() {
	select {
	case mq.notify <- struct{}{}:
	default:
	}
}
