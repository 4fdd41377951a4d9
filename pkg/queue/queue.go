package queue

import (
	"context"
	"errors"

	"github.com/z-wentao/livecaption/pkg/models"
)

// ErrClosed 队列已关闭且没有剩余片段
var ErrClosed = errors.New("队列已关闭")

// Queue 采集器与处理池之间的片段队列
// 一个生产者（采集器），多个消费者（处理池）
type Queue interface {
	// Enqueue 将片段加入队列（不阻塞，无容量上限）
	Enqueue(seg *models.Segment) error

	// Dequeue 取出最早的片段，阻塞直到有片段、队列关闭或 ctx 结束
	Dequeue(ctx context.Context) (*models.Segment, error)

	// Ack 确认片段已处理
	Ack(seg *models.Segment) error

	// Nack 拒绝片段
	// requeue: 是否重新入队
	Nack(seg *models.Segment, requeue bool) error

	// Len 当前积压数量
	Len() int

	// Close 关闭队列
	Close() error
}
