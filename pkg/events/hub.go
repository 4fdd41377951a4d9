package events

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/z-wentao/livecaption/pkg/models"
)

// Hub 进程内的事件广播，每个 WebSocket 连接一个订阅
// 订阅者的缓冲满时丢弃该订阅者的这条消息，慢观众不会拖住 Worker
type Hub struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]*Subscription
	buffer  int
	dropped atomic.Int64
}

// Subscription 一个订阅
type Subscription struct {
	id  int
	hub *Hub
	ch  chan []byte
}

// C 已编码的推送消息
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Close 取消订阅，之后 C() 会被关闭
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

// NewHub 创建广播
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[int]*Subscription), buffer: buffer}
}

// Subscribe 新增订阅
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{id: h.nextID, hub: h, ch: make(chan []byte, h.buffer)}
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Subscribers 当前订阅数
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped 因缓冲满被丢弃的消息总数
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Broadcast 发送一条已编码的消息
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			if h.dropped.Add(1)%100 == 1 {
				log.Printf("⚠️ 订阅者 %d 缓冲已满，丢弃消息", sub.id)
			}
		}
	}
}

// PublishTranscript 实现 Publisher
func (h *Hub) PublishTranscript(_ context.Context, ev models.TranscriptEvent) error {
	msg, err := Encode(TypeTranscriptUpdate, ev)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

// PublishStatus 实现 Publisher
func (h *Hub) PublishStatus(_ context.Context, info models.SessionInfo) error {
	msg, err := Encode(TypeSessionStatus, info)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}
