package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/z-wentao/livecaption/pkg/models"
)

// 推送给观众的消息类型
const (
	TypeTranscriptUpdate = "transcript_update"
	TypeSessionStatus    = "session_status"
)

// Envelope 推送消息的外层结构
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Publisher 事件出口
// Worker 之间没有顺序保证，事件可能乱序到达，观众按 chunk_index 对齐
type Publisher interface {
	PublishTranscript(ctx context.Context, ev models.TranscriptEvent) error
	PublishStatus(ctx context.Context, info models.SessionInfo) error
}

// Encode 序列化为一条推送消息
func Encode(msgType string, data any) ([]byte, error) {
	b, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return b, nil
}

// Multi 同时发布到多个出口，任一出口失败不影响其他出口
type Multi []Publisher

func (m Multi) PublishTranscript(ctx context.Context, ev models.TranscriptEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishTranscript(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PublishStatus(ctx context.Context, info models.SessionInfo) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishStatus(ctx, info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
