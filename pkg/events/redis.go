package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/z-wentao/livecaption/pkg/models"
)

// RedisPublisher 把事件镜像到 Redis Pub/Sub，供其他进程（如多台推送网关）订阅
// 连接由调用方管理
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher 创建 Redis 事件出口
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) publish(ctx context.Context, msgType string, data any) error {
	msg, err := Encode(msgType, data)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, msg).Err(); err != nil {
		return fmt.Errorf("发布到 Redis 频道 %s 失败: %w", p.channel, err)
	}
	return nil
}

// PublishTranscript 实现 Publisher
func (p *RedisPublisher) PublishTranscript(ctx context.Context, ev models.TranscriptEvent) error {
	return p.publish(ctx, TypeTranscriptUpdate, ev)
}

// PublishStatus 实现 Publisher
func (p *RedisPublisher) PublishStatus(ctx context.Context, info models.SessionInfo) error {
	return p.publish(ctx, TypeSessionStatus, info)
}
