package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/z-wentao/livecaption/pkg/models"
)

const sessionsIndexKey = "livecaption:sessions:index"

// RedisStore Redis 存档（热数据，带过期时间）
//
// 键格式:
//
//	livecaption:session:{id}                 会话 JSON
//	livecaption:session:{id}:chunk:{index}   片段 JSON
//	livecaption:session:{id}:chunks          片段索引 (ZSet, score=index)
//	livecaption:sessions:index               会话索引 (ZSet, score=创建时间)
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 存档
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient 复用已有连接（事件发布和存档共用一个客户端）
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Client 底层客户端
func (rs *RedisStore) Client() *redis.Client {
	return rs.client
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("livecaption:session:%s", sessionID)
}

func chunkKey(sessionID string, index int) string {
	return fmt.Sprintf("livecaption:session:%s:chunk:%d", sessionID, index)
}

func chunkIndexKey(sessionID string) string {
	return fmt.Sprintf("livecaption:session:%s:chunks", sessionID)
}

// SaveSession 保存会话快照
func (rs *RedisStore) SaveSession(ctx context.Context, info *models.SessionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}

	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(info.SessionID), data, rs.ttl)
		pipe.ZAdd(ctx, sessionsIndexKey, redis.Z{
			Score:  float64(info.CreatedAt.UnixNano()),
			Member: info.SessionID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("保存会话到 Redis 失败: %w", err)
	}
	return nil
}

// GetSession 获取会话快照
func (rs *RedisStore) GetSession(ctx context.Context, sessionID string) (*models.SessionInfo, error) {
	data, err := rs.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("会话 %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("从 Redis 获取会话失败: %w", err)
	}

	var info models.SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("反序列化会话失败: %w", err)
	}
	return &info, nil
}

// ListSessions 按创建时间倒序列出会话，顺带清理已过期的索引项
func (rs *RedisStore) ListSessions(ctx context.Context) ([]*models.SessionInfo, error) {
	ids, err := rs.client.ZRevRange(ctx, sessionsIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("获取会话索引失败: %w", err)
	}

	out := make([]*models.SessionInfo, 0, len(ids))
	for _, id := range ids {
		info, err := rs.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			rs.client.ZRem(ctx, sessionsIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// SaveChunk 保存已发布片段
func (rs *RedisStore) SaveChunk(ctx context.Context, chunk *models.PublishedChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("序列化片段失败: %w", err)
	}

	indexKey := chunkIndexKey(chunk.SessionID)
	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, chunkKey(chunk.SessionID, chunk.Index), data, rs.ttl)
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(chunk.Index), Member: chunk.Index})
		pipe.Expire(ctx, indexKey, rs.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("保存片段到 Redis 失败: %w", err)
	}
	return nil
}

// GetChunk 获取片段
func (rs *RedisStore) GetChunk(ctx context.Context, sessionID string, index int) (*models.PublishedChunk, error) {
	data, err := rs.client.Get(ctx, chunkKey(sessionID, index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("片段 %s/%d: %w", sessionID, index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("从 Redis 获取片段失败: %w", err)
	}

	var chunk models.PublishedChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("反序列化片段失败: %w", err)
	}
	return &chunk, nil
}

// ListChunks 按序号升序列出片段
func (rs *RedisStore) ListChunks(ctx context.Context, sessionID string) ([]*models.PublishedChunk, error) {
	members, err := rs.client.ZRange(ctx, chunkIndexKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("获取片段索引失败: %w", err)
	}

	out := make([]*models.PublishedChunk, 0, len(members))
	for _, m := range members {
		index, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		chunk, err := rs.GetChunk(ctx, sessionID, index)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
	return out, nil
}

// Close 关闭 Redis 连接
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
