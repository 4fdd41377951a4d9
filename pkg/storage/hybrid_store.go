package storage

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/z-wentao/livecaption/pkg/models"
)

// HybridStore 混合存档：Redis（热数据） + PostgreSQL（持久化）
// 写入先落 Redis，再由后台协程批量同步到数据库
type HybridStore struct {
	redis     Store
	db        Store
	syncQueue chan syncItem
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	batchSize     int
	flushInterval time.Duration
}

// syncItem 待同步的记录（会话或片段二选一）
type syncItem struct {
	session *models.SessionInfo
	chunk   *models.PublishedChunk
}

// NewHybridStore 创建混合存档
func NewHybridStore(redis, db Store) *HybridStore {
	return newHybridStore(redis, db, 50, 5*time.Second)
}

func newHybridStore(redis, db Store, batchSize int, flushInterval time.Duration) *HybridStore {
	s := &HybridStore{
		redis:         redis,
		db:            db,
		syncQueue:     make(chan syncItem, 256),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}

	go s.syncWorker()

	log.Println("✓ 混合存档初始化成功（Redis + PostgreSQL）")
	return s
}

// SaveSession 写 Redis，异步写数据库
func (s *HybridStore) SaveSession(ctx context.Context, info *models.SessionInfo) error {
	if err := s.redis.SaveSession(ctx, info); err != nil {
		log.Printf("⚠️ Redis 写入会话失败: %v", err)
	}
	cp := *info
	s.enqueue(syncItem{session: &cp})
	return nil
}

// GetSession 优先 Redis，未命中查数据库
func (s *HybridStore) GetSession(ctx context.Context, sessionID string) (*models.SessionInfo, error) {
	info, err := s.redis.GetSession(ctx, sessionID)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, ErrNotFound) {
		log.Printf("⚠️ Redis 查询会话失败: %v, 降级到数据库", err)
	}
	return s.db.GetSession(ctx, sessionID)
}

// ListSessions 以数据库为准（Redis 中的数据会过期）
func (s *HybridStore) ListSessions(ctx context.Context) ([]*models.SessionInfo, error) {
	sessions, err := s.db.ListSessions(ctx)
	if err != nil {
		log.Printf("⚠️ 数据库列表查询失败: %v, 降级到 Redis", err)
		return s.redis.ListSessions(ctx)
	}
	return sessions, nil
}

// SaveChunk 写 Redis，异步写数据库
func (s *HybridStore) SaveChunk(ctx context.Context, chunk *models.PublishedChunk) error {
	if err := s.redis.SaveChunk(ctx, chunk); err != nil {
		log.Printf("⚠️ Redis 写入片段失败: %v", err)
	}
	cp := *chunk
	s.enqueue(syncItem{chunk: &cp})
	return nil
}

// GetChunk 优先 Redis，未命中查数据库并回写
func (s *HybridStore) GetChunk(ctx context.Context, sessionID string, index int) (*models.PublishedChunk, error) {
	chunk, err := s.redis.GetChunk(ctx, sessionID, index)
	if err == nil {
		return chunk, nil
	}

	chunk, err = s.db.GetChunk(ctx, sessionID, index)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := s.redis.SaveChunk(context.Background(), chunk); err != nil {
			log.Printf("⚠️ 回写 Redis 失败: %v", err)
		}
	}()
	return chunk, nil
}

// ListChunks 优先 Redis；Redis 为空（已过期）时查数据库
func (s *HybridStore) ListChunks(ctx context.Context, sessionID string) ([]*models.PublishedChunk, error) {
	chunks, err := s.redis.ListChunks(ctx, sessionID)
	if err == nil && len(chunks) > 0 {
		return chunks, nil
	}
	if err != nil {
		log.Printf("⚠️ Redis 列表查询失败: %v, 降级到数据库", err)
	}
	return s.db.ListChunks(ctx, sessionID)
}

// Close 写完剩余数据后关闭两个存储
func (s *HybridStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)

		select {
		case <-s.done:
		case <-time.After(10 * time.Second):
			log.Printf("⚠️ 同步队列清空超时，剩余 %d 条记录", len(s.syncQueue))
		}

		s.redis.Close()
		s.db.Close()
		log.Println("✓ 混合存档已关闭")
	})
	return nil
}

// enqueue 加入同步队列，队列满时同步写入
func (s *HybridStore) enqueue(item syncItem) {
	select {
	case <-s.stopCh:
		s.batchSave([]syncItem{item})
		return
	default:
	}

	select {
	case s.syncQueue <- item:
	default:
		log.Printf("⚠️ 同步队列已满，同步写入数据库")
		s.batchSave([]syncItem{item})
	}
}

// syncWorker 后台同步：攒够 batchSize 条或每隔 flushInterval 写一次
func (s *HybridStore) syncWorker() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]syncItem, 0, s.batchSize)
	for {
		select {
		case item := <-s.syncQueue:
			batch = append(batch, item)
			if len(batch) >= s.batchSize {
				s.batchSave(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.batchSave(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			// 把队列里剩下的也写掉
			for {
				select {
				case item := <-s.syncQueue:
					batch = append(batch, item)
				default:
					s.batchSave(batch)
					return
				}
			}
		}
	}
}

// batchSave 批量写数据库
func (s *HybridStore) batchSave(items []syncItem) {
	if len(items) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	successCount := 0
	for _, item := range items {
		var err error
		if item.session != nil {
			err = s.db.SaveSession(ctx, item.session)
		} else {
			err = s.db.SaveChunk(ctx, item.chunk)
		}
		if err != nil {
			log.Printf("❌ 同步到数据库失败: %v", err)
			continue
		}
		successCount++
	}

	log.Printf("🔄 已同步 %d/%d 条记录到数据库", successCount, len(items))
}
