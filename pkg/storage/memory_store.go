package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/z-wentao/livecaption/pkg/models"
)

// MemoryStore 内存存档，进程退出后丢失
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.SessionInfo
	chunks   map[string]map[int]*models.PublishedChunk
}

// NewMemoryStore 创建内存存档
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.SessionInfo),
		chunks:   make(map[string]map[int]*models.PublishedChunk),
	}
}

// SaveSession 保存会话快照
func (ms *MemoryStore) SaveSession(_ context.Context, info *models.SessionInfo) error {
	cp := *info

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[info.SessionID] = &cp
	return nil
}

// GetSession 获取会话快照
func (ms *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.SessionInfo, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	info, ok := ms.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("会话 %s: %w", sessionID, ErrNotFound)
	}
	cp := *info
	return &cp, nil
}

// ListSessions 按创建时间倒序列出会话
func (ms *MemoryStore) ListSessions(_ context.Context) ([]*models.SessionInfo, error) {
	ms.mu.RLock()
	out := make([]*models.SessionInfo, 0, len(ms.sessions))
	for _, info := range ms.sessions {
		cp := *info
		out = append(out, &cp)
	}
	ms.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SaveChunk 保存已发布片段
func (ms *MemoryStore) SaveChunk(_ context.Context, chunk *models.PublishedChunk) error {
	cp := *chunk

	ms.mu.Lock()
	defer ms.mu.Unlock()
	byIndex, ok := ms.chunks[chunk.SessionID]
	if !ok {
		byIndex = make(map[int]*models.PublishedChunk)
		ms.chunks[chunk.SessionID] = byIndex
	}
	byIndex[chunk.Index] = &cp
	return nil
}

// GetChunk 获取片段
func (ms *MemoryStore) GetChunk(_ context.Context, sessionID string, index int) (*models.PublishedChunk, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	chunk, ok := ms.chunks[sessionID][index]
	if !ok {
		return nil, fmt.Errorf("片段 %s/%d: %w", sessionID, index, ErrNotFound)
	}
	cp := *chunk
	return &cp, nil
}

// ListChunks 按序号升序列出片段
func (ms *MemoryStore) ListChunks(_ context.Context, sessionID string) ([]*models.PublishedChunk, error) {
	ms.mu.RLock()
	out := make([]*models.PublishedChunk, 0, len(ms.chunks[sessionID]))
	for _, chunk := range ms.chunks[sessionID] {
		cp := *chunk
		out = append(out, &cp)
	}
	ms.mu.RUnlock()

	sortChunks(out)
	return out, nil
}

// Close 内存存储无需关闭
func (ms *MemoryStore) Close() error {
	return nil
}

func sortChunks(chunks []*models.PublishedChunk) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
}
