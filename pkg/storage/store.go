package storage

import (
	"context"
	"errors"

	"github.com/z-wentao/livecaption/pkg/models"
)

// ErrNotFound 会话或片段不存在
var ErrNotFound = errors.New("记录不存在")

// Store 会话与已发布片段的存档
// 片段文件本身在 chunkstore 中，这里只保存元数据和字幕
type Store interface {
	// SaveSession 保存会话快照（覆盖）
	SaveSession(ctx context.Context, info *models.SessionInfo) error

	// GetSession 获取会话快照
	GetSession(ctx context.Context, sessionID string) (*models.SessionInfo, error)

	// ListSessions 按创建时间倒序列出会话
	ListSessions(ctx context.Context) ([]*models.SessionInfo, error)

	// SaveChunk 保存已发布片段
	SaveChunk(ctx context.Context, chunk *models.PublishedChunk) error

	// GetChunk 获取某个会话的某个片段
	GetChunk(ctx context.Context, sessionID string, index int) (*models.PublishedChunk, error)

	// ListChunks 按序号升序列出会话的片段
	ListChunks(ctx context.Context, sessionID string) ([]*models.PublishedChunk, error)

	// Close 关闭存储连接
	Close() error
}
