package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/z-wentao/livecaption/pkg/chunkstore"
	"github.com/z-wentao/livecaption/pkg/events"
	"github.com/z-wentao/livecaption/pkg/media"
	"github.com/z-wentao/livecaption/pkg/observe"
	"github.com/z-wentao/livecaption/pkg/queue"
	"github.com/z-wentao/livecaption/pkg/storage"
	"github.com/z-wentao/livecaption/pkg/transcriber"
)

// Config 会话配置
type Config struct {
	Workers            int
	DefaultChunkLength int
	ExtractAudio       bool
	DownloadRetries    int
	RetryBackoff       time.Duration
	StarvationTimeout  time.Duration // 0 表示 2D
}

// Deps 会话依赖；NewASR 和 NewQueue 为每个会话创建独立实例
type Deps struct {
	Store      *chunkstore.Store
	Downloader media.Downloader
	Transcoder media.Transcoder
	NewASR     func(opts transcriber.Options) (transcriber.ASR, error)
	NewQueue   func(sessionID string) (queue.Queue, error)
	Publisher  events.Publisher
	Archive    storage.Store    // 可选
	Metrics    *observe.Metrics // 可选
}

// Controller 管理进程内唯一的活动会话
// 新会话会顶替旧会话：旧会话先停止并排空，新会话才重置片段目录
type Controller struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	current  *Session
	shutdown bool
}

// NewController 创建控制器
func NewController(cfg Config, deps Deps) *Controller {
	if cfg.DefaultChunkLength <= 0 {
		cfg.DefaultChunkLength = 30
	}
	return &Controller{cfg: cfg, deps: deps}
}

// Start 校验参数并在后台启动会话，立即返回
func (c *Controller) Start(req Request) (*Session, error) {
	if err := req.Normalize(c.cfg.DefaultChunkLength); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s := newSession(uuid.New().String(), req, c.cfg, c.deps)
	prev := c.current
	c.current = s
	c.mu.Unlock()

	s.announce(s.Info())
	go s.run(prev)
	return s, nil
}

// Stop 停止当前会话（不等待排空）
func (c *Controller) Stop() (*Session, error) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()

	if s == nil || s.Info().Status.Terminal() {
		return nil, ErrNoActiveSession
	}
	s.Stop()
	return s, nil
}

// Current 最近一次启动的会话，从未启动过时返回 nil
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Shutdown 拒绝新会话，停止当前会话并等待其排空或 ctx 超时
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	s := c.current
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	s.Stop()
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
