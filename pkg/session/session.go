package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/z-wentao/livecaption/pkg/acquirer"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/transcriber"
	"github.com/z-wentao/livecaption/pkg/worker"
)

// Session 一次直播字幕会话，独占自己的 ASR 实例、队列、采集器和处理池
type Session struct {
	cfg  Config
	deps Deps

	mu   sync.Mutex
	info models.SessionInfo

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(id string, req Request, cfg Config, deps Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:  cfg,
		deps: deps,
		info: models.SessionInfo{
			SessionID:   id,
			StreamURL:   req.StreamURL,
			Language:    req.Language,
			Translation: req.Translation,
			ChunkLength: req.ChunkLength,
			Status:      models.SessionPending,
			LastIndex:   -1,
			CreatedAt:   time.Now(),
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID 会话 ID
func (s *Session) ID() string {
	return s.info.SessionID
}

// Info 当前快照
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Stop 请求停止（不等待），可重复调用
// 正在进行的下载、识别和转封装会跑完
func (s *Session) Stop() {
	s.cancel()
}

// Done 会话完全退出（处理池已排空）后关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// run 会话主流程
// 顺序：等待上一个会话退出 → 重置片段目录 → 启动处理池和采集器
func (s *Session) run(prev *Session) {
	defer close(s.done)

	if prev != nil {
		prev.Stop()
		<-prev.Done()
	}
	if s.ctx.Err() != nil {
		s.transition(models.SessionStopped, "")
		return
	}

	if err := s.deps.Store.Reset(); err != nil {
		s.transition(models.SessionFailed, err.Error())
		return
	}

	asr, err := s.deps.NewASR(transcriber.Options{Language: s.info.Language, TranslateTo: s.info.Translation})
	if err != nil {
		s.transition(models.SessionFailed, err.Error())
		return
	}
	defer closeASR(asr)

	q, err := s.deps.NewQueue(s.ID())
	if err != nil {
		s.transition(models.SessionFailed, err.Error())
		return
	}
	defer q.Close()

	if s.deps.Metrics != nil {
		s.deps.Metrics.SetQueueDepth(q.Len)
		defer s.deps.Metrics.SetQueueDepth(nil)
	}

	pool := worker.NewPool(worker.Config{
		Workers:           s.cfg.Workers,
		ChunkLength:       s.info.ChunkLength,
		ExtractAudio:      s.cfg.ExtractAudio,
		StarvationTimeout: s.cfg.StarvationTimeout,
	}, worker.Deps{
		Queue:       q,
		ASR:         asr,
		Transcoder:  s.deps.Transcoder,
		Store:       s.deps.Store,
		Publisher:   s.deps.Publisher,
		Archive:     s.deps.Archive,
		Metrics:     s.deps.Metrics,
		OnPublished: s.onPublished,
		OnFailed:    s.onFailed,
	})
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(s.ctx)
	}()

	s.transition(models.SessionRunning, "")

	acq := acquirer.New(acquirer.Config{
		SessionID:   s.ID(),
		StreamURL:   s.info.StreamURL,
		ChunkLength: s.info.ChunkLength,
		MaxRetries:  s.cfg.DownloadRetries,
		Backoff:     s.cfg.RetryBackoff,
		OnEnqueue:   s.onEnqueue,
	}, s.deps.Downloader, s.deps.Store, q, s.deps.Metrics)

	if err := acq.Run(s.ctx); err != nil {
		// 已入队的片段继续处理，直到会话被停止
		s.transition(models.SessionHalted, err.Error())
	}

	<-s.ctx.Done()
	<-poolDone
	s.transition(models.SessionStopped, "")
}

func (s *Session) onEnqueue(index int) {
	s.mu.Lock()
	s.info.LastIndex = index
	s.mu.Unlock()
}

func (s *Session) onPublished(*models.PublishedChunk) {
	s.mu.Lock()
	s.info.Published++
	s.mu.Unlock()
}

func (s *Session) onFailed(int, string, error) {
	s.mu.Lock()
	s.info.Failed++
	s.mu.Unlock()
}

// transition 切换状态，并推送和存档新快照
func (s *Session) transition(to models.SessionStatus, errMsg string) {
	s.mu.Lock()
	from := s.info.Status
	if !isValidTransition(from, to) {
		s.mu.Unlock()
		log.Printf("⚠️ 会话 %s 非法状态切换: %s -> %s", s.info.SessionID, from, to)
		return
	}
	s.info.Status = to
	if errMsg != "" {
		s.info.Error = errMsg
	}
	if to.Terminal() {
		s.info.StoppedAt = time.Now()
	}
	snapshot := s.info
	s.mu.Unlock()

	switch to {
	case models.SessionFailed:
		log.Printf("❌ 会话 %s 启动失败: %s", snapshot.SessionID, errMsg)
	case models.SessionHalted:
		log.Printf("⚠️ 会话 %s 采集已停止: %s", snapshot.SessionID, errMsg)
	default:
		log.Printf("✓ 会话 %s: %s -> %s", snapshot.SessionID, from, to)
	}

	s.announce(snapshot)
}

func (s *Session) announce(info models.SessionInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.deps.Archive != nil {
		if err := s.deps.Archive.SaveSession(ctx, &info); err != nil {
			log.Printf("⚠️ 会话 %s 存档失败: %v", info.SessionID, err)
		}
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishStatus(ctx, info); err != nil {
			log.Printf("⚠️ 会话 %s 状态推送失败: %v", info.SessionID, err)
		}
	}
}

// isValidTransition 会话状态机的合法边
func isValidTransition(from, to models.SessionStatus) bool {
	switch from {
	case models.SessionPending:
		return to == models.SessionRunning || to == models.SessionStopped || to == models.SessionFailed
	case models.SessionRunning:
		return to == models.SessionHalted || to == models.SessionStopped
	case models.SessionHalted:
		return to == models.SessionStopped
	default:
		return false
	}
}

func closeASR(asr transcriber.ASR) {
	c, ok := asr.(interface{ Close() error })
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Printf("⚠️ 关闭识别实例失败: %v", err)
	}
}
