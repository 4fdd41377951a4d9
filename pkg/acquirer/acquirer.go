package acquirer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/z-wentao/livecaption/pkg/chunkstore"
	"github.com/z-wentao/livecaption/pkg/media"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/observe"
	"github.com/z-wentao/livecaption/pkg/queue"
)

// ErrHalted 下载重试耗尽，会话不再产生新片段
var ErrHalted = errors.New("采集已停止")

// Config 采集配置
type Config struct {
	SessionID   string
	StreamURL   string
	ChunkLength int           // 每个片段的时长 D（秒）
	MaxRetries  int           // 同一个序号失败后的重试次数
	Backoff     time.Duration // 第一次重试前的等待，之后每次翻倍

	// OnEnqueue 片段入队后回调（可选）
	OnEnqueue func(index int)
}

// Acquirer 串行地把直播流切成固定时长的片段并入队
// 一次只下载一个片段，下载本身就是节拍
type Acquirer struct {
	cfg        Config
	downloader media.Downloader
	store      *chunkstore.Store
	queue      queue.Queue
	metrics    *observe.Metrics
}

// New 创建采集器，metrics 可以为 nil
func New(cfg Config, downloader media.Downloader, store *chunkstore.Store, q queue.Queue, metrics *observe.Metrics) *Acquirer {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	return &Acquirer{
		cfg:        cfg,
		downloader: downloader,
		store:      store,
		queue:      q,
		metrics:    metrics,
	}
}

// Run 从序号 0 开始循环采集，直到 ctx 取消（返回 nil）或下载重试耗尽（返回包装了 ErrHalted 的错误）
// 取消只在两次下载之间和重试等待期间生效，正在进行的下载会跑完
func (a *Acquirer) Run(ctx context.Context) error {
	log.Printf("🚀 开始采集: %s (片段时长 %ds)", a.cfg.StreamURL, a.cfg.ChunkLength)

	for index := 0; ; index++ {
		if ctx.Err() != nil {
			log.Printf("✓ 采集已停止，共入队 %d 个片段", index)
			return nil
		}

		rawPath := a.store.RawPath(index)
		if err := a.download(ctx, index, rawPath); err != nil {
			if ctx.Err() != nil {
				log.Printf("✓ 采集已停止，共入队 %d 个片段", index)
				return nil
			}
			log.Printf("❌ 片段 %d 下载失败，停止采集: %v", index, err)
			return fmt.Errorf("%w: 片段 %d: %w", ErrHalted, index, err)
		}

		seg := &models.Segment{
			SessionID: a.cfg.SessionID,
			Index:     index,
			FilePath:  rawPath,
			Duration:  a.cfg.ChunkLength,
		}
		if err := a.queue.Enqueue(seg); err != nil {
			if errors.Is(err, queue.ErrClosed) && ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: 片段 %d 入队失败: %w", ErrHalted, index, err)
		}

		if a.metrics != nil {
			a.metrics.SegmentsAcquired.Add(ctx, 1)
		}
		if a.cfg.OnEnqueue != nil {
			a.cfg.OnEnqueue(index)
		}
		log.Printf("[片段 %d] 已入队", index)
	}
}

// download 下载一个片段，失败时按指数退避重试同一个序号
func (a *Acquirer) download(ctx context.Context, index int, rawPath string) error {
	attempts := a.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		start := time.Now()
		// 下载不随会话取消而中断
		err := a.downloader.Download(context.WithoutCancel(ctx), a.cfg.StreamURL, rawPath, a.cfg.ChunkLength)
		if a.metrics != nil {
			a.metrics.DownloadDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err == nil {
			return nil
		}
		lastErr = err

		// 下载器不会覆盖已有文件，重试前删掉残留
		if rmErr := os.Remove(rawPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Printf("⚠️ [片段 %d] 删除残留文件失败: %v", index, rmErr)
		}

		if attempt == attempts-1 {
			break
		}

		wait := a.cfg.Backoff * time.Duration(1<<uint(attempt))
		log.Printf("⚠️ [片段 %d] 下载失败，%v 后重试 (%d/%d): %v", index, wait, attempt+1, a.cfg.MaxRetries, err)
		if a.metrics != nil {
			a.metrics.DownloadRetries.Add(ctx, 1)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}
