package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/z-wentao/livecaption/pkg/chunkstore"
	"github.com/z-wentao/livecaption/pkg/events"
	"github.com/z-wentao/livecaption/pkg/media"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/observe"
	"github.com/z-wentao/livecaption/pkg/queue"
	"github.com/z-wentao/livecaption/pkg/storage"
	"github.com/z-wentao/livecaption/pkg/transcriber"
	"golang.org/x/sync/semaphore"
)

// Config 处理池配置
type Config struct {
	Workers      int  // 同时处理的片段数 N
	ChunkLength  int  // 片段时长 D（秒）
	ExtractAudio bool // 识别前先抽取音轨

	// StarvationTimeout 单次等待超过此时长记一次"队列饥饿"，默认 2D
	StarvationTimeout time.Duration
	// ASRTimeout 单次识别超时，默认 5 分钟
	ASRTimeout time.Duration
}

// Deps 处理池依赖
type Deps struct {
	Queue      queue.Queue
	ASR        transcriber.ASR
	Transcoder media.Transcoder
	Store      *chunkstore.Store
	Publisher  events.Publisher
	Archive    storage.Store    // 可选
	Metrics    *observe.Metrics // 可选

	// OnPublished / OnFailed 每个片段结束时回调其一（可选）
	OnPublished func(chunk *models.PublishedChunk)
	OnFailed    func(index int, stage string, err error)
}

// Pool 片段处理池
// 先占槽位再出队，所以任何时刻最多 N 个片段被 Worker 持有
// 片段之间没有完成顺序保证，每个事件和文件都带序号
type Pool struct {
	cfg  Config
	deps Deps
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

// NewPool 创建处理池
func NewPool(cfg Config, deps Deps) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StarvationTimeout <= 0 {
		cfg.StarvationTimeout = 2 * time.Duration(cfg.ChunkLength) * time.Second
	}
	if cfg.StarvationTimeout <= 0 {
		cfg.StarvationTimeout = time.Minute
	}
	if cfg.ASRTimeout <= 0 {
		cfg.ASRTimeout = 5 * time.Minute
	}
	return &Pool{
		cfg:  cfg,
		deps: deps,
		sem:  semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// Run 持续从队列取片段处理，直到 ctx 取消或队列关闭并取空
// 返回前等待所有进行中的片段处理完
func (p *Pool) Run(ctx context.Context) {
	log.Printf("🚀 处理池已启动 (%d 个 Worker)", p.cfg.Workers)
	defer func() {
		p.wg.Wait()
		log.Println("✓ 处理池已停止")
	}()

	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}

		seg, err := p.dequeue(ctx)
		if err != nil {
			p.sem.Release(1)
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Printf("⚠️ 从队列获取片段失败: %v", err)
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.process(seg)
		}()
	}
}

// dequeue 阻塞出队；单次等待超过 2D 只记日志，继续等
func (p *Pool) dequeue(ctx context.Context) (*models.Segment, error) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.StarvationTimeout)
		seg, err := p.deps.Queue.Dequeue(waitCtx)
		cancel()

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			log.Printf("⚠️ 队列饥饿: %v 内没有新片段", p.cfg.StarvationTimeout)
			if p.deps.Metrics != nil {
				p.deps.Metrics.QueueStarvation.Add(ctx, 1)
			}
			continue
		}
		return seg, err
	}
}

// process 处理一个片段：识别 → 转封装 → 发布 → 清理原始文件
// 外部调用不随会话停止而取消，各自有超时
func (p *Pool) process(seg *models.Segment) {
	start := time.Now()
	ctx, span := observe.StartChunkSpan(context.Background(), "chunk.process", seg.SessionID, seg.Index)
	var spanErr error
	defer func() { observe.EndSpan(span, spanErr) }()

	m := p.deps.Metrics
	if m != nil {
		m.BusyWorkers.Add(ctx, 1)
		defer m.BusyWorkers.Add(ctx, -1)
	}

	log.Printf("📝 [片段 %d] 开始处理", seg.Index)

	// 0. 抽取音轨（可选）
	mediaPath := seg.FilePath
	if p.cfg.ExtractAudio {
		audioPath := p.deps.Store.AudioPath(seg.Index)
		defer os.Remove(audioPath)
		if err := p.deps.Transcoder.ExtractAudio(ctx, seg.FilePath, audioPath); err != nil {
			spanErr = err
			p.fail(ctx, seg, observe.StageAudio, err)
			return
		}
		mediaPath = audioPath
	}

	// 1. 语音识别
	asrStart := time.Now()
	asrCtx, cancel := context.WithTimeout(ctx, p.cfg.ASRTimeout)
	tr, err := p.deps.ASR.Transcribe(asrCtx, mediaPath)
	cancel()
	if m != nil {
		m.ASRDuration.Record(ctx, time.Since(asrStart).Seconds())
	}
	if err != nil {
		spanErr = err
		p.fail(ctx, seg, observe.StageASR, err)
		return
	}
	log.Printf("✓ [片段 %d] 识别完成，%d 条字幕 (耗时 %.1fs)", seg.Index, len(tr.Segments), time.Since(asrStart).Seconds())

	// 2. 转封装到临时文件，成功后原子改名
	transcodeStart := time.Now()
	err = p.deps.Transcoder.Repackage(ctx, seg.FilePath, p.deps.Store.TempPath(seg.Index))
	if err == nil {
		err = p.deps.Store.Commit(seg.Index)
	}
	if m != nil {
		m.TranscodeDuration.Record(ctx, time.Since(transcodeStart).Seconds())
	}
	if err != nil {
		p.deps.Store.Discard(seg.Index)
		spanErr = err
		p.fail(ctx, seg, observe.StageRepackage, err)
		return
	}

	// 3. 发布
	chunk := &models.PublishedChunk{
		SessionID:   seg.SessionID,
		Index:       seg.Index,
		Path:        p.deps.Store.ChunkPath(seg.Index),
		ChunkLength: seg.Duration,
		Language:    tr.Language,
		Segments:    transcriber.ClampSegments(tr.Segments, float64(seg.Duration)),
		CreatedAt:   time.Now(),
	}

	if p.deps.Archive != nil {
		if err := p.deps.Archive.SaveChunk(ctx, chunk); err != nil {
			log.Printf("⚠️ [片段 %d] 存档失败: %v", seg.Index, err)
		}
	}
	if err := p.deps.Publisher.PublishTranscript(ctx, chunk.Event()); err != nil {
		// 文件已经可取，事件丢失只影响实时推送
		log.Printf("⚠️ [片段 %d] 推送失败: %v", seg.Index, err)
		if m != nil {
			m.ChunksFailed.Add(ctx, 1, observe.Stage(observe.StagePublish))
		}
	}
	if p.deps.OnPublished != nil {
		p.deps.OnPublished(chunk)
	}

	// 4. 清理原始片段
	if err := p.deps.Store.RemoveRaw(seg.Index); err != nil {
		log.Printf("⚠️ [片段 %d] 删除原始文件失败: %v", seg.Index, err)
	}
	if err := p.deps.Queue.Ack(seg); err != nil {
		log.Printf("⚠️ [片段 %d] 确认消息失败: %v", seg.Index, err)
	}

	if m != nil {
		m.ChunksPublished.Add(ctx, 1)
		m.ChunkDuration.Record(ctx, time.Since(start).Seconds())
	}
	log.Printf("🎉 [片段 %d] 已发布 (总耗时 %.1fs)", seg.Index, time.Since(start).Seconds())
}

// fail 放弃这个序号：不发事件，不存片段，原始文件留在磁盘上
func (p *Pool) fail(ctx context.Context, seg *models.Segment, stage string, err error) {
	log.Printf("❌ [片段 %d] %s 失败，跳过: %v", seg.Index, stage, err)

	if p.deps.Metrics != nil {
		p.deps.Metrics.ChunksFailed.Add(ctx, 1, observe.Stage(stage))
	}
	if nackErr := p.deps.Queue.Nack(seg, false); nackErr != nil {
		log.Printf("⚠️ [片段 %d] 拒绝消息失败: %v", seg.Index, nackErr)
	}
	if p.deps.OnFailed != nil {
		p.deps.OnFailed(seg.Index, stage, fmt.Errorf("片段 %d: %w", seg.Index, err))
	}
}
