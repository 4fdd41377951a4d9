package transcriber

import (
	"context"
	"fmt"

	"github.com/z-wentao/livecaption/pkg/models"
	"golang.org/x/sync/semaphore"
)

// Options 每个会话的识别配置
type Options struct {
	Language    string // 源语言，空字符串表示自动检测
	TranslateTo string // 翻译目标语言，空字符串表示只转写
}

// Task 对应 Whisper 的 task 参数
// Whisper 只能翻译成英文，其他目标语言先转写，再交给 Translator
func (o Options) Task() string {
	if o.TranslateTo != "" && isEnglish(o.TranslateTo) {
		return "translate"
	}
	return "transcribe"
}

// ASR 语音识别能力
// 同一个会话的所有 Worker 共享一个实例，实现必须支持并发调用
type ASR interface {
	// Transcribe 识别一个片段，返回的时间相对于片段起点
	Transcribe(ctx context.Context, mediaPath string) (*models.Transcript, error)
}

// limited 限制同时进行的识别调用数
type limited struct {
	asr ASR
	sem *semaphore.Weighted
}

// Limit 包装 ASR，最多 n 个调用同时进行（n=1 即串行）；n<=0 时原样返回
func Limit(asr ASR, n int) ASR {
	if n <= 0 {
		return asr
	}
	return &limited{asr: asr, sem: semaphore.NewWeighted(int64(n))}
}

func (l *limited) Transcribe(ctx context.Context, mediaPath string) (*models.Transcript, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("等待识别槽位失败: %w", err)
	}
	defer l.sem.Release(1)

	return l.asr.Transcribe(ctx, mediaPath)
}

// Close 透传给被包装的实例
func (l *limited) Close() error {
	if c, ok := l.asr.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// ClampSegments 把字幕时间限制在 [0, duration] 内，落在片段之外的字幕丢弃
// Whisper 常把最后一条的结束时间报到片段长度之后，偶尔给出略小于 0 的开始时间
// 返回新切片，不修改入参；duration <= 0 时只去掉负值
func ClampSegments(segments []models.TranscriptSegment, duration float64) []models.TranscriptSegment {
	out := make([]models.TranscriptSegment, 0, len(segments))
	for _, s := range segments {
		if s.End <= 0 {
			continue
		}
		s.Start = max(s.Start, 0)
		s.End = max(s.End, s.Start)
		if duration > 0 {
			if s.Start >= duration {
				continue
			}
			s.End = min(s.End, duration)
		}
		out = append(out, s)
	}
	return out
}
