package transcriber

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/z-wentao/livecaption/pkg/models"
)

// OpenAIWhisper 基于 OpenAI Whisper API 的识别实现
// BaseURL 可指向兼容 OpenAI 接口的本地服务
type OpenAIWhisper struct {
	client     *openai.Client
	model      string
	opts       Options
	translator *Translator
	maxRetries int
	backoff    time.Duration
}

// OpenAIConfig 客户端配置
type OpenAIConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	TranslationModel string
	MaxRetries       int
}

// NewOpenAIWhisper 创建识别实例
func NewOpenAIWhisper(cfg OpenAIConfig, opts Options) *OpenAIWhisper {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	w := &OpenAIWhisper{
		client:     client,
		model:      model,
		opts:       opts,
		maxRetries: maxRetries,
		backoff:    time.Second,
	}
	if opts.TranslateTo != "" && opts.Task() != "translate" {
		w.translator = NewTranslator(client, cfg.TranslationModel, opts.TranslateTo)
	}
	return w
}

// Transcribe 识别一个片段（带重试）
func (w *OpenAIWhisper) Transcribe(ctx context.Context, mediaPath string) (*models.Transcript, error) {
	var lastErr error

	for i := 0; i < w.maxRetries; i++ {
		tr, err := w.transcribeOnce(ctx, mediaPath)
		if err == nil {
			return tr, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("识别被取消: %w", ctx.Err())
		}

		// 指数退避
		if i < w.maxRetries-1 {
			waitTime := w.backoff * time.Duration(1<<uint(i))
			log.Printf("⚠️ 识别失败，%v 后重试 (%d/%d): %v", waitTime, i+1, w.maxRetries, err)
			select {
			case <-time.After(waitTime):
			case <-ctx.Done():
				return nil, fmt.Errorf("识别被取消: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("重试 %d 次后仍然失败: %w", w.maxRetries, lastErr)
}

func (w *OpenAIWhisper) transcribeOnce(ctx context.Context, mediaPath string) (*models.Transcript, error) {
	req := openai.AudioRequest{
		Model:    w.model,
		FilePath: mediaPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}

	var (
		resp openai.AudioResponse
		err  error
	)
	if w.opts.Task() == "translate" {
		// translate 任务不接受 language 参数
		resp, err = w.client.CreateTranslation(ctx, req)
	} else {
		req.Language = w.opts.Language
		resp, err = w.client.CreateTranscription(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("调用 Whisper API 失败: %w", err)
	}

	tr := &models.Transcript{
		Language: resp.Language,
		Segments: make([]models.TranscriptSegment, 0, len(resp.Segments)),
	}
	for _, s := range resp.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		tr.Segments = append(tr.Segments, models.TranscriptSegment{Start: s.Start, End: s.End, Text: text})
	}
	// 没有时间戳时整段作为一条字幕
	if len(tr.Segments) == 0 && strings.TrimSpace(resp.Text) != "" {
		tr.Segments = append(tr.Segments, models.TranscriptSegment{Start: 0, End: resp.Duration, Text: strings.TrimSpace(resp.Text)})
	}
	sortSegments(tr.Segments)

	if w.translator != nil && len(tr.Segments) > 0 {
		translated, err := w.translator.Translate(ctx, tr.Segments)
		if err != nil {
			return nil, err
		}
		tr.Segments = translated
		tr.Language = w.opts.TranslateTo
	} else if w.opts.TranslateTo != "" {
		tr.Language = w.opts.TranslateTo
	}

	return tr, nil
}

func sortSegments(segments []models.TranscriptSegment) {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
}

func isEnglish(lang string) bool {
	lang = strings.ToLower(lang)
	return lang == "en" || strings.HasPrefix(lang, "en-") || lang == "english"
}
