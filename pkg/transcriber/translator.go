package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/z-wentao/livecaption/pkg/models"
)

// Translator 用对话模型翻译字幕文本，时间戳保持不变
type Translator struct {
	client *openai.Client
	model  string
	target string
}

// NewTranslator 创建翻译器
func NewTranslator(client *openai.Client, model, target string) *Translator {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Translator{client: client, model: model, target: target}
}

// NewOpenAITranslator 用独立的客户端创建翻译器（识别后端不是 OpenAI 时使用）
func NewOpenAITranslator(cfg OpenAIConfig, target string) *Translator {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return NewTranslator(openai.NewClientWithConfig(clientConfig), cfg.TranslationModel, target)
}

type translationLine struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// Translate 逐条翻译字幕
func (t *Translator) Translate(ctx context.Context, segments []models.TranscriptSegment) ([]models.TranscriptSegment, error) {
	lines := make([]translationLine, len(segments))
	for i, s := range segments {
		lines[i] = translationLine{ID: i, Text: s.Text}
	}
	input, err := json.Marshal(map[string]any{"lines": lines})
	if err != nil {
		return nil, fmt.Errorf("序列化字幕失败: %w", err)
	}

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: buildTranslationPrompt(t.target),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: string(input),
			},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("调用翻译 API 失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("翻译 API 未返回结果")
	}

	content := resp.Choices[0].Message.Content
	var result struct {
		Lines []translationLine `json:"lines"`
	}
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("解析翻译结果失败: %w, 原始响应: %s", err, content)
	}

	// 按 id 回填，缺失的行保留原文
	out := make([]models.TranscriptSegment, len(segments))
	copy(out, segments)
	for _, line := range result.Lines {
		if line.ID < 0 || line.ID >= len(out) {
			continue
		}
		if text := strings.TrimSpace(line.Text); text != "" {
			out[line.ID].Text = text
		}
	}
	return out, nil
}

func buildTranslationPrompt(target string) string {
	return fmt.Sprintf(`你是直播字幕翻译。把用户给出的每一行字幕翻译成语言代码为 %q 的语言。
要求：
1. 保持行数和 id 不变，不要合并或拆分
2. 只翻译文本，不要添加解释
3. 严格输出 JSON：{"lines":[{"id":0,"text":"..."}]}`, target)
}

// translated 在识别结果上追加一次翻译
type translated struct {
	asr        ASR
	translator *Translator
}

// WithTranslation 给不能直接翻译的识别后端（如本地 faster-whisper）加上翻译步骤
func WithTranslation(asr ASR, t *Translator) ASR {
	if t == nil {
		return asr
	}
	return &translated{asr: asr, translator: t}
}

func (t *translated) Transcribe(ctx context.Context, mediaPath string) (*models.Transcript, error) {
	tr, err := t.asr.Transcribe(ctx, mediaPath)
	if err != nil {
		return nil, err
	}
	if len(tr.Segments) == 0 {
		return tr, nil
	}
	segments, err := t.translator.Translate(ctx, tr.Segments)
	if err != nil {
		return nil, err
	}
	return &models.Transcript{Language: t.translator.target, Segments: segments}, nil
}

func (t *translated) Close() error {
	if c, ok := t.asr.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
