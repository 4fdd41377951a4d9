package session

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ErrInvalidRequest 启动参数不合法
	ErrInvalidRequest = errors.New("无效的会话参数")
	// ErrNoActiveSession 当前没有可停止的会话
	ErrNoActiveSession = errors.New("没有进行中的会话")
	// ErrShuttingDown 进程正在退出，不再接受新会话
	ErrShuttingDown = errors.New("服务正在关闭")
)

// MaxChunkLength 片段时长上限（秒）
const MaxChunkLength = 600

var langCode = regexp.MustCompile(`^[a-z]{2,3}(-[a-z0-9]{2,8})?$`)

// Request 启动会话的参数
type Request struct {
	StreamURL   string `json:"stream_url"`
	Language    string `json:"language"`     // 语言代码或 "auto"
	Translation string `json:"translation"`  // 目标语言代码或 "none"
	ChunkLength int    `json:"chunk_length"` // 秒，0 表示使用默认值
}

// Normalize 校验并规范化参数："auto" 和 "none" 变成空字符串
func (r *Request) Normalize(defaultChunkLength int) error {
	r.StreamURL = strings.TrimSpace(r.StreamURL)
	if r.StreamURL == "" {
		return fmt.Errorf("%w: stream_url 不能为空", ErrInvalidRequest)
	}
	u, err := url.Parse(r.StreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: stream_url 不是有效的地址: %s", ErrInvalidRequest, r.StreamURL)
	}

	if r.ChunkLength == 0 {
		r.ChunkLength = defaultChunkLength
	}
	if r.ChunkLength <= 0 || r.ChunkLength > MaxChunkLength {
		return fmt.Errorf("%w: chunk_length 必须在 1-%d 秒之间", ErrInvalidRequest, MaxChunkLength)
	}

	r.Language = strings.ToLower(strings.TrimSpace(r.Language))
	if r.Language == "auto" {
		r.Language = ""
	}
	if r.Language != "" && !langCode.MatchString(r.Language) {
		return fmt.Errorf("%w: 不支持的语言代码: %s", ErrInvalidRequest, r.Language)
	}

	r.Translation = strings.ToLower(strings.TrimSpace(r.Translation))
	if r.Translation == "none" {
		r.Translation = ""
	}
	if r.Translation != "" && !langCode.MatchString(r.Translation) {
		return fmt.Errorf("%w: 不支持的翻译目标: %s", ErrInvalidRequest, r.Translation)
	}

	return nil
}
