package models

import "time"

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionPending SessionStatus = "pending" // 已创建，等待上一个会话退出并重置片段目录
	SessionRunning SessionStatus = "running"
	SessionHalted  SessionStatus = "halted" // 采集已停止，已入队的片段仍在处理
	SessionStopped SessionStatus = "stopped"
	SessionFailed  SessionStatus = "failed" // 启动失败
)

// SessionInfo 会话快照（对外展示和持久化用）
type SessionInfo struct {
	SessionID   string        `json:"session_id"`
	StreamURL   string        `json:"stream_url"`
	Language    string        `json:"language"`    // 空字符串表示自动检测
	Translation string        `json:"translation"` // 空字符串表示不翻译
	ChunkLength int           `json:"chunk_length"`
	Status      SessionStatus `json:"status"`
	LastIndex   int           `json:"last_index"` // 最后一个入队的片段序号，-1 表示尚未入队
	Published   int           `json:"published"`
	Failed      int           `json:"failed"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StoppedAt   time.Time     `json:"stopped_at,omitempty"`
}

// Terminal 是否为终态
func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionFailed
}
