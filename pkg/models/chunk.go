package models

import "time"

// Segment 直播流的一个原始片段（由采集器产生，交给某一个 Worker 处理）
type Segment struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`     // 片段序号，从 0 开始严格递增
	FilePath  string `json:"file_path"` // 原始片段文件路径
	Duration  int    `json:"duration"`  // 片段时长（秒）

	// RabbitMQ 相关（不序列化到 JSON）
	DeliveryTag      uint64 `json:"-"`
	RabbitMQDelivery any    `json:"-"`
}

// TranscriptSegment 一条字幕，时间相对于片段起点（秒）
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript 单个片段的转录结果，生成后不再修改
type Transcript struct {
	Language string              `json:"language"`
	Segments []TranscriptSegment `json:"segments"`
}

// PublishedChunk 已发布的片段：可播放的 fMP4 文件 + 字幕
type PublishedChunk struct {
	SessionID   string              `json:"session_id"`
	Index       int                 `json:"chunk_index"`
	Path        string              `json:"path"`
	ChunkLength int                 `json:"chunk_length"`
	Language    string              `json:"language"`
	Segments    []TranscriptSegment `json:"segments"`
	CreatedAt   time.Time           `json:"created_at"`
}

// TranscriptEvent 推送给观众的字幕更新事件
type TranscriptEvent struct {
	SessionID   string              `json:"session_id"`
	ChunkIndex  int                 `json:"chunk_index"`
	ChunkLength int                 `json:"chunk_length"`
	Segments    []TranscriptSegment `json:"segments"`
}

// Event 返回该片段对应的推送事件
func (c *PublishedChunk) Event() TranscriptEvent {
	return TranscriptEvent{
		SessionID:   c.SessionID,
		ChunkIndex:  c.Index,
		ChunkLength: c.ChunkLength,
		Segments:    c.Segments,
	}
}
