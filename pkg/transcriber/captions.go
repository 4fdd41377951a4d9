package transcriber

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/z-wentao/livecaption/pkg/models"
)

// Cue 一条带绝对时间的字幕
type Cue struct {
	Start float64
	End   float64
	Text  string
}

// ChunkCues 单个片段的字幕，时间相对于片段起点
func ChunkCues(chunk *models.PublishedChunk) []Cue {
	return appendCues(nil, chunk, 0)
}

// SessionCues 整个会话的字幕，第 i 个片段偏移 i × chunk_length 秒
func SessionCues(chunks []*models.PublishedChunk) []Cue {
	sorted := make([]*models.PublishedChunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var cues []Cue
	for _, c := range sorted {
		cues = appendCues(cues, c, float64(c.Index*c.ChunkLength))
	}
	return cues
}

func appendCues(cues []Cue, chunk *models.PublishedChunk, offset float64) []Cue {
	for _, s := range chunk.Segments {
		cues = append(cues, Cue{Start: s.Start + offset, End: s.End + offset, Text: s.Text})
	}
	return cues
}

// WriteSRT 输出 SRT 格式字幕
func WriteSRT(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	for i, c := range cues {
		fmt.Fprintf(bw, "%d\n", i+1)
		fmt.Fprintf(bw, "%s --> %s\n", formatSRTTime(c.Start), formatSRTTime(c.End))
		fmt.Fprintf(bw, "%s\n\n", c.Text)
	}
	return bw.Flush()
}

// WriteVTT 输出 WebVTT 格式字幕
func WriteVTT(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("WEBVTT\n\n")
	for _, c := range cues {
		fmt.Fprintf(bw, "%s --> %s\n", formatVTTTime(c.Start), formatVTTTime(c.End))
		fmt.Fprintf(bw, "%s\n\n", c.Text)
	}
	return bw.Flush()
}

// formatSRTTime 格式化 SRT 时间 (00:00:01,500)
func formatSRTTime(seconds float64) string {
	h, m, s, ms := splitTime(seconds)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// formatVTTTime 格式化 VTT 时间 (00:00:01.500)
func formatVTTTime(seconds float64) string {
	h, m, s, ms := splitTime(seconds)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func splitTime(seconds float64) (h, m, s, ms int64) {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(math.Round(seconds * 1000))
	ms = total % 1000
	total /= 1000
	return total / 3600, (total % 3600) / 60, total % 60, ms
}
