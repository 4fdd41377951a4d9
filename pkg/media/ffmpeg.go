package media

import (
	"context"
	"fmt"
	"time"
)

// Transcoder 转码能力
type Transcoder interface {
	// Repackage 转封装为分片 MP4（不重新编码，时间戳从 0 开始）
	Repackage(ctx context.Context, input, output string) error

	// ExtractAudio 抽取单声道 MP3 音轨，用于语音识别
	ExtractAudio(ctx context.Context, input, output string) error
}

// FFmpeg 基于 ffmpeg 命令行的转码器
type FFmpeg struct {
	Binary  string
	Timeout time.Duration
}

// NewFFmpeg 创建转码器
func NewFFmpeg(binary string) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{Binary: binary, Timeout: 5 * time.Minute}
}

// RepackageArgs ffmpeg -y -i in -c copy -movflags frag_keyframe+empty_moov+default_base_moof
//   -reset_timestamps 1 -avoid_negative_ts make_zero -f mp4 out
func RepackageArgs(input, output string) []string {
	return []string{
		"-y",
		"-loglevel", "error",
		"-i", input,
		"-c", "copy",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-reset_timestamps", "1",
		"-avoid_negative_ts", "make_zero",
		"-f", "mp4",
		output,
	}
}

// ExtractAudioArgs ffmpeg -y -i in -vn -ac 1 -acodec libmp3lame -ab 64k -f mp3 out
func ExtractAudioArgs(input, output string) []string {
	return []string{
		"-y",
		"-loglevel", "error",
		"-i", input,
		"-vn",
		"-ac", "1",
		"-acodec", "libmp3lame",
		"-ab", "64k",
		"-f", "mp3",
		output,
	}
}

// Repackage 转封装
func (f *FFmpeg) Repackage(ctx context.Context, input, output string) error {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if err := run(ctx, f.Binary, RepackageArgs(input, output)...); err != nil {
		return fmt.Errorf("转封装失败: %w", err)
	}
	return nil
}

// ExtractAudio 抽取音轨
func (f *FFmpeg) ExtractAudio(ctx context.Context, input, output string) error {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if err := run(ctx, f.Binary, ExtractAudioArgs(input, output)...); err != nil {
		return fmt.Errorf("抽取音轨失败: %w", err)
	}
	return nil
}

func (f *FFmpeg) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.Timeout)
}
