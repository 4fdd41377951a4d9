package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Downloader 直播流下载能力：把直播源接下来 duration 秒的内容写入 output
type Downloader interface {
	Download(ctx context.Context, url, output string, duration int) error
}

// YtDlp 基于 yt-dlp + ffmpeg 的下载器
type YtDlp struct {
	Binary      string
	CookiesFile string // 为空或文件不存在时不带 cookies
	Format      string // 默认选择音视频合流 "bv*+ba/b"
}

// NewYtDlp 创建下载器
func NewYtDlp(binary, cookiesFile, format string) *YtDlp {
	if binary == "" {
		binary = "yt-dlp"
	}
	if format == "" {
		format = "bv*+ba/b"
	}
	return &YtDlp{Binary: binary, CookiesFile: cookiesFile, Format: format}
}

// Args 构造 yt-dlp 参数
// yt-dlp <url> --cookies cookies.txt --no-live-from-start --no-part -f "bv*+ba/b" -o out
//   --external-downloader ffmpeg --external-downloader-args "-t 30"
func (d *YtDlp) Args(url, output string, duration int) []string {
	args := []string{url}
	if d.CookiesFile != "" {
		if _, err := os.Stat(d.CookiesFile); err == nil {
			args = append(args, "--cookies", d.CookiesFile)
		}
	}
	args = append(args,
		"--no-live-from-start",
		"--no-part",
		"--quiet",
		"--no-warnings",
		"--no-progress",
		"-f", d.Format,
		"-o", output,
		"--external-downloader", "ffmpeg",
		"--external-downloader-args", fmt.Sprintf("-t %d", duration),
	)
	return args
}

// Download 下载一个片段
// 下载本身由 -t 限时，这里再加一层超时防止 yt-dlp 卡死
func (d *YtDlp) Download(ctx context.Context, url, output string, duration int) error {
	if duration <= 0 {
		return fmt.Errorf("无效的片段时长: %d", duration)
	}
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout(duration))
	defer cancel()

	if err := run(ctx, d.Binary, d.Args(url, output, duration)...); err != nil {
		return err
	}

	info, err := os.Stat(output)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("yt-dlp 未生成输出文件: %s", output)
	}
	if err != nil {
		return fmt.Errorf("检查输出文件失败: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("yt-dlp 输出为空文件: %s", output)
	}
	return nil
}

// downloadTimeout 至少 D+60 秒，且不少于 3D
func downloadTimeout(duration int) time.Duration {
	d := time.Duration(duration) * time.Second
	if 3*d > d+time.Minute {
		return 3 * d
	}
	return d + time.Minute
}
