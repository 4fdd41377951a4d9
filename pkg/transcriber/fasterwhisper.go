package transcriber

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/z-wentao/livecaption/pkg/models"
)

//go:embed assets/faster_whisper.py
var fwScript []byte

// ErrASRClosed 识别实例已关闭
var ErrASRClosed = errors.New("识别实例已关闭")

// FasterWhisper 通过常驻的 Python 辅助进程调用本地 faster-whisper
// 模型在进程启动时只加载一次（第一次 Transcribe 时启动），之后每行一个请求
// 同一实例的调用串行执行；进程意外退出后下一次调用会重新启动
type FasterWhisper struct {
	python string
	model  string
	device string
	opts   Options

	mu         sync.Mutex
	proc       *fwProcess
	scriptPath string
	closed     bool
}

// NewFasterWhisper 创建识别实例（不启动进程）
func NewFasterWhisper(python, model, device string, opts Options) *FasterWhisper {
	if python == "" {
		python = "python3"
	}
	if device == "" {
		device = "auto"
	}
	return &FasterWhisper{python: python, model: model, device: device, opts: opts}
}

type fwRequest struct {
	Audio string `json:"audio"`
}

type fwOut struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
	Error string `json:"error"`
}

// Args 构造辅助脚本参数
func (f *FasterWhisper) Args(script string) []string {
	args := []string{script, "--model", f.model, "--device", f.device, "--task", f.opts.Task()}
	if f.opts.Language != "" {
		args = append(args, "--language", f.opts.Language)
	}
	return args
}

// Transcribe 识别一个片段
func (f *FasterWhisper) Transcribe(ctx context.Context, mediaPath string) (*models.Transcript, error) {
	req, err := json.Marshal(fwRequest{Audio: mediaPath})
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrASRClosed
	}

	line, err := f.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseFasterWhisper(line, f.opts)
}

// roundTrip 发送一行请求并读取一行结果，复用的进程已退出时重启一次
func (f *FasterWhisper) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		reused := f.proc != nil
		if f.proc == nil {
			p, err := f.start()
			if err != nil {
				return nil, err
			}
			f.proc = p
		}

		line, err := f.proc.call(ctx, req)
		if err == nil {
			return line, nil
		}
		f.proc.kill()
		f.proc = nil

		if ctx.Err() != nil {
			return nil, fmt.Errorf("faster-whisper 识别被取消: %w", ctx.Err())
		}
		if !reused || attempt > 0 {
			return nil, err
		}
		log.Printf("🔄 faster-whisper 进程已退出，重新启动: %v", err)
	}
}

func (f *FasterWhisper) start() (*fwProcess, error) {
	script, err := f.script()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(f.python, f.Args(script)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("创建 stdin 管道失败: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("创建 stdout 管道失败: %w", err)
	}
	stderr := &tailBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("启动 faster-whisper 失败: %w", err)
	}
	log.Printf("🚀 faster-whisper 进程已启动 (模型 %s, 设备 %s)", f.model, f.device)

	return &fwProcess{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout), stderr: stderr}, nil
}

func parseFasterWhisper(out []byte, opts Options) (*models.Transcript, error) {
	var parsed fwOut
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("解析 faster-whisper 输出失败: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("faster-whisper 识别失败: %s", parsed.Error)
	}

	tr := &models.Transcript{Language: parsed.Language}
	if opts.Task() == "translate" {
		tr.Language = opts.TranslateTo
	}
	for _, s := range parsed.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		tr.Segments = append(tr.Segments, models.TranscriptSegment{Start: s.Start, End: s.End, Text: text})
	}
	sortSegments(tr.Segments)
	return tr, nil
}

// script 把内嵌脚本写到临时目录（只写一次）
func (f *FasterWhisper) script() (string, error) {
	if f.scriptPath != "" {
		return f.scriptPath, nil
	}
	dir, err := os.MkdirTemp("", "livecaption-fw-")
	if err != nil {
		return "", fmt.Errorf("创建临时目录失败: %w", err)
	}
	path := filepath.Join(dir, "faster_whisper.py")
	if err := os.WriteFile(path, fwScript, 0o755); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("写入辅助脚本失败: %w", err)
	}
	f.scriptPath = path
	return path, nil
}

// Close 结束辅助进程并删除临时脚本
func (f *FasterWhisper) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	if f.proc != nil {
		f.proc.shutdown(5 * time.Second)
		f.proc = nil
	}
	if f.scriptPath == "" {
		return nil
	}
	return os.RemoveAll(filepath.Dir(f.scriptPath))
}

// fwProcess 一个常驻的辅助进程
type fwProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *tailBuffer
}

func (p *fwProcess) call(ctx context.Context, req []byte) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if _, err := p.stdin.Write(append(req, '\n')); err != nil {
			done <- result{err: fmt.Errorf("faster-whisper 写入请求失败: %w%s", err, p.stderr.suffix())}
			return
		}
		line, err := p.stdout.ReadBytes('\n')
		if err != nil {
			done <- result{err: fmt.Errorf("faster-whisper 读取结果失败: %w%s", err, p.stderr.suffix())}
			return
		}
		done <- result{line: line}
	}()

	select {
	case r := <-done:
		return r.line, r.err
	case <-ctx.Done():
		// 杀掉进程让读写返回
		p.kill()
		<-done
		return nil, ctx.Err()
	}
}

// kill 立即结束进程
func (p *fwProcess) kill() {
	p.stdin.Close()
	if p.cmd.ProcessState == nil {
		p.cmd.Process.Kill()
		p.cmd.Wait()
	}
}

// shutdown 关闭 stdin 让脚本自行退出，超时后强制结束
func (p *fwProcess) shutdown(timeout time.Duration) {
	p.stdin.Close()
	exited := make(chan struct{})
	go func() {
		p.cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(timeout):
		p.cmd.Process.Kill()
		<-exited
	}
	log.Println("✓ faster-whisper 进程已退出")
}

// tailBuffer 保留 stderr 的最后一段，用于错误信息
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const stderrTail = 2048

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > stderrTail {
		b.buf = b.buf[len(b.buf)-stderrTail:]
	}
	return len(p), nil
}

func (b *tailBuffer) suffix() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(string(b.buf))
	if s == "" {
		return ""
	}
	return ": " + s
}
