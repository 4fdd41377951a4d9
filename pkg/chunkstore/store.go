package chunkstore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrChunkNotFound 片段尚未发布或已被清理
var ErrChunkNotFound = errors.New("片段不存在")

const (
	chunkPrefix = "chunk_"
	chunkExt    = ".mp4"
	partSuffix  = ".part"
)

// Store 基于目录的片段存储
// dir 中只存放当前会话已发布的 chunk_<index>.mp4
// rawDir 存放下载的原始片段和抽取的音轨
type Store struct {
	dir    string
	rawDir string
}

// New 创建片段存储（不创建目录，由 Reset 负责）
func New(dir, rawDir string) *Store {
	return &Store{dir: dir, rawDir: rawDir}
}

// Dir 已发布片段目录
func (s *Store) Dir() string {
	return s.dir
}

// Reset 清空（或创建）片段目录和原始片段目录
// 必须在采集器开始之前同步完成
func (s *Store) Reset() error {
	for _, dir := range []string{s.dir, s.rawDir} {
		if err := resetDir(dir); err != nil {
			return err
		}
	}
	log.Printf("🧹 片段目录已重置: %s, %s", s.dir, s.rawDir)
	return nil
}

func resetDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录失败: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取目录失败: %w", err)
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("清理 %s 失败: %w", entry.Name(), err)
		}
	}
	return nil
}

// ChunkName 片段文件名，如 chunk_3.mp4
func ChunkName(index int) string {
	return fmt.Sprintf("%s%d%s", chunkPrefix, index, chunkExt)
}

// chunkNameRe 只接受 "3" 或 "chunk_3.mp4"，不带前导零和符号，保证一个片段只有两个名字
var chunkNameRe = regexp.MustCompile(`^(?:(0|[1-9][0-9]*)|chunk_(0|[1-9][0-9]*)\.mp4)$`)

// ParseChunkName 解析 "3" 或 "chunk_3.mp4"
func ParseChunkName(name string) (int, error) {
	m := chunkNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, fmt.Errorf("无效的片段名: %s", name)
	}
	digits := m[1]
	if digits == "" {
		digits = m[2]
	}
	index, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("无效的片段名: %s", name)
	}
	return index, nil
}

// ChunkPath 已发布片段路径
func (s *Store) ChunkPath(index int) string {
	return filepath.Join(s.dir, ChunkName(index))
}

// TempPath 转封装的临时输出路径，Commit 后才对观众可见
func (s *Store) TempPath(index int) string {
	return filepath.Join(s.dir, "."+ChunkName(index)+partSuffix)
}

// RawPath 原始片段路径
func (s *Store) RawPath(index int) string {
	return filepath.Join(s.rawDir, fmt.Sprintf("raw_chunk_%d.mp4", index))
}

// AudioPath 抽取的音轨路径
func (s *Store) AudioPath(index int) string {
	return filepath.Join(s.rawDir, fmt.Sprintf("raw_chunk_%d.mp3", index))
}

// Commit 将临时输出原子地重命名为正式片段
func (s *Store) Commit(index int) error {
	if err := os.Rename(s.TempPath(index), s.ChunkPath(index)); err != nil {
		return fmt.Errorf("提交片段 %d 失败: %w", index, err)
	}
	return nil
}

// Discard 删除临时输出（转封装失败时调用）
func (s *Store) Discard(index int) {
	if err := os.Remove(s.TempPath(index)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("⚠️ 删除临时文件失败: %v", err)
	}
}

// RemoveRaw 删除原始片段和音轨
func (s *Store) RemoveRaw(index int) error {
	var errs []error
	for _, p := range []string{s.RawPath(index), s.AudioPath(index)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open 打开已发布片段
func (s *Store) Open(index int) (*os.File, error) {
	f, err := os.Open(s.ChunkPath(index))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %d", ErrChunkNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("打开片段 %d 失败: %w", index, err)
	}
	return f, nil
}

// Exists 片段是否已发布
func (s *Store) Exists(index int) bool {
	info, err := os.Stat(s.ChunkPath(index))
	return err == nil && info.Mode().IsRegular()
}

// Indices 已发布片段的序号（升序），可能有空洞
func (s *Store) Indices() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	indices := make([]int, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, chunkPrefix) || !strings.HasSuffix(name, chunkExt) {
			continue
		}
		index, err := ParseChunkName(name)
		if err != nil {
			continue
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}
