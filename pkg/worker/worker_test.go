package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/z-wentao/livecaption/pkg/chunkstore"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/observe"
	"github.com/z-wentao/livecaption/pkg/queue"
	"github.com/z-wentao/livecaption/pkg/storage"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var indexRe = regexp.MustCompile(`_(\d+)\.`)

func indexOf(path string) int {
	m := indexRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return -1
	}
	i, _ := strconv.Atoi(m[1])
	return i
}

type fakeASR struct {
	chunkLength float64
	delays      map[int]time.Duration
	fail        map[int]bool
	randomDelay time.Duration
	segments    []models.TranscriptSegment // 非空时原样返回

	active, peak atomic.Int32
	mu           sync.Mutex
	paths        []string
}

func (f *fakeASR) Transcribe(ctx context.Context, path string) (*models.Transcript, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()

	i := indexOf(path)
	delay := f.delays[i]
	if f.randomDelay > 0 {
		delay = time.Duration(rand.Int63n(int64(f.randomDelay)))
	}
	time.Sleep(delay)

	if f.fail[i] {
		return nil, errors.New("asr unavailable")
	}
	if f.segments != nil {
		return &models.Transcript{Language: "en", Segments: f.segments}, nil
	}
	d := f.chunkLength
	return &models.Transcript{Language: "en", Segments: []models.TranscriptSegment{
		{Start: 0, End: d / 3, Text: fmt.Sprintf("chunk %d a", i)},
		{Start: d / 3, End: d / 2, Text: fmt.Sprintf("chunk %d b", i)},
		{Start: d / 2, End: d, Text: fmt.Sprintf("chunk %d c", i)},
	}}, nil
}

type fakeTranscoder struct {
	fail map[int]bool
}

func (f *fakeTranscoder) Repackage(_ context.Context, in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	if f.fail[indexOf(in)] {
		os.WriteFile(out, []byte("half"), 0o644)
		return errors.New("ffmpeg: invalid data")
	}
	return os.WriteFile(out, append([]byte("fmp4:"), data...), 0o644)
}

func (f *fakeTranscoder) ExtractAudio(_ context.Context, in, out string) error {
	return os.WriteFile(out, []byte("mp3"), 0o644)
}

type recorder struct {
	mu     sync.Mutex
	events []models.TranscriptEvent
}

func (r *recorder) PublishTranscript(_ context.Context, ev models.TranscriptEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) PublishStatus(context.Context, models.SessionInfo) error { return nil }

func (r *recorder) indices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.ChunkIndex
	}
	return out
}

type harness struct {
	store     *chunkstore.Store
	queue     *queue.MemoryQueue
	asr       *fakeASR
	trans     *fakeTranscoder
	pub       *recorder
	archive   *storage.MemoryStore
	mu        sync.Mutex
	failed    map[int]string
	published []int
}

func newHarness(t *testing.T, chunkLength int) *harness {
	t.Helper()
	dir := t.TempDir()
	store := chunkstore.New(filepath.Join(dir, "chunks"), filepath.Join(dir, "raw"))
	if err := store.Reset(); err != nil {
		t.Fatal(err)
	}
	return &harness{
		store:   store,
		queue:   queue.NewMemoryQueue(),
		asr:     &fakeASR{chunkLength: float64(chunkLength), delays: map[int]time.Duration{}, fail: map[int]bool{}},
		trans:   &fakeTranscoder{fail: map[int]bool{}},
		pub:     &recorder{},
		archive: storage.NewMemoryStore(),
		failed:  map[int]string{},
	}
}

func (h *harness) pool(cfg Config, metrics *observe.Metrics) *Pool {
	return NewPool(cfg, Deps{
		Queue:      h.queue,
		ASR:        h.asr,
		Transcoder: h.trans,
		Store:      h.store,
		Publisher:  h.pub,
		Archive:    h.archive,
		Metrics:    metrics,
		OnPublished: func(c *models.PublishedChunk) {
			h.mu.Lock()
			h.published = append(h.published, c.Index)
			h.mu.Unlock()
		},
		OnFailed: func(index int, stage string, err error) {
			h.mu.Lock()
			h.failed[index] = stage
			h.mu.Unlock()
		},
	})
}

// enqueue 写入原始片段并入队
func (h *harness) enqueue(t *testing.T, chunkLength int, indices ...int) {
	t.Helper()
	for _, i := range indices {
		path := h.store.RawPath(i)
		if err := os.WriteFile(path, []byte(fmt.Sprintf("raw %d", i)), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := h.queue.Enqueue(&models.Segment{SessionID: "s", Index: i, FilePath: path, Duration: chunkLength}); err != nil {
			t.Fatal(err)
		}
	}
}

// runToCompletion 关闭队列后运行，队列取空且进行中的片段完成时返回
func runToCompletion(t *testing.T, p *Pool, q queue.Queue) {
	t.Helper()
	q.Close()
	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not drain")
	}
}

func assertIndices(t *testing.T, store *chunkstore.Store, want []int) {
	t.Helper()
	got, err := store.Indices()
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("stored indices = %v, want %v", got, want)
	}
}

func TestSequentialChunks(t *testing.T) {
	h := newHarness(t, 10)
	h.enqueue(t, 10, 0, 1, 2)
	runToCompletion(t, h.pool(Config{Workers: 1, ChunkLength: 10}, nil), h.queue)

	if got := h.pub.indices(); fmt.Sprint(got) != "[0 1 2]" {
		t.Fatalf("published = %v, want [0 1 2]", got)
	}
	for _, ev := range h.pub.events {
		if ev.ChunkLength != 10 || ev.SessionID != "s" {
			t.Errorf("event = %+v", ev)
		}
		last := 0.0
		for _, s := range ev.Segments {
			if s.Start < last || s.Start < 0 || s.End > 10 {
				t.Errorf("chunk %d: offsets out of order or range: %+v", ev.ChunkIndex, ev.Segments)
			}
			last = s.Start
		}
	}
	assertIndices(t, h.store, []int{0, 1, 2})

	for i := 0; i < 3; i++ {
		if _, err := os.Stat(h.store.RawPath(i)); !os.IsNotExist(err) {
			t.Errorf("raw %d not removed", i)
		}
		data, _ := os.ReadFile(h.store.ChunkPath(i))
		if string(data) != fmt.Sprintf("fmp4:raw %d", i) {
			t.Errorf("chunk %d content = %q", i, data)
		}
	}

	chunks, _ := h.archive.ListChunks(context.Background(), "s")
	if len(chunks) != 3 {
		t.Errorf("archived %d chunks", len(chunks))
	}
}

func TestOutOfOrderCompletion(t *testing.T) {
	h := newHarness(t, 10)
	h.asr.delays[0] = 200 * time.Millisecond
	h.asr.delays[1] = 10 * time.Millisecond
	h.enqueue(t, 10, 0, 1)
	runToCompletion(t, h.pool(Config{Workers: 2, ChunkLength: 10}, nil), h.queue)

	if got := h.pub.indices(); fmt.Sprint(got) != "[1 0]" {
		t.Errorf("publish order = %v, want [1 0]", got)
	}
	assertIndices(t, h.store, []int{0, 1})
}

func TestASRFailureDropsIndex(t *testing.T) {
	h := newHarness(t, 10)
	h.asr.fail[1] = true
	h.enqueue(t, 10, 0, 1, 2)
	runToCompletion(t, h.pool(Config{Workers: 2, ChunkLength: 10}, nil), h.queue)

	got := h.pub.indices()
	for _, i := range got {
		if i == 1 {
			t.Fatalf("failed index published: %v", got)
		}
	}
	if len(got) != 2 {
		t.Errorf("published = %v", got)
	}
	assertIndices(t, h.store, []int{0, 2})

	if h.failed[1] != observe.StageASR {
		t.Errorf("failed = %v", h.failed)
	}
	// 失败的原始片段留在磁盘上
	if _, err := os.Stat(h.store.RawPath(1)); err != nil {
		t.Errorf("raw 1 should remain: %v", err)
	}
	if _, err := h.archive.GetChunk(context.Background(), "s", 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("archive has failed chunk: %v", err)
	}
}

func TestRepackageFailureLeavesNoPartialFile(t *testing.T) {
	h := newHarness(t, 10)
	h.trans.fail[0] = true
	h.enqueue(t, 10, 0, 1)
	runToCompletion(t, h.pool(Config{Workers: 1, ChunkLength: 10}, nil), h.queue)

	assertIndices(t, h.store, []int{1})
	entries, _ := os.ReadDir(h.store.Dir())
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if h.failed[0] != observe.StageRepackage {
		t.Errorf("failed = %v", h.failed)
	}
	if _, err := h.store.Open(0); !errors.Is(err, chunkstore.ErrChunkNotFound) {
		t.Errorf("Open(0) err = %v", err)
	}
}

func TestExtractAudioBeforeASR(t *testing.T) {
	h := newHarness(t, 10)
	h.enqueue(t, 10, 0)
	runToCompletion(t, h.pool(Config{Workers: 1, ChunkLength: 10, ExtractAudio: true}, nil), h.queue)

	if len(h.asr.paths) != 1 || h.asr.paths[0] != h.store.AudioPath(0) {
		t.Errorf("asr input = %v, want %s", h.asr.paths, h.store.AudioPath(0))
	}
	if _, err := os.Stat(h.store.AudioPath(0)); !os.IsNotExist(err) {
		t.Error("extracted audio not removed")
	}
	assertIndices(t, h.store, []int{0})
}

func TestBoundedConcurrency(t *testing.T) {
	h := newHarness(t, 10)
	for i := 0; i < 12; i++ {
		h.asr.delays[i] = 20 * time.Millisecond
	}
	h.enqueue(t, 10, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11)
	runToCompletion(t, h.pool(Config{Workers: 3, ChunkLength: 10}, nil), h.queue)

	if p := h.asr.peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
	if len(h.pub.indices()) != 12 {
		t.Errorf("published %d, want 12", len(h.pub.indices()))
	}
}

func TestRandomCompletionOrder(t *testing.T) {
	h := newHarness(t, 10)
	h.asr.randomDelay = 15 * time.Millisecond
	const n = 30
	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	h.enqueue(t, 10, want...)
	runToCompletion(t, h.pool(Config{Workers: 4, ChunkLength: 10}, nil), h.queue)

	assertIndices(t, h.store, want)

	seen := map[int]int{}
	for _, i := range h.pub.indices() {
		seen[i]++
	}
	for i := 0; i < n; i++ {
		if seen[i] != 1 {
			t.Errorf("index %d published %d times", i, seen[i])
		}
	}
	if len(h.published) != n {
		t.Errorf("OnPublished calls = %d", len(h.published))
	}
	if got := h.pub.indices(); sort.IntsAreSorted(got) {
		t.Errorf("expected at least one out-of-order completion with random delays, got %v", got)
	}
}

func TestOffsetsClampedToChunk(t *testing.T) {
	h := newHarness(t, 10)
	h.asr.segments = []models.TranscriptSegment{
		{Start: -0.2, End: 4, Text: "a"},
		{Start: 9.5, End: 10.8, Text: "b"},
		{Start: 10.2, End: 11, Text: "c"},
	}
	h.enqueue(t, 10, 0)
	runToCompletion(t, h.pool(Config{Workers: 1, ChunkLength: 10}, nil), h.queue)

	want := []models.TranscriptSegment{
		{Start: 0, End: 4, Text: "a"},
		{Start: 9.5, End: 10, Text: "b"},
	}
	if len(h.pub.events) != 1 {
		t.Fatalf("events = %d", len(h.pub.events))
	}
	if got := h.pub.events[0].Segments; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("segments = %+v, want %+v", got, want)
	}
	chunk, err := h.archive.GetChunk(context.Background(), "s", 0)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(chunk.Segments) != fmt.Sprint(want) {
		t.Errorf("archived segments = %+v", chunk.Segments)
	}
	if h.asr.segments[0].Start != -0.2 {
		t.Error("transcript from ASR must not be modified")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 10)
	p := h.pool(Config{Workers: 2, ChunkLength: 10}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCancelWaitsForInFlight(t *testing.T) {
	h := newHarness(t, 10)
	h.asr.delays[0] = 100 * time.Millisecond
	h.enqueue(t, 10, 0)
	p := h.pool(Config{Workers: 1, ChunkLength: 10}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	for h.asr.active.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	// 进行中的片段没有被取消
	assertIndices(t, h.store, []int{0})
}

func TestQueueStarvationIsNotFatal(t *testing.T) {
	h := newHarness(t, 10)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	p := h.pool(Config{Workers: 1, ChunkLength: 10, StarvationTimeout: 10 * time.Millisecond}, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	h.enqueue(t, 10, 0)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.pub.indices()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(h.pub.indices()) != 1 {
		t.Fatal("segment enqueued after starvation was not processed")
	}
	cancel()
	<-done

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var starved int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "livecaption.queue.starvation" {
				starved = m.Data.(metricdata.Sum[int64]).DataPoints[0].Value
			}
		}
	}
	if starved < 1 {
		t.Errorf("starvation count = %d, want >= 1", starved)
	}
}
