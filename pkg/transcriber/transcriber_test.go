package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/z-wentao/livecaption/pkg/models"
)

func writeMedia(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw_chunk_0.mp3")
	if err := os.WriteFile(path, []byte("fake audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type fakeOpenAI struct {
	mu            sync.Mutex
	transcribe    int
	translate     int
	chat          int
	failFirst     int
	languageSeen  string
	chatResponse  string
	audioResponse string
}

func (f *fakeOpenAI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	audio := func(kind *int) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			*kind++
			n := f.transcribe + f.translate
			f.mu.Unlock()
			if n <= f.failFirst {
				http.Error(w, `{"error":{"message":"overloaded","type":"server_error"}}`, http.StatusInternalServerError)
				return
			}
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			f.mu.Lock()
			f.languageSeen = r.FormValue("language")
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(f.audioResponse))
		}
	}
	mux.HandleFunc("/v1/audio/transcriptions", audio(&f.transcribe))
	mux.HandleFunc("/v1/audio/translations", audio(&f.translate))
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.chat++
		f.mu.Unlock()
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": f.chatResponse}, "finish_reason": "stop"}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

const verboseJSON = `{
  "task": "transcribe",
  "language": "japanese",
  "duration": 10.0,
  "text": "こんにちは 世界",
  "segments": [
    {"id": 1, "start": 4.5, "end": 9.0, "text": " 世界 "},
    {"id": 0, "start": 0.0, "end": 4.0, "text": "こんにちは"},
    {"id": 2, "start": 9.0, "end": 10.0, "text": "  "}
  ]
}`

func newTestWhisper(t *testing.T, f *fakeOpenAI, opts Options, retries int) *OpenAIWhisper {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	w := NewOpenAIWhisper(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", MaxRetries: retries}, opts)
	w.backoff = time.Millisecond
	return w
}

func TestOpenAIWhisperTranscribe(t *testing.T) {
	f := &fakeOpenAI{audioResponse: verboseJSON}
	w := newTestWhisper(t, f, Options{Language: "ja"}, 1)

	tr, err := w.Transcribe(context.Background(), writeMedia(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if f.transcribe != 1 || f.translate != 0 {
		t.Fatalf("calls = transcribe %d translate %d", f.transcribe, f.translate)
	}
	if f.languageSeen != "ja" {
		t.Errorf("language sent = %q", f.languageSeen)
	}
	want := []models.TranscriptSegment{{Start: 0, End: 4, Text: "こんにちは"}, {Start: 4.5, End: 9, Text: "世界"}}
	if len(tr.Segments) != len(want) {
		t.Fatalf("segments = %+v", tr.Segments)
	}
	for i := range want {
		if tr.Segments[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, tr.Segments[i], want[i])
		}
	}
}

func TestOpenAIWhisperTranslateToEnglish(t *testing.T) {
	f := &fakeOpenAI{audioResponse: verboseJSON}
	w := newTestWhisper(t, f, Options{Language: "ja", TranslateTo: "en"}, 1)

	tr, err := w.Transcribe(context.Background(), writeMedia(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if f.translate != 1 || f.transcribe != 0 || f.chat != 0 {
		t.Fatalf("calls = transcribe %d translate %d chat %d", f.transcribe, f.translate, f.chat)
	}
	if tr.Language != "en" {
		t.Errorf("language = %q", tr.Language)
	}
}

func TestOpenAIWhisperTranslateViaChat(t *testing.T) {
	f := &fakeOpenAI{
		audioResponse: verboseJSON,
		chatResponse:  `{"lines":[{"id":0,"text":"Bonjour"},{"id":1,"text":"le monde"}]}`,
	}
	w := newTestWhisper(t, f, Options{Language: "ja", TranslateTo: "fr"}, 1)

	tr, err := w.Transcribe(context.Background(), writeMedia(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if f.transcribe != 1 || f.chat != 1 {
		t.Fatalf("calls = transcribe %d chat %d", f.transcribe, f.chat)
	}
	if tr.Language != "fr" {
		t.Errorf("language = %q", tr.Language)
	}
	if tr.Segments[0].Text != "Bonjour" || tr.Segments[1].Text != "le monde" {
		t.Errorf("segments = %+v", tr.Segments)
	}
	if tr.Segments[1].Start != 4.5 || tr.Segments[1].End != 9 {
		t.Errorf("timings changed: %+v", tr.Segments[1])
	}
}

func TestOpenAIWhisperRetries(t *testing.T) {
	f := &fakeOpenAI{audioResponse: verboseJSON, failFirst: 2}
	w := newTestWhisper(t, f, Options{}, 3)

	if _, err := w.Transcribe(context.Background(), writeMedia(t)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if f.transcribe != 3 {
		t.Errorf("attempts = %d, want 3", f.transcribe)
	}
}

func TestOpenAIWhisperGivesUp(t *testing.T) {
	f := &fakeOpenAI{audioResponse: verboseJSON, failFirst: 100}
	w := newTestWhisper(t, f, Options{}, 2)

	if _, err := w.Transcribe(context.Background(), writeMedia(t)); err == nil {
		t.Fatal("expected error")
	}
	if f.transcribe != 2 {
		t.Errorf("attempts = %d, want 2", f.transcribe)
	}
}

func TestTranslatorKeepsMissingLines(t *testing.T) {
	f := &fakeOpenAI{chatResponse: `{"lines":[{"id":1,"text":"two"},{"id":7,"text":"ignored"}]}`}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	w := NewOpenAIWhisper(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, Options{TranslateTo: "de"})

	in := []models.TranscriptSegment{{Start: 0, End: 1, Text: "eins"}, {Start: 1, End: 2, Text: "zwei"}}
	out, err := w.translator.Translate(context.Background(), in)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if out[0].Text != "eins" || out[1].Text != "two" {
		t.Errorf("out = %+v", out)
	}
	if in[1].Text != "zwei" {
		t.Error("input was modified")
	}
}

func TestOptionsTask(t *testing.T) {
	tests := []struct {
		to   string
		want string
	}{
		{"", "transcribe"},
		{"en", "translate"},
		{"en-US", "translate"},
		{"fr", "transcribe"},
	}
	for _, tt := range tests {
		if got := (Options{TranslateTo: tt.to}).Task(); got != tt.want {
			t.Errorf("Task(%q) = %q, want %q", tt.to, got, tt.want)
		}
	}
}

type slowASR struct {
	active, peak atomic.Int32
}

func (s *slowASR) Transcribe(ctx context.Context, _ string) (*models.Transcript, error) {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	s.active.Add(-1)
	return &models.Transcript{}, nil
}

func TestLimit(t *testing.T) {
	inner := &slowASR{}
	asr := Limit(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			asr.Transcribe(context.Background(), "x")
		}()
	}
	wg.Wait()

	if p := inner.peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	if Limit(inner, 0) != ASR(inner) {
		t.Error("Limit(0) should return the same instance")
	}
}

type gateASR struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateASR) Transcribe(ctx context.Context, _ string) (*models.Transcript, error) {
	g.entered <- struct{}{}
	<-g.release
	return &models.Transcript{}, nil
}

func TestLimitWaitHonoursContext(t *testing.T) {
	g := &gateASR{entered: make(chan struct{}, 1), release: make(chan struct{})}
	asr := Limit(g, 1)

	go asr.Transcribe(context.Background(), "x")
	<-g.entered
	defer close(g.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := asr.Transcribe(ctx, "y"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestParseFasterWhisper(t *testing.T) {
	out := []byte(`{"language":"ja","duration":5,"segments":[{"start":2,"end":5,"text":" b "},{"start":0,"end":2,"text":"a"},{"start":5,"end":5,"text":""}]}`)

	tr, err := parseFasterWhisper(out, Options{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tr.Language != "ja" || len(tr.Segments) != 2 || tr.Segments[0].Text != "a" || tr.Segments[1].Text != "b" {
		t.Errorf("transcript = %+v", tr)
	}

	tr, _ = parseFasterWhisper(out, Options{TranslateTo: "en"})
	if tr.Language != "en" {
		t.Errorf("language = %q, want en", tr.Language)
	}

	if _, err := parseFasterWhisper([]byte(`{"error":"no such file"}`), Options{}); err == nil || !strings.Contains(err.Error(), "no such file") {
		t.Errorf("error response: err = %v", err)
	}
	if _, err := parseFasterWhisper([]byte("Traceback"), Options{}); err == nil {
		t.Error("expected parse error")
	}
}

func TestFasterWhisperArgs(t *testing.T) {
	fw := NewFasterWhisper("", "small", "", Options{Language: "ja", TranslateTo: "en"})
	got := strings.Join(fw.Args("fw.py"), " ")
	want := "fw.py --model small --device auto --task translate --language ja"
	if got != want {
		t.Errorf("args = %q\nwant   %q", got, want)
	}
}

// fakeHelper 用 shell 脚本冒充 python：每次启动往 starts 文件追加一行，
// 逐行读请求，路径里带 "broken" 时回复 error，处理完 exitAfter 个请求后退出（0 表示不退出）
func fakeHelper(t *testing.T, exitAfter int) (python, starts string) {
	t.Helper()
	dir := t.TempDir()
	python = filepath.Join(dir, "python")
	starts = filepath.Join(dir, "starts")
	script := fmt.Sprintf(`#!/bin/sh
echo started >> %q
n=0
while IFS= read -r line; do
  case "$line" in
    *broken*) echo '{"error":"cannot decode audio"}' ;;
    *) echo '{"language":"en","segments":[{"start":1,"end":2,"text":" second "},{"start":0,"end":1,"text":"first"}]}' ;;
  esac
  n=$((n+1))
  if [ %d -gt 0 ] && [ "$n" -ge %d ]; then exit 0; fi
done
`, starts, exitAfter, exitAfter)
	if err := os.WriteFile(python, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return python, starts
}

func countStarts(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Count(string(data), "started")
}

func TestFasterWhisperKeepsOneProcess(t *testing.T) {
	python, starts := fakeHelper(t, 0)
	fw := NewFasterWhisper(python, "tiny", "cpu", Options{})

	for i := 0; i < 3; i++ {
		tr, err := fw.Transcribe(context.Background(), writeMedia(t))
		if err != nil {
			t.Fatalf("Transcribe %d: %v", i, err)
		}
		if len(tr.Segments) != 2 || tr.Segments[0].Text != "first" || tr.Segments[1].Text != "second" {
			t.Errorf("transcript = %+v", tr)
		}
	}

	// 单个文件失败不影响进程
	if _, err := fw.Transcribe(context.Background(), "/tmp/broken.mp3"); err == nil || !strings.Contains(err.Error(), "cannot decode") {
		t.Errorf("err = %v", err)
	}
	if _, err := fw.Transcribe(context.Background(), writeMedia(t)); err != nil {
		t.Fatalf("Transcribe after error: %v", err)
	}

	if n := countStarts(t, starts); n != 1 {
		t.Errorf("helper started %d times, want 1", n)
	}

	if err := fw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := fw.Transcribe(context.Background(), writeMedia(t)); !errors.Is(err, ErrASRClosed) {
		t.Errorf("after Close err = %v", err)
	}
}

func TestFasterWhisperRestartsExitedProcess(t *testing.T) {
	python, starts := fakeHelper(t, 1)
	fw := NewFasterWhisper(python, "tiny", "cpu", Options{})
	defer fw.Close()

	for i := 0; i < 3; i++ {
		if _, err := fw.Transcribe(context.Background(), writeMedia(t)); err != nil {
			t.Fatalf("Transcribe %d: %v", i, err)
		}
	}
	if n := countStarts(t, starts); n != 3 {
		t.Errorf("helper started %d times, want 3", n)
	}
}

func TestFasterWhisperCancel(t *testing.T) {
	dir := t.TempDir()
	python := filepath.Join(dir, "python")
	// 读到请求后不回复
	if err := os.WriteFile(python, []byte("#!/bin/sh\nread -r line\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	fw := NewFasterWhisper(python, "tiny", "cpu", Options{})
	defer fw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := fw.Transcribe(ctx, writeMedia(t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Transcribe did not return promptly after cancel")
	}
}

func TestCaptions(t *testing.T) {
	chunks := []*models.PublishedChunk{
		{Index: 1, ChunkLength: 30, Segments: []models.TranscriptSegment{{Start: 0.5, End: 2, Text: "second"}}},
		{Index: 0, ChunkLength: 30, Segments: []models.TranscriptSegment{{Start: 1, End: 3661.25, Text: "first"}}},
	}

	var srt bytes.Buffer
	if err := WriteSRT(&srt, SessionCues(chunks)); err != nil {
		t.Fatal(err)
	}
	wantSRT := "1\n00:00:01,000 --> 01:01:01,250\nfirst\n\n2\n00:00:30,500 --> 00:00:32,000\nsecond\n\n"
	if srt.String() != wantSRT {
		t.Errorf("srt =\n%s\nwant\n%s", srt.String(), wantSRT)
	}

	var vtt bytes.Buffer
	if err := WriteVTT(&vtt, ChunkCues(chunks[0])); err != nil {
		t.Fatal(err)
	}
	wantVTT := "WEBVTT\n\n00:00:00.500 --> 00:00:02.000\nsecond\n\n"
	if vtt.String() != wantVTT {
		t.Errorf("vtt =\n%s\nwant\n%s", vtt.String(), wantVTT)
	}
}

func TestFormatTimeRounds(t *testing.T) {
	if got := formatVTTTime(1.9996); got != "00:00:02.000" {
		t.Errorf("formatVTTTime = %q", got)
	}
	if got := formatSRTTime(-1); got != "00:00:00,000" {
		t.Errorf("formatSRTTime = %q", got)
	}
}

func TestWithTranslation(t *testing.T) {
	f := &fakeOpenAI{chatResponse: `{"lines":[{"id":0,"text":"salut"}]}`}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	inner := stubASR{tr: &models.Transcript{Language: "en", Segments: []models.TranscriptSegment{{Start: 1, End: 2, Text: "hi"}}}}
	asr := WithTranslation(inner, NewOpenAITranslator(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, "fr"))

	tr, err := asr.Transcribe(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Language != "fr" || tr.Segments[0].Text != "salut" || tr.Segments[0].Start != 1 {
		t.Errorf("transcript = %+v", tr)
	}
	if WithTranslation(inner, nil) != ASR(inner) {
		t.Error("nil translator should return the same instance")
	}
}

type stubASR struct{ tr *models.Transcript }

func (s stubASR) Transcribe(context.Context, string) (*models.Transcript, error) {
	return s.tr, nil
}

func TestClampSegments(t *testing.T) {
	in := []models.TranscriptSegment{
		{Start: -0.3, End: -0.1, Text: "before"},
		{Start: -0.2, End: 2, Text: "a"},
		{Start: 5, End: 4, Text: "b"},
		{Start: 9, End: 12, Text: "c"},
		{Start: 10, End: 11, Text: "after"},
	}
	got := ClampSegments(in, 10)
	want := []models.TranscriptSegment{
		{Start: 0, End: 2, Text: "a"},
		{Start: 5, End: 5, Text: "b"},
		{Start: 9, End: 10, Text: "c"},
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ClampSegments = %+v\nwant %+v", got, want)
	}
	if in[1].Start != -0.2 {
		t.Error("input modified")
	}
	if got := ClampSegments(nil, 10); got == nil || len(got) != 0 {
		t.Errorf("ClampSegments(nil) = %#v", got)
	}
}
