// Package observe 指标与链路追踪（OpenTelemetry，指标经 Prometheus 导出）
//
// 测试中请用 NewMetrics 配合自己的 MeterProvider，避免互相污染
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/z-wentao/livecaption"

// 片段失败的阶段
const (
	StageAudio     = "audio"
	StageASR       = "asr"
	StageRepackage = "repackage"
	StagePublish   = "publish"
)

// Metrics 流水线指标
type Metrics struct {
	// 采集
	SegmentsAcquired metric.Int64Counter
	DownloadRetries  metric.Int64Counter
	DownloadDuration metric.Float64Histogram

	// 处理
	ChunksPublished   metric.Int64Counter
	ChunksFailed      metric.Int64Counter // attribute: stage
	ASRDuration       metric.Float64Histogram
	TranscodeDuration metric.Float64Histogram
	ChunkDuration     metric.Float64Histogram // 出队到发布的总耗时
	BusyWorkers       metric.Int64UpDownCounter
	QueueStarvation   metric.Int64Counter

	// 队列深度，由 SetQueueDepth 提供
	queueDepth metric.Int64ObservableGauge

	mu        sync.Mutex
	depthFunc func() int
}

// 片段时长一般是几十秒，处理耗时按秒计
var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120}

// NewMetrics 用给定的 MeterProvider 创建全部指标
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.SegmentsAcquired, "livecaption.segments.acquired", "Segments downloaded and enqueued."},
		{&met.DownloadRetries, "livecaption.download.retries", "Download attempts that were retried."},
		{&met.ChunksPublished, "livecaption.chunks.published", "Chunks that completed ASR and repackaging."},
		{&met.ChunksFailed, "livecaption.chunks.failed", "Chunks dropped by processing failures, by stage."},
		{&met.QueueStarvation, "livecaption.queue.starvation", "Dequeue waits that exceeded twice the chunk length."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.DownloadDuration, "livecaption.download.duration", "Latency of one segment download."},
		{&met.ASRDuration, "livecaption.asr.duration", "Latency of one ASR call."},
		{&met.TranscodeDuration, "livecaption.transcode.duration", "Latency of fragmented MP4 repackaging."},
		{&met.ChunkDuration, "livecaption.chunk.duration", "Dequeue-to-publish latency of one chunk."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	if met.BusyWorkers, err = m.Int64UpDownCounter("livecaption.workers.busy",
		metric.WithDescription("Segments currently owned by workers."),
	); err != nil {
		return nil, err
	}

	if met.queueDepth, err = m.Int64ObservableGauge("livecaption.queue.depth",
		metric.WithDescription("Segments waiting in the dispatch queue."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			met.mu.Lock()
			fn := met.depthFunc
			met.mu.Unlock()
			if fn != nil {
				o.Observe(int64(fn()))
			}
			return nil
		}),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// SetQueueDepth 注册当前会话队列的深度函数，nil 表示没有活动会话
func (m *Metrics) SetQueueDepth(fn func() int) {
	m.mu.Lock()
	m.depthFunc = fn
	m.mu.Unlock()
}

// Stage 失败阶段属性
func Stage(stage string) metric.AddOption {
	return metric.WithAttributes(attribute.String("stage", stage))
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics 基于全局 MeterProvider 的实例（InitProvider 之后调用）
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
