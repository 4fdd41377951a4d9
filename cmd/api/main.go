package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/z-wentao/livecaption/pkg/chunkstore"
	"github.com/z-wentao/livecaption/pkg/config"
	"github.com/z-wentao/livecaption/pkg/events"
	"github.com/z-wentao/livecaption/pkg/media"
	"github.com/z-wentao/livecaption/pkg/observe"
	"github.com/z-wentao/livecaption/pkg/queue"
	"github.com/z-wentao/livecaption/pkg/session"
	"github.com/z-wentao/livecaption/pkg/storage"
	"github.com/z-wentao/livecaption/pkg/transcriber"
)

const version = "0.1.0"

// App 应用上下文（依赖注入）
type App struct {
	config     *config.Config
	chunks     *chunkstore.Store
	archive    storage.Store
	hub        *events.Hub
	controller *session.Controller
	closers    []func() error
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	log.Println("✓ 配置加载成功")

	// 2. 指标
	var metrics *observe.Metrics
	if cfg.Metrics.Enabled {
		shutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			log.Fatalf("❌ 初始化指标失败: %v", err)
		}
		defer shutdown(context.Background())
		metrics = observe.DefaultMetrics()
		log.Println("✓ 指标已启用 (/metrics)")
	}

	// 3. 初始化组件
	app, err := newApp(cfg, metrics)
	if err != nil {
		log.Fatalf("❌ 初始化失败: %v", err)
	}
	defer app.Close()

	// 4. 启动 HTTP 服务器
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: app.handler(),
	}

	log.Printf("🚀 LiveCaption 服务器启动在 http://localhost:%d", cfg.Server.Port)
	log.Printf("📝 配置信息:")
	log.Printf("   - 并发 Worker: %d", cfg.Transcriber.WorkerCount)
	log.Printf("   - 默认片段时长: %d 秒", cfg.Transcriber.DefaultChunkLength)
	log.Printf("   - 识别后端: %s", cfg.ASR.Backend)
	log.Printf("   - 队列类型: %s", cfg.Queue.Type)
	log.Printf("   - 存档类型: %s", cfg.Storage.Type)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ 服务器启动失败: %v", err)
		}
	}()

	// 5. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.controller.Shutdown(ctx); err != nil {
		log.Printf("⚠️ 会话未能在超时前排空: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP 服务器关闭失败: %v", err)
	}
	log.Println("✓ 服务器已关闭")
}

// newApp 按配置组装各组件
func newApp(cfg *config.Config, metrics *observe.Metrics) (*App, error) {
	app := &App{
		config: cfg,
		chunks: chunkstore.New(cfg.Server.ChunkDir, cfg.Server.RawDir),
		hub:    events.NewHub(cfg.Events.BufferSize),
	}

	// 存档
	var redisClient *redis.Client
	switch cfg.Storage.Type {
	case "memory":
		app.archive = storage.NewMemoryStore()
		log.Println("✓ 使用内存存档")
	case "redis":
		rs, err := newRedisStore(cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		app.archive, redisClient = rs, rs.Client()
		log.Println("✓ 使用 Redis 存档")
	case "postgres":
		ps, err := storage.NewPostgresStore(cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		app.archive = ps
		log.Println("✓ 使用 PostgreSQL 存档")
	case "hybrid":
		rs, err := newRedisStore(cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		ps, err := storage.NewPostgresStore(cfg.Storage.Postgres.DSN)
		if err != nil {
			rs.Close()
			return nil, err
		}
		app.archive, redisClient = storage.NewHybridStore(rs, ps), rs.Client()
	default:
		return nil, fmt.Errorf("不支持的存档类型: %s", cfg.Storage.Type)
	}
	app.closers = append(app.closers, app.archive.Close)

	// 事件出口
	var publisher events.Publisher = app.hub
	if cfg.Events.RedisChannel != "" {
		if redisClient == nil {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.Redis.Addr,
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			app.closers = append(app.closers, redisClient.Close)
		}
		publisher = events.Multi{app.hub, events.NewRedisPublisher(redisClient, cfg.Events.RedisChannel)}
		log.Printf("✓ 事件同时发布到 Redis 频道 %s", cfg.Events.RedisChannel)
	}

	app.controller = session.NewController(session.Config{
		Workers:            cfg.Transcriber.WorkerCount,
		DefaultChunkLength: cfg.Transcriber.DefaultChunkLength,
		ExtractAudio:       cfg.Transcriber.ExtractAudio,
		DownloadRetries:    cfg.Downloader.MaxRetries,
		RetryBackoff:       cfg.Downloader.RetryBackoff,
	}, session.Deps{
		Store:      app.chunks,
		Downloader: media.NewYtDlp(cfg.Downloader.Binary, cfg.Downloader.CookiesFile, cfg.Downloader.Format),
		Transcoder: media.NewFFmpeg(cfg.Transcoder.FFmpeg),
		NewASR:     newASRFactory(cfg.ASR),
		NewQueue:   newQueueFactory(cfg.Queue, cfg.Transcriber.WorkerCount),
		Publisher:  publisher,
		Archive:    app.archive,
		Metrics:    metrics,
	})

	return app, nil
}

func newRedisStore(cfg config.RedisConfig) (*storage.RedisStore, error) {
	return storage.NewRedisStore(cfg.Addr, cfg.Password, cfg.DB, cfg.TTL)
}

// Close 关闭存档和连接
func (app *App) Close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			log.Printf("⚠️ 关闭资源失败: %v", err)
		}
	}
}

// newASRFactory 每个会话创建自己的识别实例
func newASRFactory(cfg config.ASRConfig) func(transcriber.Options) (transcriber.ASR, error) {
	openaiCfg := transcriber.OpenAIConfig{
		APIKey:           cfg.APIKey,
		BaseURL:          cfg.BaseURL,
		Model:            cfg.Model,
		TranslationModel: cfg.TranslationModel,
		MaxRetries:       cfg.MaxRetries,
	}

	return func(opts transcriber.Options) (transcriber.ASR, error) {
		var asr transcriber.ASR
		switch cfg.Backend {
		case "openai":
			asr = transcriber.NewOpenAIWhisper(openaiCfg, opts)
		case "faster-whisper":
			fw := transcriber.NewFasterWhisper(cfg.Python, cfg.Model, cfg.Device, opts)
			asr = fw
			if opts.TranslateTo != "" && opts.Task() != "translate" {
				if cfg.APIKey == "" {
					fw.Close()
					return nil, fmt.Errorf("翻译到 %s 需要配置 asr.api_key", opts.TranslateTo)
				}
				asr = transcriber.WithTranslation(fw, transcriber.NewOpenAITranslator(openaiCfg, opts.TranslateTo))
			}
		default:
			return nil, fmt.Errorf("不支持的识别后端: %s", cfg.Backend)
		}
		return transcriber.Limit(asr, cfg.MaxConcurrency), nil
	}
}

// newQueueFactory 每个会话一个队列
func newQueueFactory(cfg config.QueueConfig, workers int) func(sessionID string) (queue.Queue, error) {
	return func(sessionID string) (queue.Queue, error) {
		switch cfg.Type {
		case "rabbitmq":
			name := fmt.Sprintf("%s.%s", cfg.RabbitMQ.QueueName, sessionID)
			return queue.NewRabbitMQQueue(cfg.RabbitMQ.URL, name, workers)
		default:
			return queue.NewMemoryQueue(), nil
		}
	}
}
