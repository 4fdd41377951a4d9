package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config 应用配置
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	ASR         ASRConfig         `yaml:"asr"`
	Downloader  DownloaderConfig  `yaml:"downloader"`
	Transcoder  TranscoderConfig  `yaml:"transcoder"`
	Queue       QueueConfig       `yaml:"queue"`
	Storage     StorageConfig     `yaml:"storage"`
	Events      EventsConfig      `yaml:"events"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int      `yaml:"port"`
	ChunkDir       string   `yaml:"chunk_dir"` // 已发布片段目录（每个会话开始时清空）
	RawDir         string   `yaml:"raw_dir"`   // 原始片段工作目录
	OriginPatterns []string `yaml:"origin_patterns"`
}

// TranscriberConfig 片段处理配置
type TranscriberConfig struct {
	WorkerCount        int  `yaml:"worker_count"`         // 同时处理的片段数 N
	DefaultChunkLength int  `yaml:"default_chunk_length"` // 请求未指定时的片段时长（秒）
	ExtractAudio       bool `yaml:"extract_audio"`        // 识别前先用 ffmpeg 抽取音轨
}

// ASRConfig 语音识别配置
type ASRConfig struct {
	Backend          string `yaml:"backend"` // openai | faster-whisper
	APIKey           string `yaml:"api_key"`
	BaseURL          string `yaml:"base_url"`
	Model            string `yaml:"model"`
	TranslationModel string `yaml:"translation_model"`
	Device           string `yaml:"device"` // faster-whisper: auto | cpu | cuda
	Python           string `yaml:"python"`
	MaxRetries       int    `yaml:"max_retries"`
	MaxConcurrency   int    `yaml:"max_concurrency"` // 0 表示不限制
}

// DownloaderConfig 直播流下载配置
type DownloaderConfig struct {
	Binary       string        `yaml:"binary"`
	CookiesFile  string        `yaml:"cookies_file"`
	Format       string        `yaml:"format"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// TranscoderConfig 转封装配置
type TranscoderConfig struct {
	FFmpeg string `yaml:"ffmpeg"`
}

// QueueConfig 队列配置
type QueueConfig struct {
	Type     string         `yaml:"type"` // memory | rabbitmq
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	URL       string `yaml:"url"`
	QueueName string `yaml:"queue_name"`
}

// StorageConfig 片段存档配置
type StorageConfig struct {
	Type     string         `yaml:"type"` // memory | redis | postgres | hybrid
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// EventsConfig 事件推送配置
type EventsConfig struct {
	RedisChannel string `yaml:"redis_channel"` // 非空时把事件同时发布到 Redis
	BufferSize   int    `yaml:"buffer_size"`   // 每个 WebSocket 订阅者的缓冲
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置，应用环境变量覆盖并验证
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// applyEnv 环境变量优先于配置文件
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.ASR.APIKey = v
	}
	if v := os.Getenv("LIVECAPTION_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("LIVECAPTION_POSTGRES_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("LIVECAPTION_AMQP_URL"); v != "" {
		c.Queue.RabbitMQ.URL = v
	}
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		c.Server.Port = 5100
	}
	if c.Server.ChunkDir == "" {
		c.Server.ChunkDir = "chunks"
	}
	if c.Server.RawDir == "" {
		c.Server.RawDir = "raw"
	}
	if c.Server.ChunkDir == c.Server.RawDir {
		return fmt.Errorf("chunk_dir 与 raw_dir 不能相同: %s", c.Server.ChunkDir)
	}

	if c.Transcriber.WorkerCount <= 0 {
		c.Transcriber.WorkerCount = 4
	}
	if c.Transcriber.DefaultChunkLength <= 0 {
		c.Transcriber.DefaultChunkLength = 30
	}

	c.ASR.Backend = strings.ToLower(strings.TrimSpace(c.ASR.Backend))
	switch c.ASR.Backend {
	case "", "openai":
		c.ASR.Backend = "openai"
		if c.ASR.APIKey == "" || c.ASR.APIKey == "your-openai-api-key-here" {
			return fmt.Errorf("请在配置文件中设置有效的 OpenAI API Key")
		}
	case "faster-whisper":
		if c.ASR.Model == "" {
			c.ASR.Model = "medium"
		}
		if c.ASR.Python == "" {
			c.ASR.Python = "python3"
		}
		if c.ASR.Device == "" {
			c.ASR.Device = "auto"
		}
	default:
		return fmt.Errorf("不支持的识别后端: %s", c.ASR.Backend)
	}
	if c.ASR.MaxRetries < 0 {
		c.ASR.MaxRetries = 0
	} else if c.ASR.MaxRetries == 0 {
		c.ASR.MaxRetries = 3
	}

	if c.Downloader.Binary == "" {
		c.Downloader.Binary = "yt-dlp"
	}
	if c.Downloader.Format == "" {
		c.Downloader.Format = "bv*+ba/b"
	}
	if c.Downloader.MaxRetries < 0 {
		return fmt.Errorf("downloader.max_retries 不能为负数")
	}
	if c.Downloader.RetryBackoff <= 0 {
		c.Downloader.RetryBackoff = 2 * time.Second
	}

	if c.Transcoder.FFmpeg == "" {
		c.Transcoder.FFmpeg = "ffmpeg"
	}

	switch c.Queue.Type {
	case "":
		c.Queue.Type = "memory"
	case "memory":
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return fmt.Errorf("使用 RabbitMQ 队列时必须设置 queue.rabbitmq.url")
		}
		if c.Queue.RabbitMQ.QueueName == "" {
			c.Queue.RabbitMQ.QueueName = "livecaption.segments"
		}
	default:
		return fmt.Errorf("不支持的队列类型: %s", c.Queue.Type)
	}

	switch c.Storage.Type {
	case "":
		c.Storage.Type = "memory"
	case "memory":
	case "redis", "postgres", "hybrid":
		if c.Storage.Type != "postgres" && c.Storage.Redis.Addr == "" {
			return fmt.Errorf("存储类型 %s 需要 storage.redis.addr", c.Storage.Type)
		}
		if c.Storage.Type != "redis" && c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("存储类型 %s 需要 storage.postgres.dsn", c.Storage.Type)
		}
	default:
		return fmt.Errorf("不支持的存储类型: %s", c.Storage.Type)
	}
	if c.Storage.Redis.TTL <= 0 {
		c.Storage.Redis.TTL = 24 * time.Hour
	}

	if c.Events.RedisChannel != "" && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("events.redis_channel 需要 storage.redis.addr")
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 64
	}

	return nil
}
