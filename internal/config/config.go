package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Settings  SettingsConfig
	Transform TransformConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
}

type APIConfig struct {
	Addr          string
	AutoRun       bool
	MaxUploadMB   int
	MaxBatchItems int
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveItems int
	MetricsAddr    string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	DSN string
}

type SettingsConfig struct {
	KeyPrefix string
}

type TransformConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type WebhookConfig struct {
	Endpoint      string
	SigningSecret string
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type TelemetryConfig struct {
	Environment  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:          env("ALPHAIMAGE_API_ADDR", ":8080"),
			AutoRun:       envBool("ALPHAIMAGE_AUTORUN", false),
			MaxUploadMB:   envInt("ALPHAIMAGE_MAX_UPLOAD_MB", 64),
			MaxBatchItems: envInt("ALPHAIMAGE_MAX_BATCH_ITEMS", 200),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveItems: envInt("WORKER_MAX_ACTIVE_ITEMS", defaultWorkerSlots),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "alphaimage-batches"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Settings: SettingsConfig{
			KeyPrefix: env("ALPHAIMAGE_SETTINGS_PREFIX", "alphaimage:settings"),
		},
		Transform: TransformConfig{
			Endpoint: env("TRANSFORM_ENDPOINT", ""),
			APIKey:   env("TRANSFORM_API_KEY", ""),
			Timeout:  envDuration("TRANSFORM_TIMEOUT", 2*time.Minute),
		},
		Webhook: WebhookConfig{
			Endpoint:      env("WEBHOOK_ENDPOINT", ""),
			SigningSecret: env("WEBHOOK_SIGNING_SECRET", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
			Burst:             envInt("RATE_LIMIT_BURST", 30),
		},
		Telemetry: TelemetryConfig{
			Environment:  env("DEPLOY_ENV", ""),
			Exporter:     env("TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTLP_INSECURE", true),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
