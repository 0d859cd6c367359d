package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/api"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/config"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/queue"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/ratelimit"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/settings"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/storage"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/store"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "alphaimage-api",
		Environment:  cfg.Telemetry.Environment,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	cancel()
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("storage client failed: %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Printf("bucket check failed, uploads may fail: %v", err)
	}
	cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Printf("redis client close error: %v", err)
		}
	}()

	settingsStore, err := settings.NewRedisStore(redisClient, cfg.Settings.KeyPrefix, logger)
	if err != nil {
		logger.Fatalf("settings store failed: %v", err)
	}

	var batches store.BatchStore
	if cfg.Database.DSN != "" {
		ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
		pg, err := store.NewPostgresBatchStore(ctx, cfg.Database.DSN)
		cancel()
		if err != nil {
			logger.Fatalf("postgres batch store failed: %v", err)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Printf("postgres close error: %v", err)
			}
		}()
		batches = pg
	} else {
		// The worker reads batches from postgres. Without a DSN the api keeps
		// them in memory, where no worker process can find them.
		logger.Printf("POSTGRES_DSN not set, using in-memory batch store: queued runs will fail unless a worker shares this process's store")
		batches = store.NewMemoryBatchStore()
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	var limiter api.RateLimiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter, err = ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.RequestsPerMinute, time.Minute, "")
		if err != nil {
			logger.Fatalf("rate limiter failed: %v", err)
		}
	}

	app, err := api.NewServer(api.ServerConfig{
		Logger:        logger,
		Batches:       batches,
		Queue:         queueClient,
		Storage:       storageClient,
		Settings:      settingsStore,
		RateLimiter:   limiter,
		AutoRun:       cfg.API.AutoRun,
		MaxUploadMB:   cfg.API.MaxUploadMB,
		MaxBatchItems: cfg.API.MaxBatchItems,
	})
	if err != nil {
		logger.Fatalf("server setup failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
