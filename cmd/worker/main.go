package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/config"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/storage"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/store"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/telemetry"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/transform"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/webhook"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "alphaimage-worker",
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

	// The worker only sees batches through the shared database. An in-memory
	// store here would never hold the batches the API created.
	if cfg.Database.DSN == "" {
		logger.Fatal("POSTGRES_DSN is required: the worker shares batch state with the api through postgres")
	}
	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	batches, err := store.NewPostgresBatchStore(ctx, cfg.Database.DSN)
	cancel()
	if err != nil {
		logger.Fatalf("postgres batch store failed: %v", err)
	}
	defer func() {
		if err := batches.Close(); err != nil {
			logger.Printf("postgres close error: %v", err)
		}
	}()

	capability, err := transform.NewHTTPCapability(transform.Config{
		Endpoint: cfg.Transform.Endpoint,
		APIKey:   cfg.Transform.APIKey,
		Timeout:  cfg.Transform.Timeout,
	})
	if err != nil {
		logger.Fatalf("transform capability failed: %v", err)
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.SigningSecret,
		MaxAttempts:   3,
	})

	srv, err := worker.NewServer(
		logger,
		cfg.Queue,
		cfg.Worker,
		cfg.Webhook,
		storageClient,
		webhookClient,
		batches,
		capability,
	)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, srv.MetricsHandler()); err != nil {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker max_active_items=%d queue=%s redis=%s",
		cfg.Worker.MaxActiveItems,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
	)

	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdownTracing(ctx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}
