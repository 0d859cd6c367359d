package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/config"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/orchestrate"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/queue"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/storage"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/store"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/transform"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/webhook"
)

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	runner          *orchestrate.Runner
	batches         store.BatchStore
	webhookClient   webhookSender
	webhookEndpoint string
	metrics         *metrics
	tracer          trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	webhookCfg config.WebhookConfig,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
	batches store.BatchStore,
	capability transform.Capability,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if batches == nil {
		return nil, fmt.Errorf("batch store is required")
	}
	if capability == nil {
		return nil, fmt.Errorf("transform capability is required")
	}

	m := newMetrics()

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				// One run occupies one asynq slot; per-item fan-out
				// happens inside the runner.
				Concurrency: 1,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		batches:         batches,
		webhookClient:   webhookClient,
		webhookEndpoint: webhookCfg.Endpoint,
		metrics:         m,
		tracer:          otel.Tracer("alphaimage/worker"),
	}

	runner, err := orchestrate.NewRunner(orchestrate.RunnerConfig{
		Logger:      logger,
		Batches:     batches,
		Fetcher:     orchestrate.ObjectStoreFetcher{Storage: storageClient},
		Emitter:     orchestrate.ObjectStoreEmitter{Storage: storageClient},
		Capability:  instrumentedCapability{inner: capability, metrics: m},
		Concurrency: workerCfg.MaxActiveItems,
		OnProgress:  s.publishProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize batch runner: %w", err)
	}
	s.runner = runner
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRunBatch, s.handleRunBatch)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRunBatch(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	status := "failed"

	payload, err := queue.ParseRunBatchPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.run_batch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("batch.id", payload.BatchID),
		attribute.Int("batch.items", len(payload.ItemIDs)),
	)
	defer span.End()
	defer func() {
		s.metrics.runDuration.WithLabelValues(status).Observe(time.Since(startedAt).Seconds())
		s.metrics.runsTotal.WithLabelValues(status).Inc()
	}()

	s.metrics.activeRuns.Inc()
	defer s.metrics.activeRuns.Dec()

	s.logger.Printf("Working... batch_id=%s items=%d", payload.BatchID, len(payload.ItemIDs))

	s.dispatchWebhook(ctx, webhook.EventRunStarted, webhook.RunEvent{
		BatchID:   payload.BatchID,
		Event:     webhook.EventRunStarted,
		Progress:  domain.Progress{Current: 0, Total: len(payload.ItemIDs)},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	result, err := s.runner.Run(ctx, orchestrate.Request{
		BatchID:  payload.BatchID,
		Settings: payload.Settings,
		ItemIDs:  payload.ItemIDs,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrRunActive) || errors.Is(err, domain.ErrEmptySelection) {
			// Admission failures are final; retrying the task cannot help.
			span.SetStatus(codes.Error, "run not admitted")
			s.logger.Printf("run not admitted batch_id=%s err=%v", payload.BatchID, err)
			return fmt.Errorf("run not admitted: %v: %w", err, asynq.SkipRetry)
		}
		span.SetStatus(codes.Error, "run failed")
		return fmt.Errorf("run batch: %w", err)
	}

	var succeeded, failed int
	for _, outcome := range result.Outcomes {
		s.metrics.itemsTotal.WithLabelValues(outcome.State).Inc()
		switch outcome.State {
		case domain.ItemStateSucceeded:
			succeeded++
		case domain.ItemStateFailed:
			failed++
		}
	}

	s.logger.Printf(
		"Run finished batch_id=%s succeeded=%d failed=%d progress=%d/%d",
		payload.BatchID, succeeded, failed, result.Progress.Current, result.Progress.Total,
	)

	s.dispatchWebhook(ctx, webhook.EventRunCompleted, webhook.RunEvent{
		BatchID:   payload.BatchID,
		Event:     webhook.EventRunCompleted,
		Progress:  result.Progress,
		Succeeded: succeeded,
		Failed:    failed,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	status = "succeeded"
	span.SetStatus(codes.Ok, "run finished")
	return nil
}

// instrumentedCapability times every external transform call.
type instrumentedCapability struct {
	inner   transform.Capability
	metrics *metrics
}

func (c instrumentedCapability) Transform(ctx context.Context, req transform.Request) (transform.Result, error) {
	start := time.Now()
	result, err := c.inner.Transform(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.transformDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return result, err
}

func (s *Server) publishProgress(batchID string, progress domain.Progress) {
	s.metrics.progressTicks.Inc()
	s.dispatchWebhook(context.Background(), webhook.EventRunProgress, webhook.RunEvent{
		BatchID:   batchID,
		Event:     webhook.EventRunProgress,
		Progress:  progress,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) dispatchWebhook(ctx context.Context, event string, payload webhook.RunEvent) {
	if s.webhookEndpoint == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.Send(ctx, s.webhookEndpoint, event, payload); err != nil {
		s.logger.Printf("webhook delivery failed batch_id=%s event=%s err=%v", payload.BatchID, event, err)
	}
}
