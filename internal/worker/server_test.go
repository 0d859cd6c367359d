package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/orchestrate"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/queue"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/store"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/transform"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/webhook"
)

type captureSender struct {
	events []string
}

func (c *captureSender) Send(ctx context.Context, endpoint, event string, payload any) error {
	c.events = append(c.events, event)
	return nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, item domain.WorkItem) ([]byte, error) {
	return []byte("source"), nil
}

type stubEmitter struct{}

func (stubEmitter) Emit(ctx context.Context, batchID string, item domain.WorkItem, data []byte, mimeType string) (string, error) {
	return "results/" + batchID + "/" + item.ID, nil
}

type stubCapability struct {
	err error
}

func (c stubCapability) Transform(ctx context.Context, req transform.Request) (transform.Result, error) {
	if c.err != nil {
		return transform.Result{}, c.err
	}
	return transform.Result{Bytes: []byte("edited"), MimeType: "image/png"}, nil
}

func newTestServer(t *testing.T, batches store.BatchStore, capability transform.Capability, sender *captureSender) *Server {
	t.Helper()

	s := &Server{
		logger:          log.New(io.Discard, "", 0),
		batches:         batches,
		webhookClient:   sender,
		webhookEndpoint: "http://hooks.example/batch",
		metrics:         newMetrics(),
		tracer:          otel.Tracer("alphaimage/worker-test"),
	}

	runner, err := orchestrate.NewRunner(orchestrate.RunnerConfig{
		Logger:      s.logger,
		Batches:     batches,
		Fetcher:     stubFetcher{},
		Emitter:     stubEmitter{},
		Capability:  capability,
		Concurrency: 2,
		OnProgress:  s.publishProgress,
	})
	if err != nil {
		t.Fatalf("build runner: %v", err)
	}
	s.runner = runner
	return s
}

func seedBatch(t *testing.T, batches store.BatchStore, itemIDs ...string) domain.Batch {
	t.Helper()

	items := make([]domain.WorkItem, 0, len(itemIDs))
	for _, id := range itemIDs {
		items = append(items, domain.WorkItem{
			ID:         id,
			SourceName: id + ".png",
			SourceMIME: "image/png",
			SourceKey:  "sources/" + id,
			State:      domain.ItemStateIdle,
		})
	}
	batch := domain.NewBatch("batch-1", items, domain.DefaultEditSettings())
	if _, _, err := batches.ReplaceBatch(context.Background(), batch); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	return batch
}

func TestHandleRunBatchDispatchesLifecycleEvents(t *testing.T) {
	batches := store.NewMemoryBatchStore()
	seedBatch(t, batches, "item-1", "item-2")

	sender := &captureSender{}
	s := newTestServer(t, batches, stubCapability{}, sender)

	task, err := queue.NewRunBatchTask(queue.RunBatchPayload{
		BatchID:  "batch-1",
		Settings: domain.DefaultEditSettings(),
		ItemIDs:  []string{"item-1", "item-2"},
	})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := s.handleRunBatch(context.Background(), task); err != nil {
		t.Fatalf("handleRunBatch returned error: %v", err)
	}

	if len(sender.events) < 3 {
		t.Fatalf("expected started, progress and completed events, got %v", sender.events)
	}
	if sender.events[0] != webhook.EventRunStarted {
		t.Fatalf("first event = %q, want %q", sender.events[0], webhook.EventRunStarted)
	}
	if sender.events[len(sender.events)-1] != webhook.EventRunCompleted {
		t.Fatalf("last event = %q, want %q", sender.events[len(sender.events)-1], webhook.EventRunCompleted)
	}

	batch, ok, err := batches.GetBatch(context.Background(), "batch-1")
	if err != nil || !ok {
		t.Fatalf("load batch: ok=%v err=%v", ok, err)
	}
	counts := batch.StateCounts()
	if counts[domain.ItemStateSucceeded] != 2 {
		t.Fatalf("expected 2 succeeded items, got %v", counts)
	}
}

func TestHandleRunBatchSkipsRetryOnAdmissionFailure(t *testing.T) {
	batches := store.NewMemoryBatchStore()
	seedBatch(t, batches, "item-1")

	sender := &captureSender{}
	s := newTestServer(t, batches, stubCapability{}, sender)

	task, err := queue.NewRunBatchTask(queue.RunBatchPayload{
		BatchID:  "batch-1",
		Settings: domain.DefaultEditSettings(),
		ItemIDs:  nil,
	})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}

	err = s.handleRunBatch(context.Background(), task)
	if err == nil {
		t.Fatal("expected error for empty selection")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestHandleRunBatchRecordsFailedItems(t *testing.T) {
	batches := store.NewMemoryBatchStore()
	seedBatch(t, batches, "item-1")

	sender := &captureSender{}
	s := newTestServer(t, batches, stubCapability{err: errors.New("model unavailable")}, sender)

	task, err := queue.NewRunBatchTask(queue.RunBatchPayload{
		BatchID:  "batch-1",
		Settings: domain.DefaultEditSettings(),
		ItemIDs:  []string{"item-1"},
	})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := s.handleRunBatch(context.Background(), task); err != nil {
		t.Fatalf("handleRunBatch returned error: %v", err)
	}

	batch, ok, err := batches.GetBatch(context.Background(), "batch-1")
	if err != nil || !ok {
		t.Fatalf("load batch: ok=%v err=%v", ok, err)
	}
	item, ok := batch.Item("item-1")
	if !ok {
		t.Fatal("item missing after run")
	}
	if item.State != domain.ItemStateFailed {
		t.Fatalf("item state = %q, want failed", item.State)
	}
	if item.ErrorMessage == "" {
		t.Fatal("expected error message on failed item")
	}
}
