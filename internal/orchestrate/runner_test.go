package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/store"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/transform"
)

type memoryFetcher struct {
	sources map[string][]byte
}

func (f memoryFetcher) Fetch(_ context.Context, item domain.WorkItem) ([]byte, error) {
	data, ok := f.sources[item.ID]
	if !ok {
		return nil, fmt.Errorf("no source for item %s", item.ID)
	}
	return data, nil
}

type memoryEmitter struct {
	mu      sync.Mutex
	emitted map[string][]byte
}

func newMemoryEmitter() *memoryEmitter {
	return &memoryEmitter{emitted: make(map[string][]byte)}
}

func (e *memoryEmitter) Emit(_ context.Context, batchID string, item domain.WorkItem, data []byte, mimeType string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := fmt.Sprintf("results/%s/%s.%s", batchID, item.ID, ExtensionForMIME(mimeType))
	e.emitted[key] = data
	return key, nil
}

// scriptedCapability fails for item payloads listed in failFor.
type scriptedCapability struct {
	failFor map[string]bool
	delay   time.Duration
}

func (c scriptedCapability) Transform(_ context.Context, req transform.Request) (transform.Result, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.failFor[string(req.SourceBytes)] {
		return transform.Result{}, errors.New("model rejected the instruction")
	}
	return transform.Result{
		Bytes:    append([]byte("edited:"), req.SourceBytes...),
		MimeType: "image/" + req.Sequence.OutputFormat(),
	}, nil
}

func newRunEnv(t *testing.T, itemCount int, capability transform.Capability) (*Runner, *store.MemoryBatchStore, *memoryEmitter, *progressLog) {
	t.Helper()

	now := time.Now().UTC()
	items := make([]domain.WorkItem, 0, itemCount)
	sources := make(map[string][]byte, itemCount)
	for i := 1; i <= itemCount; i++ {
		id := fmt.Sprintf("item-%d", i)
		items = append(items, domain.WorkItem{
			ID:         id,
			SourceName: fmt.Sprintf("photo-%d.png", i),
			SourceMIME: "image/png",
			State:      domain.ItemStateIdle,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		sources[id] = []byte(id)
	}

	batches := store.NewMemoryBatchStore()
	if _, _, err := batches.ReplaceBatch(context.Background(), domain.NewBatch("batch-1", items, domain.DefaultEditSettings())); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	progress := &progressLog{}
	emitter := newMemoryEmitter()
	runner, err := NewRunner(RunnerConfig{
		Logger:      log.New(io.Discard, "", 0),
		Batches:     batches,
		Fetcher:     memoryFetcher{sources: sources},
		Emitter:     emitter,
		Capability:  capability,
		Concurrency: 2,
		OnProgress:  progress.record,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return runner, batches, emitter, progress
}

type progressLog struct {
	mu    sync.Mutex
	ticks []domain.Progress
}

func (p *progressLog) record(_ string, progress domain.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks = append(p.ticks, progress)
}

func (p *progressLog) snapshot() []domain.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Progress(nil), p.ticks...)
}

func TestRunProcessesOnlySelection(t *testing.T) {
	runner, batches, emitter, _ := newRunEnv(t, 3, scriptedCapability{})

	result, err := runner.Run(context.Background(), Request{
		BatchID:  "batch-1",
		Settings: domain.DefaultEditSettings(),
		ItemIDs:  []string{"item-2"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].State != domain.ItemStateSucceeded {
		t.Fatalf("expected one succeeded outcome, got %+v", result.Outcomes)
	}

	batch, _, _ := batches.GetBatch(context.Background(), "batch-1")
	counts := batch.StateCounts()
	if counts[domain.ItemStateSucceeded] != 1 || counts[domain.ItemStateIdle] != 2 {
		t.Fatalf("expected 1 succeeded and 2 idle, got %v", counts)
	}
	if counts[domain.ItemStateProcessing] != 0 {
		t.Fatal("expected no items left processing after run")
	}
	if len(emitter.emitted) != 1 {
		t.Fatalf("expected exactly one emitted result, got %d", len(emitter.emitted))
	}
	if batch.RunActive {
		t.Fatal("expected run_active cleared after completion")
	}
}

func TestRunIsolatesPerItemFailure(t *testing.T) {
	capability := scriptedCapability{failFor: map[string]bool{"item-2": true}}
	runner, batches, _, progress := newRunEnv(t, 2, capability)

	result, err := runner.Run(context.Background(), Request{
		BatchID:  "batch-1",
		Settings: domain.DefaultEditSettings(),
		ItemIDs:  []string{"item-1", "item-2"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Progress.Current != 2 || result.Progress.Total != 2 {
		t.Fatalf("expected progress {2,2}, got %+v", result.Progress)
	}

	batch, _, _ := batches.GetBatch(context.Background(), "batch-1")
	one, _ := batch.Item("item-1")
	two, _ := batch.Item("item-2")
	if one.State != domain.ItemStateSucceeded {
		t.Fatalf("expected item-1 succeeded, got %s", one.State)
	}
	if two.State != domain.ItemStateFailed {
		t.Fatalf("expected item-2 failed, got %s", two.State)
	}
	if strings.TrimSpace(two.ErrorMessage) == "" {
		t.Fatal("expected a non-empty failure message")
	}

	ticks := progress.snapshot()
	if len(ticks) != 2 {
		t.Fatalf("expected 2 progress ticks, got %d", len(ticks))
	}
}

func TestRunProgressIsMonotonic(t *testing.T) {
	runner, _, _, progress := newRunEnv(t, 6, scriptedCapability{delay: 5 * time.Millisecond})

	ids := []string{"item-1", "item-2", "item-3", "item-4", "item-5", "item-6"}
	if _, err := runner.Run(context.Background(), Request{
		BatchID:  "batch-1",
		Settings: domain.DefaultEditSettings(),
		ItemIDs:  ids,
	}); err != nil {
		t.Fatalf("run: %v", err)
	}

	ticks := progress.snapshot()
	if len(ticks) != len(ids) {
		t.Fatalf("expected %d ticks, got %d", len(ids), len(ticks))
	}
	reachedTotal := 0
	for i, tick := range ticks {
		if tick.Total != len(ids) {
			t.Fatalf("tick %d has total %d, want %d", i, tick.Total, len(ids))
		}
		if tick.Current > tick.Total {
			t.Fatalf("tick %d exceeds total: %+v", i, tick)
		}
		if i > 0 && tick.Current < ticks[i-1].Current {
			t.Fatalf("progress regressed at tick %d: %v", i, ticks)
		}
		if tick.Current == tick.Total {
			reachedTotal++
		}
	}
	if reachedTotal != 1 {
		t.Fatalf("expected progress to reach total exactly once, got %d times", reachedTotal)
	}
}

func TestRunRetryClearsPreviousError(t *testing.T) {
	failing := scriptedCapability{failFor: map[string]bool{"item-1": true}}
	runner, batches, _, _ := newRunEnv(t, 1, failing)
	ctx := context.Background()

	req := Request{BatchID: "batch-1", Settings: domain.DefaultEditSettings(), ItemIDs: []string{"item-1"}}
	if _, err := runner.Run(ctx, req); err != nil {
		t.Fatalf("first run: %v", err)
	}
	batch, _, _ := batches.GetBatch(ctx, "batch-1")
	item, _ := batch.Item("item-1")
	if item.State != domain.ItemStateFailed {
		t.Fatalf("expected failed item, got %s", item.State)
	}

	// Same settings, capability healthy now.
	retryRunner, err := NewRunner(RunnerConfig{
		Logger:      log.New(io.Discard, "", 0),
		Batches:     batches,
		Fetcher:     memoryFetcher{sources: map[string][]byte{"item-1": []byte("item-1")}},
		Emitter:     newMemoryEmitter(),
		Capability:  scriptedCapability{},
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("new retry runner: %v", err)
	}
	if _, err := retryRunner.Run(ctx, req); err != nil {
		t.Fatalf("retry run: %v", err)
	}

	batch, _, _ = batches.GetBatch(ctx, "batch-1")
	item, _ = batch.Item("item-1")
	if item.State != domain.ItemStateSucceeded {
		t.Fatalf("expected succeeded after retry, got %s", item.State)
	}
	if item.ErrorMessage != "" {
		t.Fatalf("expected prior error cleared, got %q", item.ErrorMessage)
	}
}

func TestRunRejectsWhileActive(t *testing.T) {
	runner, batches, _, _ := newRunEnv(t, 1, scriptedCapability{})
	ctx := context.Background()

	// Simulate an active run via the store guard.
	if _, _, err := batches.BeginRun(ctx, "batch-1", []string{"item-1"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}

	_, err := runner.Run(ctx, Request{
		BatchID:  "batch-1",
		Settings: domain.DefaultEditSettings(),
		ItemIDs:  []string{"item-1"},
	})
	if !errors.Is(err, domain.ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
}

func TestRunDiscardsResultForRemovedItem(t *testing.T) {
	removed := make(chan struct{})
	runner, batches, emitter, _ := newRunEnv(t, 2, blockingCapability{release: removed})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx, Request{
			BatchID:  "batch-1",
			Settings: domain.DefaultEditSettings(),
			ItemIDs:  []string{"item-1", "item-2"},
		})
		done <- err
	}()

	// Remove item-2 while both items are in flight, then release.
	waitForActiveRun(t, batches)
	if _, err := batches.RemoveItem(ctx, "batch-1", "item-2"); err != nil {
		t.Fatalf("remove item: %v", err)
	}
	close(removed)

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	batch, _, _ := batches.GetBatch(ctx, "batch-1")
	if _, ok := batch.Item("item-2"); ok {
		t.Fatal("expected item-2 to stay removed")
	}
	if batch.Progress.Current != 2 || batch.Progress.Total != 2 {
		t.Fatalf("expected completed progress {2,2}, got %+v", batch.Progress)
	}
	item, _ := batch.Item("item-1")
	if item.State != domain.ItemStateSucceeded {
		t.Fatalf("expected surviving item succeeded, got %s", item.State)
	}
	if len(emitter.emitted) != 2 {
		// Both emissions happen; only the surviving item's key is recorded
		// in the store.
		t.Fatalf("expected both results emitted, got %d", len(emitter.emitted))
	}
}

type blockingCapability struct {
	release <-chan struct{}
}

func (c blockingCapability) Transform(_ context.Context, req transform.Request) (transform.Result, error) {
	<-c.release
	return transform.Result{Bytes: req.SourceBytes, MimeType: "image/png"}, nil
}

func waitForActiveRun(t *testing.T, batches *store.MemoryBatchStore) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		batch, ok, err := batches.GetBatch(context.Background(), "batch-1")
		if err != nil {
			t.Fatalf("get batch: %v", err)
		}
		if ok && batch.RunActive {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("run never became active")
}
