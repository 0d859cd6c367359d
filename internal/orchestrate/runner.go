package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/compile"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/store"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/transform"
)

// SourceFetcher loads a work item's source image bytes.
type SourceFetcher interface {
	Fetch(ctx context.Context, item domain.WorkItem) ([]byte, error)
}

// ResultEmitter stores a transformed image and returns the key it lives under.
type ResultEmitter interface {
	Emit(ctx context.Context, batchID string, item domain.WorkItem, data []byte, mimeType string) (string, error)
}

// ProgressFunc receives each progress tick as an item reaches a terminal state.
type ProgressFunc func(batchID string, progress domain.Progress)

// Request describes one orchestration run: the settings snapshot taken when
// the run was requested plus the selected item ids.
type Request struct {
	BatchID  string
	Settings domain.EditSettings
	ItemIDs  []string
}

// ItemOutcome is the terminal result of one dispatched item.
type ItemOutcome struct {
	ItemID       string
	State        string
	ErrorMessage string
	ResultKey    string
	ResultMIME   string
}

type Result struct {
	Outcomes []ItemOutcome
	Progress domain.Progress
}

// Runner drives one run: compile per item, call the transform capability,
// record the outcome. One item's failure never aborts its siblings; the run
// finishes only when every dispatched item is terminal.
type Runner struct {
	logger      *log.Logger
	batches     store.BatchStore
	fetcher     SourceFetcher
	emitter     ResultEmitter
	capability  transform.Capability
	concurrency int
	onProgress  ProgressFunc
}

type RunnerConfig struct {
	Logger      *log.Logger
	Batches     store.BatchStore
	Fetcher     SourceFetcher
	Emitter     ResultEmitter
	Capability  transform.Capability
	Concurrency int
	OnProgress  ProgressFunc
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Batches == nil {
		return nil, errors.New("batch store is required")
	}
	if cfg.Fetcher == nil || cfg.Emitter == nil {
		return nil, errors.New("source fetcher and result emitter are required")
	}
	if cfg.Capability == nil {
		return nil, errors.New("transform capability is required")
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Runner{
		logger:      logger,
		batches:     cfg.Batches,
		fetcher:     cfg.Fetcher,
		emitter:     cfg.Emitter,
		capability:  cfg.Capability,
		concurrency: concurrency,
		onProgress:  cfg.OnProgress,
	}, nil
}

// Run executes the orchestration. It returns domain.ErrRunActive or
// domain.ErrEmptySelection when admission fails; any other error is a store
// fault, never a per-item transform failure.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	batch, resolved, err := r.batches.BeginRun(ctx, req.BatchID, req.ItemIDs)
	if err != nil {
		return Result{}, err
	}

	settings := req.Settings.Clamped()

	items := make(map[string]domain.WorkItem, len(resolved))
	for _, id := range resolved {
		if item, ok := batch.Item(id); ok {
			items[id] = *item
		}
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, r.concurrency)

		outcomes = make([]ItemOutcome, 0, len(resolved))
		last     domain.Progress
	)

	for _, id := range resolved {
		item := items[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome := r.processItem(ctx, req.BatchID, settings, item)

			// Completion recording is serialized so published progress
			// ticks never appear out of order.
			mu.Lock()
			defer mu.Unlock()

			progress, found, err := r.batches.CompleteItem(ctx, req.BatchID, store.ItemResult{
				ItemID:       outcome.ItemID,
				State:        outcome.State,
				ErrorMessage: outcome.ErrorMessage,
				ResultKey:    outcome.ResultKey,
				ResultMIME:   outcome.ResultMIME,
			})
			if err != nil {
				r.logger.Printf("record item outcome failed batch_id=%s item_id=%s err=%v", req.BatchID, outcome.ItemID, err)
			}
			if !found {
				// Item was removed mid-run; its result is discarded.
				r.logger.Printf("discarding result for removed item batch_id=%s item_id=%s", req.BatchID, outcome.ItemID)
			}
			if r.onProgress != nil {
				r.onProgress(req.BatchID, progress)
			}

			outcomes = append(outcomes, outcome)
			if progress.Current > last.Current {
				last = progress
			}
		}()
	}

	wg.Wait()

	if err := r.batches.FinishRun(ctx, req.BatchID); err != nil {
		return Result{}, fmt.Errorf("finish run: %w", err)
	}

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].ItemID < outcomes[j].ItemID })
	return Result{Outcomes: outcomes, Progress: last}, nil
}

// processItem is the per-item pipeline. Every failure path is captured in
// the outcome; nothing escapes to abort the run.
func (r *Runner) processItem(ctx context.Context, batchID string, settings domain.EditSettings, item domain.WorkItem) ItemOutcome {
	fail := func(err error) ItemOutcome {
		return ItemOutcome{
			ItemID:       item.ID,
			State:        domain.ItemStateFailed,
			ErrorMessage: err.Error(),
		}
	}

	sourceBytes, err := r.fetcher.Fetch(ctx, item)
	if err != nil {
		return fail(fmt.Errorf("load source image: %w", err))
	}

	sequence := compile.Compile(settings, compile.Source{
		Name: item.SourceName,
		MIME: item.SourceMIME,
	})

	result, err := r.capability.Transform(ctx, transform.Request{
		SourceBytes: sourceBytes,
		MimeType:    item.SourceMIME,
		Sequence:    sequence,
	})
	if err != nil {
		return fail(err)
	}

	key, err := r.emitter.Emit(ctx, batchID, item, result.Bytes, result.MimeType)
	if err != nil {
		return fail(fmt.Errorf("store result image: %w", err))
	}

	return ItemOutcome{
		ItemID:     item.ID,
		State:      domain.ItemStateSucceeded,
		ResultKey:  key,
		ResultMIME: result.MimeType,
	}
}
