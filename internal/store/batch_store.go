package store

import (
	"context"
	"errors"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
)

var (
	ErrBatchNotFound = errors.New("batch not found")
	ErrItemNotFound  = errors.New("work item not found")
)

// BatchStore persists the single live batch, its work items, selection, and
// run progress. The tool processes one batch at a time: ReplaceBatch swaps
// the current batch out entirely.
type BatchStore interface {
	// ReplaceBatch installs the new batch and returns the batch it
	// replaced, so callers can release its stored image objects.
	ReplaceBatch(ctx context.Context, batch domain.Batch) (previous domain.Batch, replaced bool, err error)

	GetBatch(ctx context.Context, id string) (domain.Batch, bool, error)

	// SaveSelection overwrites the selection with the given item ids.
	// Unknown ids are dropped silently.
	SaveSelection(ctx context.Context, batchID string, itemIDs []string) (domain.Batch, error)

	// RemoveItem deletes the item at any lifecycle state and returns it so
	// its objects can be released. Returns ErrItemNotFound if absent.
	RemoveItem(ctx context.Context, batchID, itemID string) (domain.WorkItem, error)

	// BeginRun atomically guards run admission: it fails with
	// domain.ErrRunActive while a run is active and domain.ErrEmptySelection
	// when no requested id resolves to an item. On success every resolved
	// item moves to processing with prior result and error cleared, and
	// progress resets to {0, len(resolved)}.
	BeginRun(ctx context.Context, batchID string, itemIDs []string) (domain.Batch, []string, error)

	// CompleteItem records one dispatched item reaching a terminal state and
	// ticks the progress counter. The counter ticks even when the item was
	// removed mid-run; found reports whether the item still existed.
	CompleteItem(ctx context.Context, batchID string, result ItemResult) (domain.Progress, bool, error)

	// FinishRun clears the active-run flag once every dispatched item has
	// been accounted for.
	FinishRun(ctx context.Context, batchID string) error
}

// ItemResult is the terminal outcome of one dispatched work item.
type ItemResult struct {
	ItemID       string
	State        string
	ErrorMessage string
	ResultKey    string
	ResultMIME   string
}
