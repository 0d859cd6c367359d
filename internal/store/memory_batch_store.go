package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
)

// MemoryBatchStore keeps the live batch in process memory behind a mutex.
// It is the default store when no database DSN is configured.
type MemoryBatchStore struct {
	mu      sync.RWMutex
	batch   domain.Batch
	present bool
}

func NewMemoryBatchStore() *MemoryBatchStore {
	return &MemoryBatchStore{}
}

func (s *MemoryBatchStore) ReplaceBatch(_ context.Context, batch domain.Batch) (domain.Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.batch
	replaced := s.present
	s.batch = cloneBatch(batch)
	s.present = true
	return previous, replaced, nil
}

func (s *MemoryBatchStore) GetBatch(_ context.Context, id string) (domain.Batch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.present || s.batch.ID != id {
		return domain.Batch{}, false, nil
	}
	return cloneBatch(s.batch), true, nil
}

func (s *MemoryBatchStore) SaveSelection(_ context.Context, batchID string, itemIDs []string) (domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present || s.batch.ID != batchID {
		return domain.Batch{}, ErrBatchNotFound
	}

	s.batch.DeselectAll()
	s.batch.Select(itemIDs...)
	s.batch.UpdatedAt = time.Now().UTC()
	return cloneBatch(s.batch), nil
}

func (s *MemoryBatchStore) RemoveItem(_ context.Context, batchID, itemID string) (domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present || s.batch.ID != batchID {
		return domain.WorkItem{}, ErrBatchNotFound
	}

	item, ok := s.batch.Item(itemID)
	if !ok {
		return domain.WorkItem{}, ErrItemNotFound
	}
	removed := *item
	s.batch.Remove(itemID)
	return removed, nil
}

func (s *MemoryBatchStore) BeginRun(_ context.Context, batchID string, itemIDs []string) (domain.Batch, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present || s.batch.ID != batchID {
		return domain.Batch{}, nil, ErrBatchNotFound
	}
	if s.batch.RunActive {
		return domain.Batch{}, nil, domain.ErrRunActive
	}

	resolved := make([]string, 0, len(itemIDs))
	seen := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		if seen[id] {
			continue
		}
		if _, ok := s.batch.Item(id); ok {
			seen[id] = true
			resolved = append(resolved, id)
		}
	}
	if len(resolved) == 0 {
		return domain.Batch{}, nil, domain.ErrEmptySelection
	}

	// Admission is all-or-nothing: no item is mutated until every
	// transition has been checked.
	for _, id := range resolved {
		item, _ := s.batch.Item(id)
		if item.State == domain.ItemStateProcessing {
			return domain.Batch{}, nil, fmt.Errorf("item %s is already processing", id)
		}
	}
	for _, id := range resolved {
		item, _ := s.batch.Item(id)
		if err := domain.TransitionItem(item, domain.ItemStateProcessing); err != nil {
			return domain.Batch{}, nil, err
		}
	}

	s.batch.RunActive = true
	s.batch.Progress = domain.Progress{Current: 0, Total: len(resolved)}
	s.batch.UpdatedAt = time.Now().UTC()
	return cloneBatch(s.batch), resolved, nil
}

func (s *MemoryBatchStore) CompleteItem(_ context.Context, batchID string, result ItemResult) (domain.Progress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present || s.batch.ID != batchID {
		return domain.Progress{}, false, ErrBatchNotFound
	}

	// Dispatched items tick the counter even after removal, otherwise the
	// run could never reach its total.
	if s.batch.Progress.Current < s.batch.Progress.Total {
		s.batch.Progress.Current++
	}
	s.batch.UpdatedAt = time.Now().UTC()

	item, ok := s.batch.Item(result.ItemID)
	if !ok {
		return s.batch.Progress, false, nil
	}

	if err := domain.TransitionItem(item, result.State); err != nil {
		return s.batch.Progress, true, err
	}
	item.ErrorMessage = result.ErrorMessage
	item.ResultKey = result.ResultKey
	item.ResultMIME = result.ResultMIME
	return s.batch.Progress, true, nil
}

func (s *MemoryBatchStore) FinishRun(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present || s.batch.ID != batchID {
		return ErrBatchNotFound
	}
	s.batch.RunActive = false
	s.batch.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneBatch(b domain.Batch) domain.Batch {
	clone := b
	clone.Items = make([]domain.WorkItem, len(b.Items))
	copy(clone.Items, b.Items)
	clone.Selection = make(map[string]bool, len(b.Selection))
	for id, selected := range b.Selection {
		clone.Selection[id] = selected
	}
	return clone
}
