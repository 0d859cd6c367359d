package domain

import (
	"errors"
	"fmt"
	"time"
)

const (
	ItemStateIdle       = "idle"
	ItemStateProcessing = "processing"
	ItemStateSucceeded  = "succeeded"
	ItemStateFailed     = "failed"
)

var (
	ErrItemNotFound    = errors.New("work item not found")
	ErrEmptySelection  = errors.New("selection is empty")
	ErrRunActive       = errors.New("a run is already active for this batch")
	ErrInvalidItemMIME = errors.New("unsupported source mime type")
)

// WorkItem is one image's processing record inside a batch. Image bytes live
// in object storage; the item carries the keys, not the bytes.
type WorkItem struct {
	ID           string    `json:"id"`
	SourceName   string    `json:"source_name"`
	SourceMIME   string    `json:"source_mime"`
	SourceKey    string    `json:"source_key"`
	SourceBytes  int64     `json:"source_bytes"`
	ResultKey    string    `json:"result_key,omitempty"`
	ResultMIME   string    `json:"result_mime,omitempty"`
	State        string    `json:"state"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Progress is the run counter published after each item reaches a terminal
// state. Current never exceeds Total and never regresses within a run.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Batch owns its work items in input order plus an explicit selection set.
// Selection is independent of item state so already-terminal items can be
// re-selected and re-run.
type Batch struct {
	ID        string          `json:"id"`
	Items     []WorkItem      `json:"items"`
	Selection map[string]bool `json:"selection"`
	RunActive bool            `json:"run_active"`
	Progress  Progress        `json:"progress"`
	Settings  EditSettings    `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func NewBatch(id string, items []WorkItem, settings EditSettings) Batch {
	now := time.Now().UTC()
	return Batch{
		ID:        id,
		Items:     items,
		Selection: make(map[string]bool, len(items)),
		Settings:  settings.Clamped(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (b *Batch) Item(id string) (*WorkItem, bool) {
	for i := range b.Items {
		if b.Items[i].ID == id {
			return &b.Items[i], true
		}
	}
	return nil, false
}

// Select marks the given ids as eligible for the next run. Unknown ids are
// ignored; item state is untouched.
func (b *Batch) Select(ids ...string) {
	if b.Selection == nil {
		b.Selection = make(map[string]bool, len(ids))
	}
	for _, id := range ids {
		if _, ok := b.Item(id); ok {
			b.Selection[id] = true
		}
	}
}

func (b *Batch) SelectAll() {
	b.Selection = make(map[string]bool, len(b.Items))
	for _, item := range b.Items {
		b.Selection[item.ID] = true
	}
}

func (b *Batch) DeselectAll() {
	b.Selection = make(map[string]bool)
}

func (b *Batch) Toggle(id string) {
	if _, ok := b.Item(id); !ok {
		return
	}
	if b.Selection == nil {
		b.Selection = make(map[string]bool)
	}
	if b.Selection[id] {
		delete(b.Selection, id)
	} else {
		b.Selection[id] = true
	}
}

// SelectedIDs returns the selection in input order.
func (b *Batch) SelectedIDs() []string {
	ids := make([]string, 0, len(b.Selection))
	for _, item := range b.Items {
		if b.Selection[item.ID] {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// Remove drops the item entirely. Removal is permitted in any state; an
// in-flight result for a removed id is discarded when it arrives.
func (b *Batch) Remove(id string) bool {
	for i := range b.Items {
		if b.Items[i].ID == id {
			b.Items = append(b.Items[:i], b.Items[i+1:]...)
			delete(b.Selection, id)
			b.UpdatedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

// StateCounts partitions items by lifecycle state. The counts always sum to
// len(Items).
func (b *Batch) StateCounts() map[string]int {
	counts := map[string]int{
		ItemStateIdle:       0,
		ItemStateProcessing: 0,
		ItemStateSucceeded:  0,
		ItemStateFailed:     0,
	}
	for _, item := range b.Items {
		counts[item.State]++
	}
	return counts
}

// TransitionItem applies the work-item state machine. Processing is the only
// legal predecessor of both terminal states; idle, succeeded and failed may
// all re-enter processing (retry), which clears prior result and error.
func TransitionItem(item *WorkItem, next string) error {
	switch next {
	case ItemStateProcessing:
		if item.State == ItemStateProcessing {
			return fmt.Errorf("item %s is already processing", item.ID)
		}
		item.ResultKey = ""
		item.ResultMIME = ""
		item.ErrorMessage = ""
	case ItemStateSucceeded, ItemStateFailed:
		if item.State != ItemStateProcessing {
			return fmt.Errorf("item %s cannot reach %s from %s", item.ID, next, item.State)
		}
	default:
		return fmt.Errorf("unknown item state: %s", next)
	}
	item.State = next
	item.UpdatedAt = time.Now().UTC()
	return nil
}
