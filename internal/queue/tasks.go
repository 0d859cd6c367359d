package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeRunBatch = "batch:run"

// RunBatchPayload snapshots everything a run needs at enqueue time: the
// settings as they were when the user pressed run, plus the selection.
type RunBatchPayload struct {
	BatchID     string              `json:"batch_id"`
	Settings    domain.EditSettings `json:"settings"`
	ItemIDs     []string            `json:"item_ids"`
	RequestedAt time.Time           `json:"requested_at"`
}

func NewRunBatchTask(payload RunBatchPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal run payload: %w", err)
	}
	return asynq.NewTask(TypeRunBatch, body), nil
}

func ParseRunBatchPayload(task *asynq.Task) (RunBatchPayload, error) {
	var payload RunBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunBatchPayload{}, fmt.Errorf("unmarshal run payload: %w", err)
	}
	return payload, nil
}
