package webhook

import "github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"

// RunEvent is the payload shape shared by all batch.run.* events.
type RunEvent struct {
	BatchID   string          `json:"batch_id"`
	Event     string          `json:"event"`
	Progress  domain.Progress `json:"progress"`
	Succeeded int             `json:"succeeded,omitempty"`
	Failed    int             `json:"failed,omitempty"`
	Timestamp string          `json:"timestamp"`
}
