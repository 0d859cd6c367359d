package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
)

const batchSchemaSQL = `
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	run_active BOOLEAN NOT NULL DEFAULT FALSE,
	progress_current INT NOT NULL DEFAULT 0,
	progress_total INT NOT NULL DEFAULT 0,
	selection JSONB NOT NULL DEFAULT '[]',
	settings JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_items (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	ord INT NOT NULL,
	source_name TEXT NOT NULL,
	source_mime TEXT NOT NULL,
	source_key TEXT NOT NULL,
	source_bytes BIGINT NOT NULL DEFAULT 0,
	result_key TEXT NOT NULL DEFAULT '',
	result_mime TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// PostgresBatchStore persists the live batch across process restarts.
type PostgresBatchStore struct {
	db *sql.DB
}

func NewPostgresBatchStore(ctx context.Context, dsn string) (*PostgresBatchStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresBatchStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresBatchStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, batchSchemaSQL); err != nil {
		return fmt.Errorf("ensure batch schema: %w", err)
	}
	return nil
}

func (s *PostgresBatchStore) Close() error {
	return s.db.Close()
}

func (s *PostgresBatchStore) ReplaceBatch(ctx context.Context, batch domain.Batch) (domain.Batch, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, false, fmt.Errorf("begin replace tx: %w", err)
	}
	defer tx.Rollback()

	previous, replaced, err := loadCurrentBatch(ctx, tx)
	if err != nil {
		return domain.Batch{}, false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM batches`); err != nil {
		return domain.Batch{}, false, fmt.Errorf("drop previous batch: %w", err)
	}

	settingsJSON, err := json.Marshal(batch.Settings)
	if err != nil {
		return domain.Batch{}, false, fmt.Errorf("marshal settings: %w", err)
	}
	selectionJSON, err := json.Marshal(batch.SelectedIDs())
	if err != nil {
		return domain.Batch{}, false, fmt.Errorf("marshal selection: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, run_active, progress_current, progress_total, selection, settings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		batch.ID, batch.RunActive, batch.Progress.Current, batch.Progress.Total,
		selectionJSON, settingsJSON, batch.CreatedAt, batch.UpdatedAt,
	)
	if err != nil {
		return domain.Batch{}, false, fmt.Errorf("insert batch: %w", err)
	}

	for i, item := range batch.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO batch_items (id, batch_id, ord, source_name, source_mime, source_key, source_bytes,
			                          result_key, result_mime, state, error_message, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			item.ID, batch.ID, i, item.SourceName, item.SourceMIME, item.SourceKey, item.SourceBytes,
			item.ResultKey, item.ResultMIME, item.State, item.ErrorMessage, item.CreatedAt, item.UpdatedAt,
		)
		if err != nil {
			return domain.Batch{}, false, fmt.Errorf("insert batch item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Batch{}, false, fmt.Errorf("commit replace tx: %w", err)
	}
	return previous, replaced, nil
}

func (s *PostgresBatchStore) GetBatch(ctx context.Context, id string) (domain.Batch, bool, error) {
	batch, ok, err := loadCurrentBatch(ctx, s.db)
	if err != nil || !ok || batch.ID != id {
		return domain.Batch{}, false, err
	}
	return batch, true, nil
}

func (s *PostgresBatchStore) SaveSelection(ctx context.Context, batchID string, itemIDs []string) (domain.Batch, error) {
	batch, ok, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, err
	}
	if !ok {
		return domain.Batch{}, ErrBatchNotFound
	}

	batch.DeselectAll()
	batch.Select(itemIDs...)

	selectionJSON, err := json.Marshal(batch.SelectedIDs())
	if err != nil {
		return domain.Batch{}, fmt.Errorf("marshal selection: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE batches SET selection = $1, updated_at = $2 WHERE id = $3`,
		selectionJSON, time.Now().UTC(), batchID,
	)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("update selection: %w", err)
	}
	return batch, nil
}

func (s *PostgresBatchStore) RemoveItem(ctx context.Context, batchID, itemID string) (domain.WorkItem, error) {
	batch, ok, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if !ok {
		return domain.WorkItem{}, ErrBatchNotFound
	}
	item, found := batch.Item(itemID)
	if !found {
		return domain.WorkItem{}, ErrItemNotFound
	}
	removed := *item

	if _, err := s.db.ExecContext(ctx, `DELETE FROM batch_items WHERE id = $1 AND batch_id = $2`, itemID, batchID); err != nil {
		return domain.WorkItem{}, fmt.Errorf("delete batch item: %w", err)
	}

	batch.Remove(itemID)
	selectionJSON, err := json.Marshal(batch.SelectedIDs())
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("marshal selection: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE batches SET selection = $1, updated_at = $2 WHERE id = $3`,
		selectionJSON, time.Now().UTC(), batchID,
	); err != nil {
		return domain.WorkItem{}, fmt.Errorf("update selection after removal: %w", err)
	}
	return removed, nil
}

func (s *PostgresBatchStore) BeginRun(ctx context.Context, batchID string, itemIDs []string) (domain.Batch, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, nil, fmt.Errorf("begin run tx: %w", err)
	}
	defer tx.Rollback()

	var runActive bool
	err = tx.QueryRowContext(ctx,
		`SELECT run_active FROM batches WHERE id = $1 FOR UPDATE`, batchID,
	).Scan(&runActive)
	if err == sql.ErrNoRows {
		return domain.Batch{}, nil, ErrBatchNotFound
	}
	if err != nil {
		return domain.Batch{}, nil, fmt.Errorf("lock batch: %w", err)
	}
	if runActive {
		return domain.Batch{}, nil, domain.ErrRunActive
	}

	now := time.Now().UTC()
	resolved := make([]string, 0, len(itemIDs))
	seen := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		res, err := tx.ExecContext(ctx,
			`UPDATE batch_items
			 SET state = $1, result_key = '', result_mime = '', error_message = '', updated_at = $2
			 WHERE id = $3 AND batch_id = $4`,
			domain.ItemStateProcessing, now, id, batchID,
		)
		if err != nil {
			return domain.Batch{}, nil, fmt.Errorf("mark item processing: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			resolved = append(resolved, id)
		}
	}
	if len(resolved) == 0 {
		return domain.Batch{}, nil, domain.ErrEmptySelection
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE batches SET run_active = TRUE, progress_current = 0, progress_total = $1, updated_at = $2 WHERE id = $3`,
		len(resolved), now, batchID,
	)
	if err != nil {
		return domain.Batch{}, nil, fmt.Errorf("mark run active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Batch{}, nil, fmt.Errorf("commit run tx: %w", err)
	}

	batch, _, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, nil, err
	}
	return batch, resolved, nil
}

func (s *PostgresBatchStore) CompleteItem(ctx context.Context, batchID string, result ItemResult) (domain.Progress, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Progress{}, false, fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var progress domain.Progress
	err = tx.QueryRowContext(ctx,
		`UPDATE batches
		 SET progress_current = LEAST(progress_current + 1, progress_total), updated_at = $1
		 WHERE id = $2
		 RETURNING progress_current, progress_total`,
		now, batchID,
	).Scan(&progress.Current, &progress.Total)
	if err == sql.ErrNoRows {
		return domain.Progress{}, false, ErrBatchNotFound
	}
	if err != nil {
		return domain.Progress{}, false, fmt.Errorf("tick progress: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE batch_items
		 SET state = $1, error_message = $2, result_key = $3, result_mime = $4, updated_at = $5
		 WHERE id = $6 AND batch_id = $7 AND state = $8`,
		result.State, result.ErrorMessage, result.ResultKey, result.ResultMIME, now,
		result.ItemID, batchID, domain.ItemStateProcessing,
	)
	if err != nil {
		return domain.Progress{}, false, fmt.Errorf("record item result: %w", err)
	}
	found, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return domain.Progress{}, false, fmt.Errorf("commit complete tx: %w", err)
	}
	return progress, found == 1, nil
}

func (s *PostgresBatchStore) FinishRun(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET run_active = FALSE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), batchID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadCurrentBatch(ctx context.Context, q querier) (domain.Batch, bool, error) {
	var (
		batch         domain.Batch
		selectionJSON []byte
		settingsJSON  []byte
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, run_active, progress_current, progress_total, selection, settings, created_at, updated_at
		 FROM batches LIMIT 1`,
	).Scan(
		&batch.ID, &batch.RunActive, &batch.Progress.Current, &batch.Progress.Total,
		&selectionJSON, &settingsJSON, &batch.CreatedAt, &batch.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Batch{}, false, nil
	}
	if err != nil {
		return domain.Batch{}, false, fmt.Errorf("query batch: %w", err)
	}

	if err := json.Unmarshal(settingsJSON, &batch.Settings); err != nil {
		return domain.Batch{}, false, fmt.Errorf("unmarshal settings: %w", err)
	}
	var selected []string
	if err := json.Unmarshal(selectionJSON, &selected); err != nil {
		return domain.Batch{}, false, fmt.Errorf("unmarshal selection: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, source_name, source_mime, source_key, source_bytes,
		        result_key, result_mime, state, error_message, created_at, updated_at
		 FROM batch_items WHERE batch_id = $1 ORDER BY ord`,
		batch.ID,
	)
	if err != nil {
		return domain.Batch{}, false, fmt.Errorf("query batch items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.WorkItem
		if err := rows.Scan(
			&item.ID, &item.SourceName, &item.SourceMIME, &item.SourceKey, &item.SourceBytes,
			&item.ResultKey, &item.ResultMIME, &item.State, &item.ErrorMessage, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return domain.Batch{}, false, fmt.Errorf("scan batch item: %w", err)
		}
		batch.Items = append(batch.Items, item)
	}
	if err := rows.Err(); err != nil {
		return domain.Batch{}, false, fmt.Errorf("iterate batch items: %w", err)
	}

	batch.Selection = make(map[string]bool, len(selected))
	batch.Select(selected...)
	return batch, true, nil
}
