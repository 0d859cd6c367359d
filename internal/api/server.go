package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/klauspost/compress/zip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/export"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/id"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/queue"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/store"
)

const sourceObjectPrefix = "sources"
const resultObjectPrefix = "results"

const rateLimitUserIDHeader = "X-User-ID"

type Server struct {
	logger        *log.Logger
	batches       store.BatchStore
	queueClient   QueueEnqueuer
	storage       ObjectStorage
	settings      SettingsStore
	collector     *export.Collector
	rateLimiter   RateLimiter
	autoRun       bool
	maxUploadMB   int64
	maxBatchItems int
	metrics       *metrics
	tracer        trace.Tracer
	mux           *http.ServeMux
}

type QueueEnqueuer interface {
	EnqueueRunBatch(ctx context.Context, payload queue.RunBatchPayload) (*asynq.TaskInfo, error)
}

// ObjectStorage is the slice of the storage client the API needs: uploads,
// export reads and object release on replacement or removal.
type ObjectStorage interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	RemoveObject(ctx context.Context, objectKey string) error
	RemovePrefix(ctx context.Context, prefix string) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type SettingsStore interface {
	Load(ctx context.Context) domain.EditSettings
	Save(ctx context.Context, settings domain.EditSettings) error
}

type ServerConfig struct {
	Logger        *log.Logger
	Batches       store.BatchStore
	Queue         QueueEnqueuer
	Storage       ObjectStorage
	Settings      SettingsStore
	RateLimiter   RateLimiter
	AutoRun       bool
	MaxUploadMB   int
	MaxBatchItems int
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Batches == nil {
		return nil, errors.New("batch store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue client is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("object storage is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("settings store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	maxUploadMB := int64(cfg.MaxUploadMB)
	if maxUploadMB <= 0 {
		maxUploadMB = 64
	}
	maxBatchItems := cfg.MaxBatchItems
	if maxBatchItems <= 0 {
		maxBatchItems = 200
	}

	collector, err := export.NewCollector(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("initialize export collector: %w", err)
	}

	s := &Server{
		logger:        logger,
		batches:       cfg.Batches,
		queueClient:   cfg.Queue,
		storage:       cfg.Storage,
		settings:      cfg.Settings,
		collector:     collector,
		rateLimiter:   cfg.RateLimiter,
		autoRun:       cfg.AutoRun,
		maxUploadMB:   maxUploadMB,
		maxBatchItems: maxBatchItems,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("alphaimage/api"),
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	handler = s.withRateLimit(handler)
	handler = s.withTracing(handler)
	handler = s.metrics.withHTTPMetrics(handler)
	return handler
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/batches", s.handleCreateBatch)
	s.mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
	s.mux.HandleFunc("PUT /v1/batches/{id}/selection", s.handleUpdateSelection)
	s.mux.HandleFunc("DELETE /v1/batches/{id}/items/{itemID}", s.handleRemoveItem)
	s.mux.HandleFunc("GET /v1/batches/{id}/items/{itemID}/result", s.handleItemResult)
	s.mux.HandleFunc("POST /v1/batches/{id}/run", s.handleRunBatch)
	s.mux.HandleFunc("GET /v1/batches/{id}/export", s.handleExport)
	s.mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rejectedFile struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

type batchResponse struct {
	domain.Batch
	SelectedIDs []string       `json:"selected_ids"`
	StateCounts map[string]int `json:"state_counts"`
}

func batchView(b domain.Batch) batchResponse {
	return batchResponse{
		Batch:       b,
		SelectedIDs: b.SelectedIDs(),
		StateCounts: b.StateCounts(),
	}
}

// handleCreateBatch ingests a multipart upload as the new working batch.
// Files that fail validation are reported back and never become items; the
// previous batch and its stored objects are released.
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadMB<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart upload: " + err.Error()})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one file is required under the images field"})
		return
	}
	if len(files) > s.maxBatchItems {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("too many files: limit is %d", s.maxBatchItems),
		})
		return
	}

	now := time.Now().UTC()
	batchID := id.New()

	var (
		items    []domain.WorkItem
		rejected []rejectedFile
	)
	for _, header := range files {
		data, mimeType, err := readImageFile(header)
		if err != nil {
			rejected = append(rejected, rejectedFile{Filename: header.Filename, Reason: err.Error()})
			continue
		}

		itemID := id.New()
		item := domain.WorkItem{
			ID:          itemID,
			SourceName:  path.Base(header.Filename),
			SourceMIME:  mimeType,
			SourceKey:   path.Join(sourceObjectPrefix, batchID, itemID),
			SourceBytes: int64(len(data)),
			State:       domain.ItemStateIdle,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.storage.WriteObject(r.Context(), item.SourceKey, data, mimeType); err != nil {
			s.logger.Printf("source upload failed batch_id=%s file=%s err=%v", batchID, header.Filename, err)
			rejected = append(rejected, rejectedFile{Filename: header.Filename, Reason: "failed to store source image"})
			continue
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    "no usable images in upload",
			"rejected": rejected,
		})
		return
	}

	batch := domain.NewBatch(batchID, items, s.settings.Load(r.Context()))
	batch.SelectAll()

	previous, replaced, err := s.batches.ReplaceBatch(r.Context(), batch)
	if err != nil {
		s.logger.Printf("replace batch failed batch_id=%s err=%v", batchID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store batch"})
		return
	}
	if replaced {
		s.releaseBatchObjects(r.Context(), previous.ID)
	}

	response := map[string]any{
		"batch":    batchView(batch),
		"rejected": rejected,
	}

	if s.autoRun {
		if info, err := s.enqueueRun(r.Context(), batch, batch.SelectedIDs()); err != nil {
			s.logger.Printf("auto-run enqueue failed batch_id=%s err=%v", batchID, err)
		} else {
			response["run"] = runInfo(info)
		}
	}

	writeJSON(w, http.StatusCreated, response)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.loadBatch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, batchView(batch))
}

type selectionRequest struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
}

func (s *Server) handleUpdateSelection(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.loadBatch(w, r)
	if !ok {
		return
	}

	var req selectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "set":
		batch.DeselectAll()
		batch.Select(req.IDs...)
	case "all":
		batch.SelectAll()
	case "none":
		batch.DeselectAll()
	case "toggle":
		for _, itemID := range req.IDs {
			batch.Toggle(itemID)
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action must be one of set, all, none, toggle"})
		return
	}

	updated, err := s.batches.SaveSelection(r.Context(), batch.ID, batch.SelectedIDs())
	if err != nil {
		s.logger.Printf("save selection failed batch_id=%s err=%v", batch.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save selection"})
		return
	}
	writeJSON(w, http.StatusOK, batchView(updated))
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	itemID := r.PathValue("itemID")

	removed, err := s.batches.RemoveItem(r.Context(), batchID, itemID)
	if err != nil {
		if errors.Is(err, store.ErrBatchNotFound) || errors.Is(err, store.ErrItemNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Printf("remove item failed batch_id=%s item_id=%s err=%v", batchID, itemID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to remove item"})
		return
	}

	s.releaseItemObjects(r.Context(), removed)

	batch, found, err := s.batches.GetBatch(r.Context(), batchID)
	if err != nil || !found {
		writeJSON(w, http.StatusOK, map[string]string{"removed": itemID})
		return
	}
	writeJSON(w, http.StatusOK, batchView(batch))
}

const resultURLTTL = 15 * time.Minute

// handleItemResult hands out a time-limited download URL for one succeeded
// item, so single results can be fetched without pulling the whole export.
func (s *Server) handleItemResult(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.loadBatch(w, r)
	if !ok {
		return
	}

	item, found := batch.Item(r.PathValue("itemID"))
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": store.ErrItemNotFound.Error()})
		return
	}
	if item.State != domain.ItemStateSucceeded || item.ResultKey == "" {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "item has no result to download"})
		return
	}

	url, err := s.storage.PresignedGetURL(r.Context(), item.ResultKey, resultURLTTL)
	if err != nil {
		s.logger.Printf("presign result failed item_id=%s err=%v", item.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate download URL"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"item_id":     item.ID,
		"url":         url,
		"expires_in":  int(resultURLTTL.Seconds()),
		"result_mime": item.ResultMIME,
	})
}

type runRequest struct {
	ItemIDs []string `json:"item_ids"`
}

// handleRunBatch snapshots the current settings and selection, then hands
// the run to the worker. The store's own admission guard is the source of
// truth; the checks here only produce friendlier status codes.
func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.loadBatch(w, r)
	if !ok {
		return
	}
	if batch.RunActive {
		writeJSON(w, http.StatusConflict, map[string]string{"error": domain.ErrRunActive.Error()})
		return
	}

	var req runRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	itemIDs := req.ItemIDs
	if len(itemIDs) == 0 {
		itemIDs = batch.SelectedIDs()
	}
	resolved := make([]string, 0, len(itemIDs))
	seen := make(map[string]bool, len(itemIDs))
	for _, itemID := range itemIDs {
		if seen[itemID] {
			continue
		}
		if _, found := batch.Item(itemID); found {
			seen[itemID] = true
			resolved = append(resolved, itemID)
		}
	}
	if len(resolved) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": domain.ErrEmptySelection.Error()})
		return
	}

	info, err := s.enqueueRun(r.Context(), batch, resolved)
	if err != nil {
		s.logger.Printf("enqueue run failed batch_id=%s err=%v", batch.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue run"})
		return
	}

	writeJSON(w, http.StatusAccepted, runInfo(info))
}

func (s *Server) enqueueRun(ctx context.Context, batch domain.Batch, itemIDs []string) (*asynq.TaskInfo, error) {
	info, err := s.queueClient.EnqueueRunBatch(ctx, queue.RunBatchPayload{
		BatchID:     batch.ID,
		Settings:    s.settings.Load(ctx),
		ItemIDs:     itemIDs,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.runsEnqueued.WithLabelValues(info.Queue).Inc()
	return info, nil
}

func runInfo(info *asynq.TaskInfo) map[string]any {
	return map[string]any{
		"queue":       info.Queue,
		"task_id":     info.ID,
		"state":       info.State.String(),
		"enqueued_at": info.NextProcessAt,
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.loadBatch(w, r)
	if !ok {
		return
	}

	entries, err := s.collector.CollectSucceeded(r.Context(), batch)
	if err != nil {
		s.logger.Printf("export collect failed batch_id=%s err=%v", batch.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to collect results"})
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", batch.ID+"_edited.zip"))
	w.WriteHeader(http.StatusOK)

	archive := zip.NewWriter(w)
	for _, entry := range entries {
		f, err := archive.Create(entry.Filename)
		if err != nil {
			s.logger.Printf("export zip entry failed batch_id=%s file=%s err=%v", batch.ID, entry.Filename, err)
			return
		}
		if _, err := f.Write(entry.Bytes); err != nil {
			s.logger.Printf("export zip write failed batch_id=%s file=%s err=%v", batch.ID, entry.Filename, err)
			return
		}
	}
	if err := archive.Close(); err != nil {
		s.logger.Printf("export zip close failed batch_id=%s err=%v", batch.ID, err)
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Load(r.Context()))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.EditSettings
	if err := decodeJSON(r, &settings); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	clamped := settings.Clamped()
	if err := s.settings.Save(r.Context(), clamped); err != nil {
		s.logger.Printf("save settings failed err=%v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save settings"})
		return
	}
	writeJSON(w, http.StatusOK, clamped)
}

func (s *Server) loadBatch(w http.ResponseWriter, r *http.Request) (domain.Batch, bool) {
	batchID := r.PathValue("id")
	batch, found, err := s.batches.GetBatch(r.Context(), batchID)
	if err != nil {
		s.logger.Printf("fetch batch failed batch_id=%s err=%v", batchID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load batch"})
		return domain.Batch{}, false
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "batch not found"})
		return domain.Batch{}, false
	}
	return batch, true
}

func (s *Server) releaseBatchObjects(ctx context.Context, batchID string) {
	for _, prefix := range []string{sourceObjectPrefix, resultObjectPrefix} {
		if err := s.storage.RemovePrefix(ctx, path.Join(prefix, batchID)); err != nil {
			s.logger.Printf("release batch objects failed batch_id=%s prefix=%s err=%v", batchID, prefix, err)
		}
	}
}

func (s *Server) releaseItemObjects(ctx context.Context, item domain.WorkItem) {
	for _, key := range []string{item.SourceKey, item.ResultKey} {
		if strings.TrimSpace(key) == "" {
			continue
		}
		if err := s.storage.RemoveObject(ctx, key); err != nil {
			s.logger.Printf("release item object failed item_id=%s key=%s err=%v", item.ID, key, err)
		}
	}
}

// readImageFile reads and validates one upload. A file is accepted only if
// its bytes decode as a supported image; the sniffed content type wins over
// whatever the client declared.
func readImageFile(header *multipart.FileHeader) ([]byte, string, error) {
	file, err := header.Open()
	if err != nil {
		return nil, "", fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("file is empty")
	}

	mimeType := http.DetectContentType(data)
	switch mimeType {
	case "image/png", "image/jpeg", "image/webp":
	default:
		return nil, "", fmt.Errorf("%w: %s", domain.ErrInvalidItemMIME, mimeType)
	}

	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, "", fmt.Errorf("not a decodable image: %v", err)
	}
	return data, mimeType, nil
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
