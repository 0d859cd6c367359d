package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/storage"
)

// ObjectStoreFetcher reads source bytes from object storage by the item's
// source key.
type ObjectStoreFetcher struct {
	Storage *storage.Client
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, item domain.WorkItem) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(item.SourceKey) == "" {
		return nil, fmt.Errorf("item %s has no source key", item.ID)
	}
	return f.Storage.ReadObject(ctx, item.SourceKey)
}

// ObjectStoreEmitter writes transformed bytes under a result prefix.
type ObjectStoreEmitter struct {
	Storage      *storage.Client
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, batchID string, item domain.WorkItem, data []byte, mimeType string) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}

	objectKey := path.Join(
		defaultOutputPrefix(e.OutputPrefix),
		sanitizePathToken(batchID),
		fmt.Sprintf("%s.%s", sanitizePathToken(item.ID), ExtensionForMIME(mimeType)),
	)
	if err := e.Storage.WriteObject(ctx, objectKey, data, mimeType); err != nil {
		return "", err
	}
	return objectKey, nil
}

// LocalFileFetcher treats the item's source key as a filesystem path. Used
// by the CLI-less local mode and by tests.
type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(_ context.Context, item domain.WorkItem) ([]byte, error) {
	data, err := os.ReadFile(item.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", item.SourceKey, err)
	}
	return data, nil
}

// LocalFileEmitter writes results under an output directory.
type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, batchID string, item domain.WorkItem, data []byte, mimeType string) (string, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}

	batchDir := filepath.Join(e.OutputDir, sanitizePathToken(batchID))
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	filename := fmt.Sprintf("%s.%s", sanitizePathToken(item.ID), ExtensionForMIME(mimeType))
	fullPath := filepath.Join(batchDir, filename)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}
	return fullPath, nil
}

// ExtensionForMIME maps an image mime type to its file extension,
// defaulting to png.
func ExtensionForMIME(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/jpeg", "image/jpg":
		return "jpeg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "results"
	}
	return prefix
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
