package export

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/orchestrate"
)

// Suffix appended to every exported filename stem.
const editedSuffix = "_edited"

// ObjectReader reads stored result bytes by object key.
type ObjectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

// Entry is one downloadable result: a filename plus the transformed bytes.
// The collector never owns image buffers between calls; it reads through
// the store on demand.
type Entry struct {
	Filename string
	Bytes    []byte
}

type Collector struct {
	reader ObjectReader
}

func NewCollector(reader ObjectReader) (*Collector, error) {
	if reader == nil {
		return nil, errors.New("object reader is required")
	}
	return &Collector{reader: reader}, nil
}

// CollectSucceeded returns one entry per succeeded item, in batch input
// order. An empty batch of successes yields an empty slice, not an error.
func (c *Collector) CollectSucceeded(ctx context.Context, batch domain.Batch) ([]Entry, error) {
	entries := make([]Entry, 0, len(batch.Items))
	seen := make(map[string]int)

	for i, item := range batch.Items {
		if item.State != domain.ItemStateSucceeded || item.ResultKey == "" {
			continue
		}

		data, err := c.reader.ReadObject(ctx, item.ResultKey)
		if err != nil {
			return nil, fmt.Errorf("read result for item %s: %w", item.ID, err)
		}

		name := exportFilename(item, i, batch.Settings)
		if n := seen[name]; n > 0 {
			name = disambiguate(name, n+1)
		}
		seen[exportFilename(item, i, batch.Settings)]++

		entries = append(entries, Entry{Filename: name, Bytes: data})
	}
	return entries, nil
}

// exportFilename derives "stem_edited.ext" from the original source name,
// falling back to a positional stem when the name has no usable one.
func exportFilename(item domain.WorkItem, index int, settings domain.EditSettings) string {
	stem := strings.TrimSuffix(path.Base(item.SourceName), path.Ext(item.SourceName))
	stem = strings.TrimSpace(stem)
	if stem == "" || stem == "." {
		stem = fmt.Sprintf("image_%d", index+1)
	}

	ext := orchestrate.ExtensionForMIME(item.ResultMIME)
	if item.ResultMIME == "" {
		ext = domain.NormalizeOutputFormat(settings.OutputFormat)
	}
	return stem + editedSuffix + "." + ext
}

func disambiguate(name string, n int) string {
	ext := path.Ext(name)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
}
