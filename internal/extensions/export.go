package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/metrics"
)

// BlobStore persists exported items.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Publisher announces exported items.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher derives content addresses.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// ItemExported is published for every stored item.
type ItemExported struct {
	RunID      string    `json:"run_id"`
	SourceURL  string    `json:"source_url"`
	URI        string    `json:"uri"`
	Hash       string    `json:"hash"`
	ExportedAt time.Time `json:"exported_at"`
}

// ExportSettings wires the export extension.
type ExportSettings struct {
	Store     BlobStore
	Publisher Publisher
	Topic     string
	Prefix    string
	Hasher    Hasher
	Clock     crawler.Clock
}

// Export writes every non-request spider result to a blob store as JSON,
// keyed by content hash, and optionally publishes an ItemExported record.
// Results pass through unchanged; export failures are logged, never fatal.
type Export struct {
	crawler.BaseExtension
	settings ExportSettings
	runID    string
	logger   *zap.Logger
}

// NewExport builds the export extension.
func NewExport(settings ExportSettings, runID string, logger *zap.Logger) *Export {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Export{settings: settings, runID: runID, logger: logger.Named("export")}
}

// HandleSpiderOutput exports items and returns results as given.
func (e *Export) HandleSpiderOutput(ctx context.Context, resp *crawler.Response, results []any) ([]any, error) {
	for _, r := range results {
		if _, isReq := r.(*crawler.Request); isReq || r == nil {
			continue
		}
		if err := e.export(ctx, resp, r); err != nil {
			metrics.ObserveExport("error")
			e.logger.Warn("failed to export item", zap.String("url", resp.URL), zap.Error(err))
			continue
		}
		metrics.ObserveExport("ok")
	}
	return results, nil
}

func (e *Export) export(ctx context.Context, resp *crawler.Response, item any) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	sum, err := e.settings.Hasher.Hash(data)
	if err != nil {
		return fmt.Errorf("hash item: %w", err)
	}
	key := path.Join(e.settings.Prefix, e.runID, sum+".json")
	uri, err := e.settings.Store.PutObject(ctx, key, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("store item: %w", err)
	}
	if e.settings.Publisher == nil {
		return nil
	}
	record := ItemExported{
		RunID:      e.runID,
		SourceURL:  resp.URL,
		URI:        uri,
		Hash:       sum,
		ExportedAt: e.now(),
	}
	if _, err := e.settings.Publisher.Publish(ctx, e.settings.Topic, record); err != nil {
		return fmt.Errorf("publish item: %w", err)
	}
	return nil
}

func (e *Export) now() time.Time {
	if e.settings.Clock == nil {
		return time.Now().UTC()
	}
	return e.settings.Clock.Now()
}
