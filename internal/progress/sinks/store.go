package sinks

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/progress"
	"github.com/JakeFAU/crawlengine/internal/store"
)

// StoreSink persists progress through a store.ProgressRepository. Site events
// in a batch are folded into one delta per (run, site) before writing; run
// starts are written first and run completions last.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink builds a sink writing to repo.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger.Named("progress_store")}
}

type siteKey struct {
	runID string
	site  string
}

// Consume writes batch. The first repository error aborts the batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var (
		starts []progress.Event
		ends   []progress.Event
		deltas = make(map[siteKey]*store.SiteDelta)
	)
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			starts = append(starts, evt)
		case progress.StageRunDone, progress.StageRunError:
			ends = append(ends, evt)
		default:
			key := siteKey{runID: evt.RunID, site: evt.Site}
			d := deltas[key]
			if d == nil {
				d = &store.SiteDelta{}
				deltas[key] = d
			}
			d.Add(siteDelta(evt))
		}
	}

	for _, evt := range starts {
		if err := s.repo.UpsertRunStart(ctx, evt.RunID, evt.TS); err != nil {
			return fmt.Errorf("record run start: %w", err)
		}
	}

	keys := make([]siteKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b siteKey) int {
		return cmp.Or(cmp.Compare(a.runID, b.runID), cmp.Compare(a.site, b.site))
	})
	for _, k := range keys {
		d := deltas[k]
		if d.Empty() {
			continue
		}
		if err := s.repo.UpsertSiteStats(ctx, k.runID, k.site, *d); err != nil {
			return fmt.Errorf("record site stats: %w", err)
		}
	}

	for _, evt := range ends {
		status := store.RunSuccess
		var msg *string
		if evt.Stage == progress.StageRunError {
			status = store.RunError
			if evt.Note != "" {
				note := evt.Note
				msg = &note
			}
		}
		if err := s.repo.CompleteRun(ctx, evt.RunID, evt.TS, status, msg); err != nil {
			return fmt.Errorf("record run completion: %w", err)
		}
		s.logger.Debug("run completion stored", zap.String("run_id", evt.RunID), zap.String("status", string(status)))
	}
	return nil
}

func siteDelta(evt progress.Event) store.SiteDelta {
	d := store.SiteDelta{At: evt.TS}
	switch evt.Stage {
	case progress.StageRequestScheduled:
		d.Scheduled = 1
	case progress.StageRequestDropped:
		d.Dropped = 1
	case progress.StageRequestIgnored:
		d.Ignored = 1
	case progress.StageFetchError:
		d.FetchErrors = 1
	case progress.StageFetchDone:
		d.Bytes = evt.Bytes
		switch evt.StatusClass {
		case progress.Status2xx:
			d.Fetch2xx = 1
		case progress.Status3xx:
			d.Fetch3xx = 1
		case progress.Status4xx:
			d.Fetch4xx = 1
		case progress.Status5xx:
			d.Fetch5xx = 1
		}
	}
	return d
}

// Close does nothing; the repository's owner closes it.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
