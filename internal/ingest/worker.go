// Package ingest runs the live feed worker: startup gap recovery from
// the last watermark, poll-based listening with idempotent appends, and
// a best-effort new-data signal on every fresh record. The retention
// sweep archives and prunes expired records on its own cadence.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/crunchkit/coordinator/internal/bus"
	"github.com/crunchkit/coordinator/internal/config"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/feed"
	"github.com/crunchkit/coordinator/internal/observability"
	"github.com/crunchkit/coordinator/internal/store"
)

// RecordStore is the feed repo surface the worker writes through.
// *store.FeedRepo satisfies it.
type RecordStore interface {
	AppendRecords(ctx context.Context, records []entity.FeedRecord) (int, error)
	Records(ctx context.Context, query store.RecordQuery) ([]entity.FeedRecord, error)
	Watermark(ctx context.Context, source, subject, kind, granularity string) (*entity.FeedWatermark, error)
	SetWatermark(ctx context.Context, mark *entity.FeedWatermark) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver spools records to cold storage before they are pruned.
// *backfill.Archive satisfies it.
type Archiver interface {
	Write(records []entity.FeedRecord, now time.Time) (string, error)
}

// Worker ingests one configured feed scope.
type Worker struct {
	provider feed.Provider
	records  RecordStore
	bus      bus.Bus
	archive  Archiver
	cfg      config.FeedConfig
	worker   *observability.WorkerMetrics
	logger   *slog.Logger
}

// Options wires one feed worker. Bus, archive and metrics are optional.
type Options struct {
	Provider feed.Provider
	Records  RecordStore
	Bus      bus.Bus
	Archive  Archiver
	Feed     config.FeedConfig
	Metrics  *observability.WorkerMetrics
	Logger   *slog.Logger
}

// New builds a feed worker.
func New(opts Options) *Worker {
	return &Worker{
		provider: opts.Provider,
		records:  opts.Records,
		bus:      opts.Bus,
		archive:  opts.Archive,
		cfg:      opts.Feed,
		worker:   opts.Metrics,
		logger:   opts.Logger,
	}
}

// Run recovers the startup gap and then listens until the context
// ends. Recovery failures are logged; live ingestion starts regardless.
func (w *Worker) Run(ctx context.Context) error {
	recovered, err := w.RecoverGap(ctx, time.Now().UTC())
	if err != nil {
		w.logger.WarnContext(ctx, "startup gap recovery failed", "error", err)
	} else if recovered > 0 {
		w.logger.InfoContext(ctx, "startup gap recovered", "records", recovered)
	}

	w.logger.InfoContext(ctx, "feed worker listening",
		"source", w.cfg.Source,
		"subjects", w.cfg.Subjects,
		"kind", w.cfg.Kind,
		"granularity", w.cfg.Granularity,
	)

	feed.Listen(ctx, w.provider, feed.Subscription{
		Subjects:    w.cfg.Subjects,
		Kind:        w.cfg.Kind,
		Granularity: w.cfg.Granularity,
	}, w.cfg.PollInterval(), func(record entity.FeedRecord) {
		w.Ingest(ctx, record)
	})

	return ctx.Err()
}

// RecoverGap backfills each subject from max(watermark, now - lookback)
// to now. Appends are idempotent, so overlapping a previous run is safe.
func (w *Worker) RecoverGap(ctx context.Context, now time.Time) (int, error) {
	lookback := w.cfg.Backfill()
	if lookback <= 0 {
		return 0, nil
	}

	total := 0

	for _, subject := range w.cfg.Subjects {
		start := now.Add(-lookback)

		mark, err := w.records.Watermark(ctx, w.cfg.Source, subject, w.cfg.Kind, w.cfg.Granularity)
		if err != nil {
			return total, err
		}

		if mark != nil && mark.LastEventTs != nil && mark.LastEventTs.After(start) {
			start = *mark.LastEventTs
		}

		records, fetchErr := w.provider.Fetch(ctx, feed.FetchRequest{
			Subjects:    []string{subject},
			Kind:        w.cfg.Kind,
			Granularity: w.cfg.Granularity,
			Start:       start,
			End:         now,
		})
		if fetchErr != nil {
			return total, fetchErr
		}

		if len(records) == 0 {
			continue
		}

		var maxTs time.Time

		for i := range records {
			feed.Stamp(&records[i], now)

			if records[i].TsEvent.After(maxTs) {
				maxTs = records[i].TsEvent
			}
		}

		inserted, appendErr := w.records.AppendRecords(ctx, records)
		if appendErr != nil {
			return total, appendErr
		}

		markErr := w.setWatermark(ctx, subject, maxTs, now, "startup-backfill")
		if markErr != nil {
			return total, markErr
		}

		total += inserted
	}

	return total, nil
}

// Ingest persists one live record, advances the watermark, and signals
// downstream workers. Duplicate records are absorbed silently.
func (w *Worker) Ingest(ctx context.Context, record entity.FeedRecord) {
	now := time.Now().UTC()

	feed.Stamp(&record, now)

	inserted, err := w.records.AppendRecords(ctx, []entity.FeedRecord{record})
	if err != nil {
		w.logger.ErrorContext(ctx, "feed record append failed",
			"subject", record.Subject,
			"error", err,
		)

		return
	}

	markErr := w.setWatermark(ctx, record.Subject, record.TsEvent, now, "listen")
	if markErr != nil {
		w.logger.WarnContext(ctx, "watermark update failed",
			"subject", record.Subject,
			"error", markErr,
		)
	}

	if inserted == 0 {
		return
	}

	if w.worker != nil {
		w.worker.RecordIngested(ctx, record.Source, record.Subject, int64(inserted))
	}

	w.signal(ctx)
}

// signal publishes the new-data event. Best effort: a bus outage never
// blocks ingestion.
func (w *Worker) signal(ctx context.Context) {
	if w.bus == nil {
		return
	}

	err := w.bus.Publish(ctx, bus.ChannelNewFeedData, "")
	if err != nil {
		w.logger.WarnContext(ctx, "new-data signal failed", "error", err)

		return
	}

	if w.worker != nil {
		w.worker.RecordBusSignal(ctx, bus.ChannelNewFeedData)
	}
}

func (w *Worker) setWatermark(
	ctx context.Context, subject string, eventTs, now time.Time, phase string,
) error {
	return w.records.SetWatermark(ctx, &entity.FeedWatermark{
		ID:          entity.WatermarkID(w.cfg.Source, subject, w.cfg.Kind, w.cfg.Granularity),
		Source:      w.cfg.Source,
		Subject:     subject,
		Kind:        w.cfg.Kind,
		Granularity: w.cfg.Granularity,
		LastEventTs: &eventTs,
		UpdatedAt:   now,
		Meta:        map[string]any{"phase": phase},
	})
}
