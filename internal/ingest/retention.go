package ingest

import (
	"context"
	"time"

	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/store"
)

// RunRetention sweeps expired records on the configured cadence until
// the context ends. With no TTL the loop just waits for shutdown.
func (w *Worker) RunRetention(ctx context.Context) error {
	if w.cfg.TTL() <= 0 {
		<-ctx.Done()

		return ctx.Err()
	}

	interval := w.cfg.RetentionInterval()
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pruned, err := w.SweepOnce(ctx, time.Now().UTC())
			if err != nil {
				w.logger.ErrorContext(ctx, "retention sweep failed", "error", err)
			} else if pruned > 0 {
				w.logger.InfoContext(ctx, "retention sweep pruned records", "pruned", pruned)
			}
		}
	}
}

// SweepOnce archives records older than the TTL cutoff and then prunes
// them. Archiving failures abort the sweep so nothing is lost.
func (w *Worker) SweepOnce(ctx context.Context, now time.Time) (int64, error) {
	ttl := w.cfg.TTL()
	if ttl <= 0 {
		return 0, nil
	}

	cutoff := now.Add(-ttl)

	if w.archive != nil {
		expired, err := w.expiredRecords(ctx, cutoff)
		if err != nil {
			return 0, err
		}

		if len(expired) > 0 {
			path, writeErr := w.archive.Write(expired, now)
			if writeErr != nil {
				return 0, writeErr
			}

			w.logger.InfoContext(ctx, "expired records archived",
				"records", len(expired),
				"path", path,
			)
		}
	}

	return w.records.PruneBefore(ctx, cutoff)
}

func (w *Worker) expiredRecords(ctx context.Context, cutoff time.Time) ([]entity.FeedRecord, error) {
	var out []entity.FeedRecord

	// Records bounds are inclusive while the prune is strict, so back
	// off a nanosecond to archive exactly the rows about to go.
	edge := cutoff.Add(-time.Nanosecond)

	for _, subject := range w.cfg.Subjects {
		records, err := w.records.Records(ctx, store.RecordQuery{
			Source:      w.cfg.Source,
			Subject:     subject,
			Kind:        w.cfg.Kind,
			Granularity: w.cfg.Granularity,
			EndTs:       &edge,
		})
		if err != nil {
			return nil, err
		}

		out = append(out, records...)
	}

	return out, nil
}
