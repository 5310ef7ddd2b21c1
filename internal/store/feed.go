package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchkit/coordinator/internal/entity"
)

// FeedRepo persists normalized feed records and per-scope ingestion
// watermarks. Record identity is content-derived, so re-ingesting the
// same window upserts instead of duplicating.
type FeedRepo struct {
	q querier
}

type feedRecordRow struct {
	ID          string    `db:"id"`
	Source      string    `db:"source"`
	Subject     string    `db:"subject"`
	Kind        string    `db:"kind"`
	Granularity string    `db:"granularity"`
	TsEvent     time.Time `db:"ts_event"`
	TsIngested  time.Time `db:"ts_ingested"`
	Values      jsonMap   `db:"values"`
	Meta        jsonMap   `db:"meta"`
}

func (r feedRecordRow) toDomain() entity.FeedRecord {
	return entity.FeedRecord{
		ID:          r.ID,
		Source:      r.Source,
		Subject:     r.Subject,
		Kind:        r.Kind,
		Granularity: r.Granularity,
		TsEvent:     r.TsEvent,
		TsIngested:  r.TsIngested,
		Values:      r.Values,
		Meta:        r.Meta,
	}
}

const feedRecordColumns = `id, source, subject, kind, granularity, ts_event, ts_ingested, "values", meta`

const upsertFeedRecordSQL = `
INSERT INTO feed_records (id, source, subject, kind, granularity, ts_event, ts_ingested, "values", meta)
VALUES (:id, :source, :subject, :kind, :granularity, :ts_event, :ts_ingested, :values, :meta)
ON CONFLICT (id) DO UPDATE SET
    "values" = EXCLUDED."values",
    meta = EXCLUDED.meta,
    ts_ingested = EXCLUDED.ts_ingested`

// AppendRecords upserts records one by one and returns the count written.
func (f *FeedRepo) AppendRecords(ctx context.Context, records []entity.FeedRecord) (int, error) {
	count := 0

	for _, record := range records {
		row := feedRecordRow{
			ID:          record.ID,
			Source:      record.Source,
			Subject:     record.Subject,
			Kind:        record.Kind,
			Granularity: record.Granularity,
			TsEvent:     record.TsEvent.UTC(),
			TsIngested:  record.TsIngested.UTC(),
			Values:      record.Values,
			Meta:        record.Meta,
		}

		_, err := sqlx.NamedExecContext(ctx, f.q, upsertFeedRecordSQL, row)
		if err != nil {
			return count, fmt.Errorf("append feed record %s: %w", record.ID, err)
		}

		count++
	}

	return count, nil
}

// RecordQuery selects one feed scope with optional time bounds.
type RecordQuery struct {
	Source      string
	Subject     string
	Kind        string
	Granularity string
	StartTs     *time.Time
	EndTs       *time.Time
	Limit       int
}

// Records returns the scope's records ordered by event time ascending.
func (f *FeedRepo) Records(ctx context.Context, query RecordQuery) ([]entity.FeedRecord, error) {
	var w where

	w.add("source = ?", query.Source)
	w.add("subject = ?", query.Subject)
	w.add("kind = ?", query.Kind)
	w.add("granularity = ?", query.Granularity)

	if query.StartTs != nil {
		w.add("ts_event >= ?", query.StartTs.UTC())
	}

	if query.EndTs != nil {
		w.add("ts_event <= ?", query.EndTs.UTC())
	}

	sql := "SELECT " + feedRecordColumns + " FROM feed_records" + w.clause() +
		" ORDER BY ts_event ASC" + limitClause(query.Limit)

	rows, err := selectAll[feedRecordRow](ctx, f.q, sql, w.args)
	if err != nil {
		return nil, err
	}

	return feedRowsToDomain(rows), nil
}

// LatestRecord returns the scope's newest record, optionally at or
// before a timestamp. Returns (nil, nil) when the scope is empty.
func (f *FeedRepo) LatestRecord(
	ctx context.Context,
	source, subject, kind, granularity string,
	atOrBefore *time.Time,
) (*entity.FeedRecord, error) {
	var w where

	w.add("source = ?", source)
	w.add("subject = ?", subject)
	w.add("kind = ?", kind)
	w.add("granularity = ?", granularity)

	if atOrBefore != nil {
		w.add("ts_event <= ?", atOrBefore.UTC())
	}

	sql := "SELECT " + feedRecordColumns + " FROM feed_records" + w.clause() +
		" ORDER BY ts_event DESC LIMIT 1"

	row, err := selectOne[feedRecordRow](ctx, f.q, sql, w.args)
	if err != nil || row == nil {
		return nil, err
	}

	record := row.toDomain()

	return &record, nil
}

// TailQuery selects the newest records across scopes, each filter optional.
type TailQuery struct {
	Source      string
	Subject     string
	Kind        string
	Granularity string
	Limit       int
}

// Tail returns the newest records matching the filters, newest first.
func (f *FeedRepo) Tail(ctx context.Context, query TailQuery) ([]entity.FeedRecord, error) {
	var w where

	if query.Source != "" {
		w.add("source = ?", query.Source)
	}

	if query.Subject != "" {
		w.add("subject = ?", query.Subject)
	}

	if query.Kind != "" {
		w.add("kind = ?", query.Kind)
	}

	if query.Granularity != "" {
		w.add("granularity = ?", query.Granularity)
	}

	limit := query.Limit
	if limit < 1 {
		limit = 1
	}

	sql := "SELECT " + feedRecordColumns + " FROM feed_records" + w.clause() +
		" ORDER BY ts_event DESC" + limitClause(limit)

	rows, err := selectAll[feedRecordRow](ctx, f.q, sql, w.args)
	if err != nil {
		return nil, err
	}

	return feedRowsToDomain(rows), nil
}

// PruneBefore deletes records with event time strictly before the cutoff
// and returns how many rows went away.
func (f *FeedRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	sql, args, err := buildQuery(f.q, "DELETE FROM feed_records WHERE ts_event < ?", []any{cutoff.UTC()})
	if err != nil {
		return 0, err
	}

	result, execErr := f.q.ExecContext(ctx, sql, args...)
	if execErr != nil {
		return 0, fmt.Errorf("prune feed records: %w", execErr)
	}

	deleted, affErr := result.RowsAffected()
	if affErr != nil {
		return 0, fmt.Errorf("prune feed records: %w", affErr)
	}

	return deleted, nil
}

// FeedSummary describes one indexed feed scope with its coverage and
// ingestion watermark.
type FeedSummary struct {
	Source             string     `db:"source"              json:"source"`
	Subject            string     `db:"subject"             json:"subject"`
	Kind               string     `db:"kind"                json:"kind"`
	Granularity        string     `db:"granularity"         json:"granularity"`
	RecordCount        int        `db:"record_count"        json:"record_count"`
	OldestTs           *time.Time `db:"oldest_ts"           json:"oldest_ts,omitempty"`
	NewestTs           *time.Time `db:"newest_ts"           json:"newest_ts,omitempty"`
	WatermarkTs        *time.Time `db:"watermark_ts"        json:"watermark_ts,omitempty"`
	WatermarkUpdatedAt *time.Time `db:"watermark_updated_at" json:"watermark_updated_at,omitempty"`
}

const indexedFeedsSQL = `
SELECT r.source, r.subject, r.kind, r.granularity,
       COUNT(r.id) AS record_count,
       MIN(r.ts_event) AS oldest_ts,
       MAX(r.ts_event) AS newest_ts,
       MAX(s.last_event_ts) AS watermark_ts,
       MAX(s.updated_at) AS watermark_updated_at
FROM feed_records r
LEFT JOIN feed_ingestion_state s
    ON s.source = r.source AND s.subject = r.subject
   AND s.kind = r.kind AND s.granularity = r.granularity
GROUP BY r.source, r.subject, r.kind, r.granularity
ORDER BY r.source ASC, r.subject ASC, r.kind ASC, r.granularity ASC`

// IndexedFeeds returns one summary per distinct feed scope.
func (f *FeedRepo) IndexedFeeds(ctx context.Context) ([]FeedSummary, error) {
	return selectAll[FeedSummary](ctx, f.q, indexedFeedsSQL, nil)
}

type watermarkRow struct {
	ID          string     `db:"id"`
	Source      string     `db:"source"`
	Subject     string     `db:"subject"`
	Kind        string     `db:"kind"`
	Granularity string     `db:"granularity"`
	LastEventTs *time.Time `db:"last_event_ts"`
	UpdatedAt   time.Time  `db:"updated_at"`
	Meta        jsonMap    `db:"meta"`
}

// Watermark returns the scope's ingestion watermark, or (nil, nil).
func (f *FeedRepo) Watermark(
	ctx context.Context, source, subject, kind, granularity string,
) (*entity.FeedWatermark, error) {
	id := entity.WatermarkID(source, subject, kind, granularity)

	sql := "SELECT id, source, subject, kind, granularity, last_event_ts, updated_at, meta" +
		" FROM feed_ingestion_state WHERE id = ?"

	row, err := selectOne[watermarkRow](ctx, f.q, sql, []any{id})
	if err != nil || row == nil {
		return nil, err
	}

	return &entity.FeedWatermark{
		ID:          row.ID,
		Source:      row.Source,
		Subject:     row.Subject,
		Kind:        row.Kind,
		Granularity: row.Granularity,
		LastEventTs: row.LastEventTs,
		UpdatedAt:   row.UpdatedAt,
		Meta:        row.Meta,
	}, nil
}

const upsertWatermarkSQL = `
INSERT INTO feed_ingestion_state (id, source, subject, kind, granularity, last_event_ts, updated_at, meta)
VALUES (:id, :source, :subject, :kind, :granularity, :last_event_ts, :updated_at, :meta)
ON CONFLICT (id) DO UPDATE SET
    last_event_ts = EXCLUDED.last_event_ts,
    updated_at = EXCLUDED.updated_at,
    meta = EXCLUDED.meta`

// SetWatermark upserts the scope's ingestion watermark.
func (f *FeedRepo) SetWatermark(ctx context.Context, mark *entity.FeedWatermark) error {
	row := watermarkRow{
		ID:          mark.ID,
		Source:      mark.Source,
		Subject:     mark.Subject,
		Kind:        mark.Kind,
		Granularity: mark.Granularity,
		LastEventTs: mark.LastEventTs,
		UpdatedAt:   mark.UpdatedAt.UTC(),
		Meta:        mark.Meta,
	}

	if row.ID == "" {
		row.ID = entity.WatermarkID(mark.Source, mark.Subject, mark.Kind, mark.Granularity)
	}

	_, err := sqlx.NamedExecContext(ctx, f.q, upsertWatermarkSQL, row)
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", row.ID, err)
	}

	return nil
}

func feedRowsToDomain(rows []feedRecordRow) []entity.FeedRecord {
	records := make([]entity.FeedRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toDomain())
	}

	return records
}
