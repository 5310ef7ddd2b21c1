package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchkit/coordinator/internal/entity"
)

// SnapshotRepo persists per-model cycle aggregates.
type SnapshotRepo struct {
	q querier
}

type snapshotRow struct {
	ID              string    `db:"id"`
	ModelID         string    `db:"model_id"`
	PeriodStart     time.Time `db:"period_start"`
	PeriodEnd       time.Time `db:"period_end"`
	PredictionCount int       `db:"prediction_count"`
	ResultSummary   jsonMap   `db:"result_summary"`
	Meta            jsonMap   `db:"meta"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r snapshotRow) toDomain() entity.Snapshot {
	return entity.Snapshot{
		ID:              r.ID,
		ModelID:         r.ModelID,
		PeriodStart:     r.PeriodStart,
		PeriodEnd:       r.PeriodEnd,
		PredictionCount: r.PredictionCount,
		ResultSummary:   r.ResultSummary,
		Meta:            r.Meta,
		CreatedAt:       r.CreatedAt,
	}
}

const snapshotColumns = "id, model_id, period_start, period_end, prediction_count," +
	" result_summary, meta, created_at"

const upsertSnapshotSQL = `
INSERT INTO snapshots (` + snapshotColumns + `)
VALUES (:id, :model_id, :period_start, :period_end, :prediction_count,
        :result_summary, :meta, :created_at)
ON CONFLICT (id) DO UPDATE SET
    result_summary = EXCLUDED.result_summary,
    prediction_count = EXCLUDED.prediction_count,
    meta = EXCLUDED.meta`

// Save upserts one snapshot.
func (s *SnapshotRepo) Save(ctx context.Context, snapshot *entity.Snapshot) error {
	row := snapshotRow{
		ID:              snapshot.ID,
		ModelID:         snapshot.ModelID,
		PeriodStart:     snapshot.PeriodStart.UTC(),
		PeriodEnd:       snapshot.PeriodEnd.UTC(),
		PredictionCount: snapshot.PredictionCount,
		ResultSummary:   snapshot.ResultSummary,
		Meta:            snapshot.Meta,
		CreatedAt:       snapshot.CreatedAt.UTC(),
	}

	_, err := sqlx.NamedExecContext(ctx, s.q, upsertSnapshotSQL, row)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snapshot.ID, err)
	}

	return nil
}

// SnapshotQuery filters the snapshot listing; every field is optional.
// Since and Until bound the snapshot period, not creation time: a
// snapshot matches when its period overlaps [Since, Until].
type SnapshotQuery struct {
	ModelID string
	Since   *time.Time
	Until   *time.Time
	Limit   int
}

// Find returns snapshots ordered by creation time ascending.
func (s *SnapshotRepo) Find(ctx context.Context, query SnapshotQuery) ([]entity.Snapshot, error) {
	var w where

	if query.ModelID != "" {
		w.add("model_id = ?", query.ModelID)
	}

	if query.Since != nil {
		w.add("period_end >= ?", query.Since.UTC())
	}

	if query.Until != nil {
		w.add("period_start <= ?", query.Until.UTC())
	}

	sql := "SELECT " + snapshotColumns + " FROM snapshots" + w.clause() +
		" ORDER BY created_at ASC" + limitClause(query.Limit)

	rows, err := selectAll[snapshotRow](ctx, s.q, sql, w.args)
	if err != nil {
		return nil, err
	}

	snapshots := make([]entity.Snapshot, 0, len(rows))
	for _, row := range rows {
		snapshots = append(snapshots, row.toDomain())
	}

	return snapshots, nil
}

// Get returns one snapshot by id, or (nil, nil).
func (s *SnapshotRepo) Get(ctx context.Context, id string) (*entity.Snapshot, error) {
	sql := "SELECT " + snapshotColumns + " FROM snapshots WHERE id = ?"

	row, err := selectOne[snapshotRow](ctx, s.q, sql, []any{id})
	if err != nil || row == nil {
		return nil, err
	}

	snapshot := row.toDomain()

	return &snapshot, nil
}
