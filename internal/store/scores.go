package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchkit/coordinator/internal/entity"
)

// ScoreRepo persists prediction evaluations.
type ScoreRepo struct {
	q querier
}

type scoreRow struct {
	ID           string    `db:"id"`
	PredictionID string    `db:"prediction_id"`
	Result       jsonMap   `db:"result"`
	Success      bool      `db:"success"`
	FailedReason string    `db:"failed_reason"`
	ScoredAt     time.Time `db:"scored_at"`
}

func (r scoreRow) toDomain() entity.Score {
	return entity.Score{
		ID:           r.ID,
		PredictionID: r.PredictionID,
		Result:       r.Result,
		Success:      r.Success,
		FailedReason: r.FailedReason,
		ScoredAt:     r.ScoredAt,
	}
}

const scoreColumns = "id, prediction_id, result, success, failed_reason, scored_at"

const upsertScoreSQL = `
INSERT INTO scores (` + scoreColumns + `)
VALUES (:id, :prediction_id, :result, :success, :failed_reason, :scored_at)
ON CONFLICT (id) DO UPDATE SET
    result = EXCLUDED.result,
    success = EXCLUDED.success,
    failed_reason = EXCLUDED.failed_reason,
    scored_at = EXCLUDED.scored_at`

// Save upserts one score.
func (s *ScoreRepo) Save(ctx context.Context, score *entity.Score) error {
	row := scoreRow{
		ID:           score.ID,
		PredictionID: score.PredictionID,
		Result:       score.Result,
		Success:      score.Success,
		FailedReason: score.FailedReason,
		ScoredAt:     score.ScoredAt.UTC(),
	}

	_, err := sqlx.NamedExecContext(ctx, s.q, upsertScoreSQL, row)
	if err != nil {
		return fmt.Errorf("save score %s: %w", score.ID, err)
	}

	return nil
}

// ScoreQuery filters the score listing; every field is optional.
type ScoreQuery struct {
	PredictionID string
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

// Find returns scores ordered by scored time ascending.
func (s *ScoreRepo) Find(ctx context.Context, query ScoreQuery) ([]entity.Score, error) {
	var w where

	if query.PredictionID != "" {
		w.add("prediction_id = ?", query.PredictionID)
	}

	if query.Since != nil {
		w.add("scored_at >= ?", query.Since.UTC())
	}

	if query.Until != nil {
		w.add("scored_at <= ?", query.Until.UTC())
	}

	sql := "SELECT " + scoreColumns + " FROM scores" + w.clause() +
		" ORDER BY scored_at ASC" + limitClause(query.Limit)

	rows, err := selectAll[scoreRow](ctx, s.q, sql, w.args)
	if err != nil {
		return nil, err
	}

	scores := make([]entity.Score, 0, len(rows))
	for _, row := range rows {
		scores = append(scores, row.toDomain())
	}

	return scores, nil
}
