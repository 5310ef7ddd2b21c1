package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchkit/coordinator/internal/entity"
)

// PredictionRepo persists model predictions.
type PredictionRepo struct {
	q querier
}

type predictionRow struct {
	ID                 string    `db:"id"`
	InputID            string    `db:"input_id"`
	ModelID            string    `db:"model_id"`
	PredictionConfigID string    `db:"prediction_config_id"`
	ScopeKey           string    `db:"scope_key"`
	Scope              jsonMap   `db:"scope"`
	Status             string    `db:"status"`
	ExecTimeMS         float64   `db:"exec_time_ms"`
	InferenceOutput    jsonMap   `db:"inference_output"`
	Meta               jsonMap   `db:"meta"`
	PerformedAt        time.Time `db:"performed_at"`
	ResolvableAt       time.Time `db:"resolvable_at"`
}

func (r predictionRow) toDomain() entity.Prediction {
	return entity.Prediction{
		ID:                 r.ID,
		InputID:            r.InputID,
		ModelID:            r.ModelID,
		PredictionConfigID: r.PredictionConfigID,
		ScopeKey:           r.ScopeKey,
		Scope:              r.Scope,
		Status:             entity.PredictionStatus(r.Status),
		ExecTimeMS:         r.ExecTimeMS,
		InferenceOutput:    r.InferenceOutput,
		Meta:               r.Meta,
		PerformedAt:        r.PerformedAt,
		ResolvableAt:       r.ResolvableAt,
	}
}

func predictionToRow(p *entity.Prediction) predictionRow {
	return predictionRow{
		ID:                 p.ID,
		InputID:            p.InputID,
		ModelID:            p.ModelID,
		PredictionConfigID: p.PredictionConfigID,
		ScopeKey:           p.ScopeKey,
		Scope:              p.Scope,
		Status:             string(p.Status),
		ExecTimeMS:         p.ExecTimeMS,
		InferenceOutput:    p.InferenceOutput,
		Meta:               p.Meta,
		PerformedAt:        p.PerformedAt.UTC(),
		ResolvableAt:       p.ResolvableAt.UTC(),
	}
}

const predictionColumns = "id, input_id, model_id, prediction_config_id, scope_key, scope," +
	" status, exec_time_ms, inference_output, meta, performed_at, resolvable_at"

const upsertPredictionSQL = `
INSERT INTO predictions (` + predictionColumns + `)
VALUES (:id, :input_id, :model_id, :prediction_config_id, :scope_key, :scope,
        :status, :exec_time_ms, :inference_output, :meta, :performed_at, :resolvable_at)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    exec_time_ms = EXCLUDED.exec_time_ms,
    inference_output = EXCLUDED.inference_output,
    meta = EXCLUDED.meta,
    scope_key = EXCLUDED.scope_key,
    scope = EXCLUDED.scope,
    resolvable_at = EXCLUDED.resolvable_at`

// Save upserts one prediction.
func (p *PredictionRepo) Save(ctx context.Context, prediction *entity.Prediction) error {
	_, err := sqlx.NamedExecContext(ctx, p.q, upsertPredictionSQL, predictionToRow(prediction))
	if err != nil {
		return fmt.Errorf("save prediction %s: %w", prediction.ID, err)
	}

	return nil
}

// SaveAll upserts predictions in order.
func (p *PredictionRepo) SaveAll(ctx context.Context, predictions []*entity.Prediction) error {
	for idx := range predictions {
		saveErr := p.Save(ctx, predictions[idx])
		if saveErr != nil {
			return saveErr
		}
	}

	return nil
}

// Get returns one prediction by id, or (nil, nil).
func (p *PredictionRepo) Get(ctx context.Context, id string) (*entity.Prediction, error) {
	sql := "SELECT " + predictionColumns + " FROM predictions WHERE id = ?"

	row, err := selectOne[predictionRow](ctx, p.q, sql, []any{id})
	if err != nil || row == nil {
		return nil, err
	}

	prediction := row.toDomain()

	return &prediction, nil
}

// PredictionQuery filters the prediction listing; every field is optional.
type PredictionQuery struct {
	Statuses         []entity.PredictionStatus
	ScopeKey         string
	ModelID          string
	Since            *time.Time
	Until            *time.Time
	ResolvableBefore *time.Time
	Limit            int
}

// Find returns predictions ordered by performed time ascending.
func (p *PredictionRepo) Find(ctx context.Context, query PredictionQuery) ([]entity.Prediction, error) {
	var w where

	if len(query.Statuses) > 0 {
		statuses := make([]string, 0, len(query.Statuses))
		for _, status := range query.Statuses {
			statuses = append(statuses, string(status))
		}

		w.add("status IN (?)", statuses)
	}

	if query.ScopeKey != "" {
		w.add("scope_key = ?", query.ScopeKey)
	}

	if query.ModelID != "" {
		w.add("model_id = ?", query.ModelID)
	}

	if query.Since != nil {
		w.add("performed_at >= ?", query.Since.UTC())
	}

	if query.Until != nil {
		w.add("performed_at <= ?", query.Until.UTC())
	}

	if query.ResolvableBefore != nil {
		w.add("resolvable_at <= ?", query.ResolvableBefore.UTC())
	}

	sql := "SELECT " + predictionColumns + " FROM predictions" + w.clause() +
		" ORDER BY performed_at ASC" + limitClause(query.Limit)

	rows, err := selectAll[predictionRow](ctx, p.q, sql, w.args)
	if err != nil {
		return nil, err
	}

	predictions := make([]entity.Prediction, 0, len(rows))
	for _, row := range rows {
		predictions = append(predictions, row.toDomain())
	}

	return predictions, nil
}

// ScoredPrediction is one prediction with its score attached when the
// prediction has been scored.
type ScoredPrediction struct {
	Prediction entity.Prediction
	Score      *entity.Score
}

type scoredPredictionRow struct {
	predictionRow

	ScoreID      *string    `db:"score_id"`
	Result       jsonMap    `db:"result"`
	Success      *bool      `db:"success"`
	FailedReason *string    `db:"failed_reason"`
	ScoredAt     *time.Time `db:"scored_at"`
}

const scoredPredictionsSQL = `
SELECT p.id, p.input_id, p.model_id, p.prediction_config_id, p.scope_key, p.scope,
       p.status, p.exec_time_ms, p.inference_output, p.meta, p.performed_at, p.resolvable_at,
       s.id AS score_id, s.result, s.success, s.failed_reason, s.scored_at
FROM predictions p
LEFT JOIN scores s ON s.prediction_id = p.id`

// ScoredByModel returns predictions with scores joined, grouped by model,
// ordered by performed time within each model.
func (p *PredictionRepo) ScoredByModel(
	ctx context.Context, modelIDs []string, from, to *time.Time,
) (map[string][]ScoredPrediction, error) {
	if len(modelIDs) == 0 {
		return map[string][]ScoredPrediction{}, nil
	}

	var w where

	w.add("p.model_id IN (?)", modelIDs)

	if from != nil {
		w.add("p.performed_at >= ?", from.UTC())
	}

	if to != nil {
		w.add("p.performed_at <= ?", to.UTC())
	}

	sql := scoredPredictionsSQL + w.clause() + " ORDER BY p.performed_at ASC"

	rows, err := selectAll[scoredPredictionRow](ctx, p.q, sql, w.args)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]ScoredPrediction, len(modelIDs))

	for _, row := range rows {
		scored := ScoredPrediction{Prediction: row.toDomain()}

		if row.ScoreID != nil {
			score := entity.Score{
				ID:           *row.ScoreID,
				PredictionID: row.ID,
				Result:       row.Result,
				Success:      true,
			}

			if row.Success != nil {
				score.Success = *row.Success
			}

			if row.FailedReason != nil {
				score.FailedReason = *row.FailedReason
			}

			if row.ScoredAt != nil {
				score.ScoredAt = *row.ScoredAt
			}

			scored.Score = &score
		}

		grouped[row.ModelID] = append(grouped[row.ModelID], scored)
	}

	return grouped, nil
}
