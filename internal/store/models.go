package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchkit/coordinator/internal/entity"
)

// ModelRepo persists registered competitor models.
type ModelRepo struct {
	q querier
}

type modelRow struct {
	ID                   string    `db:"id"`
	Name                 string    `db:"name"`
	DeploymentIdentifier string    `db:"deployment_identifier"`
	PlayerID             string    `db:"player_id"`
	PlayerName           string    `db:"player_name"`
	OverallScore         jsonMap   `db:"overall_score"`
	ScoresByScope        jsonList  `db:"scores_by_scope"`
	Meta                 jsonMap   `db:"meta"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

func (r modelRow) toDomain() entity.Model {
	return entity.Model{
		ID:                   r.ID,
		Name:                 r.Name,
		DeploymentIdentifier: r.DeploymentIdentifier,
		PlayerID:             r.PlayerID,
		PlayerName:           r.PlayerName,
		OverallScore:         r.OverallScore,
		ScoresByScope:        r.ScoresByScope,
		Meta:                 r.Meta,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

const modelColumns = "id, name, deployment_identifier, player_id, player_name," +
	" overall_score, scores_by_scope, meta, created_at, updated_at"

const upsertModelSQL = `
INSERT INTO models (` + modelColumns + `)
VALUES (:id, :name, :deployment_identifier, :player_id, :player_name,
        :overall_score, :scores_by_scope, :meta, :created_at, :updated_at)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    deployment_identifier = EXCLUDED.deployment_identifier,
    player_id = EXCLUDED.player_id,
    player_name = EXCLUDED.player_name,
    overall_score = EXCLUDED.overall_score,
    scores_by_scope = EXCLUDED.scores_by_scope,
    meta = EXCLUDED.meta,
    updated_at = EXCLUDED.updated_at`

// Save upserts one model.
func (m *ModelRepo) Save(ctx context.Context, model *entity.Model) error {
	row := modelRow{
		ID:                   model.ID,
		Name:                 model.Name,
		DeploymentIdentifier: model.DeploymentIdentifier,
		PlayerID:             model.PlayerID,
		PlayerName:           model.PlayerName,
		OverallScore:         model.OverallScore,
		ScoresByScope:        model.ScoresByScope,
		Meta:                 model.Meta,
		CreatedAt:            model.CreatedAt.UTC(),
		UpdatedAt:            model.UpdatedAt.UTC(),
	}

	_, err := sqlx.NamedExecContext(ctx, m.q, upsertModelSQL, row)
	if err != nil {
		return fmt.Errorf("save model %s: %w", model.ID, err)
	}

	return nil
}

// SaveAll upserts models in order.
func (m *ModelRepo) SaveAll(ctx context.Context, models []*entity.Model) error {
	for idx := range models {
		saveErr := m.Save(ctx, models[idx])
		if saveErr != nil {
			return saveErr
		}
	}

	return nil
}

// Get returns one model by id, or (nil, nil).
func (m *ModelRepo) Get(ctx context.Context, id string) (*entity.Model, error) {
	sql := "SELECT " + modelColumns + " FROM models WHERE id = ?"

	row, err := selectOne[modelRow](ctx, m.q, sql, []any{id})
	if err != nil || row == nil {
		return nil, err
	}

	model := row.toDomain()

	return &model, nil
}

// All returns every registered model keyed by id.
func (m *ModelRepo) All(ctx context.Context) (map[string]entity.Model, error) {
	sql := "SELECT " + modelColumns + " FROM models ORDER BY id ASC"

	rows, err := selectAll[modelRow](ctx, m.q, sql, nil)
	if err != nil {
		return nil, err
	}

	return modelRowsByID(rows), nil
}

// ByIDs returns the requested models keyed by id; missing ids are absent.
func (m *ModelRepo) ByIDs(ctx context.Context, ids []string) (map[string]entity.Model, error) {
	if len(ids) == 0 {
		return map[string]entity.Model{}, nil
	}

	sql := "SELECT " + modelColumns + " FROM models WHERE id IN (?)"

	rows, err := selectAll[modelRow](ctx, m.q, sql, []any{ids})
	if err != nil {
		return nil, err
	}

	return modelRowsByID(rows), nil
}

func modelRowsByID(rows []modelRow) map[string]entity.Model {
	models := make(map[string]entity.Model, len(rows))
	for _, row := range rows {
		models[row.ID] = row.toDomain()
	}

	return models
}
