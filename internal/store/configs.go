package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/crunchkit/coordinator/internal/entity"
)

// ConfigRepo persists scheduled prediction configs. The YAML seed file
// is the source of truth; the dispatcher syncs it in through Upsert.
type ConfigRepo struct {
	q querier
}

type configRow struct {
	ID            string  `db:"id"`
	ScopeKey      string  `db:"scope_key"`
	ScopeTemplate jsonMap `db:"scope_template"`
	Schedule      jsonMap `db:"schedule"`
	Active        bool    `db:"active"`
	Ordinal       int     `db:"ordinal"`
	Meta          jsonMap `db:"meta"`
}

func (r configRow) toDomain() (entity.ScheduledPredictionConfig, error) {
	cfg := entity.ScheduledPredictionConfig{
		ID:            r.ID,
		ScopeKey:      r.ScopeKey,
		ScopeTemplate: r.ScopeTemplate,
		Active:        r.Active,
		Order:         r.Ordinal,
		Meta:          r.Meta,
	}

	raw, err := json.Marshal(map[string]any(r.Schedule))
	if err != nil {
		return cfg, fmt.Errorf("encode schedule of %s: %w", r.ID, err)
	}

	unmarshalErr := json.Unmarshal(raw, &cfg.Schedule)
	if unmarshalErr != nil {
		return cfg, fmt.Errorf("decode schedule of %s: %w", r.ID, unmarshalErr)
	}

	return cfg, nil
}

const configColumns = "id, scope_key, scope_template, schedule, active, ordinal, meta"

const upsertConfigSQL = `
INSERT INTO scheduled_prediction_configs (` + configColumns + `)
VALUES (:id, :scope_key, :scope_template, :schedule, :active, :ordinal, :meta)
ON CONFLICT (id) DO UPDATE SET
    scope_key = EXCLUDED.scope_key,
    scope_template = EXCLUDED.scope_template,
    schedule = EXCLUDED.schedule,
    active = EXCLUDED.active,
    ordinal = EXCLUDED.ordinal,
    meta = EXCLUDED.meta`

// Upsert writes one scheduled config.
func (c *ConfigRepo) Upsert(ctx context.Context, cfg *entity.ScheduledPredictionConfig) error {
	row := configRow{
		ID:            cfg.ID,
		ScopeKey:      cfg.ScopeKey,
		ScopeTemplate: cfg.ScopeTemplate,
		Schedule: jsonMap{
			"prediction_interval_seconds": cfg.Schedule.PredictionIntervalSeconds,
			"resolve_after_seconds":       cfg.Schedule.ResolveAfterSeconds,
		},
		Active:  cfg.Active,
		Ordinal: cfg.Order,
		Meta:    cfg.Meta,
	}

	_, err := sqlx.NamedExecContext(ctx, c.q, upsertConfigSQL, row)
	if err != nil {
		return fmt.Errorf("upsert scheduled config %s: %w", cfg.ID, err)
	}

	return nil
}

// Active returns active configs ordered by their seed file position.
func (c *ConfigRepo) Active(ctx context.Context) ([]entity.ScheduledPredictionConfig, error) {
	sql := "SELECT " + configColumns + " FROM scheduled_prediction_configs" +
		" WHERE active = TRUE ORDER BY ordinal ASC"

	return c.list(ctx, sql, nil)
}

// All returns every config ordered by seed file position.
func (c *ConfigRepo) All(ctx context.Context) ([]entity.ScheduledPredictionConfig, error) {
	sql := "SELECT " + configColumns + " FROM scheduled_prediction_configs ORDER BY ordinal ASC"

	return c.list(ctx, sql, nil)
}

// DeactivateMissing flips active off for configs absent from keepIDs.
// A seed reload calls this so removed entries stop dispatching.
func (c *ConfigRepo) DeactivateMissing(ctx context.Context, keepIDs []string) error {
	query := "UPDATE scheduled_prediction_configs SET active = FALSE"

	var args []any

	if len(keepIDs) > 0 {
		query += " WHERE id NOT IN (?)"
		args = append(args, keepIDs)
	}

	bound, boundArgs, err := buildQuery(c.q, query, args)
	if err != nil {
		return err
	}

	_, execErr := c.q.ExecContext(ctx, bound, boundArgs...)
	if execErr != nil {
		return fmt.Errorf("deactivate scheduled configs: %w", execErr)
	}

	return nil
}

func (c *ConfigRepo) list(ctx context.Context, sql string, args []any) ([]entity.ScheduledPredictionConfig, error) {
	rows, err := selectAll[configRow](ctx, c.q, sql, args)
	if err != nil {
		return nil, err
	}

	configs := make([]entity.ScheduledPredictionConfig, 0, len(rows))

	for _, row := range rows {
		cfg, convErr := row.toDomain()
		if convErr != nil {
			return nil, convErr
		}

		configs = append(configs, cfg)
	}

	return configs, nil
}
