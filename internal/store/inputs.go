package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchkit/coordinator/internal/entity"
)

// InputRepo persists assembled inference inputs.
type InputRepo struct {
	q querier
}

type inputRow struct {
	ID           string     `db:"id"`
	Status       string     `db:"status"`
	RawData      jsonMap    `db:"raw_data"`
	Actuals      jsonMap    `db:"actuals"`
	Scope        jsonMap    `db:"scope"`
	Meta         jsonMap    `db:"meta"`
	ReceivedAt   time.Time  `db:"received_at"`
	ResolvableAt *time.Time `db:"resolvable_at"`
}

func (r inputRow) toDomain() entity.Input {
	return entity.Input{
		ID:           r.ID,
		Status:       entity.InputStatus(r.Status),
		RawData:      r.RawData,
		Actuals:      r.Actuals,
		Scope:        r.Scope,
		Meta:         r.Meta,
		ReceivedAt:   r.ReceivedAt,
		ResolvableAt: r.ResolvableAt,
	}
}

const inputColumns = "id, status, raw_data, actuals, scope, meta, received_at, resolvable_at"

const upsertInputSQL = `
INSERT INTO inputs (` + inputColumns + `)
VALUES (:id, :status, :raw_data, :actuals, :scope, :meta, :received_at, :resolvable_at)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    actuals = EXCLUDED.actuals,
    scope = EXCLUDED.scope,
    resolvable_at = EXCLUDED.resolvable_at,
    meta = EXCLUDED.meta`

// Save upserts an input. Raw data is immutable after first insert;
// resolution only touches status, actuals, scope and meta.
func (i *InputRepo) Save(ctx context.Context, input *entity.Input) error {
	row := inputRow{
		ID:           input.ID,
		Status:       string(input.Status),
		RawData:      input.RawData,
		Actuals:      input.Actuals,
		Scope:        input.Scope,
		Meta:         input.Meta,
		ReceivedAt:   input.ReceivedAt.UTC(),
		ResolvableAt: input.ResolvableAt,
	}

	_, err := sqlx.NamedExecContext(ctx, i.q, upsertInputSQL, row)
	if err != nil {
		return fmt.Errorf("save input %s: %w", input.ID, err)
	}

	return nil
}

// Get returns one input by id, or (nil, nil).
func (i *InputRepo) Get(ctx context.Context, id string) (*entity.Input, error) {
	sql := "SELECT " + inputColumns + " FROM inputs WHERE id = ?"

	row, err := selectOne[inputRow](ctx, i.q, sql, []any{id})
	if err != nil || row == nil {
		return nil, err
	}

	input := row.toDomain()

	return &input, nil
}

// InputQuery filters the input listing; every field is optional.
type InputQuery struct {
	Status           entity.InputStatus
	ResolvableBefore *time.Time
	Since            *time.Time
	Until            *time.Time
	Limit            int
}

// Find returns inputs ordered by received time ascending.
func (i *InputRepo) Find(ctx context.Context, query InputQuery) ([]entity.Input, error) {
	var w where

	if query.Status != "" {
		w.add("status = ?", string(query.Status))
	}

	if query.ResolvableBefore != nil {
		w.add("resolvable_at <= ?", query.ResolvableBefore.UTC())
	}

	if query.Since != nil {
		w.add("received_at >= ?", query.Since.UTC())
	}

	if query.Until != nil {
		w.add("received_at <= ?", query.Until.UTC())
	}

	sql := "SELECT " + inputColumns + " FROM inputs" + w.clause() +
		" ORDER BY received_at ASC" + limitClause(query.Limit)

	rows, err := selectAll[inputRow](ctx, i.q, sql, w.args)
	if err != nil {
		return nil, err
	}

	inputs := make([]entity.Input, 0, len(rows))
	for _, row := range rows {
		inputs = append(inputs, row.toDomain())
	}

	return inputs, nil
}
