package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchkit/coordinator/internal/entity"
)

// CheckpointRepo persists settlement checkpoints.
type CheckpointRepo struct {
	q querier
}

type checkpointRow struct {
	ID          string     `db:"id"`
	PeriodStart time.Time  `db:"period_start"`
	PeriodEnd   time.Time  `db:"period_end"`
	Status      string     `db:"status"`
	Entries     jsonList   `db:"entries"`
	Meta        jsonMap    `db:"meta"`
	MerkleRoot  string     `db:"merkle_root"`
	CreatedAt   time.Time  `db:"created_at"`
	TxHash      string     `db:"tx_hash"`
	SubmittedAt *time.Time `db:"submitted_at"`
}

func (r checkpointRow) toDomain() entity.Checkpoint {
	return entity.Checkpoint{
		ID:          r.ID,
		PeriodStart: r.PeriodStart,
		PeriodEnd:   r.PeriodEnd,
		Status:      entity.CheckpointStatus(r.Status),
		Entries:     r.Entries,
		Meta:        r.Meta,
		MerkleRoot:  r.MerkleRoot,
		CreatedAt:   r.CreatedAt,
		TxHash:      r.TxHash,
		SubmittedAt: r.SubmittedAt,
	}
}

const checkpointColumns = "id, period_start, period_end, status, entries, meta," +
	" merkle_root, created_at, tx_hash, submitted_at"

const upsertCheckpointSQL = `
INSERT INTO checkpoints (` + checkpointColumns + `)
VALUES (:id, :period_start, :period_end, :status, :entries, :meta,
        :merkle_root, :created_at, :tx_hash, :submitted_at)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    entries = EXCLUDED.entries,
    meta = EXCLUDED.meta,
    tx_hash = EXCLUDED.tx_hash,
    submitted_at = EXCLUDED.submitted_at`

// Save upserts one checkpoint. The merkle root is set separately once
// the checkpoint tree has been committed.
func (c *CheckpointRepo) Save(ctx context.Context, checkpoint *entity.Checkpoint) error {
	row := checkpointRow{
		ID:          checkpoint.ID,
		PeriodStart: checkpoint.PeriodStart.UTC(),
		PeriodEnd:   checkpoint.PeriodEnd.UTC(),
		Status:      string(checkpoint.Status),
		Entries:     checkpoint.Entries,
		Meta:        checkpoint.Meta,
		MerkleRoot:  checkpoint.MerkleRoot,
		CreatedAt:   checkpoint.CreatedAt.UTC(),
		TxHash:      checkpoint.TxHash,
		SubmittedAt: checkpoint.SubmittedAt,
	}

	_, err := sqlx.NamedExecContext(ctx, c.q, upsertCheckpointSQL, row)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", checkpoint.ID, err)
	}

	return nil
}

// Get returns one checkpoint by id, or (nil, nil).
func (c *CheckpointRepo) Get(ctx context.Context, id string) (*entity.Checkpoint, error) {
	sql := "SELECT " + checkpointColumns + " FROM checkpoints WHERE id = ?"

	row, err := selectOne[checkpointRow](ctx, c.q, sql, []any{id})
	if err != nil || row == nil {
		return nil, err
	}

	checkpoint := row.toDomain()

	return &checkpoint, nil
}

// Find returns checkpoints newest first, optionally filtered by status.
func (c *CheckpointRepo) Find(
	ctx context.Context, status entity.CheckpointStatus, limit int,
) ([]entity.Checkpoint, error) {
	var w where

	if status != "" {
		w.add("status = ?", string(status))
	}

	sql := "SELECT " + checkpointColumns + " FROM checkpoints" + w.clause() +
		" ORDER BY created_at DESC" + limitClause(limit)

	rows, err := selectAll[checkpointRow](ctx, c.q, sql, w.args)
	if err != nil {
		return nil, err
	}

	checkpoints := make([]entity.Checkpoint, 0, len(rows))
	for _, row := range rows {
		checkpoints = append(checkpoints, row.toDomain())
	}

	return checkpoints, nil
}

// Latest returns the newest checkpoint, or (nil, nil).
func (c *CheckpointRepo) Latest(ctx context.Context) (*entity.Checkpoint, error) {
	sql := "SELECT " + checkpointColumns + " FROM checkpoints ORDER BY created_at DESC LIMIT 1"

	row, err := selectOne[checkpointRow](ctx, c.q, sql, nil)
	if err != nil || row == nil {
		return nil, err
	}

	checkpoint := row.toDomain()

	return &checkpoint, nil
}

// SetMerkleRoot records the committed checkpoint tree root.
func (c *CheckpointRepo) SetMerkleRoot(ctx context.Context, id, merkleRoot string) error {
	query := "UPDATE checkpoints SET merkle_root = ? WHERE id = ?"

	bound, args, err := buildQuery(c.q, query, []any{merkleRoot, id})
	if err != nil {
		return err
	}

	result, execErr := c.q.ExecContext(ctx, bound, args...)
	if execErr != nil {
		return fmt.Errorf("set merkle root on %s: %w", id, execErr)
	}

	affected, affErr := result.RowsAffected()
	if affErr != nil {
		return fmt.Errorf("set merkle root on %s: %w", id, affErr)
	}

	if affected == 0 {
		return fmt.Errorf("%w: checkpoint %s", ErrNotFound, id)
	}

	return nil
}
