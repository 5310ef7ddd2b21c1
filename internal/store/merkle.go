package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchkit/coordinator/internal/entity"
)

// CycleRepo persists merkle cycle rows.
type CycleRepo struct {
	q querier
}

type merkleCycleRow struct {
	ID                string    `db:"id"`
	PreviousCycleID   string    `db:"previous_cycle_id"`
	PreviousCycleRoot string    `db:"previous_cycle_root"`
	SnapshotsRoot     string    `db:"snapshots_root"`
	ChainedRoot       string    `db:"chained_root"`
	SnapshotCount     int       `db:"snapshot_count"`
	CreatedAt         time.Time `db:"created_at"`
}

func (r merkleCycleRow) toDomain() *entity.MerkleCycle {
	return &entity.MerkleCycle{
		ID:                r.ID,
		PreviousCycleID:   r.PreviousCycleID,
		PreviousCycleRoot: r.PreviousCycleRoot,
		SnapshotsRoot:     r.SnapshotsRoot,
		ChainedRoot:       r.ChainedRoot,
		SnapshotCount:     r.SnapshotCount,
		CreatedAt:         r.CreatedAt,
	}
}

const cycleColumns = "id, previous_cycle_id, previous_cycle_root, snapshots_root," +
	" chained_root, snapshot_count, created_at"

const upsertCycleSQL = `
INSERT INTO merkle_cycles (` + cycleColumns + `)
VALUES (:id, :previous_cycle_id, :previous_cycle_root, :snapshots_root,
        :chained_root, :snapshot_count, :created_at)
ON CONFLICT (id) DO UPDATE SET
    previous_cycle_id = EXCLUDED.previous_cycle_id,
    previous_cycle_root = EXCLUDED.previous_cycle_root,
    snapshots_root = EXCLUDED.snapshots_root,
    chained_root = EXCLUDED.chained_root,
    snapshot_count = EXCLUDED.snapshot_count`

// SaveCycle upserts one cycle row.
func (c *CycleRepo) SaveCycle(ctx context.Context, cycle *entity.MerkleCycle) error {
	row := merkleCycleRow{
		ID:                cycle.ID,
		PreviousCycleID:   cycle.PreviousCycleID,
		PreviousCycleRoot: cycle.PreviousCycleRoot,
		SnapshotsRoot:     cycle.SnapshotsRoot,
		ChainedRoot:       cycle.ChainedRoot,
		SnapshotCount:     cycle.SnapshotCount,
		CreatedAt:         cycle.CreatedAt.UTC(),
	}

	_, err := sqlx.NamedExecContext(ctx, c.q, upsertCycleSQL, row)
	if err != nil {
		return fmt.Errorf("save merkle cycle %s: %w", cycle.ID, err)
	}

	return nil
}

// LatestCycle returns the newest cycle, or (nil, nil).
func (c *CycleRepo) LatestCycle(ctx context.Context) (*entity.MerkleCycle, error) {
	sql := "SELECT " + cycleColumns + " FROM merkle_cycles ORDER BY created_at DESC LIMIT 1"

	row, err := selectOne[merkleCycleRow](ctx, c.q, sql, nil)
	if err != nil || row == nil {
		return nil, err
	}

	return row.toDomain(), nil
}

// CycleByID returns one cycle, or (nil, nil).
func (c *CycleRepo) CycleByID(ctx context.Context, id string) (*entity.MerkleCycle, error) {
	sql := "SELECT " + cycleColumns + " FROM merkle_cycles WHERE id = ?"

	row, err := selectOne[merkleCycleRow](ctx, c.q, sql, []any{id})
	if err != nil || row == nil {
		return nil, err
	}

	return row.toDomain(), nil
}

// CyclesBetween returns cycles created within [since, until], oldest first.
func (c *CycleRepo) CyclesBetween(ctx context.Context, since, until time.Time) ([]*entity.MerkleCycle, error) {
	sql := "SELECT " + cycleColumns + " FROM merkle_cycles" +
		" WHERE created_at >= ? AND created_at <= ? ORDER BY created_at ASC"

	rows, err := selectAll[merkleCycleRow](ctx, c.q, sql, []any{since.UTC(), until.UTC()})
	if err != nil {
		return nil, err
	}

	cycles := make([]*entity.MerkleCycle, 0, len(rows))
	for _, row := range rows {
		cycles = append(cycles, row.toDomain())
	}

	return cycles, nil
}

// NodeRepo persists merkle tree nodes.
type NodeRepo struct {
	q querier
}

type merkleNodeRow struct {
	ID                  string    `db:"id"`
	CheckpointID        string    `db:"checkpoint_id"`
	CycleID             string    `db:"cycle_id"`
	Level               int       `db:"level"`
	Position            int       `db:"position"`
	Hash                string    `db:"hash"`
	LeftChildID         string    `db:"left_child_id"`
	RightChildID        string    `db:"right_child_id"`
	SnapshotID          string    `db:"snapshot_id"`
	SnapshotContentHash string    `db:"snapshot_content_hash"`
	CreatedAt           time.Time `db:"created_at"`
}

func (r merkleNodeRow) toDomain() *entity.MerkleNode {
	return &entity.MerkleNode{
		ID:                  r.ID,
		CheckpointID:        r.CheckpointID,
		CycleID:             r.CycleID,
		Level:               r.Level,
		Position:            r.Position,
		Hash:                r.Hash,
		LeftChildID:         r.LeftChildID,
		RightChildID:        r.RightChildID,
		SnapshotID:          r.SnapshotID,
		SnapshotContentHash: r.SnapshotContentHash,
		CreatedAt:           r.CreatedAt,
	}
}

const nodeColumns = "id, checkpoint_id, cycle_id, level, position, hash," +
	" left_child_id, right_child_id, snapshot_id, snapshot_content_hash, created_at"

const upsertNodeSQL = `
INSERT INTO merkle_nodes (` + nodeColumns + `)
VALUES (:id, :checkpoint_id, :cycle_id, :level, :position, :hash,
        :left_child_id, :right_child_id, :snapshot_id, :snapshot_content_hash, :created_at)
ON CONFLICT (id) DO UPDATE SET
    hash = EXCLUDED.hash,
    left_child_id = EXCLUDED.left_child_id,
    right_child_id = EXCLUDED.right_child_id,
    snapshot_id = EXCLUDED.snapshot_id,
    snapshot_content_hash = EXCLUDED.snapshot_content_hash`

// SaveNode upserts one tree node.
func (n *NodeRepo) SaveNode(ctx context.Context, node *entity.MerkleNode) error {
	row := merkleNodeRow{
		ID:                  node.ID,
		CheckpointID:        node.CheckpointID,
		CycleID:             node.CycleID,
		Level:               node.Level,
		Position:            node.Position,
		Hash:                node.Hash,
		LeftChildID:         node.LeftChildID,
		RightChildID:        node.RightChildID,
		SnapshotID:          node.SnapshotID,
		SnapshotContentHash: node.SnapshotContentHash,
		CreatedAt:           node.CreatedAt.UTC(),
	}

	_, err := sqlx.NamedExecContext(ctx, n.q, upsertNodeSQL, row)
	if err != nil {
		return fmt.Errorf("save merkle node %s: %w", node.ID, err)
	}

	return nil
}

// NodeBySnapshotID returns the leaf committed for a snapshot, or (nil, nil).
func (n *NodeRepo) NodeBySnapshotID(ctx context.Context, snapshotID string) (*entity.MerkleNode, error) {
	sql := "SELECT " + nodeColumns + " FROM merkle_nodes WHERE snapshot_id = ? LIMIT 1"

	row, err := selectOne[merkleNodeRow](ctx, n.q, sql, []any{snapshotID})
	if err != nil || row == nil {
		return nil, err
	}

	return row.toDomain(), nil
}

// NodesByCycleID returns a cycle's nodes ordered by level then position.
func (n *NodeRepo) NodesByCycleID(ctx context.Context, cycleID string) ([]*entity.MerkleNode, error) {
	sql := "SELECT " + nodeColumns + " FROM merkle_nodes WHERE cycle_id = ?" +
		" ORDER BY level ASC, position ASC"

	return n.list(ctx, sql, []any{cycleID})
}

// NodesByCheckpointID returns a checkpoint's nodes ordered by level then position.
func (n *NodeRepo) NodesByCheckpointID(ctx context.Context, checkpointID string) ([]*entity.MerkleNode, error) {
	sql := "SELECT " + nodeColumns + " FROM merkle_nodes WHERE checkpoint_id = ?" +
		" ORDER BY level ASC, position ASC"

	return n.list(ctx, sql, []any{checkpointID})
}

// CheckpointNodesByHash returns checkpoint-tree leaves carrying the hash.
// Proof generation uses it to link a cycle root into its checkpoint tree.
func (n *NodeRepo) CheckpointNodesByHash(ctx context.Context, hash string) ([]*entity.MerkleNode, error) {
	sql := "SELECT " + nodeColumns + " FROM merkle_nodes" +
		" WHERE checkpoint_id <> '' AND hash = ? AND level = 0"

	return n.list(ctx, sql, []any{hash})
}

func (n *NodeRepo) list(ctx context.Context, sql string, args []any) ([]*entity.MerkleNode, error) {
	rows, err := selectAll[merkleNodeRow](ctx, n.q, sql, args)
	if err != nil {
		return nil, err
	}

	nodes := make([]*entity.MerkleNode, 0, len(rows))
	for _, row := range rows {
		nodes = append(nodes, row.toDomain())
	}

	return nodes, nil
}
