package merkle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/crunchkit/coordinator/internal/entity"
)

// CycleStore persists merkle cycle rows. Getters return (nil, nil) when
// no row matches.
type CycleStore interface {
	SaveCycle(ctx context.Context, cycle *entity.MerkleCycle) error
	LatestCycle(ctx context.Context) (*entity.MerkleCycle, error)
	CycleByID(ctx context.Context, id string) (*entity.MerkleCycle, error)
	CyclesBetween(ctx context.Context, since, until time.Time) ([]*entity.MerkleCycle, error)
}

// NodeStore persists merkle tree node rows. Getters return (nil, nil)
// when no row matches.
type NodeStore interface {
	SaveNode(ctx context.Context, node *entity.MerkleNode) error
	NodeBySnapshotID(ctx context.Context, snapshotID string) (*entity.MerkleNode, error)
	NodesByCycleID(ctx context.Context, cycleID string) ([]*entity.MerkleNode, error)
	NodesByCheckpointID(ctx context.Context, checkpointID string) ([]*entity.MerkleNode, error)
	CheckpointNodesByHash(ctx context.Context, hash string) ([]*entity.MerkleNode, error)
}

// InclusionProof is the externally served proof document for one snapshot:
// the leaf content hash, its cycle linkage, the covering checkpoint when
// one exists, and the sibling path to the cycle root.
type InclusionProof struct {
	SnapshotID          string      `json:"snapshot_id"`
	SnapshotContentHash string      `json:"snapshot_content_hash"`
	CycleID             string      `json:"cycle_id,omitempty"`
	CycleRoot           string      `json:"cycle_root,omitempty"`
	CheckpointID        string      `json:"checkpoint_id,omitempty"`
	MerkleRoot          string      `json:"merkle_root,omitempty"`
	Path                []ProofStep `json:"path"`
}

// Service commits score cycles and checkpoints to the merkle store and
// serves inclusion proofs over the persisted trees.
type Service struct {
	cycles CycleStore
	nodes  NodeStore
	logger *slog.Logger
}

// NewService builds a merkle service over the given stores.
func NewService(cycles CycleStore, nodes NodeStore, logger *slog.Logger) *Service {
	return &Service{cycles: cycles, nodes: nodes, logger: logger}
}

// CommitCycle hashes this cycle's snapshots, builds their tree, chains the
// root to the previous cycle, and persists the cycle plus all tree nodes.
// Returns nil without error when there are no snapshots.
func (s *Service) CommitCycle(
	ctx context.Context, snapshots []*entity.Snapshot, now time.Time,
) (*entity.MerkleCycle, error) {
	if len(snapshots) == 0 {
		return nil, nil
	}

	cycleID := entity.NewCycleID(now)

	sorted := make([]*entity.Snapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ModelID < sorted[j].ModelID })

	leaves := make([]*Node, 0, len(sorted))

	for i, snap := range sorted {
		contentHash, hashErr := SnapshotContentHash(
			snap.ModelID, snap.PeriodStart, snap.PeriodEnd,
			snap.PredictionCount, snap.ResultSummary,
		)
		if hashErr != nil {
			return nil, hashErr
		}

		leaves = append(leaves, &Node{
			Hash:                contentHash,
			Level:               0,
			Position:            i,
			SnapshotID:          snap.ID,
			SnapshotContentHash: contentHash,
		})
	}

	all := Build(leaves)

	snapshotsRoot := leaves[0].Hash
	if root := Root(all); root != nil {
		snapshotsRoot = root.Hash
	}

	previous, err := s.cycles.LatestCycle(ctx)
	if err != nil {
		return nil, fmt.Errorf("load previous cycle: %w", err)
	}

	cycle := &entity.MerkleCycle{
		ID:            cycleID,
		SnapshotsRoot: snapshotsRoot,
		ChainedRoot:   snapshotsRoot,
		SnapshotCount: len(sorted),
		CreatedAt:     now,
	}

	if previous != nil {
		cycle.PreviousCycleID = previous.ID
		cycle.PreviousCycleRoot = previous.ChainedRoot
		cycle.ChainedRoot = HashPair(previous.ChainedRoot, snapshotsRoot)
	}

	saveErr := s.cycles.SaveCycle(ctx, cycle)
	if saveErr != nil {
		return nil, fmt.Errorf("save merkle cycle: %w", saveErr)
	}

	persistErr := s.persistNodes(ctx, all, cycleID, "", now)
	if persistErr != nil {
		return nil, persistErr
	}

	s.logger.InfoContext(ctx, "merkle cycle committed",
		"cycle_id", cycleID,
		"snapshots", len(sorted),
		"snapshots_root", shortHash(snapshotsRoot),
		"chained_root", shortHash(cycle.ChainedRoot),
	)

	return cycle, nil
}

// CommitCheckpoint builds a tree over the chained roots of all cycles in
// [periodStart, periodEnd], ordered by creation time, persists the nodes
// under the checkpoint, and returns the tree root. Returns "" without
// error when the window holds no cycles.
func (s *Service) CommitCheckpoint(
	ctx context.Context,
	checkpointID string,
	periodStart, periodEnd time.Time,
	now time.Time,
) (string, error) {
	cycles, err := s.cycles.CyclesBetween(ctx, periodStart, periodEnd)
	if err != nil {
		return "", fmt.Errorf("load cycles for checkpoint: %w", err)
	}

	if len(cycles) == 0 {
		s.logger.InfoContext(ctx, "no merkle cycles for checkpoint", "checkpoint_id", checkpointID)

		return "", nil
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i].CreatedAt.Before(cycles[j].CreatedAt) })

	leaves := make([]*Node, 0, len(cycles))
	for i, cycle := range cycles {
		leaves = append(leaves, &Node{Hash: cycle.ChainedRoot, Level: 0, Position: i})
	}

	all := Build(leaves)

	merkleRoot := leaves[0].Hash
	if root := Root(all); root != nil {
		merkleRoot = root.Hash
	}

	persistErr := s.persistNodes(ctx, all, "", checkpointID, now)
	if persistErr != nil {
		return "", persistErr
	}

	s.logger.InfoContext(ctx, "merkle checkpoint committed",
		"checkpoint_id", checkpointID,
		"cycles", len(cycles),
		"root", shortHash(merkleRoot),
	)

	return merkleRoot, nil
}

// GetProof generates the inclusion proof for a snapshot: leaf → cycle
// tree siblings → cycle root, plus the covering checkpoint tree root when
// the cycle has been checkpointed. Returns (nil, nil) when the snapshot
// has not been committed.
func (s *Service) GetProof(ctx context.Context, snapshotID string) (*InclusionProof, error) {
	leaf, err := s.nodes.NodeBySnapshotID(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("find snapshot leaf: %w", err)
	}

	if leaf == nil || leaf.CycleID == "" {
		return nil, nil
	}

	rows, err := s.nodes.NodesByCycleID(ctx, leaf.CycleID)
	if err != nil {
		return nil, fmt.Errorf("load cycle nodes: %w", err)
	}

	all := rebuildTree(rows)
	path := Proof(all, leaf.Hash)

	proof := &InclusionProof{
		SnapshotID:          snapshotID,
		SnapshotContentHash: leaf.SnapshotContentHash,
		CycleID:             leaf.CycleID,
		Path:                path,
	}

	if proof.SnapshotContentHash == "" {
		proof.SnapshotContentHash = leaf.Hash
	}

	cycle, err := s.cycles.CycleByID(ctx, leaf.CycleID)
	if err != nil {
		return nil, fmt.Errorf("load cycle: %w", err)
	}

	chainedRoot := leaf.Hash
	if cycle != nil {
		chainedRoot = cycle.ChainedRoot
		proof.CycleRoot = cycle.ChainedRoot
	}

	checkpointNodes, err := s.nodes.CheckpointNodesByHash(ctx, chainedRoot)
	if err != nil {
		return nil, fmt.Errorf("find covering checkpoint: %w", err)
	}

	if len(checkpointNodes) > 0 {
		proof.CheckpointID = checkpointNodes[0].CheckpointID

		rootErr := s.attachCheckpointRoot(ctx, proof)
		if rootErr != nil {
			return nil, rootErr
		}
	}

	return proof, nil
}

func (s *Service) attachCheckpointRoot(ctx context.Context, proof *InclusionProof) error {
	rows, err := s.nodes.NodesByCheckpointID(ctx, proof.CheckpointID)
	if err != nil {
		return fmt.Errorf("load checkpoint nodes: %w", err)
	}

	maxLevel := -1

	for _, row := range rows {
		if row.Level > maxLevel {
			maxLevel = row.Level
			proof.MerkleRoot = row.Hash
		}
	}

	return nil
}

func (s *Service) persistNodes(
	ctx context.Context, nodes []*Node, cycleID, checkpointID string, now time.Time,
) error {
	ownerID := cycleID
	if ownerID == "" {
		ownerID = checkpointID
	}

	for _, node := range nodes {
		row := &entity.MerkleNode{
			ID:                  entity.NewMerkleNodeID(ownerID, node.Level, node.Position),
			CycleID:             cycleID,
			CheckpointID:        checkpointID,
			Level:               node.Level,
			Position:            node.Position,
			Hash:                node.Hash,
			SnapshotID:          node.SnapshotID,
			SnapshotContentHash: node.SnapshotContentHash,
			CreatedAt:           now,
		}

		if node.Left != nil {
			row.LeftChildID = entity.NewMerkleNodeID(ownerID, node.Left.Level, node.Left.Position)
		}

		if node.Right != nil {
			row.RightChildID = entity.NewMerkleNodeID(ownerID, node.Right.Level, node.Right.Position)
		}

		saveErr := s.nodes.SaveNode(ctx, row)
		if saveErr != nil {
			return fmt.Errorf("save merkle node %s: %w", row.ID, saveErr)
		}
	}

	return nil
}

// rebuildTree reconstructs the in-memory tree from persisted rows,
// relinking children by id so proof generation can walk parents.
func rebuildTree(rows []*entity.MerkleNode) []*Node {
	byID := make(map[string]*Node, len(rows))

	for _, row := range rows {
		byID[row.ID] = &Node{
			Hash:                row.Hash,
			Level:               row.Level,
			Position:            row.Position,
			SnapshotID:          row.SnapshotID,
			SnapshotContentHash: row.SnapshotContentHash,
		}
	}

	for _, row := range rows {
		node := byID[row.ID]

		if row.LeftChildID != "" {
			node.Left = byID[row.LeftChildID]
		}

		if row.RightChildID != "" {
			node.Right = byID[row.RightChildID]
		}
	}

	all := make([]*Node, 0, len(byID))
	for _, node := range byID {
		all = append(all, node)
	}

	return all
}

const shortHashLen = 16

func shortHash(hash string) string {
	if len(hash) <= shortHashLen {
		return hash
	}

	return hash[:shortHashLen]
}
