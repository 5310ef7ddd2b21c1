package entity

import "time"

// MerkleCycle records the root hashes of one score cycle and chains
// it to the previous cycle.
type MerkleCycle struct {
	ID                string    `json:"id"`
	PreviousCycleID   string    `json:"previous_cycle_id,omitempty"`
	PreviousCycleRoot string    `json:"previous_cycle_root,omitempty"`
	SnapshotsRoot     string    `json:"snapshots_root"`
	ChainedRoot       string    `json:"chained_root"`
	SnapshotCount     int       `json:"snapshot_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// MerkleNode is one persisted node of a snapshot or checkpoint tree.
// Exactly one of CheckpointID and CycleID is set.
type MerkleNode struct {
	ID                  string    `json:"id"`
	CheckpointID        string    `json:"checkpoint_id,omitempty"`
	CycleID             string    `json:"cycle_id,omitempty"`
	Level               int       `json:"level"`
	Position            int       `json:"position"`
	Hash                string    `json:"hash"`
	LeftChildID         string    `json:"left_child_id,omitempty"`
	RightChildID        string    `json:"right_child_id,omitempty"`
	SnapshotID          string    `json:"snapshot_id,omitempty"`
	SnapshotContentHash string    `json:"snapshot_content_hash,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}
