package checkpoint

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/challenge"
	"github.com/crunchkit/coordinator/internal/emission"
	"github.com/crunchkit/coordinator/internal/ensemble"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/store"
)

type fakeSnapshots struct {
	items []entity.Snapshot
}

func (f *fakeSnapshots) Find(_ context.Context, query store.SnapshotQuery) ([]entity.Snapshot, error) {
	var out []entity.Snapshot

	for _, snapshot := range f.items {
		if query.Since != nil && snapshot.PeriodEnd.Before(*query.Since) {
			continue
		}

		if query.Until != nil && snapshot.PeriodStart.After(*query.Until) {
			continue
		}

		out = append(out, snapshot)
	}

	return out, nil
}

type fakeCheckpoints struct {
	items map[string]*entity.Checkpoint
	order []string
	roots map[string]string
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{
		items: map[string]*entity.Checkpoint{},
		roots: map[string]string{},
	}
}

func (f *fakeCheckpoints) Save(_ context.Context, checkpoint *entity.Checkpoint) error {
	if _, seen := f.items[checkpoint.ID]; !seen {
		f.order = append(f.order, checkpoint.ID)
	}

	clone := *checkpoint
	f.items[checkpoint.ID] = &clone

	return nil
}

func (f *fakeCheckpoints) Get(_ context.Context, id string) (*entity.Checkpoint, error) {
	checkpoint, ok := f.items[id]
	if !ok {
		return nil, nil
	}

	clone := *checkpoint

	return &clone, nil
}

func (f *fakeCheckpoints) Latest(_ context.Context) (*entity.Checkpoint, error) {
	if len(f.order) == 0 {
		return nil, nil
	}

	clone := *f.items[f.order[len(f.order)-1]]

	return &clone, nil
}

func (f *fakeCheckpoints) SetMerkleRoot(_ context.Context, id, merkleRoot string) error {
	f.roots[id] = merkleRoot

	return nil
}

type fakeMerkle struct {
	root    string
	commits int
}

func (f *fakeMerkle) CommitCheckpoint(
	_ context.Context, _ string, _, _, _ time.Time,
) (string, error) {
	f.commits++

	return f.root, nil
}

func testContract() *challenge.Contract {
	contract := challenge.Default()
	contract.CrunchPubkey = "crunch-pk"
	contract.ComputeProvider = "compute-pk"
	contract.DataProvider = "data-pk"

	return contract
}

func newService(
	snapshots *fakeSnapshots, checkpoints *fakeCheckpoints, mk *fakeMerkle,
) *Service {
	return New(Options{
		Snapshots:   snapshots,
		Checkpoints: checkpoints,
		Merkle:      mk,
		Contract:    testContract(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Interval:    7 * 24 * time.Hour,
	})
}

func periodSnapshot(modelID string, end time.Time, recent float64, count int) entity.Snapshot {
	return entity.Snapshot{
		ID:              "SNAP_" + modelID + "_" + end.Format("150405"),
		ModelID:         modelID,
		PeriodStart:     end.Add(-time.Minute),
		PeriodEnd:       end,
		PredictionCount: count,
		ResultSummary:   map[string]any{"score_recent": recent, "value": recent},
	}
}

func TestRunOnceRollsTieredCheckpoint(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	snapshots := &fakeSnapshots{items: []entity.Snapshot{
		periodSnapshot("model-a", now.Add(-time.Hour), 0.9, 4),
		periodSnapshot("model-b", now.Add(-time.Hour), 0.5, 4),
		periodSnapshot("model-c", now.Add(-time.Hour), 0.1, 4),
	}}

	checkpoints := newFakeCheckpoints()
	mk := &fakeMerkle{root: "deadbeef"}
	service := newService(snapshots, checkpoints, mk)

	checkpoint, err := service.RunOnce(context.Background(), now)
	require.NoError(t, err)
	require.NotNil(t, checkpoint)

	assert.Contains(t, checkpoint.ID, "CKP_")
	assert.Equal(t, entity.CheckpointPending, checkpoint.Status)
	assert.Equal(t, now.Add(-7*24*time.Hour), checkpoint.PeriodStart)
	assert.Equal(t, now, checkpoint.PeriodEnd)

	// Tier 35/10/10 leaves 55%; the 45% remainder splits equally, so the
	// final shares are 50/25/25 in frac64.
	require.Len(t, checkpoint.Entries, 1)

	payload := checkpoint.Entries[0]
	assert.Equal(t, "crunch-pk", payload["crunch"])

	rewards, ok := payload["cruncher_rewards"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, rewards, 3)
	assert.Equal(t, int64(500_000_000), rewards[0]["reward_pct"])
	assert.Equal(t, int64(250_000_000), rewards[1]["reward_pct"])
	assert.Equal(t, int64(250_000_000), rewards[2]["reward_pct"])

	var total int64
	for _, reward := range rewards {
		total += reward["reward_pct"].(int64)
	}

	assert.Equal(t, emission.Multiplier, total)

	providers, ok := payload["compute_provider_rewards"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, providers, 1)
	assert.Equal(t, "compute-pk", providers[0]["provider"])
	assert.Equal(t, emission.Multiplier, providers[0]["reward_pct"])

	// Ranking meta maps emission indices back to models.
	ranking, ok := checkpoint.Meta["ranking"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, ranking, 3)
	assert.Equal(t, "model-a", ranking[0]["model_id"])
	assert.Equal(t, 1, ranking[0]["rank"])
	assert.Equal(t, "model-c", ranking[2]["model_id"])

	// The period tree root lands on the record.
	assert.Equal(t, 1, mk.commits)
	assert.Equal(t, "deadbeef", checkpoint.MerkleRoot)
	assert.Equal(t, "deadbeef", checkpoints.roots[checkpoint.ID])
}

func TestRunOnceSkipsEmptyPeriod(t *testing.T) {
	t.Parallel()

	checkpoints := newFakeCheckpoints()
	service := newService(&fakeSnapshots{}, checkpoints, &fakeMerkle{})

	checkpoint, err := service.RunOnce(context.Background(), time.Now().UTC())
	require.NoError(t, err)

	assert.Nil(t, checkpoint)
	assert.Empty(t, checkpoints.order)
}

func TestRunOnceCarriesPeriodForward(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	previousEnd := now.Add(-3 * 24 * time.Hour)

	checkpoints := newFakeCheckpoints()
	require.NoError(t, checkpoints.Save(context.Background(), &entity.Checkpoint{
		ID:        "CKP_prev",
		PeriodEnd: previousEnd,
		Status:    entity.CheckpointPaid,
		CreatedAt: previousEnd,
	}))

	snapshots := &fakeSnapshots{items: []entity.Snapshot{
		periodSnapshot("model-a", now.Add(-time.Hour), 0.4, 2),
	}}

	service := newService(snapshots, checkpoints, &fakeMerkle{})

	checkpoint, err := service.RunOnce(context.Background(), now)
	require.NoError(t, err)
	require.NotNil(t, checkpoint)

	assert.Equal(t, previousEnd, checkpoint.PeriodStart)
}

func TestAggregateWeightsByPredictionCount(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	summaries := aggregateSnapshots([]entity.Snapshot{
		periodSnapshot("model-a", now.Add(-2*time.Hour), 0.2, 3),
		periodSnapshot("model-a", now.Add(-time.Hour), 0.6, 1),
		periodSnapshot(ensemble.ModelID("all"), now.Add(-time.Hour), 0.9, 1),
	})

	require.Len(t, summaries, 1)

	modelA := summaries[0]
	assert.Equal(t, "model-a", modelA.ModelID)
	assert.Equal(t, 4, modelA.PredictionCount)
	assert.Equal(t, 2, modelA.SnapshotCount)

	recent, ok := entity.NumericValue(modelA.Summary, "score_recent")
	require.True(t, ok)
	assert.InDelta(t, 0.3, recent, 1e-9)
}

func TestConfirmTransitions(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	checkpoints := newFakeCheckpoints()
	require.NoError(t, checkpoints.Save(context.Background(), &entity.Checkpoint{
		ID:     "CKP_1",
		Status: entity.CheckpointPending,
	}))

	service := newService(&fakeSnapshots{}, checkpoints, &fakeMerkle{})

	_, err := service.Confirm(context.Background(), "CKP_1", "", now)
	require.ErrorIs(t, err, ErrTxHashRequired)

	confirmed, err := service.Confirm(context.Background(), "CKP_1", "0xabc", now)
	require.NoError(t, err)

	assert.Equal(t, entity.CheckpointSubmitted, confirmed.Status)
	assert.Equal(t, "0xabc", confirmed.TxHash)
	require.NotNil(t, confirmed.SubmittedAt)
	assert.Equal(t, now, *confirmed.SubmittedAt)

	// Confirming twice violates the one-way machine.
	_, err = service.Confirm(context.Background(), "CKP_1", "0xdef", now)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateStatusWalksTheLattice(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	checkpoints := newFakeCheckpoints()
	require.NoError(t, checkpoints.Save(ctx, &entity.Checkpoint{
		ID:     "CKP_1",
		Status: entity.CheckpointPending,
	}))

	service := newService(&fakeSnapshots{}, checkpoints, &fakeMerkle{})

	// Skipping a step conflicts.
	_, err := service.UpdateStatus(ctx, "CKP_1", entity.CheckpointClaimable, now)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Submission through the generic patch still needs the hash.
	_, err = service.UpdateStatus(ctx, "CKP_1", entity.CheckpointSubmitted, now)
	require.ErrorIs(t, err, ErrTxHashRequired)

	_, err = service.Confirm(ctx, "CKP_1", "0xabc", now)
	require.NoError(t, err)

	claimable, err := service.UpdateStatus(ctx, "CKP_1", entity.CheckpointClaimable, now)
	require.NoError(t, err)
	assert.Equal(t, entity.CheckpointClaimable, claimable.Status)

	paid, err := service.UpdateStatus(ctx, "CKP_1", entity.CheckpointPaid, now)
	require.NoError(t, err)
	assert.Equal(t, entity.CheckpointPaid, paid.Status)

	// Terminal state: nothing moves.
	_, err = service.UpdateStatus(ctx, "CKP_1", entity.CheckpointPending, now)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = service.UpdateStatus(ctx, "CKP_missing", entity.CheckpointSubmitted, now)
	require.ErrorIs(t, err, store.ErrNotFound)
}
