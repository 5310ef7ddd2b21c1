// Package checkpoint rolls score snapshots into settlement periods:
// per-model summaries weighted by prediction volume, a ranked entry
// list, the emission payload for on-chain payout, and the merkle
// checkpoint root anchoring the period. Checkpoints walk a one-way
// status machine from PENDING to PAID.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/crunchkit/coordinator/internal/challenge"
	"github.com/crunchkit/coordinator/internal/emission"
	"github.com/crunchkit/coordinator/internal/ensemble"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/observability"
	"github.com/crunchkit/coordinator/internal/store"
)

// defaultInterval is the settlement period when none is configured.
const defaultInterval = 7 * 24 * time.Hour

var (
	// ErrInvalidTransition indicates a status change outside the
	// PENDING→SUBMITTED→CLAIMABLE→PAID lattice.
	ErrInvalidTransition = errors.New("checkpoint: invalid status transition")

	// ErrTxHashRequired indicates a submission without its transaction hash.
	ErrTxHashRequired = errors.New("checkpoint: tx hash required")
)

// SnapshotStore reads the period's snapshots. *store.SnapshotRepo
// satisfies it.
type SnapshotStore interface {
	Find(ctx context.Context, query store.SnapshotQuery) ([]entity.Snapshot, error)
}

// CheckpointStore persists checkpoint records. *store.CheckpointRepo
// satisfies it.
type CheckpointStore interface {
	Save(ctx context.Context, checkpoint *entity.Checkpoint) error
	Get(ctx context.Context, id string) (*entity.Checkpoint, error)
	Latest(ctx context.Context) (*entity.Checkpoint, error)
	SetMerkleRoot(ctx context.Context, id, merkleRoot string) error
}

// MerkleCommitter seals the period's cycle roots. *merkle.Service
// satisfies it.
type MerkleCommitter interface {
	CommitCheckpoint(
		ctx context.Context, checkpointID string, periodStart, periodEnd, now time.Time,
	) (string, error)
}

// Service rolls and settles checkpoints.
type Service struct {
	snapshots   SnapshotStore
	checkpoints CheckpointStore
	merkle      MerkleCommitter
	contract    *challenge.Contract
	worker      *observability.WorkerMetrics
	logger      *slog.Logger
	interval    time.Duration
}

// Options wires one checkpoint service. Merkle and metrics are optional.
type Options struct {
	Snapshots   SnapshotStore
	Checkpoints CheckpointStore
	Merkle      MerkleCommitter
	Contract    *challenge.Contract
	Metrics     *observability.WorkerMetrics
	Logger      *slog.Logger
	Interval    time.Duration
}

// New builds a checkpoint service.
func New(opts Options) *Service {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Service{
		snapshots:   opts.Snapshots,
		checkpoints: opts.Checkpoints,
		merkle:      opts.Merkle,
		contract:    opts.Contract,
		worker:      opts.Metrics,
		logger:      opts.Logger,
		interval:    interval,
	}
}

// Run rolls a checkpoint every interval until the context ends.
func (s *Service) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "checkpointer started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		_, err := s.RunOnce(ctx, time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.logger.ErrorContext(ctx, "checkpoint roll failed", "error", err)
		}
	}
}

// RunOnce rolls one checkpoint covering everything since the previous
// period end. Returns (nil, nil) when the period holds no snapshots.
func (s *Service) RunOnce(ctx context.Context, now time.Time) (*entity.Checkpoint, error) {
	periodStart, err := s.periodStart(ctx, now)
	if err != nil {
		return nil, err
	}

	snapshots, findErr := s.snapshots.Find(ctx, store.SnapshotQuery{
		Since: &periodStart,
		Until: &now,
	})
	if findErr != nil {
		return nil, findErr
	}

	ranking := rankSummaries(aggregateSnapshots(snapshots), s.contract.Aggregation)
	if len(ranking) == 0 {
		s.logger.InfoContext(ctx, "no snapshots in period, skipping checkpoint",
			"period_start", periodStart,
		)

		return nil, nil
	}

	ranked := make([]emission.Ranked, 0, len(ranking))
	for _, entry := range ranking {
		ranked = append(ranked, emission.Ranked{Rank: entry.Rank, Summary: entry.Summary})
	}

	payload := s.contract.BuildEmission(
		ranked, s.contract.CrunchPubkey, s.contract.ComputeProvider, s.contract.DataProvider,
	)

	checkpoint := &entity.Checkpoint{
		ID:          entity.NewCheckpointID(now),
		PeriodStart: periodStart,
		PeriodEnd:   now,
		Status:      entity.CheckpointPending,
		Entries:     []map[string]any{emissionDoc(payload)},
		Meta:        map[string]any{"ranking": rankingDocs(ranking)},
		CreatedAt:   now,
	}

	saveErr := s.checkpoints.Save(ctx, checkpoint)
	if saveErr != nil {
		return nil, saveErr
	}

	s.commitMerkle(ctx, checkpoint, now)

	if s.worker != nil {
		s.worker.RecordCheckpoint(ctx)
	}

	s.logger.InfoContext(ctx, "checkpoint rolled",
		"checkpoint_id", checkpoint.ID,
		"models", len(ranking),
		"period_start", periodStart,
		"period_end", now,
	)

	return checkpoint, nil
}

// Confirm records the settlement transaction and moves the checkpoint
// to SUBMITTED.
func (s *Service) Confirm(
	ctx context.Context, id, txHash string, now time.Time,
) (*entity.Checkpoint, error) {
	if txHash == "" {
		return nil, ErrTxHashRequired
	}

	checkpoint, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if !checkpoint.CanTransitionTo(entity.CheckpointSubmitted) {
		return nil, fmt.Errorf("%w: %s cannot submit from %s",
			ErrInvalidTransition, id, checkpoint.Status)
	}

	checkpoint.Status = entity.CheckpointSubmitted
	checkpoint.TxHash = txHash
	checkpoint.SubmittedAt = &now

	saveErr := s.checkpoints.Save(ctx, checkpoint)
	if saveErr != nil {
		return nil, saveErr
	}

	return checkpoint, nil
}

// UpdateStatus advances the checkpoint one step along the status
// machine. Entering SUBMITTED requires the transaction hash already
// recorded or passed via Confirm.
func (s *Service) UpdateStatus(
	ctx context.Context, id string, next entity.CheckpointStatus, now time.Time,
) (*entity.Checkpoint, error) {
	checkpoint, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if !checkpoint.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s cannot move %s -> %s",
			ErrInvalidTransition, id, checkpoint.Status, next)
	}

	if next == entity.CheckpointSubmitted {
		if checkpoint.TxHash == "" {
			return nil, ErrTxHashRequired
		}

		checkpoint.SubmittedAt = &now
	}

	checkpoint.Status = next

	saveErr := s.checkpoints.Save(ctx, checkpoint)
	if saveErr != nil {
		return nil, saveErr
	}

	return checkpoint, nil
}

func (s *Service) load(ctx context.Context, id string) (*entity.Checkpoint, error) {
	checkpoint, err := s.checkpoints.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if checkpoint == nil {
		return nil, fmt.Errorf("%w: checkpoint %s", store.ErrNotFound, id)
	}

	return checkpoint, nil
}

func (s *Service) periodStart(ctx context.Context, now time.Time) (time.Time, error) {
	latest, err := s.checkpoints.Latest(ctx)
	if err != nil {
		return time.Time{}, err
	}

	if latest != nil {
		return latest.PeriodEnd, nil
	}

	return now.Add(-s.interval), nil
}

// commitMerkle anchors the period's cycle roots. A commit failure
// leaves the checkpoint without a root; the next audit pass can re-seal.
func (s *Service) commitMerkle(ctx context.Context, checkpoint *entity.Checkpoint, now time.Time) {
	if s.merkle == nil {
		return
	}

	root, err := s.merkle.CommitCheckpoint(
		ctx, checkpoint.ID, checkpoint.PeriodStart, checkpoint.PeriodEnd, now,
	)
	if err != nil {
		s.logger.WarnContext(ctx, "merkle checkpoint commit failed",
			"checkpoint_id", checkpoint.ID,
			"error", err,
		)

		return
	}

	if root == "" {
		return
	}

	setErr := s.checkpoints.SetMerkleRoot(ctx, checkpoint.ID, root)
	if setErr != nil {
		s.logger.WarnContext(ctx, "merkle root record failed",
			"checkpoint_id", checkpoint.ID,
			"error", setErr,
		)

		return
	}

	checkpoint.MerkleRoot = root
}

// RankedSummary is one model's aggregated standing within a period.
type RankedSummary struct {
	Rank            int
	ModelID         string
	Summary         map[string]any
	PredictionCount int
	SnapshotCount   int
}

// aggregateSnapshots folds a period's snapshots into one summary per
// model, each numeric key weighted by the snapshot's prediction count.
// Ensemble virtual models never settle.
func aggregateSnapshots(snapshots []entity.Snapshot) []RankedSummary {
	type accumulator struct {
		totals      map[string]float64
		weights     map[string]float64
		predictions int
		count       int
	}

	byModel := make(map[string]*accumulator)
	order := make([]string, 0)

	for i := range snapshots {
		snapshot := &snapshots[i]

		if ensemble.IsEnsembleModel(snapshot.ModelID) {
			continue
		}

		acc, ok := byModel[snapshot.ModelID]
		if !ok {
			acc = &accumulator{
				totals:  make(map[string]float64),
				weights: make(map[string]float64),
			}
			byModel[snapshot.ModelID] = acc

			order = append(order, snapshot.ModelID)
		}

		weight := float64(snapshot.PredictionCount)
		if weight <= 0 {
			weight = 1
		}

		for key, raw := range snapshot.ResultSummary {
			value, numeric := entity.AsNumber(raw)
			if !numeric {
				continue
			}

			acc.totals[key] += value * weight
			acc.weights[key] += weight
		}

		acc.predictions += snapshot.PredictionCount
		acc.count++
	}

	summaries := make([]RankedSummary, 0, len(byModel))

	for _, modelID := range order {
		acc := byModel[modelID]

		summary := make(map[string]any, len(acc.totals))
		for key, total := range acc.totals {
			summary[key] = total / acc.weights[key]
		}

		summaries = append(summaries, RankedSummary{
			ModelID:         modelID,
			Summary:         summary,
			PredictionCount: acc.predictions,
			SnapshotCount:   acc.count,
		})
	}

	return summaries
}

// rankSummaries orders summaries by the contract ranking key and
// assigns 1-based ranks. Ties break by model id.
func rankSummaries(summaries []RankedSummary, aggregation challenge.Aggregation) []RankedSummary {
	desc := aggregation.RankingDirection == "desc"

	sort.Slice(summaries, func(i, j int) bool {
		left, _ := entity.NumericValue(summaries[i].Summary, aggregation.RankingKey)
		right, _ := entity.NumericValue(summaries[j].Summary, aggregation.RankingKey)

		if left == right {
			return summaries[i].ModelID < summaries[j].ModelID
		}

		if desc {
			return left > right
		}

		return left < right
	})

	for i := range summaries {
		summaries[i].Rank = i + 1
	}

	return summaries
}

// rankingDocs renders the ranking for the checkpoint meta so readers
// can map emission indices back to models.
func rankingDocs(ranking []RankedSummary) []map[string]any {
	docs := make([]map[string]any, 0, len(ranking))

	for _, entry := range ranking {
		docs = append(docs, map[string]any{
			"rank":             entry.Rank,
			"model_id":         entry.ModelID,
			"result_summary":   entry.Summary,
			"prediction_count": entry.PredictionCount,
			"snapshot_count":   entry.SnapshotCount,
		})
	}

	return docs
}

func emissionDoc(payload emission.Checkpoint) map[string]any {
	crunchers := make([]map[string]any, 0, len(payload.CruncherRewards))
	for _, reward := range payload.CruncherRewards {
		crunchers = append(crunchers, map[string]any{
			"cruncher_index": reward.CruncherIndex,
			"reward_pct":     reward.RewardPct,
		})
	}

	return map[string]any{
		"crunch":                   payload.Crunch,
		"cruncher_rewards":         crunchers,
		"compute_provider_rewards": providerDocs(payload.ComputeProviderRewards),
		"data_provider_rewards":    providerDocs(payload.DataProviderRewards),
	}
}

func providerDocs(rewards []emission.ProviderReward) []map[string]any {
	docs := make([]map[string]any, 0, len(rewards))

	for _, reward := range rewards {
		docs = append(docs, map[string]any{
			"provider":   reward.Provider,
			"reward_pct": reward.RewardPct,
		})
	}

	return docs
}
