// Package scoring turns resolved ground truth into scores, snapshots,
// ensembles and standings. One cycle resolves due inputs, scores every
// pending prediction whose input has actuals, folds the results into
// per-model snapshots enriched with registry metrics, rebuilds the
// ensemble virtual models, and refreshes the leaderboard. All writes of
// a cycle share one transaction; the merkle commit rides behind it.
package scoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/crunchkit/coordinator/internal/bus"
	"github.com/crunchkit/coordinator/internal/challenge"
	"github.com/crunchkit/coordinator/internal/config"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/metrics"
	"github.com/crunchkit/coordinator/internal/observability"
	"github.com/crunchkit/coordinator/internal/store"
)

// maxCycleInterval caps the derived cadence so scoring never lags a
// long checkpoint period.
const maxCycleInterval = time.Minute

// WindowFetcher reads feed records for a resolution window.
// *assemble.Reader satisfies it.
type WindowFetcher interface {
	FetchWindow(ctx context.Context, start, end time.Time) ([]entity.FeedRecord, error)
}

// MerkleCommitter seals a cycle's snapshots. *merkle.Service satisfies it.
type MerkleCommitter interface {
	CommitCycle(ctx context.Context, snapshots []*entity.Snapshot, now time.Time) (*entity.MerkleCycle, error)
}

// InputStore is the input repo surface of one cycle.
type InputStore interface {
	Find(ctx context.Context, query store.InputQuery) ([]entity.Input, error)
	Get(ctx context.Context, id string) (*entity.Input, error)
	Save(ctx context.Context, input *entity.Input) error
}

// PredictionStore is the prediction repo surface of one cycle.
type PredictionStore interface {
	Find(ctx context.Context, query store.PredictionQuery) ([]entity.Prediction, error)
	Save(ctx context.Context, prediction *entity.Prediction) error
}

// ScoreStore persists score records.
type ScoreStore interface {
	Save(ctx context.Context, score *entity.Score) error
}

// SnapshotStore persists and lists per-model snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot *entity.Snapshot) error
	Find(ctx context.Context, query store.SnapshotQuery) ([]entity.Snapshot, error)
}

// ModelStore reads the registered model set.
type ModelStore interface {
	All(ctx context.Context) (map[string]entity.Model, error)
}

// LeaderboardStore persists rebuilt standings.
type LeaderboardStore interface {
	Save(ctx context.Context, entries []map[string]any, meta map[string]any, now time.Time) error
}

// Stores bundles the repositories one score cycle writes through.
type Stores struct {
	Inputs       InputStore
	Predictions  PredictionStore
	Scores       ScoreStore
	Snapshots    SnapshotStore
	Models       ModelStore
	Leaderboards LeaderboardStore
}

// TxRunner runs fn atomically: any error rolls every write of the
// cycle back and the cycle is skipped.
type TxRunner func(ctx context.Context, fn func(Stores) error) error

// NewStoreTx binds a TxRunner to the production store.
func NewStoreTx(st *store.Store) TxRunner {
	return func(ctx context.Context, fn func(Stores) error) error {
		return st.WithTx(ctx, func(repos store.Repos) error {
			return fn(Stores{
				Inputs:       repos.Inputs,
				Predictions:  repos.Predictions,
				Scores:       repos.Scores,
				Snapshots:    repos.Snapshots,
				Models:       repos.Models,
				Leaderboards: repos.Leaderboards,
			})
		})
	}
}

// Interval derives the cycle cadence: the explicit scoring interval
// when configured, else the checkpoint interval capped at one minute.
func Interval(scoring config.ScoringConfig, checkpoint config.CheckpointConfig) time.Duration {
	if scoring.IntervalSeconds > 0 {
		return scoring.Interval()
	}

	interval := checkpoint.Interval()
	if interval <= 0 || interval > maxCycleInterval {
		return maxCycleInterval
	}

	return interval
}

// Service drives the score cycle.
type Service struct {
	tx       TxRunner
	window   WindowFetcher
	contract *challenge.Contract
	registry *metrics.Registry
	merkle   MerkleCommitter
	bus      bus.Bus
	worker   *observability.WorkerMetrics
	logger   *slog.Logger
	interval time.Duration
}

// Options wires one scoring service. Merkle, bus and metrics are
// optional.
type Options struct {
	Tx       TxRunner
	Window   WindowFetcher
	Contract *challenge.Contract
	Registry *metrics.Registry
	Merkle   MerkleCommitter
	Bus      bus.Bus
	Metrics  *observability.WorkerMetrics
	Logger   *slog.Logger
	Interval time.Duration
}

// New builds a scoring service.
func New(opts Options) *Service {
	interval := opts.Interval
	if interval <= 0 {
		interval = maxCycleInterval
	}

	return &Service{
		tx:       opts.Tx,
		window:   opts.Window,
		contract: opts.Contract,
		registry: opts.Registry,
		merkle:   opts.Merkle,
		bus:      opts.Bus,
		worker:   opts.Metrics,
		logger:   opts.Logger,
		interval: interval,
	}
}

// Run loops cycles until the context ends. Cycle errors are logged,
// never fatal.
func (s *Service) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scorer started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		started := time.Now()

		summary, err := s.RunOnce(ctx, time.Now().UTC())

		if s.worker != nil {
			status := observability.StatusOK
			if err != nil {
				status = observability.StatusError
			}

			s.worker.RecordCycle(ctx, status, time.Since(started))
		}

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.logger.ErrorContext(ctx, "score cycle failed", "error", err)
		case summary.Scored > 0:
			s.announce(ctx, summary)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) announce(ctx context.Context, summary CycleSummary) {
	s.logger.InfoContext(ctx, "score cycle complete",
		"resolved", summary.Resolved,
		"scored", summary.Scored,
		"snapshots", summary.Snapshots,
	)

	if s.bus == nil {
		return
	}

	publishErr := s.bus.Publish(ctx, bus.ChannelScoreComplete, "")
	if publishErr != nil {
		s.logger.WarnContext(ctx, "score signal publish failed", "error", publishErr)
	}
}
