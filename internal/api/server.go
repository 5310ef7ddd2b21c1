// Package api serves the coordinator's HTTP surface: public report
// reads for the competition UI, merkle verification endpoints, the
// parquet data plane, and the key-gated admin operations.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/crunchkit/coordinator/internal/backfill"
	"github.com/crunchkit/coordinator/internal/challenge"
	"github.com/crunchkit/coordinator/internal/config"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/merkle"
	"github.com/crunchkit/coordinator/internal/observability"
	"github.com/crunchkit/coordinator/internal/store"
)

const shutdownGrace = 10 * time.Second

// Read-side store surfaces. The sqlx repositories satisfy these.
type (
	ModelStore interface {
		All(ctx context.Context) (map[string]entity.Model, error)
	}

	LeaderboardStore interface {
		Latest(ctx context.Context) (*entity.Leaderboard, error)
	}

	PredictionStore interface {
		ScoredByModel(ctx context.Context, modelIDs []string, from, to *time.Time) (map[string][]store.ScoredPrediction, error)
	}

	SnapshotStore interface {
		Find(ctx context.Context, query store.SnapshotQuery) ([]entity.Snapshot, error)
	}

	FeedStore interface {
		IndexedFeeds(ctx context.Context) ([]store.FeedSummary, error)
		Tail(ctx context.Context, query store.TailQuery) ([]entity.FeedRecord, error)
	}

	CheckpointStore interface {
		Find(ctx context.Context, status entity.CheckpointStatus, limit int) ([]entity.Checkpoint, error)
		Get(ctx context.Context, id string) (*entity.Checkpoint, error)
		Latest(ctx context.Context) (*entity.Checkpoint, error)
	}

	CycleStore interface {
		CyclesBetween(ctx context.Context, since, until time.Time) ([]*entity.MerkleCycle, error)
		CycleByID(ctx context.Context, id string) (*entity.MerkleCycle, error)
	}

	JobStore interface {
		Find(ctx context.Context, status entity.BackfillStatus, limit int) ([]entity.BackfillJob, error)
		Get(ctx context.Context, id string) (*entity.BackfillJob, error)
	}
)

// CheckpointAdmin mutates the checkpoint status machine.
// *checkpoint.Service satisfies it.
type CheckpointAdmin interface {
	Confirm(ctx context.Context, id, txHash string, now time.Time) (*entity.Checkpoint, error)
	UpdateStatus(ctx context.Context, id string, next entity.CheckpointStatus, now time.Time) (*entity.Checkpoint, error)
}

// ProofStore serves merkle inclusion proofs. *merkle.Service satisfies it.
type ProofStore interface {
	GetProof(ctx context.Context, snapshotID string) (*merkle.InclusionProof, error)
}

// BackfillRunner starts and executes manual backfill jobs.
// *backfill.Engine satisfies it.
type BackfillRunner interface {
	StartJob(ctx context.Context, req backfill.Request, now time.Time) (*entity.BackfillJob, error)
	Run(ctx context.Context, jobID string, req backfill.Request) (backfill.Result, error)
}

// DataSink indexes and resolves the parquet data plane.
// *backfill.ParquetSink satisfies it.
type DataSink interface {
	ListFiles() ([]backfill.FileInfo, error)
	Resolve(relPath string) string
}

// Options wires the server. Optional fields (admin services, data
// plane, telemetry) disable their routes when nil.
type Options struct {
	Contract *challenge.Contract
	Crunch   config.CrunchConfig
	API      config.APIConfig

	Models       ModelStore
	Leaderboards LeaderboardStore
	Predictions  PredictionStore
	Snapshots    SnapshotStore
	Feeds        FeedStore
	Checkpoints  CheckpointStore
	Cycles       CycleStore
	Jobs         JobStore

	Admin    CheckpointAdmin
	Proofs   ProofStore
	Backfill BackfillRunner
	Data     DataSink

	Metrics     http.Handler
	ReadyChecks []observability.ReadyCheck
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Server is the coordinator read API.
type Server struct {
	opts     Options
	schema   map[string]any
	validate *validator.Validate
}

// New builds the server and derives the report schema. An invalid
// schema document aborts startup.
func New(opts Options) (*Server, error) {
	schema, err := BuildReportSchema(opts.Contract)
	if err != nil {
		return nil, err
	}

	return &Server{
		opts:     opts,
		schema:   schema,
		validate: validator.New(),
	}, nil
}

// Router assembles the middleware chain and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	if s.opts.Tracer != nil {
		r.Use(observability.HTTPMiddleware(s.opts.Tracer))
	}

	origins := s.opts.API.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	r.Use(KeyAuth(s.opts.API))

	r.Method(http.MethodGet, "/healthz", observability.HealthHandler())
	r.Method(http.MethodGet, "/readyz", observability.ReadyHandler(s.opts.ReadyChecks...))

	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Get("/info", s.handleInfo)

	r.Route("/reports", func(r chi.Router) {
		r.Get("/schema", s.handleSchema)
		r.Get("/schema/leaderboard", s.handleSchemaLeaderboard)
		r.Get("/schema/metrics", s.handleSchemaMetrics)

		r.Get("/models", s.handleModels)
		r.Get("/models/global", s.handleModelsGlobal)
		r.Get("/models/params", s.handleModelsParams)
		r.Get("/models/{id}/diversity", s.handleModelDiversity)
		r.Get("/diversity", s.handleDiversityOverview)

		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/predictions", s.handlePredictions)
		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/ensemble/history", s.handleEnsembleHistory)

		r.Get("/feeds", s.handleFeeds)
		r.Get("/feeds/tail", s.handleFeedsTail)

		r.Get("/checkpoints", s.handleCheckpoints)
		r.Get("/checkpoints/latest", s.handleLatestCheckpoint)
		r.Get("/checkpoints/latest/prizes", s.handleLatestPrizes)
		r.Get("/checkpoints/rewards", s.handleCheckpointRewards)
		r.Get("/checkpoints/{id}/payload", s.handleCheckpointPayload)
		r.Get("/checkpoints/{id}/emission", s.handleCheckpointEmission)
		r.Get("/checkpoints/{id}/emission/cli-format", s.handleCheckpointEmissionCLI)
		r.Get("/checkpoints/{id}/prizes", s.handleCheckpointPrizes)
		r.Get("/emissions/latest", s.handleLatestEmission)

		if s.opts.Admin != nil {
			r.Post("/checkpoints/{id}/confirm", s.handleConfirmCheckpoint)
			r.Patch("/checkpoints/{id}/status", s.handleCheckpointStatus)
		}

		r.Get("/merkle/cycles", s.handleMerkleCycles)
		r.Get("/merkle/cycles/{id}", s.handleMerkleCycle)

		if s.opts.Proofs != nil {
			r.Get("/merkle/proof", s.handleMerkleProof)
		}

		if s.opts.Backfill != nil {
			r.Get("/backfill/feeds", s.handleFeeds)
			r.Post("/backfill", s.handleStartBackfill)
			r.Get("/backfill/jobs", s.handleBackfillJobs)
			r.Get("/backfill/jobs/{id}", s.handleBackfillJob)
		}
	})

	if s.opts.Data != nil {
		r.Get("/data/backfill/index", s.handleDataIndex)
		r.Get("/data/backfill/*", s.handleDataFile)
	}

	return r
}

// Run serves until the context ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.API.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- server.ListenAndServe()
	}()

	s.opts.Logger.InfoContext(ctx, "read api listening", "addr", s.opts.API.ListenAddr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		shutdownErr := server.Shutdown(shutdownCtx)
		if shutdownErr != nil {
			return shutdownErr
		}

		return ctx.Err()
	}
}
