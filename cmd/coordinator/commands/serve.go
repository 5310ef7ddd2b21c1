package commands

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/crunchkit/coordinator/internal/api"
	"github.com/crunchkit/coordinator/internal/assemble"
	"github.com/crunchkit/coordinator/internal/backfill"
	"github.com/crunchkit/coordinator/internal/bus"
	"github.com/crunchkit/coordinator/internal/challenge"
	"github.com/crunchkit/coordinator/internal/checkpoint"
	"github.com/crunchkit/coordinator/internal/config"
	"github.com/crunchkit/coordinator/internal/dispatch"
	"github.com/crunchkit/coordinator/internal/feed"
	_ "github.com/crunchkit/coordinator/internal/feed/binance" // provider registration
	"github.com/crunchkit/coordinator/internal/ingest"
	"github.com/crunchkit/coordinator/internal/merkle"
	"github.com/crunchkit/coordinator/internal/metrics"
	"github.com/crunchkit/coordinator/internal/observability"
	"github.com/crunchkit/coordinator/internal/runner"
	"github.com/crunchkit/coordinator/internal/scoring"
	"github.com/crunchkit/coordinator/internal/store"
	"github.com/crunchkit/coordinator/pkg/version"
)

// feedTimeout bounds a single upstream feed HTTP call.
const feedTimeout = 15 * time.Second

// ServeCommand holds flags for the long-running coordinator node.
type ServeCommand struct {
	configPath string
	migrate    bool
}

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	sc := &ServeCommand{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full coordinator node",
		Long: `Serve runs every worker in one process: feed ingestion and
retention, scheduled prediction dispatch, the scoring cycle, checkpoint
settlement and the read API. Workers share one actor group; the first
fatal error or termination signal stops them all.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return sc.RunE()
		},
	}

	cmd.Flags().StringVarP(&sc.configPath, "config", "c", "", "config file path")
	cmd.Flags().BoolVar(&sc.migrate, "migrate", false, "apply pending migrations before starting")

	return cmd
}

// RunE wires the node and runs it until a signal or fatal error.
func (sc *ServeCommand) RunE() error {
	cfg, err := loadConfig(sc.configPath)
	if err != nil {
		return err
	}

	providers, err := initTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = providers.Shutdown(shutdownCtx)
	}()

	logger := providers.Logger

	contract, err := buildContract(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	if sc.migrate {
		migrateErr := st.Migrate(ctx)
		if migrateErr != nil {
			return migrateErr
		}
	}

	eventBus, err := bus.New(cfg.Bus, cfg.Store.URL(), logger)
	if err != nil {
		return fmt.Errorf("build event bus: %w", err)
	}

	defer func() { _ = eventBus.Close() }()

	provider, err := feed.Build(cfg.Feed.Source, feed.Settings{
		PollInterval: cfg.Feed.PollInterval(),
		Timeout:      feedTimeout,
	})
	if err != nil {
		return fmt.Errorf("build feed provider: %w", err)
	}

	workerMetrics, err := observability.NewWorkerMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("build worker metrics: %w", err)
	}

	if cfg.Dispatch.SeedPath != "" {
		_, seedErr := dispatch.ApplySeed(ctx, st.Configs, cfg.Dispatch.SeedPath, logger)
		if seedErr != nil {
			return fmt.Errorf("apply schedule seed: %w", seedErr)
		}
	}

	reader := assemble.NewReader(st.Feeds, provider, cfg.Feed, logger)
	merkleSvc := merkle.NewService(st.Cycles, st.Nodes, logger)

	runnerClient, err := runner.New(cfg.Runner, cfg.Crunch.ID, logger)
	if err != nil {
		return fmt.Errorf("build runner client: %w", err)
	}

	var archive *backfill.Archive

	var sink *backfill.ParquetSink

	if cfg.Backfill.DataDir != "" {
		sink = backfill.NewParquetSink(cfg.Backfill.DataDir)
		archive = backfill.NewArchive(cfg.Backfill.DataDir + "/archive")
	}

	ingestOpts := ingest.Options{
		Provider: provider,
		Records:  st.Feeds,
		Bus:      eventBus,
		Feed:     cfg.Feed,
		Metrics:  workerMetrics,
		Logger:   logger,
	}
	if archive != nil {
		ingestOpts.Archive = archive
	}

	ingestWorker := ingest.New(ingestOpts)

	dispatcher := dispatch.New(dispatch.Options{
		Builder:     reader,
		Caller:      runnerClient,
		Inputs:      st.Inputs,
		Predictions: st.Predictions,
		Models:      st.Models,
		Configs:     st.Configs,
		Contract:    contract,
		Feed:        cfg.Feed,
		Bus:         eventBus,
		Metrics:     workerMetrics,
		Logger:      logger,
		WaitTimeout: cfg.Checkpoint.Interval(),
	})

	scorer := scoring.New(scoring.Options{
		Tx:       scoring.NewStoreTx(st),
		Window:   reader,
		Contract: contract,
		Registry: metrics.DefaultRegistry(logger),
		Merkle:   merkleSvc,
		Bus:      eventBus,
		Metrics:  workerMetrics,
		Logger:   logger,
		Interval: scoring.Interval(cfg.Scoring, cfg.Checkpoint),
	})

	checkpointer := checkpoint.New(checkpoint.Options{
		Snapshots:   st.Snapshots,
		Checkpoints: st.Checkpoints,
		Merkle:      merkleSvc,
		Contract:    contract,
		Metrics:     workerMetrics,
		Logger:      logger,
		Interval:    cfg.Checkpoint.Interval(),
	})

	engine := backfill.NewEngine(provider, st.Feeds, st.Backfills, sinkOrNil(sink), workerMetrics, logger)

	server, err := buildServer(cfg, contract, st, checkpointer, merkleSvc, engine, sink, providers)
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}

	logger.InfoContext(ctx, "coordinator starting",
		"version", version.Version,
		"crunch_id", cfg.Crunch.ID,
		"feed", cfg.Feed.Source,
	)

	var group run.Group

	group.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	addActor := func(fn func(context.Context) error) {
		group.Add(func() error { return fn(ctx) }, func(error) { cancel() })
	}

	addActor(ingestWorker.Run)
	addActor(ingestWorker.RunRetention)
	addActor(dispatcher.Run)
	addActor(scorer.Run)
	addActor(checkpointer.Run)
	addActor(server.Run)

	if cfg.Dispatch.SeedPath != "" {
		addActor(func(actorCtx context.Context) error {
			return dispatch.WatchSeed(actorCtx, st.Configs, cfg.Dispatch.SeedPath, logger)
		})
	}

	runErr := group.Run()

	var signalErr run.SignalError
	if errors.As(runErr, &signalErr) || errors.Is(runErr, context.Canceled) {
		logger.InfoContext(ctx, "coordinator stopped")

		return nil
	}

	return runErr
}

func initTelemetry(cfg *config.Config) (observability.Providers, error) {
	obsCfg := observability.DefaultConfig()
	obsCfg.Mode = observability.ModeServe
	obsCfg.ServiceVersion = version.Version
	obsCfg.Environment = cfg.Telemetry.Environment
	obsCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obsCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	obsCfg.SampleRatio = cfg.Telemetry.SampleRatio
	obsCfg.LogLevel = parseLogLevel(cfg.Log.Level)
	obsCfg.LogJSON = cfg.Log.JSON

	if cfg.Telemetry.ServiceName != "" {
		obsCfg.ServiceName = cfg.Telemetry.ServiceName
	}

	return observability.Init(obsCfg)
}

// sinkOrNil avoids handing the engine a typed nil interface.
func sinkOrNil(sink *backfill.ParquetSink) backfill.Sink {
	if sink == nil {
		return nil
	}

	return sink
}

func buildServer(
	cfg *config.Config,
	contract *challenge.Contract,
	st *store.Store,
	checkpointer *checkpoint.Service,
	merkleSvc *merkle.Service,
	engine *backfill.Engine,
	sink *backfill.ParquetSink,
	providers observability.Providers,
) (*api.Server, error) {
	opts := api.Options{
		Contract: contract,
		Crunch:   cfg.Crunch,
		API:      cfg.API,

		Models:       st.Models,
		Leaderboards: st.Leaderboards,
		Predictions:  st.Predictions,
		Snapshots:    st.Snapshots,
		Feeds:        st.Feeds,
		Checkpoints:  st.Checkpoints,
		Cycles:       st.Cycles,
		Jobs:         st.Backfills,

		Admin:    checkpointer,
		Proofs:   merkleSvc,
		Backfill: engine,

		Metrics:     providers.MetricsHandler,
		ReadyChecks: []observability.ReadyCheck{st.Ping},
		Tracer:      providers.Tracer,
		Logger:      providers.Logger,
	}

	if sink != nil {
		opts.Data = sink
	}

	return api.New(opts)
}
