// Package dispatch runs the scheduled prediction loop: assemble an
// input, tick the models, fan the contract call out per active schedule
// config, and persist the resulting prediction records. The loop wakes
// on bus notifications of new feed data and falls back to a timeout.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/crunchkit/coordinator/internal/bus"
	"github.com/crunchkit/coordinator/internal/challenge"
	"github.com/crunchkit/coordinator/internal/config"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/observability"
	"github.com/crunchkit/coordinator/internal/runner"
)

// defaultScopeKey names configs that carry no scope key of their own.
const defaultScopeKey = "default-scope"

// InputBuilder assembles the raw model input for one timestep.
// *assemble.Reader satisfies it.
type InputBuilder interface {
	BuildInput(ctx context.Context, now time.Time) (map[string]any, error)
}

// ModelCaller is the runner surface the dispatcher needs. *runner.Client
// satisfies it.
type ModelCaller interface {
	Init(ctx context.Context) error
	Tick(ctx context.Context, input map[string]any) ([]entity.Model, error)
	Predict(ctx context.Context, method string, scope map[string]any) (map[string]runner.Response, error)
}

// InputStore persists assembled inputs. *store.InputRepo satisfies it.
type InputStore interface {
	Save(ctx context.Context, input *entity.Input) error
}

// PredictionStore persists prediction batches. *store.PredictionRepo
// satisfies it.
type PredictionStore interface {
	SaveAll(ctx context.Context, predictions []*entity.Prediction) error
}

// ModelStore registers discovered models. *store.ModelRepo satisfies it.
type ModelStore interface {
	SaveAll(ctx context.Context, models []*entity.Model) error
}

// ConfigStore reads the active schedule. *store.ConfigRepo satisfies it.
type ConfigStore interface {
	Active(ctx context.Context) ([]entity.ScheduledPredictionConfig, error)
}

// Dispatcher drives scheduled predictions. One instance runs per node;
// per-config next-run times live in memory and reset on restart, which
// at worst dispatches one extra round early.
type Dispatcher struct {
	builder     InputBuilder
	caller      ModelCaller
	inputs      InputStore
	predictions PredictionStore
	models      ModelStore
	configs     ConfigStore
	contract    *challenge.Contract
	feed        config.FeedConfig
	bus         bus.Bus
	metrics     *observability.WorkerMetrics
	logger      *slog.Logger

	waitTimeout time.Duration
	nextRun     map[string]time.Time
	knownModels map[string]struct{}
}

// Options wires one dispatcher. Bus and metrics are optional.
type Options struct {
	Builder     InputBuilder
	Caller      ModelCaller
	Inputs      InputStore
	Predictions PredictionStore
	Models      ModelStore
	Configs     ConfigStore
	Contract    *challenge.Contract
	Feed        config.FeedConfig
	Bus         bus.Bus
	Metrics     *observability.WorkerMetrics
	Logger      *slog.Logger

	// WaitTimeout bounds the idle wait between rounds when no bus
	// signal arrives. The serve command passes the checkpoint interval.
	WaitTimeout time.Duration
}

// New builds a dispatcher.
func New(opts Options) *Dispatcher {
	timeout := opts.WaitTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	return &Dispatcher{
		builder:     opts.Builder,
		caller:      opts.Caller,
		inputs:      opts.Inputs,
		predictions: opts.Predictions,
		models:      opts.Models,
		configs:     opts.Configs,
		contract:    opts.Contract,
		feed:        opts.Feed,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		waitTimeout: timeout,
		nextRun:     make(map[string]time.Time),
		knownModels: make(map[string]struct{}),
	}
}

// Run loops until the context ends. Round errors are logged, never
// fatal; the loop always comes back for the next wake-up.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "dispatcher started", "wait_timeout", d.waitTimeout.String())

	var wake <-chan bus.Message

	if d.bus != nil {
		sub, subErr := d.bus.Subscribe(ctx, bus.ChannelNewFeedData)
		if subErr != nil {
			d.logger.WarnContext(ctx, "bus subscribe failed, using timeout only", "error", subErr)
		} else {
			wake = sub
		}
	}

	for {
		_, err := d.RunOnce(ctx, time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			d.logger.ErrorContext(ctx, "dispatch round failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-time.After(d.waitTimeout):
		}
	}
}

// RunOnce executes one dispatch round and returns how many prediction
// records it persisted.
func (d *Dispatcher) RunOnce(ctx context.Context, now time.Time) (int, error) {
	initErr := d.caller.Init(ctx)
	if initErr != nil {
		return 0, initErr
	}

	raw, buildErr := d.builder.BuildInput(ctx, now)
	if buildErr != nil {
		return 0, buildErr
	}

	input := &entity.Input{
		ID:         entity.NewInputID(now),
		Status:     entity.InputReceived,
		RawData:    raw,
		ReceivedAt: now,
	}

	saveErr := d.inputs.Save(ctx, input)
	if saveErr != nil {
		return 0, saveErr
	}

	tickErr := d.tickModels(ctx, raw)
	if tickErr != nil {
		return 0, tickErr
	}

	predictions, predictErr := d.predictAllConfigs(ctx, input, now)
	if predictErr != nil {
		return 0, predictErr
	}

	if len(predictions) == 0 {
		return 0, nil
	}

	persistErr := d.predictions.SaveAll(ctx, predictions)
	if persistErr != nil {
		return 0, persistErr
	}

	for _, prediction := range predictions {
		if d.metrics != nil {
			d.metrics.RecordPrediction(ctx, string(prediction.Status))
		}
	}

	d.logger.InfoContext(ctx, "dispatch round complete",
		"input_id", input.ID,
		"predictions", len(predictions),
	)

	return len(predictions), nil
}

// tickModels pushes the fresh input to every model and registers the
// orchestrator's live set.
func (d *Dispatcher) tickModels(ctx context.Context, raw map[string]any) error {
	models, err := d.caller.Tick(ctx, raw)
	if err != nil {
		return err
	}

	if len(models) == 0 {
		return nil
	}

	batch := make([]*entity.Model, 0, len(models))

	for i := range models {
		d.knownModels[models[i].ID] = struct{}{}
		batch = append(batch, &models[i])
	}

	return d.models.SaveAll(ctx, batch)
}

func (d *Dispatcher) predictAllConfigs(
	ctx context.Context, input *entity.Input, now time.Time,
) ([]*entity.Prediction, error) {
	configs, err := d.configs.Active(ctx)
	if err != nil {
		return nil, err
	}

	if len(configs) == 0 {
		d.logger.InfoContext(ctx, "no active prediction configs")

		return nil, nil
	}

	var all []*entity.Prediction

	for _, cfg := range configs {
		if now.Before(d.nextRun[cfg.ID]) {
			continue
		}

		batch, runErr := d.runConfig(ctx, input, cfg, now)
		if runErr != nil {
			return nil, runErr
		}

		all = append(all, batch...)

		interval := time.Duration(cfg.Schedule.PredictionIntervalSeconds) * time.Second
		d.nextRun[cfg.ID] = now.Add(interval)
	}

	return all, nil
}

func (d *Dispatcher) runConfig(
	ctx context.Context, input *entity.Input, cfg entity.ScheduledPredictionConfig, now time.Time,
) ([]*entity.Prediction, error) {
	scope := d.mergeScope(cfg)
	scopeKey, _ := scope["scope_key"].(string)

	resolvableAt := now.Add(d.resolveAfter(cfg, scope))

	tightenErr := d.tightenInput(ctx, input, scope, resolvableAt)
	if tightenErr != nil {
		return nil, tightenErr
	}

	started := time.Now()

	responses, callErr := d.caller.Predict(ctx, d.contract.CallMethod, scope)

	if d.metrics != nil {
		status := observability.StatusOK
		if callErr != nil {
			status = observability.StatusError
		}

		d.metrics.ObservePredict(ctx, status, time.Since(started))
	}

	if callErr != nil {
		return nil, callErr
	}

	recordScope := scopeWithoutKey(scope)
	predictions := make([]*entity.Prediction, 0, len(d.knownModels))

	for modelID, response := range responses {
		d.knownModels[modelID] = struct{}{}

		status, output := d.classify(ctx, response)

		predictions = append(predictions, &entity.Prediction{
			ID:                 entity.NewPredictionID(modelID, scopeKey, false, now),
			InputID:            input.ID,
			ModelID:            modelID,
			PredictionConfigID: cfg.ID,
			ScopeKey:           scopeKey,
			Scope:              recordScope,
			Status:             status,
			ExecTimeMS:         response.ExecTimeMs,
			InferenceOutput:    output,
			PerformedAt:        now,
			ResolvableAt:       resolvableAt,
		})
	}

	// Known models that never answered get an absent marker so the
	// scorer can penalize the missed slot.
	for modelID := range d.knownModels {
		if _, answered := responses[modelID]; answered {
			continue
		}

		predictions = append(predictions, &entity.Prediction{
			ID:                 entity.NewPredictionID(modelID, scopeKey, true, now),
			InputID:            input.ID,
			ModelID:            modelID,
			PredictionConfigID: cfg.ID,
			ScopeKey:           scopeKey,
			Scope:              recordScope,
			Status:             entity.PredictionAbsent,
			InferenceOutput:    map[string]any{},
			PerformedAt:        now,
			ResolvableAt:       resolvableAt,
		})
	}

	return predictions, nil
}

// classify maps one runner response to a prediction status. Schema
// validation failures demote the output to FAILED with the error and
// the raw payload preserved.
func (d *Dispatcher) classify(
	ctx context.Context, response runner.Response,
) (entity.PredictionStatus, map[string]any) {
	output := response.Output
	if output == nil {
		output = map[string]any{}
	}

	if response.Error != "" || response.TimedOut {
		return entity.PredictionFailed, output
	}

	validationErr := d.contract.ValidateOutput(output)
	if validationErr != nil {
		d.logger.ErrorContext(ctx, "inference output validation failed",
			"model_id", response.ModelID,
			"error", validationErr,
		)

		return entity.PredictionFailed, map[string]any{
			"_validation_error": validationErr.Error(),
			"raw_output":        output,
		}
	}

	return entity.PredictionPending, output
}

// mergeScope layers the call scope: the scope key, then the contract
// defaults, then the config's template overrides.
func (d *Dispatcher) mergeScope(cfg entity.ScheduledPredictionConfig) map[string]any {
	scopeKey := cfg.ScopeKey
	if scopeKey == "" {
		scopeKey = defaultScopeKey
	}

	scope := map[string]any{"scope_key": scopeKey}

	for key, value := range d.contract.Scope.AsMap() {
		scope[key] = value
	}

	for key, value := range cfg.ScopeTemplate {
		scope[key] = value
	}

	return scope
}

// resolveAfter picks the ground-truth delay: the schedule's explicit
// override, else the scope horizon.
func (d *Dispatcher) resolveAfter(cfg entity.ScheduledPredictionConfig, scope map[string]any) time.Duration {
	seconds := cfg.Schedule.ResolveAfterSeconds

	if seconds <= 0 {
		horizon, ok := entity.NumericValue(scope, "horizon_seconds")
		if ok {
			seconds = int(horizon)
		} else {
			seconds = d.contract.Scope.HorizonSeconds
		}
	}

	return time.Duration(max(0, seconds)) * time.Second
}

// tightenInput pulls the input's resolvable time forward to the
// earliest horizon across configs and stamps the feed dimensions the
// resolver will query with.
func (d *Dispatcher) tightenInput(
	ctx context.Context, input *entity.Input, scope map[string]any, resolvableAt time.Time,
) error {
	if input.ResolvableAt != nil && !resolvableAt.Before(*input.ResolvableAt) {
		return nil
	}

	input.ResolvableAt = &resolvableAt

	subject := ""
	if len(d.feed.Subjects) > 0 {
		subject = d.feed.Subjects[0]
	}

	inputScope := map[string]any{
		"source":      d.feed.Source,
		"subject":     subject,
		"kind":        d.feed.Kind,
		"granularity": d.feed.Granularity,
	}

	for key, value := range scopeWithoutKey(scope) {
		inputScope[key] = value
	}

	input.Scope = inputScope

	return d.inputs.Save(ctx, input)
}

func scopeWithoutKey(scope map[string]any) map[string]any {
	out := make(map[string]any, len(scope))

	for key, value := range scope {
		if key == "scope_key" {
			continue
		}

		out[key] = value
	}

	return out
}
