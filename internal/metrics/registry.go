// Package metrics computes named evaluation metrics over scored
// predictions. The registry holds engine builtins plus any challenge-owned
// functions registered at process init.
package metrics

import (
	"io"
	"log/slog"
	"math"
	"sort"
)

// Func computes one metric value from a model's predictions and scores in
// the evaluation window. Predictions carry inference_output; scores carry
// the per-prediction result including ground-truth context.
type Func func(predictions, scores []map[string]any, ctx *Context) float64

// Registry maps metric names to functions.
type Registry struct {
	funcs  map[string]Func
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger discards warnings.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Registry{
		funcs:  make(map[string]Func),
		logger: logger,
	}
}

// DefaultRegistry returns a registry with every built-in metric registered.
func DefaultRegistry(logger *slog.Logger) *Registry {
	registry := NewRegistry(logger)

	// Tier 1: signal quality.
	registry.Register("ic", IC)
	registry.Register("ic_sharpe", ICSharpe)
	registry.Register("mean_return", MeanReturn)
	registry.Register("hit_rate", HitRate)
	registry.Register("model_correlation", ModelCorrelation)

	// Tier 2: risk and stability.
	registry.Register("max_drawdown", MaxDrawdown)
	registry.Register("sortino_ratio", SortinoRatio)
	registry.Register("turnover", Turnover)

	// Tier 3: ensemble-aware.
	registry.Register("fnc", FNC)
	registry.Register("contribution", Contribution)
	registry.Register("ensemble_correlation", EnsembleCorrelation)

	return registry
}

// Register adds a metric function under a name, replacing any previous one.
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Get returns the metric function for a name.
func (r *Registry) Get(name string) (Func, bool) {
	fn, ok := r.funcs[name]

	return fn, ok
}

// Available returns the registered metric names, sorted.
func (r *Registry) Available() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Compute evaluates the requested metrics, returning name to value.
// Unregistered names are skipped with a warning; a panicking metric
// contributes 0 so one bad challenge function cannot sink the cycle.
// Values are clamped to finite floats: computed results end up in JSONB
// summary columns, and encoding/json rejects ±Inf and NaN outright,
// which would fail the snapshot save and roll back the cycle on every
// retry.
func (r *Registry) Compute(names []string, predictions, scores []map[string]any, ctx *Context) map[string]float64 {
	results := make(map[string]float64, len(names))

	for _, name := range names {
		fn, ok := r.funcs[name]
		if !ok {
			r.logger.Warn("metric not registered, skipping", "metric", name)

			continue
		}

		results[name] = Finite(r.computeOne(name, fn, predictions, scores, ctx))
	}

	return results
}

// Finite maps non-finite floats to their nearest representable value:
// ±Inf saturates to ±MaxFloat64, NaN becomes 0. Ordering against other
// metric values is preserved, so an infinite ic_sharpe still ranks
// above every finite one.
func Finite(v float64) float64 {
	switch {
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	case math.IsNaN(v):
		return 0.0
	default:
		return v
	}
}

func (r *Registry) computeOne(name string, fn Func, predictions, scores []map[string]any, ctx *Context) (value float64) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("metric failed", "metric", name, "panic", rec)

			value = 0.0
		}
	}()

	return fn(predictions, scores, ctx)
}
