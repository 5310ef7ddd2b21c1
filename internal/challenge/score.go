package challenge

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/crunchkit/coordinator/internal/entity"
)

// ScoreFuncBaseline is the registry name of the no-op scorer.
const ScoreFuncBaseline = "baseline"

// ScoreFuncDirectional is the registry name of the sign-agreement scorer.
const ScoreFuncDirectional = "directional"

var (
	scoreFuncsMu sync.RWMutex
	scoreFuncs   = map[string]ScoreFunc{
		ScoreFuncBaseline:    BaselineScore,
		ScoreFuncDirectional: DirectionalScore,
	}
)

// RegisterScoreFunc registers a challenge scoring function under a name
// selectable via configuration.
func RegisterScoreFunc(name string, fn ScoreFunc) {
	scoreFuncsMu.Lock()
	defer scoreFuncsMu.Unlock()

	scoreFuncs[name] = fn
}

// ScoreFuncByName returns the registered scoring function for a name.
func ScoreFuncByName(name string) (ScoreFunc, error) {
	scoreFuncsMu.RLock()
	defer scoreFuncsMu.RUnlock()

	fn, ok := scoreFuncs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScoreFunc, name)
	}

	return fn, nil
}

// ScoreFuncNames returns the registered scoring function names, sorted.
func ScoreFuncNames() []string {
	scoreFuncsMu.RLock()
	defer scoreFuncsMu.RUnlock()

	names := make([]string, 0, len(scoreFuncs))
	for name := range scoreFuncs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// BaselineScore is a placeholder scorer awarding zero to every prediction.
func BaselineScore(_, _ map[string]any) (map[string]any, error) {
	return map[string]any{
		"value":         0.0,
		"success":       true,
		"failed_reason": nil,
	}, nil
}

// DirectionalScore rewards sign agreement between the predicted signal and
// the realized return: value = sign(prediction) * return. The realized
// return is carried into the result so downstream metrics can read it.
func DirectionalScore(output, actuals map[string]any) (map[string]any, error) {
	signal, ok := entity.AsNumber(output["value"])
	if !ok {
		return nil, errors.New("output has no numeric value")
	}

	realized, ok := entity.AsNumber(actuals["return"])
	if !ok {
		return nil, errors.New("actuals have no numeric return")
	}

	sign := 1.0
	if signal < 0 {
		sign = -1.0
	}

	result := map[string]any{
		"value":         sign * realized,
		"success":       true,
		"failed_reason": nil,
		"actual_return": realized,
	}

	if directionUp, present := actuals["direction_up"]; present {
		result["direction_up"] = directionUp
	}

	return result, nil
}
