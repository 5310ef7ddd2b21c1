package metrics

import "time"

// EnsemblePredictions is one ensemble's prediction set, ordered so the
// first configured ensemble is the correlation reference.
type EnsemblePredictions struct {
	Name  string
	Preds []map[string]any
}

// Context is shared state for one evaluation cycle. Built once and passed
// to every metric so cross-model metrics do not re-fetch data.
type Context struct {
	ModelID     string
	WindowStart time.Time
	WindowEnd   time.Time

	// AllModelPredictions holds every model's predictions in this window.
	AllModelPredictions map[string][]map[string]any

	// Ensembles holds ensemble prediction sets in configuration order.
	Ensembles []EnsemblePredictions
}
