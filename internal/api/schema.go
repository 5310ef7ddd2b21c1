package api

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/crunchkit/coordinator/internal/challenge"
)

//go:embed reportschema.json
var reportSchemaJSON string

// Display metadata for the builtin metric set. Unknown metrics fall
// back to a title-cased name and no tooltip.
var metricDisplayNames = map[string]string{
	"ic":                   "IC",
	"ic_sharpe":            "IC Sharpe",
	"mean_return":          "Mean Return",
	"hit_rate":             "Hit Rate",
	"max_drawdown":         "Max Drawdown",
	"sortino_ratio":        "Sortino",
	"turnover":             "Turnover",
	"model_correlation":    "Model Corr",
	"fnc":                  "FNC",
	"contribution":         "Contribution",
	"ensemble_correlation": "Ens. Corr",
}

var metricTooltips = map[string]string{
	"ic":                   "Information Coefficient — Spearman rank correlation between predictions and realized returns",
	"ic_sharpe":            "IC Sharpe — mean(IC) / std(IC), rewards consistency",
	"mean_return":          "Mean return of a long-short portfolio formed from signals",
	"hit_rate":             "Percentage of predictions with correct directional sign",
	"max_drawdown":         "Worst peak-to-trough on cumulative score",
	"sortino_ratio":        "Like Sharpe but only penalizes downside volatility",
	"turnover":             "Mean absolute change in signal between consecutive predictions",
	"model_correlation":    "Mean pairwise Spearman correlation against other models",
	"fnc":                  "Feature-Neutral Correlation — IC after orthogonalizing against known factors",
	"contribution":         "Leave-one-out contribution to the ensemble",
	"ensemble_correlation": "Correlation to the ensemble output",
}

var diversityMetricNames = map[string]bool{
	"model_correlation":    true,
	"ensemble_correlation": true,
	"contribution":         true,
	"fnc":                  true,
}

// BuildReportSchema derives the UI schema document from the contract's
// aggregation windows and active metrics, then validates it against the
// envelope schema. A validation failure is a startup-fatal condition.
func BuildReportSchema(contract *challenge.Contract) (map[string]any, error) {
	doc := reportSchemaDoc(contract)

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(reportSchemaJSON),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return nil, fmt.Errorf("validate report schema: %w", err)
	}

	if !result.Valid() {
		return nil, fmt.Errorf("report schema invalid: %v", result.Errors())
	}

	return doc, nil
}

func reportSchemaDoc(contract *challenge.Contract) map[string]any {
	windows := sortedWindows(contract.Aggregation)

	columns := []map[string]any{{
		"id":          1,
		"type":        "MODEL",
		"property":    "model_id",
		"format":      nil,
		"displayName": "Model",
		"tooltip":     nil,
		"nativeConfiguration": map[string]any{
			"type":           "model",
			"statusProperty": "status",
		},
		"order": 0,
	}}

	colID := 2

	for i, window := range windows {
		columns = append(columns, map[string]any{
			"id":                  colID,
			"type":                "VALUE",
			"property":            window.name,
			"format":              "decimal-2",
			"displayName":         displayName(window.name),
			"tooltip":             fmt.Sprintf("Rolling score over %dh", window.hours),
			"nativeConfiguration": nil,
			"order":               (i + 1) * 10,
		})
		colID++
	}

	for j, metric := range contract.Metrics {
		columns = append(columns, map[string]any{
			"id":                  colID,
			"type":                "VALUE",
			"property":            metric,
			"format":              "decimal-4",
			"displayName":         metricDisplay(metric),
			"tooltip":             metricTooltip(metric),
			"nativeConfiguration": nil,
			"order":               100 + j*10,
		})
		colID++
	}

	windowSeries := make([]map[string]any, 0, len(windows))
	for _, window := range windows {
		windowSeries = append(windowSeries, map[string]any{
			"name":  window.name,
			"label": displayName(window.name),
		})
	}

	widgets := []map[string]any{{
		"id":          1,
		"type":        "CHART",
		"displayName": "Score Metrics",
		"tooltip":     nil,
		"order":       10,
		"endpointUrl": "/reports/models/global",
		"nativeConfiguration": map[string]any{
			"type":  "line",
			"xAxis": map[string]any{"name": "performed_at"},
			"yAxis": map[string]any{"series": windowSeries, "format": "decimal-2"},
		},
	}}

	widgetID := 2

	if len(contract.Metrics) > 0 {
		metricSeries := make([]map[string]any, 0, len(contract.Metrics))
		for _, metric := range contract.Metrics {
			metricSeries = append(metricSeries, map[string]any{
				"name":  metric,
				"label": metricDisplay(metric),
			})
		}

		widgets = append(widgets, map[string]any{
			"id":          widgetID,
			"type":        "CHART",
			"displayName": "Multi-Metric Overview",
			"tooltip":     "Portfolio-level metrics computed per model over scoring windows",
			"order":       15,
			"endpointUrl": "/reports/snapshots",
			"nativeConfiguration": map[string]any{
				"type":  "bar",
				"xAxis": map[string]any{"name": "model_id"},
				"yAxis": map[string]any{"series": metricSeries, "format": "decimal-4"},
			},
		})
		widgetID++
	}

	widgets = append(widgets,
		map[string]any{
			"id":          widgetID,
			"type":        "CHART",
			"displayName": "Predictions",
			"tooltip":     nil,
			"order":       30,
			"endpointUrl": "/reports/predictions",
			"nativeConfiguration": map[string]any{
				"type":  "line",
				"xAxis": map[string]any{"name": "performed_at"},
				"yAxis": map[string]any{
					"series": []map[string]any{{"name": "score_value"}},
					"format": "decimal-2",
				},
				"alertConfig": map[string]any{
					"reasonField": "score_failed_reason",
					"field":       "score_failed",
				},
				"groupByProperty": "scope_key",
			},
		},
		map[string]any{
			"id":          widgetID + 1,
			"type":        "CHART",
			"displayName": "Rolling score by parameters",
			"tooltip":     nil,
			"order":       20,
			"endpointUrl": "/reports/models/params",
			"nativeConfiguration": map[string]any{
				"type":            "line",
				"xAxis":           map[string]any{"name": "performed_at"},
				"yAxis":           map[string]any{"series": windowSeries, "format": "decimal-2"},
				"groupByProperty": "scope_key",
			},
		},
	)
	widgetID += 2

	if series := diversitySeries(contract.Metrics); len(series) > 0 {
		widgets = append(widgets, map[string]any{
			"id":          widgetID,
			"type":        "CHART",
			"displayName": "Model Diversity",
			"tooltip":     "How unique each model is relative to the ensemble",
			"order":       25,
			"endpointUrl": "/reports/diversity",
			"nativeConfiguration": map[string]any{
				"type":  "bar",
				"xAxis": map[string]any{"name": "model_id"},
				"yAxis": map[string]any{"series": series, "format": "decimal-4"},
			},
		})
		widgetID++
	}

	if len(contract.Ensembles) > 0 {
		limit := min(len(contract.Metrics), 5)

		ensembleSeries := make([]map[string]any, 0, limit)
		for _, metric := range contract.Metrics[:limit] {
			ensembleSeries = append(ensembleSeries, map[string]any{
				"name":  metric,
				"label": metricDisplay(metric),
			})
		}

		widgets = append(widgets, map[string]any{
			"id":          widgetID,
			"type":        "CHART",
			"displayName": "Ensemble Performance",
			"tooltip":     "Ensemble metrics over time",
			"order":       16,
			"endpointUrl": "/reports/ensemble/history",
			"nativeConfiguration": map[string]any{
				"type":  "line",
				"xAxis": map[string]any{"name": "period_end"},
				"yAxis": map[string]any{"series": ensembleSeries, "format": "decimal-4"},
			},
		})
		widgetID++
	}

	widgets = append(widgets, map[string]any{
		"id":          widgetID,
		"type":        "CHART",
		"displayName": "Reward History",
		"tooltip":     "Reward distribution per checkpoint period",
		"order":       40,
		"endpointUrl": "/reports/checkpoints/rewards",
		"nativeConfiguration": map[string]any{
			"type":  "bar",
			"xAxis": map[string]any{"name": "period_end"},
			"yAxis": map[string]any{
				"series": []map[string]any{{"name": "reward_pct", "label": "Reward %"}},
				"format": "decimal-2",
			},
			"groupByProperty": "model_id",
		},
	})

	return map[string]any{
		"schema_version":      "1",
		"leaderboard_columns": columns,
		"metrics_widgets":     widgets,
	}
}

type namedWindow struct {
	name  string
	hours int
}

// sortedWindows orders aggregation windows shortest first so column
// order is stable across restarts.
func sortedWindows(aggregation challenge.Aggregation) []namedWindow {
	windows := make([]namedWindow, 0, len(aggregation.Windows))

	for name, window := range aggregation.Windows {
		windows = append(windows, namedWindow{name: name, hours: window.Hours})
	}

	sort.Slice(windows, func(i, j int) bool {
		if windows[i].hours != windows[j].hours {
			return windows[i].hours < windows[j].hours
		}

		return windows[i].name < windows[j].name
	})

	return windows
}

func diversitySeries(metrics []string) []map[string]any {
	var series []map[string]any

	for _, metric := range metrics {
		if diversityMetricNames[metric] {
			series = append(series, map[string]any{
				"name":  metric,
				"label": metricDisplay(metric),
			})
		}
	}

	if len(series) > 0 {
		series = append(series, map[string]any{
			"name":  "diversity_score",
			"label": "Diversity Score",
		})
	}

	return series
}

func metricDisplay(name string) string {
	if display, ok := metricDisplayNames[name]; ok {
		return display
	}

	return displayName(name)
}

func metricTooltip(name string) any {
	if tooltip, ok := metricTooltips[name]; ok {
		return tooltip
	}

	return nil
}

func displayName(name string) string {
	parts := strings.Split(name, "_")
	for i, part := range parts {
		if part != "" {
			parts[i] = strings.ToUpper(part[:1]) + part[1:]
		}
	}

	return strings.Join(parts, " ")
}
