package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/spf13/cobra"

	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/store"
)

// RenderCommand holds flags for the score history chart.
type RenderCommand struct {
	configPath string
	modelID    string
	metrics    []string
	since      string
	output     string
}

// NewRenderCommand creates the render command.
func NewRenderCommand() *cobra.Command {
	rc := &RenderCommand{}

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a score history chart",
		Long: `Render plots snapshot metrics over time as a standalone HTML
chart. Without --model it plots every model's ranking metric on one
chart; with --model it plots the selected metrics of that model.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return rc.RunE()
		},
	}

	cmd.Flags().StringVarP(&rc.configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&rc.modelID, "model", "", "restrict to one model")
	cmd.Flags().StringSliceVar(&rc.metrics, "metric", []string{"ic"}, "summary metrics to plot")
	cmd.Flags().StringVar(&rc.since, "since", "", "window start, RFC3339")
	cmd.Flags().StringVarP(&rc.output, "output", "o", "scores.html", "output HTML file")

	return cmd
}

// RunE loads snapshots and writes the chart.
func (rc *RenderCommand) RunE() error {
	cfg, err := loadConfig(rc.configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	query := store.SnapshotQuery{ModelID: rc.modelID}

	if rc.since != "" {
		since, parseErr := time.Parse(time.RFC3339, rc.since)
		if parseErr != nil {
			return fmt.Errorf("parse since: %w", parseErr)
		}

		since = since.UTC()
		query.Since = &since
	}

	snapshots, err := st.Snapshots.Find(ctx, query)
	if err != nil {
		return err
	}

	if len(snapshots) == 0 {
		return ErrNoSnapshots
	}

	line := rc.buildChart(snapshots)

	out, err := os.Create(rc.output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	defer func() { _ = out.Close() }()

	renderErr := line.Render(out)
	if renderErr != nil {
		return fmt.Errorf("render chart: %w", renderErr)
	}

	fmt.Printf("wrote %s (%d snapshots)\n", rc.output, len(snapshots))

	return nil
}

// buildChart plots one series per (model, metric) pair over a shared
// period_end axis.
func (rc *RenderCommand) buildChart(snapshots []entity.Snapshot) *charts.Line {
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].PeriodEnd.Before(snapshots[j].PeriodEnd)
	})

	labels := make([]string, 0, len(snapshots))
	seen := map[string]bool{}

	for _, snapshot := range snapshots {
		label := snapshot.PeriodEnd.UTC().Format("01-02 15:04")
		if !seen[label] {
			labels = append(labels, label)
			seen[label] = true
		}
	}

	byModel := map[string][]entity.Snapshot{}

	var modelOrder []string

	for _, snapshot := range snapshots {
		if _, ok := byModel[snapshot.ModelID]; !ok {
			modelOrder = append(modelOrder, snapshot.ModelID)
		}

		byModel[snapshot.ModelID] = append(byModel[snapshot.ModelID], snapshot)
	}

	title := "Score history"
	if rc.modelID != "" {
		title = fmt.Sprintf("Score history: %s", rc.modelID)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(labels)

	for _, modelID := range modelOrder {
		for _, metric := range rc.metrics {
			data := make([]opts.LineData, 0, len(byModel[modelID]))

			for _, snapshot := range byModel[modelID] {
				value, ok := entity.NumericValue(snapshot.ResultSummary, metric)
				if !ok {
					continue
				}

				data = append(data, opts.LineData{Value: value})
			}

			if len(data) == 0 {
				continue
			}

			name := fmt.Sprintf("%s %s", modelID, metric)
			if rc.modelID != "" {
				name = metric
			}

			line.AddSeries(name, data,
				charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
			)
		}
	}

	return line
}
