package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// FeedsCommand holds flags for the feed coverage listing.
type FeedsCommand struct {
	configPath string
}

// NewFeedsCommand creates the feeds command.
func NewFeedsCommand() *cobra.Command {
	fc := &FeedsCommand{}

	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "Show indexed feed coverage",
		RunE: func(_ *cobra.Command, _ []string) error {
			return fc.RunE()
		},
	}

	cmd.Flags().StringVarP(&fc.configPath, "config", "c", "", "config file path")

	return cmd
}

// RunE prints one row per indexed feed scope.
func (fc *FeedsCommand) RunE() error {
	cfg, err := loadConfig(fc.configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	feeds, err := st.Feeds.IndexedFeeds(ctx)
	if err != nil {
		return err
	}

	if len(feeds) == 0 {
		fmt.Println("no feed records indexed yet")

		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{
		"Source", "Subject", "Kind", "Granularity", "Records", "Oldest", "Newest", "Watermark",
	})

	now := time.Now().UTC()

	for _, summary := range feeds {
		tw.AppendRow(table.Row{
			summary.Source,
			summary.Subject,
			summary.Kind,
			summary.Granularity,
			humanize.Comma(int64(summary.RecordCount)),
			tsCell(summary.OldestTs),
			tsCell(summary.NewestTs),
			watermarkCell(summary.WatermarkTs, now),
		})
	}

	tw.Render()

	return nil
}

func tsCell(ts *time.Time) string {
	if ts == nil {
		return "-"
	}

	return ts.UTC().Format(time.RFC3339)
}

// watermarkCell colors the watermark by staleness: green within five
// minutes, yellow within an hour, red beyond.
func watermarkCell(ts *time.Time, now time.Time) string {
	if ts == nil {
		return color.RedString("none")
	}

	age := now.Sub(ts.UTC())
	stamp := humanize.RelTime(ts.UTC(), now, "ago", "ahead")

	switch {
	case age <= 5*time.Minute:
		return color.GreenString(stamp)
	case age <= time.Hour:
		return color.YellowString(stamp)
	default:
		return color.RedString(stamp)
	}
}
