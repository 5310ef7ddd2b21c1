package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/crunchkit/coordinator/internal/ensemble"
	"github.com/crunchkit/coordinator/internal/entity"
)

// LeaderboardCommand holds flags for the standings listing.
type LeaderboardCommand struct {
	configPath       string
	includeEnsembles bool
	limit            int
}

// NewLeaderboardCommand creates the leaderboard command.
func NewLeaderboardCommand() *cobra.Command {
	lc := &LeaderboardCommand{}

	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the latest standings",
		RunE: func(_ *cobra.Command, _ []string) error {
			return lc.RunE()
		},
	}

	cmd.Flags().StringVarP(&lc.configPath, "config", "c", "", "config file path")
	cmd.Flags().BoolVar(&lc.includeEnsembles, "ensembles", false, "include ensemble meta-models")
	cmd.Flags().IntVar(&lc.limit, "limit", 0, "show only the top N entries")

	return cmd
}

// RunE prints the latest leaderboard as a table.
func (lc *LeaderboardCommand) RunE() error {
	cfg, err := loadConfig(lc.configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	board, err := st.Leaderboards.Latest(ctx)
	if err != nil {
		return err
	}

	if board == nil {
		return ErrNoLeaderboard
	}

	rows := lc.boardRows(board)

	fmt.Printf("leaderboard %s (built %s)\n", board.ID, board.CreatedAt.UTC().Format(time.RFC3339))

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Rank", "Model", "Name", "Cruncher", "Score"})

	for _, row := range rows {
		tw.AppendRow(row)
	}

	tw.Render()

	return nil
}

func (lc *LeaderboardCommand) boardRows(board *entity.Leaderboard) []table.Row {
	type boardEntry struct {
		rank     int
		modelID  string
		name     string
		cruncher string
		score    float64
	}

	entries := make([]boardEntry, 0, len(board.Entries))

	for _, doc := range board.Entries {
		modelID, _ := doc["model_id"].(string)

		if !lc.includeEnsembles && ensemble.IsEnsembleModel(modelID) {
			continue
		}

		entry := boardEntry{modelID: modelID}

		if rank, ok := entity.AsNumber(doc["rank"]); ok {
			entry.rank = int(rank)
		}

		entry.name, _ = doc["model_name"].(string)
		entry.cruncher, _ = doc["cruncher_name"].(string)

		if score, ok := doc["score"].(map[string]any); ok {
			if ranking, ok := score["ranking"].(map[string]any); ok {
				entry.score, _ = entity.NumericValue(ranking, "value")
			}
		}

		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].rank < entries[j].rank
	})

	if lc.limit > 0 && len(entries) > lc.limit {
		entries = entries[:lc.limit]
	}

	rows := make([]table.Row, 0, len(entries))

	for _, entry := range entries {
		rank := fmt.Sprintf("%d", entry.rank)

		switch entry.rank {
		case 1:
			rank = color.YellowString(rank)
		case 2, 3:
			rank = color.CyanString(rank)
		}

		rows = append(rows, table.Row{
			rank, entry.modelID, entry.name, entry.cruncher, fmt.Sprintf("%.4f", entry.score),
		})
	}

	return rows
}
