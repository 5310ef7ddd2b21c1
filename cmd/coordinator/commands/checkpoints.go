package commands

import (
	"context"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/crunchkit/coordinator/internal/checkpoint"
	"github.com/crunchkit/coordinator/internal/entity"
)

// CheckpointsCommand holds flags for checkpoint listing and confirmation.
type CheckpointsCommand struct {
	configPath string
	status     string
	limit      int
	txHash     string
}

// NewCheckpointsCommand creates the checkpoints command with its
// confirm subcommand.
func NewCheckpointsCommand() *cobra.Command {
	cc := &CheckpointsCommand{}

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List settlement checkpoints",
		RunE: func(_ *cobra.Command, _ []string) error {
			return cc.RunList()
		},
	}

	cmd.PersistentFlags().StringVarP(&cc.configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&cc.status, "status", "", "filter by status (PENDING, SUBMITTED, CLAIMABLE, PAID)")
	cmd.Flags().IntVar(&cc.limit, "limit", 20, "maximum checkpoints to list")

	confirm := &cobra.Command{
		Use:   "confirm <checkpoint-id>",
		Short: "Record the settlement transaction for a pending checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return cc.RunConfirm(args[0])
		},
	}

	confirm.Flags().StringVar(&cc.txHash, "tx-hash", "", "on-chain transaction hash (required)")
	_ = confirm.MarkFlagRequired("tx-hash")

	cmd.AddCommand(confirm)

	return cmd
}

// RunList prints recent checkpoints.
func (cc *CheckpointsCommand) RunList() error {
	cfg, err := loadConfig(cc.configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	checkpoints, err := st.Checkpoints.Find(ctx, entity.CheckpointStatus(cc.status), cc.limit)
	if err != nil {
		return err
	}

	if len(checkpoints) == 0 {
		return ErrNoCheckpoints
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "Period Start", "Period End", "Status", "Models", "Tx Hash"})

	for i := range checkpoints {
		cp := &checkpoints[i]

		models := 0
		if ranking, ok := cp.Meta["ranking"].([]map[string]any); ok {
			models = len(ranking)
		} else if ranking, ok := cp.Meta["ranking"].([]any); ok {
			models = len(ranking)
		}

		tw.AppendRow(table.Row{
			cp.ID,
			cp.PeriodStart.UTC().Format(time.RFC3339),
			cp.PeriodEnd.UTC().Format(time.RFC3339),
			statusCell(cp.Status),
			models,
			cp.TxHash,
		})
	}

	tw.Render()

	return nil
}

// RunConfirm moves one checkpoint to SUBMITTED with its transaction hash.
func (cc *CheckpointsCommand) RunConfirm(id string) error {
	cfg, err := loadConfig(cc.configPath)
	if err != nil {
		return err
	}

	contract, err := buildContract(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	service := checkpoint.New(checkpoint.Options{
		Snapshots:   st.Snapshots,
		Checkpoints: st.Checkpoints,
		Contract:    contract,
		Logger:      cliLogger(cfg),
	})

	confirmed, err := service.Confirm(ctx, id, cc.txHash, time.Now().UTC())
	if err != nil {
		return err
	}

	color.Green("checkpoint %s confirmed: %s (tx %s)", confirmed.ID, confirmed.Status, confirmed.TxHash)

	return nil
}

func statusCell(status entity.CheckpointStatus) string {
	switch status {
	case entity.CheckpointPending:
		return color.YellowString(string(status))
	case entity.CheckpointSubmitted, entity.CheckpointClaimable:
		return color.CyanString(string(status))
	case entity.CheckpointPaid:
		return color.GreenString(string(status))
	default:
		return string(status)
	}
}
