package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// MigrateCommand holds flags for the migration command.
type MigrateCommand struct {
	configPath string
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand() *cobra.Command {
	mc := &MigrateCommand{}

	cmd := &cobra.Command{
		Use:       "migrate [up|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "status"},
		RunE: func(_ *cobra.Command, args []string) error {
			action := "up"
			if len(args) > 0 {
				action = args[0]
			}

			return mc.RunE(action)
		},
	}

	cmd.Flags().StringVarP(&mc.configPath, "config", "c", "", "config file path")

	return cmd
}

// RunE runs the requested migration action.
func (mc *MigrateCommand) RunE(action string) error {
	cfg, err := loadConfig(mc.configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	switch action {
	case "status":
		return st.MigrationStatus(ctx)
	default:
		migrateErr := st.Migrate(ctx)
		if migrateErr != nil {
			return migrateErr
		}

		fmt.Println("migrations applied")

		return nil
	}
}
