package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolforge/toolforge/internal/config"
	"github.com/toolforge/toolforge/internal/engine"
	"github.com/toolforge/toolforge/internal/events"
	"github.com/toolforge/toolforge/internal/logging"
	"github.com/toolforge/toolforge/internal/store"
)

var (
	repairConfigPath string
	repairDBPath     string
)

var repairCmd = &cobra.Command{
	Use:   "repair <job-id>...",
	Short: "Rebuild job progress counters from task state",
	Long: `Recounts the progress counters of the given jobs from the true
distribution of their task statuses and re-checks job terminality.
Task state is the source of truth; run this against jobs whose
counters were left inconsistent, for example after a crash.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(repairConfigPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			cfg.Database.Path = repairDBPath
		}

		logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))

		ctx := cmd.Context()
		st, err := store.NewSQLiteStore(ctx, cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		bus := events.NewBus()
		defer bus.Close()
		eng := engine.New(st, bus)

		for _, jobID := range args {
			counts, err := eng.RecountJob(ctx, jobID)
			if err != nil {
				return fmt.Errorf("failed to repair %s: %w", jobID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: total=%d completed=%d failed=%d inProgress=%d\n",
				jobID, counts.Total, counts.Completed, counts.Failed, counts.InProgress)
		}
		return nil
	},
}

func init() {
	repairCmd.Flags().StringVarP(&repairConfigPath, "config", "c", "toolforge.yaml", "path to config file")
	repairCmd.Flags().StringVar(&repairDBPath, "db", config.DefaultDatabasePath, "path to the database file (overrides config)")
	rootCmd.AddCommand(repairCmd)
}
