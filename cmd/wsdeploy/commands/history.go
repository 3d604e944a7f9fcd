package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/wsdeploy/pkg/config"
	"github.com/openfroyo/wsdeploy/pkg/engine"
	"github.com/openfroyo/wsdeploy/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		ledgerPath string
		workspace  string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded deployment runs",
		Long: `Show the runs recorded in the ledger, newest first.

With a run id, show that run's state transitions and deployment records.`,
		Example: `  # Last 20 runs
  wsdeploy history

  # Failed runs of one workspace
  wsdeploy history --workspace sales-prod --status failed

  # One run in detail
  wsdeploy history 0b5c6f0e-6a4f-4f7e-9d55-3f0f7d1f3a20 --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openLedger(ctx, ledgerPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				detail, err := loadRunDetail(ctx, store, args[0])
				if err != nil {
					return err
				}
				return printRunDetail(cmd.OutOrStdout(), detail)
			}

			filter := stores.RunFilter{WorkspaceName: workspace, Limit: limit}
			if status != "" {
				filter.Status = engine.RunStatus(status)
			}
			runs, err := store.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}

	cmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "ledger database (default from configuration)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "only runs of this workspace")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (running, succeeded, failed, cancelled)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")

	cmd.AddCommand(newHistoryPruneCommand(&ledgerPath))

	return cmd
}

func newHistoryPruneCommand(ledgerPath *string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs older than a cutoff",
		Example: `  # Keep 90 days of history
  wsdeploy history prune --older-than 2160h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return engine.NewValidationError("--older-than must be positive", nil)
			}

			ctx := cmd.Context()
			store, err := openLedger(ctx, *ledgerPath)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneRuns(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d runs\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "age of the oldest run to keep")

	return cmd
}

// openLedger opens path, or the configured ledger when path is empty.
func openLedger(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.Ledger.Path
	}
	if path == "" {
		return nil, engine.NewValidationError("no ledger configured; set ledger.path or --ledger", nil)
	}
	return stores.Open(ctx, path)
}

func loadRunDetail(ctx context.Context, store stores.Ledger, runID string) (runDetail, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return runDetail{}, err
	}
	records, err := store.ListRecords(ctx, runID)
	if err != nil {
		return runDetail{}, err
	}
	transitions, err := store.ListTransitions(ctx, runID)
	if err != nil {
		return runDetail{}, err
	}
	return runDetail{Run: run, Records: records, Transitions: transitions}, nil
}
