package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Exit codes
const (
	exitFailure      = 1
	exitInvalid      = 2
	exitPolicyDenied = 3
	exitCancelled    = 130
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case engine.HasCode(err, engine.ErrCodePolicyDenied):
		return exitPolicyDenied
	case errors.Is(err, engine.ErrValidation):
		return exitInvalid
	default:
		return exitFailure
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wsdeploy",
		Short: "wsdeploy - analytics workspace deployment",
		Long: `wsdeploy deploys a folder of analytics artifacts (pipelines, notebooks,
lakehouses, eventhouses, KQL databases and environments) into a workspace
and reconciles the workspace with it.

A deployment:
  - resolves or creates the workspace and applies its membership
  - diffs the deployed artifacts against the repository folder
  - checks the plan against deployment policies
  - deletes artifacts that left the repository and waits until they are gone
  - deploys the rest in dependency order, pipelines after the pipelines they invoke`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default wsdeploy.yaml when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newDeployCommand(version))
	rootCmd.AddCommand(newPlanCommand(version))
	rootCmd.AddCommand(newOrderCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand(version))

	return rootCmd
}
