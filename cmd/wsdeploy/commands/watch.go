package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/wsdeploy/pkg/engine"
	"github.com/openfroyo/wsdeploy/pkg/repository"
)

func newWatchCommand(version string) *cobra.Command {
	var (
		debounce time.Duration
		initial  bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-deploy whenever the repository folder changes",
		Long: `Watch the repository folder and deploy after every change.

File events are debounced; changes made while a deployment runs trigger
exactly one more deployment after it. Deployments never overlap. A failed
deployment is reported and watching continues.

Policy files are reloaded on change when policy.watch is set.`,
		Example: `  # Deploy now and after every change
  wsdeploy watch

  # Wait for ten quiet seconds before deploying
  wsdeploy watch --debounce 10s --initial=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{version: version, ledger: true, metricsServer: true, watchPolicies: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			req, err := a.request()
			if err != nil {
				return err
			}

			watcher, err := repository.NewWatcher(req.RepositoryRoot, req.TargetFolder, debounce, a.logger)
			if err != nil {
				return err
			}
			defer watcher.Close()

			watchErr := make(chan error, 1)
			go func() { watchErr <- watcher.Run(ctx) }()

			deploy := func() {
				ic := a.tel.StartCommand(ctx, "deploy", req.WorkspaceName)
				report, err := a.deployer.Deploy(ic.Ctx, req)
				log := ic.EndRun(report, err).Zerolog()
				// Each run's trace is exported before waiting for the next change.
				if ferr := a.tel.Flush(context.WithoutCancel(ctx)); ferr != nil {
					log.Warn().Err(ferr).Msg("Failed to flush spans")
				}
				if report != nil {
					if perr := printReport(cmd.OutOrStdout(), report); perr != nil {
						log.Warn().Err(perr).Msg("Failed to print report")
					}
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Str("code", engine.ErrorCode(err)).Msg("Deployment failed, waiting for the next change")
				}
			}

			if initial {
				deploy()
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-watchErr:
					if err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				case <-watcher.Changes():
					a.logger.Info().Msg("Repository changed, deploying")
					deploy()
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", repository.DefaultDebounce, "quiet period before a change is deployed")
	cmd.Flags().BoolVar(&initial, "initial", true, "deploy once before waiting for changes")

	return cmd
}
