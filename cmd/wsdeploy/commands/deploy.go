package commands

import (
	"github.com/spf13/cobra"
)

func newDeployCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Reconcile the workspace with the repository folder",
		Long: `Deploy the configured repository folder into the workspace.

The workspace is created when missing and its membership is replaced by the
configured principals. Artifacts that left the repository are deleted first;
the rest are created or updated, lakehouses and other storage before
notebooks, pipelines after the pipelines they invoke.

A failed run that created the workspace removes it again. Every run is
recorded in the ledger when one is configured.`,
		Example: `  # Deploy using wsdeploy.yaml in the current directory
  wsdeploy deploy

  # Deploy with an explicit config and JSON output
  wsdeploy deploy -c deploy/prod.yaml --json

  # Deploy the row of a profile CSV
  WSDEPLOY_PROFILE_PATH=profiles.csv deployment_env=prod environment_type=sales wsdeploy deploy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{version: version, ledger: true, metricsServer: true})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			req, err := a.request()
			if err != nil {
				return err
			}

			ic := a.tel.StartCommand(cmd.Context(), "deploy", req.WorkspaceName)
			report, err := a.deployer.Deploy(ic.Ctx, req)
			ic.EndRun(report, err)

			if report != nil {
				if perr := printReport(cmd.OutOrStdout(), report); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}

	return cmd
}
