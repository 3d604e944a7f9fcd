package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

func newPlanCommand(version string) *cobra.Command {
	var (
		dotFile      string
		failOnDenied bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview a deployment",
		Long: `Preview what 'deploy' would do without changing anything.

The plan:
  - looks the workspace up (a missing workspace is planned as created)
  - diffs the deployed artifacts against the repository folder
  - orders the pipelines to deploy by their invocations
  - evaluates the deployment policies against the result`,
		Example: `  # Show the plan
  wsdeploy plan

  # Write the pipeline dependency graph for Graphviz
  wsdeploy plan --dot pipelines.dot

  # Fail the CI step when a policy denies the plan
  wsdeploy plan --fail-on-denied`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{version: version, dryRun: true})
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			req, err := a.request()
			if err != nil {
				return err
			}

			ic := a.tel.StartCommand(cmd.Context(), "plan", req.WorkspaceName)
			preview, err := a.deployer.Plan(ic.Ctx, req)
			ic.End(err)
			if err != nil {
				return err
			}

			if err := printPreview(cmd.OutOrStdout(), preview); err != nil {
				return err
			}
			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(engine.RenderDOT(preview.PipelineOrder, preview.Edges)), 0o644); err != nil {
					return fmt.Errorf("failed to write graph: %w", err)
				}
			}
			if failOnDenied && preview.PolicyError != "" {
				return engine.NewPermanentError(preview.PolicyError, nil).WithCode(engine.ErrCodePolicyDenied)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the pipeline dependency graph to a DOT file")
	cmd.Flags().BoolVar(&failOnDenied, "fail-on-denied", false, "exit non-zero when a policy denies the plan")

	return cmd
}
