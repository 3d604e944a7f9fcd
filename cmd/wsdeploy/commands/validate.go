package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/wsdeploy/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, profile and repository",
		Long: `Validate everything a deployment needs without contacting the platform.

This command checks:
  - the configuration file and environment overrides
  - the selected deployment profile row
  - the workspace principals
  - every .platform file of the repository folder against its schema
  - that the pipelines can be ordered (no circular invocations)
  - that the configured policies compile`,
		Example: `  # Validate using wsdeploy.yaml
  wsdeploy validate

  # Validate a CI configuration
  wsdeploy validate -c deploy/prod.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "configuration: ok (workspace %s)\n", cfg.Workspace.Name)

			principals, err := cfg.Principals()
			if err != nil {
				return err
			}
			schemas := config.NewSchemaRegistry()
			for _, p := range principals {
				if err := schemas.ValidatePrincipal(ctx, p); err != nil {
					return fmt.Errorf("principal %s: %w", p.Identifier, err)
				}
			}
			fmt.Fprintf(out, "principals: ok (%d)\n", len(principals))

			result, err := orderPipelines(ctx, cfg.Repository.Root, cfg.Repository.TargetFolder, log.Logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "repository: ok (%d artifacts, %d pipelines)\n", result.Artifacts, len(result.Order))

			if cfg.Policy.Enabled {
				eng, err := newPolicyEngine(ctx, cfg, true, log.Logger)
				if err != nil {
					return err
				}
				policies := eng.ListPolicies()
				disabled := 0
				for _, p := range policies {
					if !p.Enabled {
						disabled++
					}
				}
				fmt.Fprintf(out, "policies: ok (%d, %d disabled, %s)\n", len(policies), disabled, eng.Mode())
			} else {
				fmt.Fprintln(out, "policies: disabled")
			}

			log.Info().Str("workspace", cfg.Workspace.Name).Msg("Validation succeeded")
			return nil
		},
	}

	return cmd
}
