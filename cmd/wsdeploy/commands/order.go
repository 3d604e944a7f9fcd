package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/wsdeploy/pkg/config"
	"github.com/openfroyo/wsdeploy/pkg/engine"
	"github.com/openfroyo/wsdeploy/pkg/repository"
)

func newOrderCommand() *cobra.Command {
	var (
		root string
		dot  bool
	)

	cmd := &cobra.Command{
		Use:   "order [folder]",
		Short: "Show the pipeline deploy order of a repository folder",
		Long: `Compute the order in which the pipelines of a repository folder are deployed.

References between pipelines are read from their bodies and resolved through
the logical ids declared in the .platform files. No platform access or
configuration is needed.`,
		Example: `  # Order the pipelines of ./workspace
  wsdeploy order workspace

  # Render the dependency graph
  wsdeploy order workspace --dot | dot -Tsvg > pipelines.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder := ""
			if len(args) > 0 {
				folder = args[0]
			}

			result, err := orderPipelines(cmd.Context(), root, folder, log.Logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case dot:
				_, err = fmt.Fprint(out, result.dot)
				return err
			case jsonOutput:
				return printJSON(out, result)
			}

			if len(result.Order) == 0 {
				fmt.Fprintln(out, "No pipelines found")
				return nil
			}
			for i, name := range result.Order {
				fmt.Fprintf(out, "%3d. %s\n", i+1, name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", ".", "repository root")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in DOT format")

	return cmd
}

type orderResult struct {
	Artifacts int                     `json:"artifacts"`
	Order     []string                `json:"order"`
	Edges     []engine.DependencyEdge `json:"edges"`

	dot string
}

// orderPipelines scans a repository folder and orders its pipelines without
// contacting the platform.
func orderPipelines(ctx context.Context, root, folder string, logger zerolog.Logger) (*orderResult, error) {
	scanner := repository.NewScanner(config.NewSchemaRegistry(), logger)
	inventory := engine.NewArtifactInventory(nil, scanner, nil, logger)

	desired, err := inventory.SnapshotDesired(ctx, root, folder)
	if err != nil {
		return nil, err
	}

	var pipelines []engine.PipelineBody
	for _, a := range desired {
		if a.Type.IsPipeline() {
			pipelines = append(pipelines, engine.PipelineBody{Name: a.DisplayName, Body: a.Body})
		}
	}
	sort.Slice(pipelines, func(i, j int) bool {
		return strings.ToLower(pipelines[i].Name) < strings.ToLower(pipelines[j].Name)
	})

	resolver := engine.NewDependencyResolver(inventory, engine.LookupRepository, logger)
	order, err := resolver.Order(pipelines)
	if err != nil {
		return nil, err
	}

	return &orderResult{
		Artifacts: len(desired),
		Order:     order,
		Edges:     resolver.Edges(),
		dot:       resolver.ToDOT(),
	}, nil
}
