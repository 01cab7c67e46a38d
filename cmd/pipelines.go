package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/policy-crawler/internal/stages"
)

// newPipelinesCmd lists the pipelines the configuration may name.
func newPipelinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List the registered pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range stages.Registry().Names() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
