package commands

import (
	"github.com/spf13/cobra"
	"go.trai.ch/kiln/internal/app"
)

func (c *CLI) newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Clear the artifact cache and dependency graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			optimize, _ := cmd.Flags().GetBool("optimize")
			return c.app.Clean(cmd.Context(), app.CleanOptions{Optimize: optimize})
		},
	}
	cmd.Flags().Bool("optimize", false, "Only drop expired entries and enforce the disk budget")
	return cmd
}
