package commands

import (
	"github.com/spf13/cobra"
	"go.trai.ch/kiln/internal/app"
)

func (c *CLI) newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache, compiler and dependency graph statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, _ := cmd.Flags().GetString("format")
			return c.app.Stats(cmd.Context(), app.StatsOptions{Format: format})
		},
	}
	cmd.Flags().StringP("format", "o", app.FormatText, "Output format: text or prometheus")
	return cmd
}
