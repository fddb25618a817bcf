package commands

import (
	"github.com/spf13/cobra"
	"go.trai.ch/kiln/internal/app"
)

func (c *CLI) newCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile [paths...]",
		Short: "Compile files, serving unchanged ones from the cache",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				_ = cmd.Help()
				return nil
			}
			force, _ := cmd.Flags().GetBool("force")
			return c.app.Compile(cmd.Context(), args, app.CompileOptions{Force: force})
		},
	}
	cmd.Flags().BoolP("force", "f", false, "Bypass the cache and recompile every file")
	return cmd
}
