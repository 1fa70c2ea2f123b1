package cli

import (
	"github.com/spf13/cobra"
)

var disableCmd = &cobra.Command{
	Use:   "disable <gate_name>",
	Short: "Disable gate by name in config.yaml",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleGate(args[0], false)
	},
}

func init() {
	disableCmd.ValidArgsFunction = completeGates

	rootCmd.AddCommand(disableCmd)
}
