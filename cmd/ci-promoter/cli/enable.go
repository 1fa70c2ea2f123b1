package cli

import (
	"fmt"

	"github.com/davarch/ci-promoter/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <gate_name>",
	Short: "Enable gate by name in config.yaml",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleGate(args[0], true)
	},
}

func init() {
	enableCmd.ValidArgsFunction = completeGates

	rootCmd.AddCommand(enableCmd)
}

func completeGates(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	out := make([]string, 0, len(cfg.Gates))
	for _, g := range cfg.Gates {
		if toComplete == "" || startsWith(g.Name, toComplete) {
			out = append(out, g.Name)
		}
	}

	return out, cobra.ShellCompDirectiveNoFileComp
}

func toggleGate(name string, enabled bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	if !cfg.SetGateEnabled(name, enabled) {
		fmt.Printf("no change (gate %q already %s or not found)\n", name, verb)
		return nil
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", verb, name)
	return nil
}

func startsWith(s, pref string) bool {
	if len(pref) > len(s) {
		return false
	}

	return s[:len(pref)] == pref
}
