package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/davarch/ci-promoter/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var (
	gatesOnlyEnabled  bool
	gatesOnlyDisabled bool
	gatesJSON         bool
)

var gatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "List verification gates from config.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		items := make([]config.Gate, 0, len(cfg.Gates))
		for _, g := range cfg.Gates {
			if gatesOnlyEnabled && !g.Enabled {
				continue
			}
			if gatesOnlyDisabled && g.Enabled {
				continue
			}
			items = append(items, g)
		}

		if gatesJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "NAME\tKIND\tREQUIRED\tENABLED\tTIMEOUT")
		for _, g := range items {
			timeout := "-"
			if g.Timeout > 0 {
				timeout = g.Timeout.String()
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", g.Name, g.Kind, g.Required, g.Enabled, timeout)
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	gatesCmd.Flags().BoolVar(&gatesOnlyEnabled, "enabled", false, "show only enabled gates")
	gatesCmd.Flags().BoolVar(&gatesOnlyDisabled, "disabled", false, "show only disabled gates")
	gatesCmd.Flags().BoolVar(&gatesJSON, "json", false, "print JSON")

	gatesCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if gatesOnlyEnabled && gatesOnlyDisabled {
			return fmt.Errorf("flags --enabled and --disabled are mutually exclusive")
		}
		return nil
	}

	rootCmd.AddCommand(gatesCmd)
}
