package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/spf13/cobra"
)

var (
	runsLimit int
	runsState string
	runsJSON  bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stored runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		all, err := store.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}

		items := make([]domain.PipelineRun, 0, len(all))
		for _, r := range all {
			if runsState != "" && string(r.State) != runsState {
				continue
			}
			items = append(items, r)
		}

		if runsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "RUN\tBUILD\tSTATE\tSTAGE\tCREATED")
		for _, r := range items {
			stage := string(r.FailedStage())
			if stage == "" {
				stage = "-"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Source.BuildNumber, r.State, stage, r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs")
	runsCmd.Flags().StringVar(&runsState, "state", "", "show only runs in this state")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print JSON")

	_ = runsCmd.RegisterFlagCompletionFunc("state", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{
			string(domain.StatePending), string(domain.StateBuilding), string(domain.StateDeployedTest),
			string(domain.StateGating), string(domain.StatePromoting), string(domain.StateConverged), string(domain.StateFailed),
		}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(runsCmd)
}
