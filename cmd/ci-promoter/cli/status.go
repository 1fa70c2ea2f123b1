package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/davarch/ci-promoter/internal/infrastructure/config"
	"github.com/davarch/ci-promoter/internal/infrastructure/store_sqlite"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a stored run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		run, err := store.GetRun(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		return printRun(os.Stdout, run, statusJSON)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	statusCmd.ValidArgsFunction = completeRunIDs

	rootCmd.AddCommand(statusCmd)
}

// openStore opens the run store without wiring any backend, so read-only
// commands work without cluster credentials.
func openStore() (*store_sqlite.RunSQLiteStore, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := store_sqlite.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	return store_sqlite.NewRunSQLiteStore(db), func() { _ = db.Close() }, nil
}

func completeRunIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	store, closeStore, err := openStore()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	defer closeStore()

	runs, err := store.ListRuns(context.Background(), 50)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		if toComplete == "" || startsWith(r.ID, toComplete) {
			out = append(out, r.ID+"\t"+string(r.State))
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

func printRun(w io.Writer, run domain.PipelineRun, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "RUN\t%s\n", run.ID)
	_, _ = fmt.Fprintf(tw, "STATE\t%s\n", run.State)
	_, _ = fmt.Fprintf(tw, "BUILD\t%s\n", run.Source.BuildNumber)
	if img := run.Artifact.Image(); img != "" {
		_, _ = fmt.Fprintf(tw, "IMAGE\t%s\n", img)
	}
	if run.ResumedFrom != "" {
		_, _ = fmt.Fprintf(tw, "RESUMED_FROM\t%s\n", run.ResumedFrom)
	}
	if run.Commit != nil {
		_, _ = fmt.Fprintf(tw, "COMMIT\t%s\n", run.Commit.SHA)
	}
	if run.Failure != nil {
		_, _ = fmt.Fprintf(tw, "FAILED_AT\t%s (%s)\n", run.Failure.Stage, run.Failure.Kind)
		_, _ = fmt.Fprintf(tw, "ERROR\t%s\n", firstLine(run.Failure.Message))
	}
	_, _ = fmt.Fprintf(tw, "EXIT_CODE\t%d\n", domain.ExitCode(run))
	_ = tw.Flush()

	if len(run.Gates) > 0 {
		_, _ = fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "GATE\tOUTCOME\tREQUIRED\tATTEMPTS\tDURATION")
		for _, g := range run.Gates {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\n", g.Gate, g.Outcome, g.Required, g.Attempts, g.Duration.Round(time.Millisecond))
		}
		_ = tw.Flush()
	}

	if len(run.Environments) > 0 {
		envs := make([]string, 0, len(run.Environments))
		for name := range run.Environments {
			envs = append(envs, name)
		}
		sort.Strings(envs)

		_, _ = fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ENVIRONMENT\tPHASE\tIMAGE\tREADY")
		for _, name := range envs {
			st := run.Environments[name]
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\n", name, st.Phase, st.DesiredImage, st.ReadyReplicas, st.Replicas)
		}
		_ = tw.Flush()
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
