package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/engine"
	"github.com/roach88/meshsync/internal/store"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Last    int
	Details bool
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the run log",
		Long: `Show recent publish and instant runs, newest first.

Examples:
  meshsync runs
  meshsync runs --last 5 --details
  meshsync runs --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Last, "last", "n", 10, "number of runs to show")
	cmd.Flags().BoolVar(&opts.Details, "details", false, "show per-object outcomes")

	return cmd
}

func runRuns(opts *RunsOptions, cmd *cobra.Command) error {
	if opts.Last < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--last must be positive, got %d", opts.Last))
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	records, err := st.Runs(cmd.Context(), opts.Last)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run log", err)
	}
	if records == nil {
		records = []store.RunRecord{}
	}

	return opts.formatter(cmd).Render(records, func(w io.Writer) {
		if len(records) == 0 {
			fmt.Fprintln(w, "No runs recorded.")
			return
		}
		for _, r := range records {
			if opts.Details {
				var res engine.RunResult
				if err := json.Unmarshal(r.Result, &res); err == nil {
					writeRunResult(w, &res)
					continue
				}
			}
			fmt.Fprintf(w, "%s  %-10s %-8s %s (%s)\n", r.StartedAt.Format(time.RFC3339), r.Tenant, r.Status, r.ID,
				r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		}
	})
}
