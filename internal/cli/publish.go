package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/engine"
	"github.com/roach88/meshsync/internal/identity"
	"github.com/roach88/meshsync/internal/ir"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	Tenant string
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Drain the dirty queue into the target",
		Long: `Drain pending queue entries into the target repository.

Every tenant with pending entries gets one run: the project is repaired,
pending objects are resolved against the current source state, and the
entries of every object that succeeded are removed. Deferred and failed
objects stay queued for the next run.

Exit codes:
  0 - Every run finished ok
  1 - A run was partial or failed
  2 - Command error (bad config, unreachable store, etc.)

Examples:
  meshsync publish
  meshsync publish --tenant acme
  meshsync publish --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "publish only this tenant")

	return cmd
}

func runPublish(opts *PublishOptions, cmd *cobra.Command) error {
	env, err := loadEnvironment(opts.RootOptions)
	if err != nil {
		return err
	}
	defer env.Close()

	eng := env.engine(opts.RootOptions)
	var results []*engine.RunResult
	var runErr error
	if opts.Tenant != "" {
		res, err := eng.PublishTenant(cmd.Context(), opts.Tenant)
		results, runErr = []*engine.RunResult{res}, err
	} else {
		results, runErr = eng.Publish(cmd.Context())
	}

	out := opts.formatter(cmd)
	if err := out.Render(results, func(w io.Writer) {
		if len(results) == 0 {
			fmt.Fprintln(w, "Nothing to publish.")
		}
		for _, res := range results {
			writeRunResult(w, res)
		}
	}); err != nil {
		return err
	}
	return runOutcome(results, runErr)
}

// runOutcome maps run results to an exit error.
func runOutcome(results []*engine.RunResult, runErr error) error {
	if runErr != nil {
		return WrapExitError(ExitFailure, "publish failed", runErr)
	}
	incomplete := 0
	for _, res := range results {
		if res != nil && res.Status != engine.StatusOK {
			incomplete++
		}
	}
	if incomplete > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d runs did not finish ok", incomplete, len(results)))
	}
	return nil
}

// writeRunResult prints a run header and one line per object.
func writeRunResult(w io.Writer, res *engine.RunResult) {
	if res == nil {
		return
	}
	fmt.Fprintf(w, "%s %s %s: %s", res.Mode, res.RunID, res.Tenant, res.Status)
	if res.Project != "" {
		fmt.Fprintf(w, " (project %s, branch %s)", res.Project, res.Branch)
	}
	fmt.Fprintln(w)
	if res.Error != "" {
		fmt.Fprintf(w, "  error [%s]: %s\n", res.ErrorKind, res.Error)
	}
	for _, o := range res.Objects {
		fmt.Fprintf(w, "  %-12s %-10s %s", o.ID, o.Status, o.Action)
		switch {
		case o.Error != "":
			fmt.Fprintf(w, "  [%s] %s", o.Kind, o.Error)
		case o.Note != "":
			fmt.Fprintf(w, "  %s", o.Note)
		}
		fmt.Fprintln(w)
		if len(o.Subtree) > 0 {
			fmt.Fprintf(w, "  %-12s subtree not published: %v\n", "", ids(o.Subtree))
		}
	}
	for _, job := range res.MigrationJobs {
		fmt.Fprintf(w, "  migration job %s\n", job)
	}
}

func ids(list []ir.GlobalID) []string {
	out := make([]string, len(list))
	for i, id := range list {
		out[i] = string(id)
	}
	return out
}

// InstantOptions holds flags for the instant command.
type InstantOptions struct {
	*RootOptions
}

// NewInstantCommand creates the instant command.
func NewInstantCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InstantOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "instant <tenant> <object-id>",
		Short: "Publish one object synchronously",
		Long: `Publish one object now, outside a batch run.

Requires instant_publish in the config. The object's queue entries are
left for the next batch run, which then finds nothing to write.

Examples:
  meshsync instant acme 1.42`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstant(opts, args[0], ir.GlobalID(args[1]), cmd)
		},
	}

	return cmd
}

func runInstant(opts *InstantOptions, tenant string, id ir.GlobalID, cmd *cobra.Command) error {
	if _, err := identity.UUID(id); err != nil {
		return WrapExitError(ExitCommandError, "invalid object id", err)
	}
	env, err := loadEnvironment(opts.RootOptions)
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := env.engine(opts.RootOptions).Instant(cmd.Context(), tenant, id)
	if err != nil && res == nil {
		return WrapExitError(ExitCommandError, "instant publish rejected", err)
	}
	out := opts.formatter(cmd)
	if err := out.Render(res, func(w io.Writer) { writeRunResult(w, res) }); err != nil {
		return err
	}
	return runOutcome([]*engine.RunResult{res}, err)
}
