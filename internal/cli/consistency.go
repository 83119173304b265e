package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/consistency"
)

// ConsistencyOptions holds flags for the check and repair commands.
type ConsistencyOptions struct {
	*RootOptions
	Mode  consistency.Mode
	Force bool
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return newConsistencyCommand(&ConsistencyOptions{RootOptions: rootOpts, Mode: consistency.ModeCheck}, `check <tenant>...`,
		"Report drift between the configuration and the target",
		`Compare each tenant's project, branches, schemas, microschemas and roles
with what the configuration requires. Nothing is written.

Exit codes:
  0 - No drift
  1 - Drift found, or a check failed
  2 - Command error

Examples:
  meshsync check acme
  meshsync check acme globex --format json`)
}

// NewRepairCommand creates the repair command.
func NewRepairCommand(rootOpts *RootOptions) *cobra.Command {
	return newConsistencyCommand(&ConsistencyOptions{RootOptions: rootOpts, Mode: consistency.ModeRepair}, `repair <tenant>...`,
		"Bring the target in line with the configuration",
		`Create or update each tenant's project, branches, schemas and roles so
they match the configuration. Content nodes are not touched; publish
does that.

Exit codes:
  0 - Every repair succeeded
  1 - A repair failed
  2 - Command error

Examples:
  meshsync repair acme
  meshsync repair acme --force`)
}

func newConsistencyCommand(opts *ConsistencyOptions, use, short, long string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          long,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsistency(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "diff schemas against the target even when the local cache matches")

	return cmd
}

// ConsistencyResult is the JSON payload of check and repair.
type ConsistencyResult struct {
	Reports []*consistency.Report `json:"reports"`
	Errors  map[string]string     `json:"errors,omitempty"`
	Drift   bool                  `json:"drift"`
}

func runConsistency(opts *ConsistencyOptions, tenants []string, cmd *cobra.Command) error {
	env, err := loadEnvironment(opts.RootOptions)
	if err != nil {
		return err
	}
	defer env.Close()

	checker := env.checker()
	result := ConsistencyResult{Reports: []*consistency.Report{}}
	for _, tenant := range tenants {
		rep, err := checker.Run(cmd.Context(), tenant, opts.Mode, opts.Force)
		if err != nil {
			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}
			result.Errors[tenant] = err.Error()
			continue
		}
		result.Reports = append(result.Reports, rep)
		result.Drift = result.Drift || rep.Drift()
	}

	out := opts.formatter(cmd)
	if err := out.Render(result, func(w io.Writer) {
		for _, rep := range result.Reports {
			writeReport(w, rep)
		}
		for _, tenant := range tenants {
			if msg, ok := result.Errors[tenant]; ok {
				fmt.Fprintf(w, "%s %s: error: %s\n", opts.Mode, tenant, msg)
			}
		}
	}); err != nil {
		return err
	}

	switch {
	case len(result.Errors) > 0:
		return NewExitError(ExitFailure, fmt.Sprintf("%s failed for %d of %d tenants", opts.Mode, len(result.Errors), len(tenants)))
	case opts.Mode == consistency.ModeCheck && result.Drift:
		return NewExitError(ExitFailure, "drift found")
	}
	return nil
}

func writeReport(w io.Writer, rep *consistency.Report) {
	state := "in sync"
	if rep.Drift() {
		state = "drift"
		if rep.Mode == consistency.ModeRepair {
			state = "repaired"
		}
	}
	fmt.Fprintf(w, "%s %s: %s (project %s, branch %s)\n", rep.Mode, rep.Tenant, state, rep.Project.Name, rep.Branch)
	for _, c := range rep.Changes {
		fmt.Fprintf(w, "  %-14s %s", c.Kind, c.Subject)
		if c.Detail != "" {
			fmt.Fprintf(w, " (%s)", c.Detail)
		}
		fmt.Fprintln(w)
	}
	for _, s := range rep.Schemas {
		fmt.Fprintf(w, "  %-14s %s %s", s.Kind, s.Name, s.Outcome)
		if s.Version > 0 {
			fmt.Fprintf(w, " @%d", s.Version)
		}
		fmt.Fprintln(w)
	}
	for _, f := range rep.Failed {
		fmt.Fprintf(w, "  failed type    %v\n", f)
	}
	for _, job := range rep.Jobs {
		fmt.Fprintf(w, "  migration job  %s\n", job)
	}
}
