package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/identity"
	"github.com/roach88/meshsync/internal/ir"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Action     string
	Type       string
	Attributes []string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <tenant> <object-id>",
		Short: "Record a source change in the dirty queue",
		Long: `Append one entry to the durable dirty queue. The entry only says that
something changed; the next publish run reads the current source state
and decides what to write.

Actions: create, modify, delete, move, dependency.

Examples:
  meshsync enqueue acme 1.42 --action modify --type page --attributes title,teaser
  meshsync enqueue acme 1.43 --action delete`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, args[0], ir.GlobalID(args[1]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Action, "action", string(ir.ActionModify), "change kind")
	cmd.Flags().StringVar(&opts.Type, "type", "", "object type")
	cmd.Flags().StringSliceVar(&opts.Attributes, "attributes", nil, "changed attributes")

	return cmd
}

// EnqueueResult is the JSON payload of enqueue.
type EnqueueResult struct {
	Seq    int64       `json:"seq"`
	Tenant string      `json:"tenant"`
	Object ir.GlobalID `json:"object"`
	Action ir.Action   `json:"action"`
}

func runEnqueue(opts *EnqueueOptions, tenant string, id ir.GlobalID, cmd *cobra.Command) error {
	action, err := ir.ParseAction(opts.Action)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid action", err)
	}
	if _, err := identity.UUID(id); err != nil {
		return WrapExitError(ExitCommandError, "invalid object id", err)
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

	seq, err := st.Enqueue(cmd.Context(), ir.DirtyEntry{
		ObjectID:   id,
		ObjectType: opts.Type,
		Tenant:     tenant,
		Action:     action,
		Attributes: opts.Attributes,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to enqueue", err)
	}

	result := EnqueueResult{Seq: seq, Tenant: tenant, Object: id, Action: action}
	return opts.formatter(cmd).Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "Queued %s %s for %s (seq %d)\n", action, id, tenant, seq)
	})
}

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue [tenant]",
		Short: "List pending queue entries",
		Long: `List the entries waiting for the next publish run, oldest first, with
how many runs already attempted them.

Examples:
  meshsync queue
  meshsync queue acme --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := ""
			if len(args) == 1 {
				tenant = args[0]
			}
			return runQueue(opts, tenant, cmd)
		},
	}

	return cmd
}

func runQueue(opts *QueueOptions, tenant string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	entries, err := st.Pending(cmd.Context(), tenant)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}
	if entries == nil {
		entries = []ir.DirtyEntry{}
	}

	return opts.formatter(cmd).Render(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "Queue is empty.")
			return
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%6d  %-10s %-12s %-10s attempts=%d", e.Seq, e.Tenant, e.ObjectID, e.Action, e.Attempts)
			if e.ObjectType != "" {
				fmt.Fprintf(w, " type=%s", e.ObjectType)
			}
			if len(e.Attributes) > 0 {
				fmt.Fprintf(w, " attributes=%s", strings.Join(e.Attributes, ","))
			}
			fmt.Fprintln(w)
		}
	})
}
