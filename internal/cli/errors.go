package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/bitgate/internal/ir"
)

// NewErrorsCommand groups the operator queue subcommands.
func NewErrorsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Review and act on hub error records",
		Long: `Operate the per-hub error queues. Records that exhausted their retries
are parked or escalated; an operator resolves, parks, escalates or
requeues them here.`,
	}
	cmd.AddCommand(newErrorsListCommand(rootOpts))
	for _, action := range []string{"resolve", "park", "escalate", "requeue"} {
		cmd.AddCommand(newErrorsActionCommand(rootOpts, action))
	}
	return cmd
}

func newErrorsListCommand(rootOpts *RootOptions) *cobra.Command {
	var dispositions []string

	cmd := &cobra.Command{
		Use:   "list <hub>",
		Short: "List a hub's error records",
		Long: `List live error records of a hub, optionally filtered by disposition.

Examples:
  bitgate errors list identity
  bitgate errors list identity --disposition parked --disposition escalated`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runErrorsList(rootOpts, args[0], dispositions, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&dispositions, "disposition", nil,
		"filter by disposition (open|retrying|resolved|escalated|parked)")

	return cmd
}

func runErrorsList(opts *RootOptions, hubID string, filter []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	sys, err := opts.openSystem(cmd)
	if err != nil {
		return err
	}
	defer sys.Close()

	if _, err := sys.Hubs.Hub(hubID); err != nil {
		return f.Fail("unknown hub", err)
	}
	dispositions := make([]ir.Disposition, len(filter))
	for i, d := range filter {
		dispositions[i] = ir.Disposition(d)
	}

	recs, err := sys.Retry.Queue(commandContext(cmd), hubID, dispositions...)
	if err != nil {
		return f.Fail("failed to list errors", err)
	}
	recs = nonNil(recs)

	return f.Emit(recs, func(w io.Writer) {
		if len(recs) == 0 {
			fmt.Fprintf(w, "No error records for %s\n", hubID)
			return
		}
		for _, r := range recs {
			fmt.Fprintf(w, "%s %-9s %s entity=%s retries=%d/%d level=%d\n",
				r.ErrorID, r.Disposition, r.FailureCode, r.EntityID, r.RetryCount, r.MaxRetries, r.EscalationLevel)
			if opts.Verbose {
				fmt.Fprintf(w, "    %s\n", r.BlockingReason)
				if len(r.RawInput) > 0 {
					fmt.Fprintf(w, "    input: %v\n", map[string]any(r.RawInput))
				}
			}
		}
	})
}

func newErrorsActionCommand(rootOpts *RootOptions, action string) *cobra.Command {
	var note, by string

	short := map[string]string{
		"resolve":  "Mark an error record resolved",
		"park":     "Park an error record for later review",
		"escalate": "Escalate an error record one level",
		"requeue":  "Reopen an error record for another retry",
	}[action]

	cmd := &cobra.Command{
		Use:           action + " <hub> <error-id>",
		Short:         short,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runErrorsAction(rootOpts, action, args[0], args[1], note, by, cmd)
		},
	}

	cmd.Flags().StringVar(&by, "by", "cli", "operator recorded on the record")
	if action == "resolve" || action == "park" {
		cmd.Flags().StringVar(&note, "note", "", "resolution note or park reason")
	}

	return cmd
}

func runErrorsAction(opts *RootOptions, action, hubID, errorID, note, by string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	sys, err := opts.openSystem(cmd)
	if err != nil {
		return err
	}
	defer sys.Close()
	ctx := commandContext(cmd)

	var rec ir.ErrorRecord
	switch action {
	case "resolve":
		rec, err = sys.Retry.Resolve(ctx, hubID, errorID, note, by)
	case "park":
		rec, err = sys.Retry.Park(ctx, hubID, errorID, note, by)
	case "escalate":
		rec, err = sys.Retry.Escalate(ctx, hubID, errorID, by)
	case "requeue":
		rec, err = sys.Retry.Requeue(ctx, hubID, errorID)
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown operator action %q", action))
	}
	if err != nil {
		return f.Fail(action+" failed", err)
	}

	return f.Emit(rec, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s: %s (level %d)\n", hubID, rec.ErrorID, rec.Disposition, rec.EscalationLevel)
	})
}
