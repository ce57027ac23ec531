package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/bitgate/internal/authz"
	"github.com/roach88/bitgate/internal/ir"
)

// AuthorizeOptions holds flags for the authorize command.
type AuthorizeOptions struct {
	*RootOptions
	Band        int
	RequestedBy string
}

// NewAuthorizeCommand creates the authorize command.
func NewAuthorizeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuthorizeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "authorize <entity-id> <action>",
		Short: "Check an outbound action against the entity's proof",
		Long: `Evaluate whether an action may be taken for an entity. The decision is
appended to the authorization log either way.

Exit codes:
  0 - Authorized
  1 - Denied
  2 - Command error

Examples:
  bitgate authorize acme email_send
  bitgate authorize acme custom_action --band 3 --by sdr-console`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthorize(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Band, "band", 0, "minimum band requested by the caller")
	cmd.Flags().StringVar(&opts.RequestedBy, "by", "cli", "caller recorded in the authorization log")

	return cmd
}

func runAuthorize(opts *AuthorizeOptions, entityID, action string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	sys, err := opts.openSystem(cmd)
	if err != nil {
		return err
	}
	defer sys.Close()

	rec, err := sys.Gate.Authorize(commandContext(cmd), authz.Request{
		EntityID:    entityID,
		Action:      action,
		Band:        ir.Band(opts.Band),
		RequestedBy: opts.RequestedBy,
	})
	if err != nil {
		return f.Fail("authorize failed", err)
	}

	if err := f.Emit(rec, func(w io.Writer) {
		if rec.Authorized {
			fmt.Fprintf(w, "✓ %s authorized for %s (band %d, required %d)\n",
				action, entityID, rec.ActualBand, rec.RequiredBand)
		} else {
			fmt.Fprintf(w, "✗ %s denied for %s: %s (band %d, required %d)\n",
				action, entityID, rec.DenialReason, rec.ActualBand, rec.RequiredBand)
		}
		if rec.ProofID != "" {
			fmt.Fprintf(w, "  proof: %s\n", rec.ProofID)
		}
		if opts.Verbose && rec.ProofExcerpt != "" {
			fmt.Fprintf(w, "  %s\n", rec.ProofExcerpt)
		}
	}); err != nil {
		return err
	}

	if !rec.Authorized {
		return NewExitError(ExitFailure, "authorization denied: "+string(rec.DenialReason))
	}
	return nil
}

// MetricOptions holds flags for the metric command.
type MetricOptions struct {
	*RootOptions
	ReportedBy string
}

// NewMetricCommand creates the metric command.
func NewMetricCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MetricOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "metric <hub> <entity-id> <value>",
		Short: "Report a hub's core metric for an entity",
		Long: `Record the latest reading of a hub's core metric. The reading is used the
next time the hub sweeps the entity. Hubs measured from the band do not
accept reports.

Example:
  bitgate metric identity acme 92`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMetric(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ReportedBy, "by", "cli", "reporter recorded with the reading")

	return cmd
}

func runMetric(opts *MetricOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	hubID, entityID := args[0], args[1]

	value, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return WrapExitError(ExitCommandError, "metric value must be an integer", err)
	}

	sys, err := opts.openSystem(cmd)
	if err != nil {
		return err
	}
	defer sys.Close()

	if err := sys.Hubs.ReportMetric(commandContext(cmd), hubID, entityID, value, opts.ReportedBy); err != nil {
		return f.Fail("report metric failed", err)
	}

	return f.Emit(map[string]any{"hub_id": hubID, "entity_id": entityID, "value": value}, func(w io.Writer) {
		fmt.Fprintf(w, "Recorded %s=%d for %s\n", hubID, value, entityID)
	})
}
