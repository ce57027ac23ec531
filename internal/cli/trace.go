package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Limit int
}

// TraceResult is everything recorded about one entity.
type TraceResult struct {
	EntityID       string                   `json:"entity_id"`
	Phase          *ir.PhaseState           `json:"phase"`
	Movements      []ir.MovementEvent       `json:"movements"`
	Proofs         []ir.ProofLine           `json:"proofs"`
	Hubs           []ir.HubProgress         `json:"hubs"`
	Authorizations []ir.AuthorizationRecord `json:"authorizations"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <entity-id>",
		Short: "Show an entity's phase, movements, proofs and authorizations",
		Long: `Print the audit trail of an entity: the current phase state, every
committed movement with its evidence, the proof lines backing each band,
hub waterfall progress and recent authorization decisions.

Examples:
  bitgate trace acme
  bitgate trace acme --format json
  bitgate trace acme --limit 10 --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum authorization records to show")

	return cmd
}

func runTrace(opts *TraceOptions, entityID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if opts.Limit <= 0 {
		return NewExitError(ExitCommandError, "--limit must be positive")
	}

	sys, err := opts.openSystem(cmd)
	if err != nil {
		return err
	}
	defer sys.Close()
	ctx := commandContext(cmd)

	result := TraceResult{EntityID: entityID}
	phase, err := sys.Store.GetPhaseState(ctx, entityID)
	switch {
	case err == nil:
		result.Phase = &phase
	case !errors.Is(err, store.ErrNotFound):
		return f.Fail("failed to read phase state", err)
	}

	if result.Movements, err = sys.Store.ListMovements(ctx, entityID); err != nil {
		return f.Fail("failed to read movements", err)
	}
	if result.Proofs, err = sys.Store.ListProofs(ctx, entityID); err != nil {
		return f.Fail("failed to read proofs", err)
	}
	if result.Hubs, err = sys.Hubs.Progress(ctx, entityID); err != nil {
		return f.Fail("failed to read hub progress", err)
	}
	if result.Authorizations, err = sys.Store.ListAuthorizations(ctx, entityID, opts.Limit); err != nil {
		return f.Fail("failed to read authorizations", err)
	}
	result.Movements = nonNil(result.Movements)
	result.Proofs = nonNil(result.Proofs)
	result.Hubs = nonNil(result.Hubs)
	result.Authorizations = nonNil(result.Authorizations)

	return f.Emit(result, func(w io.Writer) {
		outputTraceText(w, result, opts.Verbose)
	})
}

func outputTraceText(w io.Writer, r TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace for Entity: %s\n", r.EntityID)
	if r.Phase == nil {
		fmt.Fprintln(w, "Phase: (no state)")
	} else {
		p := r.Phase
		fmt.Fprintf(w, "Phase: band %d, %s, score %d, domains %v\n",
			p.CurrentBand, p.PhaseStatus, p.Score, p.ActiveDomainFlags)
		if p.PrimaryPressure != "" {
			fmt.Fprintf(w, "Pressure: %s\n", p.PrimaryPressure)
		}
		if !p.NextReviewAt.IsZero() {
			fmt.Fprintf(w, "Next review: %s\n", stamp(p.NextReviewAt))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Movements ===")
	if len(r.Movements) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, m := range r.Movements {
		fmt.Fprintf(w, "  [%d] %s %s %d -> %d score %d (%s)\n",
			m.Seq, stamp(m.ValidFrom), m.MovementClass, m.FromBand, m.ToBand, m.Score, m.SourceHub)
		if verbose {
			for _, s := range m.Evidence.Signals {
				fmt.Fprintf(w, "      %s %s +%d valid until %s\n",
					s.SignalType, s.Domain, s.Contribution, stamp(s.ValidUntil))
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Proofs ===")
	if len(r.Proofs) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, p := range r.Proofs {
		fmt.Fprintf(w, "  %s band %d valid until %s\n", p.ProofID, p.Band, stamp(p.ValidUntil))
		if verbose && p.HumanReadable != "" {
			fmt.Fprintf(w, "      %s\n", p.HumanReadable)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Hubs ===")
	if len(r.Hubs) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, h := range r.Hubs {
		line := fmt.Sprintf("  %-12s %-9s metric %d", h.HubID, h.Status, h.MetricValue)
		if h.StatusReason != "" {
			line += " (" + h.StatusReason + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Authorizations ===")
	if len(r.Authorizations) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, a := range r.Authorizations {
		verdict := "allowed"
		if !a.Authorized {
			verdict = "denied " + string(a.DenialReason)
		}
		fmt.Fprintf(w, "  %s %s band %d/%d %s\n",
			stamp(a.RequestedAt), a.RequestedAction, a.ActualBand, a.RequiredBand, verdict)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
