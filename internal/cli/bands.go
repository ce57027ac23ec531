package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/bitgate/internal/ir"
)

// RecomputeResult is the output of the recompute command.
type RecomputeResult struct {
	EntityID   string        `json:"entity_id"`
	Committed  bool          `json:"committed"`
	MovementID string        `json:"movement_id,omitempty"`
	ProofID    string        `json:"proof_id,omitempty"`
	State      ir.PhaseState `json:"state"`
}

// NewRecomputeCommand creates the recompute command.
func NewRecomputeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <entity-id>",
		Short: "Reassess an entity's band from its recorded signals",
		Long: `Recompute an entity's band now. A transition is committed only when the
band, status or cited evidence changed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecompute(rootOpts, args[0], cmd)
		},
	}
}

func runRecompute(opts *RootOptions, entityID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	sys, err := opts.openSystem(cmd)
	if err != nil {
		return err
	}
	defer sys.Close()

	out, err := sys.Bands.Recompute(commandContext(cmd), entityID)
	if err != nil {
		return f.Fail("recompute failed", err)
	}

	result := RecomputeResult{EntityID: entityID, Committed: out.Committed, State: out.State}
	if out.Committed {
		result.MovementID = out.Movement.MovementID
		result.ProofID = out.Proof.ProofID
	}
	return f.Emit(result, func(w io.Writer) {
		if !out.Committed {
			fmt.Fprintf(w, "%s unchanged at band %d (%s)\n", entityID, out.State.CurrentBand, out.State.PhaseStatus)
			return
		}
		fmt.Fprintf(w, "%s: %s %d -> %d (%s)\n", entityID, out.Movement.MovementClass,
			out.Movement.FromBand, out.Movement.ToBand, out.State.PhaseStatus)
		fmt.Fprintf(w, "  movement: %s\n", result.MovementID)
		if result.ProofID != "" {
			fmt.Fprintf(w, "  proof:    %s\n", result.ProofID)
		}
	})
}

// DriftReport is one entity whose stored phase state disagrees with its
// movement log.
type DriftReport struct {
	EntityID    string   `json:"entity_id"`
	Missing     bool     `json:"missing"`
	Fields      []string `json:"fields"`
	StoredBand  ir.Band  `json:"stored_band"`
	RebuiltBand ir.Band  `json:"rebuilt_band"`
}

// RebuildResult is the output of the rebuild command.
type RebuildResult struct {
	Repaired bool          `json:"repaired"`
	Drift    []DriftReport `json:"drift"`
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Replay movement logs and report phase state drift",
		Long: `Replay every entity's movement log and compare the result with the stored
phase state. With --repair, drifted rows are overwritten by the replayed
state.

Exit codes:
  0 - No drift, or drift repaired
  1 - Drift found without --repair
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(rootOpts, repair, cmd)
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "overwrite drifted phase state rows")

	return cmd
}

func runRebuild(opts *RootOptions, repair bool, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	sys, err := opts.openSystem(cmd)
	if err != nil {
		return err
	}
	defer sys.Close()

	drifts, err := sys.Bands.Rebuild(commandContext(cmd), repair)
	if err != nil {
		return f.Fail("rebuild failed", err)
	}

	result := RebuildResult{Repaired: repair, Drift: make([]DriftReport, 0, len(drifts))}
	for _, d := range drifts {
		result.Drift = append(result.Drift, DriftReport{
			EntityID:    d.EntityID,
			Missing:     d.Missing,
			Fields:      d.Fields,
			StoredBand:  d.Stored.CurrentBand,
			RebuiltBand: d.Rebuilt.CurrentBand,
		})
	}

	if err := f.Emit(result, func(w io.Writer) {
		if len(result.Drift) == 0 {
			fmt.Fprintln(w, "✓ Phase state matches the movement log")
			return
		}
		verb := "drifted"
		if repair {
			verb = "repaired"
		}
		for _, d := range result.Drift {
			if d.Missing {
				fmt.Fprintf(w, "%s %s: state row missing (log implies band %d)\n", verb, d.EntityID, d.RebuiltBand)
				continue
			}
			fmt.Fprintf(w, "%s %s: %v (stored band %d, log band %d)\n", verb, d.EntityID, d.Fields, d.StoredBand, d.RebuiltBand)
		}
	}); err != nil {
		return err
	}

	if len(result.Drift) > 0 && !repair {
		return NewExitError(ExitFailure, fmt.Sprintf("%d entit(ies) drifted", len(result.Drift)))
	}
	return nil
}
