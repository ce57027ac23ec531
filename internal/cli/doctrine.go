package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/bitgate/internal/doctrine"
)

// DoctrineSummary describes a compiled doctrine.
type DoctrineSummary struct {
	Source  string   `json:"source"`
	Version string   `json:"version"`
	Hash    string   `json:"hash"`
	Signals int      `json:"signals"`
	Hubs    []string `json:"hubs"`
	Tiers   int      `json:"tiers"`
	Actions int      `json:"actions"`
}

// NewDoctrineCommand groups doctrine subcommands.
func NewDoctrineCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctrine",
		Short: "Inspect and validate CUE doctrine",
	}
	cmd.AddCommand(newDoctrineValidateCommand(rootOpts))
	return cmd
}

func newDoctrineValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [doctrine-dir]",
		Short: "Compile a doctrine directory against the schema",
		Long: `Load every .cue file in a directory, unify it with the doctrine schema and
run the semantic checks. Without a directory the built-in doctrine is checked.

Examples:
  bitgate doctrine validate ./doctrine
  bitgate doctrine validate --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runDoctrineValidate(rootOpts, dir, cmd)
		},
	}
}

func runDoctrineValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	source := dir
	if source == "" {
		source = "built-in"
	}
	f.VerboseLog("Validating doctrine from %s", source)

	doc, err := doctrine.Load(dir)
	if err != nil {
		var cerr *doctrine.CompileError
		details := map[string]any{"source": source}
		if errors.As(err, &cerr) {
			details["field"] = cerr.Field
			if cerr.Pos.IsValid() {
				details["file"] = cerr.Pos.Filename()
				details["line"] = cerr.Pos.Line()
			}
		}
		if outErr := f.Error("INVALID_DOCTRINE", err.Error(), details); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "doctrine is invalid", err)
	}

	summary := DoctrineSummary{
		Source:  source,
		Version: doc.Version,
		Hash:    doc.Hash,
		Signals: len(doc.Signals),
		Hubs:    doc.HubIDs(),
		Tiers:   len(doc.Bands.Tiers),
		Actions: len(doc.Actions),
	}
	return f.Emit(summary, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Doctrine %s is valid\n", summary.Version)
		fmt.Fprintf(w, "  hash:    %s\n", summary.Hash)
		fmt.Fprintf(w, "  signals: %d\n", summary.Signals)
		fmt.Fprintf(w, "  hubs:    %v\n", summary.Hubs)
		fmt.Fprintf(w, "  tiers:   %d, actions: %d\n", summary.Tiers, summary.Actions)
	})
}
