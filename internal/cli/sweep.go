package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/bitgate/internal/engine"
)

// sweepFuncs maps a sweep name to the runtime sweep it runs once.
var sweepFuncs = map[string]func(*engine.Runtime, context.Context) error{
	"hubs":    (*engine.Runtime).SweepHubs,
	"retries": (*engine.Runtime).SweepRetries,
	"decay":   (*engine.Runtime).SweepDecay,
	"archive": (*engine.Runtime).SweepArchive,
}

// SweepNames lists the accepted sweeps in the order "all" runs them.
var SweepNames = []string{"hubs", "retries", "decay", "archive"}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep {hubs|retries|decay|archive|all}",
		Short: "Run one background sweep once",
		Long: `Run a sweep that serve otherwise runs on a timer:

  hubs     pass every entity through the hub waterfall
  retries  retry due hub errors and climb the escalation ladder
  decay    recompute entities whose evidence is due to expire
  archive  archive terminal error records and purge expired archives
  all      every sweep above, in that order`,
		Args:          cobra.ExactArgs(1),
		ValidArgs:     append(slices.Clone(SweepNames), "all"),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(rootOpts, args[0], cmd)
		},
	}
}

func runSweep(opts *RootOptions, name string, cmd *cobra.Command) error {
	names := []string{name}
	if name == "all" {
		names = SweepNames
	} else if _, ok := sweepFuncs[name]; !ok {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("unknown sweep %q: must be one of %v or all", name, SweepNames))
	}

	f := opts.formatter(cmd)
	sys, err := opts.openSystem(cmd)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx := commandContext(cmd)
	for _, n := range names {
		f.VerboseLog("Running %s sweep", n)
		if err := sweepFuncs[n](sys.Runtime, ctx); err != nil {
			return f.Fail(n+" sweep failed", err)
		}
	}

	return f.Emit(map[string]any{"sweeps": names}, func(w io.Writer) {
		for _, n := range names {
			fmt.Fprintf(w, "✓ %s sweep finished\n", n)
		}
	})
}
