package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/bitgate/internal/ir"
)

// NewRegistryCommand groups the signal registry subcommands.
func NewRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and change signal type definitions",
	}
	cmd.AddCommand(newRegistryListCommand(rootOpts))
	cmd.AddCommand(newRegistryShowCommand(rootOpts))
	cmd.AddCommand(newRegistryRegisterCommand(rootOpts))
	cmd.AddCommand(newRegistryToggleCommand(rootOpts, "activate", true))
	cmd.AddCommand(newRegistryToggleCommand(rootOpts, "deactivate", false))
	return cmd
}

func newRegistryListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List every registered signal type",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			sys, err := rootOpts.openSystem(cmd)
			if err != nil {
				return err
			}
			defer sys.Close()

			entries := nonNil(sys.Registry.List())
			return f.Emit(entries, func(w io.Writer) {
				for _, e := range entries {
					writeRegistryEntry(w, e)
				}
			})
		},
	}
}

func newRegistryShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <signal-type>",
		Short:         "Show one signal type definition",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			sys, err := rootOpts.openSystem(cmd)
			if err != nil {
				return err
			}
			defer sys.Close()

			e, err := sys.Registry.Lookup(commandContext(cmd), args[0])
			if err != nil {
				return f.Fail("lookup failed", err)
			}
			return f.Emit(e, func(w io.Writer) { writeRegistryEntry(w, e) })
		},
	}
}

func newRegistryRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		category  string
		domain    string
		freshness time.Duration
		threshold int64
		weight    int64
		inactive  bool
	)

	cmd := &cobra.Command{
		Use:           "register <signal-type>",
		Short:         "Create or replace a signal type definition",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			sys, err := rootOpts.openSystem(cmd)
			if err != nil {
				return err
			}
			defer sys.Close()

			stored, err := sys.Registry.Register(commandContext(cmd), ir.RegistryEntry{
				SignalType:        args[0],
				Category:          category,
				Domain:            domain,
				FreshnessWindow:   freshness,
				ValidityThreshold: threshold,
				Weight:            weight,
				IsActive:          !inactive,
			})
			if err != nil {
				return f.Fail("register failed", err)
			}
			return f.Emit(stored, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Registered %s (version %d)\n", stored.SignalType, stored.Version)
			})
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "signal category")
	cmd.Flags().StringVar(&domain, "domain", "", "evidence domain the type counts toward")
	cmd.Flags().DurationVar(&freshness, "freshness", 0, "how long a signal stays fresh (e.g. 720h)")
	cmd.Flags().Int64Var(&threshold, "threshold", 0, "minimum validity in permille for a signal to count")
	cmd.Flags().Int64Var(&weight, "weight", 0, "score contributed by one valid signal")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "register the type switched off")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("freshness")
	_ = cmd.MarkFlagRequired("weight")

	return cmd
}

func newRegistryToggleCommand(rootOpts *RootOptions, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <signal-type>",
		Short:         fmt.Sprintf("Mark a signal type as is_active=%t", active),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			sys, err := rootOpts.openSystem(cmd)
			if err != nil {
				return err
			}
			defer sys.Close()

			e, err := sys.Registry.SetActive(commandContext(cmd), args[0], active)
			if err != nil {
				return f.Fail(use+" failed", err)
			}
			return f.Emit(e, func(w io.Writer) {
				fmt.Fprintf(w, "✓ %s is_active=%t (version %d)\n", e.SignalType, e.IsActive, e.Version)
			})
		},
	}
}

func writeRegistryEntry(w io.Writer, e ir.RegistryEntry) {
	state := "active"
	if !e.IsActive {
		state = "inactive"
	}
	fmt.Fprintf(w, "%s [%s/%s] fresh=%s threshold=%d weight=%d v%d %s\n",
		e.SignalType, e.Category, e.Domain, e.FreshnessWindow, e.ValidityThreshold, e.Weight, e.Version, state)
}
