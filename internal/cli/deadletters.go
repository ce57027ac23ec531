package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewDeadLettersCommand groups the dead letter subcommands.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and requeue dead-lettered signals",
	}
	cmd.AddCommand(newDeadLettersListCommand(rootOpts))
	cmd.AddCommand(newDeadLettersRequeueCommand(rootOpts))
	return cmd
}

func newDeadLettersListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List dead-lettered signals with their reasons",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			f := rootOpts.formatter(cmd)
			sys, err := rootOpts.openSystem(cmd)
			if err != nil {
				return err
			}
			defer sys.Close()

			msgs, err := sys.Queue.DeadLetters(commandContext(cmd), limit)
			if err != nil {
				return f.Fail("failed to list dead letters", err)
			}
			msgs = nonNil(msgs)
			return f.Emit(msgs, func(w io.Writer) {
				if len(msgs) == 0 {
					fmt.Fprintln(w, "No dead letters")
					return
				}
				for _, m := range msgs {
					fmt.Fprintf(w, "%s %s %s attempts=%d: %s\n",
						m.QueueID, m.EntityID, m.SignalType, m.Attempts, m.DeadReason)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum records to list")

	return cmd
}

func newDeadLettersRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "requeue <queue-id>",
		Short:         "Return a dead-lettered signal to the queue",
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

			if err := sys.Queue.Requeue(commandContext(cmd), args[0]); err != nil {
				return f.Fail("requeue failed", err)
			}
			return f.Emit(map[string]string{"queue_id": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "Requeued %s\n", args[0])
			})
		},
	}
}
