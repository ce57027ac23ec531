package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/bitgate/internal/intake"
	"github.com/roach88/bitgate/internal/ir"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	EntityID      string
	SignalType    string
	SourceHub     string
	Category      string
	Payload       string
	Magnitude     int64
	Priority      int
	DetectedAt    string
	CorrelationID string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Put a detected signal on the ingestion queue",
		Long: `Validate a signal against the registry and enqueue it for ingestion.
The signal is recorded and the entity recomputed when a consumer (serve or
drain) leases it.

Examples:
  bitgate enqueue --entity acme --type dol_filing_match --source dol --payload '{"ein":"12-3456789"}'
  bitgate enqueue --entity acme --type executive_movement --source people --detected-at 2026-01-04T09:00:00Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EntityID, "entity", "", "entity id (required)")
	cmd.Flags().StringVar(&opts.SignalType, "type", "", "registered signal type (required)")
	cmd.Flags().StringVar(&opts.SourceHub, "source", "", "hub that detected the signal (required)")
	cmd.Flags().StringVar(&opts.Category, "category", "", "signal category, checked against the registry")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "signal payload as a JSON object")
	cmd.Flags().Int64Var(&opts.Magnitude, "magnitude", 0, "signal magnitude (default from the registry)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "delivery priority, higher first")
	cmd.Flags().StringVar(&opts.DetectedAt, "detected-at", "", "detection time (RFC3339, default now)")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "producer correlation id")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	payload, err := ir.DecodePayload([]byte(opts.Payload))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload", err)
	}
	var detectedAt time.Time
	if opts.DetectedAt != "" {
		if detectedAt, err = time.Parse(time.RFC3339, opts.DetectedAt); err != nil {
			return WrapExitError(ExitCommandError, "invalid --detected-at", err)
		}
	}

	sys, err := opts.openSystem(cmd)
	if err != nil {
		return err
	}
	defer sys.Close()

	queueID, err := sys.Queue.Enqueue(commandContext(cmd), intake.Request{
		EntityID:      opts.EntityID,
		SignalType:    opts.SignalType,
		Category:      opts.Category,
		Payload:       payload,
		Magnitude:     opts.Magnitude,
		SourceHub:     opts.SourceHub,
		Priority:      opts.Priority,
		DetectedAt:    detectedAt,
		CorrelationID: opts.CorrelationID,
	})
	if err != nil {
		return f.Fail("enqueue failed", err)
	}

	return f.Emit(map[string]string{"queue_id": queueID}, func(w io.Writer) {
		fmt.Fprintf(w, "Enqueued %s for %s (queue_id %s)\n", opts.SignalType, opts.EntityID, queueID)
	})
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process every deliverable queued signal and exit",
		Long: `Lease and process queued signals across all partitions until nothing is
deliverable, recomputing each affected entity. Useful for batch imports
and for operating without a long-running serve process.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(rootOpts, cmd)
		},
	}
}

func runDrain(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	sys, err := opts.openSystem(cmd)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx := commandContext(cmd)
	n, err := sys.Runtime.Drain(ctx)
	if err != nil {
		return f.Fail("drain failed", err)
	}
	depth, err := sys.Store.QueueDepth(ctx)
	if err != nil {
		return f.Fail("queue depth", err)
	}

	return f.Emit(map[string]int{"processed": n, "queue_depth": depth}, func(w io.Writer) {
		fmt.Fprintf(w, "Processed %d signal(s); %d left on the queue\n", n, depth)
	})
}
