package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/roach88/bitgate/internal/authz"
	"github.com/roach88/bitgate/internal/config"
	"github.com/roach88/bitgate/internal/engine"
	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/intake"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/retry"
	"github.com/roach88/bitgate/internal/store"
	"github.com/roach88/bitgate/internal/testutil"
)

// Harness executes one scenario against a freshly opened system.
type Harness struct {
	sys      *engine.System
	clock    *testutil.FakeClock
	result   *Result
	entities map[string]bool
	seq      int64
}

// Run executes a scenario in a throwaway database and returns its result.
// An error means the scenario could not run at all; a failed expectation is
// reported in the result.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "bitgate-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "scenario.db")
	cfg.DoctrineDir = sc.Doctrine

	clock := testutil.NewFakeClock(sc.Start)
	sys, err := engine.Open(ctx, cfg,
		engine.WithClock(clock),
		engine.WithIDs(testutil.NewSequenceIDs("id")),
		engine.WithNotifier(&retry.RecordingNotifier{}),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return nil, fmt.Errorf("failed to open system: %w", err)
	}
	defer sys.Close()

	h := &Harness{
		sys:      sys,
		clock:    clock,
		result:   NewResult(),
		entities: make(map[string]bool),
	}
	for i, step := range sc.Steps {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	if err := h.snapshotEntities(ctx); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(ctx, h.result, sc.Assertions, sys) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// execute runs one step. Domain failures land in the trace detail; only
// failures of the harness itself are returned.
func (h *Harness) execute(ctx context.Context, i int, step Step) error {
	kind := step.Kind()
	detail, stepErr := h.dispatch(ctx, kind, step)
	if detail == nil {
		detail = map[string]any{}
	}
	if stepErr != nil {
		detail["error"] = failure.CodeOf(stepErr)
		if _, expected := step.Expect["error"]; !expected {
			h.result.AddError(fmt.Sprintf("steps[%d] %s failed: %v", i, kind, stepErr))
		}
	}

	h.seq++
	h.result.Trace = append(h.result.Trace, TraceEvent{
		Seq:    h.seq,
		Step:   kind,
		At:     stamp(h.clock.Now()),
		Detail: detail,
	})

	if len(step.Expect) > 0 && !matchFields(detail, step.Expect) {
		h.result.AddError(fmt.Sprintf("steps[%d] %s: expected %v, got %v", i, kind, step.Expect, detail))
	}
	return nil
}

func (h *Harness) dispatch(ctx context.Context, kind string, step Step) (map[string]any, error) {
	switch kind {
	case StepSignal:
		return h.signal(ctx, step.Signal)
	case StepMetric:
		m := step.Metric
		h.entities[m.EntityID] = true
		err := h.sys.Hubs.ReportMetric(ctx, m.Hub, m.EntityID, m.Value, "scenario")
		return map[string]any{"hub": m.Hub, "entity_id": m.EntityID, "value": m.Value}, err
	case StepAuthorize:
		return h.authorize(ctx, step.Authorize)
	case StepAdvance:
		h.clock.Advance(step.Advance)
		return map[string]any{"by": step.Advance.String()}, nil
	case StepDrain:
		n, err := h.sys.Runtime.Drain(ctx)
		return map[string]any{"processed": int64(n)}, err
	case StepSweep:
		return map[string]any{"sweep": step.Sweep}, h.sweep(ctx, step.Sweep)
	case StepRecompute:
		h.entities[step.Recompute] = true
		out, err := h.sys.Bands.Recompute(ctx, step.Recompute)
		return map[string]any{
			"entity_id": step.Recompute,
			"committed": out.Committed,
			"band":      int64(out.State.CurrentBand),
		}, err
	case StepRebuild:
		drift, err := h.sys.Bands.Rebuild(ctx, false)
		return map[string]any{"drifted": int64(len(drift))}, err
	default:
		return nil, fmt.Errorf("unknown step kind %q", kind)
	}
}

func (h *Harness) signal(ctx context.Context, s *SignalStep) (map[string]any, error) {
	h.entities[s.EntityID] = true
	req := intake.Request{
		EntityID:   s.EntityID,
		SignalType: s.SignalType,
		SourceHub:  s.SourceHub,
		Payload:    ir.Payload(s.Payload),
		Magnitude:  s.Magnitude,
	}
	if s.Age > 0 {
		req.DetectedAt = h.clock.Now().Add(-s.Age)
	}
	detail := map[string]any{"entity_id": s.EntityID, "signal_type": s.SignalType}
	queueID, err := h.sys.Queue.Enqueue(ctx, req)
	if err == nil {
		detail["queue_id"] = queueID
	}
	return detail, err
}

func (h *Harness) authorize(ctx context.Context, a *AuthorizeStep) (map[string]any, error) {
	h.entities[a.EntityID] = true
	rec, err := h.sys.Gate.Authorize(ctx, authz.Request{
		EntityID:    a.EntityID,
		Action:      a.Action,
		Band:        ir.Band(a.Band),
		RequestedBy: "scenario",
	})
	detail := map[string]any{
		"entity_id":     a.EntityID,
		"action":        a.Action,
		"authorized":    rec.Authorized,
		"actual_band":   int64(rec.ActualBand),
		"required_band": int64(rec.RequiredBand),
		"proof_valid":   rec.ProofValid,
	}
	if rec.DenialReason != "" {
		detail["denial_reason"] = string(rec.DenialReason)
	}
	return detail, err
}

func (h *Harness) sweep(ctx context.Context, name string) error {
	switch name {
	case "hubs":
		return h.sys.Runtime.SweepHubs(ctx)
	case "retries":
		return h.sys.Runtime.SweepRetries(ctx)
	case "decay":
		return h.sys.Runtime.SweepDecay(ctx)
	case "archive":
		return h.sys.Runtime.SweepArchive(ctx)
	}
	return fmt.Errorf("unknown sweep %q", name)
}

// snapshotEntities records the final phase of every touched entity.
func (h *Harness) snapshotEntities(ctx context.Context) error {
	ids := make([]string, 0, len(h.entities))
	for id := range h.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		snap := map[string]any{"band": int64(0), "phase_status": string(ir.StatusDormant)}
		st, err := h.sys.Store.GetPhaseState(ctx, id)
		switch {
		case err == nil:
			snap["band"] = int64(st.CurrentBand)
			snap["phase_status"] = string(st.PhaseStatus)
			snap["score"] = st.Score
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		movements, err := h.sys.Store.ListMovements(ctx, id)
		if err != nil {
			return err
		}
		classes := make([]any, len(movements))
		for i, m := range movements {
			classes[i] = fmt.Sprintf("%d>%d %s", m.FromBand, m.ToBand, m.MovementClass)
		}
		snap["movements"] = classes
		h.result.Entities[id] = snap
	}
	return nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
