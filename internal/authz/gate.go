// Package authz is the authorization gate consulted before any outreach
// action.
//
// The gate reads phase state and proofs through the store's read pool and
// never waits on ingestion. Every request appends exactly one row to the
// authorization log, whether it is granted, denied, malformed, or could not
// be evaluated because state was unreadable.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/bitgate/internal/doctrine"
	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/proof"
	"github.com/roach88/bitgate/internal/store"
)

// Request asks whether an entity may be the target of an action.
type Request struct {
	EntityID    string  `json:"entity_id"`
	Action      string  `json:"action"`
	Band        ir.Band `json:"band"`
	RequestedBy string  `json:"requested_by,omitempty"`
}

// stateReader is the slice of the store the gate decides from.
type stateReader interface {
	GetPhaseState(ctx context.Context, entityID string) (ir.PhaseState, error)
	LatestProof(ctx context.Context, entityID string, band ir.Band) (ir.ProofLine, error)
}

// Gate evaluates authorization requests.
//
// Thread-safety: safe for concurrent use.
type Gate struct {
	store   *store.Store
	reader  stateReader
	actions map[string]ir.Band
	clock   ir.Clock
	ids     ir.IDGenerator
	logger  *slog.Logger
}

// New creates a gate enforcing the doctrine's action minimums.
func New(st *store.Store, doc *doctrine.Doctrine, clock ir.Clock, ids ir.IDGenerator, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: st, reader: st, actions: doc.Actions, clock: clock, ids: ids, logger: logger}
}

// RequiredBand is the band an action needs: the larger of the requested
// band and the action's configured minimum. known is false for actions the
// doctrine does not name.
func (g *Gate) RequiredBand(action string, requested ir.Band) (required ir.Band, known bool) {
	minimum, known := g.actions[action]
	required = requested
	if minimum > required {
		required = minimum
	}
	return required, known
}

// Authorize evaluates a request and logs the decision. The returned record
// is the logged row.
//
// A malformed request (no entity, no action, negative band) is logged as an
// INVALID_REQUEST denial and returned without error. An error means either
// the decision could not be logged or state could not be read; in both
// cases the caller must treat the action as denied. Unreadable state is
// still logged, as a STATE_UNAVAILABLE denial, before the error returns.
func (g *Gate) Authorize(ctx context.Context, req Request) (ir.AuthorizationRecord, error) {
	rec, readErr := g.evaluate(ctx, req)
	rec.AuthorizationID = g.ids.Generate()
	rec.RequestedBy = req.RequestedBy
	if rec.RequestedBy == "" {
		rec.RequestedBy = "anonymous"
	}

	if err := g.store.AppendAuthorization(ctx, rec); err != nil {
		return rec, fmt.Errorf("authorize %s for %s: %w", req.Action, req.EntityID, err)
	}
	if readErr != nil {
		g.logger.Error("authorization state unavailable",
			"entity_id", rec.EntityID, "action", rec.RequestedAction, "error", readErr)
		return rec, failure.Wrap(failure.TransientExternal, string(ir.DenyStateUnavailable), readErr).
			WithEntity(req.EntityID)
	}

	if rec.Authorized {
		g.logger.Info("authorization granted",
			"entity_id", rec.EntityID, "action", rec.RequestedAction,
			"band", rec.ActualBand, "required_band", rec.RequiredBand, "proof_id", rec.ProofID)
	} else {
		g.logger.Info("authorization denied",
			"entity_id", rec.EntityID, "action", rec.RequestedAction,
			"band", rec.ActualBand, "required_band", rec.RequiredBand, "reason", rec.DenialReason)
	}
	return rec, nil
}

// evaluate decides a request without side effects. A non-nil error comes
// with a STATE_UNAVAILABLE denial: the decision could not be made.
func (g *Gate) evaluate(ctx context.Context, req Request) (ir.AuthorizationRecord, error) {
	now := g.clock.Now()
	required, known := g.RequiredBand(req.Action, req.Band)
	rec := ir.AuthorizationRecord{
		EntityID:        req.EntityID,
		RequestedAction: req.Action,
		RequestedBand:   req.Band,
		RequiredBand:    required,
		RequestedAt:     now,
	}

	switch {
	case req.EntityID == "" || req.Action == "":
		return deny(rec, ir.DenyInvalidRequest, "entity_id and action are required"), nil
	case req.Band < ir.BandNone:
		return deny(rec, ir.DenyInvalidRequest, "band must not be negative"), nil
	case !known && req.Band == ir.BandNone:
		return deny(rec, ir.DenyUnknownAction, fmt.Sprintf("action %q has no configured minimum band", req.Action)), nil
	}

	st, err := g.reader.GetPhaseState(ctx, req.EntityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return deny(rec, ir.DenyNoProof, fmt.Sprintf("entity %s has no phase state", req.EntityID)), nil
	case err != nil:
		return deny(rec, ir.DenyStateUnavailable, "phase state could not be read"), err
	}
	rec.ActualBand = st.CurrentBand

	p, err := g.reader.LatestProof(ctx, req.EntityID, st.CurrentBand)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return deny(rec, ir.DenyNoProof, fmt.Sprintf("entity %s has no proof at band %d", req.EntityID, st.CurrentBand)), nil
	case err != nil:
		return deny(rec, ir.DenyStateUnavailable, "proof could not be read"), err
	}
	rec.ProofID = p.ProofID
	rec.ProofExcerpt = proof.Excerpt(p)

	if p.Expired(now) {
		rec.ProofExcerpt += fmt.Sprintf("; expired %s", p.ValidUntil.UTC().Format(time.RFC3339))
		return deny(rec, ir.DenyProofExpired, ""), nil
	}
	rec.ProofValid = true

	if st.CurrentBand < required {
		return deny(rec, ir.DenyBandInsufficient, ""), nil
	}
	rec.Authorized = true
	return rec, nil
}

func deny(rec ir.AuthorizationRecord, reason ir.DenialReason, excerpt string) ir.AuthorizationRecord {
	rec.Authorized = false
	rec.DenialReason = reason
	if excerpt != "" {
		rec.ProofExcerpt = excerpt
	}
	return rec
}
