package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/testutil"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestQueued creates a queue message with minimal required fields.
func createTestQueued(queueID, entityID string, priority int, at time.Time) ir.QueuedSignal {
	return ir.QueuedSignal{
		QueueID:        queueID,
		EntityID:       entityID,
		SignalType:     "dol_filing_match",
		SignalCategory: "pressure",
		Payload:        ir.Payload{"plan": "401k"},
		Magnitude:      ir.DefaultMagnitude,
		SourceHub:      "dol",
		Priority:       priority,
		Fingerprint:    "fp-" + queueID,
		EnqueuedAt:     at,
		DetectedAt:     at,
		CorrelationID:  "corr-" + queueID,
	}
}

// createTestSignal creates a signal with minimal required fields.
func createTestSignal(signalID, entityID, fingerprint string, detected time.Time) ir.Signal {
	return ir.Signal{
		SignalID:    signalID,
		QueueID:     "q-" + signalID,
		EntityID:    entityID,
		SignalType:  "dol_filing_match",
		Category:    "pressure",
		Domain:      "benefits",
		Payload:     ir.Payload{"plan": "401k"},
		Magnitude:   ir.DefaultMagnitude,
		SourceHub:   "dol",
		Fingerprint: fingerprint,
		DetectedAt:  detected,
		RecordedAt:  detected,
	}
}

// createTestTransition builds a consistent movement/proof/state triple
// moving an entity to band at seq.
func createTestTransition(entityID string, seq int64, band ir.Band, at time.Time) Transition {
	movementID := fmt.Sprintf("mv-%s-%d", entityID, seq)
	return Transition{
		Movement: ir.MovementEvent{
			MovementID:    movementID,
			EntityID:      entityID,
			Seq:           seq,
			SourceHub:     "bit",
			SourceTable:   "signals",
			SourceFields:  []string{"magnitude"},
			MovementClass: ir.MovementBandIncrease,
			PressureClass: "benefits",
			Direction:     ir.DirectionUp,
			ToBand:        band,
			ToStatus:      ir.StatusEscalating,
			ActiveDomains: []string{"benefits"},
			EvidenceHash:  "ev-" + movementID,
			Evidence:      ir.Evidence{Signals: []ir.EvidenceSignal{}, DomainScores: map[string]int64{}},
			DetectedAt:    at,
			ValidFrom:     at,
			ValidUntil:    at.Add(time.Hour),
		},
		Proof: ir.ProofLine{
			ProofID:       "pf-" + movementID,
			EntityID:      entityID,
			Band:          band,
			PressureClass: "benefits",
			Sources:       []string{"dol"},
			Evidence:      ir.Evidence{Signals: []ir.EvidenceSignal{}, DomainScores: map[string]int64{}},
			MovementIDs:   []string{movementID},
			HumanReadable: "test proof",
			GeneratedAt:   at,
			ValidUntil:    at.Add(time.Hour),
			GeneratedBy:   ir.ProofGenerator,
		},
		State: ir.PhaseState{
			EntityID:          entityID,
			CurrentBand:       band,
			PhaseStatus:       ir.StatusEscalating,
			ActiveDomainFlags: []string{"benefits"},
			PrimaryPressure:   "benefits",
			LastMovementAt:    at,
			LastBandChangeAt:  at,
			PhaseEnteredAt:    at,
			LastMovementSeq:   seq,
			Version:           seq,
			UpdatedAt:         at,
		},
		ExpectedVersion: seq - 1,
	}
}

// createTestError creates an open error record for a hub.
func createTestError(errorID, hubID, entityID string, at time.Time) ir.ErrorRecord {
	return ir.ErrorRecord{
		ErrorID:       errorID,
		HubID:         hubID,
		EntityID:      entityID,
		CorrelationID: "corr-" + errorID,
		PipelineStage: "metric_evaluation",
		FailureCode:   "METRIC_BELOW_HEALTHY",
		Severity:      "medium",
		ErrorType:     "transient_external",
		RawInput:      ir.Payload{"metric": "verified_contacts"},
		RetryAllowed:  true,
		MaxRetries:    3,
		NextRetryAt:   at.Add(time.Minute),
		Disposition:   ir.DispositionOpen,
		TTLTier:       ir.TierWarm,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func testCtx() context.Context {
	return context.Background()
}

var epoch = testutil.Epoch
