package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"time"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainFingerprint = "bitgate/signal-fingerprint/v1"
	DomainSignal      = "bitgate/signal/v1"
	DomainEvidence    = "bitgate/evidence/v1"
	DomainMovement    = "bitgate/movement/v1"
	DomainProof       = "bitgate/proof/v1"
	DomainDoctrine    = "bitgate/doctrine/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func hashObject(domain string, obj map[string]any) (string, error) {
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return hashWithDomain(domain, canonical), nil
}

// Fingerprint identifies a signal's content independent of when it was seen.
// Two signals with the same fingerprint for the same entity inside one
// freshness window are duplicates.
func Fingerprint(entityID, signalType string, payload Payload) (string, error) {
	if payload == nil {
		payload = Payload{}
	}
	id, err := hashObject(DomainFingerprint, map[string]any{
		"entity_id":   entityID,
		"signal_type": signalType,
		"payload":     payload,
	})
	if err != nil {
		return "", fmt.Errorf("Fingerprint: %w", err)
	}
	return id, nil
}

// SignalID derives the stored signal's id from its queue delivery, so
// redelivery of the same queue message maps to the same signal.
func SignalID(queueID, fingerprint string, detectedAt time.Time) (string, error) {
	id, err := hashObject(DomainSignal, map[string]any{
		"queue_id":    queueID,
		"fingerprint": fingerprint,
		"detected_at": detectedAt.UTC().UnixNano(),
	})
	if err != nil {
		return "", fmt.Errorf("SignalID: %w", err)
	}
	return id, nil
}

// EvidenceHash summarizes a valid-signal set. Order of ids does not matter.
func EvidenceHash(signalIDs []string) string {
	ids := slices.Clone(signalIDs)
	slices.Sort(ids)
	canonical, err := MarshalCanonical(ids)
	if err != nil {
		// []string always marshals
		panic(err)
	}
	return hashWithDomain(DomainEvidence, canonical)
}

// MovementID computes the content-addressed id of a movement event.
func MovementID(entityID string, seq int64, evidenceHash string, from, to Band) (string, error) {
	id, err := hashObject(DomainMovement, map[string]any{
		"entity_id":     entityID,
		"seq":           seq,
		"evidence_hash": evidenceHash,
		"from_band":     from,
		"to_band":       to,
	})
	if err != nil {
		return "", fmt.Errorf("MovementID: %w", err)
	}
	return id, nil
}

// ProofID computes the content-addressed id of a proof line.
func ProofID(entityID string, band Band, movementIDs []string, validUntil time.Time) (string, error) {
	id, err := hashObject(DomainProof, map[string]any{
		"entity_id":    entityID,
		"band":         band,
		"movement_ids": movementIDs,
		"valid_until":  validUntil.UTC().UnixNano(),
	})
	if err != nil {
		return "", fmt.Errorf("ProofID: %w", err)
	}
	return id, nil
}

// DoctrineHash identifies a compiled doctrine by its canonical content.
func DoctrineHash(canonical []byte) string {
	return hashWithDomain(DomainDoctrine, canonical)
}
