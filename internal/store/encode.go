package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/bitgate/internal/ir"
)

// toNanos stores a time as UTC unix nanoseconds; the zero time is 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

// fromNanos is the inverse of toNanos.
func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalStrings stores a string list as canonical JSON. Nil becomes [].
func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(s string) ([]string, error) {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	if v == nil {
		v = []string{}
	}
	return v, nil
}

func marshalPayload(p ir.Payload) (string, error) {
	data, err := ir.MarshalCanonical(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(s string) (ir.Payload, error) {
	p, err := ir.DecodePayload([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

// evidenceRecord is the stored form of ir.Evidence with integer timestamps.
type evidenceRecord struct {
	Signals      []evidenceSignalRecord `json:"signals"`
	DomainScores map[string]int64       `json:"domain_scores"`
}

type evidenceSignalRecord struct {
	SignalID     string `json:"signal_id"`
	SignalType   string `json:"signal_type"`
	Domain       string `json:"domain"`
	SourceHub    string `json:"source_hub"`
	Magnitude    int64  `json:"magnitude"`
	Contribution int64  `json:"contribution"`
	DetectedAt   int64  `json:"detected_at"`
	ValidUntil   int64  `json:"valid_until"`
}

func marshalEvidence(e ir.Evidence) (string, error) {
	signals := make([]any, len(e.Signals))
	for i, s := range e.Signals {
		signals[i] = map[string]any{
			"signal_id":    s.SignalID,
			"signal_type":  s.SignalType,
			"domain":       s.Domain,
			"source_hub":   s.SourceHub,
			"magnitude":    s.Magnitude,
			"contribution": s.Contribution,
			"detected_at":  toNanos(s.DetectedAt),
			"valid_until":  toNanos(s.ValidUntil),
		}
	}
	scores := e.DomainScores
	if scores == nil {
		scores = map[string]int64{}
	}
	data, err := ir.MarshalCanonical(map[string]any{
		"signals":       signals,
		"domain_scores": scores,
	})
	if err != nil {
		return "", fmt.Errorf("marshal evidence: %w", err)
	}
	return string(data), nil
}

func unmarshalEvidence(s string) (ir.Evidence, error) {
	var rec evidenceRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return ir.Evidence{}, fmt.Errorf("unmarshal evidence: %w", err)
	}
	e := ir.Evidence{
		Signals:      make([]ir.EvidenceSignal, len(rec.Signals)),
		DomainScores: rec.DomainScores,
	}
	if e.DomainScores == nil {
		e.DomainScores = map[string]int64{}
	}
	for i, r := range rec.Signals {
		e.Signals[i] = ir.EvidenceSignal{
			SignalID:     r.SignalID,
			SignalType:   r.SignalType,
			Domain:       r.Domain,
			SourceHub:    r.SourceHub,
			Magnitude:    r.Magnitude,
			Contribution: r.Contribution,
			DetectedAt:   fromNanos(r.DetectedAt),
			ValidUntil:   fromNanos(r.ValidUntil),
		}
	}
	return e, nil
}
