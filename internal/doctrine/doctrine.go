// Package doctrine loads the business rules that drive banding and the hub
// waterfall: the signal registry seed, hub definitions, the band policy,
// action minimums and error retention tiers.
//
// Doctrine is written in CUE. A directory of .cue files is unified with an
// embedded schema, compiled to Go values and identified by a content hash so
// every movement and proof can be traced to the rules that produced it.
package doctrine

import (
	"fmt"
	"slices"

	"github.com/roach88/bitgate/internal/ir"
)

// Doctrine is a compiled rule set.
type Doctrine struct {
	// Version is the human-assigned doctrine version.
	Version string

	// Hash is the content hash of the compiled doctrine.
	Hash string

	// Signals are sorted by signal type.
	Signals []ir.RegistryEntry

	// Hubs are sorted by waterfall order.
	Hubs []ir.HubDefinition

	Bands ir.BandPolicy

	// Actions maps an action name to the minimum band it requires.
	Actions map[string]ir.Band

	// Retention is keyed by ttl tier.
	Retention map[string]ir.RetentionPolicy
}

// Hub returns the definition of a hub.
func (d *Doctrine) Hub(id string) (ir.HubDefinition, bool) {
	for _, h := range d.Hubs {
		if h.HubID == id {
			return h, true
		}
	}
	return ir.HubDefinition{}, false
}

// HubIDs returns hub ids in waterfall order.
func (d *Doctrine) HubIDs() []string {
	ids := make([]string, len(d.Hubs))
	for i, h := range d.Hubs {
		ids[i] = h.HubID
	}
	return ids
}

// Signal returns the registry seed for a signal type.
func (d *Doctrine) Signal(signalType string) (ir.RegistryEntry, bool) {
	i, ok := slices.BinarySearchFunc(d.Signals, signalType, func(e ir.RegistryEntry, t string) int {
		switch {
		case e.SignalType < t:
			return -1
		case e.SignalType > t:
			return 1
		}
		return 0
	})
	if !ok {
		return ir.RegistryEntry{}, false
	}
	return d.Signals[i], true
}

// ActionBand returns the minimum band an action requires.
func (d *Doctrine) ActionBand(action string) (ir.Band, bool) {
	b, ok := d.Actions[action]
	return b, ok
}

// RetentionFor returns the retention policy of a ttl tier, falling back to
// the warm tier for unknown names.
func (d *Doctrine) RetentionFor(tier string) ir.RetentionPolicy {
	if p, ok := d.Retention[tier]; ok {
		return p
	}
	return d.Retention[ir.TierWarm]
}

// validate checks cross-references the CUE schema cannot express.
func (d *Doctrine) validate() error {
	orders := make(map[int]string)
	for _, h := range d.Hubs {
		if prev, dup := orders[h.WaterfallOrder]; dup {
			return &CompileError{
				Field:   "hubs." + h.HubID + ".order",
				Message: fmt.Sprintf("waterfall order %d already used by hub %q", h.WaterfallOrder, prev),
			}
		}
		orders[h.WaterfallOrder] = h.HubID

		if !validHubID(h.HubID) {
			return &CompileError{
				Field:   "hubs." + h.HubID,
				Message: "hub id must match [a-z][a-z0-9_]{0,31}",
			}
		}
		if h.EmitsSignal != "" {
			if _, ok := d.Signal(h.EmitsSignal); !ok {
				return &CompileError{
					Field:   "hubs." + h.HubID + ".emits_signal",
					Message: fmt.Sprintf("unknown signal type %q", h.EmitsSignal),
				}
			}
		}
	}

	if len(d.Bands.Tiers) == 0 {
		return &CompileError{Field: "bands.tiers", Message: "at least one tier is required"}
	}
	for i, t := range d.Bands.Tiers {
		if t.Band != ir.Band(i+1) {
			return &CompileError{
				Field:   "bands.tiers",
				Message: fmt.Sprintf("tier %d has band %d; bands must be 1..n in order", i, t.Band),
			}
		}
		if i > 0 && t.MinScore < d.Bands.Tiers[i-1].MinScore {
			return &CompileError{
				Field:   "bands.tiers",
				Message: fmt.Sprintf("tier %q min_score below the previous tier", t.Name),
			}
		}
	}

	maxBand := d.Bands.MaxBand()
	for action, b := range d.Actions {
		if b > maxBand {
			return &CompileError{
				Field:   "actions." + action,
				Message: fmt.Sprintf("requires band %d but the highest band is %d", b, maxBand),
			}
		}
	}
	return nil
}

func validHubID(id string) bool {
	if len(id) == 0 || len(id) > 32 {
		return false
	}
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r == '_' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}
