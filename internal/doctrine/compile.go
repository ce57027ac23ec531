package doctrine

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/bitgate/internal/ir"
)

// CompileError describes a doctrine that failed to compile.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

// compileValue converts a unified, schema-checked CUE value into a Doctrine.
func compileValue(v cue.Value) (*Doctrine, error) {
	if err := v.Validate(); err != nil {
		return nil, formatCUEError(err)
	}

	d := &Doctrine{
		Actions:   make(map[string]ir.Band),
		Retention: make(map[string]ir.RetentionPolicy),
	}

	var err error
	if d.Version, err = stringField(v, "version"); err != nil {
		return nil, err
	}
	if d.Signals, err = compileSignals(v); err != nil {
		return nil, err
	}
	if d.Hubs, err = compileHubs(v); err != nil {
		return nil, err
	}
	if d.Bands, err = compileBands(v, d.Signals); err != nil {
		return nil, err
	}

	actions, err := fields(v, "actions")
	if err != nil {
		return nil, err
	}
	for name, av := range actions {
		n, err := intValue(av, "actions."+name)
		if err != nil {
			return nil, err
		}
		d.Actions[name] = ir.Band(n)
	}

	for _, tier := range []string{ir.TierHot, ir.TierWarm, ir.TierCold} {
		tv := v.LookupPath(cue.ParsePath("retention." + tier))
		after, err := durationField(tv, "archive_after")
		if err != nil {
			return nil, err
		}
		retain, err := durationField(tv, "retain_for")
		if err != nil {
			return nil, err
		}
		d.Retention[tier] = ir.RetentionPolicy{Tier: tier, ArchiveAfter: after, RetainFor: retain}
	}

	if err := d.validate(); err != nil {
		return nil, err
	}

	d.Hash, err = hashDoctrine(d)
	if err != nil {
		return nil, fmt.Errorf("hash doctrine: %w", err)
	}
	return d, nil
}

func compileSignals(v cue.Value) ([]ir.RegistryEntry, error) {
	signals, err := fields(v, "signals")
	if err != nil {
		return nil, err
	}
	entries := make([]ir.RegistryEntry, 0, len(signals))
	for name, sv := range signals {
		e := ir.RegistryEntry{SignalType: name, Version: 1}
		if e.Category, err = stringField(sv, "category"); err != nil {
			return nil, err
		}
		if e.Domain, err = stringField(sv, "domain"); err != nil {
			return nil, err
		}
		if e.FreshnessWindow, err = durationField(sv, "freshness_window"); err != nil {
			return nil, err
		}
		if e.ValidityThreshold, err = intField(sv, "validity_threshold"); err != nil {
			return nil, err
		}
		if e.Weight, err = intField(sv, "weight"); err != nil {
			return nil, err
		}
		if e.IsActive, err = boolField(sv, "active"); err != nil {
			return nil, err
		}
		if e.FreshnessWindow <= 0 {
			return nil, &CompileError{
				Field:   "signals." + name + ".freshness_window",
				Message: "must be positive",
				Pos:     sv.Pos(),
			}
		}
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b ir.RegistryEntry) int {
		return strings.Compare(a.SignalType, b.SignalType)
	})
	return entries, nil
}

func compileHubs(v cue.Value) ([]ir.HubDefinition, error) {
	hubs, err := fields(v, "hubs")
	if err != nil {
		return nil, err
	}
	defs := make([]ir.HubDefinition, 0, len(hubs))
	for name, hv := range hubs {
		h := ir.HubDefinition{HubID: name}
		order, err := intField(hv, "order")
		if err != nil {
			return nil, err
		}
		h.WaterfallOrder = int(order)
		if h.DoctrineID, err = stringField(hv, "doctrine_id"); err != nil {
			return nil, err
		}
		if h.Classification, err = stringField(hv, "classification"); err != nil {
			return nil, err
		}
		if h.GatesCompletion, err = boolField(hv, "gates_completion"); err != nil {
			return nil, err
		}
		if h.CoreMetric, err = stringField(hv, "core_metric"); err != nil {
			return nil, err
		}
		if h.MetricSource, err = stringField(hv, "metric_source"); err != nil {
			return nil, err
		}
		if h.HealthyThreshold, err = intField(hv, "healthy"); err != nil {
			return nil, err
		}
		if h.CriticalThreshold, err = intField(hv, "critical"); err != nil {
			return nil, err
		}
		retries, err := intField(hv, "max_retries")
		if err != nil {
			return nil, err
		}
		h.MaxRetries = int(retries)
		if h.OnExhaustion, err = stringField(hv, "on_exhaustion"); err != nil {
			return nil, err
		}
		if h.EmitsSignal, err = stringField(hv, "emits_signal"); err != nil {
			return nil, err
		}
		if h.TTLTier, err = stringField(hv, "ttl_tier"); err != nil {
			return nil, err
		}
		defs = append(defs, h)
	}
	slices.SortFunc(defs, func(a, b ir.HubDefinition) int {
		return a.WaterfallOrder - b.WaterfallOrder
	})
	return defs, nil
}

func compileBands(v cue.Value, signals []ir.RegistryEntry) (ir.BandPolicy, error) {
	bv := v.LookupPath(cue.ParsePath("bands"))
	var p ir.BandPolicy

	decay, err := stringField(bv, "decay")
	if err != nil {
		return p, err
	}
	p.Decay = ir.DecayMode(decay)
	if p.StasisAfter, err = durationField(bv, "stasis_after"); err != nil {
		return p, err
	}

	iter, err := bv.LookupPath(cue.ParsePath("tiers")).List()
	if err != nil {
		return p, formatCUEError(err)
	}
	for iter.Next() {
		tv := iter.Value()
		var t ir.BandTier
		band, err := intField(tv, "band")
		if err != nil {
			return p, err
		}
		t.Band = ir.Band(band)
		if t.Name, err = stringField(tv, "name"); err != nil {
			return p, err
		}
		if t.MinScore, err = intField(tv, "min_score"); err != nil {
			return p, err
		}
		minDomains, err := intField(tv, "min_domains")
		if err != nil {
			return p, err
		}
		t.MinDomains = int(minDomains)
		p.Tiers = append(p.Tiers, t)
	}

	p.DomainWeights = make(map[string]int64)
	weights, err := fields(bv, "domain_weights")
	if err != nil {
		return p, err
	}
	for domain, wv := range weights {
		w, err := intValue(wv, "bands.domain_weights."+domain)
		if err != nil {
			return p, err
		}
		p.DomainWeights[domain] = w
	}
	// Domains without an explicit weight count at 1.0.
	for _, s := range signals {
		if _, ok := p.DomainWeights[s.Domain]; !ok {
			p.DomainWeights[s.Domain] = 1000
		}
	}
	return p, nil
}

// hashDoctrine hashes the canonical form of the compiled doctrine, so two
// sources that compile to the same rules share a hash.
func hashDoctrine(d *Doctrine) (string, error) {
	signals := make([]any, len(d.Signals))
	for i, s := range d.Signals {
		signals[i] = map[string]any{
			"signal_type":        s.SignalType,
			"category":           s.Category,
			"domain":             s.Domain,
			"freshness_window":   int64(s.FreshnessWindow),
			"validity_threshold": s.ValidityThreshold,
			"weight":             s.Weight,
			"active":             s.IsActive,
		}
	}
	hubs := make([]any, len(d.Hubs))
	for i, h := range d.Hubs {
		hubs[i] = map[string]any{
			"hub_id":           h.HubID,
			"doctrine_id":      h.DoctrineID,
			"classification":   h.Classification,
			"order":            h.WaterfallOrder,
			"gates_completion": h.GatesCompletion,
			"core_metric":      h.CoreMetric,
			"metric_source":    h.MetricSource,
			"healthy":          h.HealthyThreshold,
			"critical":         h.CriticalThreshold,
			"max_retries":      h.MaxRetries,
			"on_exhaustion":    h.OnExhaustion,
			"emits_signal":     h.EmitsSignal,
			"ttl_tier":         h.TTLTier,
		}
	}
	tiers := make([]any, len(d.Bands.Tiers))
	for i, t := range d.Bands.Tiers {
		tiers[i] = map[string]any{
			"band":        t.Band,
			"name":        t.Name,
			"min_score":   t.MinScore,
			"min_domains": t.MinDomains,
		}
	}
	actions := make(map[string]any, len(d.Actions))
	for k, b := range d.Actions {
		actions[k] = b
	}
	retention := make(map[string]any, len(d.Retention))
	for k, r := range d.Retention {
		retention[k] = map[string]any{
			"archive_after": int64(r.ArchiveAfter),
			"retain_for":    int64(r.RetainFor),
		}
	}

	canonical, err := ir.MarshalCanonical(map[string]any{
		"version": d.Version,
		"signals": signals,
		"hubs":    hubs,
		"bands": map[string]any{
			"decay":          string(d.Bands.Decay),
			"stasis_after":   int64(d.Bands.StasisAfter),
			"tiers":          tiers,
			"domain_weights": d.Bands.DomainWeights,
		},
		"actions":   actions,
		"retention": retention,
	})
	if err != nil {
		return "", err
	}
	return ir.DoctrineHash(canonical), nil
}

// fields returns the struct members at path keyed by label.
func fields(v cue.Value, path string) (map[string]cue.Value, error) {
	fv := v.LookupPath(cue.ParsePath(path))
	out := make(map[string]cue.Value)
	if !fv.Exists() {
		return out, nil
	}
	iter, err := fv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		out[iter.Label()] = iter.Value()
	}
	return out, nil
}

func lookup(v cue.Value, field string) (cue.Value, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return fv, &CompileError{Field: field, Message: "is required", Pos: v.Pos()}
	}
	if d, ok := fv.Default(); ok {
		fv = d
	}
	return fv, nil
}

func stringField(v cue.Value, field string) (string, error) {
	fv, err := lookup(v, field)
	if err != nil {
		return "", err
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func intField(v cue.Value, field string) (int64, error) {
	fv, err := lookup(v, field)
	if err != nil {
		return 0, err
	}
	return intValue(fv, field)
}

func intValue(v cue.Value, field string) (int64, error) {
	if d, ok := v.Default(); ok {
		v = d
	}
	n, err := v.Int64()
	if err != nil {
		return 0, &CompileError{Field: field, Message: "must be an integer", Pos: v.Pos()}
	}
	return n, nil
}

func boolField(v cue.Value, field string) (bool, error) {
	fv, err := lookup(v, field)
	if err != nil {
		return false, err
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func durationField(v cue.Value, field string) (time.Duration, error) {
	s, err := stringField(v, field)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
	}
	return d, nil
}
