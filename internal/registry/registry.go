// Package registry holds the canonical definitions of signal types.
//
// The registry is read-mostly configuration: ingestion and the band engine
// look entries up on every signal, operators change them rarely. Reads are
// served from an in-memory snapshot guarded by an RWMutex; writes go to the
// store first and then replace the cached entry, so a reader never sees a
// definition the store has not committed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/store"
)

// ErrUnknownSignalType is returned by Lookup for unregistered types.
var ErrUnknownSignalType = errors.New("unknown signal type")

// Registry is the Signal Registry.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	store *store.Store
	clock ir.Clock

	mu      sync.RWMutex
	entries map[string]ir.RegistryEntry
}

// New creates a registry over a store. Call Load or Seed before use.
func New(st *store.Store, clock ir.Clock) *Registry {
	return &Registry{
		store:   st,
		clock:   clock,
		entries: make(map[string]ir.RegistryEntry),
	}
}

// Seed registers entries that are not in the store yet, then reloads the
// cache. Existing entries keep their stored values.
func (r *Registry) Seed(ctx context.Context, entries []ir.RegistryEntry) error {
	for _, e := range entries {
		if err := Validate(e); err != nil {
			return err
		}
	}
	if err := r.store.SeedRegistry(ctx, entries, r.clock.Now()); err != nil {
		return fmt.Errorf("seed registry: %w", err)
	}
	return r.Load(ctx)
}

// Load replaces the cache with the store's current entries.
func (r *Registry) Load(ctx context.Context) error {
	list, err := r.store.ListRegistryEntries(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	next := make(map[string]ir.RegistryEntry, len(list))
	for _, e := range list {
		next[e.SignalType] = e
	}

	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()
	return nil
}

// Register creates or replaces a signal type definition. The stored entry,
// with its bumped version, is returned.
func (r *Registry) Register(ctx context.Context, e ir.RegistryEntry) (ir.RegistryEntry, error) {
	if err := Validate(e); err != nil {
		return ir.RegistryEntry{}, err
	}
	stored, err := r.store.UpsertRegistryEntry(ctx, e, r.clock.Now())
	if err != nil {
		return ir.RegistryEntry{}, err
	}
	r.put(stored)
	return stored, nil
}

// SetActive toggles whether signals of a type count toward band
// computation. Historical signals are kept; the affected entities are
// flagged for recompute.
func (r *Registry) SetActive(ctx context.Context, signalType string, active bool) (ir.RegistryEntry, error) {
	stored, err := r.store.SetRegistryActive(ctx, signalType, active, r.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		return ir.RegistryEntry{}, unknown(signalType)
	}
	if err != nil {
		return ir.RegistryEntry{}, err
	}
	r.put(stored)
	return stored, nil
}

// Lookup returns the definition of a signal type. Cache misses fall back to
// the store so entries registered by another process become visible.
func (r *Registry) Lookup(ctx context.Context, signalType string) (ir.RegistryEntry, error) {
	r.mu.RLock()
	e, ok := r.entries[signalType]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	e, err := r.store.GetRegistryEntry(ctx, signalType)
	if errors.Is(err, store.ErrNotFound) {
		return ir.RegistryEntry{}, unknown(signalType)
	}
	if err != nil {
		return ir.RegistryEntry{}, err
	}
	r.put(e)
	return e, nil
}

// List returns every cached entry ordered by signal type.
func (r *Registry) List() []ir.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := slices.Sorted(maps.Keys(r.entries))
	out := make([]ir.RegistryEntry, len(keys))
	for i, k := range keys {
		out[i] = r.entries[k]
	}
	return out
}

// Snapshot returns a copy of the cached entries keyed by signal type.
func (r *Registry) Snapshot() map[string]ir.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.entries)
}

func (r *Registry) put(e ir.RegistryEntry) {
	r.mu.Lock()
	r.entries[e.SignalType] = e
	r.mu.Unlock()
}

func unknown(signalType string) error {
	return failure.Wrap(failure.ValidationFailure, "UNKNOWN_SIGNAL_TYPE",
		fmt.Errorf("%w: %q", ErrUnknownSignalType, signalType))
}

// Validate checks a definition before it is stored.
func Validate(e ir.RegistryEntry) error {
	var problem string
	switch {
	case e.SignalType == "":
		problem = "signal_type is required"
	case e.Category == "":
		problem = "category is required"
	case e.Domain == "":
		problem = "domain is required"
	case e.FreshnessWindow <= 0:
		problem = "freshness_window must be positive"
	case e.ValidityThreshold < 0 || e.ValidityThreshold >= 1000:
		problem = "validity_threshold must be in [0, 1000) permille"
	case e.Weight <= 0:
		problem = "weight must be positive"
	}
	if problem == "" {
		return nil
	}
	return failure.New(failure.ValidationFailure, "INVALID_REGISTRY_ENTRY",
		fmt.Sprintf("signal type %q: %s", e.SignalType, problem))
}
