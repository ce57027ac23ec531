package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bitgate/internal/ir"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{
		"entities", "signal_registry", "signal_queue", "signals", "phase_state",
		"movement_events", "proof_lines", "authorization_log", "hub_registry",
		"hub_progress", "hub_metrics",
	}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(testCtx()))
	assert.Same(t, s.db, s.reader)
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

// Pragma tests

func TestPragma_JournalMode(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_Synchronous(t *testing.T) {
	s := createTestStore(t)
	// NORMAL = 1
	if err := s.verifyPragma("synchronous", "1"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestPragma_ForeignKeys(t *testing.T) {
	s := createTestStore(t)
	// ON = 1
	if err := s.verifyPragma("foreign_keys", "1"); err != nil {
		t.Error(err)
	}
}

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestMigration_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	s.Close()

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestMeta_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	_, err := s.GetMeta(ctx, "doctrine_hash")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetMeta(ctx, "doctrine_hash", "abc"))
	require.NoError(t, s.SetMeta(ctx, "doctrine_hash", "def"))
	v, err := s.GetMeta(ctx, "doctrine_hash")
	require.NoError(t, err)
	assert.Equal(t, "def", v)
}

// Entities

func TestMintOutreachID_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	first, err := s.MintOutreachID(ctx, "acme", "out-1", epoch)
	require.NoError(t, err)
	assert.Equal(t, "out-1", first)

	second, err := s.MintOutreachID(ctx, "acme", "out-2", epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "out-1", second, "a minted outreach_id is never regenerated")

	e, err := s.GetEntity(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "out-1", e.OutreachID)
	assert.Equal(t, epoch, e.MintedAt)
}

func TestOutreachID_ImmutableTrigger(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	_, err := s.MintOutreachID(ctx, "acme", "out-1", epoch)
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE entities SET outreach_id = 'out-9' WHERE entity_id = 'acme'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestGetEntity_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetEntity(testCtx(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Registry

func TestRegistry_SeedKeepsExisting(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	entry := ir.RegistryEntry{
		SignalType: "dol_filing_match", Category: "pressure", Domain: "benefits",
		FreshnessWindow: 90 * 24 * time.Hour, Weight: 3000, IsActive: true,
	}
	require.NoError(t, s.SeedRegistry(ctx, []ir.RegistryEntry{entry}, epoch))

	_, err := s.SetRegistryActive(ctx, "dol_filing_match", false, epoch)
	require.NoError(t, err)

	require.NoError(t, s.SeedRegistry(ctx, []ir.RegistryEntry{entry}, epoch))
	got, err := s.GetRegistryEntry(ctx, "dol_filing_match")
	require.NoError(t, err)
	assert.False(t, got.IsActive, "seeding must not overwrite operator changes")
	assert.Equal(t, int64(2), got.Version)
}

func TestRegistry_UpsertBumpsVersionOnChange(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	entry := ir.RegistryEntry{
		SignalType: "slot_vacancy", Category: "pressure", Domain: "staffing",
		FreshnessWindow: time.Hour, Weight: 1000, IsActive: true,
	}
	got, err := s.UpsertRegistryEntry(ctx, entry, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	got, err = s.UpsertRegistryEntry(ctx, entry, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "identical definition is a no-op")

	entry.Weight = 2000
	got, err = s.UpsertRegistryEntry(ctx, entry, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, int64(2000), got.Weight)
}

func TestRegistry_DeactivateFlagsHolders(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	require.NoError(t, s.SeedRegistry(ctx, []ir.RegistryEntry{{
		SignalType: "dol_filing_match", Category: "pressure", Domain: "benefits",
		FreshnessWindow: time.Hour, Weight: 1000, IsActive: true,
	}}, epoch))
	_, _, err := s.RecordSignal(ctx, createTestSignal("sig-1", "acme", "fp", epoch), time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.ClearRecompute(ctx, "acme"))

	_, err = s.SetRegistryActive(ctx, "dol_filing_match", false, epoch)
	require.NoError(t, err)

	e, err := s.GetEntity(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, e.NeedsRecompute)

	sigs, err := s.ListSignals(ctx, "acme", time.Time{})
	require.NoError(t, err)
	assert.Len(t, sigs, 1, "deactivation never deletes signals")
}

// Queue

func TestQueue_LeaseByPriority(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	require.NoError(t, s.EnqueueSignal(ctx, createTestQueued("q-1", "acme", 0, epoch), 0, 0))
	require.NoError(t, s.EnqueueSignal(ctx, createTestQueued("q-2", "acme", 5, epoch.Add(time.Second)), 0, 0))
	require.NoError(t, s.EnqueueSignal(ctx, createTestQueued("q-3", "acme", 5, epoch.Add(2*time.Second)), 1, 0))

	batch, err := s.LeaseBatch(ctx, -1, 10, epoch, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, []string{"q-2", "q-3", "q-1"}, []string{batch[0].QueueID, batch[1].QueueID, batch[2].QueueID})
	assert.Equal(t, 1, batch[0].Attempts)
	assert.Equal(t, ir.QueueLeased, batch[0].Status)
}

func TestQueue_PartitionFilter(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	require.NoError(t, s.EnqueueSignal(ctx, createTestQueued("q-1", "acme", 0, epoch), 0, 0))
	require.NoError(t, s.EnqueueSignal(ctx, createTestQueued("q-2", "globex", 0, epoch), 1, 0))

	batch, err := s.LeaseBatch(ctx, 1, 10, epoch, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "q-2", batch[0].QueueID)
}

func TestQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	require.NoError(t, s.EnqueueSignal(ctx, createTestQueued("q-1", "acme", 0, epoch), 0, 0))
	first, err := s.LeaseBatch(ctx, 0, 10, epoch, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	none, err := s.LeaseBatch(ctx, 0, 10, epoch.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none, "a live lease is not redelivered")

	again, err := s.LeaseBatch(ctx, 0, 10, epoch.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempts)
}

func TestQueue_AckIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	require.NoError(t, s.EnqueueSignal(ctx, createTestQueued("q-1", "acme", 0, epoch), 0, 0))
	_, err := s.LeaseBatch(ctx, 0, 1, epoch, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.AckSignal(ctx, "q-1"))
	require.NoError(t, s.AckSignal(ctx, "q-1"))
	assert.ErrorIs(t, s.AckSignal(ctx, "q-missing"), ErrNotFound)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestQueue_DeadLetterAndRequeue(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	require.NoError(t, s.EnqueueSignal(ctx, createTestQueued("q-1", "acme", 0, epoch), 0, 0))
	_, err := s.LeaseBatch(ctx, 0, 1, epoch, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.DeadLetterSignal(ctx, "q-1", "unknown signal type"))

	dead, err := s.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "unknown signal type", dead[0].DeadReason)

	require.NoError(t, s.RequeueDeadLetter(ctx, "q-1"))
	q, err := s.GetQueuedSignal(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, ir.QueueQueued, q.Status)
	assert.Zero(t, q.Attempts)
}

func TestQueue_DepthLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	require.NoError(t, s.EnqueueSignal(ctx, createTestQueued("q-1", "acme", 0, epoch), 0, 1))
	err := s.EnqueueSignal(ctx, createTestQueued("q-2", "acme", 0, epoch), 0, 1)
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = s.GetQueuedSignal(ctx, "q-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Signals

func TestRecordSignal_DuplicateWithinWindow(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	first, inserted, err := s.RecordSignal(ctx, createTestSignal("sig-1", "acme", "fp", epoch), time.Hour)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.False(t, first.IsDuplicate)

	dup, inserted, err := s.RecordSignal(ctx, createTestSignal("sig-2", "acme", "fp", epoch.Add(30*time.Minute)), time.Hour)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.True(t, dup.IsDuplicate)
	assert.Equal(t, "sig-1", dup.DuplicateOf)

	later, _, err := s.RecordSignal(ctx, createTestSignal("sig-3", "acme", "fp", epoch.Add(2*time.Hour)), time.Hour)
	require.NoError(t, err)
	assert.False(t, later.IsDuplicate, "outside the window the fingerprint counts again")

	other, _, err := s.RecordSignal(ctx, createTestSignal("sig-4", "globex", "fp", epoch), time.Hour)
	require.NoError(t, err)
	assert.False(t, other.IsDuplicate, "fingerprints are scoped to the entity")
}

func TestRecordSignal_ExpiredOriginalDoesNotSwallowRedetection(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	short := createTestSignal("sig-1", "acme", "fp", epoch)
	short.ExpiresAt = epoch.Add(time.Hour)
	_, _, err := s.RecordSignal(ctx, short, 24*time.Hour)
	require.NoError(t, err)

	inside, _, err := s.RecordSignal(ctx, createTestSignal("sig-2", "acme", "fp", epoch.Add(30*time.Minute)), 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, inside.IsDuplicate, "the original still counts at 30m")

	after, _, err := s.RecordSignal(ctx, createTestSignal("sig-3", "acme", "fp", epoch.Add(2*time.Hour)), 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, after.IsDuplicate, "expires_at ended the original before the redetection")

	again, _, err := s.RecordSignal(ctx, createTestSignal("sig-4", "acme", "fp", epoch.Add(3*time.Hour)), 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, again.IsDuplicate)
	assert.Equal(t, "sig-3", again.DuplicateOf)
}

func TestRecordSignal_ValidityCutsDuplicateSpan(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()
	entry := ir.RegistryEntry{FreshnessWindow: 336 * time.Hour, ValidityThreshold: 250}
	require.Equal(t, 252*time.Hour, entry.Validity())

	_, _, err := s.RecordSignal(ctx, createTestSignal("sig-1", "acme", "fp", epoch), entry.Validity())
	require.NoError(t, err)

	late, _, err := s.RecordSignal(ctx, createTestSignal("sig-2", "acme", "fp", epoch.Add(300*time.Hour)), entry.Validity())
	require.NoError(t, err)
	assert.False(t, late.IsDuplicate, "inside the freshness window but past the original's validity")
}

func TestRecordSignal_EarlierDetectionArrivingLate(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	_, _, err := s.RecordSignal(ctx, createTestSignal("sig-1", "acme", "fp", epoch.Add(2*time.Hour)), time.Hour)
	require.NoError(t, err)

	overlapping, _, err := s.RecordSignal(ctx, createTestSignal("sig-2", "acme", "fp", epoch.Add(90*time.Minute)), time.Hour)
	require.NoError(t, err)
	assert.True(t, overlapping.IsDuplicate)

	disjoint, _, err := s.RecordSignal(ctx, createTestSignal("sig-3", "acme", "fp", epoch), time.Hour)
	require.NoError(t, err)
	assert.False(t, disjoint.IsDuplicate, "its validity ends before the stored original was detected")
}

func TestRecordSignal_RedeliveryReturnsStored(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	sig := createTestSignal("sig-1", "acme", "fp", epoch)
	_, inserted, err := s.RecordSignal(ctx, sig, time.Hour)
	require.NoError(t, err)
	require.True(t, inserted)

	again, inserted, err := s.RecordSignal(ctx, sig, time.Hour)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "sig-1", again.SignalID)
	assert.False(t, again.IsDuplicate)

	e, err := s.GetEntity(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, e.NeedsRecompute)
}

func TestSignals_Immutable(t *testing.T) {
	s := createTestStore(t)
	_, _, err := s.RecordSignal(testCtx(), createTestSignal("sig-1", "acme", "fp", epoch), time.Hour)
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE signals SET magnitude = 5 WHERE signal_id = 'sig-1'`)
	require.Error(t, err)
}

// Phase state

func TestCommitTransition_WritesAllThree(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()
	require.NoError(t, s.EnsureEntity(ctx, "acme", epoch))
	require.NoError(t, s.MarkRecompute(ctx, "acme"))

	tr := createTestTransition("acme", 1, 2, epoch)
	require.NoError(t, s.CommitTransition(ctx, tr))

	st, err := s.GetPhaseState(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, ir.Band(2), st.CurrentBand)
	assert.Equal(t, int64(1), st.Version)

	movements, err := s.ListMovements(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, tr.Movement.MovementID, movements[0].MovementID)

	proof, err := s.LatestProof(ctx, "acme", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{tr.Movement.MovementID}, proof.MovementIDs)

	e, err := s.GetEntity(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, e.NeedsRecompute)
}

func TestCommitTransition_VersionConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()
	require.NoError(t, s.CommitTransition(ctx, createTestTransition("acme", 1, 1, epoch)))

	stale := createTestTransition("acme", 2, 2, epoch.Add(time.Minute))
	stale.ExpectedVersion = 0
	stale.State.Version = 1
	err := s.CommitTransition(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)

	movements, err := s.ListMovements(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, movements, 1, "a failed commit writes nothing")
	_, err = s.GetProof(ctx, stale.Proof.ProofID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitTransition_DetectedAtMustIncrease(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()
	require.NoError(t, s.CommitTransition(ctx, createTestTransition("acme", 1, 1, epoch)))

	err := s.CommitTransition(ctx, createTestTransition("acme", 2, 2, epoch))
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMovementEvents_AppendOnly(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.CommitTransition(testCtx(), createTestTransition("acme", 1, 1, epoch)))

	_, err := s.db.Exec(`UPDATE movement_events SET to_band = 4`)
	require.Error(t, err)
	_, err = s.db.Exec(`DELETE FROM movement_events`)
	require.Error(t, err)
	_, err = s.db.Exec(`UPDATE proof_lines SET band = 4`)
	require.Error(t, err)
}

func TestMovementAsOf(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()
	require.NoError(t, s.CommitTransition(ctx, createTestTransition("acme", 1, 1, epoch)))
	require.NoError(t, s.CommitTransition(ctx, createTestTransition("acme", 2, 3, epoch.Add(time.Hour))))

	m, err := s.MovementAsOf(ctx, "acme", epoch.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Seq)

	_, err = s.MovementAsOf(ctx, "acme", epoch.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEntitiesDueForReview(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	tr := createTestTransition("acme", 1, 1, epoch)
	tr.State.NextReviewAt = epoch.Add(time.Hour)
	require.NoError(t, s.CommitTransition(ctx, tr))
	require.NoError(t, s.EnsureEntity(ctx, "globex", epoch))
	require.NoError(t, s.MarkRecompute(ctx, "globex"))

	due, err := s.EntitiesDueForReview(ctx, epoch, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"globex"}, due)

	due, err = s.EntitiesDueForReview(ctx, epoch.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, due)
}

// Authorization log

func TestAuthorizationLog_AppendOnly(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	rec := ir.AuthorizationRecord{
		AuthorizationID: "auth-1", EntityID: "acme", RequestedAction: "email_send",
		RequestedBand: 2, RequiredBand: 2, DenialReason: ir.DenyNoProof,
		RequestedBy: "sender", RequestedAt: epoch,
	}
	require.NoError(t, s.AppendAuthorization(ctx, rec))

	recs, err := s.ListAuthorizations(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec, recs[0])

	_, err = s.db.Exec(`UPDATE authorization_log SET authorized = 1`)
	require.Error(t, err)
	_, err = s.db.Exec(`DELETE FROM authorization_log`)
	require.Error(t, err)

	n, err := s.CountAuthorizations(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Hubs

func syncTestHubs(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.SyncHubRegistry(testCtx(), []ir.HubDefinition{
		{HubID: "identity", DoctrineID: "d", Classification: "core", WaterfallOrder: 1, GatesCompletion: true,
			CoreMetric: "match_confidence", MetricSource: ir.MetricReported, HealthyThreshold: 80,
			CriticalThreshold: 20, MaxRetries: 3, OnExhaustion: ir.ExhaustPark, TTLTier: ir.TierHot},
		{HubID: "people", DoctrineID: "d", Classification: "core", WaterfallOrder: 3, GatesCompletion: true,
			CoreMetric: "verified_contacts", MetricSource: ir.MetricReported, HealthyThreshold: 3,
			CriticalThreshold: 0, MaxRetries: 3, OnExhaustion: ir.ExhaustEscalate, TTLTier: ir.TierWarm},
	}))
}

func TestSyncHubRegistry_CreatesErrorTables(t *testing.T) {
	s := createTestStore(t)
	syncTestHubs(t, s)
	syncTestHubs(t, s)

	defs, err := s.ListHubDefinitions(testCtx())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "identity", defs[0].HubID)
	assert.True(t, defs[0].GatesCompletion)

	for _, table := range []string{"identity_errors", "identity_errors_archive", "people_errors", "people_errors_archive"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestErrorTable_RejectsBadHubID(t *testing.T) {
	for _, id := range []string{"", "Identity", "x; DROP TABLE entities", "1hub"} {
		_, err := ErrorTable(id)
		assert.Error(t, err, id)
	}
}

func TestHubProgress_Optimistic(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()
	syncTestHubs(t, s)
	_, err := s.MintOutreachID(ctx, "acme", "out-1", epoch)
	require.NoError(t, err)

	p := ir.HubProgress{OutreachID: "out-1", EntityID: "acme", HubID: "identity",
		Status: ir.HubPending, LastProcessedAt: epoch}
	saved, err := s.SaveHubProgress(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	_, err = s.SaveHubProgress(ctx, p)
	assert.ErrorIs(t, err, ErrVersionConflict, "second insert of the same row")

	saved.Status = ir.HubCompleted
	saved.CompletedAt = epoch
	saved, err = s.SaveHubProgress(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	stale := saved
	stale.Version = 1
	_, err = s.SaveHubProgress(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := s.GetHubProgress(ctx, "out-1", "identity")
	require.NoError(t, err)
	assert.Equal(t, ir.HubCompleted, got.Status)

	rows, err := s.ListHubProgress(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestHubProgress_RequiresMintedOutreach(t *testing.T) {
	s := createTestStore(t)
	syncTestHubs(t, s)

	_, err := s.SaveHubProgress(testCtx(), ir.HubProgress{OutreachID: "never-minted",
		EntityID: "acme", HubID: "identity", Status: ir.HubPending, LastProcessedAt: epoch})
	require.Error(t, err)
}

func TestMetrics_LatestWins(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()

	_, err := s.GetMetric(ctx, "acme", "people")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.ReportMetric(ctx, ir.MetricReading{EntityID: "acme", HubID: "people",
		Metric: "verified_contacts", Value: 1, ReportedAt: epoch}))
	require.NoError(t, s.ReportMetric(ctx, ir.MetricReading{EntityID: "acme", HubID: "people",
		Metric: "verified_contacts", Value: 4, ReportedAt: epoch.Add(time.Minute)}))

	m, err := s.GetMetric(ctx, "acme", "people")
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Value)
}

// Error tables

func TestErrorRecord_InsertUpdate(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()
	syncTestHubs(t, s)

	rec, err := s.InsertErrorRecord(ctx, createTestError("err-1", "people", "acme", epoch))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)

	rec.Disposition = ir.DispositionRetrying
	rec.RetryCount = 1
	rec, err = s.UpdateErrorRecord(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)

	stale := rec
	stale.Version = 1
	_, err = s.UpdateErrorRecord(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := s.GetErrorRecord(ctx, "people", "err-1")
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionRetrying, got.Disposition)
	assert.Equal(t, ir.Payload{"metric": "verified_contacts"}, got.RawInput)
	assert.Empty(t, got.OutreachID)
}

func TestErrorRecord_RetryCountBoundedWhileActive(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()
	syncTestHubs(t, s)

	rec, err := s.InsertErrorRecord(ctx, createTestError("err-1", "people", "acme", epoch))
	require.NoError(t, err)

	rec.RetryCount = rec.MaxRetries + 1
	_, err = s.UpdateErrorRecord(ctx, rec)
	require.Error(t, err, "retry_count above max_retries while open violates the CHECK")

	rec.Disposition = ir.DispositionEscalated
	rec.RetryExhausted = true
	_, err = s.UpdateErrorRecord(ctx, rec)
	require.NoError(t, err)
}

func TestErrorRecord_PreEntityOutreachIsNullable(t *testing.T) {
	s := createTestStore(t)
	syncTestHubs(t, s)

	rec := createTestError("err-1", "identity", "", epoch)
	_, err := s.InsertErrorRecord(testCtx(), rec)
	require.NoError(t, err)

	rec = createTestError("err-2", "identity", "", epoch)
	rec.OutreachID = "unknown-outreach"
	_, err = s.InsertErrorRecord(testCtx(), rec)
	require.Error(t, err, "a non-null outreach_id must reference a minted entity")
}

func TestErrorRecord_FindUnresolvedAndDue(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()
	syncTestHubs(t, s)

	_, err := s.FindUnresolvedError(ctx, "people", "acme", "METRIC_BELOW_HEALTHY")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.InsertErrorRecord(ctx, createTestError("err-1", "people", "acme", epoch))
	require.NoError(t, err)

	found, err := s.FindUnresolvedError(ctx, "people", "acme", "METRIC_BELOW_HEALTHY")
	require.NoError(t, err)
	assert.Equal(t, "err-1", found.ErrorID)

	due, err := s.DueRetries(ctx, "people", epoch, 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueRetries(ctx, "people", epoch.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	list, err := s.ListErrorRecords(ctx, "people", ErrorFilter{Dispositions: []ir.Disposition{ir.DispositionParked}})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestErrorRecord_FindUnresolvedSpansParkedAndEscalated(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()
	syncTestHubs(t, s)

	rec, err := s.InsertErrorRecord(ctx, createTestError("err-1", "people", "acme", epoch))
	require.NoError(t, err)

	for _, d := range []ir.Disposition{ir.DispositionParked, ir.DispositionEscalated} {
		rec.Disposition = d
		rec.RetryExhausted = true
		rec, err = s.UpdateErrorRecord(ctx, rec)
		require.NoError(t, err)

		found, err := s.FindUnresolvedError(ctx, "people", "acme", "METRIC_BELOW_HEALTHY")
		require.NoError(t, err, string(d))
		assert.Equal(t, "err-1", found.ErrorID)
	}

	rec.Disposition = ir.DispositionResolved
	rec.ResolvedAt = epoch.Add(time.Hour)
	_, err = s.UpdateErrorRecord(ctx, rec)
	require.NoError(t, err)

	_, err = s.FindUnresolvedError(ctx, "people", "acme", "METRIC_BELOW_HEALTHY")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestErrorRecord_ArchiveAndPurge(t *testing.T) {
	s := createTestStore(t)
	ctx := testCtx()
	syncTestHubs(t, s)

	rec := createTestError("err-1", "people", "acme", epoch)
	rec.Disposition = ir.DispositionResolved
	rec.ResolvedAt = epoch
	rec, err := s.InsertErrorRecord(ctx, rec)
	require.NoError(t, err)

	terminal, err := s.TerminalBefore(ctx, "people", ir.TierWarm, epoch, 0)
	require.NoError(t, err)
	require.Len(t, terminal, 1)

	rec.ArchivedAt = epoch.Add(time.Hour)
	rec.ArchiveReason = "retention tier warm"
	rec.RetentionExpiresAt = epoch.Add(48 * time.Hour)
	archived, err := s.ArchiveErrorRecord(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionArchived, archived.Disposition)

	_, err = s.GetErrorRecord(ctx, "people", "err-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.ArchiveErrorRecord(ctx, rec)
	assert.True(t, errors.Is(err, ErrVersionConflict), "archiving twice finds no live row")

	arch, err := s.ListArchivedErrors(ctx, "people", ErrorFilter{})
	require.NoError(t, err)
	require.Len(t, arch, 1)
	assert.Equal(t, "retention tier warm", arch[0].ArchiveReason)

	n, err := s.PurgeArchive(ctx, "people", epoch.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.PurgeArchive(ctx, "people", epoch.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
