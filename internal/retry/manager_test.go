package retry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bitgate/internal/failure"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/store"
	"github.com/roach88/bitgate/internal/testutil"
)

// fakeHub fails retries with the queued errors, then succeeds.
type fakeHub struct {
	def ir.HubDefinition

	mu       sync.Mutex
	failures []error
	calls    int
}

func (h *fakeHub) Hub() ir.HubDefinition { return h.def }

func (h *fakeHub) Retry(context.Context, ir.ErrorRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.failures) == 0 {
		return nil
	}
	err := h.failures[0]
	h.failures = h.failures[1:]
	return err
}

type memorySink struct {
	archived []ir.ErrorRecord
}

func (s *memorySink) Archive(_ context.Context, rec ir.ErrorRecord) error {
	s.archived = append(s.archived, rec)
	return nil
}

var testRetention = map[string]ir.RetentionPolicy{
	ir.TierHot:  {Tier: ir.TierHot, ArchiveAfter: 24 * time.Hour, RetainFor: 72 * time.Hour},
	ir.TierWarm: {Tier: ir.TierWarm, ArchiveAfter: 720 * time.Hour, RetainFor: 2160 * time.Hour},
}

type fixture struct {
	manager  *Manager
	store    *store.Store
	clock    *testutil.FakeClock
	notifier *RecordingNotifier
	sink     *memorySink
}

func newFixture(t *testing.T, hubs ...*fakeHub) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "retry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewFakeClock(time.Time{})
	m := New(st, clock, testutil.NewSequenceIDs("err"), testRetention, Options{
		BaseBackoff:        time.Minute,
		MaxBackoff:         10 * time.Minute,
		EscalationInterval: time.Hour,
	})
	notifier := &RecordingNotifier{}
	sink := &memorySink{}
	m.SetNotifier(notifier)
	m.AddSink(sink)

	ctx := context.Background()
	defs := make([]ir.HubDefinition, len(hubs))
	for i, h := range hubs {
		defs[i] = h.def
	}
	require.NoError(t, st.SyncHubRegistry(ctx, defs))
	for _, h := range hubs {
		require.NoError(t, m.Register(ctx, h))
	}
	return &fixture{manager: m, store: st, clock: clock, notifier: notifier, sink: sink}
}

func hubDef(id string, order int, onExhaustion string) ir.HubDefinition {
	return ir.HubDefinition{
		HubID: id, DoctrineID: "04.04.0" + id[:1], Classification: "enrichment",
		WaterfallOrder: order, GatesCompletion: true, CoreMetric: "score",
		MetricSource: ir.MetricReported, HealthyThreshold: 70, CriticalThreshold: 30,
		MaxRetries: 2, OnExhaustion: onExhaustion, TTLTier: ir.TierHot,
	}
}

func transient(code string) error {
	return failure.New(failure.TransientExternal, code, "upstream timed out")
}

func TestBackoff(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, time.Minute, f.manager.Backoff(0))
	assert.Equal(t, 2*time.Minute, f.manager.Backoff(1))
	assert.Equal(t, 8*time.Minute, f.manager.Backoff(3))
	assert.Equal(t, 10*time.Minute, f.manager.Backoff(4))
	assert.Equal(t, 10*time.Minute, f.manager.Backoff(40))
}

func TestOpen_RetryableSchedulesRetry(t *testing.T) {
	f := newFixture(t, &fakeHub{def: hubDef("dol", 1, ir.ExhaustEscalate)})

	rec, err := f.manager.Open(context.Background(), Failure{
		HubID: "dol", EntityID: "acme", Err: transient("DOL_TIMEOUT"),
		RawInput: ir.Payload{"ein": "12-3456789"},
	})
	require.NoError(t, err)
	assert.Equal(t, "err-0001", rec.ErrorID)
	assert.Equal(t, ir.DispositionOpen, rec.Disposition)
	assert.True(t, rec.RetryAllowed)
	assert.Equal(t, "DOL_TIMEOUT", rec.FailureCode)
	assert.Equal(t, "transient_external", rec.ErrorType)
	assert.Equal(t, failure.SeverityMedium, rec.Severity)
	assert.Equal(t, 2, rec.MaxRetries)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), rec.NextRetryAt)
	assert.Equal(t, "err-0001", rec.CorrelationID)
	assert.Equal(t, ir.Payload{"ein": "12-3456789"}, rec.RawInput)
}

func TestOpen_DeduplicatesActiveFailure(t *testing.T) {
	f := newFixture(t, &fakeHub{def: hubDef("dol", 1, ir.ExhaustEscalate)})
	ctx := context.Background()

	first, err := f.manager.Open(ctx, Failure{HubID: "dol", EntityID: "acme", Err: transient("DOL_TIMEOUT")})
	require.NoError(t, err)
	second, err := f.manager.Open(ctx, Failure{HubID: "dol", EntityID: "acme", Err: transient("DOL_TIMEOUT")})
	require.NoError(t, err)
	assert.Equal(t, first.ErrorID, second.ErrorID)

	other, err := f.manager.Open(ctx, Failure{HubID: "dol", EntityID: "acme", Err: transient("DOL_RATE_LIMIT")})
	require.NoError(t, err)
	assert.NotEqual(t, first.ErrorID, other.ErrorID)
}

func TestOpen_TerminalRecordIsNotReopened(t *testing.T) {
	hub := &fakeHub{
		def:      hubDef("identity", 1, ir.ExhaustPark),
		failures: []error{transient("T"), transient("T")},
	}
	f := newFixture(t, hub)
	ctx := context.Background()

	rec, err := f.manager.Open(ctx, Failure{HubID: "identity", EntityID: "acme", Err: transient("T")})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		f.clock.Advance(10 * time.Minute)
		_, err := f.manager.SweepRetries(ctx)
		require.NoError(t, err)
	}

	again, err := f.manager.Open(ctx, Failure{HubID: "identity", EntityID: "acme", Err: transient("T")})
	require.NoError(t, err)
	assert.Equal(t, rec.ErrorID, again.ErrorID)
	assert.Equal(t, ir.DispositionParked, again.Disposition)
	assert.True(t, again.RetryExhausted)
	assert.Equal(t, again.MaxRetries, again.RetryCount)

	f.clock.Advance(time.Hour)
	stats, err := f.manager.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Retried)
	assert.Equal(t, 2, hub.calls)

	critical, err := f.manager.Open(ctx, Failure{HubID: "identity", EntityID: "acme",
		Err: failure.New(failure.ValidationFailure, "METRIC_CRITICAL", "score 10 <= 30")})
	require.NoError(t, err)
	repeat, err := f.manager.Open(ctx, Failure{HubID: "identity", EntityID: "acme",
		Err: failure.New(failure.ValidationFailure, "METRIC_CRITICAL", "score 10 <= 30")})
	require.NoError(t, err)
	assert.Equal(t, critical.ErrorID, repeat.ErrorID)

	recs, err := f.store.ListErrorRecords(ctx, "identity", store.ErrorFilter{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestOpen_AmbiguityParks(t *testing.T) {
	f := newFixture(t, &fakeHub{def: hubDef("identity", 1, ir.ExhaustEscalate)})

	rec, err := f.manager.Open(context.Background(), Failure{
		HubID: "identity", EntityID: "acme",
		Err: failure.New(failure.AmbiguityConflict, "MULTIPLE_MATCHES", "two companies share the domain"),
	})
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionParked, rec.Disposition)
	assert.False(t, rec.RetryAllowed)
	assert.Equal(t, "two companies share the domain", rec.ParkReason)
	assert.Empty(t, f.notifier.Notices())
}

func TestOpen_ValidationSkipsToExhaustion(t *testing.T) {
	f := newFixture(t, &fakeHub{def: hubDef("dol", 1, ir.ExhaustEscalate)})

	rec, err := f.manager.Open(context.Background(), Failure{
		HubID: "dol", EntityID: "acme",
		Err: failure.New(failure.ValidationFailure, "METRIC_CRITICAL", "filing match 12 <= 30"),
	})
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionEscalated, rec.Disposition)
	assert.True(t, rec.RetryExhausted)
	assert.Equal(t, 1, rec.EscalationLevel)
	require.Len(t, f.notifier.Notices(), 1)
}

func TestOpen_PreEntityFailure(t *testing.T) {
	f := newFixture(t, &fakeHub{def: hubDef("identity", 1, ir.ExhaustPark)})

	rec, err := f.manager.Open(context.Background(), Failure{
		HubID: "identity", CorrelationID: "import-77", Err: transient("LOOKUP_TIMEOUT"),
	})
	require.NoError(t, err)
	assert.Empty(t, rec.EntityID)
	assert.Empty(t, rec.OutreachID)
	assert.Equal(t, "import-77", rec.CorrelationID)
}

func TestOpen_UnknownHub(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Open(context.Background(), Failure{HubID: "nowhere", Err: transient("X")})
	require.Error(t, err)
	assert.Equal(t, "UNKNOWN_HUB", failure.CodeOf(err))
}

func TestSweepRetries_ResolvesOnSuccess(t *testing.T) {
	hub := &fakeHub{def: hubDef("dol", 1, ir.ExhaustEscalate)}
	f := newFixture(t, hub)
	ctx := context.Background()
	rec, err := f.manager.Open(ctx, Failure{HubID: "dol", EntityID: "acme", Err: transient("DOL_TIMEOUT")})
	require.NoError(t, err)

	stats, err := f.manager.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Retried, "not due yet")

	f.clock.Advance(time.Minute)
	stats, err = f.manager.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)

	got, err := f.store.GetErrorRecord(ctx, "dol", rec.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionResolved, got.Disposition)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "retry 1 succeeded", got.ResolutionNote)
	assert.False(t, got.ResolvedAt.IsZero())
}

func TestSweepRetries_ExhaustionEscalatesNeverResolves(t *testing.T) {
	hub := &fakeHub{
		def:      hubDef("dol", 1, ir.ExhaustEscalate),
		failures: []error{transient("DOL_TIMEOUT"), transient("DOL_TIMEOUT")},
	}
	f := newFixture(t, hub)
	ctx := context.Background()
	rec, err := f.manager.Open(ctx, Failure{HubID: "dol", EntityID: "acme", Err: transient("DOL_TIMEOUT")})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.manager.SweepRetries(ctx)
	require.NoError(t, err)
	got, err := f.store.GetErrorRecord(ctx, "dol", rec.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionRetrying, got.Disposition)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, f.clock.Now().Add(2*time.Minute), got.NextRetryAt)

	f.clock.Advance(2 * time.Minute)
	stats, err := f.manager.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Exhausted)

	got, err = f.store.GetErrorRecord(ctx, "dol", rec.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionEscalated, got.Disposition)
	assert.True(t, got.RetryExhausted)
	assert.Equal(t, got.MaxRetries, got.RetryCount)
	assert.True(t, got.ResolvedAt.IsZero())
	assert.Equal(t, 2, hub.calls)
	require.Len(t, f.notifier.Notices(), 1)
	assert.Equal(t, "retries exhausted", f.notifier.Notices()[0].Reason)
}

func TestSweepRetries_ExhaustionParks(t *testing.T) {
	hub := &fakeHub{
		def:      hubDef("identity", 1, ir.ExhaustPark),
		failures: []error{transient("T"), transient("T")},
	}
	f := newFixture(t, hub)
	ctx := context.Background()
	rec, err := f.manager.Open(ctx, Failure{HubID: "identity", EntityID: "acme", Err: transient("T")})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.clock.Advance(10 * time.Minute)
		_, err := f.manager.SweepRetries(ctx)
		require.NoError(t, err)
	}

	got, err := f.store.GetErrorRecord(ctx, "identity", rec.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionParked, got.Disposition)
	assert.True(t, got.RetryExhausted)
	assert.Contains(t, got.ParkReason, "retries exhausted after 2 attempt(s)")
	assert.Empty(t, f.notifier.Notices())
}

func TestSweepEscalations_ClimbsToMaxLevel(t *testing.T) {
	f := newFixture(t, &fakeHub{def: hubDef("dol", 1, ir.ExhaustEscalate)})
	ctx := context.Background()
	rec, err := f.manager.Open(ctx, Failure{
		HubID: "dol", EntityID: "acme",
		Err: failure.New(failure.ValidationFailure, "BAD_EIN", "ein has 8 digits"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, rec.EscalationLevel)

	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Hour)
		_, err := f.manager.SweepEscalations(ctx)
		require.NoError(t, err)
	}

	got, err := f.store.GetErrorRecord(ctx, "dol", rec.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, MaxEscalationLevel, got.EscalationLevel)
	assert.Len(t, f.notifier.Notices(), 3, "open plus two climbs")
}

func TestSweepArchive_MovesTerminalRecordsAndPurges(t *testing.T) {
	f := newFixture(t, &fakeHub{def: hubDef("identity", 1, ir.ExhaustPark)})
	ctx := context.Background()
	parked, err := f.manager.Open(ctx, Failure{
		HubID: "identity", EntityID: "acme",
		Err: failure.New(failure.AmbiguityConflict, "MULTIPLE_MATCHES", "ambiguous"),
	})
	require.NoError(t, err)
	open, err := f.manager.Open(ctx, Failure{HubID: "identity", EntityID: "globex", Err: transient("T")})
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)
	stats, err := f.manager.SweepArchive(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Archived)

	f.clock.Advance(time.Hour)
	stats, err = f.manager.SweepArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Archived)

	_, err = f.store.GetErrorRecord(ctx, "identity", parked.ErrorID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.GetErrorRecord(ctx, "identity", open.ErrorID)
	assert.NoError(t, err, "active records stay live")

	archived, err := f.store.ListArchivedErrors(ctx, "identity", store.ErrorFilter{})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, ir.DispositionArchived, archived[0].Disposition)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), archived[0].RetentionExpiresAt)
	require.Len(t, f.sink.archived, 1)
	assert.Equal(t, parked.ErrorID, f.sink.archived[0].ErrorID)

	f.clock.Advance(72 * time.Hour)
	stats, err = f.manager.SweepArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Purged)
}

func TestOperator_Actions(t *testing.T) {
	f := newFixture(t, &fakeHub{def: hubDef("dol", 1, ir.ExhaustEscalate)})
	ctx := context.Background()
	rec, err := f.manager.Open(ctx, Failure{HubID: "dol", EntityID: "acme", Err: transient("DOL_TIMEOUT")})
	require.NoError(t, err)

	parked, err := f.manager.Park(ctx, "dol", rec.ErrorID, "waiting on customer", "dana")
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionParked, parked.Disposition)
	assert.Equal(t, "dana", parked.ParkedBy)

	queue, err := f.manager.Queue(ctx, "dol")
	require.NoError(t, err)
	require.Len(t, queue, 1)

	requeued, err := f.manager.Requeue(ctx, "dol", rec.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionOpen, requeued.Disposition)
	assert.Equal(t, f.clock.Now(), requeued.NextRetryAt)

	escalated, err := f.manager.Escalate(ctx, "dol", rec.ErrorID, "dana")
	require.NoError(t, err)
	assert.Equal(t, 1, escalated.EscalationLevel)

	resolved, err := f.manager.Resolve(ctx, "dol", rec.ErrorID, "fixed EIN upstream", "dana")
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionResolved, resolved.Disposition)
	assert.Equal(t, "fixed EIN upstream (by dana)", resolved.ResolutionNote)

	_, err = f.manager.Resolve(ctx, "dol", rec.ErrorID, "again", "")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.AmbiguityConflict))
}

func TestOperator_RequeueGrantsOneMoreAttempt(t *testing.T) {
	hub := &fakeHub{def: hubDef("dol", 1, ir.ExhaustEscalate), failures: []error{transient("T"), transient("T")}}
	f := newFixture(t, hub)
	ctx := context.Background()
	rec, err := f.manager.Open(ctx, Failure{HubID: "dol", EntityID: "acme", Err: transient("T")})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		f.clock.Advance(10 * time.Minute)
		_, err := f.manager.SweepRetries(ctx)
		require.NoError(t, err)
	}

	requeued, err := f.manager.Requeue(ctx, "dol", rec.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, 3, requeued.MaxRetries)
	assert.False(t, requeued.RetryExhausted)

	stats, err := f.manager.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)
}

func TestResolveEntity(t *testing.T) {
	f := newFixture(t, &fakeHub{def: hubDef("dol", 1, ir.ExhaustEscalate)})
	ctx := context.Background()
	_, err := f.manager.Open(ctx, Failure{HubID: "dol", EntityID: "acme", Err: transient("A")})
	require.NoError(t, err)
	_, err = f.manager.Open(ctx, Failure{HubID: "dol", EntityID: "acme", Err: transient("B")})
	require.NoError(t, err)
	escalated, err := f.manager.Open(ctx, Failure{HubID: "dol", EntityID: "acme",
		Err: failure.New(failure.ValidationFailure, "BAD_EIN", "ein has 8 digits")})
	require.NoError(t, err)
	require.Equal(t, ir.DispositionEscalated, escalated.Disposition)

	n, err := f.manager.ResolveEntity(ctx, "dol", "acme", "hub completed")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := f.store.GetErrorRecord(ctx, "dol", escalated.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, ir.DispositionResolved, got.Disposition)
}

func TestManager_IgnoresSinkFailure(t *testing.T) {
	f := newFixture(t, &fakeHub{def: hubDef("identity", 1, ir.ExhaustPark)})
	f.manager.AddSink(failingSink{})
	ctx := context.Background()
	_, err := f.manager.Open(ctx, Failure{
		HubID: "identity", EntityID: "acme",
		Err: failure.New(failure.AmbiguityConflict, "X", "ambiguous"),
	})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	stats, err := f.manager.SweepArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Archived)
}

type failingSink struct{}

func (failingSink) Archive(context.Context, ir.ErrorRecord) error {
	return errors.New("warehouse down")
}
