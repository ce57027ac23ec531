package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bitgate/internal/config"
	"github.com/roach88/bitgate/internal/engine"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/retry"
	"github.com/roach88/bitgate/internal/testutil"
)

func newServer(t *testing.T) (*engine.System, *testutil.FakeClock, http.Handler) {
	t.Helper()
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "api.db")

	clock := testutil.NewFakeClock(time.Time{})
	sys, err := engine.Open(context.Background(), cfg,
		engine.WithClock(clock),
		engine.WithIDs(testutil.NewSequenceIDs("id")),
		engine.WithNotifier(&retry.RecordingNotifier{}))
	require.NoError(t, err)
	t.Cleanup(func() { sys.Close() })
	return sys, clock, New(sys).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func postSignal(t *testing.T, h http.Handler, entityID string) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v1/signals", map[string]any{
		"entity_id":   entityID,
		"signal_type": "dol_filing_match",
		"source_hub":  "dol",
		"payload":     map[string]any{"ein": "12-3456789"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[map[string]string](t, rec)["queue_id"]
}

func TestHealth(t *testing.T) {
	sys, _, h := newServer(t)
	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, sys.Doctrine.Hash, body["doctrine_hash"])
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestSignalToAuthorization(t *testing.T) {
	sys, _, h := newServer(t)
	queueID := postSignal(t, h, "acme")
	assert.NotEmpty(t, queueID)

	_, err := sys.Runtime.Drain(context.Background())
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/v1/entities/acme/phase", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[ir.PhaseState](t, rec)
	assert.Equal(t, ir.Band(2), st.CurrentBand)

	rec = do(t, h, http.MethodPost, "/v1/authorize", map[string]any{
		"entity_id": "acme", "action": "email_send", "requested_by": "test",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	auth := decode[ir.AuthorizationRecord](t, rec)
	assert.True(t, auth.Authorized)
	assert.NotEmpty(t, auth.ProofID)

	rec = do(t, h, http.MethodGet, "/v1/authorizations?entity_id=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]ir.AuthorizationRecord](t, rec)
	require.Len(t, list["authorizations"], 1)
	assert.Equal(t, auth.AuthorizationID, list["authorizations"][0].AuthorizationID)

	rec = do(t, h, http.MethodGet, "/v1/entities/acme/movements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]ir.MovementEvent](t, rec)["movements"], 1)

	rec = do(t, h, http.MethodGet, "/v1/entities/acme/proofs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	proofs := decode[map[string][]ir.ProofLine](t, rec)["proofs"]
	require.Len(t, proofs, 1)
	assert.Equal(t, auth.ProofID, proofs[0].ProofID)
}

func TestAuthorize_UnknownEntityIsDenied(t *testing.T) {
	_, _, h := newServer(t)
	rec := do(t, h, http.MethodPost, "/v1/authorize", map[string]any{"entity_id": "ghost", "action": "email_send"})
	require.Equal(t, http.StatusOK, rec.Code)

	auth := decode[ir.AuthorizationRecord](t, rec)
	assert.False(t, auth.Authorized)
	assert.Equal(t, ir.DenyNoProof, auth.DenialReason)
}

func TestProofs_AsOf(t *testing.T) {
	sys, clock, h := newServer(t)
	postSignal(t, h, "acme")
	_, err := sys.Runtime.Drain(context.Background())
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/v1/entities/acme/proofs?as_of="+clock.Now().Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[ir.ProofLine](t, rec)
	assert.Equal(t, ir.Band(2), p.Band)

	rec = do(t, h, http.MethodGet, "/v1/entities/acme/proofs?as_of=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	_, _, h := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown signal type", http.MethodPost, "/v1/signals",
			map[string]any{"entity_id": "acme", "signal_type": "nope", "source_hub": "dol"}, http.StatusBadRequest, ""},
		{"unknown field", http.MethodPost, "/v1/signals",
			map[string]any{"entity_id": "acme", "bogus": 1}, http.StatusBadRequest, "BAD_BODY"},
		{"missing phase", http.MethodGet, "/v1/entities/ghost/phase", nil, http.StatusNotFound, "NOT_FOUND"},
		{"unknown hub", http.MethodGet, "/v1/errors/nope", nil, http.StatusBadRequest, "UNKNOWN_HUB"},
		{"bad limit", http.MethodGet, "/v1/authorizations?limit=-1", nil, http.StatusBadRequest, "BAD_LIMIT"},
		{"band hub rejects reports", http.MethodPost, "/v1/hubs/bit/metrics",
			map[string]any{"entity_id": "acme", "value": 2}, http.StatusBadRequest, "METRIC_NOT_REPORTED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			if tt.code != "" {
				assert.Equal(t, tt.code, body.Error.Code)
			}
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestHubMetricsAndOperatorActions(t *testing.T) {
	sys, _, h := newServer(t)
	ctx := context.Background()

	rec := do(t, h, http.MethodPost, "/v1/hubs/identity/metrics", map[string]any{"entity_id": "acme", "value": 10})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.NoError(t, sys.Runtime.SweepHubs(ctx))

	rec = do(t, h, http.MethodGet, "/v1/entities/acme/hubs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decode[map[string][]ir.HubProgress](t, rec)["hubs"]
	require.NotEmpty(t, progress)
	assert.Equal(t, "identity", progress[0].HubID)
	assert.Equal(t, ir.HubError, progress[0].Status)

	rec = do(t, h, http.MethodGet, "/v1/errors/identity?disposition=parked", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	errs := decode[map[string][]ir.ErrorRecord](t, rec)["errors"]
	require.Len(t, errs, 1)
	assert.Equal(t, "METRIC_CRITICAL", errs[0].FailureCode)

	path := "/v1/errors/identity/" + errs[0].ErrorID
	rec = do(t, h, http.MethodPost, path+"/resolve", map[string]any{"note": "fixed upstream", "by": "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[ir.ErrorRecord](t, rec)
	assert.Equal(t, ir.DispositionResolved, resolved.Disposition)
	assert.Equal(t, "fixed upstream", resolved.ResolutionNote)

	rec = do(t, h, http.MethodPost, path+"/explode", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/errors/identity/missing/park", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetters(t *testing.T) {
	sys, _, h := newServer(t)
	ctx := context.Background()
	queueID := postSignal(t, h, "acme")
	require.NoError(t, sys.Queue.DeadLetter(ctx, queueID, "poison"))

	rec := do(t, h, http.MethodGet, "/v1/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dead := decode[map[string][]ir.QueuedSignal](t, rec)["dead_letters"]
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", dead[0].DeadReason)

	rec = do(t, h, http.MethodPost, "/v1/deadletters/"+queueID+"/requeue", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/deadletters", nil)
	assert.Empty(t, decode[map[string][]ir.QueuedSignal](t, rec)["dead_letters"])
}

func TestRecompute(t *testing.T) {
	_, _, h := newServer(t)
	rec := do(t, h, http.MethodPost, "/v1/entities/acme/recompute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode[map[string]any](t, rec)["committed"])
}

func TestRegistryRoutes(t *testing.T) {
	sys, _, h := newServer(t)

	rec := do(t, h, http.MethodGet, "/v1/registry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[map[string][]ir.RegistryEntry](t, rec)
	assert.Len(t, listed["signals"], len(sys.Registry.List()))

	rec = do(t, h, http.MethodGet, "/v1/registry/no_such_signal", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_SIGNAL_TYPE", decode[errorBody](t, rec).Error.Code)

	rec = do(t, h, http.MethodPut, "/v1/registry/press_mention", map[string]any{
		"category":         "content",
		"domain":           "content",
		"freshness_window": "240h",
		"weight":           800,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored := decode[ir.RegistryEntry](t, rec)
	assert.True(t, stored.IsActive)
	assert.Equal(t, 240*time.Hour, stored.FreshnessWindow)

	rec = do(t, h, http.MethodPut, "/v1/registry/press_mention", map[string]any{
		"category":         "content",
		"domain":           "content",
		"freshness_window": "soon",
		"weight":           800,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_FRESHNESS_WINDOW", decode[errorBody](t, rec).Error.Code)

	rec = do(t, h, http.MethodPost, "/v1/registry/press_mention/active", map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	off := decode[ir.RegistryEntry](t, rec)
	assert.False(t, off.IsActive)
	assert.Equal(t, stored.Version+1, off.Version)

	rec = do(t, h, http.MethodPost, "/v1/registry/ghost/active", map[string]any{"is_active": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
