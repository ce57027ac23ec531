// Package api exposes a wired bitgate system over HTTP with a JSON body on
// every route.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/bitgate/internal/authz"
	"github.com/roach88/bitgate/internal/engine"
	"github.com/roach88/bitgate/internal/intake"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/proof"
)

const defaultListLimit = 100

// Server serves the HTTP API of one system.
type Server struct {
	sys    *engine.System
	proofs *proof.Generator
	logger *slog.Logger
}

// New returns a server over sys.
func New(sys *engine.System) *Server {
	logger := sys.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sys: sys, proofs: proof.NewGenerator(), logger: logger}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/registry", s.listRegistry)
		r.Get("/registry/{signal_type}", s.lookupSignalType)
		r.Put("/registry/{signal_type}", s.registerSignalType)
		r.Post("/registry/{signal_type}/active", s.setSignalTypeActive)

		r.Post("/signals", s.enqueueSignal)
		r.Post("/authorize", s.authorize)
		r.Get("/authorizations", s.listAuthorizations)

		r.Route("/entities/{entity_id}", func(r chi.Router) {
			r.Get("/phase", s.getPhase)
			r.Get("/movements", s.listMovements)
			r.Get("/proofs", s.listProofs)
			r.Get("/hubs", s.listHubProgress)
			r.Post("/recompute", s.recompute)
		})

		r.Post("/hubs/{hub}/metrics", s.reportMetric)

		r.Get("/errors/{hub}", s.listErrors)
		r.Post("/errors/{hub}/{error_id}/{action}", s.operateError)

		r.Get("/deadletters", s.listDeadLetters)
		r.Post("/deadletters/{queue_id}/requeue", s.requeueDeadLetter)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.sys.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	depth, err := s.sys.Store.QueueDepth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"doctrine_version": s.sys.Doctrine.Version,
		"doctrine_hash":    s.sys.Doctrine.Hash,
		"queue_depth":      depth,
	})
}

func (s *Server) listRegistry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"signals": nonNil(s.sys.Registry.List())})
}

func (s *Server) lookupSignalType(w http.ResponseWriter, r *http.Request) {
	e, err := s.sys.Registry.Lookup(r.Context(), chi.URLParam(r, "signal_type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type registryRequest struct {
	Category          string `json:"category"`
	Domain            string `json:"domain"`
	FreshnessWindow   string `json:"freshness_window"`
	ValidityThreshold int64  `json:"validity_threshold,omitempty"`
	Weight            int64  `json:"weight"`
	IsActive          *bool  `json:"is_active,omitempty"`
}

func (s *Server) registerSignalType(w http.ResponseWriter, r *http.Request) {
	var req registryRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	window, err := time.ParseDuration(req.FreshnessWindow)
	if err != nil {
		writeError(w, badRequest("BAD_FRESHNESS_WINDOW", "freshness_window must be a duration like 720h: %v", err))
		return
	}
	active := req.IsActive == nil || *req.IsActive
	stored, err := s.sys.Registry.Register(r.Context(), ir.RegistryEntry{
		SignalType:        chi.URLParam(r, "signal_type"),
		Category:          req.Category,
		Domain:            req.Domain,
		FreshnessWindow:   window,
		ValidityThreshold: req.ValidityThreshold,
		Weight:            req.Weight,
		IsActive:          active,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) setSignalTypeActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsActive bool `json:"is_active"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	e, err := s.sys.Registry.SetActive(r.Context(), chi.URLParam(r, "signal_type"), req.IsActive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type signalRequest struct {
	EntityID      string     `json:"entity_id"`
	SignalType    string     `json:"signal_type"`
	Category      string     `json:"signal_category,omitempty"`
	Payload       ir.Payload `json:"payload"`
	Magnitude     int64      `json:"magnitude,omitempty"`
	SourceHub     string     `json:"source_hub"`
	Priority      int        `json:"priority,omitempty"`
	DetectedAt    time.Time  `json:"detected_at,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

func (s *Server) enqueueSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	queueID, err := s.sys.Queue.Enqueue(r.Context(), intake.Request{
		EntityID:      req.EntityID,
		SignalType:    req.SignalType,
		Category:      req.Category,
		Payload:       req.Payload,
		Magnitude:     req.Magnitude,
		SourceHub:     req.SourceHub,
		Priority:      req.Priority,
		DetectedAt:    req.DetectedAt,
		ExpiresAt:     req.ExpiresAt,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queue_id": queueID})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	var req authz.Request
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.sys.Gate.Authorize(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listAuthorizations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.sys.Store.ListAuthorizations(r.Context(), r.URL.Query().Get("entity_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authorizations": nonNil(recs)})
}

func (s *Server) getPhase(w http.ResponseWriter, r *http.Request) {
	st, err := s.sys.Store.GetPhaseState(r.Context(), chi.URLParam(r, "entity_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := s.sys.Store.ListMovements(r.Context(), chi.URLParam(r, "entity_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": nonNil(movements)})
}

func (s *Server) listProofs(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, badRequest("BAD_AS_OF", "as_of must be RFC3339: %v", err))
			return
		}
		p, err := s.proofs.AsOf(r.Context(), s.sys.Store, s.sys.Bands.Policy(), entityID, t)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}
	proofs, err := s.sys.Store.ListProofs(r.Context(), entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proofs": nonNil(proofs)})
}

func (s *Server) listHubProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.sys.Hubs.Progress(r.Context(), chi.URLParam(r, "entity_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hubs": nonNil(progress)})
}

func (s *Server) recompute(w http.ResponseWriter, r *http.Request) {
	out, err := s.sys.Bands.Recompute(r.Context(), chi.URLParam(r, "entity_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"committed": out.Committed,
		"state":     out.State,
	})
}

type metricRequest struct {
	EntityID   string `json:"entity_id"`
	Value      int64  `json:"value"`
	ReportedBy string `json:"reported_by,omitempty"`
}

func (s *Server) reportMetric(w http.ResponseWriter, r *http.Request) {
	var req metricRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.sys.Hubs.ReportMetric(r.Context(), chi.URLParam(r, "hub"), req.EntityID, req.Value, req.ReportedBy); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	hubID := chi.URLParam(r, "hub")
	if _, err := s.sys.Hubs.Hub(hubID); err != nil {
		writeError(w, err)
		return
	}
	var dispositions []ir.Disposition
	for _, d := range r.URL.Query()["disposition"] {
		dispositions = append(dispositions, ir.Disposition(d))
	}
	recs, err := s.sys.Retry.Queue(r.Context(), hubID, dispositions...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": nonNil(recs)})
}

type operatorRequest struct {
	Note string `json:"note,omitempty"`
	By   string `json:"by,omitempty"`
}

func (s *Server) operateError(w http.ResponseWriter, r *http.Request) {
	hubID, errorID := chi.URLParam(r, "hub"), chi.URLParam(r, "error_id")
	var req operatorRequest
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.By == "" {
		req.By = "api"
	}

	var (
		rec ir.ErrorRecord
		err error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "resolve":
		rec, err = s.sys.Retry.Resolve(r.Context(), hubID, errorID, req.Note, req.By)
	case "park":
		rec, err = s.sys.Retry.Park(r.Context(), hubID, errorID, req.Note, req.By)
	case "escalate":
		rec, err = s.sys.Retry.Escalate(r.Context(), hubID, errorID, req.By)
	case "requeue":
		rec, err = s.sys.Retry.Requeue(r.Context(), hubID, errorID)
	default:
		err = badRequest("UNKNOWN_ACTION", "unknown operator action %q", action)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.sys.Queue.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": nonNil(msgs)})
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "queue_id")
	if err := s.sys.Queue.Requeue(r.Context(), queueID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue_id": queueID})
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, badRequest("BAD_LIMIT", "limit must be a positive integer, got %q", raw)
	}
	return n, nil
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
