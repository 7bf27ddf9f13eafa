package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
	"github.com/Linzell/BrokeAgent-sub001/internal/config"
	"github.com/Linzell/BrokeAgent-sub001/internal/consensus"
	"github.com/Linzell/BrokeAgent-sub001/internal/discovery"
	"github.com/Linzell/BrokeAgent-sub001/internal/dispatch"
	"github.com/Linzell/BrokeAgent-sub001/internal/httputil"
	"github.com/Linzell/BrokeAgent-sub001/internal/types"
)

// Handler holds dependencies for the dispatch service HTTP handlers.
type Handler struct {
	dispatcher  *dispatch.Dispatcher
	coordinator *consensus.Coordinator
	health      *dispatch.HealthTracker
	perf        *dispatch.PerfTracker
	discovery   *discovery.Cache
	cfg         func() *config.Config
}

func NewHandler(dispatcher *dispatch.Dispatcher, coordinator *consensus.Coordinator, health *dispatch.HealthTracker, perf *dispatch.PerfTracker, disc *discovery.Cache, cfg func() *config.Config) *Handler {
	return &Handler{
		dispatcher:  dispatcher,
		coordinator: coordinator,
		health:      health,
		perf:        perf,
		discovery:   disc,
		cfg:         cfg,
	}
}

// Routes mounts all authenticated dispatch routes on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/dispatch", h.Dispatch)
	r.Post("/v1/consensus", h.Consensus)
	r.Get("/v1/backends/health", h.AllHealth)
	r.Get("/v1/backends/health/{provider}/{model}", h.BackendHealth)
	r.Get("/v1/backends/performance", h.AllPerformance)
	r.Get("/v1/backends/performance/{provider}/{model}", h.BackendPerformance)
	r.Post("/v1/backends/{provider}/{model}/reset", h.ResetBackend)
	r.Post("/v1/backends/clear", h.ClearStats)
}

type dispatchRequest struct {
	Messages    []types.Message `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Agent       string          `json:"agent,omitempty"`

	Candidates []backend.ID `json:"candidates,omitempty"`
	Strategy   string       `json:"strategy,omitempty"`
	TimeoutMs  int64        `json:"timeout_ms,omitempty"`
}

// Dispatch handles POST /v1/dispatch
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	var body dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if len(body.Messages) == 0 {
		httputil.WriteBadRequestError(w, reqID, "messages is required")
		return
	}

	candidates := body.Candidates
	if len(candidates) == 0 {
		var err error
		candidates, err = h.discovery.Candidates(r.Context())
		if err != nil {
			httputil.WriteInternalError(w, reqID, "Candidate discovery failed: "+err.Error())
			return
		}
	}
	if len(candidates) == 0 {
		httputil.WriteBadRequestError(w, reqID, "no candidate backends configured")
		return
	}

	svcCfg := h.cfg()
	strategy := body.Strategy
	if strategy == "" {
		strategy = svcCfg.Dispatch.DefaultStrategy
	}

	req := &types.ModelRequest{
		RequestID:   reqID,
		Messages:    body.Messages,
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
		TopP:        body.TopP,
		Stop:        body.Stop,
		Agent:       body.Agent,
		ReceivedAt:  time.Now(),
	}
	cfg := dispatch.Config{
		Candidates: candidates,
		Strategy:   dispatch.ParseStrategy(strategy),
		Timeout:    time.Duration(body.TimeoutMs) * time.Millisecond,
	}

	result, err := h.dispatcher.Dispatch(r.Context(), req, cfg)
	if err != nil {
		var unavailable *dispatch.AllBackendsUnavailableError
		var failed *dispatch.AllBackendsFailedError
		switch {
		case errors.As(err, &unavailable):
			httputil.WriteAllUnavailableError(w, reqID, err.Error())
		case errors.As(err, &failed):
			httputil.WriteAllFailedError(w, reqID, err.Error())
		default:
			slog.Error("dispatch failed", "request_id", reqID, "error", err)
			httputil.WriteInternalError(w, reqID, "Dispatch failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

type consensusRequest struct {
	Question        string       `json:"question"`
	Options         []string     `json:"options"`
	Candidates      []backend.ID `json:"candidates,omitempty"`
	TimeoutMs       int64        `json:"timeout_ms,omitempty"`
	MinConfidence   float64      `json:"min_confidence,omitempty"`
	RequireMajority bool         `json:"require_majority,omitempty"`
	RecordOutcomes  bool         `json:"record_outcomes,omitempty"`
}

// Consensus handles POST /v1/consensus
func (h *Handler) Consensus(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	var body consensusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if body.Question == "" {
		httputil.WriteBadRequestError(w, reqID, "question is required")
		return
	}
	if len(body.Options) == 0 {
		httputil.WriteBadRequestError(w, reqID, "options is required")
		return
	}

	candidates := body.Candidates
	if len(candidates) == 0 {
		var err error
		candidates, err = h.discovery.Candidates(r.Context())
		if err != nil {
			httputil.WriteInternalError(w, reqID, "Candidate discovery failed: "+err.Error())
			return
		}
	}

	result, err := h.coordinator.Vote(r.Context(), body.Question, body.Options, candidates, consensus.Config{
		Timeout:         time.Duration(body.TimeoutMs) * time.Millisecond,
		MinConfidence:   body.MinConfidence,
		RequireMajority: body.RequireMajority,
	})
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	if body.RecordOutcomes {
		h.coordinator.RecordOutcomes(result)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// AllHealth handles GET /v1/backends/health
func (h *Handler) AllHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.health.SnapshotAll())
}

// BackendHealth handles GET /v1/backends/health/{provider}/{model}
func (h *Handler) BackendHealth(w http.ResponseWriter, r *http.Request) {
	id := backend.ID{Provider: chi.URLParam(r, "provider"), Model: chi.URLParam(r, "model")}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.health.Snapshot(id))
}

// AllPerformance handles GET /v1/backends/performance
func (h *Handler) AllPerformance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.perf.SnapshotAll())
}

// BackendPerformance handles GET /v1/backends/performance/{provider}/{model}
func (h *Handler) BackendPerformance(w http.ResponseWriter, r *http.Request) {
	id := backend.ID{Provider: chi.URLParam(r, "provider"), Model: chi.URLParam(r, "model")}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.perf.Snapshot(id))
}

// ResetBackend handles POST /v1/backends/{provider}/{model}/reset
func (h *Handler) ResetBackend(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	id := backend.ID{Provider: chi.URLParam(r, "provider"), Model: chi.URLParam(r, "model")}
	h.health.Reset(id)
	slog.Info("backend health reset", "request_id", reqID, "backend", id.String())
	w.WriteHeader(http.StatusNoContent)
}

// ClearStats handles POST /v1/backends/clear
func (h *Handler) ClearStats(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	h.perf.Clear()
	h.health.ResetAll()
	slog.Info("backend stats cleared", "request_id", reqID)
	w.WriteHeader(http.StatusNoContent)
}
