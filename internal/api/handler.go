// Package api serves the HTTP interface: ingestion, graph and lineage reads,
// analytics, manual merge and split, and health endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/provgraph/internal/analytics"
	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/engine"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
	"github.com/gyaneshwarpardhi/provgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/provgraph/internal/normalize"
	"github.com/gyaneshwarpardhi/provgraph/internal/schema"
)

// readyThreshold is the queue utilization above which /readyz reports 503.
const readyThreshold = 0.8

// SourceLister lists the registered source schemas.
type SourceLister interface {
	Sources() []*schema.Schema
}

// Deps are the collaborators of the HTTP handler.
type Deps struct {
	Engine    *engine.Engine
	Analytics *analytics.Aggregator
	// Loader, when set, enables POST /v1/config/reload. Components follow
	// the new config through the loader's change callbacks.
	Loader  *config.Loader
	Sources SourceLister
	API     config.APIConf
	Paging  config.AnalyticsConf
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng     *engine.Engine
	agg     *analytics.Aggregator
	loader  *config.Loader
	sources SourceLister
	conf    config.APIConf
	paging  config.AnalyticsConf
	mux     *http.ServeMux
	log     *zap.SugaredLogger
}

// New creates an HTTP handler and registers all routes.
func New(d Deps) http.Handler {
	h := &Handler{
		eng:     d.Engine,
		agg:     d.Analytics,
		loader:  d.Loader,
		sources: d.Sources,
		conf:    d.API,
		paging:  d.Paging,
		mux:     http.NewServeMux(),
		log:     logger.Named("api"),
	}
	if h.conf.MaxBatch <= 0 {
		h.conf.MaxBatch = 100
	}
	if h.conf.MaxEventBytes <= 0 {
		h.conf.MaxEventBytes = 1 << 20
	}
	if h.paging.DefaultPageSize <= 0 {
		h.paging.DefaultPageSize = 50
	}
	if h.paging.MaxPageSize <= 0 {
		h.paging.MaxPageSize = 500
	}

	h.mux.HandleFunc("POST /v1/events", h.ingestEvent)
	h.mux.HandleFunc("POST /v1/events/batch", h.ingestBatch)
	h.mux.HandleFunc("GET /v1/events", h.listEvents)
	h.mux.HandleFunc("GET /v1/events/{id}", h.getEvent)
	h.mux.HandleFunc("GET /v1/entities/{id}", h.getEntity)
	h.mux.HandleFunc("GET /v1/entities/{id}/history", h.entityHistory)
	h.mux.HandleFunc("GET /v1/entities/{id}/subgraph", h.subgraph)
	h.mux.HandleFunc("POST /v1/entities/{id}/merge", h.mergeEntity)
	h.mux.HandleFunc("POST /v1/entities/{id}/split", h.splitEntity)
	h.mux.HandleFunc("GET /v1/records/{id}/trace", h.traceRecord)
	h.mux.HandleFunc("GET /v1/analytics/timeseries", h.timeSeries)
	h.mux.HandleFunc("GET /v1/analytics/summary", h.summary)
	h.mux.HandleFunc("GET /v1/sources", h.listSources)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	var next http.Handler = h.mux
	if h.conf.RateLimitRPS > 0 {
		burst := h.conf.RateLimitBurst
		if burst <= 0 {
			burst = int(h.conf.RateLimitRPS)
		}
		next = rateLimitMiddleware(newLimiter(h.conf.RateLimitRPS, burst), next)
	}
	return loggingMiddleware(h.log, next)
}

// submissionRequest is the wire form of a submission. observed_at accepts
// every layout the normalizer understands.
type submissionRequest struct {
	SourceID   string         `json:"source_id"`
	ObservedAt string         `json:"observed_at"`
	Payload    map[string]any `json:"payload"`
}

func (s submissionRequest) submission() (event.Submission, error) {
	var declared time.Time
	if s.ObservedAt != "" {
		var err error
		if declared, err = normalize.ParseDeclared(s.ObservedAt); err != nil {
			return event.Submission{}, err
		}
	}
	return event.Submission{SourceID: s.SourceID, ObservedAt: declared, Payload: s.Payload}, nil
}

// decodeBody reads at most limit bytes of JSON from r into v. It answers 413
// or 400 itself and reports whether the handler may continue.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "PayloadTooLarge", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return false
	}
	writeError(w, http.StatusBadRequest, "BadRequest", fmt.Sprintf("invalid JSON: %s", err))
	return false
}

// origin describes where r came from.
func origin(channel string, r *http.Request) *event.Origin {
	return &event.Origin{Channel: channel, Client: remoteHost(r)}
}

// POST /v1/events: synchronous single-event ingestion.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if !decodeBody(w, r, h.conf.MaxEventBytes, &req) {
		return
	}
	sub, err := req.submission()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sub.Origin = origin("api", r)
	out, err := h.eng.ProcessSync(r.Context(), sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if out.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

// batchRejection names a batch item that was not queued.
type batchRejection struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// POST /v1/events/batch: async batch ingestion.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []submissionRequest
	if !decodeBody(w, r, h.conf.MaxEventBytes*int64(h.conf.MaxBatch), &reqs) {
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "BadRequest", "batch must contain at least one event")
		return
	}
	if len(reqs) > h.conf.MaxBatch {
		writeError(w, http.StatusBadRequest, "BadRequest", fmt.Sprintf("batch size %d exceeds max %d", len(reqs), h.conf.MaxBatch))
		return
	}

	jobID := uuid.New().String()
	log := h.log.With("job_id", jobID)
	var rejected []batchRejection
	for i, req := range reqs {
		sub, err := req.submission()
		if err != nil {
			_, resp := classify(err)
			rejected = append(rejected, batchRejection{Index: i, Kind: resp.Kind, Error: resp.Error})
			continue
		}
		sub.Origin = origin("batch", r)
		done := func(out engine.Outcome, err error) {
			if err != nil {
				log.Warnw("Batch item failed", "index", i, "source_id", sub.SourceID, "error", err)
			}
		}
		if !h.eng.ProcessAsync(r.Context(), sub, done) {
			rejected = append(rejected, batchRejection{Index: i, Kind: "QueueFull", Error: engine.ErrQueueFull.Error()})
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     jobID,
		"total":      len(reqs),
		"queued":     len(reqs) - len(rejected),
		"rejected":   len(rejected),
		"rejections": rejected,
	})
}

// GET /v1/sources: registered source schemas.
func (h *Handler) listSources(w http.ResponseWriter, r *http.Request) {
	type sourceView struct {
		ID         string             `json:"source_id"`
		EntityType string             `json:"entity_type"`
		Strict     bool               `json:"strict"`
		Attributes []config.Attribute `json:"attributes"`
	}
	out := []sourceView{}
	if h.sources != nil {
		for _, s := range h.sources.Sources() {
			out = append(out, sourceView{ID: s.SourceID, EntityType: s.EntityType, Strict: s.Strict, Attributes: s.Attributes})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

// POST /v1/config/reload: re-read the config file and apply it.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.loader == nil {
		writeError(w, http.StatusNotFound, "NotFound", "config reload is not enabled")
		return
	}
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "InvalidConfig", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":      true,
		"version":       cfg.Version,
		"sources_count": len(cfg.Sources),
	})
}

// GET /healthz: always 200 (liveness).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the ingestion queue is more than 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > readyThreshold {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"queue_utilization": util,
	})
}
