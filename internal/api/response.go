package api

import (
	"encoding/json"
	"net/http"

	"github.com/gyaneshwarpardhi/provgraph/internal/analytics"
	"github.com/gyaneshwarpardhi/provgraph/internal/engine"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/normalize"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// badRequest marks malformed request parameters.
var badRequest = errors.New("bad request")

func invalidParam(name string, err error) error {
	return errors.Mark(errors.Wrapf(err, "parameter %s", name), badRequest)
}

// classify maps an error to its HTTP status and envelope.
func classify(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error()}
	var (
		nerr *normalize.NormalizationError
		lerr *ledger.CorruptLineageError
		terr *engine.TransientError
	)
	switch {
	case errors.As(err, &nerr):
		resp.Kind, resp.Field = string(nerr.Kind), nerr.Field
		return http.StatusUnprocessableEntity, resp
	case errors.As(err, &lerr):
		resp.Kind = "CorruptLineage"
		return http.StatusInternalServerError, resp
	case errors.As(err, &terr), errors.Is(err, store.ErrConflict):
		resp.Kind = "Conflict"
		return http.StatusConflict, resp
	case errors.Is(err, graph.ErrAlreadyMerged), errors.Is(err, graph.ErrNotMerged):
		resp.Kind = "InvalidMergeState"
		return http.StatusConflict, resp
	case errors.Is(err, errors.ErrNotFound):
		resp.Kind = "NotFound"
		return http.StatusNotFound, resp
	case errors.Is(err, analytics.ErrInvalidQuery):
		resp.Kind = "InvalidQuery"
		return http.StatusBadRequest, resp
	case errors.Is(err, badRequest):
		resp.Kind = "BadRequest"
		return http.StatusBadRequest, resp
	case errors.Is(err, engine.ErrQueueFull):
		resp.Kind = "QueueFull"
		return http.StatusTooManyRequests, resp
	case errors.Is(err, engine.ErrTimeout):
		resp.Kind = "Timeout"
		return http.StatusGatewayTimeout, resp
	}
	resp.Kind = "Internal"
	return http.StatusInternalServerError, resp
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Errorw("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, resp)
}
