package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/provgraph/internal/analytics"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/normalize"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

func (h *Handler) view(ctx context.Context, fn func(context.Context, store.View) error) error {
	return h.eng.Pipeline().Store().View(ctx, fn)
}

func (h *Handler) limit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return h.paging.DefaultPageSize, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > h.paging.MaxPageSize {
		return 0, invalidParam("limit", fmt.Errorf("must be an integer between 1 and %d", h.paging.MaxPageSize))
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := normalize.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, invalidParam(name, err)
	}
	return t, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalidParam(name, err)
	}
	return n, nil
}

// GET /v1/events: events ordered by observed_at.
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := ledger.EventQuery{SourceID: r.URL.Query().Get("source_id"), After: r.URL.Query().Get("cursor")}
	var err error
	if q.Limit, err = h.limit(r); err != nil {
		h.fail(w, r, err)
		return
	}
	if q.From, err = timeParam(r, "from"); err != nil {
		h.fail(w, r, err)
		return
	}
	if q.To, err = timeParam(r, "to"); err != nil {
		h.fail(w, r, err)
		return
	}

	var (
		events []event.Event
		next   string
	)
	err = h.view(r.Context(), func(ctx context.Context, v store.View) error {
		var err error
		events, next, err = v.Events(ctx, q)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next_cursor": next})
}

// GET /v1/events/{id}: an event and the records filed under it.
func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		ev   event.Event
		recs []ledger.Record
	)
	err := h.view(r.Context(), func(ctx context.Context, v store.View) error {
		var err error
		if ev, err = v.Event(ctx, id); err != nil {
			return errors.Wrapf(err, "event %s", id)
		}
		recs, err = v.EventRecords(ctx, id)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": ev, "records": recs})
}

// GET /v1/entities/{id}: the merged view of the entity's canonical.
func (h *Handler) getEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		view  graph.View
		edges []graph.Edge
	)
	err := h.view(r.Context(), func(ctx context.Context, v store.View) error {
		var err error
		if view, err = graph.MergedView(ctx, v, id); err != nil {
			return errors.Wrapf(err, "entity %s", id)
		}
		edges, err = v.EdgesOf(ctx, view.ID)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{"entity": view, "edges": edges}
	if view.ID != id {
		resp["resolved_from"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/entities/{id}/history: lineage-verified records of one entity id.
func (h *Handler) entityHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, err := h.limit(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	after, err := ledger.ParseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		h.fail(w, r, invalidParam("cursor", err))
		return
	}

	var (
		recs []ledger.Record
		next string
	)
	l := h.eng.Pipeline().Ledger()
	err = h.view(r.Context(), func(ctx context.Context, v store.View) error {
		if _, err := v.Entity(ctx, id); err != nil {
			return errors.Wrapf(err, "entity %s", id)
		}
		for rec, err := range l.History(ctx, v, id) {
			if err != nil {
				return err
			}
			if !after.After(rec) {
				continue
			}
			if len(recs) == limit {
				next = ledger.CursorOf(recs[len(recs)-1]).String()
				break
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": id, "records": recs, "next_cursor": next})
}

// GET /v1/entities/{id}/subgraph: bounded neighbourhood.
func (h *Handler) subgraph(w http.ResponseWriter, r *http.Request) {
	depth, err := intParam(r, "depth", 1)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sg, err := h.agg.Subgraph(r.Context(), r.PathValue("id"), depth, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

// POST /v1/entities/{id}/merge {"into": "<entity id>"}: manual merge.
func (h *Handler) mergeEntity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Into string `json:"into"`
	}
	if !decodeBody(w, r, h.conf.MaxEventBytes, &req) {
		return
	}
	if req.Into == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "into is required")
		return
	}
	res, err := h.eng.Pipeline().Merge(r.Context(), r.PathValue("id"), req.Into)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /v1/entities/{id}/split: reverse the merge that tombstoned id.
func (h *Handler) splitEntity(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.Pipeline().Split(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /v1/records/{id}/trace: the ingested roots of a record.
func (h *Handler) traceRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		rec   ledger.Record
		roots []ledger.Record
	)
	l := h.eng.Pipeline().Ledger()
	err := h.view(r.Context(), func(ctx context.Context, v store.View) error {
		var err error
		if rec, err = v.Record(ctx, id); err != nil {
			return errors.Wrapf(err, "record %s", id)
		}
		roots, err = l.Trace(ctx, v, id)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec, "roots": roots})
}

// GET /v1/analytics/timeseries?filter&bucket&from&to
func (h *Handler) timeSeries(w http.ResponseWriter, r *http.Request) {
	q := analytics.TimeSeriesQuery{Filter: r.URL.Query().Get("filter")}
	if s := r.URL.Query().Get("bucket"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			h.fail(w, r, invalidParam("bucket", err))
			return
		}
		q.Bucket = d
	}
	var err error
	if q.From, err = timeParam(r, "from"); err != nil {
		h.fail(w, r, err)
		return
	}
	if q.To, err = timeParam(r, "to"); err != nil {
		h.fail(w, r, err)
		return
	}
	ts, err := h.agg.TimeSeries(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// GET /v1/analytics/summary?from&to
func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	from, err := timeParam(r, "from")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := timeParam(r, "to")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.agg.Summary(r.Context(), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
