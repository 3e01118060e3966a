package analytics

import (
	"context"
	"time"

	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

// Summary counts what the system holds. Event and record counts honour the
// time range (zero bounds are open); entity counts describe the current graph.
type Summary struct {
	From           time.Time      `json:"from,omitzero"`
	To             time.Time      `json:"to,omitzero"`
	Head           int64          `json:"head"`
	EventsBySource map[string]int `json:"events_by_source"`
	// EventsByCategory counts classified events; sources without category
	// rules do not contribute.
	EventsByCategory map[string]int `json:"events_by_category"`
	RecordsByKind    map[string]int `json:"records_by_transformation"`
	EntitiesByType   map[string]int `json:"entities_by_type"`
	Tombstones       int            `json:"tombstones"`
	Placeholders     int            `json:"placeholders"`
	Edges            int            `json:"edges"`
}

type summaryQuery struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Summary computes the counts for events observed and records created in
// [from, to).
func (a *Aggregator) Summary(ctx context.Context, from, to time.Time) (Summary, error) {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return Summary{}, invalid("from must be before to")
	}
	q := summaryQuery{From: from.UTC(), To: to.UTC()}
	return run(ctx, a, "summary", q, func(ctx context.Context, v store.View) (Summary, error) {
		s := Summary{
			From:             q.From,
			To:               q.To,
			EventsBySource:   make(map[string]int),
			EventsByCategory: make(map[string]int),
			RecordsByKind:    make(map[string]int),
			EntitiesByType:   make(map[string]int),
		}
		var err error
		if s.Head, err = v.Head(ctx); err != nil {
			return Summary{}, err
		}

		cursor := ""
		for {
			evs, next, err := v.Events(ctx, ledger.EventQuery{From: from, To: to, After: cursor, Limit: 512})
			if err != nil {
				return Summary{}, err
			}
			for _, ev := range evs {
				s.EventsBySource[ev.SourceID]++
				if ev.Category != "" {
					s.EventsByCategory[ev.Category]++
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}

		var afterSeq int64
		for {
			recs, err := v.Records(ctx, ledger.RecordQuery{From: from, To: to, AfterSeq: afterSeq, Limit: 512})
			if err != nil {
				return Summary{}, err
			}
			for _, r := range recs {
				s.RecordsByKind[string(r.Transformation)]++
			}
			if len(recs) < 512 {
				break
			}
			afterSeq = recs[len(recs)-1].Seq
		}

		edges := make(map[string]bool)
		after := ""
		for {
			page, err := v.Entities(ctx, graph.EntityQuery{IncludeDead: true, After: after, Limit: 256})
			if err != nil {
				return Summary{}, err
			}
			for _, e := range page {
				if !e.Live() {
					s.Tombstones++
					continue
				}
				s.EntitiesByType[e.Type]++
				if e.Placeholder {
					s.Placeholders++
				}
				adj, err := v.EdgesOf(ctx, e.ID)
				if err != nil {
					return Summary{}, err
				}
				for _, edge := range adj {
					edges[edge.ID] = true
				}
			}
			if len(page) < 256 {
				break
			}
			after = page[len(page)-1].ID
		}
		s.Edges = len(edges)
		return s, nil
	})
}
