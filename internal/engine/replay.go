package engine

import (
	"context"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

// ReplayStats counts what a replay did.
type ReplayStats struct {
	Events     int            `json:"events"`
	Duplicates int            `json:"duplicates"`
	Decisions  map[string]int `json:"decisions"`
}

// Replay re-ingests every event stored in src through dst in (observed_at,
// event_id) order. Events keep their original ingested_at.
//
// Only what events alone determine is rebuilt: resolution runs afresh under
// dst's resolver, so the graph matches src when src ingested in observation
// order with the same configuration. Operator merges and splits are ledger
// records without events of their own and are not reapplied.
func Replay(ctx context.Context, src store.Store, dst *Pipeline, pageSize int) (ReplayStats, error) {
	if pageSize <= 0 {
		pageSize = 256
	}
	log := logger.Named("replay")
	stats := ReplayStats{Decisions: make(map[string]int)}

	cursor := ""
	for {
		var (
			page []event.Event
			next string
		)
		err := src.View(ctx, func(ctx context.Context, v store.View) error {
			var err error
			page, next, err = v.Events(ctx, ledger.EventQuery{After: cursor, Limit: pageSize})
			return err
		})
		if err != nil {
			return stats, errors.Wrap(err, "read source events")
		}
		for _, ev := range page {
			out, err := dst.IngestCanonical(ctx, ev)
			if err != nil {
				return stats, errors.Wrapf(err, "replay %s", ev.ID)
			}
			stats.Events++
			if out.Duplicate {
				stats.Duplicates++
				continue
			}
			stats.Decisions[string(out.Decision)]++
		}
		if next == "" {
			break
		}
		cursor = next
		log.Debugw("Replay progress", "events", stats.Events)
	}
	log.Infow("Replay finished", "events", stats.Events, "duplicates", stats.Duplicates)
	return stats, nil
}
