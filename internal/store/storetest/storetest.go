// Package storetest is a conformance suite run against every store.Store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Events", testEvents},
		{"EventPaging", testEventPaging},
		{"Records", testRecords},
		{"EntityRecordsCursor", testEntityRecordsCursor},
		{"Entities", testEntities},
		{"EdgeAdjacency", testEdgeAdjacency},
		{"Rollback", testRollback},
		{"ReadOnlyView", testReadOnlyView},
		{"KeyedExclusion", testKeyedExclusion},
		{"VersionFollowsCommits", testVersionFollowsCommits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func update(t *testing.T, s store.Store, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), nil, fn))
}

func view(t *testing.T, s store.Store, fn func(ctx context.Context, v store.View) error) {
	t.Helper()
	require.NoError(t, s.View(context.Background(), fn))
}

func testEvent(i int, source string) event.Event {
	return event.Event{
		ID:         fmt.Sprintf("evt_%02d", i),
		SourceID:   source,
		ObservedAt: base.Add(time.Duration(i) * time.Minute),
		IngestedAt: base.Add(time.Hour),
		Payload:    map[string]any{"name": fmt.Sprintf("n%d", i)},
		RawHash:    fmt.Sprintf("hash%d", i),
	}
}

func testEvents(t *testing.T, s store.Store) {
	ev := testEvent(1, "crm")
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.PutEvent(ctx, ev)
	})
	view(t, s, func(ctx context.Context, v store.View) error {
		got, err := v.Event(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, ev.SourceID, got.SourceID)
		assert.True(t, ev.ObservedAt.Equal(got.ObservedAt))
		assert.Equal(t, ev.Payload, got.Payload)
		assert.Equal(t, ev.RawHash, got.RawHash)

		_, err = v.Event(ctx, "evt_missing")
		assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
		return nil
	})
}

func testEventPaging(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		// Insert out of time order.
		for _, i := range []int{4, 1, 3, 0, 2, 5} {
			src := "crm"
			if i%2 == 1 {
				src = "erp"
			}
			if err := tx.PutEvent(ctx, testEvent(i, src)); err != nil {
				return err
			}
		}
		return nil
	})
	view(t, s, func(ctx context.Context, v store.View) error {
		var ids []string
		cursor := ""
		for {
			page, next, err := v.Events(ctx, ledger.EventQuery{After: cursor, Limit: 2})
			require.NoError(t, err)
			for _, ev := range page {
				ids = append(ids, ev.ID)
			}
			if next == "" {
				break
			}
			cursor = next
		}
		assert.Equal(t, []string{"evt_00", "evt_01", "evt_02", "evt_03", "evt_04", "evt_05"}, ids)

		page, _, err := v.Events(ctx, ledger.EventQuery{SourceID: "erp"})
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, "evt_01", page[0].ID)

		page, _, err = v.Events(ctx, ledger.EventQuery{From: base.Add(2 * time.Minute), To: base.Add(4 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "evt_02", page[0].ID)
		assert.Equal(t, "evt_03", page[1].ID)
		return nil
	})
}

func testRecords(t *testing.T, s store.Store) {
	ev := testEvent(1, "crm")
	recs := []*ledger.Record{
		{ID: "rec_a", EventID: ev.ID, DerivedEntityID: "ent_1", Transformation: ledger.Ingested, Decision: "New", CreatedAt: base},
		{ID: "rec_b", EventID: ev.ID, DerivedEntityID: "ent_2", Transformation: ledger.Ingested, Decision: "New", CreatedAt: base},
		{ID: "rec_c", EventID: ev.ID, DerivedEntityID: "ent_1", LinkedEntityID: "ent_2", Transformation: ledger.Merged, ParentIDs: []string{"rec_a", "rec_b"}, CreatedAt: base.Add(time.Second)},
	}
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutEvent(ctx, ev); err != nil {
			return err
		}
		for _, r := range recs {
			if err := tx.PutRecord(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	assert.Less(t, recs[0].Seq, recs[1].Seq)
	assert.Less(t, recs[1].Seq, recs[2].Seq)

	view(t, s, func(ctx context.Context, v store.View) error {
		got, err := v.Record(ctx, "rec_c")
		require.NoError(t, err)
		assert.Equal(t, []string{"rec_a", "rec_b"}, got.ParentIDs)
		assert.Equal(t, "ent_2", got.LinkedEntityID)
		assert.Equal(t, recs[2].Seq, got.Seq)

		_, err = v.Record(ctx, "rec_missing")
		assert.True(t, errors.Is(err, errors.ErrNotFound))

		byEnt, err := v.EntityRecords(ctx, "ent_2", ledger.Cursor{}, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"rec_b", "rec_c"}, recordIDs(byEnt))

		byEvt, err := v.EventRecords(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"rec_a", "rec_b", "rec_c"}, recordIDs(byEvt))

		merged, err := v.Records(ctx, ledger.RecordQuery{Transformation: ledger.Merged})
		require.NoError(t, err)
		assert.Equal(t, []string{"rec_c"}, recordIDs(merged))

		after, err := v.Records(ctx, ledger.RecordQuery{AfterSeq: recs[0].Seq})
		require.NoError(t, err)
		assert.Equal(t, []string{"rec_b", "rec_c"}, recordIDs(after))

		head, err := v.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, recs[2].Seq, head)
		return nil
	})
}

func testEntityRecordsCursor(t *testing.T, s store.Store) {
	ev := testEvent(1, "crm")
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutEvent(ctx, ev); err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			r := &ledger.Record{
				ID:              fmt.Sprintf("rec_%d", i),
				EventID:         ev.ID,
				DerivedEntityID: "ent_1",
				Transformation:  ledger.Ingested,
				// Two records share a timestamp; seq breaks the tie.
				CreatedAt: base.Add(time.Duration(i/2) * time.Second),
			}
			if err := tx.PutRecord(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	view(t, s, func(ctx context.Context, v store.View) error {
		var ids []string
		var after ledger.Cursor
		for {
			page, err := v.EntityRecords(ctx, "ent_1", after, 2)
			require.NoError(t, err)
			ids = append(ids, recordIDs(page)...)
			if len(page) < 2 {
				break
			}
			after = ledger.CursorOf(page[len(page)-1])
		}
		assert.Equal(t, []string{"rec_0", "rec_1", "rec_2", "rec_3", "rec_4"}, ids)

		head, err := v.Head(ctx)
		require.NoError(t, err)
		assert.Positive(t, head)
		return nil
	})
}

func testEntities(t *testing.T, s store.Store) {
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		for _, e := range []graph.Entity{
			{ID: "ent_c", Type: "person", MergedInto: "ent_a"},
			{ID: "ent_a", Type: "person", Keys: []string{"ident/person/email/x"}},
			{ID: "ent_b", Type: "company"},
		} {
			e := e
			if err := tx.PutEntity(ctx, &e); err != nil {
				return err
			}
			if e.Version != 1 {
				return errors.Newf("version %d after first put", e.Version)
			}
		}
		for _, id := range []string{"ent_c", "ent_a"} {
			if err := tx.IndexKey(ctx, "ident/person/email/x", id); err != nil {
				return err
			}
		}
		return nil
	})
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.Entity(ctx, "ent_a")
		if err != nil {
			return err
		}
		e.Confidence = 0.9
		return tx.PutEntity(ctx, &e)
	})
	view(t, s, func(ctx context.Context, v store.View) error {
		e, err := v.Entity(ctx, "ent_a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), e.Version)
		assert.Equal(t, 0.9, e.Confidence)
		assert.Equal(t, []string{"ident/person/email/x"}, e.Keys)

		_, err = v.Entity(ctx, "ent_missing")
		assert.True(t, errors.Is(err, errors.ErrNotFound))

		ids, err := v.EntitiesByKey(ctx, "ident/person/email/x")
		require.NoError(t, err)
		assert.Equal(t, []string{"ent_a", "ent_c"}, ids)
		ids, err = v.EntitiesByKey(ctx, "ident/person/email")
		require.NoError(t, err)
		assert.Empty(t, ids)

		live, err := v.Entities(ctx, graph.EntityQuery{})
		require.NoError(t, err)
		assert.Equal(t, []string{"ent_a", "ent_b"}, entityIDs(live))

		all, err := v.Entities(ctx, graph.EntityQuery{IncludeDead: true, After: "ent_a"})
		require.NoError(t, err)
		assert.Equal(t, []string{"ent_b", "ent_c"}, entityIDs(all))

		people, err := v.Entities(ctx, graph.EntityQuery{Type: "person", IncludeDead: true, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"ent_a"}, entityIDs(people))
		return nil
	})
}

func testEdgeAdjacency(t *testing.T, s store.Store) {
	e := graph.Edge{
		ID: "edg_1", From: "ent_a", To: "ent_b", RelationType: "employs",
		OriginFrom: "ent_a", OriginTo: "ent_b", SourceID: "crm",
		ProvenanceRecordIDs: []string{"rec_1"}, CreatedAt: base,
	}
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.PutEdge(ctx, e)
	})
	e.From = "ent_c"
	e.ProvenanceRecordIDs = []string{"rec_1", "rec_2"}
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.PutEdge(ctx, e)
	})
	view(t, s, func(ctx context.Context, v store.View) error {
		got, err := v.Edge(ctx, "edg_1")
		require.NoError(t, err)
		assert.Equal(t, "ent_c", got.From)
		assert.Equal(t, "ent_a", got.OriginFrom)
		assert.Equal(t, []string{"rec_1", "rec_2"}, got.ProvenanceRecordIDs)

		for id, want := range map[string]int{"ent_a": 0, "ent_b": 1, "ent_c": 1} {
			edges, err := v.EdgesOf(ctx, id)
			require.NoError(t, err)
			assert.Len(t, edges, want, id)
		}
		_, err = v.Edge(ctx, "edg_missing")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		return nil
	})
}

func testRollback(t *testing.T, s store.Store) {
	boom := errors.New("boom")
	err := s.Update(context.Background(), []string{"k"}, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutEvent(ctx, testEvent(1, "crm")); err != nil {
			return err
		}
		e := graph.Entity{ID: "ent_a", Type: "person"}
		if err := tx.PutEntity(ctx, &e); err != nil {
			return err
		}
		return boom
	})
	require.True(t, errors.Is(err, boom), "got %v", err)
	view(t, s, func(ctx context.Context, v store.View) error {
		_, err := v.Event(ctx, "evt_01")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		_, err = v.Entity(ctx, "ent_a")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		head, err := v.Head(ctx)
		require.NoError(t, err)
		assert.Zero(t, head)
		return nil
	})
}

func testReadOnlyView(t *testing.T, s store.Store) {
	err := s.View(context.Background(), func(ctx context.Context, v store.View) error {
		w, ok := v.(store.Tx)
		if !ok {
			return nil
		}
		return w.PutEvent(ctx, testEvent(1, "crm"))
	})
	if err != nil {
		assert.True(t, errors.Is(err, store.ErrReadOnly), "got %v", err)
	}
}

// testKeyedExclusion increments one counter from many goroutines that share
// a lock key. With conflicts retried, no increment may be lost.
func testKeyedExclusion(t *testing.T, s store.Store) {
	const workers = 8
	ctx := context.Background()
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		e := graph.Entity{ID: "ent_counter", Type: "counter"}
		return tx.PutEntity(ctx, &e)
	})

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; ; attempt++ {
				err := s.Update(ctx, []string{"entity/ent_counter"}, func(ctx context.Context, tx store.Tx) error {
					e, err := tx.Entity(ctx, "ent_counter")
					if err != nil {
						return err
					}
					e.Observations++
					return tx.PutEntity(ctx, &e)
				})
				if store.IsConflict(err) && attempt < 100 {
					time.Sleep(time.Millisecond)
					continue
				}
				errs <- err
				return
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	view(t, s, func(ctx context.Context, v store.View) error {
		e, err := v.Entity(ctx, "ent_counter")
		require.NoError(t, err)
		assert.Equal(t, workers, e.Observations)
		return nil
	})
}

func recordIDs(recs []ledger.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func entityIDs(es []graph.Entity) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.ID)
	}
	return out
}

func version(t *testing.T, s store.Store) string {
	t.Helper()
	var out string
	view(t, s, func(ctx context.Context, v store.View) error {
		var err error
		out, err = v.Version(ctx)
		return err
	})
	return out
}

// testVersionFollowsCommits interleaves two writers so that the one holding
// the lower record seq commits last. The head does not move on that commit;
// the version must.
func testVersionFollowsCommits(t *testing.T, s store.Store) {
	ctx := context.Background()
	v0 := version(t, s)
	assert.Equal(t, v0, version(t, s), "reads do not move the version")

	seqTaken := make(chan struct{})
	release := make(chan struct{})
	slow := make(chan error, 1)
	go func() {
		slow <- s.Update(ctx, []string{"slow"}, func(ctx context.Context, tx store.Tx) error {
			ev := testEvent(1, "crm")
			if err := tx.PutEvent(ctx, ev); err != nil {
				return err
			}
			if err := tx.PutRecord(ctx, &ledger.Record{ID: "rec_slow", EventID: ev.ID, Transformation: ledger.Ingested, CreatedAt: base}); err != nil {
				return err
			}
			close(seqTaken)
			<-release
			return nil
		})
	}()

	select {
	case <-seqTaken:
	case err := <-slow:
		t.Fatalf("slow writer finished early: %v", err)
	}
	fast := make(chan error, 1)
	go func() {
		fast <- s.Update(ctx, []string{"fast"}, func(ctx context.Context, tx store.Tx) error {
			ev := testEvent(2, "crm")
			if err := tx.PutEvent(ctx, ev); err != nil {
				return err
			}
			return tx.PutRecord(ctx, &ledger.Record{ID: "rec_fast", EventID: ev.ID, Transformation: ledger.Ingested, CreatedAt: base})
		})
	}()

	// Backends that serialize writers block the fast one until release.
	var v1 string
	select {
	case err := <-fast:
		require.NoError(t, err)
		v1 = version(t, s)
		assert.NotEqual(t, v0, v1)
		close(release)
		require.NoError(t, <-slow)
	case <-time.After(200 * time.Millisecond):
		close(release)
		require.NoError(t, <-slow)
		require.NoError(t, <-fast)
		v1 = v0
	}

	v2 := version(t, s)
	assert.NotEqual(t, v1, v2, "the last commit must move the version")
	view(t, s, func(ctx context.Context, v store.View) error {
		evs, _, err := v.Events(ctx, ledger.EventQuery{})
		require.NoError(t, err)
		assert.Len(t, evs, 2)
		return nil
	})
}
