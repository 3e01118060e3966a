package graph_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
	"github.com/gyaneshwarpardhi/provgraph/internal/store/badgerstore"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	s     store.Store
	l     *ledger.Ledger
	m     *graph.Materializer
	n     int
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	s, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	f := &fixture{t: t, s: s, clock: t0}
	f.l = ledger.New(10).WithClock(func() time.Time {
		f.clock = f.clock.Add(time.Millisecond)
		return f.clock
	})
	f.m = graph.NewMaterializer(f.l)
	return f
}

func (f *fixture) event(source string, payload map[string]any) event.Event {
	f.n++
	return event.Event{
		ID:         fmt.Sprintf("evt_%03d", f.n),
		SourceID:   source,
		ObservedAt: t0.Add(time.Duration(f.n) * time.Minute),
		Payload:    payload,
	}
}

// ingest stores ev, appends its ingested record and materializes res.
func (f *fixture) ingest(ev event.Event, res graph.Resolution) (ingestedID string, edges []string) {
	f.t.Helper()
	if res.Decision == graph.New && res.EntityID == "" {
		res.EntityID = graph.EntityIDFor(ev)
	}
	err := f.s.Update(context.Background(), nil, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutEvent(ctx, ev); err != nil {
			return err
		}
		id, err := f.l.Append(ctx, tx, ledger.Record{
			EventID:         ev.ID,
			DerivedEntityID: res.EntityID,
			Transformation:  ledger.Ingested,
			Decision:        string(res.Decision),
		})
		if err != nil {
			return err
		}
		ingestedID = id
		edges, err = f.m.Upsert(ctx, tx, res, ev, id)
		return err
	})
	require.NoError(f.t, err)
	return ingestedID, edges
}

func (f *fixture) entity(id string) graph.Entity {
	f.t.Helper()
	var e graph.Entity
	require.NoError(f.t, f.s.View(context.Background(), func(ctx context.Context, v store.View) error {
		var err error
		e, err = v.Entity(ctx, id)
		return err
	}))
	return e
}

func (f *fixture) edge(id string) graph.Edge {
	f.t.Helper()
	var e graph.Edge
	require.NoError(f.t, f.s.View(context.Background(), func(ctx context.Context, v store.View) error {
		var err error
		e, err = v.Edge(ctx, id)
		return err
	}))
	return e
}

func (f *fixture) merge(a, b string) graph.MergeResult {
	f.t.Helper()
	var res graph.MergeResult
	require.NoError(f.t, f.s.Update(context.Background(), nil, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = f.m.Merge(ctx, tx, a, b, "", "")
		return err
	}))
	return res
}

func TestUpsertNewAndMatched(t *testing.T) {
	f := newFixture(t)
	key := "ident/person/email/ada@example.com"

	ev1 := f.event("crm", map[string]any{"email": "ada@example.com", "name": "Ada"})
	rec1, _ := f.ingest(ev1, graph.Resolution{Decision: graph.New, EntityType: "person", Keys: []string{key}})
	id := graph.EntityIDFor(ev1)

	e := f.entity(id)
	assert.Equal(t, "person", e.Type)
	assert.Equal(t, 1.0, e.Confidence)
	assert.Equal(t, 1, e.Observations)
	assert.Equal(t, rec1, e.HeadRecordID)
	assert.Equal(t, []string{key}, e.Keys)
	require.Len(t, e.Attributes["name"], 1)
	assert.Equal(t, rec1, e.Attributes["name"][0].RecordID)

	ev2 := f.event("erp", map[string]any{"email": "ada@example.com", "name": "Ada L."})
	rec2, _ := f.ingest(ev2, graph.Resolution{EntityID: id, Decision: graph.Matched, Confidence: 0.8, Keys: []string{key, "name/person/ada"}})

	e = f.entity(id)
	assert.Equal(t, 2, e.Observations)
	assert.InDelta(t, 0.9, e.Confidence, 1e-9)
	assert.Equal(t, rec2, e.HeadRecordID)
	assert.Equal(t, "Ada L.", e.Latest()["name"])
	assert.Equal(t, []string{"crm", "erp"}, e.Sources())
	assert.Equal(t, []string{key, "name/person/ada"}, e.Keys)

	require.NoError(t, f.s.View(context.Background(), func(ctx context.Context, v store.View) error {
		ids, err := v.EntitiesByKey(ctx, "name/person/ada")
		require.NoError(t, err)
		assert.Equal(t, []string{id}, ids)
		return nil
	}))
}

func TestUpsertRejectsTombstonedSubject(t *testing.T) {
	f := newFixture(t)
	a := f.event("crm", map[string]any{"name": "a"})
	b := f.event("crm", map[string]any{"name": "b"})
	f.ingest(a, graph.Resolution{Decision: graph.New, EntityType: "person"})
	f.ingest(b, graph.Resolution{Decision: graph.New, EntityType: "person"})
	res := f.merge(graph.EntityIDFor(a), graph.EntityIDFor(b))

	ev := f.event("crm", map[string]any{"name": "c"})
	err := f.s.Update(context.Background(), nil, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutEvent(ctx, ev); err != nil {
			return err
		}
		_, err := f.m.Upsert(ctx, tx, graph.Resolution{EntityID: res.Loser, Decision: graph.Matched}, ev, "rec_x")
		return err
	})
	assert.ErrorContains(t, err, "tombstoned")
}

func TestRelationCreatesPlaceholderAndDedupesEdge(t *testing.T) {
	f := newFixture(t)
	rel := graph.Relation{
		Type:       "employed_by",
		TargetKey:  "ident/company/company_id/acme",
		TargetType: "company",
		Attribute:  "company_id",
		Value:      "acme",
	}

	ev1 := f.event("hr", map[string]any{"name": "Bob", "company_id": "acme"})
	rec1, edges := f.ingest(ev1, graph.Resolution{Decision: graph.New, EntityType: "person", Relations: []graph.Relation{rel}})
	require.Len(t, edges, 1)
	bob := graph.EntityIDFor(ev1)
	ph := graph.PlaceholderIDFor(ev1, rel.TargetKey)

	target := f.entity(ph)
	assert.True(t, target.Placeholder)
	assert.Equal(t, "company", target.Type)
	assert.Equal(t, "acme", target.Latest()["company_id"])

	e := f.edge(edges[0])
	assert.Equal(t, bob, e.From)
	assert.Equal(t, ph, e.To)
	assert.Equal(t, bob, e.OriginFrom)
	require.Len(t, e.ProvenanceRecordIDs, 2)
	assert.Contains(t, e.ProvenanceRecordIDs, rec1)
	assert.Contains(t, e.ProvenanceRecordIDs, target.HeadRecordID)

	// The same relation observed again extends the edge instead of adding one.
	ev2 := f.event("hr", map[string]any{"name": "Bob", "company_id": "acme", "title": "eng"})
	rec2, edges2 := f.ingest(ev2, graph.Resolution{EntityID: bob, Decision: graph.Matched, Confidence: 1, Relations: []graph.Relation{rel}})
	assert.Equal(t, edges, edges2)
	e = f.edge(edges[0])
	assert.Len(t, e.ProvenanceRecordIDs, 3)
	assert.Contains(t, e.ProvenanceRecordIDs, rec2)

	require.NoError(t, f.s.View(context.Background(), func(ctx context.Context, v store.View) error {
		all, err := v.Entities(ctx, graph.EntityQuery{})
		require.NoError(t, err)
		assert.Len(t, all, 2)
		return nil
	}))
}

func TestMergeTombstonesAndRepointsEdges(t *testing.T) {
	f := newFixture(t)
	rel := graph.Relation{Type: "knows", TargetKey: "ident/person/email/z@x.com", TargetType: "person", Attribute: "friend", Value: "z@x.com"}

	evA := f.event("crm", map[string]any{"name": "Ann"})
	evB := f.event("crm", map[string]any{"name": "Anne", "friend": "z@x.com"})
	f.ingest(evA, graph.Resolution{Decision: graph.New, EntityType: "person"})
	_, edges := f.ingest(evB, graph.Resolution{Decision: graph.New, EntityType: "person", Relations: []graph.Relation{rel}})
	a, b := graph.EntityIDFor(evA), graph.EntityIDFor(evB)
	require.Less(t, a, b)

	headA, headB := f.entity(a).HeadRecordID, f.entity(b).HeadRecordID
	res := f.merge(b, a)
	assert.Equal(t, a, res.Winner)
	assert.Equal(t, b, res.Loser)
	assert.Equal(t, edges, res.EdgeIDs)

	loser := f.entity(b)
	assert.Equal(t, a, loser.MergedInto)
	winner := f.entity(a)
	assert.Equal(t, []string{b}, winner.Absorbed)
	assert.Equal(t, res.RecordID, winner.HeadRecordID)

	e := f.edge(edges[0])
	assert.Equal(t, a, e.From)
	assert.Equal(t, b, e.OriginFrom)

	require.NoError(t, f.s.View(context.Background(), func(ctx context.Context, v store.View) error {
		rec, err := v.Record(ctx, res.RecordID)
		require.NoError(t, err)
		assert.Equal(t, ledger.Merged, rec.Transformation)
		assert.ElementsMatch(t, []string{headA, headB}, rec.ParentIDs)
		assert.Equal(t, b, rec.LinkedEntityID)

		view, err := graph.MergedView(ctx, v, b)
		require.NoError(t, err)
		assert.Equal(t, a, view.ID)
		assert.Equal(t, []string{a, b}, view.Members)
		assert.Len(t, view.Attributes["name"], 2)
		assert.Equal(t, 2, view.Observations)

		c, err := graph.Canonical(ctx, v, b)
		require.NoError(t, err)
		assert.Equal(t, a, c.ID)
		return nil
	}))

	err := f.s.Update(context.Background(), nil, func(ctx context.Context, tx store.Tx) error {
		_, err := f.m.Merge(ctx, tx, a, b, "", "")
		return err
	})
	assert.True(t, errors.Is(err, graph.ErrAlreadyMerged), "got %v", err)
}

func TestSplitRestoresEntityAndEdges(t *testing.T) {
	f := newFixture(t)
	rel := graph.Relation{Type: "owns", TargetKey: "ident/asset/serial/s1", TargetType: "asset", Attribute: "serial", Value: "s1"}

	evA := f.event("crm", map[string]any{"name": "Ann"})
	evB := f.event("crm", map[string]any{"name": "Anne", "serial": "s1"})
	f.ingest(evA, graph.Resolution{Decision: graph.New, EntityType: "person"})
	_, edges := f.ingest(evB, graph.Resolution{Decision: graph.New, EntityType: "person", Relations: []graph.Relation{rel}})
	a, b := graph.EntityIDFor(evA), graph.EntityIDFor(evB)
	f.merge(a, b)
	require.Equal(t, a, f.edge(edges[0]).From)

	var res graph.SplitResult
	require.NoError(t, f.s.Update(context.Background(), nil, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = f.m.Split(ctx, tx, b)
		return err
	}))
	assert.Equal(t, b, res.EntityID)
	assert.Equal(t, a, res.From)
	assert.Equal(t, edges, res.EdgeIDs)

	assert.True(t, f.entity(b).Live())
	assert.Empty(t, f.entity(a).Absorbed)
	assert.Equal(t, b, f.edge(edges[0]).From)

	require.NoError(t, f.s.View(context.Background(), func(ctx context.Context, v store.View) error {
		rec, err := v.Record(ctx, res.RecordID)
		require.NoError(t, err)
		assert.Equal(t, ledger.Split, rec.Transformation)
		roots, err := f.l.Trace(ctx, v, res.RecordID)
		require.NoError(t, err)
		assert.Len(t, roots, 2)
		return nil
	}))

	err := f.s.Update(context.Background(), nil, func(ctx context.Context, tx store.Tx) error {
		_, err := f.m.Split(ctx, tx, b)
		return err
	})
	assert.True(t, errors.Is(err, graph.ErrNotMerged), "got %v", err)
}

func TestDeterministicIDs(t *testing.T) {
	ev := event.Event{ID: "evt_abc", ObservedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))}
	id := graph.EntityIDFor(ev)
	assert.Equal(t, id, graph.EntityIDFor(ev))
	assert.Regexp(t, `^ent_20240102T020405Z_[0-9a-f]{12}$`, id)
	assert.NotEqual(t, id, graph.PlaceholderIDFor(ev, "k"))
	assert.Equal(t, graph.EdgeID("a", "b", "r", "s"), graph.EdgeID("a", "b", "r", "s"))
	assert.NotEqual(t, graph.EdgeID("a", "b", "r", "s"), graph.EdgeID("b", "a", "r", "s"))
}
