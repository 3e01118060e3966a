package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/normalize"
	"github.com/gyaneshwarpardhi/provgraph/internal/notify"
	"github.com/gyaneshwarpardhi/provgraph/internal/oracle"
	"github.com/gyaneshwarpardhi/provgraph/internal/resolve"
	"github.com/gyaneshwarpardhi/provgraph/internal/schema"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
	"github.com/gyaneshwarpardhi/provgraph/internal/store/badgerstore"
)

func personSource(id string) config.Source {
	return config.Source{
		ID:         id,
		EntityType: "person",
		Attributes: []config.Attribute{
			{Name: "name", Type: "string", Role: schema.RoleName},
			{Name: "id", Type: "string", Role: schema.RoleIdentifier, Namespace: "id"},
			{Name: "employer", Type: "string", Role: schema.RoleRelation, Relation: "works_at", TargetType: "company", Namespace: "company_id"},
		},
	}
}

// fixedScorer answers a fixed score and counts calls.
type fixedScorer struct {
	score float64
	calls atomic.Int32
}

func (s *fixedScorer) Score(context.Context, map[string]any, map[string]any) (float64, error) {
	s.calls.Add(1)
	return s.score, nil
}

// recorder keeps every published change.
type recorder struct {
	mu      sync.Mutex
	changes []notify.Change
}

func (r *recorder) Publish(_ context.Context, c notify.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, c := range r.changes {
		out = append(out, c.Kind)
	}
	return out
}

type harness struct {
	t   *testing.T
	s   store.Store
	p   *Pipeline
	rec *recorder
}

type harnessOption func(*PipelineOptions)

func withStore(wrap func(store.Store) store.Store) harnessOption {
	return func(o *PipelineOptions) { o.Store = wrap(o.Store) }
}

func withRetries(n int) harnessOption {
	return func(o *PipelineOptions) { o.ConflictRetries = n }
}

func newHarness(t *testing.T, scorer oracle.Scorer, opts ...harnessOption) *harness {
	t.Helper()
	s, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return harnessOn(t, s, scorer, opts...)
}

func harnessOn(t *testing.T, s store.Store, scorer oracle.Scorer, opts ...harnessOption) *harness {
	t.Helper()
	reg, err := schema.NewStatic([]config.Source{personSource("s1"), personSource("s2")})
	require.NoError(t, err)

	rec := &recorder{}
	o := PipelineOptions{
		Store:     s,
		Resolver:  resolve.New(reg, scorer, resolve.Options{MergeThreshold: 0.8, ReviewThreshold: 0.5}),
		Ledger:    ledger.New(50),
		Publisher: rec,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.Normalizer = normalize.New(reg, store.NewLookup(o.Store), normalize.Options{})
	return &harness{t: t, s: o.Store, p: NewPipeline(o), rec: rec}
}

func submission(source string, minute int, payload map[string]any) event.Submission {
	return event.Submission{
		SourceID:   source,
		ObservedAt: time.Date(2024, 3, 1, 9, minute, 0, 0, time.UTC),
		Payload:    payload,
	}
}

func (h *harness) ingest(sub event.Submission) Outcome {
	h.t.Helper()
	out, err := h.p.Ingest(context.Background(), sub)
	require.NoError(h.t, err)
	return out
}

func (h *harness) view(fn func(ctx context.Context, v store.View)) {
	h.t.Helper()
	require.NoError(h.t, h.s.View(context.Background(), func(ctx context.Context, v store.View) error {
		fn(ctx, v)
		return nil
	}))
}

func (h *harness) liveEntities() []graph.Entity {
	h.t.Helper()
	var out []graph.Entity
	h.view(func(ctx context.Context, v store.View) {
		es, err := v.Entities(ctx, graph.EntityQuery{Limit: 1000})
		require.NoError(h.t, err)
		out = es
	})
	return out
}

func (h *harness) head() int64 {
	h.t.Helper()
	var seq int64
	h.view(func(ctx context.Context, v store.View) {
		var err error
		seq, err = v.Head(ctx)
		require.NoError(h.t, err)
	})
	return seq
}

var (
	subA = submission("s1", 0, map[string]any{"name": "Alice Smith", "id": "X1"})
	subB = submission("s2", 1, map[string]any{"name": "A. Smith", "id": "X1"})
	subC = submission("s1", 2, map[string]any{"name": "Alice Smyth"})
)

func TestScoredLinkBetweenThresholds(t *testing.T) {
	scorer := &fixedScorer{score: 0.6}
	h := newHarness(t, scorer)

	a := h.ingest(subA)
	assert.Equal(t, graph.New, a.Decision)
	e1 := a.EntityID

	b := h.ingest(subB)
	assert.Equal(t, graph.Matched, b.Decision)
	assert.Equal(t, e1, b.EntityID)
	assert.Equal(t, 1.0, b.Confidence)
	assert.Zero(t, scorer.calls.Load(), "identifier match must not consult the oracle")
	require.Len(t, h.liveEntities(), 1)

	c := h.ingest(subC)
	assert.Equal(t, graph.New, c.Decision)
	assert.NotEqual(t, e1, c.EntityID)
	assert.Equal(t, int32(1), scorer.calls.Load())
	require.Len(t, h.liveEntities(), 2)

	h.view(func(ctx context.Context, v store.View) {
		recs, err := v.EventRecords(ctx, c.EventID)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		ingested, scored := recs[0], recs[1]
		assert.Equal(t, ledger.Ingested, ingested.Transformation)
		assert.Equal(t, c.EntityID, ingested.DerivedEntityID)
		assert.Equal(t, ledger.Scored, scored.Transformation)
		assert.Equal(t, c.EntityID, scored.DerivedEntityID)
		assert.Equal(t, e1, scored.LinkedEntityID)
		assert.Equal(t, 0.6, scored.Score)
		assert.Equal(t, []string{ingested.ID}, scored.ParentIDs)
	})
	assert.Equal(t, []notify.Kind{notify.Ingested, notify.Ingested, notify.Ingested}, h.rec.kinds())
}

func TestResubmissionIsIdempotent(t *testing.T) {
	h := newHarness(t, &fixedScorer{score: 0.1})

	first := h.ingest(submission("s1", 0, map[string]any{"name": "Alice Smith", "id": "X1", "employer": "acme"}))
	head := h.head()

	again := h.ingest(submission("s1", 0, map[string]any{"employer": "acme", "id": "X1", "name": "Alice Smith"}))
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.EventID, again.EventID)
	assert.Equal(t, first.EntityID, again.EntityID)
	assert.Equal(t, first.RecordID, again.RecordID)
	assert.Equal(t, first.EdgeIDs, again.EdgeIDs)
	assert.Equal(t, head, h.head(), "a duplicate must not append records")

	h.view(func(ctx context.Context, v store.View) {
		evs, _, err := v.Events(ctx, ledger.EventQuery{Limit: 10})
		require.NoError(t, err)
		assert.Len(t, evs, 1)
	})
	assert.Len(t, h.rec.kinds(), 1)
}

func TestDuplicateReportsCurrentCanonical(t *testing.T) {
	h := newHarness(t, &fixedScorer{score: 0.6})
	a := h.ingest(subA)
	c := h.ingest(subC)

	res, err := h.p.Merge(context.Background(), c.EntityID, a.EntityID)
	require.NoError(t, err)

	again := h.ingest(subC)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.Winner, again.EntityID)
}

func TestEveryObservationTracesToIngestedRoot(t *testing.T) {
	h := newHarness(t, &fixedScorer{score: 0.9})
	h.ingest(submission("s1", 0, map[string]any{"name": "Alice Smith", "id": "X1", "employer": "acme"}))
	h.ingest(submission("s2", 1, map[string]any{"name": "Alice Smith", "id": "X2", "employer": "globex"}))
	h.ingest(submission("s1", 2, map[string]any{"name": "Bob Jones", "id": "X3", "employer": "acme"}))
	h.ingest(submission("s2", 3, map[string]any{"name": "Bobby Jones", "id": "X1"}))

	report, err := Audit(context.Background(), h.s, h.p.Ledger(), 3)
	require.NoError(t, err)
	assert.True(t, report.OK(), "findings: %v", report.Findings)
	assert.Positive(t, report.Entities)
	assert.Positive(t, report.Observations)

	h.view(func(ctx context.Context, v store.View) {
		es, err := v.Entities(ctx, graph.EntityQuery{IncludeDead: true, Limit: 100})
		require.NoError(t, err)
		for _, e := range es {
			for _, obs := range e.Attributes {
				for _, o := range obs {
					roots, err := h.p.Ledger().Trace(ctx, v, o.RecordID)
					require.NoError(t, err)
					require.NotEmpty(t, roots)
					for _, r := range roots {
						assert.Equal(t, ledger.Ingested, r.Transformation)
					}
				}
			}
		}
	})
}

func TestAuditReportsCorruptLineage(t *testing.T) {
	h := newHarness(t, &fixedScorer{score: 0.1})
	a := h.ingest(subA)

	require.NoError(t, h.s.Update(context.Background(), nil, func(ctx context.Context, tx store.Tx) error {
		return tx.PutRecord(ctx, &ledger.Record{
			ID:              "rec_broken",
			EventID:         a.EventID,
			DerivedEntityID: a.EntityID,
			Transformation:  ledger.Merged,
			ParentIDs:       []string{"rec_missing"},
			CreatedAt:       time.Now().UTC(),
		})
	}))

	report, err := Audit(context.Background(), h.s, h.p.Ledger(), 2)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, Finding{EntityID: a.EntityID, RecordID: "rec_broken", Reason: "missing parent rec_missing"}, report.Findings[0])
}

func TestConcurrentIdentifierMatchesKeepOneEntity(t *testing.T) {
	for i := 0; i < 10; i++ {
		t.Run(fmt.Sprintf("round%d", i), func(t *testing.T) {
			h := newHarness(t, &fixedScorer{score: 0.1})
			id := fmt.Sprintf("Z%d", i)
			subs := []event.Submission{
				submission("s1", 0, map[string]any{"name": "Bob Stone", "id": id, "employer": "acme"}),
				submission("s2", 0, map[string]any{"name": "Robert Stone", "id": id, "employer": "acme"}),
			}

			var wg sync.WaitGroup
			outs := make([]Outcome, len(subs))
			errs := make([]error, len(subs))
			for j, sub := range subs {
				wg.Add(1)
				go func() {
					defer wg.Done()
					outs[j], errs[j] = h.p.Ingest(context.Background(), sub)
				}()
			}
			wg.Wait()
			require.NoError(t, errs[0])
			require.NoError(t, errs[1])

			var people []graph.Entity
			for _, e := range h.liveEntities() {
				if e.Type == "person" {
					people = append(people, e)
				}
			}
			require.Len(t, people, 1, "exactly one person must survive")
			survivor := people[0]
			assert.Equal(t, 2, survivor.Observations)

			decisions := []string{string(outs[0].Decision), string(outs[1].Decision)}
			sort.Strings(decisions)
			assert.Equal(t, []string{"Matched", "New"}, decisions)

			h.view(func(ctx context.Context, v store.View) {
				for _, out := range outs {
					recs, err := v.EventRecords(ctx, out.EventID)
					require.NoError(t, err)
					assert.NotEmpty(t, recs, "provenance of %s lost", out.EventID)
				}
				edges, err := v.EdgesOf(ctx, survivor.ID)
				require.NoError(t, err)
				assert.Len(t, edges, 2, "one works_at edge per source")

				ids, err := v.EntitiesByKey(ctx, "ident/company/company_id/acme")
				require.NoError(t, err)
				assert.Len(t, ids, 1, "one placeholder company")
			})
		})
	}
}

func TestManualMergeAndSplit(t *testing.T) {
	h := newHarness(t, &fixedScorer{score: 0.6})
	a := h.ingest(subA)
	c := h.ingest(subC)
	ctx := context.Background()

	m, err := h.p.Merge(ctx, c.EntityID, a.EntityID)
	require.NoError(t, err)
	assert.Equal(t, a.EntityID, m.Winner)
	assert.Equal(t, c.EntityID, m.Loser)
	require.Len(t, h.liveEntities(), 1)

	_, err = h.p.Merge(ctx, a.EntityID, c.EntityID)
	assert.ErrorIs(t, err, graph.ErrAlreadyMerged)

	s, err := h.p.Split(ctx, c.EntityID)
	require.NoError(t, err)
	assert.Equal(t, a.EntityID, s.From)
	require.Len(t, h.liveEntities(), 2)

	_, err = h.p.Split(ctx, c.EntityID)
	assert.ErrorIs(t, err, graph.ErrNotMerged)

	assert.Equal(t, []notify.Kind{notify.Ingested, notify.Ingested, notify.Merged, notify.Split}, h.rec.kinds())
}

// flakyStore fails the first n updates with a conflict.
type flakyStore struct {
	store.Store
	fails atomic.Int32
}

func (f *flakyStore) Update(ctx context.Context, keys []string, fn func(context.Context, store.Tx) error) error {
	if f.fails.Add(-1) >= 0 {
		return errors.Wrap(store.ErrConflict, "injected")
	}
	return f.Store.Update(ctx, keys, fn)
}

func TestConflictIsRetried(t *testing.T) {
	flaky := &flakyStore{}
	flaky.fails.Store(2)
	h := newHarness(t, &fixedScorer{score: 0.1}, withStore(func(s store.Store) store.Store {
		flaky.Store = s
		return flaky
	}))

	out := h.ingest(subA)
	assert.Equal(t, graph.New, out.Decision)
	assert.Len(t, h.liveEntities(), 1)
}

func TestConflictSurfacesAfterRetries(t *testing.T) {
	flaky := &flakyStore{}
	flaky.fails.Store(100)
	h := newHarness(t, &fixedScorer{score: 0.1}, withRetries(3), withStore(func(s store.Store) store.Store {
		flaky.Store = s
		return flaky
	}))

	_, err := h.p.Ingest(context.Background(), subA)
	var terr *TransientError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 3, terr.Attempts)
	assert.True(t, store.IsConflict(err))
	assert.Equal(t, int32(100-3), flaky.fails.Load())
	assert.Zero(t, h.head(), "nothing may be written")
	assert.Empty(t, h.rec.kinds())
}

func TestNormalizationRejectsWithoutSideEffects(t *testing.T) {
	h := newHarness(t, &fixedScorer{score: 0.1})

	_, err := h.p.Ingest(context.Background(), submission("nope", 0, map[string]any{"name": "x"}))
	var nerr *normalize.NormalizationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, normalize.UnknownSource, nerr.Kind)

	_, err = h.p.Ingest(context.Background(), submission("s1", 0, map[string]any{"name": 42}))
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, normalize.SchemaMismatch, nerr.Kind)

	assert.Zero(t, h.head())
}

func TestChangesArePublishedAfterCommit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const url = "mem://engine-changes"
	pub, err := notify.OpenPublisher(ctx, url)
	require.NoError(t, err)
	defer pub.Close(ctx)
	sub, err := notify.OpenSubscriber(ctx, url)
	require.NoError(t, err)
	defer sub.Close(ctx)

	h := newHarness(t, &fixedScorer{score: 0.1}, func(o *PipelineOptions) { o.Publisher = pub })
	out := h.ingest(submission("s1", 0, map[string]any{"name": "Alice Smith", "id": "X1", "employer": "acme"}))

	c, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, notify.Ingested, c.Kind)
	assert.Equal(t, out.EventID, c.EventID)
	assert.Equal(t, []string{out.EntityID}, c.EntityIDs)
	assert.Equal(t, out.EdgeIDs, c.EdgeIDs)
}
