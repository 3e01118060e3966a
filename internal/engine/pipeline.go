package engine

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
	"github.com/gyaneshwarpardhi/provgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/provgraph/internal/normalize"
	"github.com/gyaneshwarpardhi/provgraph/internal/notify"
	"github.com/gyaneshwarpardhi/provgraph/internal/resolve"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

var tracer = otel.Tracer("github.com/gyaneshwarpardhi/provgraph/internal/engine")

// Publisher receives a change after every committed write.
type Publisher interface {
	Publish(ctx context.Context, c notify.Change) error
}

// Outcome is the result of ingesting one submission.
type Outcome struct {
	EventID    string         `json:"event_id"`
	Decision   graph.Decision `json:"decision"`
	EntityID   string         `json:"entity_id"`
	Confidence float64        `json:"confidence"`
	Duplicate  bool           `json:"duplicate"`
	Degraded   bool           `json:"degraded"`
	RecordID   string         `json:"record_id"`
	EdgeIDs    []string       `json:"edge_ids"`
	Absorbed   []string       `json:"absorbed,omitempty"`
	Category   string         `json:"category,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// TransientError reports an ingestion that kept losing races with concurrent
// writers after every allowed retry.
type TransientError struct {
	EventID  string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return "ingestion of " + e.EventID + " still conflicting after retries: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Pipeline runs the ingestion path: normalize, plan, then append and upsert in
// one scoped transaction.
type Pipeline struct {
	store        store.Store
	normalizer   *normalize.Normalizer
	resolver     *resolve.Resolver
	ledger       *ledger.Ledger
	materializer *graph.Materializer
	publisher    Publisher
	retries      int
	log          *zap.SugaredLogger
}

// PipelineOptions wires a Pipeline.
type PipelineOptions struct {
	Store      store.Store
	Normalizer *normalize.Normalizer
	Resolver   *resolve.Resolver
	Ledger     *ledger.Ledger
	Publisher  Publisher
	// ConflictRetries bounds re-planning after a transaction conflict.
	ConflictRetries int
}

// NewPipeline returns a Pipeline. A nil Publisher discards changes.
func NewPipeline(o PipelineOptions) *Pipeline {
	if o.Publisher == nil {
		o.Publisher = notify.Nop{}
	}
	if o.Ledger == nil {
		o.Ledger = ledger.New(0)
	}
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = 5
	}
	return &Pipeline{
		store:        o.Store,
		normalizer:   o.Normalizer,
		resolver:     o.Resolver,
		ledger:       o.Ledger,
		materializer: graph.NewMaterializer(o.Ledger),
		publisher:    o.Publisher,
		retries:      o.ConflictRetries,
		log:          logger.Named("engine"),
	}
}

// Store returns the store the pipeline writes to.
func (p *Pipeline) Store() store.Store { return p.store }

// Ledger returns the ledger the pipeline appends through.
func (p *Pipeline) Ledger() *ledger.Ledger { return p.ledger }

// Resolver returns the pipeline's resolver.
func (p *Pipeline) Resolver() *resolve.Resolver { return p.resolver }

// Ingest normalizes sub and ingests the resulting event. A submission whose
// event is already in the ledger returns the prior outcome with Duplicate set.
func (p *Pipeline) Ingest(ctx context.Context, sub event.Submission) (Outcome, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Ingest", trace.WithAttributes(attribute.String("source_id", sub.SourceID)))
	defer span.End()

	res, err := p.normalizer.Normalize(ctx, sub.Payload, sub.SourceID, sub.ObservedAt)
	observe("normalize", start)
	if err != nil {
		var nerr *normalize.NormalizationError
		if errors.As(err, &nerr) {
			metrics.NormalizationRejected.WithLabelValues(string(nerr.Kind)).Inc()
		}
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	if res.Duplicate {
		metrics.DuplicatesSuppressed.Inc()
		out, err := p.prior(ctx, res.Event.ID)
		out.Category = res.Event.Category
		out.DurationMs = time.Since(start).Milliseconds()
		return out, err
	}
	res.Event.Origin = sub.Origin
	out, err := p.IngestCanonical(ctx, res.Event)
	out.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// IngestCanonical resolves and materializes an already normalized event,
// re-planning when the transaction conflicts. Replay enters here directly.
func (p *Pipeline) IngestCanonical(ctx context.Context, ev event.Event) (Outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		out, dup, err := p.attempt(ctx, ev)
		switch {
		case err == nil && dup:
			metrics.DuplicatesSuppressed.Inc()
			return p.prior(ctx, ev.ID)
		case err == nil:
			metrics.EventsIngested.WithLabelValues(string(out.Decision)).Inc()
			if out.Decision == graph.Merged {
				metrics.MergesApplied.WithLabelValues("resolver").Inc()
			}
			p.publish(ctx, notify.Change{
				Kind:      notify.Ingested,
				EventID:   out.EventID,
				RecordID:  out.RecordID,
				EntityIDs: append([]string{out.EntityID}, out.Absorbed...),
				EdgeIDs:   out.EdgeIDs,
				At:        p.ledger.Now(),
			})
			return out, nil
		case store.IsConflict(err):
			lastErr = err
			metrics.ConflictsRetried.Inc()
			p.log.Debugw("Ingestion conflicted, re-planning",
				"event_id", ev.ID,
				"attempt", attempt,
				"error", err,
			)
		default:
			return Outcome{}, err
		}
	}
	return Outcome{}, &TransientError{EventID: ev.ID, Attempts: p.retries, Err: lastErr}
}

func (p *Pipeline) attempt(ctx context.Context, ev event.Event) (Outcome, bool, error) {
	start := time.Now()
	rctx, span := tracer.Start(ctx, "Resolve", trace.WithAttributes(attribute.String("event_id", ev.ID)))
	plan, err := p.resolver.Plan(rctx, p.store, ev)
	span.End()
	observe("resolve", start)
	if err != nil {
		return Outcome{}, false, err
	}

	start = time.Now()
	ctx, span = tracer.Start(ctx, "Commit", trace.WithAttributes(attribute.Int("lock_keys", len(plan.LockKeys()))))
	defer span.End()
	defer observe("commit", start)

	var (
		out Outcome
		dup bool
	)
	err = p.store.Update(ctx, plan.LockKeys(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Event(ctx, ev.ID); err == nil {
			dup = true
			return nil
		} else if !errors.Is(err, errors.ErrNotFound) {
			return err
		}

		res, reviews, err := p.resolver.Apply(ctx, tx, plan)
		if err != nil {
			return err
		}
		stored := ev
		if stored.IngestedAt.IsZero() {
			stored.IngestedAt = p.ledger.Now()
		}
		if err := tx.PutEvent(ctx, stored); err != nil {
			return errors.Wrapf(err, "put event %s", ev.ID)
		}
		recID, err := p.ledger.Append(ctx, tx, ledger.Record{
			EventID:         ev.ID,
			DerivedEntityID: res.EntityID,
			Transformation:  ledger.Ingested,
			Score:           res.Confidence,
			Decision:        string(res.Decision),
		})
		if err != nil {
			return err
		}
		for _, r := range reviews {
			if _, err := p.ledger.Append(ctx, tx, ledger.Record{
				EventID:         ev.ID,
				DerivedEntityID: res.EntityID,
				LinkedEntityID:  r.EntityID,
				Transformation:  ledger.Scored,
				ParentIDs:       []string{recID},
				Score:           r.Score,
				Decision:        "Review",
			}); err != nil {
				return err
			}
		}
		edges, err := p.materializer.Upsert(ctx, tx, res, stored, recID)
		if err != nil {
			return err
		}
		out = Outcome{
			EventID:    ev.ID,
			Decision:   res.Decision,
			EntityID:   res.EntityID,
			Confidence: res.Confidence,
			Degraded:   res.Degraded,
			RecordID:   recID,
			EdgeIDs:    edges,
			Absorbed:   res.Absorb,
			Category:   stored.Category,
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return out, dup, err
}

// prior rebuilds the outcome of an event that is already in the ledger. The
// entity is the current canonical of the one the event resolved to.
func (p *Pipeline) prior(ctx context.Context, eventID string) (Outcome, error) {
	out := Outcome{EventID: eventID, Duplicate: true}
	err := p.store.View(ctx, func(ctx context.Context, v store.View) error {
		recs, err := v.EventRecords(ctx, eventID)
		if err != nil {
			return err
		}
		var ingested *ledger.Record
		for i := range recs {
			r := &recs[i]
			if r.Transformation == ledger.Ingested && r.Decision != "Placeholder" {
				ingested = r
				break
			}
		}
		if ingested == nil {
			return errors.Wrapf(errors.ErrNotFound, "ingested record of %s", eventID)
		}
		canonical, err := graph.Canonical(ctx, v, ingested.DerivedEntityID)
		if err != nil {
			return err
		}
		out.Decision = graph.Decision(ingested.Decision)
		out.EntityID = canonical.ID
		out.Confidence = ingested.Score
		out.RecordID = ingested.ID

		ids := make(map[string]bool, len(recs))
		for _, r := range recs {
			ids[r.ID] = true
		}
		edges, err := v.EdgesOf(ctx, canonical.ID)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if slices.ContainsFunc(e.ProvenanceRecordIDs, func(id string) bool { return ids[id] }) {
				out.EdgeIDs = append(out.EdgeIDs, e.ID)
			}
		}
		return nil
	})
	return out, err
}

// Merge folds the canonical entities of a and b together outside the
// resolver, retrying on conflict.
func (p *Pipeline) Merge(ctx context.Context, a, b string) (graph.MergeResult, error) {
	ctx, span := tracer.Start(ctx, "Merge", trace.WithAttributes(attribute.String("a", a), attribute.String("b", b)))
	defer span.End()

	var res graph.MergeResult
	err := p.withEntityLocks(ctx, []string{a, b}, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = p.materializer.Merge(ctx, tx, a, b, "", "")
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return graph.MergeResult{}, err
	}
	metrics.MergesApplied.WithLabelValues("manual").Inc()
	p.log.Infow("Entities merged", "winner", res.Winner, "loser", res.Loser, "record_id", res.RecordID)
	p.publish(ctx, notify.Change{
		Kind:      notify.Merged,
		RecordID:  res.RecordID,
		EntityIDs: []string{res.Winner, res.Loser},
		EdgeIDs:   res.EdgeIDs,
		At:        p.ledger.Now(),
	})
	return res, nil
}

// Split reverses the merge that tombstoned id.
func (p *Pipeline) Split(ctx context.Context, id string) (graph.SplitResult, error) {
	ctx, span := tracer.Start(ctx, "Split", trace.WithAttributes(attribute.String("entity_id", id)))
	defer span.End()

	var res graph.SplitResult
	err := p.withEntityLocks(ctx, []string{id}, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = p.materializer.Split(ctx, tx, id)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return graph.SplitResult{}, err
	}
	p.log.Infow("Entity split", "entity_id", res.EntityID, "from", res.From, "record_id", res.RecordID)
	p.publish(ctx, notify.Change{
		Kind:      notify.Split,
		RecordID:  res.RecordID,
		EntityIDs: []string{res.EntityID, res.From},
		EdgeIDs:   res.EdgeIDs,
		At:        p.ledger.Now(),
	})
	return res, nil
}

// withEntityLocks runs fn under entity locks for ids and their current
// canonicals, retrying on conflict. The lock set is recomputed each attempt
// because canonicals move when merges commit in between.
func (p *Pipeline) withEntityLocks(ctx context.Context, ids []string, fn func(context.Context, store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= p.retries; attempt++ {
		var keys []string
		keys, err = p.entityLockKeys(ctx, ids)
		if err != nil {
			return err
		}
		err = p.store.Update(ctx, keys, fn)
		if !store.IsConflict(err) {
			return err
		}
		metrics.ConflictsRetried.Inc()
	}
	return &TransientError{EventID: ids[0], Attempts: p.retries, Err: err}
}

func (p *Pipeline) entityLockKeys(ctx context.Context, ids []string) ([]string, error) {
	var keys []string
	err := p.store.View(ctx, func(ctx context.Context, v store.View) error {
		for _, id := range ids {
			keys = append(keys, "entity/"+id)
			c, err := graph.Canonical(ctx, v, id)
			if err != nil {
				return errors.Wrapf(err, "canonical of %s", id)
			}
			keys = append(keys, "entity/"+c.ID)
		}
		return nil
	})
	return store.SortedKeys(keys), err
}

func (p *Pipeline) publish(ctx context.Context, c notify.Change) {
	if err := p.publisher.Publish(ctx, c); err != nil {
		p.log.Warnw("Change notification not published",
			"kind", c.Kind,
			"entity_ids", c.EntityIDs,
			"error", err,
		)
	}
}

func observe(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(float64(time.Since(start).Microseconds()) / 1000)
}
