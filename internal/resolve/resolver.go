// Package resolve decides which entity an event describes.
//
// Resolution is split in two phases. Plan gathers candidates from a read
// snapshot and scores them, possibly calling the oracle; no lock is held.
// Apply runs inside the ingestion transaction, verifies the candidate set is
// unchanged and turns the plan into a graph.Resolution.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
	"github.com/gyaneshwarpardhi/provgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/provgraph/internal/oracle"
	"github.com/gyaneshwarpardhi/provgraph/internal/schema"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

// Result is the outcome of resolving one event.
type Result = graph.Resolution

// ConflictError reports that the candidate set changed between Plan and
// Apply. It matches store.ErrConflict so callers retry it the same way.
type ConflictError struct {
	EventID string
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resolution of %s conflicted: %s", e.EventID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return store.ErrConflict }

// Options is the decision policy.
type Options struct {
	MergeThreshold  float64
	ReviewThreshold float64
	MaxCandidates   int
	MinTokenLength  int
}

// OptionsFromConfig maps the resolution config section.
func OptionsFromConfig(c config.ResolutionConf) Options {
	return Options{
		MergeThreshold:  c.MergeThreshold,
		ReviewThreshold: c.ReviewThreshold,
		MaxCandidates:   c.MaxCandidates,
		MinTokenLength:  c.MinTokenLength,
	}
}

// Candidate is an existing live entity that shares a blocking key with the event.
type Candidate struct {
	ID      string  `json:"entity_id"`
	Version int64   `json:"version"`
	Exact   bool    `json:"exact"`
	Score   float64 `json:"score"`

	attrs map[string]any
}

// Plan is a scored, not yet applied resolution.
type Plan struct {
	Event      event.Event
	EntityType string
	Keys       Keys
	Candidates []Candidate
	Degraded   bool
	opts       Options
}

// LockKeys returns the keys Apply must hold: every blocking key, every
// relation target key, the event and each candidate entity.
func (p *Plan) LockKeys() []string {
	keys := append([]string{"event/" + p.Event.ID}, p.Keys.All()...)
	for _, rel := range p.Keys.Relations {
		keys = append(keys, rel.TargetKey)
	}
	for _, c := range p.Candidates {
		keys = append(keys, "entity/"+c.ID)
	}
	return store.SortedKeys(keys)
}

// Review is a candidate that scored between the review and merge thresholds
// of an event that produced a new entity.
type Review struct {
	EntityID string
	Score    float64
}

// Resolver resolves events against the graph.
type Resolver struct {
	registry schema.Registry
	scorer   oracle.Scorer
	fallback oracle.Scorer
	opts     atomic.Pointer[Options]
	log      *zap.SugaredLogger
}

// New returns a Resolver. scorer may be nil, in which case the rule scorer
// is used directly.
func New(registry schema.Registry, scorer oracle.Scorer, opts Options) *Resolver {
	if scorer == nil {
		scorer = oracle.RuleScorer{}
	}
	r := &Resolver{
		registry: registry,
		scorer:   scorer,
		fallback: oracle.RuleScorer{},
		log:      logger.Named("resolve"),
	}
	r.SetOptions(opts)
	return r
}

// SetOptions swaps the decision policy (used on config reload).
func (r *Resolver) SetOptions(opts Options) {
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 50
	}
	if opts.MinTokenLength <= 0 {
		opts.MinTokenLength = 2
	}
	r.opts.Store(&opts)
}

// Options returns the current decision policy.
func (r *Resolver) Options() Options { return *r.opts.Load() }

// Plan gathers candidates for ev from a snapshot of s, then scores them
// outside the snapshot.
func (r *Resolver) Plan(ctx context.Context, s store.Store, ev event.Event) (*Plan, error) {
	var p *Plan
	err := s.View(ctx, func(ctx context.Context, v store.View) error {
		var err error
		p, err = r.Candidates(ctx, v, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := r.Score(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Candidates extracts keys from ev and collects the live candidates
// reachable from them, with their merged-view attributes.
func (r *Resolver) Candidates(ctx context.Context, rd graph.Reader, ev event.Event) (*Plan, error) {
	sch, ok := r.registry.SchemaFor(ev.SourceID)
	if !ok {
		return nil, errors.Newf("resolve: no schema registered for source %q", ev.SourceID)
	}
	opts := r.Options()
	p := &Plan{
		Event:      ev,
		EntityType: sch.EntityType,
		Keys:       ExtractKeys(sch, ev, opts.MinTokenLength),
		opts:       opts,
	}
	cands, err := gather(ctx, rd, p.Keys, opts.MaxCandidates, true)
	if err != nil {
		return nil, err
	}
	p.Candidates = cands
	return p, nil
}

// Score fills in candidate scores. Identifier matches score 1 without asking
// the scorer. When the scorer is unavailable the rule scorer is used and the
// plan is marked degraded.
func (r *Resolver) Score(ctx context.Context, p *Plan) error {
	for i := range p.Candidates {
		c := &p.Candidates[i]
		if c.Exact {
			c.Score = 1
			continue
		}
		scorer := r.scorer
		if p.Degraded {
			scorer = r.fallback
		}
		score, err := scorer.Score(ctx, p.Event.Payload, c.attrs)
		if oracle.IsUnavailable(err) {
			r.log.Warnw("Oracle unavailable, using rule scorer",
				"event_id", p.Event.ID,
				"candidate", c.ID,
				"error", err,
			)
			metrics.OracleFallbacks.Inc()
			p.Degraded = true
			score, err = r.fallback.Score(ctx, p.Event.Payload, c.attrs)
		}
		if err != nil {
			return errors.Wrapf(err, "score %s against %s", p.Event.ID, c.ID)
		}
		c.Score = score
	}
	return nil
}

// Apply re-reads the candidate set through rd, which must be the ingestion
// transaction, and decides. A changed candidate set yields *ConflictError.
func (r *Resolver) Apply(ctx context.Context, rd graph.Reader, p *Plan) (Result, []Review, error) {
	current, err := gather(ctx, rd, p.Keys, p.opts.MaxCandidates, false)
	if err != nil {
		return Result{}, nil, err
	}
	if len(current) != len(p.Candidates) {
		return Result{}, nil, &ConflictError{EventID: p.Event.ID, Reason: "candidate set changed"}
	}
	for i, c := range current {
		want := p.Candidates[i]
		if c.ID != want.ID || c.Version != want.Version || c.Exact != want.Exact {
			return Result{}, nil, &ConflictError{EventID: p.Event.ID, Reason: "candidate " + want.ID + " changed"}
		}
	}
	res, reviews := decide(p)
	return res, reviews, nil
}

// Resolve plans and decides without writing anything.
func (r *Resolver) Resolve(ctx context.Context, s store.Store, ev event.Event) (Result, error) {
	p, err := r.Plan(ctx, s, ev)
	if err != nil {
		return Result{}, err
	}
	res, _ := decide(p)
	return res, nil
}

// decide applies the decision rules to a scored plan.
func decide(p *Plan) (Result, []Review) {
	res := Result{
		EntityType: p.EntityType,
		Keys:       p.Keys.All(),
		Relations:  p.Keys.Relations,
		Degraded:   p.Degraded,
	}

	var exact []string
	for _, c := range p.Candidates {
		if c.Exact {
			exact = append(exact, c.ID)
		}
	}
	if len(exact) >= 2 {
		sort.Strings(exact)
		res.Decision = graph.Merged
		res.EntityID = exact[0]
		res.Absorb = exact[1:]
		res.Confidence = 1
		return res, nil
	}

	ranked := append([]Candidate(nil), p.Candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > 0 && ranked[0].Score >= p.opts.MergeThreshold {
		res.Decision = graph.Matched
		res.EntityID = ranked[0].ID
		res.Confidence = ranked[0].Score
		return res, nil
	}

	res.Decision = graph.New
	res.EntityID = graph.EntityIDFor(p.Event)
	res.Confidence = 1
	var reviews []Review
	for _, c := range ranked {
		if c.Score >= p.opts.ReviewThreshold && c.Score < p.opts.MergeThreshold {
			reviews = append(reviews, Review{EntityID: c.ID, Score: c.Score})
		}
	}
	sort.Slice(reviews, func(i, j int) bool { return reviews[i].EntityID < reviews[j].EntityID })
	return res, reviews
}

// gather resolves every entity indexed under keys to its canonical entity.
// Identifier matches are always kept; name matches fill the remaining slots
// up to limit in id order. The result is sorted by id.
func gather(ctx context.Context, rd graph.Reader, keys Keys, limit int, withAttrs bool) ([]Candidate, error) {
	byID := make(map[string]*Candidate)
	visit := func(key string, exact bool) error {
		ids, err := rd.EntitiesByKey(ctx, key)
		if err != nil {
			return errors.Wrapf(err, "lookup %s", key)
		}
		for _, id := range ids {
			e, err := graph.Canonical(ctx, rd, id)
			if err != nil {
				return errors.Wrapf(err, "canonical of %s", id)
			}
			c, ok := byID[e.ID]
			if !ok {
				c = &Candidate{ID: e.ID, Version: e.Version}
				byID[e.ID] = c
			}
			c.Exact = c.Exact || exact
		}
		return nil
	}
	for _, k := range keys.Identifiers {
		if err := visit(k, true); err != nil {
			return nil, err
		}
	}
	for _, k := range keys.Names {
		if err := visit(k, false); err != nil {
			return nil, err
		}
	}

	var exact, fuzzy []Candidate
	for _, c := range byID {
		if c.Exact {
			exact = append(exact, *c)
		} else {
			fuzzy = append(fuzzy, *c)
		}
	}
	sort.Slice(fuzzy, func(i, j int) bool { return fuzzy[i].ID < fuzzy[j].ID })
	if room := limit - len(exact); room < len(fuzzy) {
		fuzzy = fuzzy[:max(room, 0)]
	}
	out := append(exact, fuzzy...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if withAttrs {
		for i := range out {
			v, err := graph.MergedView(ctx, rd, out[i].ID)
			if err != nil {
				return nil, errors.Wrapf(err, "view of %s", out[i].ID)
			}
			out[i].attrs = v.Latest()
		}
	}
	return out, nil
}
