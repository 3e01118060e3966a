package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sort"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
)

// Decision is the outcome class of resolving one event.
type Decision string

const (
	New     Decision = "New"
	Matched Decision = "Matched"
	Merged  Decision = "Merged"
)

// Relation is a relationship encoded in an event payload, pointing at a target
// identified by a blocking key.
type Relation struct {
	Type       string `json:"relation_type"`
	TargetKey  string `json:"target_key"`
	TargetType string `json:"target_type"`
	Attribute  string `json:"attribute"`
	Value      any    `json:"value"`
}

// Resolution is what the resolver hands to the materializer.
type Resolution struct {
	EntityID   string   `json:"entity_id"`
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	EntityType string   `json:"entity_type"`
	// Keys are the blocking keys extracted from the event.
	Keys []string `json:"keys,omitempty"`
	// Absorb lists entities to merge into EntityID (decision Merged).
	Absorb    []string   `json:"absorb,omitempty"`
	Relations []Relation `json:"relations,omitempty"`
	Degraded  bool       `json:"degraded,omitempty"`
}

// Tx is the transactional view the materializer writes through: graph and
// ledger storage of the same transaction.
type Tx interface {
	Store
	ledger.Store
}

// ErrAlreadyMerged is returned when both sides of a merge share a canonical entity.
var ErrAlreadyMerged = errors.New("graph: entities already share a canonical entity")

// ErrNotMerged is returned when splitting a live entity.
var ErrNotMerged = errors.New("graph: entity is not merged")

// Materializer folds resolutions into the graph.
type Materializer struct {
	ledger *ledger.Ledger
}

// NewMaterializer returns a Materializer appending lineage through l.
func NewMaterializer(l *ledger.Ledger) *Materializer {
	return &Materializer{ledger: l}
}

// EntityIDFor derives the id of the entity first seen in ev.
func EntityIDFor(ev event.Event) string {
	return "ent_" + ev.ObservedAt.UTC().Format("20060102T150405Z") + "_" + digest("entity", ev.ID)[:12]
}

// PlaceholderIDFor derives the id of a relation target created from ev.
func PlaceholderIDFor(ev event.Event, key string) string {
	return "ent_" + ev.ObservedAt.UTC().Format("20060102T150405Z") + "_" + digest("placeholder", ev.ID, key)[:12]
}

func digest(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Upsert applies res for ev. ingestedID is the ingested record of ev for the
// resolved entity. It returns the ids of the edges created, extended or
// re-pointed.
func (m *Materializer) Upsert(ctx context.Context, tx Tx, res Resolution, ev event.Event, ingestedID string) ([]string, error) {
	now := m.ledger.Now()

	var subject Entity
	switch res.Decision {
	case New:
		subject = Entity{
			ID:         res.EntityID,
			Type:       res.EntityType,
			Attributes: make(map[string][]Observation),
			CreatedAt:  now,
		}
	case Matched, Merged:
		e, err := tx.Entity(ctx, res.EntityID)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", res.EntityID)
		}
		if !e.Live() {
			return nil, errors.Newf("graph: %s is tombstoned into %s", e.ID, e.MergedInto)
		}
		subject = e
	default:
		return nil, errors.Newf("graph: unknown decision %q", res.Decision)
	}

	for name, v := range ev.Payload {
		subject.Attributes[name] = append(subject.Attributes[name], Observation{
			Value:      v,
			EventID:    ev.ID,
			RecordID:   ingestedID,
			SourceID:   ev.SourceID,
			ObservedAt: ev.ObservedAt,
		})
	}
	conf := res.Confidence
	if res.Decision == New {
		conf = 1
	}
	subject.Confidence = (subject.Confidence*float64(subject.Observations) + conf) / float64(subject.Observations+1)
	subject.Observations++
	subject.Placeholder = false
	subject.HeadRecordID = ingestedID
	subject.UpdatedAt = now
	subject.Keys = union(subject.Keys, res.Keys)
	if err := tx.PutEntity(ctx, &subject); err != nil {
		return nil, errors.Wrapf(err, "put entity %s", subject.ID)
	}
	for _, k := range res.Keys {
		if err := tx.IndexKey(ctx, k, subject.ID); err != nil {
			return nil, errors.Wrapf(err, "index %s", k)
		}
	}

	affected := make(map[string]bool)
	if res.Decision == Merged {
		for _, other := range res.Absorb {
			mr, err := m.Merge(ctx, tx, subject.ID, other, ev.ID, ingestedID)
			if errors.Is(err, ErrAlreadyMerged) {
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, id := range mr.EdgeIDs {
				affected[id] = true
			}
		}
	}

	for _, rel := range res.Relations {
		id, err := m.relate(ctx, tx, subject.ID, rel, ev, ingestedID)
		if err != nil {
			return nil, err
		}
		affected[id] = true
	}
	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// relate materializes one relation of ev from subjectID, creating a
// placeholder target when no entity carries the target key yet.
func (m *Materializer) relate(ctx context.Context, tx Tx, subjectID string, rel Relation, ev event.Event, ingestedID string) (string, error) {
	provenance := []string{ingestedID}

	var targetID string
	ids, err := tx.EntitiesByKey(ctx, rel.TargetKey)
	if err != nil {
		return "", err
	}
	if len(ids) > 0 {
		// Several ids under one identifier key share a canonical entity once
		// merged; pick the smallest live one for determinism.
		var candidates []string
		for _, id := range ids {
			c, err := Canonical(ctx, tx, id)
			if err != nil {
				return "", err
			}
			candidates = append(candidates, c.ID)
		}
		sort.Strings(candidates)
		targetID = candidates[0]
	} else {
		ph, recID, err := m.placeholder(ctx, tx, rel, ev)
		if err != nil {
			return "", err
		}
		targetID = ph
		provenance = append(provenance, recID)
	}

	id := EdgeID(subjectID, targetID, rel.Type, ev.SourceID)
	e, err := tx.Edge(ctx, id)
	switch {
	case err == nil:
		e.ProvenanceRecordIDs = union(e.ProvenanceRecordIDs, provenance)
	case errors.Is(err, errors.ErrNotFound):
		e = Edge{
			ID:                  id,
			From:                subjectID,
			To:                  targetID,
			RelationType:        rel.Type,
			ProvenanceRecordIDs: provenance,
			OriginFrom:          subjectID,
			OriginTo:            targetID,
			SourceID:            ev.SourceID,
			CreatedAt:           m.ledger.Now(),
		}
	default:
		return "", err
	}
	if err := tx.PutEdge(ctx, e); err != nil {
		return "", errors.Wrapf(err, "put edge %s", id)
	}
	return id, nil
}

func (m *Materializer) placeholder(ctx context.Context, tx Tx, rel Relation, ev event.Event) (string, string, error) {
	id := PlaceholderIDFor(ev, rel.TargetKey)
	recID, err := m.ledger.Append(ctx, tx, ledger.Record{
		EventID:         ev.ID,
		DerivedEntityID: id,
		Transformation:  ledger.Ingested,
		Decision:        "Placeholder",
	})
	if err != nil {
		return "", "", err
	}
	now := m.ledger.Now()
	e := Entity{
		ID:   id,
		Type: rel.TargetType,
		Attributes: map[string][]Observation{
			rel.Attribute: {{Value: rel.Value, EventID: ev.ID, RecordID: recID, SourceID: ev.SourceID, ObservedAt: ev.ObservedAt}},
		},
		Keys:         []string{rel.TargetKey},
		HeadRecordID: recID,
		Placeholder:  true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.PutEntity(ctx, &e); err != nil {
		return "", "", err
	}
	if err := tx.IndexKey(ctx, rel.TargetKey, id); err != nil {
		return "", "", err
	}
	return id, recID, nil
}

// MergeResult describes a completed merge.
type MergeResult struct {
	Winner   string   `json:"winner"`
	Loser    string   `json:"loser"`
	RecordID string   `json:"record_id"`
	EdgeIDs  []string `json:"edge_ids"`
}

// Merge folds the canonical entities of a and b into one. The smaller id
// survives; the other is tombstoned and its edges re-pointed. eventID names
// the event the merged record is attributed to; cause, when set, becomes an
// extra parent of that record. The caller provides atomicity through tx.
func (m *Materializer) Merge(ctx context.Context, tx Tx, a, b, eventID, cause string) (MergeResult, error) {
	ea, err := Canonical(ctx, tx, a)
	if err != nil {
		return MergeResult{}, errors.Wrapf(err, "merge: %s", a)
	}
	eb, err := Canonical(ctx, tx, b)
	if err != nil {
		return MergeResult{}, errors.Wrapf(err, "merge: %s", b)
	}
	if ea.ID == eb.ID {
		return MergeResult{}, ErrAlreadyMerged
	}
	winner, loser := ea, eb
	if loser.ID < winner.ID {
		winner, loser = loser, winner
	}
	if eventID == "" {
		eventID, err = attributionEvent(ctx, tx, winner)
		if err != nil {
			return MergeResult{}, err
		}
	}

	parents := []string{winner.HeadRecordID, loser.HeadRecordID}
	if cause != "" {
		parents = append(parents, cause)
	}
	recID, err := m.ledger.Append(ctx, tx, ledger.Record{
		EventID:         eventID,
		DerivedEntityID: winner.ID,
		LinkedEntityID:  loser.ID,
		Transformation:  ledger.Merged,
		ParentIDs:       parents,
	})
	if err != nil {
		return MergeResult{}, err
	}

	now := m.ledger.Now()
	edges, err := tx.EdgesOf(ctx, loser.ID)
	if err != nil {
		return MergeResult{}, err
	}
	res := MergeResult{Winner: winner.ID, Loser: loser.ID, RecordID: recID}
	for _, e := range edges {
		if e.From == loser.ID {
			e.From = winner.ID
		}
		if e.To == loser.ID {
			e.To = winner.ID
		}
		if err := tx.PutEdge(ctx, e); err != nil {
			return MergeResult{}, errors.Wrapf(err, "re-point edge %s", e.ID)
		}
		res.EdgeIDs = append(res.EdgeIDs, e.ID)
	}

	loser.MergedInto = winner.ID
	loser.HeadRecordID = recID
	loser.UpdatedAt = now
	if err := tx.PutEntity(ctx, &loser); err != nil {
		return MergeResult{}, err
	}
	winner.Absorbed = union(winner.Absorbed, []string{loser.ID})
	winner.HeadRecordID = recID
	winner.UpdatedAt = now
	if err := tx.PutEntity(ctx, &winner); err != nil {
		return MergeResult{}, err
	}
	return res, nil
}

// SplitResult describes a reversed merge.
type SplitResult struct {
	EntityID string   `json:"entity_id"`
	From     string   `json:"from"`
	RecordID string   `json:"record_id"`
	EdgeIDs  []string `json:"edge_ids"`
}

// Split reverses the merge that tombstoned id: id becomes live again and every
// edge whose origin now resolves elsewhere is re-pointed.
func (m *Materializer) Split(ctx context.Context, tx Tx, id string) (SplitResult, error) {
	e, err := tx.Entity(ctx, id)
	if err != nil {
		return SplitResult{}, errors.Wrapf(err, "split: %s", id)
	}
	if e.Live() {
		return SplitResult{}, ErrNotMerged
	}
	parentID := e.MergedInto
	parent, err := tx.Entity(ctx, parentID)
	if err != nil {
		return SplitResult{}, errors.Wrapf(err, "split: parent %s", parentID)
	}
	eventID, err := attributionEvent(ctx, tx, e)
	if err != nil {
		return SplitResult{}, err
	}
	recID, err := m.ledger.Append(ctx, tx, ledger.Record{
		EventID:         eventID,
		DerivedEntityID: e.ID,
		LinkedEntityID:  parent.ID,
		Transformation:  ledger.Split,
		ParentIDs:       []string{e.HeadRecordID},
	})
	if err != nil {
		return SplitResult{}, err
	}

	now := m.ledger.Now()
	e.MergedInto = ""
	e.HeadRecordID = recID
	e.UpdatedAt = now
	if err := tx.PutEntity(ctx, &e); err != nil {
		return SplitResult{}, err
	}
	parent.Absorbed = slices.DeleteFunc(parent.Absorbed, func(s string) bool { return s == e.ID })
	parent.UpdatedAt = now
	if err := tx.PutEntity(ctx, &parent); err != nil {
		return SplitResult{}, err
	}

	// Edges of the detached subtree currently sit on the canonical root of the
	// former parent.
	root, err := Canonical(ctx, tx, parent.ID)
	if err != nil {
		return SplitResult{}, err
	}
	edges, err := tx.EdgesOf(ctx, root.ID)
	if err != nil {
		return SplitResult{}, err
	}
	res := SplitResult{EntityID: e.ID, From: parent.ID, RecordID: recID}
	for _, edge := range edges {
		from, err := Canonical(ctx, tx, edge.OriginFrom)
		if err != nil {
			return SplitResult{}, err
		}
		to, err := Canonical(ctx, tx, edge.OriginTo)
		if err != nil {
			return SplitResult{}, err
		}
		if from.ID == edge.From && to.ID == edge.To {
			continue
		}
		edge.From, edge.To = from.ID, to.ID
		if err := tx.PutEdge(ctx, edge); err != nil {
			return SplitResult{}, errors.Wrapf(err, "re-point edge %s", edge.ID)
		}
		res.EdgeIDs = append(res.EdgeIDs, edge.ID)
	}
	return res, nil
}

// attributionEvent picks the event a manual merge or split record is filed
// under: the event of the entity's head record.
func attributionEvent(ctx context.Context, r ledger.Reader, e Entity) (string, error) {
	rec, err := r.Record(ctx, e.HeadRecordID)
	if err != nil {
		return "", errors.Wrapf(err, "head record of %s", e.ID)
	}
	return rec.EventID, nil
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
