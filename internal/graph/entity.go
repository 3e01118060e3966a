// Package graph holds the materialized entity-relationship graph and the
// materializer that folds resolution results into it.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
)

// Observation is one value of an attribute with its provenance back-reference.
type Observation struct {
	Value      any       `json:"value"`
	EventID    string    `json:"event_id"`
	RecordID   string    `json:"record_id"`
	SourceID   string    `json:"source_id"`
	ObservedAt time.Time `json:"observed_at"`
}

// Entity is a resolved real-world entity. It only grows by appended
// observations; a merge tombstones it through MergedInto.
type Entity struct {
	ID           string                   `json:"entity_id"`
	Type         string                   `json:"entity_type"`
	Attributes   map[string][]Observation `json:"attributes"`
	Keys         []string                 `json:"keys"`
	Confidence   float64                  `json:"confidence"`
	Observations int                      `json:"observations"`
	MergedInto   string                   `json:"merged_into,omitempty"`
	Absorbed     []string                 `json:"absorbed,omitempty"`
	HeadRecordID string                   `json:"head_record_id"`
	Placeholder  bool                     `json:"placeholder,omitempty"`
	Version      int64                    `json:"version"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// Live reports whether the entity is not tombstoned.
func (e Entity) Live() bool { return e.MergedInto == "" }

// Latest returns the most recent value of every attribute, by observed_at and
// then by append order.
func (e Entity) Latest() map[string]any {
	out := make(map[string]any, len(e.Attributes))
	for name, obs := range e.Attributes {
		if len(obs) == 0 {
			continue
		}
		best := obs[0]
		for _, o := range obs[1:] {
			if !o.ObservedAt.Before(best.ObservedAt) {
				best = o
			}
		}
		out[name] = best.Value
	}
	return out
}

// Sources returns the distinct sources that contributed observations.
func (e Entity) Sources() []string {
	seen := make(map[string]bool)
	for _, obs := range e.Attributes {
		for _, o := range obs {
			seen[o.SourceID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Edge is a directed, typed relationship. Its endpoints follow merges; the
// origin endpoints never change.
type Edge struct {
	ID                  string    `json:"edge_id"`
	From                string    `json:"from_entity_id"`
	To                  string    `json:"to_entity_id"`
	RelationType        string    `json:"relation_type"`
	ProvenanceRecordIDs []string  `json:"provenance_record_ids"`
	OriginFrom          string    `json:"origin_from"`
	OriginTo            string    `json:"origin_to"`
	SourceID            string    `json:"source_id"`
	CreatedAt           time.Time `json:"created_at"`
}

// EdgeID derives the id of an edge from its origin endpoints.
func EdgeID(originFrom, originTo, relation, sourceID string) string {
	h := sha256.New()
	for _, p := range []string{originFrom, originTo, relation, sourceID} {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "edg_" + hex.EncodeToString(h.Sum(nil))[:24]
}

// EntityQuery pages through entities ordered by id.
type EntityQuery struct {
	Type        string
	IncludeDead bool
	After       string
	Limit       int
}

// Reader is the read side of graph storage. Unknown ids yield errors.ErrNotFound.
type Reader interface {
	Entity(ctx context.Context, id string) (Entity, error)
	// EntitiesByKey returns the ids indexed under a blocking key, sorted.
	EntitiesByKey(ctx context.Context, key string) ([]string, error)
	Entities(ctx context.Context, q EntityQuery) ([]Entity, error)
	Edge(ctx context.Context, id string) (Edge, error)
	// EdgesOf returns the edges whose current From or To is entityID, sorted by id.
	EdgesOf(ctx context.Context, entityID string) ([]Edge, error)
}

// Writer is the write side of graph storage.
type Writer interface {
	// PutEntity stores e and bumps its Version.
	PutEntity(ctx context.Context, e *Entity) error
	IndexKey(ctx context.Context, key, entityID string) error
	// PutEdge stores e and keeps the endpoint adjacency in sync with its
	// current From and To.
	PutEdge(ctx context.Context, e Edge) error
}

// Store is graph storage bound to one transaction.
type Store interface {
	Reader
	Writer
}

// Canonical follows merged_into pointers to the live entity.
func Canonical(ctx context.Context, r Reader, id string) (Entity, error) {
	seen := make(map[string]bool)
	for {
		e, err := r.Entity(ctx, id)
		if err != nil {
			return Entity{}, err
		}
		if e.Live() {
			return e, nil
		}
		if seen[e.ID] {
			return Entity{}, errors.Newf("graph: merged_into cycle at %s", e.ID)
		}
		seen[e.ID] = true
		id = e.MergedInto
	}
}

// View is the merged view of a live entity: its own observations plus those of
// every entity transitively absorbed into it.
type View struct {
	Entity
	Members []string `json:"members"`
}

// MergedView assembles the view of the canonical entity for id.
func MergedView(ctx context.Context, r Reader, id string) (View, error) {
	root, err := Canonical(ctx, r, id)
	if err != nil {
		return View{}, err
	}
	v := View{Entity: root, Members: []string{root.ID}}
	v.Attributes = make(map[string][]Observation, len(root.Attributes))
	for name, obs := range root.Attributes {
		v.Attributes[name] = append([]Observation(nil), obs...)
	}

	weighted := root.Confidence * float64(root.Observations)
	total := root.Observations
	queue := append([]string(nil), root.Absorbed...)
	seen := map[string]bool{root.ID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		m, err := r.Entity(ctx, id)
		if err != nil {
			return View{}, errors.Wrapf(err, "absorbed entity %s", id)
		}
		v.Members = append(v.Members, m.ID)
		for name, obs := range m.Attributes {
			v.Attributes[name] = append(v.Attributes[name], obs...)
		}
		weighted += m.Confidence * float64(m.Observations)
		total += m.Observations
		queue = append(queue, m.Absorbed...)
	}
	for name := range v.Attributes {
		obs := v.Attributes[name]
		sort.SliceStable(obs, func(i, j int) bool { return obs[i].ObservedAt.Before(obs[j].ObservedAt) })
	}
	sort.Strings(v.Members)
	v.Observations = total
	if total > 0 {
		v.Confidence = weighted / float64(total)
	}
	return v, nil
}
