// Package projection mirrors the resolved graph into Neo4j for exploration
// with Cypher. It follows the change notifications published after each
// commit and re-reads the touched entities and edges from the store, so a
// lost or reordered notification is repaired by the next one touching the
// same ids, or by a full Sync.
//
// The mirror is eventually consistent and is never used to answer queries.
package projection

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
	"github.com/gyaneshwarpardhi/provgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/provgraph/internal/notify"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

var tracer = otel.Tracer("github.com/gyaneshwarpardhi/provgraph/internal/projection")

// Projector writes store state into a Neo4j database.
type Projector struct {
	driver   neo4j.DriverWithContext
	database string
	store    store.Store
	log      *zap.SugaredLogger
}

// New returns a Projector writing to database ("" selects the server
// default) through driver.
func New(driver neo4j.DriverWithContext, database string, s store.Store) *Projector {
	return &Projector{driver: driver, database: database, store: s, log: logger.Named("projection")}
}

// Open connects to the server named by conf and bootstraps the schema. The
// caller owns the returned driver through Close.
func Open(ctx context.Context, conf config.ProjectionConf, s store.Store) (*Projector, error) {
	auth := neo4j.NoAuth()
	if conf.Username != "" {
		auth = neo4j.BasicAuth(conf.Username, conf.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(conf.URI, auth)
	if err != nil {
		return nil, errors.Wrap(err, "open neo4j driver")
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, errors.Wrapf(err, "connect to %s", conf.URI)
	}
	p := New(driver, conf.Database, s)
	if err := p.Bootstrap(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return p, nil
}

// Close closes the driver.
func (p *Projector) Close(ctx context.Context) error {
	return p.driver.Close(ctx)
}

// Bootstrap creates the constraints and indexes the projection relies on.
// Entity ids are unique so that concurrent MERGEs cannot duplicate a node.
//
// This function is idempotent.
func (p *Projector) Bootstrap(ctx context.Context) error {
	s := p.session(ctx)
	defer func() { _ = s.Close(ctx) }()

	for _, q := range []string{
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE`,
		`CREATE INDEX entity_type IF NOT EXISTS FOR (n:Entity) ON (n.type)`,
		`CREATE INDEX related_id IF NOT EXISTS FOR ()-[r:RELATED]-() ON (r.id)`,
	} {
		// Schema statements cannot share a transaction with each other.
		if _, err := s.Run(ctx, q, nil); err != nil {
			return errors.Wrapf(err, "bootstrap: %s", q)
		}
	}
	return nil
}

func (p *Projector) session(ctx context.Context) neo4j.SessionWithContext {
	return p.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: p.database, AccessMode: neo4j.AccessModeWrite})
}

// snapshot is the store state of the ids named by one change.
type snapshot struct {
	entities []graph.Entity
	edges    []graph.Edge
}

// Apply projects the current state of everything c touched.
func (p *Projector) Apply(ctx context.Context, c notify.Change) (err error) {
	ctx, span := tracer.Start(ctx, "Apply", trace.WithAttributes(
		attribute.String("kind", string(c.Kind)),
		attribute.Int("entities", len(c.EntityIDs)),
		attribute.Int("edges", len(c.EdgeIDs)),
	))
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ProjectionApplied.WithLabelValues(status).Inc()
		span.End()
	}()

	snap, err := p.read(ctx, c.EntityIDs, c.EdgeIDs)
	if err != nil {
		return err
	}
	return p.write(ctx, snap)
}

// read loads entities and edges in one snapshot. Edge endpoints are loaded
// too so that the nodes an edge hangs off always carry their properties.
func (p *Projector) read(ctx context.Context, entityIDs, edgeIDs []string) (snapshot, error) {
	var snap snapshot
	err := p.store.View(ctx, func(ctx context.Context, v store.View) error {
		ids := make(map[string]bool)
		for _, id := range edgeIDs {
			e, err := v.Edge(ctx, id)
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "edge %s", id)
			}
			snap.edges = append(snap.edges, e)
			ids[e.From], ids[e.To] = true, true
		}
		for _, id := range entityIDs {
			ids[id] = true
		}
		sorted := make([]string, 0, len(ids))
		for id := range ids {
			sorted = append(sorted, id)
		}
		sort.Strings(sorted)
		for _, id := range sorted {
			e, err := v.Entity(ctx, id)
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "entity %s", id)
			}
			snap.entities = append(snap.entities, e)
		}
		return nil
	})
	return snap, err
}

func (p *Projector) write(ctx context.Context, snap snapshot) error {
	s := p.session(ctx)
	defer func() { _ = s.Close(ctx) }()

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, e := range snap.entities {
			if err := assertEntity(ctx, tx, e); err != nil {
				return nil, errors.Wrapf(err, "entity %s", e.ID)
			}
		}
		for _, e := range snap.edges {
			if err := assertEdge(ctx, tx, e); err != nil {
				return nil, errors.Wrapf(err, "edge %s", e.ID)
			}
		}
		return nil, nil
	})
	return err
}

func assertEntity(ctx context.Context, tx neo4j.ManagedTransaction, e graph.Entity) error {
	latest, err := json.Marshal(e.Latest())
	if err != nil {
		return errors.Wrap(err, "encode attributes")
	}
	_, err = run(ctx, tx, `
		MERGE (n:Entity {id: $id})
		ON CREATE SET n.created_at = datetime()
		SET n.type = $type,
			n.placeholder = $placeholder,
			n.confidence = $confidence,
			n.observations = $observations,
			n.sources = $sources,
			n.attributes = $attributes,
			n.merged_into = $merged_into,
			n.updated_at = datetime()
		WITH n
		OPTIONAL MATCH (n)-[m:MERGED_INTO]->()
		DELETE m
	`, map[string]any{
		"id":           e.ID,
		"type":         e.Type,
		"placeholder":  e.Placeholder,
		"confidence":   e.Confidence,
		"observations": int64(e.Observations),
		"sources":      e.Sources(),
		"attributes":   string(latest),
		"merged_into":  nullable(e.MergedInto),
	})
	if err != nil || e.Live() {
		return err
	}
	_, err = run(ctx, tx, `
		MATCH (n:Entity {id: $id})
		MERGE (w:Entity {id: $into})
		MERGE (n)-[:MERGED_INTO]->(w)
	`, map[string]any{"id": e.ID, "into": e.MergedInto})
	return err
}

// assertEdge replaces the relationship with the edge's id so that endpoint
// moves after a merge or split are reflected.
func assertEdge(ctx context.Context, tx neo4j.ManagedTransaction, e graph.Edge) error {
	_, err := run(ctx, tx, `
		OPTIONAL MATCH ()-[old:RELATED {id: $id}]->()
		DELETE old
		WITH count(*) AS removed
		MERGE (a:Entity {id: $from})
		MERGE (b:Entity {id: $to})
		CREATE (a)-[r:RELATED {id: $id}]->(b)
		SET r.relation = $relation,
			r.source_id = $source_id,
			r.provenance = $provenance
	`, map[string]any{
		"id":         e.ID,
		"from":       e.From,
		"to":         e.To,
		"relation":   e.RelationType,
		"source_id":  e.SourceID,
		"provenance": e.ProvenanceRecordIDs,
	})
	return err
}

func run(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) (neo4j.ResultSummary, error) {
	result, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, errors.Wrap(err, "run cypher")
	}
	return result.Consume(ctx)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Run applies changes received from sub until ctx is done. Failed changes are
// logged and skipped; the next change touching the same ids repairs them.
func (p *Projector) Run(ctx context.Context, sub *notify.Subscriber) error {
	for {
		c, err := sub.Receive(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.log.Warnw("Change notification unreadable", "error", err)
			continue
		}
		if err := p.Apply(ctx, c); err != nil {
			p.log.Errorw("Projection failed", "kind", c.Kind, "entity_ids", c.EntityIDs, "error", err)
		}
	}
}

// Sync projects every entity and edge in the store, tombstones included.
func (p *Projector) Sync(ctx context.Context) (int, error) {
	entities, after := 0, ""
	for {
		var ids, edgeIDs []string
		err := p.store.View(ctx, func(ctx context.Context, v store.View) error {
			page, err := v.Entities(ctx, graph.EntityQuery{IncludeDead: true, After: after, Limit: 256})
			if err != nil {
				return err
			}
			for _, e := range page {
				ids = append(ids, e.ID)
				edges, err := v.EdgesOf(ctx, e.ID)
				if err != nil {
					return err
				}
				for _, edge := range edges {
					if edge.From == e.ID {
						edgeIDs = append(edgeIDs, edge.ID)
					}
				}
			}
			return nil
		})
		if err != nil {
			return entities, err
		}
		if len(ids) == 0 {
			return entities, nil
		}
		snap, err := p.read(ctx, ids, edgeIDs)
		if err != nil {
			return entities, err
		}
		if err := p.write(ctx, snap); err != nil {
			return entities, err
		}
		entities += len(ids)
		p.log.Debugw("Projection synced page", "entities", len(ids), "edges", len(edgeIDs))
		if len(ids) < 256 {
			return entities, nil
		}
		after = ids[len(ids)-1]
	}
}
