package analytics

import (
	"context"
	"sort"

	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

// Subgraph is the neighbourhood of an entity.
type Subgraph struct {
	// Root is the canonical entity the traversal started from.
	Root      string       `json:"root"`
	Nodes     []graph.View `json:"nodes"`
	Edges     []graph.Edge `json:"edges"`
	Truncated bool         `json:"truncated"`
}

type subgraphQuery struct {
	Root  string `json:"root"`
	Depth int    `json:"depth"`
	Limit int    `json:"limit"`
}

// Subgraph returns the entities within depth hops of entityID, following
// edges in both directions, and the edges among them. A tombstoned id
// resolves to its canonical entity first, so every member of a merge yields
// the same subgraph. limit caps the node count; 0 means the configured
// maximum.
func (a *Aggregator) Subgraph(ctx context.Context, entityID string, depth, limit int) (Subgraph, error) {
	if depth < 0 || depth > a.opts.MaxDepth {
		return Subgraph{}, invalid("depth must be between 0 and %d", a.opts.MaxDepth)
	}
	if limit == 0 {
		limit = a.opts.MaxNodes
	}
	if limit < 1 || limit > a.opts.MaxNodes {
		return Subgraph{}, invalid("limit must be between 1 and %d", a.opts.MaxNodes)
	}

	// The cache key names the canonical root, resolved in a snapshot of its own.
	var root string
	err := a.store.View(ctx, func(ctx context.Context, v store.View) error {
		e, err := graph.Canonical(ctx, v, entityID)
		root = e.ID
		return err
	})
	if err != nil {
		return Subgraph{}, err
	}

	q := subgraphQuery{Root: root, Depth: depth, Limit: limit}
	return run(ctx, a, "subgraph", q, func(ctx context.Context, v store.View) (Subgraph, error) {
		return traverse(ctx, v, entityID, depth, limit)
	})
}

func traverse(ctx context.Context, v store.View, entityID string, depth, limit int) (Subgraph, error) {
	start, err := graph.Canonical(ctx, v, entityID)
	if err != nil {
		return Subgraph{}, err
	}
	sg := Subgraph{Root: start.ID}

	visited := map[string]bool{start.ID: true}
	edges := make(map[string]graph.Edge)
	frontier := []string{start.ID}
	for hop := 0; hop < depth && len(frontier) > 0 && !sg.Truncated; hop++ {
		var next []string
		for _, id := range frontier {
			adj, err := v.EdgesOf(ctx, id)
			if err != nil {
				return Subgraph{}, err
			}
			for _, e := range adj {
				other := e.To
				if other == id {
					other = e.From
				}
				if visited[other] {
					continue
				}
				if len(visited) >= limit {
					sg.Truncated = true
					break
				}
				visited[other] = true
				next = append(next, other)
			}
			if sg.Truncated {
				break
			}
		}
		sort.Strings(next)
		frontier = next
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		view, err := graph.MergedView(ctx, v, id)
		if err != nil {
			return Subgraph{}, err
		}
		sg.Nodes = append(sg.Nodes, view)
		adj, err := v.EdgesOf(ctx, id)
		if err != nil {
			return Subgraph{}, err
		}
		for _, e := range adj {
			if visited[e.From] && visited[e.To] {
				edges[e.ID] = e
			}
		}
	}
	for _, e := range edges {
		sg.Edges = append(sg.Edges, e)
	}
	sort.Slice(sg.Edges, func(i, j int) bool { return sg.Edges[i].ID < sg.Edges[j].ID })
	return sg, nil
}
