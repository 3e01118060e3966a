package analytics

import (
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
)

// entityFields exposes a merged view to the filter language:
// entity.{id,type,confidence,observations,placeholder}, attributes.<name>
// (latest value) and sources.
type entityFields struct {
	view   graph.View
	latest map[string]any
}

func newEntityFields(v graph.View) *entityFields {
	return &entityFields{view: v, latest: v.Latest()}
}

// Resolve implements condition.EvalContext.
func (f *entityFields) Resolve(path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	switch path[0] {
	case "entity":
		if len(path) != 2 {
			return nil, false
		}
		switch path[1] {
		case "id":
			return f.view.ID, true
		case "type":
			return f.view.Type, true
		case "confidence":
			return f.view.Confidence, true
		case "observations":
			return float64(f.view.Observations), true
		case "placeholder":
			return f.view.Placeholder, true
		}
	case "attributes":
		if len(path) != 2 {
			return nil, false
		}
		v, ok := f.latest[path[1]]
		return v, ok
	case "sources":
		if len(path) != 1 {
			return nil, false
		}
		srcs := f.view.Sources()
		out := make([]any, len(srcs))
		for i, s := range srcs {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
