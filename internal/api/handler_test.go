package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/provgraph/internal/analytics"
	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/engine"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/normalize"
	"github.com/gyaneshwarpardhi/provgraph/internal/resolve"
	"github.com/gyaneshwarpardhi/provgraph/internal/schema"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
	"github.com/gyaneshwarpardhi/provgraph/internal/store/badgerstore"
)

const testConfig = `
version: "1"
sources:
  - id: crm
    entity_type: person
    attributes:
      - {name: name, role: name}
      - {name: email, role: identifier}
      - {name: employer, role: relation, relation: works_at, target_type: company}
    categories:
      - {keyword: outage, category: INFRASTRUCTURE}
`

type fixedScorer float64

func (s fixedScorer) Score(context.Context, map[string]any, map[string]any) (float64, error) {
	return float64(s), nil
}

type server struct {
	t      *testing.T
	h      http.Handler
	eng    *engine.Engine
	loader *config.Loader
	path   string
}

func newServer(t *testing.T, edit func(*Deps)) *server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	loader, err := config.NewLoader(path)
	require.NoError(t, err)
	cfg := loader.Config()
	require.NoError(t, config.Validate(cfg))

	s, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg, err := schema.NewStatic(cfg.Sources)
	require.NoError(t, err)
	loader.OnChange(func(c *config.Config) { require.NoError(t, reg.Swap(c.Sources)) })

	p := engine.NewPipeline(engine.PipelineOptions{
		Store:      s,
		Normalizer: normalize.New(reg, store.NewLookup(s), normalize.OptionsFromConfig(cfg.Normalizer)),
		Resolver:   resolve.New(reg, fixedScorer(0.1), resolve.OptionsFromConfig(cfg.Resolution)),
		Ledger:     ledger.New(cfg.Ledger.HistoryPageSize),
	})
	eng := engine.New(context.Background(), p, config.EngineConf{Workers: 2, QueueDepth: 16, EventTimeoutMs: 5000})
	t.Cleanup(eng.Shutdown)

	d := Deps{
		Engine:    eng,
		Analytics: analytics.New(s, nil, analytics.OptionsFromConfig(cfg.Analytics, cfg.Cache)),
		Loader:    loader,
		Sources:   reg,
		API:       config.APIConf{MaxBatch: 3},
		Paging:    cfg.Analytics,
	}
	if edit != nil {
		edit(&d)
	}
	return &server{t: t, h: New(d), eng: eng, loader: loader, path: path}
}

func (s *server) do(method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	s.t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		buf, err := json.Marshal(b)
		require.NoError(s.t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (s *server) ingest(minute int, payload map[string]any) map[string]any {
	s.t.Helper()
	rec, out := s.do("POST", "/v1/events", map[string]any{
		"source_id":   "crm",
		"observed_at": time.Date(2024, 3, 1, 9, minute, 0, 0, time.UTC).Format(time.RFC3339),
		"payload":     payload,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return out
}

func TestIngestAndReadBack(t *testing.T) {
	s := newServer(t, nil)
	out := s.ingest(0, map[string]any{"name": "Alice Smith", "email": "a@x.io", "employer": "acme"})
	assert.Equal(t, "New", out["decision"])
	entityID := out["entity_id"].(string)
	eventID := out["event_id"].(string)
	recordID := out["record_id"].(string)

	rec, dup := s.do("POST", "/v1/events", map[string]any{
		"source_id":   "crm",
		"observed_at": "2024-03-01T09:00:00Z",
		"payload":     map[string]any{"name": "Alice Smith", "email": "a@x.io", "employer": "acme"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, dup["duplicate"])
	assert.Equal(t, entityID, dup["entity_id"])

	rec, body := s.do("GET", "/v1/events/"+eventID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["records"], 2, "the event's record and its placeholder's")

	rec, body = s.do("GET", "/v1/events?source_id=crm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["events"], 1)
	assert.Equal(t, "", body["next_cursor"])

	rec, body = s.do("GET", "/v1/entities/"+entityID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entityID, body["entity"].(map[string]any)["entity_id"])
	assert.Len(t, body["edges"], 1)
	assert.NotContains(t, body, "resolved_from")

	rec, body = s.do("GET", "/v1/entities/"+entityID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["records"], 1)

	rec, body = s.do("GET", "/v1/records/"+recordID+"/trace", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	roots := body["roots"].([]any)
	require.Len(t, roots, 1)
	assert.Equal(t, recordID, roots[0].(map[string]any)["record_id"])

	rec, body = s.do("GET", "/v1/entities/"+entityID+"/subgraph?depth=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["nodes"], 2)
}

func TestIngestRecordsOriginAndCategory(t *testing.T) {
	s := newServer(t, nil)
	out := s.ingest(0, map[string]any{"name": "Grid Outage Desk", "email": "ops@x.io"})
	assert.Equal(t, "INFRASTRUCTURE", out["category"])

	rec, body := s.do("GET", "/v1/events/"+out["event_id"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ev := body["event"].(map[string]any)
	assert.Equal(t, "INFRASTRUCTURE", ev["category"])
	assert.Equal(t, map[string]any{"channel": "api", "client": "192.0.2.1"}, ev["origin"])

	out = s.ingest(1, map[string]any{"name": "Bob Jones"})
	assert.Equal(t, normalize.Unclassified, out["category"])
}

func TestRequestBodiesAreCapped(t *testing.T) {
	s := newServer(t, func(d *Deps) { d.API.MaxEventBytes = 256 })
	big := strings.Repeat("x", 300)

	rec, body := s.do("POST", "/v1/events", map[string]any{
		"source_id":   "crm",
		"observed_at": "2024-03-01T09:00:00Z",
		"payload":     map[string]any{"name": big},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PayloadTooLarge", body["kind"])

	// The batch cap is max_batch (3) times the per-event cap.
	item := map[string]any{"source_id": "crm", "observed_at": "2024-03-01T09:00:00Z", "payload": map[string]any{"name": strings.Repeat("y", 200)}}
	rec, body = s.do("POST", "/v1/events/batch", []any{item, item, item, item})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PayloadTooLarge", body["kind"])

	rec, _ = s.do("POST", "/v1/events/batch", []any{item})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, body = s.do("POST", "/v1/entities/ent_a/merge", `{"into": "`+big+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PayloadTooLarge", body["kind"])
}

func TestErrorsUseTheEnvelope(t *testing.T) {
	s := newServer(t, nil)

	tests := []struct {
		name   string
		method string
		target string
		body   any
		status int
		kind   string
	}{
		{"unknown source", "POST", "/v1/events", map[string]any{"source_id": "nope", "observed_at": "2024-03-01T09:00:00Z"}, 422, "UnknownSource"},
		{"bad timestamp", "POST", "/v1/events", map[string]any{"source_id": "crm", "observed_at": "yesterday"}, 422, "InvalidTimestamp"},
		{"missing timestamp", "POST", "/v1/events", map[string]any{"source_id": "crm", "payload": map[string]any{"name": "Al Smith"}}, 422, "InvalidTimestamp"},
		{"wrong type", "POST", "/v1/events", map[string]any{"source_id": "crm", "observed_at": "2024-03-01T09:00:00Z", "payload": map[string]any{"name": 7}}, 422, "SchemaMismatch"},
		{"bad json", "POST", "/v1/events", "{", 400, "BadRequest"},
		{"unknown event", "GET", "/v1/events/evt_missing", nil, 404, "NotFound"},
		{"unknown entity", "GET", "/v1/entities/ent_missing", nil, 404, "NotFound"},
		{"unknown history", "GET", "/v1/entities/ent_missing/history", nil, 404, "NotFound"},
		{"unknown record", "GET", "/v1/records/rec_missing/trace", nil, 404, "NotFound"},
		{"unknown subgraph", "GET", "/v1/entities/ent_missing/subgraph", nil, 404, "NotFound"},
		{"deep subgraph", "GET", "/v1/entities/ent_missing/subgraph?depth=99", nil, 400, "InvalidQuery"},
		{"bad limit", "GET", "/v1/events?limit=0", nil, 400, "BadRequest"},
		{"bad cursor", "GET", "/v1/entities/ent_missing/history?cursor=zzz", nil, 400, "BadRequest"},
		{"no bucket", "GET", "/v1/analytics/timeseries?from=2024-03-01T00:00:00Z&to=2024-03-02T00:00:00Z", nil, 400, "InvalidQuery"},
		{"bad bucket", "GET", "/v1/analytics/timeseries?bucket=often", nil, 400, "BadRequest"},
		{"bad filter", "GET", "/v1/analytics/timeseries?bucket=1h&from=2024-03-01T00:00:00Z&to=2024-03-02T00:00:00Z&filter=entity.type%20%3D%3D", nil, 400, "InvalidQuery"},
		{"bad summary range", "GET", "/v1/analytics/summary?from=2024-03-02&to=2024-03-01", nil, 400, "InvalidQuery"},
		{"merge without target", "POST", "/v1/entities/ent_a/merge", map[string]any{}, 400, "BadRequest"},
		{"merge unknown", "POST", "/v1/entities/ent_a/merge", map[string]any{"into": "ent_b"}, 404, "NotFound"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := s.do(tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, body["kind"])
			assert.NotEmpty(t, body["error"])
		})
	}

	_, body := s.do("POST", "/v1/events", map[string]any{"source_id": "crm", "observed_at": "yesterday"})
	assert.Equal(t, "observed_at", body["field"])
}

func TestMergeAndSplitRoutes(t *testing.T) {
	s := newServer(t, nil)
	a := s.ingest(0, map[string]any{"name": "Alice Smith", "email": "a@x.io"})["entity_id"].(string)
	b := s.ingest(1, map[string]any{"name": "Bob Jones", "email": "b@x.io"})["entity_id"].(string)

	rec, res := s.do("POST", "/v1/entities/"+a+"/merge", map[string]any{"into": b})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	winner, loser := res["winner"].(string), res["loser"].(string)
	assert.ElementsMatch(t, []string{a, b}, []string{winner, loser})

	rec, body := s.do("GET", "/v1/entities/"+loser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, loser, body["resolved_from"])
	assert.Equal(t, winner, body["entity"].(map[string]any)["entity_id"])

	rec, body = s.do("POST", "/v1/entities/"+a+"/merge", map[string]any{"into": b})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InvalidMergeState", body["kind"])

	rec, _ = s.do("POST", "/v1/entities/"+loser+"/split", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body = s.do("POST", "/v1/entities/"+loser+"/split", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InvalidMergeState", body["kind"])

	rec, body = s.do("GET", "/v1/analytics/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"ingested": 2.0, "merged": 1.0, "split": 1.0}, body["records_by_transformation"])
}

func TestHistoryPages(t *testing.T) {
	s := newServer(t, nil)
	id := s.ingest(0, map[string]any{"name": "Alice Smith", "email": "a@x.io"})["entity_id"].(string)
	s.ingest(1, map[string]any{"name": "Alice Smith", "email": "a@x.io", "employer": "acme"})
	s.ingest(2, map[string]any{"name": "A. Smith", "email": "a@x.io"})

	var (
		seen   []string
		cursor string
	)
	for range 5 {
		rec, body := s.do("GET", "/v1/entities/"+id+"/history?limit=2&cursor="+cursor, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		for _, r := range body["records"].([]any) {
			seen = append(seen, r.(map[string]any)["record_id"].(string))
		}
		cursor = body["next_cursor"].(string)
		if cursor == "" {
			break
		}
	}
	assert.Len(t, seen, 3)
}

func TestTimeSeriesRoute(t *testing.T) {
	s := newServer(t, nil)
	s.ingest(0, map[string]any{"name": "Alice Smith", "email": "a@x.io", "employer": "acme"})
	s.ingest(70, map[string]any{"name": "Bob Jones", "email": "b@x.io"})

	rec, body := s.do("GET", `/v1/analytics/timeseries?bucket=1h&from=2024-03-01T09:00:00Z&to=2024-03-01T11:00:00Z&filter=entity.type+%3D%3D+%22person%22`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	buckets := body["buckets"].([]any)
	require.Len(t, buckets, 2)
	assert.Equal(t, 1.0, buckets[0].(map[string]any)["observations"])
	assert.Equal(t, 1.0, buckets[1].(map[string]any)["observations"])
	assert.Equal(t, "2024-03-01T10:00:00Z", buckets[1].(map[string]any)["bucket_start"])
}

func TestBatch(t *testing.T) {
	s := newServer(t, nil)

	rec, body := s.do("POST", "/v1/events/batch", []any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BadRequest", body["kind"])

	item := func(minute int, ts string) map[string]any {
		if ts == "" {
			ts = fmt.Sprintf("2024-03-01T09:%02d:00Z", minute)
		}
		return map[string]any{"source_id": "crm", "observed_at": ts, "payload": map[string]any{"email": fmt.Sprintf("u%d@x.io", minute)}}
	}
	rec, _ = s.do("POST", "/v1/events/batch", []any{item(0, ""), item(1, ""), item(2, ""), item(3, "")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = s.do("POST", "/v1/events/batch", []any{item(0, ""), item(1, "not a time"), item(2, "")})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, 2.0, body["queued"])
	assert.Equal(t, 1.0, body["rejected"])
	rej := body["rejections"].([]any)[0].(map[string]any)
	assert.Equal(t, 1.0, rej["index"])
	assert.Equal(t, "InvalidTimestamp", rej["kind"])

	s.eng.Shutdown()
	_, body = s.do("GET", "/v1/events?source_id=crm", nil)
	assert.Len(t, body["events"], 2)
}

func TestHealthEndpoints(t *testing.T) {
	s := newServer(t, nil)

	rec, body := s.do("GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = s.do("GET", "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])

	rec, _ = s.do("GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "provgraph_")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newServer(t, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestRateLimit(t *testing.T) {
	s := newServer(t, func(d *Deps) { d.API.RateLimitRPS, d.API.RateLimitBurst = 0.001, 1 })

	rec, _ := s.do("GET", "/v1/sources", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body := s.do("GET", "/v1/sources", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RateLimited", body["kind"])

	rec, _ = s.do("GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health checks are never limited")
}

func TestLimiterForgetsIdleClients(t *testing.T) {
	l := newLimiter(1, 2)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		assert.True(t, l.allow(fmt.Sprintf("10.0.0.%d", i)))
	}
	assert.Equal(t, 100, l.tracked())
	assert.True(t, l.allow("10.0.1.1"))
	assert.True(t, l.allow("10.0.1.1"))
	assert.False(t, l.allow("10.0.1.1"), "burst of 2 is spent")

	now = now.Add(30 * time.Second)
	assert.True(t, l.allow("10.0.1.1"))
	assert.Equal(t, 101, l.tracked(), "nothing is idle yet")

	now = now.Add(45 * time.Second)
	assert.True(t, l.allow("10.0.2.1"))
	assert.Equal(t, 2, l.tracked(), "clients idle for a minute are dropped")
}

func TestReloadConfig(t *testing.T) {
	s := newServer(t, nil)
	_, body := s.do("GET", "/v1/sources", nil)
	assert.Len(t, body["sources"], 1)

	next := testConfig + `
  - id: hr
    entity_type: person
    attributes:
      - {name: email, role: identifier}
`
	require.NoError(t, os.WriteFile(s.path, []byte(next), 0o600))
	rec, body := s.do("POST", "/v1/config/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2.0, body["sources_count"])

	_, body = s.do("GET", "/v1/sources", nil)
	assert.Len(t, body["sources"], 2)
	rec, _ = s.do("POST", "/v1/events", map[string]any{"source_id": "hr", "observed_at": "2024-03-01T09:00:00Z", "payload": map[string]any{"email": "h@x.io"}})
	assert.Equal(t, http.StatusCreated, rec.Code)

	require.NoError(t, os.WriteFile(s.path, []byte("version: \"\"\n"), 0o600))
	rec, body = s.do("POST", "/v1/config/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "InvalidConfig", body["kind"])
	assert.Equal(t, "1", s.loader.Config().Version, "an invalid file keeps the previous config")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{&normalize.NormalizationError{Kind: normalize.MissingField, Field: "email"}, 422, "MissingField"},
		{&ledger.CorruptLineageError{RecordID: "rec_1", Reason: "cycle"}, 500, "CorruptLineage"},
		{&engine.TransientError{EventID: "evt_1", Attempts: 5, Err: store.ErrConflict}, 409, "Conflict"},
		{errors.Wrap(graph.ErrNotMerged, "split"), 409, "InvalidMergeState"},
		{errors.Wrap(errors.ErrNotFound, "entity"), 404, "NotFound"},
		{errors.Wrap(engine.ErrQueueFull, "capacity 1"), 429, "QueueFull"},
		{errors.Wrap(engine.ErrTimeout, "after 5s"), 504, "Timeout"},
		{errors.New("boom"), 500, "Internal"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			status, resp := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, resp.Kind)
		})
	}
}
