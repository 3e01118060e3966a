package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
)

func newTestClient(url string, attempts int) *Client {
	return NewClient(config.OracleConf{URL: url, TimeoutMs: 1000, MaxAttempts: attempts, InitialBackoffMs: 1})
}

func TestClientScore(t *testing.T) {
	var got scoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/score", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"score": 0.6}`))
	}))
	defer srv.Close()

	score, err := newTestClient(srv.URL+"/", 3).Score(context.Background(),
		map[string]any{"name": "Ada"}, map[string]any{"name": "Ada L."})
	require.NoError(t, err)
	assert.Equal(t, 0.6, score)
	assert.Equal(t, "Ada", got.EventAttributes["name"])
	assert.Equal(t, "Ada L.", got.CandidateAttributes["name"])
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"score": 1}`))
	}))
	defer srv.Close()

	score, err := newTestClient(srv.URL, 3).Score(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientUnavailable(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
	}{
		{"exhausted retries", http.StatusInternalServerError, "", 2},
		{"client error is permanent", http.StatusBadRequest, "bad", 1},
		{"score above range", http.StatusOK, `{"score": 1.5}`, 1},
		{"negative score", http.StatusOK, `{"score": -0.1}`, 1},
		{"missing score", http.StatusOK, `{}`, 1},
		{"non numeric score", http.StatusOK, `{"score": "high"}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL, 2).Score(context.Background(), nil, nil)
			require.Error(t, err)
			assert.True(t, IsUnavailable(err), "got %v", err)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, 2).Score(context.Background(), nil, nil)
	var u *UnavailableError
	require.ErrorAs(t, err, &u)
	assert.Equal(t, 2, u.Attempts)
}

func TestNewPicksRuleScorerWithoutURL(t *testing.T) {
	_, ok := New(config.OracleConf{}).(RuleScorer)
	assert.True(t, ok)
	_, ok = New(config.OracleConf{URL: "http://oracle"}).(*Client)
	assert.True(t, ok)
}

func TestRuleScorer(t *testing.T) {
	tests := []struct {
		name  string
		a, b  map[string]any
		want  float64
		delta float64
	}{
		{"identical", map[string]any{"name": "Zoë Smith"}, map[string]any{"name": "zoe  smith"}, 1, 0},
		{"nothing shared", map[string]any{"name": "x"}, map[string]any{"email": "x"}, 0, 0},
		{"one edit", map[string]any{"name": "smith"}, map[string]any{"name": "smyth"}, 0.8, 1e-9},
		{"mixed", map[string]any{"name": "ann", "age": 30.0}, map[string]any{"name": "ann", "age": 31.0}, 0.5, 1e-9},
		{"lists", map[string]any{"tags": []any{"a", "b"}}, map[string]any{"tags": []any{"B", "c"}}, 1.0 / 3, 1e-9},
		{"type mismatch", map[string]any{"name": "ann"}, map[string]any{"name": 1.0}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RuleScorer{}.Score(context.Background(), tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, tt.delta)
		})
	}
}

func TestFold(t *testing.T) {
	assert.Equal(t, "jose garcia", Fold("  José   GARCÍA "))
	assert.Equal(t, "", Fold(""))
}
