package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

type tx struct {
	tx       *sql.Tx
	dialect  Dialect
	writable bool
}

func (t *tx) exec(ctx context.Context, query string, args ...any) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	_, err := t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
	return err
}

func (t *tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

// one scans a single JSON body into v.
func (t *tx) one(ctx context.Context, v any, query string, args ...any) error {
	var body []byte
	err := t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// ---- ledger.Reader / ledger.Writer ----

func (t *tx) Event(ctx context.Context, id string) (event.Event, error) {
	var ev event.Event
	err := t.one(ctx, &ev, "SELECT body FROM events WHERE id = ?", id)
	return ev, err
}

func (t *tx) Events(ctx context.Context, q ledger.EventQuery) ([]event.Event, string, error) {
	var (
		where []string
		args  []any
	)
	if q.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, q.SourceID)
	}
	if !q.From.IsZero() {
		where = append(where, "observed_at >= ?")
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		where = append(where, "observed_at < ?")
		args = append(args, q.To.UnixNano())
	}
	if q.After != "" {
		n, id, err := parseEventCursor(q.After)
		if err != nil {
			return nil, "", err
		}
		where = append(where, "(observed_at > ? OR (observed_at = ? AND id > ?))")
		args = append(args, n, n, id)
	}
	query := "SELECT observed_at, body FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY observed_at, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var (
		out  []event.Event
		last int64
	)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&last, &body); err != nil {
			return nil, "", err
		}
		var ev event.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, "", err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if q.Limit > 0 && len(out) == q.Limit {
		next = eventCursor(last, out[len(out)-1].ID)
	}
	return out, next, nil
}

func (t *tx) PutEvent(ctx context.Context, ev event.Event) error {
	body, err := marshal(ev)
	if err != nil {
		return err
	}
	return t.exec(ctx,
		"INSERT INTO events (id, source_id, observed_at, body) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING",
		ev.ID, ev.SourceID, ev.ObservedAt.UnixNano(), body)
}

func (t *tx) Record(ctx context.Context, id string) (ledger.Record, error) {
	recs, err := t.records(ctx, "SELECT seq, body FROM records WHERE id = ?", id)
	if err != nil {
		return ledger.Record{}, err
	}
	if len(recs) == 0 {
		return ledger.Record{}, errors.ErrNotFound
	}
	return recs[0], nil
}

func (t *tx) records(ctx context.Context, query string, args ...any) ([]ledger.Record, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Record
	for rows.Next() {
		var (
			seq  int64
			body []byte
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, err
		}
		var r ledger.Record
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		r.Seq = seq
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *tx) EntityRecords(ctx context.Context, entityID string, after ledger.Cursor, limit int) ([]ledger.Record, error) {
	query := "SELECT seq, body FROM records WHERE (derived_entity_id = ? OR linked_entity_id = ?)"
	args := []any{entityID, entityID}
	if !after.CreatedAt.IsZero() || after.Seq != 0 {
		c := nanos(after.CreatedAt)
		query += " AND (created_at > ? OR (created_at = ? AND seq > ?))"
		args = append(args, c, c, after.Seq)
	}
	query += " ORDER BY created_at, seq"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return t.records(ctx, query, args...)
}

func (t *tx) EventRecords(ctx context.Context, eventID string) ([]ledger.Record, error) {
	return t.records(ctx, "SELECT seq, body FROM records WHERE event_id = ? ORDER BY seq", eventID)
}

func (t *tx) Records(ctx context.Context, q ledger.RecordQuery) ([]ledger.Record, error) {
	query := "SELECT seq, body FROM records WHERE seq > ?"
	args := []any{q.AfterSeq}
	if q.Transformation != "" {
		query += " AND transformation = ?"
		args = append(args, string(q.Transformation))
	}
	if !q.From.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		query += " AND created_at < ?"
		args = append(args, q.To.UnixNano())
	}
	query += " ORDER BY seq"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return t.records(ctx, query, args...)
}

func (t *tx) Version(ctx context.Context) (string, error) {
	var v int64
	if err := t.tx.QueryRowContext(ctx, "SELECT version FROM store_version WHERE id = 1").Scan(&v); err != nil {
		return "", errors.Wrap(err, "read store version")
	}
	return strconv.FormatInt(v, 10), nil
}

func (t *tx) Head(ctx context.Context) (int64, error) {
	var head int64
	err := t.tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM records").Scan(&head)
	return head, err
}

func (t *tx) PutRecord(ctx context.Context, r *ledger.Record) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	body, err := marshal(r)
	if err != nil {
		return err
	}
	err = t.tx.QueryRowContext(ctx, rebind(t.dialect,
		`INSERT INTO records (id, event_id, derived_entity_id, linked_entity_id, transformation, created_at, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
		r.ID, r.EventID, r.DerivedEntityID, r.LinkedEntityID, string(r.Transformation), nanos(r.CreatedAt), body,
	).Scan(&r.Seq)
	return err
}

// ---- graph.Reader / graph.Writer ----

func (t *tx) Entity(ctx context.Context, id string) (graph.Entity, error) {
	var e graph.Entity
	err := t.one(ctx, &e, "SELECT body FROM entities WHERE id = ?", id)
	return e, err
}

func (t *tx) EntitiesByKey(ctx context.Context, key string) ([]string, error) {
	rows, err := t.query(ctx, "SELECT entity_id FROM entity_keys WHERE key = ? ORDER BY entity_id", key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *tx) Entities(ctx context.Context, q graph.EntityQuery) ([]graph.Entity, error) {
	query := "SELECT body FROM entities WHERE id > ?"
	args := []any{q.After}
	if q.Type != "" {
		query += " AND entity_type = ?"
		args = append(args, q.Type)
	}
	if !q.IncludeDead {
		query += " AND merged_into = ''"
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []graph.Entity
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e graph.Entity
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *tx) PutEntity(ctx context.Context, e *graph.Entity) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	e.Version++
	body, err := marshal(e)
	if err != nil {
		return err
	}
	return t.exec(ctx,
		`INSERT INTO entities (id, entity_type, merged_into, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET entity_type = excluded.entity_type, merged_into = excluded.merged_into, body = excluded.body`,
		e.ID, e.Type, e.MergedInto, body)
}

func (t *tx) IndexKey(ctx context.Context, key, entityID string) error {
	return t.exec(ctx, "INSERT INTO entity_keys (key, entity_id) VALUES (?, ?) ON CONFLICT (key, entity_id) DO NOTHING", key, entityID)
}

func (t *tx) Edge(ctx context.Context, id string) (graph.Edge, error) {
	var e graph.Edge
	err := t.one(ctx, &e, "SELECT body FROM edges WHERE id = ?", id)
	return e, err
}

func (t *tx) EdgesOf(ctx context.Context, entityID string) ([]graph.Edge, error) {
	rows, err := t.query(ctx, "SELECT body FROM edges WHERE from_id = ? OR to_id = ? ORDER BY id", entityID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []graph.Edge
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e graph.Edge
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *tx) PutEdge(ctx context.Context, e graph.Edge) error {
	body, err := marshal(e)
	if err != nil {
		return err
	}
	return t.exec(ctx,
		`INSERT INTO edges (id, from_id, to_id, relation_type, body) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET from_id = excluded.from_id, to_id = excluded.to_id, body = excluded.body`,
		e.ID, e.From, e.To, e.RelationType, body)
}
