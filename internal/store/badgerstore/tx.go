package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

var empty = []byte{}

// tx implements store.Tx over one Badger transaction. Iterators are always
// closed before further reads because a read-write transaction allows only
// one active iterator.
type tx struct {
	txn      *badger.Txn
	seq      *badger.Sequence
	writable bool
}

func (t *tx) get(key string, v any) error {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errors.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (t *tx) set(key string, v any) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.txn.Set([]byte(key), b)
}

func (t *tx) mark(key string) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	return t.txn.Set([]byte(key), empty)
}

func (t *tx) unmark(key string) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	return t.txn.Delete([]byte(key))
}

// scan collects up to limit key suffixes under prefix, starting at seek
// (inclusive) and skipping the exact key skip. limit <= 0 means no limit.
func (t *tx) scan(prefix, seek, skip string, limit int) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	start := []byte(prefix)
	if seek != "" {
		start = []byte(seek)
	}
	var out []string
	for it.Seek(start); it.ValidForPrefix([]byte(prefix)); it.Next() {
		k := it.Item().Key()
		if skip != "" && bytes.Equal(k, []byte(skip)) {
			continue
		}
		out = append(out, string(k[len(prefix):]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// scanValues is scan returning the string values of the index entries.
func (t *tx) scanValues(prefix, seek, skip string, limit int) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	start := []byte(prefix)
	if seek != "" {
		start = []byte(seek)
	}
	var out []string
	for it.Seek(start); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		if skip != "" && bytes.Equal(item.Key(), []byte(skip)) {
			continue
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out = append(out, string(v))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ---- ledger.Reader / ledger.Writer ----

func (t *tx) Event(_ context.Context, id string) (event.Event, error) {
	var ev event.Event
	err := t.get(pEvent+id, &ev)
	return ev, err
}

func (t *tx) Events(ctx context.Context, q ledger.EventQuery) ([]event.Event, string, error) {
	seek, skip := "", ""
	switch {
	case q.After != "":
		seek = pEventByTime + q.After
		skip = seek
	case !q.From.IsZero():
		seek = pEventByTime + ordered(q.From.UnixNano())
	}
	var toKey string
	if !q.To.IsZero() {
		toKey = ordered(q.To.UnixNano())
	}

	var (
		out  []event.Event
		last string
	)
	for {
		suffixes := t.scan(pEventByTime, seek, skip, 256)
		for _, suffix := range suffixes {
			if toKey != "" && suffix >= toKey {
				return out, "", nil
			}
			last = suffix
			id := suffix[strings.IndexByte(suffix, '/')+1:]
			ev, err := t.Event(ctx, id)
			if err != nil {
				return nil, "", err
			}
			if q.SourceID != "" && ev.SourceID != q.SourceID {
				continue
			}
			out = append(out, ev)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, last, nil
			}
		}
		if len(suffixes) < 256 {
			return out, "", nil
		}
		seek = pEventByTime + last
		skip = seek
	}
}

func (t *tx) PutEvent(_ context.Context, ev event.Event) error {
	if err := t.set(pEvent+ev.ID, ev); err != nil {
		return err
	}
	return t.mark(pEventByTime + ordered(ev.ObservedAt.UnixNano()) + "/" + ev.ID)
}

func (t *tx) Record(_ context.Context, id string) (ledger.Record, error) {
	var r ledger.Record
	err := t.get(pRecord+id, &r)
	return r, err
}

func (t *tx) records(ctx context.Context, ids []string) ([]ledger.Record, error) {
	out := make([]ledger.Record, 0, len(ids))
	for _, id := range ids {
		r, err := t.Record(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "indexed record %s", id)
		}
		out = append(out, r)
	}
	return out, nil
}

func entityRecordKey(entityID string, createdAt time.Time, seq int64) string {
	return pRecordByEnt + entityID + "/" + ordered(createdAt.UnixNano()) + "/" + ordered(seq)
}

func (t *tx) EntityRecords(ctx context.Context, entityID string, after ledger.Cursor, limit int) ([]ledger.Record, error) {
	prefix := pRecordByEnt + entityID + "/"
	seek, skip := "", ""
	if !after.CreatedAt.IsZero() || after.Seq != 0 {
		seek = entityRecordKey(entityID, after.CreatedAt, after.Seq)
		skip = seek
	}
	ids, err := t.scanValues(prefix, seek, skip, limit)
	if err != nil {
		return nil, err
	}
	return t.records(ctx, ids)
}

func (t *tx) EventRecords(ctx context.Context, eventID string) ([]ledger.Record, error) {
	ids, err := t.scanValues(pRecordByEvt+eventID+"/", "", "", 0)
	if err != nil {
		return nil, err
	}
	return t.records(ctx, ids)
}

func (t *tx) Records(ctx context.Context, q ledger.RecordQuery) ([]ledger.Record, error) {
	seek := pRecordBySeq + ordered(q.AfterSeq+1)
	var out []ledger.Record
	for {
		ids, err := t.scanValues(pRecordBySeq, seek, "", 256)
		if err != nil {
			return nil, err
		}
		recs, err := t.records(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if q.Transformation != "" && r.Transformation != q.Transformation {
				continue
			}
			if !q.From.IsZero() && r.CreatedAt.Before(q.From) {
				continue
			}
			if !q.To.IsZero() && !r.CreatedAt.Before(q.To) {
				continue
			}
			out = append(out, r)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
		if len(recs) < 256 {
			return out, nil
		}
		seek = pRecordBySeq + ordered(recs[len(recs)-1].Seq+1)
	}
}

// Version is the snapshot's read timestamp, which Badger advances on every
// commit.
func (t *tx) Version(_ context.Context) (string, error) {
	return strconv.FormatUint(t.txn.ReadTs(), 10), nil
}

func (t *tx) Head(_ context.Context) (int64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = []byte(pRecordBySeq)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	it.Seek([]byte(pRecordBySeq + "\xff"))
	if !it.ValidForPrefix([]byte(pRecordBySeq)) {
		return 0, nil
	}
	return unordered(string(it.Item().Key()[len(pRecordBySeq):]))
}

func (t *tx) PutRecord(_ context.Context, r *ledger.Record) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	n, err := t.seq.Next()
	if err != nil {
		return errors.Wrap(err, "next record seq")
	}
	r.Seq = int64(n) + 1
	if err := t.set(pRecord+r.ID, r); err != nil {
		return err
	}
	id := []byte(r.ID)
	idx := []string{
		pRecordBySeq + ordered(r.Seq),
		pRecordByEvt + r.EventID + "/" + ordered(r.Seq),
	}
	for _, ent := range []string{r.DerivedEntityID, r.LinkedEntityID} {
		if ent != "" {
			idx = append(idx, entityRecordKey(ent, r.CreatedAt, r.Seq))
		}
	}
	for _, k := range idx {
		if err := t.txn.Set([]byte(k), id); err != nil {
			return err
		}
	}
	return nil
}

// ---- graph.Reader / graph.Writer ----

func (t *tx) Entity(_ context.Context, id string) (graph.Entity, error) {
	var e graph.Entity
	err := t.get(pEntity+id, &e)
	return e, err
}

func (t *tx) EntitiesByKey(_ context.Context, key string) ([]string, error) {
	return t.scan(pKeyIndex+key+"\x00", "", "", 0), nil
}

func (t *tx) Entities(ctx context.Context, q graph.EntityQuery) ([]graph.Entity, error) {
	seek, skip := "", ""
	if q.After != "" {
		seek = pEntity + q.After
		skip = seek
	}
	var out []graph.Entity
	for {
		ids := t.scan(pEntity, seek, skip, 256)
		for _, id := range ids {
			e, err := t.Entity(ctx, id)
			if err != nil {
				return nil, err
			}
			if (q.Type == "" || e.Type == q.Type) && (q.IncludeDead || e.Live()) {
				out = append(out, e)
				if q.Limit > 0 && len(out) >= q.Limit {
					return out, nil
				}
			}
		}
		if len(ids) < 256 {
			return out, nil
		}
		seek = pEntity + ids[len(ids)-1]
		skip = seek
	}
}

func (t *tx) PutEntity(_ context.Context, e *graph.Entity) error {
	e.Version++
	return t.set(pEntity+e.ID, e)
}

func (t *tx) IndexKey(_ context.Context, key, entityID string) error {
	return t.mark(pKeyIndex + key + "\x00" + entityID)
}

func (t *tx) Edge(_ context.Context, id string) (graph.Edge, error) {
	var e graph.Edge
	err := t.get(pEdge+id, &e)
	return e, err
}

func (t *tx) EdgesOf(ctx context.Context, entityID string) ([]graph.Edge, error) {
	ids := t.scan(pAdjacency+entityID+"\x00", "", "", 0)
	out := make([]graph.Edge, 0, len(ids))
	for _, id := range ids {
		e, err := t.Edge(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "adjacent edge %s", id)
		}
		out = append(out, e)
	}
	return out, nil
}

func (t *tx) PutEdge(ctx context.Context, e graph.Edge) error {
	prev, err := t.Edge(ctx, e.ID)
	switch {
	case err == nil:
		for _, end := range []string{prev.From, prev.To} {
			if end != e.From && end != e.To {
				if err := t.unmark(pAdjacency + end + "\x00" + e.ID); err != nil {
					return err
				}
			}
		}
	case !errors.Is(err, errors.ErrNotFound):
		return err
	}
	if err := t.set(pEdge+e.ID, e); err != nil {
		return err
	}
	for _, end := range []string{e.From, e.To} {
		if err := t.mark(pAdjacency + end + "\x00" + e.ID); err != nil {
			return err
		}
	}
	return nil
}
