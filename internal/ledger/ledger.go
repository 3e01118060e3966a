package ledger

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
)

// CorruptLineageError reports a structural violation of the lineage graph: a
// cycle or a dangling parent reference. It is never repaired automatically.
type CorruptLineageError struct {
	RecordID string
	Path     []string
	Reason   string
}

func (e *CorruptLineageError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("corrupt lineage at %s: %s (path %s)", e.RecordID, e.Reason, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("corrupt lineage at %s: %s", e.RecordID, e.Reason)
}

// Ledger appends and traverses provenance records. It holds no state of its
// own; every call works against the transaction-scoped Store or Reader given.
type Ledger struct {
	pageSize int
	now      func() time.Time
}

// New returns a Ledger paging history by pageSize.
func New(pageSize int) *Ledger {
	if pageSize <= 0 {
		pageSize = 256
	}
	return &Ledger{pageSize: pageSize, now: time.Now}
}

// WithClock overrides the clock used for created_at and ingested_at.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	c := *l
	c.now = now
	return &c
}

// Now returns the ledger clock reading in UTC.
func (l *Ledger) Now() time.Time { return l.now().UTC() }

// Append validates rec and stores it, returning its id. Ingested records have
// no parents; every other record derives from at least one existing record.
func (l *Ledger) Append(ctx context.Context, s Store, rec Record) (string, error) {
	if !rec.Transformation.Valid() {
		return "", errors.Newf("ledger: unknown transformation %q", rec.Transformation)
	}
	if rec.EventID == "" {
		return "", errors.New("ledger: record needs an event id")
	}
	switch {
	case rec.Transformation == Ingested && len(rec.ParentIDs) > 0:
		return "", errors.New("ledger: ingested records cannot have parents")
	case rec.Transformation != Ingested && len(rec.ParentIDs) == 0:
		return "", errors.Newf("ledger: %s record needs at least one parent", rec.Transformation)
	}
	if _, err := s.Event(ctx, rec.EventID); err != nil {
		return "", errors.Wrapf(err, "ledger: event %s", rec.EventID)
	}
	rec.ParentIDs = dedupe(rec.ParentIDs)
	for _, p := range rec.ParentIDs {
		if _, err := s.Record(ctx, p); err != nil {
			return "", errors.Wrapf(err, "ledger: parent %s", p)
		}
	}
	if rec.ID == "" {
		rec.ID = "rec_" + uuid.NewString()
	} else if _, err := s.Record(ctx, rec.ID); err == nil {
		return "", errors.Newf("ledger: record %s already exists", rec.ID)
	} else if !errors.Is(err, errors.ErrNotFound) {
		return "", err
	}
	rec.CreatedAt = l.Now()
	rec.Seq = 0
	if err := s.PutRecord(ctx, &rec); err != nil {
		return "", errors.Wrapf(err, "ledger: put record %s", rec.ID)
	}
	return rec.ID, nil
}

// History yields the records of entityID in (created_at, seq) order, one page
// at a time. Each record's ancestry is verified; a cycle or dangling parent is
// yielded as a *CorruptLineageError and ends the sequence. Ranging over the
// result again restarts from the beginning.
func (l *Ledger) History(ctx context.Context, r Reader, entityID string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		v := newVerifier(r)
		var after Cursor
		for {
			page, err := r.EntityRecords(ctx, entityID, after, l.pageSize)
			if err != nil {
				yield(Record{}, errors.Wrapf(err, "history of %s", entityID))
				return
			}
			for _, rec := range page {
				if err := v.verify(ctx, rec); err != nil {
					yield(rec, err)
					return
				}
				if !yield(rec, nil) {
					return
				}
				after = CursorOf(rec)
			}
			if len(page) < l.pageSize {
				return
			}
		}
	}
}

// Collect drains a history sequence into a slice.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Trace returns the ingested records reachable from recordID through parent
// links, ordered by id.
func (l *Ledger) Trace(ctx context.Context, r Reader, recordID string) ([]Record, error) {
	rec, err := r.Record(ctx, recordID)
	if err != nil {
		return nil, errors.Wrapf(err, "trace %s", recordID)
	}
	v := newVerifier(r)
	if err := v.verify(ctx, rec); err != nil {
		return nil, err
	}
	roots := make([]Record, 0, len(v.roots))
	for _, root := range v.roots {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return roots, nil
}

// verifier walks parent links depth-first, remembering records whose
// ancestry is already known to be sound.
type verifier struct {
	r     Reader
	sound map[string]bool
	roots map[string]Record
}

func newVerifier(r Reader) *verifier {
	return &verifier{r: r, sound: make(map[string]bool), roots: make(map[string]Record)}
}

func (v *verifier) verify(ctx context.Context, rec Record) error {
	return v.walk(ctx, rec, nil, make(map[string]bool))
}

func (v *verifier) walk(ctx context.Context, rec Record, path []string, onPath map[string]bool) error {
	if onPath[rec.ID] {
		return &CorruptLineageError{RecordID: rec.ID, Path: append(path, rec.ID), Reason: "cycle in parent links"}
	}
	if v.sound[rec.ID] {
		return nil
	}
	path = append(path, rec.ID)
	if rec.Transformation == Ingested {
		if len(rec.ParentIDs) > 0 {
			return &CorruptLineageError{RecordID: rec.ID, Path: path, Reason: "ingested record has parents"}
		}
		v.roots[rec.ID] = rec
		v.sound[rec.ID] = true
		return nil
	}
	if len(rec.ParentIDs) == 0 {
		return &CorruptLineageError{RecordID: rec.ID, Path: path, Reason: "derived record has no parents"}
	}
	onPath[rec.ID] = true
	defer delete(onPath, rec.ID)
	for _, pid := range rec.ParentIDs {
		parent, err := v.r.Record(ctx, pid)
		if errors.Is(err, errors.ErrNotFound) {
			return &CorruptLineageError{RecordID: rec.ID, Path: append(path, pid), Reason: "missing parent " + pid}
		}
		if err != nil {
			return errors.Wrapf(err, "read parent %s", pid)
		}
		if err := v.walk(ctx, parent, path, onPath); err != nil {
			return err
		}
	}
	v.sound[rec.ID] = true
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}
