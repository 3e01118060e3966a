// Package ledger is the append-only provenance ledger: canonical events and the
// lineage records derived from them.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/provgraph/internal/event"
)

// Transformation is the kind of derivation a record captures.
type Transformation string

const (
	Ingested Transformation = "ingested"
	Merged   Transformation = "merged"
	Split    Transformation = "split"
	Scored   Transformation = "scored"
)

// Valid reports whether t is a known transformation.
func (t Transformation) Valid() bool {
	switch t {
	case Ingested, Merged, Split, Scored:
		return true
	}
	return false
}

// Record is one immutable provenance record.
type Record struct {
	ID              string         `json:"record_id"`
	Seq             int64          `json:"seq"`
	EventID         string         `json:"event_id"`
	DerivedEntityID string         `json:"derived_entity_id,omitempty"`
	LinkedEntityID  string         `json:"linked_entity_id,omitempty"`
	Transformation  Transformation `json:"transformation"`
	ParentIDs       []string       `json:"parent_record_ids"`
	Score           float64        `json:"score,omitempty"`
	Decision        string         `json:"decision,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Cursor is a position in (created_at, seq) order. The zero Cursor is the start.
type Cursor struct {
	CreatedAt time.Time
	Seq       int64
}

// After reports whether r sorts strictly after c.
func (c Cursor) After(r Record) bool {
	if !r.CreatedAt.Equal(c.CreatedAt) {
		return r.CreatedAt.After(c.CreatedAt)
	}
	return r.Seq > c.Seq
}

// CursorOf returns the cursor positioned at r.
func CursorOf(r Record) Cursor {
	return Cursor{CreatedAt: r.CreatedAt, Seq: r.Seq}
}

// String encodes the cursor for API pagination.
func (c Cursor) String() string {
	if c.CreatedAt.IsZero() && c.Seq == 0 {
		return ""
	}
	return fmt.Sprintf("%d.%d", c.CreatedAt.UnixNano(), c.Seq)
}

// ParseCursor decodes Cursor.String output.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	var nanos, seq int64
	if _, err := fmt.Sscanf(strings.Replace(s, ".", " ", 1), "%d %d", &nanos, &seq); err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	return Cursor{CreatedAt: time.Unix(0, nanos).UTC(), Seq: seq}, nil
}

// EventQuery selects stored events ordered by (observed_at, event_id).
type EventQuery struct {
	SourceID string
	From     time.Time // inclusive; zero = unbounded
	To       time.Time // exclusive; zero = unbounded
	After    string    // opaque cursor from a previous page
	Limit    int
}

// RecordQuery selects records in seq order.
type RecordQuery struct {
	From           time.Time // created_at inclusive; zero = unbounded
	To             time.Time // created_at exclusive; zero = unbounded
	Transformation Transformation
	AfterSeq       int64
	Limit          int
}

// Reader is the read side of ledger storage. Unknown ids yield errors.ErrNotFound.
type Reader interface {
	Event(ctx context.Context, id string) (event.Event, error)
	Events(ctx context.Context, q EventQuery) ([]event.Event, string, error)
	Record(ctx context.Context, id string) (Record, error)
	// EntityRecords returns records whose derived or linked entity is entityID,
	// ordered by (created_at, seq), strictly after the cursor.
	EntityRecords(ctx context.Context, entityID string, after Cursor, limit int) ([]Record, error)
	EventRecords(ctx context.Context, eventID string) ([]Record, error)
	Records(ctx context.Context, q RecordQuery) ([]Record, error)
	// Head returns the highest record sequence, 0 for an empty ledger.
	Head(ctx context.Context) (int64, error)
}

// Writer is the append side of ledger storage.
type Writer interface {
	PutEvent(ctx context.Context, ev event.Event) error
	// PutRecord stores a new record and assigns its Seq.
	PutRecord(ctx context.Context, r *Record) error
}

// Store is ledger storage bound to one transaction.
type Store interface {
	Reader
	Writer
}
