// Package store defines the transactional boundary shared by the ledger and
// the graph. Backends live in the badgerstore and sqlstore subpackages.
package store

import (
	"context"
	"sort"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
)

// ErrConflict is returned by Update when the transaction lost a race with a
// concurrent writer. The caller may retry.
var ErrConflict = errors.New("store: transaction conflict")

// ErrReadOnly is returned when a View attempts a write.
var ErrReadOnly = errors.New("store: read-only transaction")

// Tx is read-write access to every collection within one transaction.
type Tx interface {
	ledger.Store
	graph.Store
}

// View is read-only access to one consistent snapshot.
type View interface {
	ledger.Reader
	graph.Reader
	// Version identifies the committed state the snapshot sees. It changes
	// with every committed Update, in commit order, unlike the ledger head
	// whose sequences are handed out before commit.
	Version(ctx context.Context) (string, error)
}

// Store runs transactions.
type Store interface {
	// Update runs fn in a read-write transaction holding mutual exclusion over
	// lockKeys. Either every write made by fn becomes visible or none does. A
	// lost race surfaces as ErrConflict.
	Update(ctx context.Context, lockKeys []string, fn func(ctx context.Context, tx Tx) error) error
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(ctx context.Context, v View) error) error
	Close() error
}

// SortedKeys returns the distinct lock keys in acquisition order.
func SortedKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// IsConflict reports whether err is a retryable transaction conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Lookup reads single events through short-lived snapshots. It satisfies the
// normalizer's duplicate check.
type Lookup struct {
	s Store
}

// NewLookup returns a Lookup over s.
func NewLookup(s Store) *Lookup { return &Lookup{s: s} }

// Event returns the stored event id or errors.ErrNotFound.
func (l *Lookup) Event(ctx context.Context, id string) (event.Event, error) {
	var ev event.Event
	err := l.s.View(ctx, func(ctx context.Context, v View) error {
		var err error
		ev, err = v.Event(ctx, id)
		return err
	})
	return ev, err
}
