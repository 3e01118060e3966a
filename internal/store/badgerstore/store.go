// Package badgerstore implements store.Store on an embedded Badger database.
//
// Every collection lives under its own key prefix. Key-scoped mutual exclusion
// relies on Badger's serializable snapshot isolation: Update reads and rewrites
// one lock cell per lock key, so two transactions sharing a key cannot both
// commit; the loser gets store.ErrConflict.
package badgerstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

// Key prefixes.
const (
	pEvent        = "e/"  // e/<event id> -> event
	pEventByTime  = "eo/" // eo/<observed nanos>/<event id>
	pRecord       = "r/"  // r/<record id> -> record
	pRecordBySeq  = "rs/" // rs/<seq> -> record id
	pRecordByEnt  = "re/" // re/<entity>/<created nanos>/<seq> -> record id
	pRecordByEvt  = "rv/" // rv/<event id>/<seq> -> record id
	pEntity       = "n/"  // n/<entity id> -> entity
	pKeyIndex     = "k/"  // k/<blocking key>\x00<entity id>
	pEdge         = "g/"  // g/<edge id> -> edge
	pAdjacency    = "a/"  // a/<entity id>\x00<edge id>
	pLock         = "l/"  // l/<lock key>
	recordSeqName = "seq/records"
)

// Options configures the Badger store.
type Options struct {
	// Path to the database directory. If empty, uses in-memory mode.
	Path string
	// InMemory forces in-memory mode even if Path is set.
	InMemory bool
	// Logger receives Badger's internal logs. If nil, they are discarded.
	Logger *zap.SugaredLogger
}

// Store is a store.Store backed by Badger.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) a Badger-backed store.
func Open(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.Path == "" || opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithMemTableSize(8 << 20)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(badgerLogger{opts.Logger})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger db")
	}
	seq, err := db.GetSequence([]byte(recordSeqName), 128)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "record sequence")
	}
	return &Store{db: db, seq: seq}, nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, lockKeys []string, fn func(context.Context, store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, k := range store.SortedKeys(lockKeys) {
			lk := []byte(pLock + k)
			if _, err := txn.Get(lk); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(lk, empty); err != nil {
				return err
			}
		}
		return fn(ctx, &tx{txn: txn, seq: s.seq, writable: true})
	})
	if errors.Is(err, badger.ErrConflict) {
		return errors.Mark(errors.Wrapf(err, "locks %v", lockKeys), store.ErrConflict)
	}
	return err
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(context.Context, store.View) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(ctx, &tx{txn: txn})
	})
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return errors.Wrap(err, "release record sequence")
	}
	return s.db.Close()
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	l *zap.SugaredLogger
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Errorf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warnf(f, v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Debugf(f, v...) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Debugf(f, v...) }

// ordered renders a signed integer so that byte order matches numeric order.
func ordered(n int64) string {
	return fmt.Sprintf("%020d", uint64(n)^(1<<63))
}

func unordered(s string) (int64, error) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed ordered key %q", s)
	}
	return int64(u ^ (1 << 63)), nil
}
