package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
	"github.com/gyaneshwarpardhi/provgraph/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(Options{InMemory: true})
		require.NoError(t, err)
		return s
	})
}

func TestOrderedKeysSortNumerically(t *testing.T) {
	values := []int64{-5, -1, 0, 1, 9, 10, 1 << 40}
	for i := 1; i < len(values); i++ {
		assert.Less(t, ordered(values[i-1]), ordered(values[i]))
	}
	for _, v := range values {
		got, err := unordered(ordered(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	put := func(s *Store, id string) int64 {
		r := &ledger.Record{ID: id, EventID: "evt_1", Transformation: ledger.Ingested}
		require.NoError(t, s.Update(ctx, nil, func(ctx context.Context, tx store.Tx) error {
			return tx.PutRecord(ctx, r)
		}))
		return r.Seq
	}

	s, err := Open(Options{Path: dir, Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	first := put(s, "rec_1")
	require.NoError(t, s.Close())

	s, err = Open(Options{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	second := put(s, "rec_2")
	assert.Greater(t, second, first)

	require.NoError(t, s.View(ctx, func(ctx context.Context, v store.View) error {
		head, err := v.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, second, head)
		return nil
	}))
}
