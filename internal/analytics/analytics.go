// Package analytics answers read-only questions over the materialized graph:
// time-bucketed observation counts, bounded neighbourhood traversal and
// ledger summaries. Every query runs in one read snapshot and never writes.
//
// Answers may be cached. A cache key carries the store version of the
// snapshot that produced the answer, and the version moves on every commit,
// so a cached answer is always the answer for the latest committed state it
// was keyed under.
package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
	"github.com/gyaneshwarpardhi/provgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

// ErrInvalidQuery marks queries rejected before touching the store, such as
// unbounded ranges or bad filters.
var ErrInvalidQuery = errors.New("analytics: invalid query")

func invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidQuery)
}

// Options bounds query sizes.
type Options struct {
	MaxBuckets int
	MaxDepth   int
	MaxNodes   int
	CacheTTL   time.Duration
}

// OptionsFromConfig maps the analytics and cache config sections.
func OptionsFromConfig(a config.AnalyticsConf, c config.CacheConf) Options {
	return Options{
		MaxBuckets: a.MaxBuckets,
		MaxDepth:   a.MaxDepth,
		MaxNodes:   a.MaxNodes,
		CacheTTL:   time.Duration(c.TTLSec) * time.Second,
	}
}

// Aggregator runs analytics queries.
type Aggregator struct {
	store store.Store
	cache Cache
	opts  Options
	group singleflight.Group
	log   *zap.SugaredLogger
}

// New returns an Aggregator. A nil cache disables caching.
func New(s store.Store, cache Cache, opts Options) *Aggregator {
	if cache == nil {
		cache = NopCache{}
	}
	if opts.MaxBuckets <= 0 {
		opts.MaxBuckets = 1000
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 5
	}
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = 1000
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	return &Aggregator{store: s, cache: cache, opts: opts, log: logger.Named("analytics")}
}

// Options returns the query bounds.
func (a *Aggregator) Options() Options { return a.opts }

// run answers q inside one snapshot, consulting the cache under a key bound
// to the snapshot's store version. Concurrent identical queries against the
// same version share one computation.
func run[T any](ctx context.Context, a *Aggregator, kind string, q any, compute func(context.Context, store.View) (T, error)) (T, error) {
	var out T
	err := a.store.View(ctx, func(ctx context.Context, v store.View) error {
		version, err := v.Version(ctx)
		if err != nil {
			return err
		}
		key, err := cacheKey(kind, q, version)
		if err != nil {
			return err
		}

		if b, ok, err := a.cache.Get(ctx, key); err != nil {
			a.log.Warnw("Analytics cache read failed", "key", key, "error", err)
		} else if ok {
			if err := json.Unmarshal(b, &out); err == nil {
				metrics.AnalyticsCache.WithLabelValues("hit").Inc()
				return nil
			}
			a.log.Warnw("Analytics cache entry unreadable", "key", key)
		}
		metrics.AnalyticsCache.WithLabelValues("miss").Inc()

		res, err, _ := a.group.Do(key, func() (any, error) {
			r, err := compute(ctx, v)
			if err != nil {
				return nil, err
			}
			if b, err := json.Marshal(r); err == nil {
				if err := a.cache.Set(ctx, key, b, a.opts.CacheTTL); err != nil {
					a.log.Warnw("Analytics cache write failed", "key", key, "error", err)
				}
			}
			return r, nil
		})
		if err != nil {
			return err
		}
		out = res.(T)
		return nil
	})
	return out, err
}

func cacheKey(kind string, q any, version string) (string, error) {
	b, err := json.Marshal(q)
	if err != nil {
		return "", errors.Wrap(err, "encode query")
	}
	sum := sha256.Sum256(b)
	return "provgraph:analytics:" + kind + ":" + hex.EncodeToString(sum[:16]) + ":" + version, nil
}
