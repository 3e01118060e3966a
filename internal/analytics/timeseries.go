package analytics

import (
	"context"
	"time"

	"github.com/gyaneshwarpardhi/provgraph/internal/condition"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

// TimeSeriesQuery counts observations of live entities matching Filter in
// fixed-width buckets over [From, To).
type TimeSeriesQuery struct {
	Filter string        `json:"filter"`
	Bucket time.Duration `json:"bucket"`
	From   time.Time     `json:"from"`
	To     time.Time     `json:"to"`
}

// Bucket is one time slot. Observations counts distinct (entity, event)
// pairs observed in the slot; Entities counts distinct entities among them.
type Bucket struct {
	Start        time.Time `json:"bucket_start"`
	Observations int       `json:"observations"`
	Entities     int       `json:"entities"`
}

// TimeSeries is the answer to a TimeSeriesQuery.
type TimeSeries struct {
	Filter  string   `json:"filter"`
	Bucket  string   `json:"bucket"`
	Buckets []Bucket `json:"buckets"`
}

// TimeSeries runs q. Buckets start at From truncated to the bucket width
// (UTC) and every bucket in range is returned, empty ones included.
func (a *Aggregator) TimeSeries(ctx context.Context, q TimeSeriesQuery) (TimeSeries, error) {
	if q.Bucket <= 0 {
		return TimeSeries{}, invalid("bucket width must be positive")
	}
	if q.From.IsZero() || q.To.IsZero() {
		return TimeSeries{}, invalid("from and to are required")
	}
	if !q.From.Before(q.To) {
		return TimeSeries{}, invalid("from must be before to")
	}
	q.From, q.To = q.From.UTC(), q.To.UTC()
	start := q.From.Truncate(q.Bucket)
	n := int((q.To.Sub(start) + q.Bucket - 1) / q.Bucket)
	if n > a.opts.MaxBuckets {
		return TimeSeries{}, invalid("%d buckets exceed the maximum of %d", n, a.opts.MaxBuckets)
	}
	filter, err := condition.Compile(q.Filter)
	if err != nil {
		return TimeSeries{}, errors.Mark(errors.Wrap(err, "filter"), ErrInvalidQuery)
	}

	return run(ctx, a, "timeseries", q, func(ctx context.Context, v store.View) (TimeSeries, error) {
		ts := TimeSeries{Filter: filter.String(), Bucket: q.Bucket.String(), Buckets: make([]Bucket, n)}
		for i := range ts.Buckets {
			ts.Buckets[i].Start = start.Add(time.Duration(i) * q.Bucket)
		}

		err := eachLive(ctx, v, func(view graph.View) error {
			ok, err := filter.Match(newEntityFields(view))
			if err != nil || !ok {
				return err
			}
			events := make(map[string]int) // event id -> bucket
			for _, obs := range view.Attributes {
				for _, o := range obs {
					t := o.ObservedAt.UTC()
					if t.Before(q.From) || !t.Before(q.To) {
						continue
					}
					events[o.EventID] = int(t.Sub(start) / q.Bucket)
				}
			}
			touched := make(map[int]bool)
			for _, i := range events {
				ts.Buckets[i].Observations++
				touched[i] = true
			}
			for i := range touched {
				ts.Buckets[i].Entities++
			}
			return nil
		})
		return ts, err
	})
}

// eachLive calls fn with the merged view of every live entity, in id order.
func eachLive(ctx context.Context, v store.View, fn func(graph.View) error) error {
	after := ""
	for {
		page, err := v.Entities(ctx, graph.EntityQuery{After: after, Limit: 256})
		if err != nil {
			return err
		}
		for _, e := range page {
			view, err := graph.MergedView(ctx, v, e.ID)
			if err != nil {
				return errors.Wrapf(err, "view of %s", e.ID)
			}
			if err := fn(view); err != nil {
				return err
			}
		}
		if len(page) < 256 {
			return nil
		}
		after = page[len(page)-1].ID
	}
}
