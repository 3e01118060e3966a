// Package engine runs ingestion: the Pipeline that turns a submission into
// ledger records and graph state in one transaction, and the Engine that
// feeds it from a bounded worker pool.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
	"github.com/gyaneshwarpardhi/provgraph/internal/metrics"
)

// ErrQueueFull is returned when the ingestion queue has no free slot.
var ErrQueueFull = errors.New("engine: ingestion queue full")

// ErrTimeout is returned when a synchronous ingestion outlives event_timeout_ms.
// The event may still be ingested afterwards; resubmitting it is safe.
var ErrTimeout = errors.New("engine: ingestion timed out")

// Engine feeds submissions to the pipeline through a worker pool.
type Engine struct {
	pipeline *Pipeline
	pool     *workerPool[event.Submission, Outcome]
	conf     config.EngineConf
	log      *zap.SugaredLogger
}

// New creates an Engine using conf and starts the worker pool.
func New(ctx context.Context, p *Pipeline, conf config.EngineConf) *Engine {
	e := &Engine{
		pipeline: p,
		conf:     conf,
		log:      logger.Named("engine"),
	}
	e.pool = newWorkerPool[event.Submission, Outcome](
		ctx,
		conf.Workers,
		conf.QueueDepth,
		p.Ingest,
	)
	return e
}

// Pipeline returns the pipeline behind the pool.
func (e *Engine) Pipeline() *Pipeline { return e.pipeline }

// ProcessSync ingests sub on the pool and waits for the outcome.
func (e *Engine) ProcessSync(ctx context.Context, sub event.Submission) (Outcome, error) {
	type result struct {
		out Outcome
		err error
	}
	resultC := make(chan result, 1)

	// The work outlives a caller that stops waiting; the transaction makes
	// either outcome safe.
	jctx := context.WithoutCancel(ctx)
	if !e.pool.Submit(jctx, sub, func(out Outcome, err error) { resultC <- result{out, err} }) {
		metrics.EventsDropped.Inc()
		return Outcome{}, errors.Wrapf(ErrQueueFull, "capacity %d", e.pool.QueueCap())
	}
	metrics.EventsEnqueued.Inc()
	e.updateUtilization()

	timeout := time.Duration(e.conf.EventTimeoutMs) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-resultC:
		return res.out, res.err
	case <-timer.C:
		return Outcome{}, errors.Wrapf(ErrTimeout, "after %v", timeout)
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// ProcessAsync enqueues sub for background ingestion. The job keeps ctx's
// values but not its cancellation, so it survives the request that queued it.
// done, when non-nil, is called with the outcome. Returns false if the queue
// is full.
func (e *Engine) ProcessAsync(ctx context.Context, sub event.Submission, done func(Outcome, error)) bool {
	if done == nil {
		done = func(out Outcome, err error) {
			if err != nil {
				e.log.Warnw("Async ingestion failed", "source_id", sub.SourceID, "error", err)
			}
		}
	}
	if !e.pool.Submit(context.WithoutCancel(ctx), sub, done) {
		metrics.EventsDropped.Inc()
		return false
	}
	metrics.EventsEnqueued.Inc()
	e.updateUtilization()
	return true
}

// QueueUtilization returns queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	return float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
}

func (e *Engine) updateUtilization() {
	metrics.QueueUtilization.Set(e.QueueUtilization())
}

// Shutdown drains the pool gracefully.
func (e *Engine) Shutdown() {
	e.pool.Drain()
}
