package engine

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/ledger"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
	"github.com/gyaneshwarpardhi/provgraph/internal/store"
)

// Finding is one traceability violation.
type Finding struct {
	EntityID string `json:"entity_id"`
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// AuditReport summarizes a traceability audit.
type AuditReport struct {
	Entities     int       `json:"entities"`
	Records      int       `json:"records"`
	Observations int       `json:"observations"`
	Findings     []Finding `json:"findings"`
}

// OK reports whether the audit found nothing.
func (r AuditReport) OK() bool { return len(r.Findings) == 0 }

// Audit walks the history of every entity and traces every observation back
// to its ingested roots. Lineage violations are collected as findings; any
// other error aborts the audit. Entities are checked concurrently, each in
// its own snapshot.
func Audit(ctx context.Context, s store.Store, l *ledger.Ledger, parallel int) (AuditReport, error) {
	if parallel <= 0 {
		parallel = 4
	}
	log := logger.Named("audit")

	var (
		mu     sync.Mutex
		report AuditReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	after := ""
	for {
		var page []graph.Entity
		err := s.View(ctx, func(ctx context.Context, v store.View) error {
			var err error
			page, err = v.Entities(ctx, graph.EntityQuery{IncludeDead: true, After: after, Limit: 256})
			return err
		})
		if err != nil {
			return AuditReport{}, errors.Wrap(err, "list entities")
		}
		for _, e := range page {
			id := e.ID
			g.Go(func() error {
				part, err := auditEntity(gctx, s, l, id)
				if err != nil {
					return err
				}
				mu.Lock()
				report.Entities++
				report.Records += part.Records
				report.Observations += part.Observations
				report.Findings = append(report.Findings, part.Findings...)
				mu.Unlock()
				return nil
			})
		}
		if len(page) < 256 {
			break
		}
		after = page[len(page)-1].ID
	}
	if err := g.Wait(); err != nil {
		return AuditReport{}, err
	}
	sort.Slice(report.Findings, func(i, j int) bool {
		if report.Findings[i].EntityID != report.Findings[j].EntityID {
			return report.Findings[i].EntityID < report.Findings[j].EntityID
		}
		return report.Findings[i].RecordID < report.Findings[j].RecordID
	})
	log.Infow("Audit finished",
		"entities", report.Entities,
		"records", report.Records,
		"findings", len(report.Findings),
	)
	return report, nil
}

func auditEntity(ctx context.Context, s store.Store, l *ledger.Ledger, id string) (AuditReport, error) {
	var part AuditReport
	err := s.View(ctx, func(ctx context.Context, v store.View) error {
		for _, err := range l.History(ctx, v, id) {
			if finding, ok := lineageFinding(id, err); ok {
				part.Findings = append(part.Findings, finding)
				break
			}
			if err != nil {
				return err
			}
			part.Records++
		}

		e, err := v.Entity(ctx, id)
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		for _, obs := range e.Attributes {
			for _, o := range obs {
				part.Observations++
				if seen[o.RecordID] {
					continue
				}
				seen[o.RecordID] = true
				roots, err := l.Trace(ctx, v, o.RecordID)
				if finding, ok := lineageFinding(id, err); ok {
					part.Findings = append(part.Findings, finding)
					continue
				}
				if errors.Is(err, errors.ErrNotFound) {
					part.Findings = append(part.Findings, Finding{EntityID: id, RecordID: o.RecordID, Reason: "observation references a missing record"})
					continue
				}
				if err != nil {
					return err
				}
				if len(roots) == 0 {
					part.Findings = append(part.Findings, Finding{EntityID: id, RecordID: o.RecordID, Reason: "observation has no ingested root"})
				}
			}
		}
		return nil
	})
	return part, err
}

func lineageFinding(entityID string, err error) (Finding, bool) {
	var cle *ledger.CorruptLineageError
	if errors.As(err, &cle) {
		return Finding{EntityID: entityID, RecordID: cle.RecordID, Reason: cle.Reason}, true
	}
	return Finding{}, false
}
