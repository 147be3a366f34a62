// Copyright 2025 James Ross

// Package reaper periodically recovers orphaned work items: RESERVED items
// whose worker died before releasing them. It wraps any adapter.Adapter, so
// the same sweeper runs unchanged over the embedded, KV, or document
// backend -- generalized from the teacher's Redis-list-specific reaper
// (which scanned processing lists and worker heartbeat keys directly) into
// one that simply calls the contract's RecoverOrphanedWorkItems.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jross/workitem-queue/internal/adapter"
	"github.com/jross/workitem-queue/internal/obs"
)

// Metrics for recovered items are incremented by the adapter itself
// (internal/obs.OrphansRecovered), since the CLI's recover command also
// calls RecoverOrphanedWorkItems directly without going through a Sweeper.

// defaultScanInterval is how often the sweeper polls for orphans; it is
// independent of the orphan timeout itself (how stale a reservation must be
// before it's recovered).
const defaultScanInterval = 5 * time.Second

// Sweeper wraps an adapter.Adapter and calls RecoverOrphanedWorkItems on a
// ticker, logging recovered ids. backend/queue label the queue-depth gauge
// it samples each scan when the adapter satisfies adapter.PendingCounter.
type Sweeper struct {
	adapter      adapter.Adapter
	timeout      time.Duration
	scanInterval time.Duration
	log          *zap.Logger
	backend      string
	queue        string
}

// New builds a Sweeper. timeout is the orphan cutoff (spec default 30
// minutes, from RC_WORKITEM_ORPHAN_TIMEOUT_MINUTES); the scan cadence is
// fixed at defaultScanInterval, matching the teacher's reaper loop.
func New(a adapter.Adapter, timeout time.Duration, log *zap.Logger, backend, queue string) *Sweeper {
	return &Sweeper{adapter: a, timeout: timeout, scanInterval: defaultScanInterval, log: log, backend: backend, queue: queue}
}

// Run blocks, scanning on scanInterval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Sweeper) scanOnce(ctx context.Context) {
	ids, err := s.adapter.RecoverOrphanedWorkItems(ctx, s.timeout)
	if err != nil {
		s.log.Warn("orphan recovery scan failed", obs.Err(err))
		return
	}
	for _, id := range ids {
		s.log.Warn("recovered orphaned work item", obs.String("id", id))
	}

	if counter, ok := s.adapter.(adapter.PendingCounter); ok {
		if n, err := counter.PendingCount(ctx); err == nil {
			obs.QueueDepth.WithLabelValues(s.backend, s.queue).Set(float64(n))
		}
	}
}
