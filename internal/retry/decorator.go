// Copyright 2025 James Ross
package retry

import (
	"context"
	"time"

	"github.com/jross/workitem-queue/internal/adapter"
	"github.com/jross/workitem-queue/internal/breaker"
	"github.com/jross/workitem-queue/internal/config"
	"github.com/jross/workitem-queue/internal/workitem"
)

// GuardedAdapter wraps an adapter.Adapter with the bounded-retry/circuit-
// breaker pair every network-facing backend call goes through, the same
// protection the teacher's worker.go gives job processing. The embedded
// backend has no network hop to guard, so callers only wrap redis/docdb.
type GuardedAdapter struct {
	next adapter.Adapter
	cb   *breaker.CircuitBreaker
}

var _ adapter.Adapter = (*GuardedAdapter)(nil)

// Guard builds a GuardedAdapter from config, sizing the breaker from
// cfg.CircuitBreaker. The breaker reports its own state transitions into
// the CircuitBreakerState gauge under cfg.Adapter, so callers no longer
// need to poll State() themselves.
func Guard(next adapter.Adapter, cfg *config.Config) *GuardedAdapter {
	cb := breaker.New(cfg.Adapter, cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThresh, cfg.CircuitBreaker.MinSamples)
	return &GuardedAdapter{next: next, cb: cb}
}

func (g *GuardedAdapter) ReserveInput(ctx context.Context) (id string, err error) {
	err = Do(ctx, g.cb, func() error {
		var e error
		id, e = g.next.ReserveInput(ctx)
		return e
	})
	return id, err
}

func (g *GuardedAdapter) ReleaseInput(ctx context.Context, id string, state workitem.State, exception *workitem.Exception) error {
	return Do(ctx, g.cb, func() error {
		return g.next.ReleaseInput(ctx, id, state, exception)
	})
}

func (g *GuardedAdapter) CreateOutput(ctx context.Context, parentID string, payload interface{}) (id string, err error) {
	err = Do(ctx, g.cb, func() error {
		var e error
		id, e = g.next.CreateOutput(ctx, parentID, payload)
		return e
	})
	return id, err
}

func (g *GuardedAdapter) SeedInput(ctx context.Context, payload interface{}, parentID string, files map[string][]byte, callID string) (id string, err error) {
	err = Do(ctx, g.cb, func() error {
		var e error
		id, e = g.next.SeedInput(ctx, payload, parentID, files, callID)
		return e
	})
	return id, err
}

func (g *GuardedAdapter) LoadPayload(ctx context.Context, id string) (payload interface{}, err error) {
	err = Do(ctx, g.cb, func() error {
		var e error
		payload, e = g.next.LoadPayload(ctx, id)
		return e
	})
	return payload, err
}

func (g *GuardedAdapter) SavePayload(ctx context.Context, id string, payload interface{}) error {
	return Do(ctx, g.cb, func() error {
		return g.next.SavePayload(ctx, id, payload)
	})
}

func (g *GuardedAdapter) ListFiles(ctx context.Context, id string) (names []string, err error) {
	err = Do(ctx, g.cb, func() error {
		var e error
		names, e = g.next.ListFiles(ctx, id)
		return e
	})
	return names, err
}

func (g *GuardedAdapter) GetFile(ctx context.Context, id, name string) (content []byte, err error) {
	err = Do(ctx, g.cb, func() error {
		var e error
		content, e = g.next.GetFile(ctx, id, name)
		return e
	})
	return content, err
}

func (g *GuardedAdapter) AddFile(ctx context.Context, id, name string, content []byte) error {
	return Do(ctx, g.cb, func() error {
		return g.next.AddFile(ctx, id, name, content)
	})
}

func (g *GuardedAdapter) RemoveFile(ctx context.Context, id, name string) error {
	return Do(ctx, g.cb, func() error {
		return g.next.RemoveFile(ctx, id, name)
	})
}

func (g *GuardedAdapter) RecoverOrphanedWorkItems(ctx context.Context, timeout time.Duration) (ids []string, err error) {
	err = Do(ctx, g.cb, func() error {
		var e error
		ids, e = g.next.RecoverOrphanedWorkItems(ctx, timeout)
		return e
	})
	return ids, err
}

func (g *GuardedAdapter) Close() error { return g.next.Close() }

// PendingCount forwards to the wrapped backend's PendingCounter, if it has
// one, so a guarded backend still satisfies adapter.PendingCounter for the
// sweeper's queue-depth sampling.
func (g *GuardedAdapter) PendingCount(ctx context.Context) (n int, err error) {
	counter, ok := g.next.(adapter.PendingCounter)
	if !ok {
		return 0, nil
	}
	err = Do(ctx, g.cb, func() error {
		var e error
		n, e = counter.PendingCount(ctx)
		return e
	})
	return n, err
}
