// Copyright 2025 James Ross
package adapter

import (
	"context"
	"time"

	"github.com/jross/workitem-queue/internal/config"
	"github.com/jross/workitem-queue/internal/workitem"
)

// Adapter is the polymorphic contract every backend (embedded SQL, KV,
// document store) satisfies. Callers hold this interface and never see
// backend-specific types; the factory in registry.go selects an
// implementation from configuration.
type Adapter interface {
	// ReserveInput atomically reserves the oldest PENDING item on the
	// adapter's input queue, returning ErrEmptyQueue if none exist.
	ReserveInput(ctx context.Context) (string, error)

	// ReleaseInput transitions a RESERVED item to a terminal state.
	// exception must be non-nil iff state is workitem.Failed.
	ReleaseInput(ctx context.Context, id string, state workitem.State, exception *workitem.Exception) error

	// CreateOutput inserts a new PENDING item into the caller's output
	// queue. parentID may be empty for a root item.
	CreateOutput(ctx context.Context, parentID string, payload interface{}) (string, error)

	// SeedInput inserts a new PENDING item into the input queue, optionally
	// attaching files and a deduplication callID. Backends that don't
	// support callID deduplication accept and ignore any callID.
	SeedInput(ctx context.Context, payload interface{}, parentID string, files map[string][]byte, callID string) (string, error)

	LoadPayload(ctx context.Context, id string) (interface{}, error)
	SavePayload(ctx context.Context, id string, payload interface{}) error

	ListFiles(ctx context.Context, id string) ([]string, error)
	GetFile(ctx context.Context, id, name string) ([]byte, error)
	AddFile(ctx context.Context, id, name string, content []byte) error
	RemoveFile(ctx context.Context, id, name string) error

	// RecoverOrphanedWorkItems resets RESERVED items whose reserved_at is
	// older than now-timeout back to PENDING, returning the recovered ids.
	RecoverOrphanedWorkItems(ctx context.Context, timeout time.Duration) ([]string, error)

	Close() error
}

// Factory constructs an Adapter from a fully-loaded config. Each backend
// package registers its own factory in init().
type Factory func(ctx context.Context, cfg *config.Config) (Adapter, error)

// PendingCounter is an optional capability: backends that can cheaply count
// PENDING items implement it so the sweeper can sample workitem_queue_depth.
// All three backends satisfy it; callers type-assert for it rather than
// widening Adapter itself.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}
