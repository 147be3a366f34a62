// Copyright 2025 James Ross
package sqlitestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jross/workitem-queue/internal/adapter"
	"github.com/jross/workitem-queue/internal/adapter/conformance"
	"github.com/jross/workitem-queue/internal/workitem"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	dir := t.TempDir()
	b, err := Open(filepath.Join(dir, "work_items.db"), "default", filepath.Join(dir, "files"))
	require.NoError(t, err)
	return b
}

func TestConformance(t *testing.T) {
	suite := &conformance.Suite{
		New: func(t *testing.T) adapter.Adapter { return newTestBackend(t) },
		// SQLite's CURRENT_TIMESTAMP has only second resolution.
		OrphanSleep:   1100 * time.Millisecond,
		OrphanTimeout: 0,
	}
	suite.Run(t)
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "work_items.db")
	b1, err := Open(path, "default", filepath.Join(dir, "files"))
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	b2, err := Open(path, "default", filepath.Join(dir, "files"))
	require.NoError(t, err)
	defer b2.Close()

	version, err := b2.currentVersion(t.Context())
	require.NoError(t, err)
	require.Equal(t, schemaVersion, version)
}

func TestReleaseInputRequiresExceptionOnFailed(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()
	ctx := t.Context()

	id, err := b.SeedInput(ctx, nil, "", nil, "")
	require.NoError(t, err)
	_, err = b.ReserveInput(ctx)
	require.NoError(t, err)

	err = b.ReleaseInput(ctx, id, workitem.Failed, nil)
	require.ErrorIs(t, err, adapter.ErrInvalidArgument)
}
