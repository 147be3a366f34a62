// Copyright 2025 James Ross
package reaper

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jross/workitem-queue/internal/adapter/sqlitestore"
	"github.com/jross/workitem-queue/internal/workitem"
)

func TestSweeperRecoversOrphan(t *testing.T) {
	dir := t.TempDir()
	b, err := sqlitestore.Open(filepath.Join(dir, "work_items.db"), "default", filepath.Join(dir, "files"))
	require.NoError(t, err)
	defer b.Close()

	ctx := t.Context()
	id, err := b.SeedInput(ctx, nil, "", nil, "")
	require.NoError(t, err)
	_, err = b.ReserveInput(ctx)
	require.NoError(t, err)

	// SQLite's CURRENT_TIMESTAMP has only second resolution.
	time.Sleep(1100 * time.Millisecond)

	s := New(b, 0, zap.NewNop(), "sqlite", "default")
	s.scanOnce(ctx)

	reserved, err := b.ReserveInput(ctx)
	require.NoError(t, err)
	require.Equal(t, id, reserved, "recovered item should be reservable again")
	require.NoError(t, b.ReleaseInput(ctx, reserved, workitem.Completed, nil))
}
