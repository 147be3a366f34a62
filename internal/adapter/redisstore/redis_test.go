// Copyright 2025 James Ross
package redisstore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jross/workitem-queue/internal/adapter"
	"github.com/jross/workitem-queue/internal/adapter/conformance"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b, err := Open(rdb, "default", t.TempDir(), defaultInlineThreshold, rdb.Close)
	require.NoError(t, err)
	return b
}

func TestConformance(t *testing.T) {
	suite := &conformance.Suite{
		New: func(t *testing.T) adapter.Adapter { return newTestBackend(t) },
	}
	suite.Run(t)
}

func TestAddFileRejectsOversize(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()
	ctx := t.Context()

	id, err := b.SeedInput(ctx, nil, "", nil, "")
	require.NoError(t, err)

	oversize := make([]byte, adapter.MaxFileBytes+1)
	err = b.AddFile(ctx, id, "too-big.bin", oversize)
	require.ErrorIs(t, err, adapter.ErrInvalidArgument)
}

func TestReleaseInputRejectsBadState(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()
	ctx := t.Context()

	id, err := b.SeedInput(ctx, nil, "", nil, "")
	require.NoError(t, err)
	_, err = b.ReserveInput(ctx)
	require.NoError(t, err)

	err = b.ReleaseInput(ctx, id, "BOGUS", nil)
	require.ErrorIs(t, err, adapter.ErrInvalidArgument)
}
