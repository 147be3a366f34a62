// Copyright 2025 James Ross

// Package conformance is a shared adapter test suite run against every
// backend (sqlite, redis; docdb is exercised separately since it needs a
// live cluster). It encodes the end-to-end scenarios from spec.md section 8.
package conformance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jross/workitem-queue/internal/adapter"
	"github.com/jross/workitem-queue/internal/workitem"
)

// Suite runs the cross-backend conformance scenarios against any
// adapter.Adapter. Callers build a fresh backend per test (New) so state
// never leaks between scenarios.
type Suite struct {
	New func(t *testing.T) adapter.Adapter

	// OrphanSleep and OrphanTimeout let each backend account for its own
	// reserved_at clock resolution (SQLite's CURRENT_TIMESTAMP is
	// second-granular; the KV and document backends store sub-second
	// timestamps). Defaults to a 5ms sleep / 1ms timeout suited to the
	// finer-grained backends.
	OrphanSleep   time.Duration
	OrphanTimeout time.Duration
}

func (s *Suite) orphanSleep() time.Duration {
	if s.OrphanSleep > 0 {
		return s.OrphanSleep
	}
	return 5 * time.Millisecond
}

func (s *Suite) orphanTimeout() time.Duration {
	if s.OrphanTimeout > 0 {
		return s.OrphanTimeout
	}
	return time.Millisecond
}

func (s *Suite) backend(t *testing.T) adapter.Adapter {
	t.Helper()
	return s.New(t)
}

// Run executes every scenario as a subtest.
func (s *Suite) Run(t *testing.T) {
	t.Run("FIFOOverOneWorker", s.testFIFOOverOneWorker)
	t.Run("ReleaseAsFailed", s.testReleaseAsFailed)
	t.Run("OutputIsolation", s.testOutputIsolation)
	t.Run("OrphanRecovery", s.testOrphanRecovery)
	t.Run("HybridFileStorage", s.testHybridFileStorage)
	t.Run("FilenameBoundaries", s.testFilenameBoundaries)
	t.Run("RoundTripPayload", s.testRoundTripPayload)
}

// testFIFOOverOneWorker is end-to-end scenario 1: seed 5 items, reserve them
// in creation order, and expect EmptyQueue on the sixth call.
func (s *Suite) testFIFOOverOneWorker(t *testing.T) {
	ctx := context.Background()
	b := s.backend(t)
	defer b.Close()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := b.SeedInput(ctx, map[string]interface{}{"i": i}, "", nil, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for i := 0; i < 5; i++ {
		got, err := b.ReserveInput(ctx)
		require.NoError(t, err)
		require.Equal(t, ids[i], got, "reservation %d out of FIFO order", i)
	}

	_, err := b.ReserveInput(ctx)
	require.ErrorIs(t, err, adapter.ErrEmptyQueue)
}

// testReleaseAsFailed is scenario 2.
func (s *Suite) testReleaseAsFailed(t *testing.T) {
	ctx := context.Background()
	b := s.backend(t)
	defer b.Close()

	id, err := b.SeedInput(ctx, map[string]interface{}{}, "", nil, "")
	require.NoError(t, err)

	reserved, err := b.ReserveInput(ctx)
	require.NoError(t, err)
	require.Equal(t, id, reserved)

	err = b.ReleaseInput(ctx, id, workitem.Failed, &workitem.Exception{Type: "ValueError", Message: "bad"})
	require.NoError(t, err)

	_, err = b.ReserveInput(ctx)
	require.ErrorIs(t, err, adapter.ErrEmptyQueue)
}

// testOutputIsolation is scenario 3: an output never feeds back into its own
// input queue's reservation.
func (s *Suite) testOutputIsolation(t *testing.T) {
	ctx := context.Background()
	b := s.backend(t)
	defer b.Close()

	id, err := b.SeedInput(ctx, map[string]interface{}{}, "", nil, "")
	require.NoError(t, err)

	reserved, err := b.ReserveInput(ctx)
	require.NoError(t, err)
	require.Equal(t, id, reserved)

	_, err = b.CreateOutput(ctx, reserved, map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	_, err = b.ReserveInput(ctx)
	require.ErrorIs(t, err, adapter.ErrEmptyQueue)
}

// testOrphanRecovery is scenario 4. Since recovery is timeout-relative to
// "now", this uses a near-zero timeout rather than mutating reserved_at
// directly (which backends don't expose) to force immediate expiry.
func (s *Suite) testOrphanRecovery(t *testing.T) {
	ctx := context.Background()
	b := s.backend(t)
	defer b.Close()

	id, err := b.SeedInput(ctx, map[string]interface{}{}, "", nil, "")
	require.NoError(t, err)

	reserved, err := b.ReserveInput(ctx)
	require.NoError(t, err)
	require.Equal(t, id, reserved)

	time.Sleep(s.orphanSleep())
	recovered, err := b.RecoverOrphanedWorkItems(ctx, s.orphanTimeout())
	require.NoError(t, err)
	require.Contains(t, recovered, id)

	again, err := b.ReserveInput(ctx)
	require.NoError(t, err)
	require.Equal(t, id, again)
}

// testHybridFileStorage is scenario 5.
func (s *Suite) testHybridFileStorage(t *testing.T) {
	ctx := context.Background()
	b := s.backend(t)
	defer b.Close()

	id, err := b.SeedInput(ctx, map[string]interface{}{}, "", nil, "")
	require.NoError(t, err)

	small := []byte("hello")
	big := make([]byte, 2_000_000)
	for i := range big {
		big[i] = byte(i % 256)
	}

	require.NoError(t, b.AddFile(ctx, id, "small.txt", small))
	require.NoError(t, b.AddFile(ctx, id, "big.bin", big))

	names, err := b.ListFiles(ctx, id)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"small.txt", "big.bin"}, names)

	gotSmall, err := b.GetFile(ctx, id, "small.txt")
	require.NoError(t, err)
	require.Equal(t, small, gotSmall)

	gotBig, err := b.GetFile(ctx, id, "big.bin")
	require.NoError(t, err)
	require.Equal(t, big, gotBig)

	require.NoError(t, b.RemoveFile(ctx, id, "small.txt"))
	names, err = b.ListFiles(ctx, id)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"big.bin"}, names)
}

// testFilenameBoundaries covers the 255/256 byte filename edge and the
// duplicate-file rejection.
func (s *Suite) testFilenameBoundaries(t *testing.T) {
	ctx := context.Background()
	b := s.backend(t)
	defer b.Close()

	id, err := b.SeedInput(ctx, map[string]interface{}{}, "", nil, "")
	require.NoError(t, err)

	name255 := make([]byte, 255)
	for i := range name255 {
		name255[i] = 'a'
	}
	require.NoError(t, b.AddFile(ctx, id, string(name255), []byte("x")))

	name256 := string(name255) + "a"
	err = b.AddFile(ctx, id, name256, []byte("x"))
	require.ErrorIs(t, err, adapter.ErrInvalidArgument)

	err = b.AddFile(ctx, id, string(name255), []byte("y"))
	require.ErrorIs(t, err, adapter.ErrFileExists)

	err = b.AddFile(ctx, id, "bad/name.txt", []byte("x"))
	require.ErrorIs(t, err, adapter.ErrInvalidArgument)
}

// testRoundTripPayload is scenario/property: create_output(P) then
// load_payload returns P modulo JSON round-trip.
func (s *Suite) testRoundTripPayload(t *testing.T) {
	ctx := context.Background()
	b := s.backend(t)
	defer b.Close()

	payload := map[string]interface{}{"a": float64(1), "b": []interface{}{"x", "y"}}
	id, err := b.CreateOutput(ctx, "", payload)
	require.NoError(t, err)

	got, err := b.LoadPayload(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.NoError(t, b.SavePayload(ctx, id, map[string]interface{}{"c": float64(2)}))
	got, err = b.LoadPayload(ctx, id)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"c": float64(2)}, got)
}
