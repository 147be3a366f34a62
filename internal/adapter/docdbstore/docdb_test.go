// Copyright 2025 James Ross

// These tests require a live MongoDB/DocumentDB-compatible cluster; they are
// skipped unless DOCDB_TEST_URI is set, mirroring how the original adapter's
// own test suite (workitems_tests/test_adapters.py) gates its DocumentDB
// fixtures behind a running server.
package docdbstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jross/workitem-queue/internal/adapter"
	"github.com/jross/workitem-queue/internal/adapter/conformance"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	uri := os.Getenv("DOCDB_TEST_URI")
	if uri == "" {
		t.Skip("DOCDB_TEST_URI not set; skipping document-store conformance")
	}
	ctx := t.Context()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	dbName := "workitem_queue_test"
	db := client.Database(dbName)
	t.Cleanup(func() { _ = db.Drop(ctx) })

	b, err := Open(ctx, client, db, "default", 1_000_000)
	require.NoError(t, err)
	return b
}

func TestConformance(t *testing.T) {
	suite := &conformance.Suite{
		New: func(t *testing.T) adapter.Adapter { return newTestBackend(t) },
	}
	suite.Run(t)
}

func TestSeedInputDuplicateCallID(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()
	ctx := t.Context()

	_, err := b.SeedInput(ctx, map[string]interface{}{}, "", nil, "call-x")
	require.NoError(t, err)

	_, err = b.SeedInput(ctx, map[string]interface{}{}, "", nil, "call-x")
	require.ErrorIs(t, err, adapter.ErrDuplicateCallID)
}
