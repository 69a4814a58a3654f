package tablemap_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.segmentstream.dev/client/mock"
	"go.segmentstream.dev/client/pool"
	"go.segmentstream.dev/client/rawclient"
	"go.segmentstream.dev/client/stream"
	"go.segmentstream.dev/client/tablemap"
	"go.segmentstream.dev/client/wire"
)

// storeManager adapts a *mock.SegmentStore to pool.Manager, completing the
// hello handshake on dial as a real endpoint would.
type storeManager struct{ store *mock.SegmentStore }

func (m storeManager) EstablishConnection(endpoint string) (wire.Connection, error) {
	var conn, err = m.store.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(&wire.Hello{HighVersion: wire.WireVersion, LowVersion: wire.OldestCompatibleVersion}); err != nil {
		return nil, err
	}
	if _, err := conn.Recv(); err != nil {
		return nil, err
	}
	return conn, nil
}
func (storeManager) IsValid(conn wire.Connection) bool { return conn.IsValid() }
func (storeManager) MaxConnections() int               { return 4 }

func testMetadataSegment() stream.ScopedSegment {
	return stream.ScopedSegment{Stream: stream.ScopedStream{Scope: "scope-a", Stream: "_metadata"}}
}

func newClient(t *testing.T) (*tablemap.Client, *mock.SegmentStore) {
	t.Helper()
	var store = mock.NewSegmentStore()
	var p = pool.New(storeManager{store})
	var raw = rawclient.New(p, "mock://store", nil)
	return tablemap.New(raw, testMetadataSegment(), ""), store
}

func TestPutUnconditionalThenGet(t *testing.T) {
	var client, _ = newClient(t)
	var ctx = context.Background()

	var v1, err = client.Put(ctx, []byte("k1"), []byte("v1"), -1)
	require.NoError(t, err)
	assert.Greater(t, v1, int64(0))

	var entry, gerr = client.Get(ctx, []byte("k1"))
	require.NoError(t, gerr)
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.Equal(t, v1, entry.Version)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	var client, _ = newClient(t)
	var _, err = client.Get(context.Background(), []byte("absent"))
	assert.ErrorIs(t, err, tablemap.ErrNotFound)
}

// TestPutConditionalConflict exercises spec §4.6: a caller racing another
// writer on the same key observes ErrBadKeyVersion and no mutation occurs.
func TestPutConditionalConflict(t *testing.T) {
	var client, _ = newClient(t)
	var ctx = context.Background()

	var v1, err = client.Put(ctx, []byte("owner"), []byte("reader-a"), -1)
	require.NoError(t, err)

	var _, err2 = client.Put(ctx, []byte("owner"), []byte("reader-b"), v1-1)
	assert.ErrorIs(t, err2, tablemap.ErrBadKeyVersion)

	var entry, _ = client.Get(ctx, []byte("owner"))
	assert.Equal(t, []byte("reader-a"), entry.Value)
}

// TestDeltaIterateShouldClearAfterCompaction exercises the compaction-driven
// cache-invalidation signal of spec §4.6.
func TestDeltaIterateShouldClearAfterCompaction(t *testing.T) {
	var client, store = newClient(t)
	var ctx = context.Background()

	_, _ = client.Put(ctx, []byte("k1"), []byte("v1"), -1)

	var entries, next, reachedEnd, shouldClear, err = client.DeltaIterate(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.True(t, reachedEnd)
	assert.False(t, shouldClear)

	store.CompactTable(testMetadataSegment().String())

	var _, _, _, shouldClear2, err2 = client.DeltaIterate(ctx, next, 100)
	require.NoError(t, err2)
	assert.True(t, shouldClear2)
}
