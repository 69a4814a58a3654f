package reader_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.segmentstream.dev/client/mock"
	"go.segmentstream.dev/client/pool"
	"go.segmentstream.dev/client/rawclient"
	"go.segmentstream.dev/client/reader"
	"go.segmentstream.dev/client/stream"
	"go.segmentstream.dev/client/wire"
)

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

func testSegment() stream.ScopedSegment {
	return stream.ScopedSegment{Stream: stream.ScopedStream{Scope: "scope-a", Stream: "stream-a"}, Number: 0, Epoch: 0}
}

func seedEvents(t *testing.T, store *mock.SegmentStore, seg stream.ScopedSegment, events ...string) {
	t.Helper()
	var conn, err = store.Dial("mock://store")
	require.NoError(t, err)
	require.NoError(t, conn.Send(&wire.Hello{HighVersion: wire.WireVersion, LowVersion: wire.OldestCompatibleVersion}))
	_, _ = conn.Recv()

	var writerID = uuid.New()
	require.NoError(t, conn.Send(&wire.SetupAppend{WriterID: writerID, Segment: seg}))
	_, _ = conn.Recv()

	for i, e := range events {
		var framed = wire.EncodeEvent([]byte(e))
		require.NoError(t, conn.Send(&wire.AppendBlockEnd{
			RequestID: int64(i), WriterID: writerID, Data: framed, NumEvents: 1, LastEventNumber: int64(i),
		}))
		_, _ = conn.Recv()
	}
	require.NoError(t, conn.Close())
}

// TestReadYieldsWholeEvents exercises spec §4.7: a read decodes the
// segment's bytes into whole events regardless of how they were chunked.
func TestReadYieldsWholeEvents(t *testing.T) {
	var store = mock.NewSegmentStore()
	var seg = testSegment()
	seedEvents(t, store, seg, "alpha", "beta", "gamma")

	var p = pool.New(storeManager{store})
	var raw = rawclient.New(p, "mock://store", nil)
	var r = reader.NewSegmentReader(raw, nil, seg, 0)

	var slice, err = r.Read(context.Background())
	require.NoError(t, err)

	var got []string
	for {
		var e, ok = slice.Next()
		if !ok {
			break
		}
		got = append(got, string(e))
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, got)
}

// TestReadDecodesEventsOfDifferentLengths verifies that one read decodes
// consecutive events of different lengths in order. Both events fit in the
// reader's 64 KiB suggested length, so no partial event is carried over here.
func TestReadDecodesEventsOfDifferentLengths(t *testing.T) {
	var store = mock.NewSegmentStore()
	var seg = testSegment()
	seedEvents(t, store, seg, "first-event", "second-event")

	var p = pool.New(storeManager{store})
	var raw = rawclient.New(p, "mock://store", nil)
	var r = reader.NewSegmentReader(raw, nil, seg, 0)

	var slice, err = r.Read(context.Background())
	require.NoError(t, err)

	var got []string
	for {
		var e, ok = slice.Next()
		if !ok {
			break
		}
		got = append(got, string(e))
	}
	assert.Equal(t, []string{"first-event", "second-event"}, got)
}
