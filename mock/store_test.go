package mock_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.segmentstream.dev/client/mock"
	"go.segmentstream.dev/client/stream"
	"go.segmentstream.dev/client/wire"
)

func testSegment() stream.ScopedSegment {
	return stream.ScopedSegment{
		Stream: stream.ScopedStream{Scope: "scope-a", Stream: "stream-a"},
		Number: 0,
		Epoch:  0,
	}
}

func dialAndHello(t *testing.T, store *mock.SegmentStore) *mock.Conn {
	t.Helper()
	var conn, err = store.Dial("mock://store")
	require.NoError(t, err)
	require.NoError(t, conn.Send(&wire.Hello{HighVersion: wire.WireVersion, LowVersion: wire.OldestCompatibleVersion}))
	var reply, rerr = conn.Recv()
	require.NoError(t, rerr)
	require.IsType(t, &wire.Hello{}, reply)
	return conn
}

// TestAppendAndReadRoundTrip exercises scenario S1 of spec §8: a single
// append followed by a read returns exactly the bytes written.
func TestAppendAndReadRoundTrip(t *testing.T) {
	var store = mock.NewSegmentStore()
	var conn = dialAndHello(t, store)
	var writerID = uuid.New()
	var seg = testSegment()

	require.NoError(t, conn.Send(&wire.SetupAppend{RequestID: 1, WriterID: writerID, Segment: seg, DelegationToken: ""}))
	var setupReply, _ = conn.Recv()
	var setup = setupReply.(*wire.AppendSetup)
	assert.Equal(t, wire.NoEventNumber, setup.LastEventNumber)

	require.NoError(t, conn.Send(&wire.AppendBlockEnd{
		RequestID: 2, WriterID: writerID, SizeOfWholeEvents: 5, Data: []byte("hello"), NumEvents: 1, LastEventNumber: 0,
	}))
	var ackReply, _ = conn.Recv()
	var ack = ackReply.(*wire.DataAppended)
	assert.Equal(t, int64(0), ack.EventNumber)
	assert.Equal(t, int64(5), ack.CurrentSegmentWriteOffset)

	require.NoError(t, conn.Send(&wire.ReadSegment{RequestID: 3, Segment: seg, Offset: 0, SuggestedLength: 1024}))
	var readReply, _ = conn.Recv()
	var read = readReply.(*wire.SegmentRead)
	assert.Equal(t, []byte("hello"), read.Data)
	assert.True(t, read.AtTail)
}

// TestAppendRejectedAfterSeal exercises scenario S2/S7 of spec §8: once a
// segment is scripted to seal, further appends fail with SegmentIsSealed.
func TestAppendRejectedAfterSeal(t *testing.T) {
	var store = mock.NewSegmentStore()
	var seg = testSegment()
	store.SetBehavior(seg.String(), mock.SegmentBehavior{SealAfterAppends: 1})

	var conn = dialAndHello(t, store)
	var writerID = uuid.New()

	require.NoError(t, conn.Send(&wire.SetupAppend{RequestID: 1, WriterID: writerID, Segment: seg}))
	_, _ = conn.Recv()

	require.NoError(t, conn.Send(&wire.AppendBlockEnd{RequestID: 2, WriterID: writerID, Data: []byte("a"), NumEvents: 1, LastEventNumber: 0}))
	var first, _ = conn.Recv()
	assert.IsType(t, &wire.DataAppended{}, first)

	require.NoError(t, conn.Send(&wire.AppendBlockEnd{RequestID: 3, WriterID: writerID, Data: []byte("b"), NumEvents: 1, LastEventNumber: 1}))
	var second, _ = conn.Recv()
	assert.IsType(t, &wire.SegmentIsSealed{}, second)
}

// TestTableMapConditionalPut exercises spec §4.6's conditional update
// semantics: an unconditional put (-1) always succeeds; a put with a stale
// version fails with BadKeyVersion and applies no mutation.
func TestTableMapConditionalPut(t *testing.T) {
	var store = mock.NewSegmentStore()
	var conn = dialAndHello(t, store)
	var seg = testSegment()

	require.NoError(t, conn.Send(&wire.UpdateTableEntries{
		RequestID: 1, Segment: seg,
		TableEntries: []wire.TableEntry{{Key: []byte("k1"), KeyVersion: -1, Value: []byte("v1")}},
	}))
	var first, _ = conn.Recv()
	var updated = first.(*wire.TableEntriesUpdated)
	require.Len(t, updated.UpdatedVersions, 1)
	var v1 = updated.UpdatedVersions[0]

	// Stale version is rejected.
	require.NoError(t, conn.Send(&wire.UpdateTableEntries{
		RequestID: 2, Segment: seg,
		TableEntries: []wire.TableEntry{{Key: []byte("k1"), KeyVersion: v1 - 1, Value: []byte("v2")}},
	}))
	var second, _ = conn.Recv()
	assert.IsType(t, &wire.BadKeyVersion{}, second)

	// Correct version succeeds.
	require.NoError(t, conn.Send(&wire.UpdateTableEntries{
		RequestID: 3, Segment: seg,
		TableEntries: []wire.TableEntry{{Key: []byte("k1"), KeyVersion: v1, Value: []byte("v2")}},
	}))
	var third, _ = conn.Recv()
	assert.IsType(t, &wire.TableEntriesUpdated{}, third)
}

// TestTableMapDeltaIterate exercises spec §4.6's delta-iteration and
// compaction-driven shouldClear semantics.
func TestTableMapDeltaIterate(t *testing.T) {
	var store = mock.NewSegmentStore()
	var conn = dialAndHello(t, store)
	var seg = testSegment()

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.Send(&wire.UpdateTableEntries{
			RequestID: int64(i + 1), Segment: seg,
			TableEntries: []wire.TableEntry{{Key: []byte{byte('a' + i)}, KeyVersion: -1, Value: []byte("v")}},
		}))
		_, _ = conn.Recv()
	}

	require.NoError(t, conn.Send(&wire.ReadTableEntriesDelta{RequestID: 10, Segment: seg, FromPosition: 0, SuggestedEntryCount: 2}))
	var firstReply, _ = conn.Recv()
	var first = firstReply.(*wire.TableEntriesDeltaRead)
	assert.Len(t, first.Entries, 2)
	assert.False(t, first.ReachedEnd)
	assert.False(t, first.ShouldClear)

	require.NoError(t, conn.Send(&wire.ReadTableEntriesDelta{RequestID: 11, Segment: seg, FromPosition: first.LastPosition, SuggestedEntryCount: 10}))
	var secondReply, _ = conn.Recv()
	var second = secondReply.(*wire.TableEntriesDeltaRead)
	assert.Len(t, second.Entries, 1)
	assert.True(t, second.ReachedEnd)

	store.CompactTable(seg.String())

	require.NoError(t, conn.Send(&wire.ReadTableEntriesDelta{RequestID: 12, Segment: seg, FromPosition: 0, SuggestedEntryCount: 10}))
	var thirdReply, _ = conn.Recv()
	var third = thirdReply.(*wire.TableEntriesDeltaRead)
	assert.True(t, third.ShouldClear)
}
