package controller_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.segmentstream.dev/client/controller"
	"go.segmentstream.dev/client/stream"
)

func TestCreateStreamAndGetCurrentSegments(t *testing.T) {
	var fake = controller.NewFake()
	var ctx = context.Background()
	var s = stream.ScopedStream{Scope: "scope-a", Stream: "stream-a"}

	require.NoError(t, fake.CreateScope(ctx, "scope-a"))
	require.NoError(t, fake.CreateStream(ctx, s, 2))

	var segs, err = fake.GetCurrentSegments(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(0), segs.Epoch)
	require.Len(t, segs.Segments, 2)
	assert.Equal(t, 0.0, segs.Segments[0].KeyLo)
	assert.Equal(t, 1.0, segs.Segments[1].KeyHi)

	var endpoint, eerr = fake.GetEndpointForSegment(ctx, segs.Segments[0].ScopedSegment())
	require.NoError(t, eerr)
	assert.NotEmpty(t, endpoint)
}

func TestCreateStreamWithoutScopeFails(t *testing.T) {
	var fake = controller.NewFake()
	var err = fake.CreateStream(context.Background(), stream.ScopedStream{Scope: "missing", Stream: "s"}, 1)
	assert.Error(t, err)
}

// TestScaleProducesSuccessors exercises spec §4.7's segment-sealed /
// successor-handoff path: a reader hitting end-of-segment must discover the
// successor segments via GetSuccessors.
func TestScaleProducesSuccessors(t *testing.T) {
	var fake = controller.NewFake()
	var ctx = context.Background()
	var s = stream.ScopedStream{Scope: "scope-a", Stream: "stream-a"}
	require.NoError(t, fake.CreateScope(ctx, "scope-a"))
	require.NoError(t, fake.CreateStream(ctx, s, 1))

	var before, _ = fake.GetCurrentSegments(ctx, s)
	var pred = before.Segments[0].ScopedSegment()

	var successor = stream.Segment{Stream: s, Number: 1, KeyLo: 0, KeyHi: 1}
	fake.Scale(s, []stream.Segment{successor}, map[stream.ScopedSegment][]stream.Segment{pred: {successor}})

	var succs, err = fake.GetSuccessors(ctx, pred)
	require.NoError(t, err)
	require.Len(t, succs, 1)
	assert.Equal(t, int64(1), succs[0].Number)

	var after, _ = fake.GetCurrentSegments(ctx, s)
	assert.Equal(t, int64(1), after.Epoch)
}

func TestTransactionLifecycle(t *testing.T) {
	var fake = controller.NewFake()
	var ctx = context.Background()
	var s = stream.ScopedStream{Scope: "scope-a", Stream: "stream-a"}

	var txn, err = fake.CreateTransaction(ctx, s, 30000)
	require.NoError(t, err)

	require.NoError(t, fake.PingTransaction(ctx, txn, 30000))

	require.NoError(t, fake.CommitTransaction(ctx, txn))
	var state, serr = fake.GetTransactionStatus(ctx, txn)
	require.NoError(t, serr)
	assert.Equal(t, controller.TxnCommitted, state)

	assert.ErrorIs(t, fake.PingTransaction(ctx, txn, 30000), controller.ErrTransactionAborted)
}
