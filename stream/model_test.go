package stream_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.segmentstream.dev/client/stream"
)

// TestHashRoutingKeyDeterministic exercises spec §9's requirement that the
// routing-key hash be a pure function of the key, stable across calls.
func TestHashRoutingKeyDeterministic(t *testing.T) {
	var h1 = stream.HashRoutingKey("order-42")
	var h2 = stream.HashRoutingKey("order-42")
	assert.Equal(t, h1, h2)
	assert.GreaterOrEqual(t, h1, 0.0)
	assert.Less(t, h1, 1.0)

	var other = stream.HashRoutingKey("order-43")
	assert.NotEqual(t, h1, other)
}

// TestSegmentForLowerBoundInclusive is spec §9: intervals are [lo, hi), the
// lower bound is inclusive, the upper bound is not.
func TestSegmentForLowerBoundInclusive(t *testing.T) {
	var segs = stream.StreamSegments{
		Epoch: 0,
		Segments: []stream.Segment{
			{Number: 0, KeyLo: 0.0, KeyHi: 0.5},
			{Number: 1, KeyLo: 0.5, KeyHi: 1.0},
		},
	}

	var s, ok = segs.SegmentFor(0.5)
	assert.True(t, ok)
	assert.Equal(t, int64(1), s.Number)

	s, ok = segs.SegmentFor(0.0)
	assert.True(t, ok)
	assert.Equal(t, int64(0), s.Number)

	s, ok = segs.SegmentFor(0.4999999)
	assert.True(t, ok)
	assert.Equal(t, int64(0), s.Number)
}

// TestSegmentForTopOfKeySpace guards the floating-point edge noted in
// SegmentFor: a hash landing at or past the last segment's KeyHi (which
// should be exactly 1.0) still resolves to that last segment.
func TestSegmentForTopOfKeySpace(t *testing.T) {
	var segs = stream.StreamSegments{
		Segments: []stream.Segment{
			{Number: 0, KeyLo: 0.0, KeyHi: 1.0},
		},
	}

	var s, ok = segs.SegmentFor(1.0)
	assert.True(t, ok)
	assert.Equal(t, int64(0), s.Number)
}

// TestSegmentForNoMatch reports not-found for a hash outside every segment's
// interval (e.g. a stale StreamSegments snapshot taken mid-scaling).
func TestSegmentForNoMatch(t *testing.T) {
	var segs = stream.StreamSegments{
		Segments: []stream.Segment{
			{Number: 0, KeyLo: 0.0, KeyHi: 0.3},
		},
	}
	var _, ok = segs.SegmentFor(0.5)
	assert.False(t, ok)
}

// TestStreamCutCombineOverlaysOther verifies Combine overlays |other|'s
// entries onto a copy of the receiver without mutating either input.
func TestStreamCutCombineOverlaysOther(t *testing.T) {
	var segA = stream.ScopedSegment{Stream: stream.ScopedStream{Scope: "s", Stream: "a"}, Number: 0}
	var segB = stream.ScopedSegment{Stream: stream.ScopedStream{Scope: "s", Stream: "a"}, Number: 1}

	var base = stream.StreamCut{segA: 10}
	var overlay = stream.StreamCut{segA: 20, segB: 5}

	var combined = base.Combine(overlay)
	assert.Equal(t, int64(20), combined[segA])
	assert.Equal(t, int64(5), combined[segB])
	assert.Equal(t, int64(10), base[segA])
	assert.True(t, combined.Covers(segB))
	assert.False(t, base.Covers(segB))
}

// TestScopedSegmentEqualDistinguishesStream confirms ScopedSegment equality
// is by all three fields: same number/epoch under different streams must
// not compare equal (spec §3).
func TestScopedSegmentEqualDistinguishesStream(t *testing.T) {
	var a = stream.ScopedSegment{Stream: stream.ScopedStream{Scope: "s1", Stream: "x"}, Number: 0, Epoch: 0}
	var b = stream.ScopedSegment{Stream: stream.ScopedStream{Scope: "s2", Stream: "x"}, Number: 0, Epoch: 0}
	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(a))
}
