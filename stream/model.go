// Package stream defines the core naming and routing entities shared by the
// writer, reader, and controller packages: scopes, streams, segments, and the
// routing-key hash used to map an event onto an active segment.
package stream

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Scope is a namespace grouping streams. Immutable after creation.
type Scope struct {
	Name string
}

// Stream is an append-only, partitioned sequence of events, configured and
// scaled as a unit. Immutable after creation (the name, not its segments).
type Stream struct {
	Name string
}

// ScopedStream qualifies a Stream by its owning Scope.
type ScopedStream struct {
	Scope  string
	Stream string
}

func (s ScopedStream) String() string { return fmt.Sprintf("%s/%s", s.Scope, s.Stream) }

// Segment identifies an append-only byte log: the scoped stream it belongs
// to, its segment number, and the epoch at which it was created. Epoch
// increases monotonically with each scaling event that creates the segment.
type Segment struct {
	Stream  ScopedStream
	Number  int64
	Epoch   int64
	KeyLo   float64 // Inclusive lower bound of the routing-key interval this segment owns while active.
	KeyHi   float64 // Exclusive upper bound.
}

// ScopedSegment is a Segment qualified by its owning ScopedStream, so that
// segments from different streams never compare equal even if Number/Epoch
// happen to coincide. Equality is by all three fields.
func (s Segment) ScopedSegment() ScopedSegment {
	return ScopedSegment{Stream: s.Stream, Number: s.Number, Epoch: s.Epoch}
}

// ScopedSegment is the (stream, number, epoch) identity of a Segment.
type ScopedSegment struct {
	Stream ScopedStream
	Number int64
	Epoch  int64
}

func (s ScopedSegment) String() string {
	return fmt.Sprintf("%s/segment-%d.#epoch.%d", s.Stream, s.Number, s.Epoch)
}

// Equal reports whether two ScopedSegments identify the same segment.
func (s ScopedSegment) Equal(o ScopedSegment) bool {
	return s.Stream == o.Stream && s.Number == o.Number && s.Epoch == o.Epoch
}

// StreamCut maps each active Segment of a Stream to an offset, marking a
// consistent position across all of them.
type StreamCut map[ScopedSegment]int64

// Covers reports whether the cut has an entry for the given segment.
func (c StreamCut) Covers(seg ScopedSegment) bool {
	_, ok := c[seg]
	return ok
}

// Combine returns a new StreamCut with |other|'s entries overlaid onto a
// copy of |c|. The reader group coordinator does not use it: a group is
// seeded from a segment list (Coordinator.Seed), not from a StreamCut.
func (c StreamCut) Combine(other StreamCut) StreamCut {
	var out = make(StreamCut, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// StreamSegments is the active segment set of a Stream at a given epoch, as
// returned by the controller's get_current_segments.
type StreamSegments struct {
	Epoch    int64
	Segments []Segment
}

// SegmentFor returns the active segment whose routing-key interval contains
// |hash|, a value in [0, 1). It implements the interval selection of spec
// §4.5 step 1: the interval is [lo, hi), lower bound inclusive.
func (ss StreamSegments) SegmentFor(hash float64) (Segment, bool) {
	for _, seg := range ss.Segments {
		if hash >= seg.KeyLo && hash < seg.KeyHi {
			return seg, true
		}
	}
	// Tolerate floating point edge error at the top of the key space: the
	// last active segment's KeyHi should be exactly 1.0, but guard against
	// a hash of exactly 1.0 or a configuration that falls just short of it.
	if len(ss.Segments) > 0 {
		var last = ss.Segments[len(ss.Segments)-1]
		if hash >= last.KeyHi {
			return last, true
		}
	}
	return Segment{}, false
}

// HashRoutingKey computes the routing-key hash used to select an active
// segment: SHA-256 of the key, truncated to its leading 8 bytes interpreted
// as a big-endian uint64, and normalized to a fraction of 2^64. This exact
// algorithm (and not some other hash) must be used to remain wire-compatible
// with peers sharing the same stream (spec §9).
func HashRoutingKey(key string) float64 {
	var sum = sha256.Sum256([]byte(key))
	var n = binary.BigEndian.Uint64(sum[:8])
	return float64(n) / float64(1<<64)
}
