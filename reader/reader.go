// Package reader implements the segment reader (spec §4.7): issuing
// ReadSegment RPCs against a segment's owning store and decoding the
// returned bytes into a SegmentSlice of whole events, carrying over any
// partial trailing event to the next read.
package reader

import (
	"context"

	"github.com/pkg/errors"

	"go.segmentstream.dev/client/controller"
	"go.segmentstream.dev/client/rawclient"
	"go.segmentstream.dev/client/stream"
	"go.segmentstream.dev/client/wire"
)

// ErrEndOfSegment is returned by Read once the store reports the segment
// has ended (spec §4.7; the caller should resolve the segment's successors
// via the controller and continue there).
var ErrEndOfSegment = errors.New("end of segment")

// defaultSuggestedLength is the chunk size requested per ReadSegment RPC.
const defaultSuggestedLength = 64 * 1024

// SegmentSlice is a decoded, contiguous run of whole events read from a
// segment starting at StartOffset (spec §3): consumed event by event via
// Next, carrying any partial trailing bytes internally until the slice is
// refilled.
type SegmentSlice struct {
	ReaderID    string
	Segment     stream.ScopedSegment
	StartOffset int64

	events  [][]byte
	next    int
	partial []byte
	offset  int64 // Offset of the next unread byte within the segment.
}

// Next returns the next event in the slice, or ok=false if the slice is
// exhausted and the caller must read more (spec §3: "when exhausted the
// reader requests the next read from startOffset + consumed").
func (s *SegmentSlice) Next() (event []byte, ok bool) {
	if s.next >= len(s.events) {
		return nil, false
	}
	var e = s.events[s.next]
	s.next++
	return e, true
}

// Offset returns the segment offset immediately following the last fully
// consumed event, the position the next read should resume from.
func (s *SegmentSlice) Offset() int64 { return s.offset }

// SegmentReader issues reads against one segment, retrying on retryable
// errors and remapping SegmentIsTruncated to the segment's current start
// offset (spec §4.7).
type SegmentReader struct {
	raw        *rawclient.RawClient
	controller controller.Client
	segment    stream.ScopedSegment

	delegationToken string
	partial         []byte
	offset          int64
}

// NewSegmentReader returns a reader for |segment| starting at |startOffset|,
// issuing RPCs over |raw| and using |ctl| to resolve truncation.
func NewSegmentReader(raw *rawclient.RawClient, ctl controller.Client, segment stream.ScopedSegment, startOffset int64) *SegmentReader {
	return &SegmentReader{raw: raw, controller: ctl, segment: segment, offset: startOffset}
}

// Offset returns the segment offset immediately following the last whole
// event decoded so far; carried-over partial bytes are not counted.
func (r *SegmentReader) Offset() int64 { return r.offset - int64(len(r.partial)) }

// Read fetches the next chunk of the segment and decodes it into a
// SegmentSlice. It retries once on a closed connection and remaps
// SegmentIsTruncated by re-reading from the segment's live start offset
// (spec §4.7).
func (r *SegmentReader) Read(ctx context.Context) (*SegmentSlice, error) {
	var raw, err = r.readChunk(ctx)
	if err != nil {
		return nil, err
	}

	var buf = append(append([]byte(nil), r.partial...), raw.Data...)
	var events, consumed = wire.DecodeEvents(buf)
	r.partial = append([]byte(nil), buf[consumed:]...)

	var slice = &SegmentSlice{
		Segment:     r.segment,
		StartOffset: r.offset,
		events:      events,
	}
	r.offset = raw.Offset + int64(len(raw.Data))
	slice.offset = r.offset - int64(len(r.partial))

	if raw.EndOfSegment && len(events) == 0 {
		return nil, ErrEndOfSegment
	}
	return slice, nil
}

func (r *SegmentReader) readChunk(ctx context.Context) (*wire.SegmentRead, error) {
	var req = &wire.ReadSegment{
		Segment:         r.segment,
		Offset:          r.offset,
		SuggestedLength: defaultSuggestedLength,
		DelegationToken: r.delegationToken,
	}
	var reply, err = r.raw.SendRequest(ctx, req)
	if errors.Is(err, rawclient.ErrConnectionFailed) {
		reply, err = r.raw.SendRequest(ctx, req) // One retry, on a fresh connection.
	}
	if err != nil {
		return nil, errors.WithMessage(err, "reading segment")
	}

	switch m := reply.(type) {
	case *wire.SegmentRead:
		return m, nil
	case *wire.SegmentIsTruncated:
		return r.retryAfterTruncation(ctx, m)
	case *wire.NoSuchSegment:
		return nil, errors.Errorf("no such segment: %s", m.Message)
	default:
		return nil, errors.Errorf("unexpected reply %T to ReadSegment", reply)
	}
}

// retryAfterTruncation jumps the read offset forward to the segment's
// current start offset and retries once, per spec §4.7's remap rule. It
// does not consult the controller for a dedicated "start offset" query
// since SegmentIsTruncated itself carries it on the wire.
func (r *SegmentReader) retryAfterTruncation(ctx context.Context, trunc *wire.SegmentIsTruncated) (*wire.SegmentRead, error) {
	r.offset = trunc.StartOffset
	r.partial = nil

	var reply, err = r.raw.SendRequest(ctx, &wire.ReadSegment{
		Segment:         r.segment,
		Offset:          r.offset,
		SuggestedLength: defaultSuggestedLength,
		DelegationToken: r.delegationToken,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "re-reading segment after truncation")
	}
	var m, ok = reply.(*wire.SegmentRead)
	if !ok {
		return nil, errors.Errorf("unexpected reply %T after truncation remap", reply)
	}
	return m, nil
}
