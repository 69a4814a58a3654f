package group

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"go.segmentstream.dev/client/controller"
	"go.segmentstream.dev/client/rawclient"
	"go.segmentstream.dev/client/reader"
	"go.segmentstream.dev/client/stream"
)

func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}

// defaultRefreshInterval is how often the background goroutine refreshes
// the coordinator's delta cache absent any caller-triggered mutation.
const defaultRefreshInterval = 3 * time.Second

// ReaderGroup is the caller-facing handle to a reader group (spec §4.6,
// supplemented per SPEC_FULL.md's `ReadNextSlice`): it wraps a Coordinator
// with an owned SegmentReader per acquired segment, transparently resolving
// successors when a segment ends.
type ReaderGroup struct {
	readerID string
	coord    *Coordinator
	ctl      controller.Client
	newRaw   func(endpoint string) *rawclient.RawClient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	readers map[stream.ScopedSegment]*reader.SegmentReader
}

// NewReaderGroup creates a reader group member identified by |readerID|,
// registers its presence, and starts the background delta-refresh
// goroutine (spec §4.6).
func NewReaderGroup(ctx context.Context, readerID string, coord *Coordinator, ctl controller.Client, newRaw func(endpoint string) *rawclient.RawClient) (*ReaderGroup, error) {
	if err := coord.CreateReader(ctx, readerID); err != nil {
		return nil, errors.WithMessage(err, "creating reader")
	}

	var rctx, cancel = context.WithCancel(ctx)
	var g = &ReaderGroup{
		readerID: readerID,
		coord:    coord,
		ctl:      ctl,
		newRaw:   newRaw,
		ctx:      rctx,
		cancel:   cancel,
		readers:  make(map[stream.ScopedSegment]*reader.SegmentReader),
	}

	g.wg.Add(1)
	go g.refreshLoop()
	return g, nil
}

func (g *ReaderGroup) refreshLoop() {
	defer g.wg.Done()
	var ticker = time.NewTicker(defaultRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := g.coord.refreshDelta(g.ctx); err != nil {
				log.WithError(err).WithField("reader", g.readerID).Warn("background delta refresh failed")
			}
			g.coord.RenewOwnership(g.ctx, g.readerID, g.ownedSegments())
		case <-g.ctx.Done():
			return
		}
	}
}

// ownedSegments returns the segments this reader currently holds a
// SegmentReader for, snapshotted under lock.
func (g *ReaderGroup) ownedSegments() []stream.ScopedSegment {
	g.mu.Lock()
	defer g.mu.Unlock()
	var segs = make([]stream.ScopedSegment, 0, len(g.readers))
	for seg := range g.readers {
		segs = append(segs, seg)
	}
	return segs
}

// ReadNextSlice acquires a segment if the reader doesn't already own one
// ready to read, reads the next chunk from it, and transparently resolves
// successors on end-of-segment (spec §4.6's scaling handling). Returns
// (nil, nil) if no segment is currently available to this reader.
func (g *ReaderGroup) ReadNextSlice(ctx context.Context) (*reader.SegmentSlice, error) {
	var seg, r, err = g.ownedOrAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}

	var slice, rerr = r.Read(ctx)
	if rerr == nil {
		return slice, nil
	}
	if !errors.Is(rerr, reader.ErrEndOfSegment) {
		return nil, rerr
	}

	addTrace(ctx, "segment %s ended; resolving successors", seg)
	return nil, g.handleEndOfSegment(ctx, seg)
}

func (g *ReaderGroup) ownedOrAcquire(ctx context.Context) (stream.ScopedSegment, *reader.SegmentReader, error) {
	g.mu.Lock()
	for seg, r := range g.readers {
		g.mu.Unlock()
		return seg, r, nil
	}
	g.mu.Unlock()

	var acquired, ok, err = g.coord.AcquireSegment(ctx, g.readerID)
	if err != nil {
		return stream.ScopedSegment{}, nil, errors.WithMessage(err, "acquiring segment")
	}
	if !ok {
		return stream.ScopedSegment{}, nil, nil
	}

	var endpoint, eerr = g.ctl.GetEndpointForSegment(ctx, acquired.Segment)
	if eerr != nil {
		return stream.ScopedSegment{}, nil, errors.WithMessage(eerr, "resolving segment endpoint")
	}
	var raw = g.newRaw(endpoint)
	var r = reader.NewSegmentReader(raw, g.ctl, acquired.Segment, acquired.Offset)

	g.mu.Lock()
	g.readers[acquired.Segment] = r
	g.mu.Unlock()
	return acquired.Segment, r, nil
}

func (g *ReaderGroup) handleEndOfSegment(ctx context.Context, seg stream.ScopedSegment) error {
	g.mu.Lock()
	delete(g.readers, seg)
	g.mu.Unlock()

	var successors, err = g.ctl.GetSuccessors(ctx, seg)
	if err != nil {
		return errors.WithMessage(err, "resolving successors")
	}
	return g.coord.CompleteSegment(ctx, seg, successors)
}

// Release releases every segment this reader currently owns back to the
// group, preserving its read offset (spec §4.6: release_segment).
func (g *ReaderGroup) Release(ctx context.Context) {
	var segs = g.ownedSegments()

	for _, seg := range segs {
		g.mu.Lock()
		var r = g.readers[seg]
		g.mu.Unlock()
		if err := g.coord.ReleaseSegment(ctx, g.readerID, seg, r.Offset()); err != nil {
			log.WithError(err).WithField("segment", seg).Warn("release failed")
		}
	}
}

// Close releases all owned segments, marks the reader offline, and stops
// the background refresh goroutine.
func (g *ReaderGroup) Close(ctx context.Context) {
	g.Release(ctx)
	g.coord.ReaderOffline(ctx, g.readerID)
	g.cancel()
	g.wg.Wait()
}
