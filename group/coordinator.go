// Package group implements the reader group coordinator (spec §4.6): an
// in-memory cache of reader and segment ownership rows, kept current by
// delta-iterating a table-map metadata segment, with mutual exclusion
// obtained entirely through the table map's conditional-update primitive —
// never through in-process locks or an external coordination service
// (spec §3).
package group

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.segmentstream.dev/client/stream"
	"go.segmentstream.dev/client/tablemap"
)

const (
	readerKeyPrefix  = "reader:"
	segmentKeyPrefix = "segment:"

	// maxClaimRetries bounds how many times AcquireSegment retries a
	// conditional put race before giving up for this tick (spec §4.6 step 3).
	maxClaimRetries = 3

	deltaBatchSize = 256
)

// segmentRow is the table-map value for a "segment:{id}" key.
type segmentRow struct {
	Owner             string `json:"owner"`
	LastReadOffset    int64  `json:"lastReadOffset"`
	Terminal          bool   `json:"terminal"`
	OwnerHeartbeatSec int64  `json:"ownerHeartbeatSec"`
}

// readerRow is the table-map value for a "reader:{id}" key.
type readerRow struct {
	HeartbeatSec int64 `json:"heartbeatSec"`
}

type versionedSegment struct {
	key     stream.ScopedSegment
	row     segmentRow
	version int64
}

// AcquiredSegment is the result of a successful AcquireSegment: the segment
// claimed and the offset to resume reading it from.
type AcquiredSegment struct {
	Segment stream.ScopedSegment
	Offset  int64
}

// Coordinator maintains one reader group's ownership state against a
// table-map metadata segment (spec §4.6). It is safe for concurrent use.
type Coordinator struct {
	tbl           *tablemap.Client
	readerTimeout time.Duration
	now           func() int64

	mu       sync.Mutex
	segments map[stream.ScopedSegment]*versionedSegment
	readers  map[string]int64 // readerID -> version
	position int64
}

// NewCoordinator returns a Coordinator backed by |tbl|. |now| returns the
// current Unix time in seconds; tests supply a deterministic clock.
// Successor resolution against the controller is the caller's
// responsibility (see ReaderGroup), since the coordinator's own concern is
// the table map, not stream topology.
func NewCoordinator(tbl *tablemap.Client, readerTimeout time.Duration, now func() int64) *Coordinator {
	return &Coordinator{
		tbl:           tbl,
		readerTimeout: readerTimeout,
		now:           now,
		segments:      make(map[stream.ScopedSegment]*versionedSegment),
		readers:       make(map[string]int64),
	}
}

// Seed registers the initial active segments of a stream as unassigned,
// unconditionally. Called once when a reader group is created against a
// stream with no prior metadata.
func (c *Coordinator) Seed(ctx context.Context, segments []stream.Segment) error {
	for _, seg := range segments {
		var row = segmentRow{Owner: "", LastReadOffset: 0, Terminal: false}
		var buf, _ = json.Marshal(row)
		if _, err := c.tbl.Put(ctx, segmentKey(seg.ScopedSegment()), buf, -1); err != nil {
			return errors.WithMessage(err, "seeding segment row")
		}
	}
	return nil
}

// refreshDelta applies every table-map mutation since the coordinator's
// last observed position into its in-memory cache (spec §4.6: "refreshed by
// deltaIterate on a background timer and before any mutation").
func (c *Coordinator) refreshDelta(ctx context.Context) error {
	c.mu.Lock()
	var position = c.position
	c.mu.Unlock()

	for {
		var entries, next, reachedEnd, shouldClear, err = c.tbl.DeltaIterate(ctx, position, deltaBatchSize)
		if err != nil {
			return errors.WithMessage(err, "refreshing reader group delta")
		}

		c.mu.Lock()
		if shouldClear {
			c.segments = make(map[stream.ScopedSegment]*versionedSegment)
			c.readers = make(map[string]int64)
		}
		for _, e := range entries {
			c.applyEntry(e)
		}
		c.position = next
		c.mu.Unlock()

		position = next
		if reachedEnd {
			return nil
		}
	}
}

// applyEntry decodes one table-map entry into the cache. Must be called
// with c.mu held.
func (c *Coordinator) applyEntry(e tablemap.Entry) {
	var key = string(e.Key)
	switch {
	case len(key) > len(readerKeyPrefix) && key[:len(readerKeyPrefix)] == readerKeyPrefix:
		c.readers[key[len(readerKeyPrefix):]] = e.Version
	case len(key) > len(segmentKeyPrefix) && key[:len(segmentKeyPrefix)] == segmentKeyPrefix:
		var row segmentRow
		if err := json.Unmarshal(e.Value, &row); err != nil {
			log.WithError(err).WithField("key", key).Warn("dropping malformed segment row")
			return
		}
		var seg, ok = parseSegmentKey(key[len(segmentKeyPrefix):])
		if !ok {
			return
		}
		c.segments[seg] = &versionedSegment{key: seg, row: row, version: e.Version}
	}
}

// CreateReader registers |readerID|'s presence, unconditionally (spec §4.6:
// "does not acquire segments yet").
func (c *Coordinator) CreateReader(ctx context.Context, readerID string) error {
	var buf, _ = json.Marshal(readerRow{HeartbeatSec: c.now()})
	var _, err = c.tbl.Put(ctx, readerKey(readerID), buf, -1)
	return errors.WithMessage(err, "registering reader")
}

// AcquireSegment attempts to claim one unassigned (or stolen-from-stale)
// active segment for |readerID| (spec §4.6 step 2-4). Returns ok=false if
// no segment could be claimed this tick.
func (c *Coordinator) AcquireSegment(ctx context.Context, readerID string) (AcquiredSegment, bool, error) {
	if err := c.refreshDelta(ctx); err != nil {
		return AcquiredSegment{}, false, err
	}

	for attempt := 0; attempt < maxClaimRetries; attempt++ {
		var candidate, found = c.findClaimable()
		if !found {
			return AcquiredSegment{}, false, nil
		}

		var newRow = candidate.row
		newRow.Owner = readerID
		newRow.OwnerHeartbeatSec = c.now()
		var buf, _ = json.Marshal(newRow)

		var newVersion, err = c.tbl.Put(ctx, segmentKey(candidate.key), buf, candidate.version)
		if err == nil {
			c.mu.Lock()
			c.segments[candidate.key] = &versionedSegment{key: candidate.key, row: newRow, version: newVersion}
			c.mu.Unlock()
			return AcquiredSegment{Segment: candidate.key, Offset: candidate.row.LastReadOffset}, true, nil
		}
		if !errors.Is(err, tablemap.ErrBadKeyVersion) {
			return AcquiredSegment{}, false, err
		}
		// Lost the race; refresh and retry against current state.
		if rerr := c.refreshDelta(ctx); rerr != nil {
			return AcquiredSegment{}, false, rerr
		}
	}
	return AcquiredSegment{}, false, nil
}

// findClaimable returns an unassigned segment, or failing that one owned by
// a reader whose heartbeat has gone stale (spec §4.6 step 2's "steal" rule).
func (c *Coordinator) findClaimable() (versionedSegment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var now = c.now()
	for _, vs := range c.segments {
		if vs.row.Terminal {
			continue
		}
		if vs.row.Owner == "" {
			return *vs, true
		}
	}
	for _, vs := range c.segments {
		if vs.row.Terminal || vs.row.Owner == "" {
			continue
		}
		if now-vs.row.OwnerHeartbeatSec > int64(c.readerTimeout/time.Second) {
			return *vs, true
		}
	}
	return versionedSegment{}, false
}

// RenewOwnership bumps the owner heartbeat on every segment in |segs| still
// owned by |readerID|, keeping it from being considered stale and stolen
// (spec §3: "an entry is either unassigned or owned by a live reader").
// Called periodically by the reader group's background refresh loop. A lost
// conditional-put race or a segment no longer owned by |readerID| is
// tolerated; the next tick's refreshDelta picks up the authoritative state.
func (c *Coordinator) RenewOwnership(ctx context.Context, readerID string, segs []stream.ScopedSegment) {
	for _, seg := range segs {
		c.mu.Lock()
		var vs, ok = c.segments[seg]
		c.mu.Unlock()
		if !ok || vs.row.Owner != readerID {
			continue
		}

		var newRow = vs.row
		newRow.OwnerHeartbeatSec = c.now()
		var buf, _ = json.Marshal(newRow)

		var newVersion, err = c.tbl.Put(ctx, segmentKey(seg), buf, vs.version)
		if err != nil {
			if !errors.Is(err, tablemap.ErrBadKeyVersion) {
				log.WithError(err).WithField("segment", seg).Warn("renewing segment ownership heartbeat failed")
			}
			continue
		}
		c.mu.Lock()
		c.segments[seg] = &versionedSegment{key: seg, row: newRow, version: newVersion}
		c.mu.Unlock()
	}
}

// ReleaseSegment records |offset| against |segment| and sets it unassigned
// (spec §4.6: release_segment).
func (c *Coordinator) ReleaseSegment(ctx context.Context, readerID string, segment stream.ScopedSegment, offset int64) error {
	c.mu.Lock()
	var vs, ok = c.segments[segment]
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown segment %s", segment)
	}

	var newRow = vs.row
	newRow.Owner = ""
	newRow.LastReadOffset = offset
	var buf, _ = json.Marshal(newRow)

	var newVersion, err = c.tbl.Put(ctx, segmentKey(segment), buf, vs.version)
	if err != nil {
		return errors.WithMessage(err, "releasing segment")
	}
	c.mu.Lock()
	c.segments[segment] = &versionedSegment{key: segment, row: newRow, version: newVersion}
	c.mu.Unlock()
	return nil
}

// ReaderOffline best-effort releases every segment currently owned by
// |readerID| (spec §4.6: reader_offline).
func (c *Coordinator) ReaderOffline(ctx context.Context, readerID string) {
	if err := c.refreshDelta(ctx); err != nil {
		log.WithError(err).Warn("reader_offline: refresh failed")
		return
	}

	c.mu.Lock()
	var owned []stream.ScopedSegment
	for seg, vs := range c.segments {
		if vs.row.Owner == readerID {
			owned = append(owned, seg)
		}
	}
	c.mu.Unlock()

	for _, seg := range owned {
		c.mu.Lock()
		var vs = c.segments[seg]
		c.mu.Unlock()
		if err := c.ReleaseSegment(ctx, readerID, seg, vs.row.LastReadOffset); err != nil {
			log.WithError(err).WithField("segment", seg).Warn("reader_offline: release failed")
		}
	}
}

// CompleteSegment marks |segment| terminal and registers |successors| as
// new, unassigned segments (spec §4.6's scaling handling). The two
// mutations cannot share one atomic update given the table map's single-key
// conditional-put primitive, so successors are inserted first: a crash
// between the two leaves only harmless duplicate successor rows (tolerated
// per spec) rather than an orphaned predecessor nobody marks terminal.
func (c *Coordinator) CompleteSegment(ctx context.Context, segment stream.ScopedSegment, successors []stream.Segment) error {
	for _, succ := range successors {
		var row = segmentRow{Owner: "", LastReadOffset: 0, Terminal: false}
		var buf, _ = json.Marshal(row)
		if _, err := c.tbl.Put(ctx, segmentKey(succ.ScopedSegment()), buf, -1); err != nil {
			return errors.WithMessage(err, "inserting successor segment")
		}
	}

	if err := c.refreshDelta(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	var vs, ok = c.segments[segment]
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown segment %s", segment)
	}
	if vs.row.Terminal {
		return nil // Already marked by another reader; tolerated.
	}

	var newRow = vs.row
	newRow.Terminal = true
	var buf, _ = json.Marshal(newRow)
	var newVersion, err = c.tbl.Put(ctx, segmentKey(segment), buf, vs.version)
	if err != nil {
		if errors.Is(err, tablemap.ErrBadKeyVersion) {
			return nil // Lost the race to another reader marking it terminal.
		}
		return err
	}
	c.mu.Lock()
	c.segments[segment] = &versionedSegment{key: segment, row: newRow, version: newVersion}
	c.mu.Unlock()
	return nil
}

func readerKey(readerID string) []byte           { return []byte(readerKeyPrefix + readerID) }
func segmentKey(seg stream.ScopedSegment) []byte { return []byte(segmentKeyPrefix + seg.String()) }

// parseSegmentKey is the inverse of ScopedSegment.String(), sufficient for
// the coordinator's own key format; it never needs to round-trip arbitrary
// stream names containing the delimiter, since stream names are controller-
// assigned identifiers in this deployment.
func parseSegmentKey(s string) (stream.ScopedSegment, bool) {
	var seg stream.ScopedSegment

	var segIdx = strings.LastIndex(s, "/segment-")
	if segIdx < 0 {
		return seg, false
	}
	var scopeStream, rest = s[:segIdx], s[segIdx+len("/segment-"):]

	var epochIdx = strings.Index(rest, ".#epoch.")
	if epochIdx < 0 {
		return seg, false
	}
	var numPart, epochPart = rest[:epochIdx], rest[epochIdx+len(".#epoch."):]

	var slashIdx = strings.Index(scopeStream, "/")
	if slashIdx < 0 {
		return seg, false
	}
	var scope, streamName = scopeStream[:slashIdx], scopeStream[slashIdx+1:]

	var number, nerr = strconv.ParseInt(numPart, 10, 64)
	var epoch, eerr = strconv.ParseInt(epochPart, 10, 64)
	if nerr != nil || eerr != nil {
		return seg, false
	}

	seg.Stream = stream.ScopedStream{Scope: scope, Stream: streamName}
	seg.Number = number
	seg.Epoch = epoch
	return seg, true
}
