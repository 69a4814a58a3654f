package mock

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"go.segmentstream.dev/client/stream"
	"go.segmentstream.dev/client/wire"
)

// SegmentBehavior scripts how a single segment's store responds, for tests
// that need to provoke a specific fault (spec §8 scenario S2: "mock to
// reply SegmentSealed on segment 0 after one event").
type SegmentBehavior struct {
	// SealAfterAppends, if > 0, causes the store to reply SegmentIsSealed to
	// every AppendBlockEnd received after this many have already succeeded.
	SealAfterAppends int
}

// SegmentStore is an in-memory fake segment store (spec §6's server side):
// it accepts SetupAppend/AppendBlockEnd/ReadSegment/UpdateTableEntries/
// ReadTableEntriesDelta and replies as a real segment store would, with the
// ability to script per-segment faults via SetBehavior.
type SegmentStore struct {
	mu sync.Mutex

	behaviors    map[string]*SegmentBehavior
	appendCounts map[string]int
	lastEventNum map[string]int64 // key: writerID + "/" + segment
	segmentData  map[string][]byte
	tables       map[string]*tableMapState

	sessions map[string]*appendSession // key: segment
}

// appendSession records the most recent append connection seen for a
// segment, so tests can script out-of-band replies (e.g. a stale ack) for
// fault-injection scenarios spec §8 doesn't exercise through normal traffic.
type appendSession struct {
	conn     *Conn
	writerID uuid.UUID
	segment  stream.ScopedSegment
}

// NewSegmentStore returns an empty store.
func NewSegmentStore() *SegmentStore {
	return &SegmentStore{
		behaviors:    make(map[string]*SegmentBehavior),
		appendCounts: make(map[string]int),
		lastEventNum: make(map[string]int64),
		segmentData:  make(map[string][]byte),
		tables:       make(map[string]*tableMapState),
		sessions:     make(map[string]*appendSession),
	}
}

// SetBehavior scripts how the given segment responds to future requests.
func (s *SegmentStore) SetBehavior(segKey string, b SegmentBehavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[segKey] = &b
}

// SegmentBytes returns the accumulated appended bytes for a segment, for
// test assertions.
func (s *SegmentStore) SegmentBytes(segKey string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.segmentData[segKey]...)
}

// Dial returns a connection to this store, as if |endpoint| had been dialed.
// A goroutine is spawned to serve the server side of the connection.
func (s *SegmentStore) Dial(endpoint string) (*Conn, error) {
	var client, server = NewPair(endpoint, "mock-store")
	go s.serve(server)
	return client, nil
}

func (s *SegmentStore) serve(conn *Conn) {
	// Hello handshake: accept anything and always advertise full compatibility.
	if msg, err := conn.Recv(); err == nil {
		if _, ok := msg.(*wire.Hello); ok {
			_ = conn.Send(&wire.Hello{HighVersion: wire.WireVersion, LowVersion: wire.OldestCompatibleVersion})
		}
	} else {
		return
	}

	for {
		var msg, err = conn.Recv()
		if err != nil {
			return
		}
		s.handle(conn, msg)
	}
}

func (s *SegmentStore) handle(conn *Conn, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.SetupAppend:
		s.handleSetupAppend(conn, m)
	case *wire.AppendBlockEnd:
		s.handleAppendBlockEnd(conn, m)
	case *wire.ReadSegment:
		s.handleReadSegment(conn, m)
	case *wire.UpdateTableEntries:
		s.handleUpdateTableEntries(conn, m)
	case *wire.ReadTableEntriesDelta:
		s.handleReadTableEntriesDelta(conn, m)
	}
}

func segKey(seg interface{ String() string }) string { return seg.String() }

func writerSegKey(writerID fmt.Stringer, segKeyStr string) string {
	return writerID.String() + "/" + segKeyStr
}

func (s *SegmentStore) handleSetupAppend(conn *Conn, m *wire.SetupAppend) {
	s.mu.Lock()
	var sk = segKey(m.Segment)
	var key = writerSegKey(m.WriterID, sk)
	var last, ok = s.lastEventNum[key]
	if !ok {
		last = wire.NoEventNumber
	}
	s.sessions[sk] = &appendSession{conn: conn, writerID: m.WriterID, segment: m.Segment}
	s.mu.Unlock()

	_ = conn.Send(&wire.AppendSetup{
		RequestID:       m.RequestID,
		Segment:         m.Segment,
		WriterID:        m.WriterID,
		LastEventNumber: last,
	})
}

func (s *SegmentStore) handleAppendBlockEnd(conn *Conn, m *wire.AppendBlockEnd) {
	// AppendBlockEnd names no segment: it applies to the segment this writer
	// set up an append session for on this connection.
	s.mu.Lock()
	var sess *appendSession
	for _, candidate := range s.sessions {
		if candidate.conn == conn && candidate.writerID == m.WriterID {
			sess = candidate
		}
	}
	if sess == nil {
		s.mu.Unlock()
		_ = conn.Send(wire.NewNoSuchSegment(m.RequestID, stream.ScopedSegment{}, "no append session for writer on this connection"))
		return
	}
	var sk = segKey(sess.segment)
	var key = writerSegKey(m.WriterID, sk)
	var behavior = s.behaviors[sk]
	var count = s.appendCounts[sk]

	if behavior != nil && behavior.SealAfterAppends > 0 && count >= behavior.SealAfterAppends {
		s.mu.Unlock()
		_ = conn.Send(wire.NewSegmentIsSealed(m.RequestID, sess.segment, "segment is sealed"))
		return
	}

	// A real store rejects a non-monotonic event number (a duplicate or a
	// regression below the last one it accepted from this writer) rather
	// than silently re-appending it (spec §4.5 step 4, §7).
	var last, seen = s.lastEventNum[key]
	if !seen {
		last = wire.NoEventNumber
	}
	if m.LastEventNumber <= last {
		s.mu.Unlock()
		_ = conn.Send(wire.NewInvalidEventNumber(m.RequestID, sess.segment, "event number is not greater than the last accepted"))
		return
	}

	s.appendCounts[sk] = count + 1
	s.segmentData[sk] = append(s.segmentData[sk], m.Data...)
	s.lastEventNum[key] = m.LastEventNumber
	var offset = int64(len(s.segmentData[sk]))
	s.mu.Unlock()

	_ = conn.Send(&wire.DataAppended{
		RequestID:                 m.RequestID,
		WriterID:                  m.WriterID,
		EventNumber:               m.LastEventNumber,
		PreviousEventNumber:       wire.NoEventNumber,
		CurrentSegmentWriteOffset: offset,
	})
}

// InjectStaleAck sends a DataAppended reply acking event number 0 directly
// to the current append session's connection for |segKey|, as if a
// duplicate or delayed reply from an earlier attempt had arrived after a
// later one was already observed. It does not touch the store's own
// bookkeeping, so it exercises the writer's handling of a stale ack in
// isolation (spec §4.5 step 4, §7).
func (s *SegmentStore) InjectStaleAck(segKey string) {
	s.mu.Lock()
	var sess = s.sessions[segKey]
	s.mu.Unlock()
	if sess == nil {
		return
	}
	_ = sess.conn.Send(&wire.DataAppended{
		WriterID:                  sess.writerID,
		EventNumber:               0,
		PreviousEventNumber:       wire.NoEventNumber,
		CurrentSegmentWriteOffset: 0,
	})
}

func (s *SegmentStore) handleUpdateTableEntries(conn *Conn, m *wire.UpdateTableEntries) {
	var sk = segKey(m.Segment)

	s.mu.Lock()
	var tbl = s.tables[sk]
	if tbl == nil {
		tbl = newTableMapState()
		s.tables[sk] = tbl
	}

	var checks = make([]tableEntryCheck, len(m.TableEntries))
	for i, e := range m.TableEntries {
		checks[i] = tableEntryCheck{key: e.Key, expectedVersion: e.KeyVersion, value: e.Value}
	}

	var versions, err = tbl.put(checks)
	s.mu.Unlock()

	if err != nil {
		_ = conn.Send(wire.NewBadKeyVersion(m.RequestID, m.Segment, err.Error()))
		return
	}

	_ = conn.Send(&wire.TableEntriesUpdated{RequestID: m.RequestID, UpdatedVersions: versions})
}

func (s *SegmentStore) handleReadTableEntriesDelta(conn *Conn, m *wire.ReadTableEntriesDelta) {
	var sk = segKey(m.Segment)

	s.mu.Lock()
	var tbl = s.tables[sk]
	if tbl == nil {
		tbl = newTableMapState()
		s.tables[sk] = tbl
	}
	var logEntries, next, reachedEnd, shouldClear = tbl.delta(m.FromPosition, m.SuggestedEntryCount)

	var entries = make([]wire.TableEntry, len(logEntries))
	for i, e := range logEntries {
		entries[i] = wire.TableEntry{Key: e.key, KeyVersion: e.version, Value: e.value}
	}
	s.mu.Unlock()

	_ = conn.Send(&wire.TableEntriesDeltaRead{
		RequestID:    m.RequestID,
		Segment:      m.Segment,
		Entries:      entries,
		ShouldClear:  shouldClear,
		ReachedEnd:   reachedEnd,
		LastPosition: next,
	})
}

// CompactTable simulates a store-side compaction of a table-map segment,
// for tests that exercise the reader-group coordinator's shouldClear
// handling.
func (s *SegmentStore) CompactTable(segKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tbl = s.tables[segKey]
	if tbl == nil {
		tbl = newTableMapState()
		s.tables[segKey] = tbl
	}
	tbl.compact()
}

func (s *SegmentStore) handleReadSegment(conn *Conn, m *wire.ReadSegment) {
	var sk = segKey(m.Segment)

	s.mu.Lock()
	var data = s.segmentData[sk]
	s.mu.Unlock()

	var offset = m.Offset
	if offset < 0 || offset > int64(len(data)) {
		offset = int64(len(data))
	}
	var end = offset + int64(m.SuggestedLength)
	if end > int64(len(data)) {
		end = int64(len(data))
	}

	_ = conn.Send(&wire.SegmentRead{
		RequestID:    m.RequestID,
		Segment:      m.Segment,
		Offset:       offset,
		AtTail:       end == int64(len(data)),
		EndOfSegment: false,
		Data:         append([]byte(nil), data[offset:end]...),
	})
}
