package mock

// tableMapState is the in-memory backing of one table-map segment (spec
// §4.6): a conditional key/value store with a monotonic mutation log that
// readers replay via delta iteration.
//
// Versions are assigned from a single counter shared across all keys in the
// table, mirroring the real store where a key's version is the byte offset
// of its most recent mutation within the segment: it only ever grows, and a
// stale caller-supplied version can never collide with a fresher one.
type tableMapState struct {
	versions map[string]int64 // current version per live key
	values   map[string][]byte
	log      []tableLogEntry // full ordered mutation history; log[i] is at position i+1
	nextVer  int64

	// clearedThrough is the highest log position before which a caller must
	// discard any previously cached entries and rebuild from scratch, as if
	// the segment had been compacted. Tests trigger this via
	// SegmentStore.CompactTable.
	clearedThrough int64
}

type tableLogEntry struct {
	key     []byte
	value   []byte
	version int64
}

func newTableMapState() *tableMapState {
	return &tableMapState{
		versions: make(map[string]int64),
		values:   make(map[string][]byte),
	}
}

// badKeyVersion reports the key that failed a conditional check, if any.
type badKeyVersion struct {
	key string
}

func (badKeyVersion) Error() string { return "bad key version" }

// put applies |entries| as a single all-or-nothing conditional batch: if any
// entry's KeyVersion disagrees with the key's current version (-1 meaning
// an unconditional put, checked against nothing), the whole batch is rejected and no
// mutation is applied. On success it returns the new version assigned to
// each entry, in the same order.
func (t *tableMapState) put(entries []tableEntryCheck) ([]int64, error) {
	for _, e := range entries {
		var current, exists = t.versions[string(e.key)]
		if e.expectedVersion == -1 {
			continue // Unconditional put: always permitted.
		}
		if !exists || current != e.expectedVersion {
			return nil, badKeyVersion{key: string(e.key)}
		}
	}

	var versions = make([]int64, len(entries))
	for i, e := range entries {
		t.nextVer++
		var v = t.nextVer
		t.versions[string(e.key)] = v
		t.values[string(e.key)] = e.value
		t.log = append(t.log, tableLogEntry{key: e.key, value: e.value, version: v})
		versions[i] = v
	}
	return versions, nil
}

// get returns the current value and version of |key|, or ok=false if absent.
func (t *tableMapState) get(key []byte) (value []byte, version int64, ok bool) {
	var v, exists = t.versions[string(key)]
	if !exists {
		return nil, 0, false
	}
	return t.values[string(key)], v, true
}

// delta returns up to |suggestedCount| log entries starting at |fromPosition|
// (spec §4.6: positions are 1-based, with 0 meaning "from the beginning").
// shouldClear is true when the caller's fromPosition predates the last
// simulated compaction and it must discard any entries cached from before
// this read before applying the returned ones.
func (t *tableMapState) delta(fromPosition int64, suggestedCount int32) (entries []tableLogEntry, nextPosition int64, reachedEnd bool, shouldClear bool) {
	if suggestedCount <= 0 {
		suggestedCount = 1000
	}
	var shouldClearResult = fromPosition < t.clearedThrough

	var start = fromPosition
	if start < 0 {
		start = 0
	}
	if start > int64(len(t.log)) {
		start = int64(len(t.log))
	}

	var end = start + int64(suggestedCount)
	if end > int64(len(t.log)) {
		end = int64(len(t.log))
	}

	return t.log[start:end], end, end >= int64(len(t.log)), shouldClearResult
}

// compact marks every position up to the table's current length as cleared,
// forcing the next delta read (regardless of its fromPosition) to report
// shouldClear. Used by tests that exercise the reader-group coordinator's
// handling of a compacted metadata segment.
func (t *tableMapState) compact() {
	// One past the current length, so that a read resuming from the end of
	// the log (fromPosition == len(t.log)) also sees shouldClear.
	t.clearedThrough = int64(len(t.log)) + 1
}

// tableEntryCheck is the normalized form of a wire.TableEntry used internally
// by put, decoupled from the wire package so tableMapState has no codec
// dependency.
type tableEntryCheck struct {
	key             []byte
	expectedVersion int64
	value           []byte
}
