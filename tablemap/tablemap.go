// Package tablemap implements the client side of the table-map conditional
// key/value primitive (spec §4.6): put, get, and delta iteration against a
// metadata segment, used by the reader group coordinator to claim and track
// segment ownership without any in-process locking or external coordination
// service (spec §3).
package tablemap

import (
	"context"

	"github.com/pkg/errors"

	"go.segmentstream.dev/client/rawclient"
	"go.segmentstream.dev/client/stream"
	"go.segmentstream.dev/client/wire"
)

// ErrBadKeyVersion is returned by Put when the store's current version for a
// key disagrees with the caller's expected version (spec §4.6): the caller
// lost a race for ownership and must re-read before retrying.
var ErrBadKeyVersion = errors.New("bad key version")

// ErrNotFound is returned by Get when the key has no entry in the table.
var ErrNotFound = errors.New("key not found")

// Entry is one key/value pair together with its current version, as
// returned by Get and DeltaIterate.
type Entry struct {
	Key     []byte
	Value   []byte
	Version int64
}

// Client is a table-map client bound to one metadata segment.
type Client struct {
	raw             *rawclient.RawClient
	segment         stream.ScopedSegment
	delegationToken string
}

// New returns a Client issuing table-map RPCs for |segment| over |raw|.
func New(raw *rawclient.RawClient, segment stream.ScopedSegment, delegationToken string) *Client {
	return &Client{raw: raw, segment: segment, delegationToken: delegationToken}
}

// Put conditionally writes one entry: if expectedVersion is -1 the write is
// unconditional (insert-or-overwrite); otherwise the store's current version
// for the key must equal expectedVersion or the write is rejected wholesale
// with ErrBadKeyVersion (spec §4.6). Returns the new version on success.
func (c *Client) Put(ctx context.Context, key, value []byte, expectedVersion int64) (int64, error) {
	var versions, err = c.PutAll(ctx, []wire.TableEntry{{Key: key, KeyVersion: expectedVersion, Value: value}})
	if err != nil {
		return 0, err
	}
	return versions[0], nil
}

// PutAll applies a batch of conditional entries atomically: either all
// succeed and each returns its new version, or none are applied and
// ErrBadKeyVersion is returned (spec §4.6).
func (c *Client) PutAll(ctx context.Context, entries []wire.TableEntry) ([]int64, error) {
	var req = &wire.UpdateTableEntries{
		Segment:         c.segment,
		DelegationToken: c.delegationToken,
		TableEntries:    entries,
	}
	var reply, err = c.raw.SendRequest(ctx, req)
	if err != nil {
		return nil, errors.WithMessage(err, "update table entries")
	}

	switch m := reply.(type) {
	case *wire.TableEntriesUpdated:
		return m.UpdatedVersions, nil
	case *wire.BadKeyVersion:
		return nil, ErrBadKeyVersion
	default:
		return nil, errors.Errorf("unexpected reply %T to UpdateTableEntries", reply)
	}
}

// Get reads the current value and version of a key. Returns ErrNotFound if
// the key has no entry, implemented here as a scan of the whole mutation log
// via DeltaIterate, keeping the key's last entry, since the wire protocol has
// no direct point-read message (spec §6 lists only UpdateTableEntries and
// ReadTableEntriesDelta).
func (c *Client) Get(ctx context.Context, key []byte) (Entry, error) {
	var fromPosition int64
	var found *Entry
	for {
		var entries, next, reachedEnd, _, err = c.deltaIterate(ctx, fromPosition, 256)
		if err != nil {
			return Entry{}, err
		}
		for i := range entries {
			if string(entries[i].Key) == string(key) {
				found = &entries[i]
			}
		}
		if reachedEnd {
			if found == nil {
				return Entry{}, ErrNotFound
			}
			return *found, nil
		}
		fromPosition = next
	}
}

// DeltaIterate returns the next batch of mutations to this table map since
// |fromPosition| (0 meaning "from the beginning"), along with the position
// to resume from, whether the end of the log has been reached, and whether
// the caller must discard any entries cached from before this call before
// applying the returned ones (shouldClear, spec §4.6's compaction-driven
// cache-invalidation signal).
func (c *Client) DeltaIterate(ctx context.Context, fromPosition int64, suggestedCount int32) (entries []Entry, nextPosition int64, reachedEnd bool, shouldClear bool, err error) {
	return c.deltaIterate(ctx, fromPosition, suggestedCount)
}

func (c *Client) deltaIterate(ctx context.Context, fromPosition int64, suggestedCount int32) ([]Entry, int64, bool, bool, error) {
	var req = &wire.ReadTableEntriesDelta{
		Segment:             c.segment,
		DelegationToken:     c.delegationToken,
		FromPosition:        fromPosition,
		SuggestedEntryCount: suggestedCount,
	}
	var reply, err = c.raw.SendRequest(ctx, req)
	if err != nil {
		return nil, 0, false, false, errors.WithMessage(err, "read table entries delta")
	}

	var m, ok = reply.(*wire.TableEntriesDeltaRead)
	if !ok {
		return nil, 0, false, false, errors.Errorf("unexpected reply %T to ReadTableEntriesDelta", reply)
	}

	var entries = make([]Entry, len(m.Entries))
	for i, e := range m.Entries {
		entries[i] = Entry{Key: e.Key, Value: e.Value, Version: e.KeyVersion}
	}
	return entries, m.LastPosition, m.ReachedEnd, m.ShouldClear, nil
}
