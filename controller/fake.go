package controller

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.segmentstream.dev/client/stream"
)

// Fake is an in-memory controller.Client usable by tests, the Go analog of
// the teacher's broker/teststub fake broker: it holds authoritative stream
// topology in memory and answers every Client method against it, with no
// network transport involved.
type Fake struct {
	mu         sync.Mutex
	scopes     map[string]bool
	streams    map[stream.ScopedStream]stream.StreamSegments
	owners     map[stream.ScopedSegment]string // segment -> endpoint
	successors map[stream.ScopedSegment][]stream.Segment
	txns       map[[16]byte]*fakeTxn
	nextTxn    byte
}

type fakeTxn struct {
	id    TxnID
	state TxnState
}

// NewFake returns an empty Fake controller.
func NewFake() *Fake {
	return &Fake{
		scopes:     make(map[string]bool),
		streams:    make(map[stream.ScopedStream]stream.StreamSegments),
		owners:     make(map[stream.ScopedSegment]string),
		successors: make(map[stream.ScopedSegment][]stream.Segment),
		txns:       make(map[[16]byte]*fakeTxn),
	}
}

func (f *Fake) CreateScope(_ context.Context, scope string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopes[scope] = true
	return nil
}

// CreateStream registers a stream with |segmentCount| segments evenly
// partitioning the routing-key space [0, 1), all owned by a single fake
// endpoint. Tests wanting scaling behavior call Scale directly.
func (f *Fake) CreateStream(_ context.Context, s stream.ScopedStream, segmentCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.scopes[s.Scope] {
		return errors.Errorf("scope %q does not exist", s.Scope)
	}

	var segs = make([]stream.Segment, segmentCount)
	var width = 1.0 / float64(segmentCount)
	for i := range segs {
		segs[i] = stream.Segment{
			Stream: s,
			Number: int64(i),
			Epoch:  0,
			KeyLo:  float64(i) * width,
			KeyHi:  float64(i+1) * width,
		}
		if i == segmentCount-1 {
			segs[i].KeyHi = 1.0
		}
		f.owners[segs[i].ScopedSegment()] = "mock://segment-store"
	}
	f.streams[s] = stream.StreamSegments{Epoch: 0, Segments: segs}
	return nil
}

// Scale replaces the current segment set of |s| with |newSegments| at the
// next epoch, and records |predecessors| as the sealed segments each new
// segment succeeds, so GetSuccessors can answer queries against them. This
// models the controller-driven scaling event of spec §4.5/§4.7.
func (f *Fake) Scale(s stream.ScopedStream, newSegments []stream.Segment, successorsOf map[stream.ScopedSegment][]stream.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var current = f.streams[s]
	var epoch = current.Epoch + 1
	for i := range newSegments {
		newSegments[i].Epoch = epoch
		f.owners[newSegments[i].ScopedSegment()] = "mock://segment-store"
	}
	f.streams[s] = stream.StreamSegments{Epoch: epoch, Segments: newSegments}

	// successorsOf's segment values are stamped with the same new epoch so
	// that GetSuccessors returns identities GetEndpointForSegment can
	// actually resolve, regardless of what epoch the caller supplied them
	// with.
	for pred, succ := range successorsOf {
		var stamped = make([]stream.Segment, len(succ))
		for i, seg := range succ {
			seg.Epoch = epoch
			stamped[i] = seg
		}
		f.successors[pred] = stamped
	}
}

func (f *Fake) GetCurrentSegments(_ context.Context, s stream.ScopedStream) (stream.StreamSegments, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ss, ok = f.streams[s]
	if !ok {
		return stream.StreamSegments{}, ErrSegmentNotFound
	}
	return ss, nil
}

func (f *Fake) GetEndpointForSegment(_ context.Context, seg stream.ScopedSegment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ep, ok = f.owners[seg]
	if !ok {
		return "", ErrSegmentNotFound
	}
	return ep, nil
}

func (f *Fake) GetSuccessors(_ context.Context, seg stream.ScopedSegment) ([]stream.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.successors[seg], nil
}

func (f *Fake) CreateTransaction(_ context.Context, s stream.ScopedStream, _ int64) (TxnID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextTxn++
	var id [16]byte
	id[15] = f.nextTxn
	var txn = TxnID{Stream: s, ID: id}
	f.txns[id] = &fakeTxn{id: txn, state: TxnOpen}
	return txn, nil
}

func (f *Fake) PingTransaction(_ context.Context, txn TxnID, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var t, ok = f.txns[txn.ID]
	if !ok {
		return ErrTransactionAborted
	}
	if t.state != TxnOpen {
		return ErrTransactionAborted
	}
	return nil
}

func (f *Fake) CommitTransaction(_ context.Context, txn TxnID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var t, ok = f.txns[txn.ID]
	if !ok {
		return ErrTransactionAborted
	}
	t.state = TxnCommitted
	return nil
}

func (f *Fake) AbortTransaction(_ context.Context, txn TxnID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var t, ok = f.txns[txn.ID]
	if !ok {
		return nil
	}
	t.state = TxnAborted
	return nil
}

func (f *Fake) GetTransactionStatus(_ context.Context, txn TxnID) (TxnState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var t, ok = f.txns[txn.ID]
	if !ok {
		return TxnAborted, ErrTransactionAborted
	}
	return t.state, nil
}
