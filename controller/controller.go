// Package controller defines the adapter contract to the stream controller
// (spec §4.8): stream/scope lifecycle, segment topology queries, and
// transaction primitives. The controller's RPC transport is an external
// collaborator and out of scope (spec §1) — this package specifies the
// client-facing interface and the deadline/cancellation error mapping a
// gRPC-backed implementation would need, following the teacher's
// mapGRPCCtxErr (broker/client/reader.go).
package controller

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.segmentstream.dev/client/stream"
)

// TxnState is the lifecycle state of a transaction (spec §4.8).
type TxnState int

const (
	TxnOpen TxnState = iota
	TxnCommitting
	TxnCommitted
	TxnAborting
	TxnAborted
)

// TxnID identifies one transaction against a stream.
type TxnID struct {
	Stream stream.ScopedStream
	ID     [16]byte
}

// Client is the controller surface a writer, reader, or reader group
// coordinator depends on to resolve stream topology and manage
// transactions (spec §4.8).
type Client interface {
	CreateScope(ctx context.Context, scope string) error
	CreateStream(ctx context.Context, s stream.ScopedStream, segmentCount int) error

	GetCurrentSegments(ctx context.Context, s stream.ScopedStream) (stream.StreamSegments, error)
	GetEndpointForSegment(ctx context.Context, seg stream.ScopedSegment) (string, error)
	GetSuccessors(ctx context.Context, seg stream.ScopedSegment) ([]stream.Segment, error)

	CreateTransaction(ctx context.Context, s stream.ScopedStream, lease int64) (TxnID, error)
	PingTransaction(ctx context.Context, txn TxnID, lease int64) error
	CommitTransaction(ctx context.Context, txn TxnID) error
	AbortTransaction(ctx context.Context, txn TxnID) error
	GetTransactionStatus(ctx context.Context, txn TxnID) (TxnState, error)
}

// ErrSegmentNotFound is returned when a segment or stream named by a
// controller call does not exist (spec §4.8, §7).
var ErrSegmentNotFound = errors.New("segment not found")

// ErrTransactionAborted is returned by operations against a transaction that
// has already aborted, e.g. due to lease expiry (spec §4.8).
var ErrTransactionAborted = errors.New("transaction aborted")

// MapCtxErr unwraps a gRPC status error whose code matches ctx.Err(),
// returning the context error instead so callers can use errors.Is against
// context.DeadlineExceeded / context.Canceled uniformly regardless of
// whether the underlying failure surfaced through gRPC (spec §4.8's
// "Timeout" classification). Mirrors the teacher's mapGRPCCtxErr exactly.
func MapCtxErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded && status.Code(err) == codes.DeadlineExceeded {
		return ctx.Err()
	}
	if ctx.Err() == context.Canceled && status.Code(err) == codes.Canceled {
		return ctx.Err()
	}
	return err
}
