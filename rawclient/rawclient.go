// Package rawclient implements a per-endpoint request/reply multiplexer atop
// one pooled connection (spec §4.4): it assigns request ids, pipelines
// multiple in-flight requests, and demultiplexes replies (which may arrive
// out of order) back to their caller.
package rawclient

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.segmentstream.dev/client/pool"
	"go.segmentstream.dev/client/wire"
)

// ErrConnectionFailed is delivered to every outstanding request when the
// underlying connection fails; the RawClient's lease is discarded and
// callers must re-acquire (spec §4.4, §7).
var ErrConnectionFailed = errors.New("connection failed")

// UnsolicitedHandler receives server-push messages that don't match any
// outstanding request id. If nil, such messages are dropped with a warning
// (spec §4.4).
type UnsolicitedHandler func(wire.Message)

// RawClient multiplexes requests over a single pooled connection to one
// endpoint. It is safe for concurrent use by multiple callers.
type RawClient struct {
	pool     *pool.Pool
	endpoint string
	listener UnsolicitedHandler

	nextRequestID int64

	mu      sync.Mutex
	lease   *pool.Lease
	pending map[int64]chan replyOrErr
	closed  bool
}

type replyOrErr struct {
	msg wire.Message
	err error
}

// New returns a RawClient dispatching requests to |endpoint| via |p|. If
// |listener| is non-nil, unsolicited server replies are forwarded to it
// instead of being dropped.
func New(p *pool.Pool, endpoint string, listener UnsolicitedHandler) *RawClient {
	return &RawClient{
		pool:     p,
		endpoint: endpoint,
		listener: listener,
		pending:  make(map[int64]chan replyOrErr),
	}
}

// SendRequest writes |req| (assigning it a fresh request id if it bears
// one) and blocks until a reply with the matching request id arrives, the
// connection fails, or |ctx| is done. Multiple in-flight requests are
// permitted; replies may arrive out of order (spec §4.4).
func (c *RawClient) SendRequest(ctx context.Context, req requestMessage) (wire.Message, error) {
	var replyCh = make(chan replyOrErr, 1)

	var id = atomic.AddInt64(&c.nextRequestID, 1)
	req.setRequestID(id)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("raw client closed")
	}
	if c.lease == nil {
		var lease, err = c.pool.Acquire(ctx, c.endpoint)
		if err != nil {
			c.mu.Unlock()
			return nil, errors.WithMessage(err, "acquiring connection")
		}
		c.lease = lease
		go c.recvLoop(lease)
	}
	c.pending[id] = replyCh
	var lease = c.lease

	var err = lease.Conn().Send(req)
	c.mu.Unlock()

	if err != nil {
		c.failAll(lease, errors.WithMessage(ErrConnectionFailed, err.Error()))
		return nil, ErrConnectionFailed
	}

	select {
	case r := <-replyCh:
		return r.msg, r.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// recvLoop reads replies from |lease|'s connection until it fails, routing
// each to its waiting caller by request id, or to the unsolicited listener.
func (c *RawClient) recvLoop(lease *pool.Lease) {
	for {
		var msg, err = lease.Conn().Recv()
		if err != nil {
			c.failAll(lease, errors.WithMessage(ErrConnectionFailed, err.Error()))
			return
		}

		var id, ok = requestID(msg)
		if !ok {
			if c.listener != nil {
				c.listener(msg)
			} else {
				log.WithField("type", msg.TypeCode()).Warn("dropping unsolicited reply with no listener")
			}
			continue
		}

		c.mu.Lock()
		var ch, found = c.pending[id]
		if found {
			delete(c.pending, id)
		}
		c.mu.Unlock()

		if found {
			ch <- replyOrErr{msg: msg}
		} else if c.listener != nil {
			c.listener(msg)
		} else {
			log.WithField("requestId", id).Warn("dropping reply with no matching pending request")
		}
	}
}

// failAll fails every request outstanding against |lease| and discards the
// lease (the underlying connection is already marked invalid by the I/O
// error that triggered this).
func (c *RawClient) failAll(lease *pool.Lease, err error) {
	c.mu.Lock()
	if c.lease != lease {
		// Another goroutine already replaced or closed this lease.
		c.mu.Unlock()
		return
	}
	var pending = c.pending
	c.pending = make(map[int64]chan replyOrErr)
	c.lease = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- replyOrErr{err: err}
	}
	lease.Release()
}

// Close discards any pooled connection and fails all outstanding requests.
func (c *RawClient) Close() {
	c.mu.Lock()
	c.closed = true
	var lease = c.lease
	c.lease = nil
	var pending = c.pending
	c.pending = make(map[int64]chan replyOrErr)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- replyOrErr{err: errors.New("raw client closed")}
	}
	if lease != nil {
		_ = lease.Conn().Close() // Close first so the pool discards it on Release.
		lease.Release()
	}
}

// requestMessage is implemented by every request-shaped wire.Message that
// carries a request id the raw client must assign.
type requestMessage interface {
	wire.Message
	setRequestID(int64)
}

// requestID extracts the request id carried by a reply message, if any.
// Every reply type in spec §6 carries one.
func requestID(m wire.Message) (int64, bool) {
	switch v := m.(type) {
	case *wire.AppendSetup:
		return v.RequestID, true
	case *wire.DataAppended:
		return v.RequestID, true
	case *wire.SegmentRead:
		return v.RequestID, true
	case *wire.TableEntriesUpdated:
		return v.RequestID, true
	case *wire.TableEntriesDeltaRead:
		return v.RequestID, true
	case *wire.SegmentIsSealed:
		return v.RequestID, true
	case *wire.NoSuchSegment:
		return v.RequestID, true
	case *wire.InvalidEventNumber:
		return v.RequestID, true
	case *wire.BadKeyVersion:
		return v.RequestID, true
	case *wire.SegmentIsTruncated:
		return v.RequestID, true
	case *wire.AuthTokenCheckFailed:
		return v.RequestID, true
	default:
		return 0, false
	}
}
