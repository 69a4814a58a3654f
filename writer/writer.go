// Package writer implements the segment writer and its reactor (spec §4.5):
// a single cooperative goroutine per EventStreamWriter owns segment
// selection, per-segment writer sessions, and in-order completion of
// pending appends, including transparent resend across reconnection and
// segment sealing.
package writer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"go.segmentstream.dev/client/controller"
	"go.segmentstream.dev/client/pool"
	"go.segmentstream.dev/client/stream"
	"go.segmentstream.dev/client/wire"
)

// ErrWriterClosed is returned to any pending or future append once the
// writer has been closed (spec §7).
var ErrWriterClosed = errors.New("writer closed")

// ErrNoActiveSegment is returned when no active segment owns an event's
// routing key, which should not happen against a correctly reported
// StreamSegments but is handled defensively (spec §4.5 step 1).
var ErrNoActiveSegment = errors.New("no active segment for routing key")

// defaultIncomingCapacity bounds the reactor's inbound channel, the Go
// analog of spec §5's bounded mailbox; sized per the design ledger's
// resolution of the channel-capacity open question.
const defaultIncomingCapacity = 100

// defaultSendWindowBytes bounds the total size of unacknowledged appends a
// single session will hold in flight; further appends to that session are
// queued unsent until acknowledgments free room, implementing the
// backpressure property of spec §8. WriteEvent itself does not block on it.
const defaultSendWindowBytes = 4 << 20

func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}

// PendingEvent is one caller-submitted event awaiting acknowledgment: the
// Go analog of the teacher's one-shot future, implemented as a
// single-buffered channel instead of a callback.
type PendingEvent struct {
	RoutingKey string
	Data       []byte

	resultCh chan error
}

// NewPendingEvent returns an event ready to submit to a writer.
func NewPendingEvent(routingKey string, data []byte) *PendingEvent {
	return &PendingEvent{RoutingKey: routingKey, Data: data, resultCh: make(chan error, 1)}
}

// Wait blocks until the event is acknowledged or permanently failed, or ctx
// is done.
func (e *PendingEvent) Wait(ctx context.Context) error {
	select {
	case err := <-e.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *PendingEvent) complete(err error) {
	select {
	case e.resultCh <- err:
	default:
	}
}

// Config bears the tunables of an EventStreamWriter (spec §6).
type Config struct {
	SendWindowBytes  int
	IncomingCapacity int
	DelegationToken  string
}

// Option mutates a Config; functional options match the ambient
// configuration style carried from the teacher.
type Option func(*Config)

func WithSendWindowBytes(n int) Option  { return func(c *Config) { c.SendWindowBytes = n } }
func WithIncomingCapacity(n int) Option { return func(c *Config) { c.IncomingCapacity = n } }
func WithDelegationToken(t string) Option {
	return func(c *Config) { c.DelegationToken = t }
}

func defaultConfig() Config {
	return Config{SendWindowBytes: defaultSendWindowBytes, IncomingCapacity: defaultIncomingCapacity}
}

// inflightAppend is one append sent to a session's connection and awaiting
// DataAppended.
type inflightAppend struct {
	pending     *PendingEvent
	eventNumber int64
	size        int
}

const (
	stateSetupPending = iota
	stateOpen
	stateSealing
)

// session is one SegmentWriterSession (spec §4.5): the connection and
// in-order append state for a single active segment.
type session struct {
	segment  stream.Segment
	writerID uuid.UUID
	lease    *pool.Lease

	state                int
	lastAckedEventNumber int64
	nextEventNumber      int64
	inflight             []*inflightAppend
	inflightBytes        int
	waiting              []*PendingEvent   // held back by the send window until room frees up
	pendingDuringSealing []*inflightAppend // events submitted while resend is in progress
}

// incoming tagged variants processed one at a time by the reactor goroutine
// (spec §5's "tagged union of inputs").
type appendEvent struct{ pending *PendingEvent }
type serverReply struct {
	segment stream.ScopedSegment
	msg     wire.Message
}
type connFailed struct {
	segment stream.ScopedSegment
	err     error
}
type scaleEvent struct{ segments stream.StreamSegments }
type closeRequest struct{ done chan struct{} }

// EventStreamWriter is the caller-facing handle to a single stream's writer
// reactor (spec §4.5).
type EventStreamWriter struct {
	ctx      context.Context
	cancel   context.CancelFunc
	incoming chan interface{}
	wg       sync.WaitGroup

	closedMu sync.Mutex
	closed   bool
}

// reactor owns all mutable writer state and runs on a single goroutine; no
// field here is touched from any other goroutine (spec §4.5, §6).
type reactor struct {
	ctx        context.Context
	stream     stream.ScopedStream
	pool       *pool.Pool
	controller controller.Client
	cfg        Config

	currentSegments stream.StreamSegments
	sessions        map[stream.ScopedSegment]*session

	incoming chan interface{}
}

// New creates an EventStreamWriter for |s|, fetching its current segments
// from |ctl| and starting the reactor goroutine.
func New(ctx context.Context, ctl controller.Client, p *pool.Pool, s stream.ScopedStream, opts ...Option) (*EventStreamWriter, error) {
	var cfg = defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var segs, err = ctl.GetCurrentSegments(ctx, s)
	if err != nil {
		return nil, errors.WithMessage(err, "fetching current segments")
	}

	var rctx, cancel = context.WithCancel(ctx)
	var w = &EventStreamWriter{
		ctx:      rctx,
		cancel:   cancel,
		incoming: make(chan interface{}, cfg.IncomingCapacity),
	}
	var r = &reactor{
		ctx:             rctx,
		stream:          s,
		pool:            p,
		controller:      ctl,
		cfg:             cfg,
		currentSegments: segs,
		sessions:        make(map[stream.ScopedSegment]*session),
		incoming:        w.incoming,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		r.run()
	}()
	return w, nil
}

// WriteEventByRoutingKey submits an event keyed by |routingKey|, returning a
// PendingEvent whose Wait resolves once the store has acknowledged it.
func (w *EventStreamWriter) WriteEventByRoutingKey(ctx context.Context, routingKey string, data []byte) (*PendingEvent, error) {
	var e = NewPendingEvent(routingKey, data)

	w.closedMu.Lock()
	var closed = w.closed
	w.closedMu.Unlock()
	if closed {
		return nil, ErrWriterClosed
	}

	select {
	case w.incoming <- appendEvent{pending: e}:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.ctx.Done():
		return nil, ErrWriterClosed
	}
}

// WriteEvent submits an unkeyed event, using its own identity as the
// routing key so repeated calls spread uniformly across active segments
// (spec §4.5's supplemented unkeyed entry point).
func (w *EventStreamWriter) WriteEvent(ctx context.Context, data []byte) (*PendingEvent, error) {
	return w.WriteEventByRoutingKey(ctx, uuid.New().String(), data)
}

// NotifyScale replaces the writer's current segments with |segments|, so
// that later events are routed by them, for callers that learn of a scaling
// event out of band (e.g. a stream-cut watch). It does not query the
// controller.
func (w *EventStreamWriter) NotifyScale(ctx context.Context, segments stream.StreamSegments) error {
	select {
	case w.incoming <- scaleEvent{segments: segments}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close fails every append not yet acknowledged with ErrWriterClosed and
// releases every session's connection. It does not wait for outstanding
// acknowledgments first; there is no flush timeout. It returns once the
// reactor has exited or ctx expires first.
func (w *EventStreamWriter) Close(ctx context.Context) error {
	w.closedMu.Lock()
	if w.closed {
		w.closedMu.Unlock()
		return nil
	}
	w.closed = true
	w.closedMu.Unlock()

	var done = make(chan struct{})
	select {
	case w.incoming <- closeRequest{done: done}:
	case <-ctx.Done():
		w.cancel()
		return ctx.Err()
	}

	select {
	case <-done:
	case <-ctx.Done():
		w.cancel()
		return ctx.Err()
	}
	w.cancel()
	w.wg.Wait()
	return nil
}

func (r *reactor) run() {
	for {
		select {
		case msg := <-r.incoming:
			switch v := msg.(type) {
			case appendEvent:
				r.handleAppend(v)
			case serverReply:
				r.handleReply(v)
			case connFailed:
				r.handleConnFailed(v)
			case scaleEvent:
				r.currentSegments = v.segments
				addTrace(r.ctx, "updated current segments to epoch %d", v.segments.Epoch)
			case closeRequest:
				r.handleClose(v)
				return
			}
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *reactor) handleClose(v closeRequest) {
	for _, sess := range r.sessions {
		for _, ia := range sess.inflight {
			ia.pending.complete(ErrWriterClosed)
		}
		for _, ia := range sess.pendingDuringSealing {
			ia.pending.complete(ErrWriterClosed)
		}
		for _, p := range sess.waiting {
			p.complete(ErrWriterClosed)
		}
		if sess.lease != nil {
			sess.lease.Release()
		}
	}
	close(v.done)
}

func (r *reactor) handleAppend(v appendEvent) {
	var hash = stream.HashRoutingKey(v.pending.RoutingKey)
	var seg, ok = r.currentSegments.SegmentFor(hash)
	if !ok {
		v.pending.complete(ErrNoActiveSegment)
		return
	}

	var sess, err = r.sessionFor(seg)
	if err != nil {
		v.pending.complete(err)
		return
	}

	if sess.state == stateSealing {
		sess.pendingDuringSealing = append(sess.pendingDuringSealing, &inflightAppend{pending: v.pending, size: len(v.pending.Data)})
		return
	}

	// Backpressure (spec §8): hold the event back rather than sending it
	// once the session's unacknowledged bytes would exceed the send window.
	if sess.inflightBytes > 0 && sess.inflightBytes+len(v.pending.Data) > r.cfg.SendWindowBytes {
		sess.waiting = append(sess.waiting, v.pending)
		return
	}

	r.send(sess, v.pending)
}

func (r *reactor) send(sess *session, pending *PendingEvent) {
	var num = sess.nextEventNumber
	sess.nextEventNumber++

	var ia = &inflightAppend{pending: pending, eventNumber: num, size: len(pending.Data)}
	sess.inflight = append(sess.inflight, ia)
	sess.inflightBytes += ia.size

	var framed = wire.EncodeEvent(pending.Data)
	var err = sess.lease.Conn().Send(&wire.AppendBlockEnd{
		WriterID:          sess.writerID,
		SizeOfWholeEvents: int32(len(framed)),
		Data:              framed,
		NumEvents:         1,
		LastEventNumber:   num,
	})
	if err != nil {
		log.WithError(err).WithField("segment", sess.segment.ScopedSegment()).Warn("append send failed; reconnecting")
		r.reestablishAndResend(sess, "reconnecting after append send failure")
	}
}

// sessionFor returns the open session for |seg|, creating and synchronously
// setting it up (spec §4.5's SetupPending state) if one doesn't exist yet.
func (r *reactor) sessionFor(seg stream.Segment) (*session, error) {
	var key = seg.ScopedSegment()
	if sess, ok := r.sessions[key]; ok {
		return sess, nil
	}

	var sess, err = r.establish(seg, uuid.New())
	if err != nil {
		return nil, err
	}
	r.sessions[key] = sess
	return sess, nil
}

// establish dials the segment's owning endpoint, performs SetupAppend, and
// starts the session's reply-pump goroutine (spec §4.5, §6: "one background
// task per SegmentWriterSession reads replies ... and forwards them to the
// reactor").
func (r *reactor) establish(seg stream.Segment, writerID uuid.UUID) (*session, error) {
	var endpoint, err = r.controller.GetEndpointForSegment(r.ctx, seg.ScopedSegment())
	if err != nil {
		return nil, errors.WithMessage(err, "resolving segment endpoint")
	}

	var lease, lerr = r.pool.Acquire(r.ctx, endpoint)
	if lerr != nil {
		return nil, errors.WithMessage(lerr, "acquiring connection")
	}

	if serr := lease.Conn().Send(&wire.SetupAppend{
		WriterID:        writerID,
		Segment:         seg.ScopedSegment(),
		DelegationToken: r.cfg.DelegationToken,
	}); serr != nil {
		lease.Release()
		return nil, errors.WithMessage(serr, "sending setup append")
	}

	var reply, rerr = lease.Conn().Recv()
	if rerr != nil {
		lease.Release()
		return nil, errors.WithMessage(rerr, "receiving append setup")
	}
	var setup, sok = reply.(*wire.AppendSetup)
	if !sok {
		lease.Release()
		return nil, errors.Errorf("unexpected reply %T to SetupAppend", reply)
	}

	var next int64
	if setup.LastEventNumber == wire.NoEventNumber {
		next = 0
	} else {
		next = setup.LastEventNumber + 1
	}

	var sess = &session{
		segment:              seg,
		writerID:             writerID,
		lease:                lease,
		state:                stateOpen,
		lastAckedEventNumber: setup.LastEventNumber,
		nextEventNumber:      next,
	}

	var segKey = seg.ScopedSegment()
	go r.replyPump(segKey, lease)

	addTrace(r.ctx, "established session for %s", segKey)
	return sess, nil
}

// replyPump runs on its own goroutine, forwarding every message it reads
// from |lease|'s connection to the reactor as a serverReply, or a
// connFailed once the connection breaks (spec §6).
func (r *reactor) replyPump(seg stream.ScopedSegment, lease *pool.Lease) {
	for {
		var msg, err = lease.Conn().Recv()
		if err != nil {
			select {
			case r.incoming <- connFailed{segment: seg, err: err}:
			case <-r.ctx.Done():
			}
			return
		}
		select {
		case r.incoming <- serverReply{segment: seg, msg: msg}:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *reactor) handleReply(v serverReply) {
	var sess, ok = r.sessions[v.segment]
	if !ok {
		return // Stale reply from a session already torn down.
	}

	switch m := v.msg.(type) {
	case *wire.DataAppended:
		r.ackThrough(sess, m.EventNumber)
	case *wire.SegmentIsSealed:
		r.handleSealed(sess)
	case *wire.NoSuchSegment:
		r.failSession(sess, errors.Errorf("no such segment: %s", m.Message))
	case *wire.InvalidEventNumber:
		r.failSession(sess, errors.Errorf("invalid event number: %s", m.Message))
	case *wire.AuthTokenCheckFailed:
		r.failSession(sess, errors.Errorf("auth token check failed: %s", m.Message))
	default:
		log.WithField("type", v.msg.TypeCode()).Warn("unexpected reply to append session")
	}
}

// ackThrough completes every inflight append with eventNumber <= |eventNumber|,
// in order (spec §8's completion-ordering property). A lower-or-equal ack
// after a higher one has already been observed is a protocol violation
// (spec §4.5 step 4) and resets the session rather than completing anything.
func (r *reactor) ackThrough(sess *session, eventNumber int64) {
	if eventNumber <= sess.lastAckedEventNumber {
		log.WithField("segment", sess.segment.ScopedSegment()).
			WithField("acked", eventNumber).
			WithField("lastAcked", sess.lastAckedEventNumber).
			Warn("non-monotonic ack; resetting session")
		r.reestablishAndResend(sess, "resetting session after non-monotonic ack")
		return
	}

	var i int
	for ; i < len(sess.inflight); i++ {
		var ia = sess.inflight[i]
		if ia.eventNumber > eventNumber {
			break
		}
		sess.inflightBytes -= ia.size
		ia.pending.complete(nil)
	}
	sess.inflight = sess.inflight[i:]
	sess.lastAckedEventNumber = eventNumber

	// Release waiting events now that the window has room, preserving
	// submission order.
	for len(sess.waiting) > 0 {
		var next = sess.waiting[0]
		if sess.inflightBytes > 0 && sess.inflightBytes+len(next.Data) > r.cfg.SendWindowBytes {
			break
		}
		sess.waiting = sess.waiting[1:]
		r.send(sess, next)
	}
}

// handleSealed resends every unacknowledged append, in order, against the
// segment's successor (spec §4.5, §8 scenario S2/S7).
func (r *reactor) handleSealed(sess *session) {
	sess.state = stateSealing
	addTrace(r.ctx, "segment %s sealed; resolving successor", sess.segment.ScopedSegment())

	var successors, err = r.controller.GetSuccessors(r.ctx, sess.segment.ScopedSegment())
	if err != nil || len(successors) == 0 {
		r.failSession(sess, errors.WithMessage(err, "resolving successor after seal"))
		return
	}

	// A single-successor segment is the common case this reactor resends
	// against directly; a fan-out scale event requires the caller to have
	// already delivered an updated StreamSegments via NotifyScale, at which
	// point handleAppend's selector routes new events to the right child.
	var next = successors[0]

	var newSess, eerr = r.establish(next, sess.writerID)
	if eerr != nil {
		r.failSession(sess, errors.WithMessage(eerr, "establishing successor session"))
		return
	}

	delete(r.sessions, sess.segment.ScopedSegment())
	r.sessions[next.ScopedSegment()] = newSess
	if sess.lease != nil {
		sess.lease.Release()
	}

	var toResend = append(sess.inflight, sess.pendingDuringSealing...)
	for _, ia := range toResend {
		r.send(newSess, ia.pending)
	}
	for _, p := range sess.waiting {
		r.send(newSess, p)
	}
}

// failSession permanently fails every inflight (and queued) append on
// |sess| and releases its connection (spec §7).
func (r *reactor) failSession(sess *session, err error) {
	for _, ia := range sess.inflight {
		ia.pending.complete(err)
	}
	for _, ia := range sess.pendingDuringSealing {
		ia.pending.complete(err)
	}
	for _, p := range sess.waiting {
		p.complete(err)
	}
	sess.inflight = nil
	sess.pendingDuringSealing = nil
	sess.waiting = nil
	delete(r.sessions, sess.segment.ScopedSegment())
	if sess.lease != nil {
		sess.lease.Release()
	}
}

// handleConnFailed reconnects the named segment's session (not sealed, a
// transient connection failure) and resends its unacknowledged appends in
// order (spec §8's resend property).
func (r *reactor) handleConnFailed(v connFailed) {
	var sess, ok = r.sessions[v.segment]
	if !ok {
		return
	}
	if sess.state == stateSealing {
		return // Already being handled by handleSealed's successor resend.
	}

	log.WithError(v.err).WithField("segment", v.segment).Warn("append session connection failed; reconnecting")
	r.reestablishAndResend(sess, "reconnecting append session")
}

// reestablishAndResend releases |sess|'s lease back to the pool (which
// discards the connection only if it is no longer valid), opens a fresh
// SetupAppend session with the same writerID and segment (resuming
// numbering from the store's own last-acked event number, spec §4.5 step 2),
// and resends every still-unacknowledged append against it, in order. Used
// on transient connection failure (a failed send or a failed receive) and on
// a non-monotonic ack (spec §8's
// resend property, §4.5 step 4's "causes session reset").
func (r *reactor) reestablishAndResend(sess *session, reason string) {
	var newSess, err = r.establish(sess.segment, sess.writerID)
	if err != nil {
		r.failSession(sess, errors.WithMessage(err, reason))
		return
	}

	r.sessions[sess.segment.ScopedSegment()] = newSess
	if sess.lease != nil {
		sess.lease.Release()
	}

	var toResend = sess.inflight
	for _, ia := range toResend {
		r.send(newSess, ia.pending)
	}
}
