// Package pool implements an endpoint-keyed pool of framed connections,
// bounded per endpoint, with FIFO-fair waiters (spec §4.3).
package pool

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.segmentstream.dev/client/wire"
)

// ErrEstablishConnection wraps the underlying I/O error from a failed
// Manager.EstablishConnection call. Callers may retry at a higher level
// (spec §4.3, §7).
var ErrEstablishConnection = errors.New("establish connection")

// Manager is supplied by the caller to parametrize a Pool: it knows how to
// open a new connection to an endpoint, how to check whether an existing one
// is still usable, and how many connections may be open per endpoint.
type Manager interface {
	EstablishConnection(endpoint string) (wire.Connection, error)
	IsValid(conn wire.Connection) bool
	MaxConnections() int
}

// Pool is an endpoint-keyed set of pooled connections. At no point does the
// count of checked-out plus idle connections for an endpoint exceed
// Manager.MaxConnections().
type Pool struct {
	manager Manager

	mu        sync.Mutex
	endpoints map[string]*endpointState
}

// New returns a Pool parametrized by |manager|.
func New(manager Manager) *Pool {
	return &Pool{
		manager:   manager,
		endpoints: make(map[string]*endpointState),
	}
}

type endpointState struct {
	idle    []wire.Connection
	numOpen int
	waiters []chan wire.Connection // FIFO: appended at the back, served from the front.
}

// Lease is a checked-out connection. The caller must call Release exactly
// once when done with it. Releasing returns the connection to the pool iff
// it's still valid, else discards it and frees its slot.
type Lease struct {
	pool     *Pool
	endpoint string
	conn     wire.Connection
	released bool
}

// Conn returns the leased connection.
func (l *Lease) Conn() wire.Connection { return l.conn }

// Release returns the lease's connection to the pool, or discards it if
// IsValid no longer holds. Safe to call at most once; a second call panics,
// matching the teacher's convention of panicking on state-machine misuse
// (see broker/append_fsm.go's mustState) rather than silently ignoring a
// caller bug.
func (l *Lease) Release() {
	if l.released {
		panic("Lease.Release called twice")
	}
	l.released = true
	l.pool.release(l.endpoint, l.conn)
}

// Acquire returns a lease on a valid connection to |endpoint|: an idle one
// if available, a freshly established one if the endpoint is under its
// MaxConnections cap, or else blocks (honoring ctx) until a connection is
// released by another holder. Waiters for the same endpoint are served in
// FIFO order (spec §4.3 fairness).
func (p *Pool) Acquire(ctx context.Context, endpoint string) (*Lease, error) {
	p.mu.Lock()
	var ep, ok = p.endpoints[endpoint]
	if !ok {
		ep = &endpointState{}
		p.endpoints[endpoint] = ep
	}

	for len(ep.idle) > 0 {
		var conn = ep.idle[0]
		ep.idle = ep.idle[1:]
		if !p.manager.IsValid(conn) {
			ep.numOpen--
			_ = conn.Close()
			continue
		}
		p.mu.Unlock()
		return &Lease{pool: p, endpoint: endpoint, conn: conn}, nil
	}

	if ep.numOpen < p.manager.MaxConnections() {
		ep.numOpen++
		p.mu.Unlock()

		var conn, err = p.manager.EstablishConnection(endpoint)
		if err != nil {
			p.mu.Lock()
			ep.numOpen--
			p.mu.Unlock()
			return nil, errors.Wrapf(ErrEstablishConnection, "%s: %s", endpoint, err)
		}
		return &Lease{pool: p, endpoint: endpoint, conn: conn}, nil
	}

	// At capacity: enqueue as a FIFO waiter and block for a release.
	var waitCh = make(chan wire.Connection, 1)
	ep.waiters = append(ep.waiters, waitCh)
	p.mu.Unlock()

	select {
	case conn := <-waitCh:
		return &Lease{pool: p, endpoint: endpoint, conn: conn}, nil
	case <-ctx.Done():
		// Best-effort: remove ourselves from the waiter queue so a later
		// release doesn't hand a connection to an abandoned waiter. If a
		// release already raced us and sent on waitCh, drain and return it
		// to the pool instead of leaking it.
		p.mu.Lock()
		for i, w := range ep.waiters {
			if w == waitCh {
				ep.waiters = append(ep.waiters[:i], ep.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()

		select {
		case conn := <-waitCh:
			p.release(endpoint, conn)
		default:
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) release(endpoint string, conn wire.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ep = p.endpoints[endpoint]
	if ep == nil {
		_ = conn.Close()
		return
	}

	if !p.manager.IsValid(conn) {
		ep.numOpen--
		_ = conn.Close()
		log.WithField("endpoint", endpoint).Debug("discarding invalid connection on release")
		return
	}

	if len(ep.waiters) > 0 {
		var w = ep.waiters[0]
		ep.waiters = ep.waiters[1:]
		w <- conn
		return
	}

	ep.idle = append(ep.idle, conn)
}

// Stats reports the current open (checked-out + idle) connection count for
// an endpoint, for tests and diagnostics.
func (p *Pool) Stats(endpoint string) (open, idle, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ep = p.endpoints[endpoint]
	if ep == nil {
		return 0, 0, 0
	}
	return ep.numOpen, len(ep.idle), len(ep.waiters)
}
