// Package mock provides an in-memory segment store usable by tests and by
// consumers of this library configured with connection_type=mock (spec §6).
// It is the Go analog of the teacher's broker/teststub package: a scriptable
// fake server that speaks the real wire protocol over in-memory channels
// instead of a socket.
package mock

import (
	"sync/atomic"

	"go.segmentstream.dev/client/wire"
)

// Conn is an in-memory, in-process wire.Connection. Two Conns constructed by
// NewPair are cross-wired: messages sent on one are received on the other.
type Conn struct {
	endpoint string
	out      chan wire.Message
	in       chan wire.Message
	valid    atomic.Bool
}

// NewPair returns two cross-wired Conns, as if |aEndpoint| had dialed
// |bEndpoint|.
func NewPair(aEndpoint, bEndpoint string) (a, b *Conn) {
	var ab = make(chan wire.Message, 64)
	var ba = make(chan wire.Message, 64)

	a = &Conn{endpoint: aEndpoint, out: ab, in: ba}
	b = &Conn{endpoint: bEndpoint, out: ba, in: ab}
	a.valid.Store(true)
	b.valid.Store(true)
	return a, b
}

func (c *Conn) Endpoint() string { return c.endpoint }

func (c *Conn) Send(m wire.Message) error {
	if !c.valid.Load() {
		return wire.ErrConnectionClosed
	}
	defer func() { recover() }() // Sending on a closed channel after a racing Close.
	c.out <- m
	return nil
}

func (c *Conn) Recv() (wire.Message, error) {
	var m, ok = <-c.in
	if !ok {
		c.valid.Store(false)
		return nil, wire.ErrConnectionClosed
	}
	return m, nil
}

func (c *Conn) IsValid() bool { return c.valid.Load() }

func (c *Conn) Close() error {
	if c.valid.CompareAndSwap(true, false) {
		close(c.out)
	}
	return nil
}
