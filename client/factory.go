// Package client implements the ClientFactory (spec §5, §9): the
// runtime bundle handed to every writer, reader, and reader group a caller
// creates — a connection pool, a controller client, and the configuration
// knobs of spec §6. It is the Go analog of the teacher's consumer.Service:
// a single place that owns shared runtime plumbing, without any
// process-wide singleton (spec §9: "no process-wide singletons"). It is not
// reference-counted: one Close call closes every writer and reader group it
// created, and the pool's connections are not closed.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.segmentstream.dev/client/controller"
	"go.segmentstream.dev/client/group"
	"go.segmentstream.dev/client/pool"
	"go.segmentstream.dev/client/rawclient"
	"go.segmentstream.dev/client/stream"
	"go.segmentstream.dev/client/tablemap"
	"go.segmentstream.dev/client/wire"
	"go.segmentstream.dev/client/writer"
)

// ErrFactoryClosed is returned by any Factory method called after Close.
var ErrFactoryClosed = errors.New("client factory closed")

// Config bears the options of spec §6 recognized by the core. ControllerURI
// is informational here: this package is handed an already-constructed
// controller.Client (its RPC transport is an external collaborator per
// spec §1), but the field is retained because it is part of the documented
// configuration surface a caller assembles before constructing a Factory.
type Config struct {
	ControllerURI        string
	MaxConnectionsInPool int
	ReaderTimeout        time.Duration
	ChannelCapacity      int
	DialTimeout          time.Duration
	DelegationToken      string
}

// Option mutates a Config.
type Option func(*Config)

func WithControllerURI(uri string) Option { return func(c *Config) { c.ControllerURI = uri } }
func WithMaxConnectionsInPool(n int) Option {
	return func(c *Config) { c.MaxConnectionsInPool = n }
}
func WithReaderTimeout(d time.Duration) Option { return func(c *Config) { c.ReaderTimeout = d } }
func WithChannelCapacity(n int) Option         { return func(c *Config) { c.ChannelCapacity = n } }
func WithDialTimeout(d time.Duration) Option   { return func(c *Config) { c.DialTimeout = d } }
func WithDelegationToken(t string) Option      { return func(c *Config) { c.DelegationToken = t } }

func defaultConfig() Config {
	return Config{
		MaxConnectionsInPool: 16,
		ReaderTimeout:        30 * time.Second,
		ChannelCapacity:      100,
		DialTimeout:          10 * time.Second,
	}
}

// realManager establishes real TCP FramedConnections and bounds them per
// endpoint at Config.MaxConnectionsInPool (spec §4.3). It is the "real"
// half of the sealed connection-kind split described in spec §9; the mock
// half is mock.SegmentStore.Dial, used directly by tests without a Factory.
type realManager struct {
	dialTimeout time.Duration
	max         int
}

func (m *realManager) EstablishConnection(endpoint string) (wire.Connection, error) {
	return wire.Open(endpoint, m.dialTimeout)
}

func (m *realManager) IsValid(conn wire.Connection) bool { return conn.IsValid() }

func (m *realManager) MaxConnections() int { return m.max }

// Factory is the bundle of shared runtime state (spec §5, §9): one
// connection pool and one controller client, shared by every writer, reader,
// and reader group constructed through it. Its lifecycle is constructed at
// NewFactory, torn down at the first Close (there is no reference count);
// there is no global mutable state elsewhere in the core (spec §5).
type Factory struct {
	cfg  Config
	ctl  controller.Client
	pool *pool.Pool

	mu      sync.Mutex
	closed  bool
	writers []*writer.EventStreamWriter
	groups  []*group.ReaderGroup
}

// NewFactory returns a Factory using |ctl| to resolve stream topology and
// pooling real TCP connections per |opts| — the connection_type=real case of
// spec §6.
func NewFactory(ctl controller.Client, opts ...Option) *Factory {
	var cfg = defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	var mgr = &realManager{dialTimeout: cfg.DialTimeout, max: cfg.MaxConnectionsInPool}
	return NewFactoryWithManager(ctl, mgr, opts...)
}

// NewFactoryWithManager returns a Factory pooling connections established by
// |mgr| rather than real TCP dials — the connection_type=mock case of spec
// §6, exercised by tests against a mock.SegmentStore-backed Manager, and
// available to any caller that wants a non-default transport without
// re-implementing writer/reader/group wiring.
func NewFactoryWithManager(ctl controller.Client, mgr pool.Manager, opts ...Option) *Factory {
	var cfg = defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Factory{
		cfg:  cfg,
		ctl:  ctl,
		pool: pool.New(mgr),
	}
}

// newRawClient returns a RawClient multiplexing requests to |endpoint| over
// the Factory's shared pool. Used for a reader group's table-map client and
// as the `newRaw` dependency of ReaderGroup/SegmentReader instances;
// EventStreamWriter sessions acquire connections from the pool directly.
func (f *Factory) newRawClient(endpoint string) *rawclient.RawClient {
	return rawclient.New(f.pool, endpoint, nil)
}

// CreateEventWriter constructs an EventStreamWriter for |s|, wired against
// the Factory's pool and controller client (spec §4.5, §5).
func (f *Factory) CreateEventWriter(ctx context.Context, s stream.ScopedStream, opts ...writer.Option) (*writer.EventStreamWriter, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFactoryClosed
	}
	f.mu.Unlock()

	var allOpts = append([]writer.Option{
		writer.WithIncomingCapacity(f.cfg.ChannelCapacity),
		writer.WithDelegationToken(f.cfg.DelegationToken),
	}, opts...)

	var w, err = writer.New(ctx, f.ctl, f.pool, s, allOpts...)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = w.Close(ctx)
		return nil, ErrFactoryClosed
	}
	f.writers = append(f.writers, w)
	f.mu.Unlock()

	return w, nil
}

// CreateReaderGroup constructs a ReaderGroup identified by |readerID|,
// whose shared state lives in |stateSegment| (spec §4.6), wired against the
// Factory's controller client and a RawClient-per-endpoint factory backed
// by the shared pool.
func (f *Factory) CreateReaderGroup(ctx context.Context, readerID string, stateSegment stream.ScopedSegment) (*group.ReaderGroup, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFactoryClosed
	}
	f.mu.Unlock()

	var endpoint, err = f.ctl.GetEndpointForSegment(ctx, stateSegment)
	if err != nil {
		return nil, errors.WithMessage(err, "resolving reader group state segment endpoint")
	}

	var tbl = tablemap.New(f.newRawClient(endpoint), stateSegment, f.cfg.DelegationToken)
	var coord = group.NewCoordinator(tbl, f.cfg.ReaderTimeout, func() int64 { return time.Now().Unix() })

	var g *group.ReaderGroup
	g, err = group.NewReaderGroup(ctx, readerID, coord, f.ctl, f.newRawClient)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		g.Close(ctx)
		return nil, ErrFactoryClosed
	}
	f.groups = append(f.groups, g)
	f.mu.Unlock()

	return g, nil
}

// Close stops accepting new writers and reader groups, then closes every
// reader group and writer created through this Factory. It follows the
// first two steps of the teacher's consumer.Service shutdown ordering (stop
// accepting new work → drain existing work); the shared pool is not closed
// (spec §5 supplement).
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	var writers = f.writers
	var groups = f.groups
	f.writers = nil
	f.groups = nil
	f.mu.Unlock()

	var firstErr error
	for _, g := range groups {
		g.Close(ctx)
	}
	for _, w := range writers {
		if err := w.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		log.WithError(firstErr).Warn("error closing factory-owned writer or reader group")
	}
	return firstErr
}
