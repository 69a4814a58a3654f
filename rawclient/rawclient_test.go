package rawclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"go.segmentstream.dev/client/mock"
	"go.segmentstream.dev/client/pool"
	"go.segmentstream.dev/client/stream"
	"go.segmentstream.dev/client/wire"
)

// pairManager hands out one side of a mock.Conn pair per endpoint, keeping
// the other side (the "server" side) so a test can drive replies.
type pairManager struct {
	mu    sync.Mutex
	peers map[string]*mock.Conn
}

func newPairManager() *pairManager {
	return &pairManager{peers: make(map[string]*mock.Conn)}
}

func (m *pairManager) EstablishConnection(endpoint string) (wire.Connection, error) {
	var client, server = mock.NewPair(endpoint, "server")
	m.mu.Lock()
	m.peers[endpoint] = server
	m.mu.Unlock()
	return client, nil
}

func (m *pairManager) peer(endpoint string) *mock.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[endpoint]
}

func (m *pairManager) IsValid(conn wire.Connection) bool { return conn.IsValid() }
func (m *pairManager) MaxConnections() int               { return 16 }

// TestSendRequestMatchesReplyByRequestID is scenario-adjacent to S1: a
// SetupAppend sent through the raw client gets its request id echoed back
// on an AppendSetup reply, and SendRequest returns exactly that reply.
func TestSendRequestMatchesReplyByRequestID(t *testing.T) {
	var mgr = newPairManager()
	var p = pool.New(mgr)
	var c = New(p, "segstore-1:9090", nil)

	var seg = stream.ScopedSegment{Stream: stream.ScopedStream{Scope: "scope", Stream: "s"}, Number: 0, Epoch: 0}
	var req = &wire.SetupAppend{WriterID: uuid.New(), Segment: seg}

	var done = make(chan struct{})
	var replyErr error
	var reply wire.Message
	go func() {
		reply, replyErr = c.SendRequest(context.Background(), req)
		close(done)
	}()

	require.Eventually(t, func() bool { return mgr.peer("segstore-1:9090") != nil }, time.Second, time.Millisecond)
	var server = mgr.peer("segstore-1:9090")

	var sent, err = server.Recv()
	require.NoError(t, err)
	var setup, ok = sent.(*wire.SetupAppend)
	require.True(t, ok)
	assert.NotZero(t, setup.RequestID)

	require.NoError(t, server.Send(&wire.AppendSetup{
		RequestID:       setup.RequestID,
		Segment:         seg,
		WriterID:        setup.WriterID,
		LastEventNumber: -1,
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not return")
	}
	require.NoError(t, replyErr)
	var setupReply, isSetup = reply.(*wire.AppendSetup)
	require.True(t, isSetup)
	assert.Equal(t, setup.RequestID, setupReply.RequestID)
}

// TestSendRequestPipelinesOutOfOrderReplies exercises spec §4.4's pipelining
// guarantee: two concurrent requests are matched to their replies correctly
// even when the replies arrive in reverse order.
func TestSendRequestPipelinesOutOfOrderReplies(t *testing.T) {
	var mgr = newPairManager()
	var p = pool.New(mgr)
	var c = New(p, "segstore-1:9090", nil)

	var seg = stream.ScopedSegment{Stream: stream.ScopedStream{Scope: "scope", Stream: "s"}, Number: 0, Epoch: 0}

	type result struct {
		reply wire.Message
		err   error
	}
	var results = make([]chan result, 2)
	for i := range results {
		results[i] = make(chan result, 1)
	}

	var req0 = &wire.SetupAppend{WriterID: uuid.New(), Segment: seg}
	var req1 = &wire.SetupAppend{WriterID: uuid.New(), Segment: seg}
	go func() {
		var r, err = c.SendRequest(context.Background(), req0)
		results[0] <- result{r, err}
	}()
	go func() {
		var r, err = c.SendRequest(context.Background(), req1)
		results[1] <- result{r, err}
	}()

	require.Eventually(t, func() bool { return mgr.peer("segstore-1:9090") != nil }, time.Second, time.Millisecond)
	var server = mgr.peer("segstore-1:9090")

	var first, err1 = server.Recv()
	require.NoError(t, err1)
	var second, err2 = server.Recv()
	require.NoError(t, err2)

	var firstID = first.(*wire.SetupAppend).RequestID
	var secondID = second.(*wire.SetupAppend).RequestID

	// Reply to the second request first.
	require.NoError(t, server.Send(&wire.AppendSetup{RequestID: secondID, Segment: seg, LastEventNumber: -1}))
	require.NoError(t, server.Send(&wire.AppendSetup{RequestID: firstID, Segment: seg, LastEventNumber: -1}))

	var r1 = <-results[0]
	var r2 = <-results[1]
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	// The goroutines may send in either order, so match each reply against
	// the id its own request was assigned.
	assert.Equal(t, req0.RequestID, r1.reply.(*wire.AppendSetup).RequestID)
	assert.Equal(t, req1.RequestID, r2.reply.(*wire.AppendSetup).RequestID)
}

// TestConnectionFailureFailsOutstandingRequests is spec §4.4, §7: when the
// connection fails, every outstanding SendRequest fails with
// ErrConnectionFailed and a subsequent call re-acquires a fresh connection.
func TestConnectionFailureFailsOutstandingRequests(t *testing.T) {
	var mgr = newPairManager()
	var p = pool.New(mgr)
	var c = New(p, "segstore-1:9090", nil)

	var seg = stream.ScopedSegment{Stream: stream.ScopedStream{Scope: "scope", Stream: "s"}, Number: 0, Epoch: 0}

	var done = make(chan error, 1)
	go func() {
		var _, err = c.SendRequest(context.Background(), &wire.SetupAppend{Segment: seg})
		done <- err
	}()

	require.Eventually(t, func() bool { return mgr.peer("segstore-1:9090") != nil }, time.Second, time.Millisecond)
	var server = mgr.peer("segstore-1:9090")
	_, err := server.Recv()
	require.NoError(t, err)

	require.NoError(t, server.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionFailed)
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not observe connection failure")
	}

	// A subsequent request re-acquires a new connection to the same endpoint.
	go func() {
		var _, _ = c.SendRequest(context.Background(), &wire.SetupAppend{Segment: seg})
	}()
	require.Eventually(t, func() bool {
		var s = mgr.peer("segstore-1:9090")
		return s != nil && s != server
	}, time.Second, time.Millisecond)
}

// TestUnsolicitedReplyDeliveredToListener covers the server-push path: a
// reply whose request id matches nothing pending is handed to the
// registered UnsolicitedHandler rather than dropped.
func TestUnsolicitedReplyDeliveredToListener(t *testing.T) {
	var mgr = newPairManager()
	var p = pool.New(mgr)

	var received = make(chan wire.Message, 1)
	var c = New(p, "segstore-1:9090", func(m wire.Message) { received <- m })

	var seg = stream.ScopedSegment{Stream: stream.ScopedStream{Scope: "scope", Stream: "s"}, Number: 0, Epoch: 0}
	go func() { _, _ = c.SendRequest(context.Background(), &wire.SetupAppend{Segment: seg}) }()

	require.Eventually(t, func() bool { return mgr.peer("segstore-1:9090") != nil }, time.Second, time.Millisecond)
	var server = mgr.peer("segstore-1:9090")
	_, _ = server.Recv()

	require.NoError(t, server.Send(&wire.AppendSetup{RequestID: 999999, Segment: seg, LastEventNumber: -1}))

	select {
	case m := <-received:
		assert.Equal(t, int64(999999), m.(*wire.AppendSetup).RequestID)
	case <-time.After(time.Second):
		t.Fatal("unsolicited reply was not delivered to listener")
	}
}
