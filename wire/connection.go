package wire

import (
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// WireVersion and OldestCompatibleVersion are the endpoints of the wire
// protocol version range this client speaks (spec §4.2, §6).
const (
	WireVersion             int32 = 9
	OldestCompatibleVersion int32 = 5
)

// Connection is the capability set a raw client or pool lease actually needs
// from a connection: send a frame, receive the next frame, and check
// liveness. Per spec §9 ("replace dynamic dispatch... with a sealed variant
// of connection kinds... callers hold it behind a thin capability set"), the
// real TCP connection (FramedConnection, below) and the in-memory mock
// (mock.Conn) both satisfy this interface; callers never branch on
// which one they were handed.
type Connection interface {
	Endpoint() string
	Send(Message) error
	Recv() (Message, error)
	IsValid() bool
	Close() error
}

// FramedConnection wraps a net.Conn with length-prefixed framing and the
// hello handshake (spec §4.2). It is not safe for concurrent senders; the
// raw client package serializes access to Send.
type FramedConnection struct {
	endpoint string
	conn     net.Conn
	valid    atomic.Bool
}

// Open establishes a TCP connection to |endpoint| and performs the hello
// handshake: send Hello{WireVersion, OldestCompatibleVersion}, await the
// peer's Hello, and verify its [low, high] range admits WireVersion. The
// dial itself honors |dialTimeout| if non-zero.
func Open(endpoint string, dialTimeout time.Duration) (*FramedConnection, error) {
	var dialer = net.Dialer{Timeout: dialTimeout}
	var conn, err = dialer.Dial("tcp", endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", endpoint)
	}

	var fc = &FramedConnection{endpoint: endpoint, conn: conn}
	fc.valid.Store(true)

	if err = fc.helloHandshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return fc, nil
}

func (fc *FramedConnection) helloHandshake() error {
	var hello = &Hello{HighVersion: WireVersion, LowVersion: OldestCompatibleVersion}
	if err := fc.Send(hello); err != nil {
		return errors.WithMessage(err, "sending hello")
	}

	var reply, err = fc.Recv()
	if err != nil {
		return errors.WithMessage(err, "receiving hello")
	}
	var peer, ok = reply.(*Hello)
	if !ok {
		fc.valid.Store(false)
		return errors.Errorf("expected Hello reply, got %T", reply)
	}
	if peer.LowVersion > WireVersion || peer.HighVersion < WireVersion {
		fc.valid.Store(false)
		return &WrongHelloVersionError{
			WireVersion:          WireVersion,
			OldestCompatible:     OldestCompatibleVersion,
			PeerWireVersion:      peer.HighVersion,
			PeerOldestCompatible: peer.LowVersion,
		}
	}
	return nil
}

// Endpoint returns the "host:port" this connection was opened against.
func (fc *FramedConnection) Endpoint() string { return fc.endpoint }

// Send writes one framed message. Any I/O error invalidates the connection.
func (fc *FramedConnection) Send(m Message) error {
	var frame, err = Encode(m)
	if err != nil {
		return err
	}
	if _, err = fc.conn.Write(frame); err != nil {
		fc.valid.Store(false)
		return errors.WithMessage(err, "writing frame")
	}
	return nil
}

// Recv reads and decodes the next frame. A short read before the length
// prefix completes returns ErrConnectionClosed; a short read after it
// returns ErrTruncatedFrame. Either invalidates the connection, as does any
// other I/O error.
func (fc *FramedConnection) Recv() (Message, error) {
	var header [8]byte
	if _, err := io.ReadFull(fc.conn, header[:]); err != nil {
		fc.valid.Store(false)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrConnectionClosed
		}
		return nil, errors.WithMessage(err, "reading frame header")
	}

	var length = binary.BigEndian.Uint32(header[4:8])
	if length > uint32(MaxPayloadLength) {
		fc.valid.Store(false)
		return nil, errors.Wrap(ErrInvalidData, "advertised payload too large")
	}

	var payload = make([]byte, length)
	if _, err := io.ReadFull(fc.conn, payload); err != nil {
		fc.valid.Store(false)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFrame
		}
		return nil, errors.WithMessage(err, "reading frame payload")
	}

	var frame = make([]byte, 8+len(payload))
	copy(frame, header[:])
	copy(frame[8:], payload)

	var msg, err = Decode(frame)
	if err != nil {
		fc.valid.Store(false)
		return nil, err
	}
	return msg, nil
}

// IsValid returns false once any I/O error (including a failed handshake)
// has been observed on this connection.
func (fc *FramedConnection) IsValid() bool { return fc.valid.Load() }

// Close tears down the underlying TCP connection and marks it invalid.
func (fc *FramedConnection) Close() error {
	fc.valid.Store(false)
	return fc.conn.Close()
}
