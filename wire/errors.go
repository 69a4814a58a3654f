package wire

import "github.com/pkg/errors"

var (
	// ErrInvalidData is returned by Decode when a byte string is not a valid
	// encoding of any message: an unknown type code, a truncated payload, or
	// a field-level parse error (negative length, malformed UTF-8).
	ErrInvalidData = errors.New("invalid data")

	// ErrTruncatedFrame is returned when a short read occurs after the
	// length prefix of a frame has been fully read, but before its payload
	// has been.
	ErrTruncatedFrame = errors.New("truncated frame")

	// ErrConnectionClosed is returned when a short read occurs before the
	// length prefix of a frame completes: the peer closed the connection
	// between frames, which is not itself an error condition for the frame
	// boundary, only for whoever is waiting on the next frame.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrWrongHelloVersion is returned by Open when the server's advertised
	// wire-version range does not include this client's WireVersion.
	ErrWrongHelloVersion = errors.New("wrong hello version")

	// ErrPayloadTooLarge is returned by Encode when a message's encoded
	// payload would exceed the 4-byte signed length prefix's range.
	ErrPayloadTooLarge = errors.New("payload length exceeds 2^31-1")
)

// WrongHelloVersionError carries both sides' advertised wire versions, per
// spec §4.2 ("fails with WrongHelloVersion carrying both sides' versions").
type WrongHelloVersionError struct {
	WireVersion          int32
	OldestCompatible     int32
	PeerWireVersion      int32
	PeerOldestCompatible int32
}

func (e *WrongHelloVersionError) Error() string {
	return errors.Wrapf(ErrWrongHelloVersion,
		"local [%d,%d] incompatible with peer [%d,%d]",
		e.OldestCompatible, e.WireVersion, e.PeerOldestCompatible, e.PeerWireVersion).Error()
}

func (e *WrongHelloVersionError) Unwrap() error { return ErrWrongHelloVersion }
