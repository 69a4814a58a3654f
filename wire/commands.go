package wire

import (
	"github.com/google/uuid"

	"go.segmentstream.dev/client/stream"
)

// Type codes for every message named in spec §6. Values are arbitrary but
// stable; they are the wire identity of each message type.
const (
	TypeHello                   int32 = 1
	TypeSetupAppend             int32 = 2
	TypeAppendSetup             int32 = 3
	TypeAppendBlockEnd          int32 = 4
	TypeDataAppended            int32 = 5
	TypeReadSegment             int32 = 6
	TypeSegmentRead             int32 = 7
	TypeUpdateTableEntries      int32 = 8
	TypeTableEntriesUpdated     int32 = 9
	TypeReadTableEntriesDelta   int32 = 10
	TypeTableEntriesDeltaRead   int32 = 11
	TypeSegmentIsSealed         int32 = 12
	TypeNoSuchSegment           int32 = 13
	TypeInvalidEventNumber      int32 = 14
	TypeBadKeyVersion           int32 = 15
	TypeSegmentIsTruncated      int32 = 16
	TypeAuthTokenCheckFailed    int32 = 17
)

func init() {
	register(TypeHello, func() Message { return new(Hello) })
	register(TypeSetupAppend, func() Message { return new(SetupAppend) })
	register(TypeAppendSetup, func() Message { return new(AppendSetup) })
	register(TypeAppendBlockEnd, func() Message { return new(AppendBlockEnd) })
	register(TypeDataAppended, func() Message { return new(DataAppended) })
	register(TypeReadSegment, func() Message { return new(ReadSegment) })
	register(TypeSegmentRead, func() Message { return new(SegmentRead) })
	register(TypeUpdateTableEntries, func() Message { return new(UpdateTableEntries) })
	register(TypeTableEntriesUpdated, func() Message { return new(TableEntriesUpdated) })
	register(TypeReadTableEntriesDelta, func() Message { return new(ReadTableEntriesDelta) })
	register(TypeTableEntriesDeltaRead, func() Message { return new(TableEntriesDeltaRead) })
	register(TypeSegmentIsSealed, func() Message { return new(SegmentIsSealed) })
	register(TypeNoSuchSegment, func() Message { return new(NoSuchSegment) })
	register(TypeInvalidEventNumber, func() Message { return new(InvalidEventNumber) })
	register(TypeBadKeyVersion, func() Message { return new(BadKeyVersion) })
	register(TypeSegmentIsTruncated, func() Message { return new(SegmentIsTruncated) })
	register(TypeAuthTokenCheckFailed, func() Message { return new(AuthTokenCheckFailed) })
}

// writeSegment/readSegment encode a stream.ScopedSegment as a compact, fixed
// field list: scope, stream, number, epoch. Segments never appear bare on
// the wire; they're always a field of some containing message.
func writeSegment(e *encoder, s stream.ScopedSegment) {
	e.WriteString(s.Stream.Scope)
	e.WriteString(s.Stream.Stream)
	e.WriteI64(s.Number)
	e.WriteI64(s.Epoch)
}

func readSegment(d *decoder) (stream.ScopedSegment, error) {
	var seg stream.ScopedSegment
	var err error
	if seg.Stream.Scope, err = d.ReadString(); err != nil {
		return seg, err
	}
	if seg.Stream.Stream, err = d.ReadString(); err != nil {
		return seg, err
	}
	if seg.Number, err = d.ReadI64(); err != nil {
		return seg, err
	}
	if seg.Epoch, err = d.ReadI64(); err != nil {
		return seg, err
	}
	return seg, nil
}

func writeUUID(e *encoder, id uuid.UUID) {
	var b = id // [16]byte array
	e.buf = append(e.buf, b[:]...)
}

func readUUID(d *decoder) (uuid.UUID, error) {
	if d.remaining() < 16 {
		return uuid.UUID{}, ErrInvalidData
	}
	var id uuid.UUID
	copy(id[:], d.buf[d.off:d.off+16])
	d.off += 16
	return id, nil
}

// Hello is exchanged by both client and server at connection open, to
// establish wire-version compatibility (spec §4.2, §6).
type Hello struct {
	HighVersion int32
	LowVersion  int32
}

func (*Hello) TypeCode() int32 { return TypeHello }
func (m *Hello) encodeBody(e *encoder) {
	e.WriteI32(m.HighVersion)
	e.WriteI32(m.LowVersion)
}
func (m *Hello) decodeBody(d *decoder) (err error) {
	if m.HighVersion, err = d.ReadI32(); err != nil {
		return err
	}
	m.LowVersion, err = d.ReadI32()
	return err
}

// SetupAppend requests that the segment store prepare to accept appends
// under |WriterID| to |Segment|, returning the writer's last acknowledged
// event number so the writer can resume numbering.
type SetupAppend struct {
	RequestID       int64
	WriterID        uuid.UUID
	Segment         stream.ScopedSegment
	DelegationToken string
}

func (*SetupAppend) TypeCode() int32 { return TypeSetupAppend }
func (m *SetupAppend) encodeBody(e *encoder) {
	e.WriteI64(m.RequestID)
	writeUUID(e, m.WriterID)
	writeSegment(e, m.Segment)
	e.WriteString(m.DelegationToken)
}
// setRequestID is used by rawclient to assign a fresh request id before
// dispatch.
func (m *SetupAppend) setRequestID(id int64) { m.RequestID = id }

func (m *SetupAppend) decodeBody(d *decoder) (err error) {
	if m.RequestID, err = d.ReadI64(); err != nil {
		return err
	}
	if m.WriterID, err = readUUID(d); err != nil {
		return err
	}
	if m.Segment, err = readSegment(d); err != nil {
		return err
	}
	m.DelegationToken, err = d.ReadString()
	return err
}

// AppendSetup is the reply to SetupAppend. LastEventNumber is NoEventNumber
// (int64 minimum) if the writer has never appended to this segment before.
type AppendSetup struct {
	RequestID       int64
	Segment         stream.ScopedSegment
	WriterID        uuid.UUID
	LastEventNumber int64
}

// NoEventNumber is the sentinel meaning "no prior append", per spec §4.5
// step 2 ("treating i64::MIN as none").
const NoEventNumber = int64(-1) << 63

func (*AppendSetup) TypeCode() int32 { return TypeAppendSetup }
func (m *AppendSetup) encodeBody(e *encoder) {
	e.WriteI64(m.RequestID)
	writeSegment(e, m.Segment)
	writeUUID(e, m.WriterID)
	e.WriteI64(m.LastEventNumber)
}
func (m *AppendSetup) decodeBody(d *decoder) (err error) {
	if m.RequestID, err = d.ReadI64(); err != nil {
		return err
	}
	if m.Segment, err = readSegment(d); err != nil {
		return err
	}
	if m.WriterID, err = readUUID(d); err != nil {
		return err
	}
	m.LastEventNumber, err = d.ReadI64()
	return err
}

// AppendBlockEnd carries one or more coalesced events (spec §4.5 step 3): the
// accumulated |Data| of all events in the block, their count, and the event
// number of the final event in the block (the one the store should
// acknowledge against).
type AppendBlockEnd struct {
	RequestID           int64
	WriterID            uuid.UUID
	SizeOfWholeEvents   int32
	Data                []byte
	NumEvents           int32
	LastEventNumber     int64
	PreviousEventNumber int64 // Not used by the reference server contract; see spec §9 open question.
}

func (*AppendBlockEnd) TypeCode() int32         { return TypeAppendBlockEnd }
func (m *AppendBlockEnd) setRequestID(id int64) { m.RequestID = id }
func (m *AppendBlockEnd) encodeBody(e *encoder) {
	e.WriteI64(m.RequestID)
	writeUUID(e, m.WriterID)
	e.WriteI32(m.SizeOfWholeEvents)
	e.WriteBytes(m.Data)
	e.WriteI32(m.NumEvents)
	e.WriteI64(m.LastEventNumber)
	e.WriteI64(m.PreviousEventNumber)
}
func (m *AppendBlockEnd) decodeBody(d *decoder) (err error) {
	if m.RequestID, err = d.ReadI64(); err != nil {
		return err
	}
	if m.WriterID, err = readUUID(d); err != nil {
		return err
	}
	if m.SizeOfWholeEvents, err = d.ReadI32(); err != nil {
		return err
	}
	if m.Data, err = d.ReadBytes(); err != nil {
		return err
	}
	if m.NumEvents, err = d.ReadI32(); err != nil {
		return err
	}
	if m.LastEventNumber, err = d.ReadI64(); err != nil {
		return err
	}
	m.PreviousEventNumber, err = d.ReadI64()
	return err
}

// DataAppended acknowledges that all events up through EventNumber have
// been durably appended.
type DataAppended struct {
	RequestID                 int64
	WriterID                  uuid.UUID
	EventNumber               int64
	PreviousEventNumber       int64
	CurrentSegmentWriteOffset int64
}

func (*DataAppended) TypeCode() int32 { return TypeDataAppended }
func (m *DataAppended) encodeBody(e *encoder) {
	e.WriteI64(m.RequestID)
	writeUUID(e, m.WriterID)
	e.WriteI64(m.EventNumber)
	e.WriteI64(m.PreviousEventNumber)
	e.WriteI64(m.CurrentSegmentWriteOffset)
}
func (m *DataAppended) decodeBody(d *decoder) (err error) {
	if m.RequestID, err = d.ReadI64(); err != nil {
		return err
	}
	if m.WriterID, err = readUUID(d); err != nil {
		return err
	}
	if m.EventNumber, err = d.ReadI64(); err != nil {
		return err
	}
	if m.PreviousEventNumber, err = d.ReadI64(); err != nil {
		return err
	}
	m.CurrentSegmentWriteOffset, err = d.ReadI64()
	return err
}

// ReadSegment requests up to SuggestedLength bytes from Segment starting at
// Offset.
type ReadSegment struct {
	RequestID       int64
	Segment         stream.ScopedSegment
	Offset          int64
	SuggestedLength int32
	DelegationToken string
}

func (*ReadSegment) TypeCode() int32       { return TypeReadSegment }
func (m *ReadSegment) setRequestID(id int64) { m.RequestID = id }
func (m *ReadSegment) encodeBody(e *encoder) {
	e.WriteI64(m.RequestID)
	writeSegment(e, m.Segment)
	e.WriteI64(m.Offset)
	e.WriteI32(m.SuggestedLength)
	e.WriteString(m.DelegationToken)
}
func (m *ReadSegment) decodeBody(d *decoder) (err error) {
	if m.RequestID, err = d.ReadI64(); err != nil {
		return err
	}
	if m.Segment, err = readSegment(d); err != nil {
		return err
	}
	if m.Offset, err = d.ReadI64(); err != nil {
		return err
	}
	if m.SuggestedLength, err = d.ReadI32(); err != nil {
		return err
	}
	m.DelegationToken, err = d.ReadString()
	return err
}

// SegmentRead is the reply to ReadSegment.
type SegmentRead struct {
	RequestID     int64
	Segment       stream.ScopedSegment
	Offset        int64
	AtTail        bool
	EndOfSegment  bool
	Data          []byte
}

func (*SegmentRead) TypeCode() int32 { return TypeSegmentRead }
func (m *SegmentRead) encodeBody(e *encoder) {
	e.WriteI64(m.RequestID)
	writeSegment(e, m.Segment)
	e.WriteI64(m.Offset)
	e.WriteBool(m.AtTail)
	e.WriteBool(m.EndOfSegment)
	e.WriteBytes(m.Data)
}
func (m *SegmentRead) decodeBody(d *decoder) (err error) {
	if m.RequestID, err = d.ReadI64(); err != nil {
		return err
	}
	if m.Segment, err = readSegment(d); err != nil {
		return err
	}
	if m.Offset, err = d.ReadI64(); err != nil {
		return err
	}
	if m.AtTail, err = d.ReadBool(); err != nil {
		return err
	}
	if m.EndOfSegment, err = d.ReadBool(); err != nil {
		return err
	}
	m.Data, err = d.ReadBytes()
	return err
}

// TableEntry is the wire form of one table-map mutation: Key with its
// expected/observed KeyVersion (-1 meaning an unconditional put, per spec
// §6), and Value.
type TableEntry struct {
	Key        []byte
	KeyVersion int64
	Value      []byte
}

func writeTableEntry(e *encoder, t TableEntry) {
	e.WriteBytes(t.Key)
	e.WriteI64(t.KeyVersion)
	e.WriteBytes(t.Value)
}

func readTableEntry(d *decoder) (TableEntry, error) {
	var t TableEntry
	var err error
	if t.Key, err = d.ReadBytes(); err != nil {
		return t, err
	}
	if t.KeyVersion, err = d.ReadI64(); err != nil {
		return t, err
	}
	t.Value, err = d.ReadBytes()
	return t, err
}

// UpdateTableEntries performs one or more conditional puts against a table
// map segment.
type UpdateTableEntries struct {
	RequestID       int64
	Segment         stream.ScopedSegment
	DelegationToken string
	TableEntries    []TableEntry
}

func (*UpdateTableEntries) TypeCode() int32       { return TypeUpdateTableEntries }
func (m *UpdateTableEntries) setRequestID(id int64) { m.RequestID = id }
func (m *UpdateTableEntries) encodeBody(e *encoder) {
	e.WriteI64(m.RequestID)
	writeSegment(e, m.Segment)
	e.WriteString(m.DelegationToken)
	e.WriteI32(int32(len(m.TableEntries)))
	for _, t := range m.TableEntries {
		writeTableEntry(e, t)
	}
}
func (m *UpdateTableEntries) decodeBody(d *decoder) (err error) {
	if m.RequestID, err = d.ReadI64(); err != nil {
		return err
	}
	if m.Segment, err = readSegment(d); err != nil {
		return err
	}
	if m.DelegationToken, err = d.ReadString(); err != nil {
		return err
	}
	var n int32
	if n, err = d.ReadI32(); err != nil {
		return err
	}
	if n < 0 {
		return ErrInvalidData
	}
	m.TableEntries = make([]TableEntry, n)
	for i := range m.TableEntries {
		if m.TableEntries[i], err = readTableEntry(d); err != nil {
			return err
		}
	}
	return nil
}

// TableEntriesUpdated is the reply to UpdateTableEntries, carrying the new
// version assigned to each entry, in request order.
type TableEntriesUpdated struct {
	RequestID       int64
	UpdatedVersions []int64
}

func (*TableEntriesUpdated) TypeCode() int32 { return TypeTableEntriesUpdated }
func (m *TableEntriesUpdated) encodeBody(e *encoder) {
	e.WriteI64(m.RequestID)
	e.WriteI32(int32(len(m.UpdatedVersions)))
	for _, v := range m.UpdatedVersions {
		e.WriteI64(v)
	}
}
func (m *TableEntriesUpdated) decodeBody(d *decoder) (err error) {
	if m.RequestID, err = d.ReadI64(); err != nil {
		return err
	}
	var n int32
	if n, err = d.ReadI32(); err != nil {
		return err
	}
	if n < 0 {
		return ErrInvalidData
	}
	m.UpdatedVersions = make([]int64, n)
	for i := range m.UpdatedVersions {
		if m.UpdatedVersions[i], err = d.ReadI64(); err != nil {
			return err
		}
	}
	return nil
}

// ReadTableEntriesDelta requests mutations to a table map since
// FromPosition.
type ReadTableEntriesDelta struct {
	RequestID           int64
	Segment             stream.ScopedSegment
	DelegationToken     string
	FromPosition        int64
	SuggestedEntryCount int32
}

func (*ReadTableEntriesDelta) TypeCode() int32         { return TypeReadTableEntriesDelta }
func (m *ReadTableEntriesDelta) setRequestID(id int64) { m.RequestID = id }
func (m *ReadTableEntriesDelta) encodeBody(e *encoder) {
	e.WriteI64(m.RequestID)
	writeSegment(e, m.Segment)
	e.WriteString(m.DelegationToken)
	e.WriteI64(m.FromPosition)
	e.WriteI32(m.SuggestedEntryCount)
}
func (m *ReadTableEntriesDelta) decodeBody(d *decoder) (err error) {
	if m.RequestID, err = d.ReadI64(); err != nil {
		return err
	}
	if m.Segment, err = readSegment(d); err != nil {
		return err
	}
	if m.DelegationToken, err = d.ReadString(); err != nil {
		return err
	}
	if m.FromPosition, err = d.ReadI64(); err != nil {
		return err
	}
	m.SuggestedEntryCount, err = d.ReadI32()
	return err
}

// TableEntriesDeltaRead is the reply to ReadTableEntriesDelta.
type TableEntriesDeltaRead struct {
	RequestID    int64
	Segment      stream.ScopedSegment
	Entries      []TableEntry
	ShouldClear  bool
	ReachedEnd   bool
	LastPosition int64
}

func (*TableEntriesDeltaRead) TypeCode() int32 { return TypeTableEntriesDeltaRead }
func (m *TableEntriesDeltaRead) encodeBody(e *encoder) {
	e.WriteI64(m.RequestID)
	writeSegment(e, m.Segment)
	e.WriteI32(int32(len(m.Entries)))
	for _, t := range m.Entries {
		writeTableEntry(e, t)
	}
	e.WriteBool(m.ShouldClear)
	e.WriteBool(m.ReachedEnd)
	e.WriteI64(m.LastPosition)
}
func (m *TableEntriesDeltaRead) decodeBody(d *decoder) (err error) {
	if m.RequestID, err = d.ReadI64(); err != nil {
		return err
	}
	if m.Segment, err = readSegment(d); err != nil {
		return err
	}
	var n int32
	if n, err = d.ReadI32(); err != nil {
		return err
	}
	if n < 0 {
		return ErrInvalidData
	}
	m.Entries = make([]TableEntry, n)
	for i := range m.Entries {
		if m.Entries[i], err = readTableEntry(d); err != nil {
			return err
		}
	}
	if m.ShouldClear, err = d.ReadBool(); err != nil {
		return err
	}
	if m.ReachedEnd, err = d.ReadBool(); err != nil {
		return err
	}
	m.LastPosition, err = d.ReadI64()
	return err
}

// errorReply is embedded by every simple error-reply message (spec §6's
// "Error replies" row), which all share the same (requestID, segment) shape.
type errorReply struct {
	RequestID int64
	Segment   stream.ScopedSegment
	Message   string
}

func (m *errorReply) encodeBody(e *encoder) {
	e.WriteI64(m.RequestID)
	writeSegment(e, m.Segment)
	e.WriteString(m.Message)
}
func (m *errorReply) decodeBody(d *decoder) (err error) {
	if m.RequestID, err = d.ReadI64(); err != nil {
		return err
	}
	if m.Segment, err = readSegment(d); err != nil {
		return err
	}
	m.Message, err = d.ReadString()
	return err
}

// SegmentIsSealed indicates the target segment no longer accepts appends.
type SegmentIsSealed struct{ errorReply }

func (*SegmentIsSealed) TypeCode() int32 { return TypeSegmentIsSealed }

// NoSuchSegment indicates the target segment does not exist on this store.
type NoSuchSegment struct{ errorReply }

func (*NoSuchSegment) TypeCode() int32 { return TypeNoSuchSegment }

// InvalidEventNumber indicates an AppendBlockEnd's LastEventNumber violated
// the store's monotonicity contract for this writer.
type InvalidEventNumber struct{ errorReply }

func (*InvalidEventNumber) TypeCode() int32 { return TypeInvalidEventNumber }

// BadKeyVersion indicates a table map conditional update's expected version
// did not match the entry's current version.
type BadKeyVersion struct{ errorReply }

func (*BadKeyVersion) TypeCode() int32 { return TypeBadKeyVersion }

// SegmentIsTruncated indicates the requested read offset precedes the
// segment's current start offset.
type SegmentIsTruncated struct {
	errorReply
	StartOffset int64
}

func (*SegmentIsTruncated) TypeCode() int32 { return TypeSegmentIsTruncated }
func (m *SegmentIsTruncated) encodeBody(e *encoder) {
	m.errorReply.encodeBody(e)
	e.WriteI64(m.StartOffset)
}
func (m *SegmentIsTruncated) decodeBody(d *decoder) error {
	if err := m.errorReply.decodeBody(d); err != nil {
		return err
	}
	var err error
	m.StartOffset, err = d.ReadI64()
	return err
}

// AuthTokenCheckFailed indicates the delegation token was rejected.
type AuthTokenCheckFailed struct{ errorReply }

func (*AuthTokenCheckFailed) TypeCode() int32 { return TypeAuthTokenCheckFailed }

// Constructors for the error-reply messages: errorReply's field is
// unexported, so callers outside this package (the mock store, primarily)
// build these via constructor rather than composite literal.

func NewSegmentIsSealed(requestID int64, seg stream.ScopedSegment, message string) *SegmentIsSealed {
	return &SegmentIsSealed{errorReply{RequestID: requestID, Segment: seg, Message: message}}
}

func NewNoSuchSegment(requestID int64, seg stream.ScopedSegment, message string) *NoSuchSegment {
	return &NoSuchSegment{errorReply{RequestID: requestID, Segment: seg, Message: message}}
}

func NewInvalidEventNumber(requestID int64, seg stream.ScopedSegment, message string) *InvalidEventNumber {
	return &InvalidEventNumber{errorReply{RequestID: requestID, Segment: seg, Message: message}}
}

func NewBadKeyVersion(requestID int64, seg stream.ScopedSegment, message string) *BadKeyVersion {
	return &BadKeyVersion{errorReply{RequestID: requestID, Segment: seg, Message: message}}
}

func NewSegmentIsTruncated(requestID int64, seg stream.ScopedSegment, message string, startOffset int64) *SegmentIsTruncated {
	return &SegmentIsTruncated{errorReply{RequestID: requestID, Segment: seg, Message: message}, startOffset}
}

func NewAuthTokenCheckFailed(requestID int64, seg stream.ScopedSegment, message string) *AuthTokenCheckFailed {
	return &AuthTokenCheckFailed{errorReply{RequestID: requestID, Segment: seg, Message: message}}
}
