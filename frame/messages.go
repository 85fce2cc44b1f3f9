package frame

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
)

func writeFloat64(buf *bytes.Buffer, v float64) { writeInt64(buf, int64(math.Float64bits(v))) }

func readFloat64(r io.Reader) (float64, error) {
	v, err := readInt64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(v)), nil
}

func writeUint8(buf *bytes.Buffer, v uint8) { buf.WriteByte(v) }

func readUint8(r io.Reader) (uint8, error) {
	var tmp [1]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return tmp[0], nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r io.Reader) (bool, error) {
	v, err := readUint8(r)
	return v != 0, err
}

// RequestHeader is the common prefix of every request frame body: the
// request id the peer must echo back in its response (spec §6.1).
type RequestHeader struct {
	RequestID int64
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func readInt64(r io.Reader) (int64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(tmp[:])), nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeVarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r io.Reader) (string, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufByteReader{r}
	}
	n, err := readVarint(br)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeVarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r io.Reader) ([]byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufByteReader{r}
	}
	n, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

type bufByteReader struct{ io.Reader }

func (b bufByteReader) ReadByte() (byte, error) {
	var tmp [1]byte
	_, err := io.ReadFull(b.Reader, tmp[:])
	return tmp[0], err
}

// SynchronizeIQ is sent by the side that opens the connection, when the
// negotiated peer version supports it (spec §4.4).
type SynchronizeIQ struct {
	RequestHeader
	SenderTwincodeOutboundID string
	ResourceID               string
	SenderTimestamp          int64
}

func (m *SynchronizeIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeString(buf, m.SenderTwincodeOutboundID)
	writeString(buf, m.ResourceID)
	writeInt64(buf, m.SenderTimestamp)
	return nil
}

func DecodeSynchronizeIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	sender, err := readString(r)
	if err != nil {
		return nil, err
	}
	resource, err := readString(r)
	if err != nil {
		return nil, err
	}
	ts, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	return &SynchronizeIQ{RequestHeader: RequestHeader{RequestID: int64(reqID)}, SenderTwincodeOutboundID: sender, ResourceID: resource, SenderTimestamp: ts}, nil
}

// OnSynchronizeIQ is the reply: peer device-state bits, peer's own
// timestamp, and the echoed sender timestamp used to derive the peer-time
// correction offset (spec §4.4).
type OnSynchronizeIQ struct {
	RequestID             int64
	DeviceState           uint64
	PeerTimestamp         int64
	EchoedSenderTimestamp int64
}

func (m *OnSynchronizeIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeVarint(buf, m.DeviceState)
	writeInt64(buf, m.PeerTimestamp)
	writeInt64(buf, m.EchoedSenderTimestamp)
	return nil
}

func DecodeOnSynchronizeIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	state, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	pt, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	et, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	return &OnSynchronizeIQ{RequestID: int64(reqID), DeviceState: state, PeerTimestamp: pt, EchoedSenderTimestamp: et}, nil
}

// PushObjectIQ carries a text-object descriptor's envelope and body.
type PushObjectIQ struct {
	RequestHeader
	DescriptorID  int64
	SequenceID    int64
	SenderID      string
	Created       int64
	ReplyTo       int64
	ExpireTimeout int64
	Text          string
}

func (m *PushObjectIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeVarint(buf, uint64(m.DescriptorID))
	writeVarint(buf, uint64(m.SequenceID))
	writeString(buf, m.SenderID)
	writeInt64(buf, m.Created)
	writeInt64(buf, m.ReplyTo)
	writeInt64(buf, m.ExpireTimeout)
	writeString(buf, m.Text)
	return nil
}

func DecodePushObjectIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	descID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	seq, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	sender, err := readString(r)
	if err != nil {
		return nil, err
	}
	created, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	replyTo, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	expire, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	text, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &PushObjectIQ{
		RequestHeader: RequestHeader{RequestID: int64(reqID)},
		DescriptorID:  int64(descID), SequenceID: int64(seq), SenderID: sender,
		Created: created, ReplyTo: replyTo, ExpireTimeout: expire, Text: text,
	}, nil
}

// OnPushIQ is the common response layout for every Push*/Update*/Invite*
// request: requestId, deviceState, receivedTimestamp (spec §6.1). A
// receivedTimestamp of -1 signals permanent failure.
type OnPushIQ struct {
	RequestID         int64
	DeviceState       uint64
	ReceivedTimestamp int64
}

func (m *OnPushIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeVarint(buf, m.DeviceState)
	writeInt64(buf, m.ReceivedTimestamp)
	return nil
}

func DecodeOnPushIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	state, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	ts, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	return &OnPushIQ{RequestID: int64(reqID), DeviceState: state, ReceivedTimestamp: ts}, nil
}

// PushFileIQ is phase 1 of file transfer: envelope plus optional inline
// thumbnail bytes (spec §4.8).
type PushFileIQ struct {
	RequestHeader
	DescriptorID int64
	SenderID     string
	SequenceID   int64
	Created      int64
	Name         string
	Length       int64
	MimeType     string
	Thumbnail    []byte
}

func (m *PushFileIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeVarint(buf, uint64(m.DescriptorID))
	writeString(buf, m.SenderID)
	writeVarint(buf, uint64(m.SequenceID))
	writeInt64(buf, m.Created)
	writeString(buf, m.Name)
	writeInt64(buf, m.Length)
	writeString(buf, m.MimeType)
	writeBytes(buf, m.Thumbnail)
	return nil
}

func DecodePushFileIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	descID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	sender, err := readString(r)
	if err != nil {
		return nil, err
	}
	seq, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	created, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	length, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	mime, err := readString(r)
	if err != nil {
		return nil, err
	}
	thumb, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &PushFileIQ{
		RequestHeader: RequestHeader{RequestID: int64(reqID)}, DescriptorID: int64(descID),
		SenderID: sender, SequenceID: int64(seq), Created: created,
		Name: name, Length: length, MimeType: mime, Thumbnail: thumb,
	}, nil
}

// PushFileChunkIQ is one chunk frame of phase 2 (spec §4.8, §6.1).
type PushFileChunkIQ struct {
	DescriptorID    int64
	ChunkStart      int64
	SenderTimestamp int64
	ChunkBytes      []byte
}

func (m *PushFileChunkIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.DescriptorID))
	writeInt64(buf, m.ChunkStart)
	writeInt64(buf, m.SenderTimestamp)
	writeBytes(buf, m.ChunkBytes)
	return nil
}

func DecodePushFileChunkIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	descID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	start, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	ts, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	chunk, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &PushFileChunkIQ{DescriptorID: int64(descID), ChunkStart: start, SenderTimestamp: ts, ChunkBytes: chunk}, nil
}

// OnPushFileChunkIQ replies with the next expected chunkStart (or the file
// length to stop, or LongMax to abort) and echoes the sender's timestamp so
// the sender can update its estimated RTT (spec §4.8).
const LongMax = int64(1<<63 - 1)

type OnPushFileChunkIQ struct {
	ReceivedTimestamp   int64
	EchoSenderTimestamp int64
	NextChunkStart      int64
}

func (m *OnPushFileChunkIQ) Encode(buf *bytes.Buffer) error {
	writeInt64(buf, m.ReceivedTimestamp)
	writeInt64(buf, m.EchoSenderTimestamp)
	writeInt64(buf, m.NextChunkStart)
	return nil
}

func DecodeOnPushFileChunkIQ(r io.Reader) (Body, error) {
	recv, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	echo, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	next, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	return &OnPushFileChunkIQ{ReceivedTimestamp: recv, EchoSenderTimestamp: echo, NextChunkStart: next}, nil
}

// ResetConversationIQ explicitly asks the peer to clear its side of the
// conversation up to a timestamp (spec §4.3 RESET_CONVERSATION, §S6). This
// is the explicit counterpart to the implicit hard reset handleSynchronize
// triggers on a peer resource-id change.
type ResetConversationIQ struct {
	RequestHeader
	Upto int64
	Mode uint8
}

func (m *ResetConversationIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeInt64(buf, m.Upto)
	writeUint8(buf, m.Mode)
	return nil
}

func DecodeResetConversationIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	upto, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	mode, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	return &ResetConversationIQ{RequestHeader: RequestHeader{RequestID: int64(reqID)}, Upto: upto, Mode: mode}, nil
}

// PushTransientObjectIQ carries a PUSH_TRANSIENT_OBJECT body: never stored,
// acknowledged like any other push unless Flags == 0, in which case the
// sender does not wait for the reply (spec §4.3).
type PushTransientObjectIQ struct {
	RequestHeader
	SenderID   string
	SequenceID int64
	Created    int64
	Text       string
	Flags      int32
}

func (m *PushTransientObjectIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeString(buf, m.SenderID)
	writeVarint(buf, uint64(m.SequenceID))
	writeInt64(buf, m.Created)
	writeString(buf, m.Text)
	writeVarint(buf, uint64(m.Flags))
	return nil
}

func DecodePushTransientObjectIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	sender, err := readString(r)
	if err != nil {
		return nil, err
	}
	seq, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	created, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	text, err := readString(r)
	if err != nil {
		return nil, err
	}
	flags, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	return &PushTransientObjectIQ{
		RequestHeader: RequestHeader{RequestID: int64(reqID)}, SenderID: sender,
		SequenceID: int64(seq), Created: created, Text: text, Flags: int32(flags),
	}, nil
}

// PushCommandIQ carries a PUSH_COMMAND body: a named command plus an
// opaque argument blob, used for the CallDescriptor timeline events and
// other control signalling that never produces a stored descriptor (spec
// §4.3 PUSH_COMMAND, §3 CallDescriptor).
type PushCommandIQ struct {
	RequestHeader
	SenderID   string
	SequenceID int64
	Created    int64
	Command    string
	Args       string
}

func (m *PushCommandIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeString(buf, m.SenderID)
	writeVarint(buf, uint64(m.SequenceID))
	writeInt64(buf, m.Created)
	writeString(buf, m.Command)
	writeString(buf, m.Args)
	return nil
}

func DecodePushCommandIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	sender, err := readString(r)
	if err != nil {
		return nil, err
	}
	seq, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	created, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	command, err := readString(r)
	if err != nil {
		return nil, err
	}
	args, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &PushCommandIQ{
		RequestHeader: RequestHeader{RequestID: int64(reqID)}, SenderID: sender,
		SequenceID: int64(seq), Created: created, Command: command, Args: args,
	}, nil
}

// PushGeolocationIQ carries a PUSH_GEOLOCATION body (spec §4.3, §3
// GeolocationDescriptor).
type PushGeolocationIQ struct {
	RequestHeader
	DescriptorID int64
	SenderID     string
	SequenceID   int64
	Created      int64
	Latitude     float64
	Longitude    float64
	Altitude     float64
}

func (m *PushGeolocationIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeVarint(buf, uint64(m.DescriptorID))
	writeString(buf, m.SenderID)
	writeVarint(buf, uint64(m.SequenceID))
	writeInt64(buf, m.Created)
	writeFloat64(buf, m.Latitude)
	writeFloat64(buf, m.Longitude)
	writeFloat64(buf, m.Altitude)
	return nil
}

func DecodePushGeolocationIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	descID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	sender, err := readString(r)
	if err != nil {
		return nil, err
	}
	seq, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	created, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	lat, err := readFloat64(r)
	if err != nil {
		return nil, err
	}
	lon, err := readFloat64(r)
	if err != nil {
		return nil, err
	}
	alt, err := readFloat64(r)
	if err != nil {
		return nil, err
	}
	return &PushGeolocationIQ{
		RequestHeader: RequestHeader{RequestID: int64(reqID)}, DescriptorID: int64(descID),
		SenderID: sender, SequenceID: int64(seq), Created: created,
		Latitude: lat, Longitude: lon, Altitude: alt,
	}, nil
}

// PushTwincodeIQ carries a PUSH_TWINCODE body: a shared twincode reference
// (spec §4.3, §3 TwincodeReferenceDescriptor).
type PushTwincodeIQ struct {
	RequestHeader
	DescriptorID int64
	SenderID     string
	SequenceID   int64
	Created      int64
	TwincodeID   string
	DisplayName  string
}

func (m *PushTwincodeIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeVarint(buf, uint64(m.DescriptorID))
	writeString(buf, m.SenderID)
	writeVarint(buf, uint64(m.SequenceID))
	writeInt64(buf, m.Created)
	writeString(buf, m.TwincodeID)
	writeString(buf, m.DisplayName)
	return nil
}

func DecodePushTwincodeIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	descID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	sender, err := readString(r)
	if err != nil {
		return nil, err
	}
	seq, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	created, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	twincodeID, err := readString(r)
	if err != nil {
		return nil, err
	}
	displayName, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &PushTwincodeIQ{
		RequestHeader: RequestHeader{RequestID: int64(reqID)}, DescriptorID: int64(descID),
		SenderID: sender, SequenceID: int64(seq), Created: created,
		TwincodeID: twincodeID, DisplayName: displayName,
	}, nil
}

// UpdateDescriptorTimestampIQ carries an UPDATE_DESCRIPTOR_TIMESTAMP body
// (spec §4.3, §4.5 "Completion").
type UpdateDescriptorTimestampIQ struct {
	RequestHeader
	SenderID   string
	SequenceID int64
	Phase      string
	Value      int64
}

func (m *UpdateDescriptorTimestampIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeString(buf, m.SenderID)
	writeVarint(buf, uint64(m.SequenceID))
	writeString(buf, m.Phase)
	writeInt64(buf, m.Value)
	return nil
}

func DecodeUpdateDescriptorTimestampIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	sender, err := readString(r)
	if err != nil {
		return nil, err
	}
	seq, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	phase, err := readString(r)
	if err != nil {
		return nil, err
	}
	value, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	return &UpdateDescriptorTimestampIQ{
		RequestHeader: RequestHeader{RequestID: int64(reqID)}, SenderID: sender,
		SequenceID: int64(seq), Phase: phase, Value: value,
	}, nil
}

// UpdateObjectIQ carries an UPDATE_OBJECT body: full-content replacement of
// an existing text descriptor (spec §4.3).
type UpdateObjectIQ struct {
	RequestHeader
	SenderID   string
	SequenceID int64
	Text       string
}

func (m *UpdateObjectIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeString(buf, m.SenderID)
	writeVarint(buf, uint64(m.SequenceID))
	writeString(buf, m.Text)
	return nil
}

func DecodeUpdateObjectIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	sender, err := readString(r)
	if err != nil {
		return nil, err
	}
	seq, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	text, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &UpdateObjectIQ{RequestHeader: RequestHeader{RequestID: int64(reqID)}, SenderID: sender, SequenceID: int64(seq), Text: text}, nil
}

// UpdateAnnotationsIQ carries an UPDATE_ANNOTATIONS body (spec §4.3, §6.3
// annotations table).
type UpdateAnnotationsIQ struct {
	RequestHeader
	SenderID       string
	SequenceID     int64
	AnnotationType string
	Value          string
}

func (m *UpdateAnnotationsIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeString(buf, m.SenderID)
	writeVarint(buf, uint64(m.SequenceID))
	writeString(buf, m.AnnotationType)
	writeString(buf, m.Value)
	return nil
}

func DecodeUpdateAnnotationsIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	sender, err := readString(r)
	if err != nil {
		return nil, err
	}
	seq, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	typ, err := readString(r)
	if err != nil {
		return nil, err
	}
	value, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &UpdateAnnotationsIQ{
		RequestHeader: RequestHeader{RequestID: int64(reqID)}, SenderID: sender,
		SequenceID: int64(seq), AnnotationType: typ, Value: value,
	}, nil
}

// InviteGroupIQ carries an INVITE_GROUP body (spec §4.9 "Invite").
type InviteGroupIQ struct {
	RequestHeader
	GroupID   string
	GroupName string
}

func (m *InviteGroupIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeString(buf, m.GroupID)
	writeString(buf, m.GroupName)
	return nil
}

func DecodeInviteGroupIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	groupID, err := readString(r)
	if err != nil {
		return nil, err
	}
	groupName, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &InviteGroupIQ{RequestHeader: RequestHeader{RequestID: int64(reqID)}, GroupID: groupID, GroupName: groupName}, nil
}

// WithdrawInviteGroupIQ carries a WITHDRAW_INVITE_GROUP body (spec §4.9
// "Withdraw").
type WithdrawInviteGroupIQ struct {
	RequestHeader
	GroupID string
}

func (m *WithdrawInviteGroupIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeString(buf, m.GroupID)
	return nil
}

func DecodeWithdrawInviteGroupIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	groupID, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &WithdrawInviteGroupIQ{RequestHeader: RequestHeader{RequestID: int64(reqID)}, GroupID: groupID}, nil
}

// JoinGroupIQ carries a JOIN_GROUP body: the legacy (unsigned) join path
// for a member who auto-accepted an invite to a group it already belongs
// to (spec §4.9 "Invite" auto-accept branch).
type JoinGroupIQ struct {
	RequestHeader
	GroupID string
}

func (m *JoinGroupIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeString(buf, m.GroupID)
	return nil
}

func DecodeJoinGroupIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	groupID, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &JoinGroupIQ{RequestHeader: RequestHeader{RequestID: int64(reqID)}, GroupID: groupID}, nil
}

// LeaveGroupIQ carries a LEAVE_GROUP body: the legacy (unsigned-member)
// leave path (spec §4.9 "Leave").
type LeaveGroupIQ struct {
	RequestHeader
	GroupID string
}

func (m *LeaveGroupIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeString(buf, m.GroupID)
	return nil
}

func DecodeLeaveGroupIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	groupID, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &LeaveGroupIQ{RequestHeader: RequestHeader{RequestID: int64(reqID)}, GroupID: groupID}, nil
}

// UpdateGroupMemberIQ propagates one member row change — a new/updated
// member, a permission change, or a removal — to every other member (spec
// §4.9 "Permissions", Kick).
type UpdateGroupMemberIQ struct {
	RequestHeader
	GroupID     string
	TwincodeID  string
	PublicKey   []byte
	Permissions uint32
	Removed     bool
}

func (m *UpdateGroupMemberIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeString(buf, m.GroupID)
	writeString(buf, m.TwincodeID)
	writeBytes(buf, m.PublicKey)
	writeVarint(buf, uint64(m.Permissions))
	writeBool(buf, m.Removed)
	return nil
}

func DecodeUpdateGroupMemberIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	groupID, err := readString(r)
	if err != nil {
		return nil, err
	}
	twincodeID, err := readString(r)
	if err != nil {
		return nil, err
	}
	publicKey, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	perms, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	removed, err := readBool(r)
	if err != nil {
		return nil, err
	}
	return &UpdateGroupMemberIQ{
		RequestHeader: RequestHeader{RequestID: int64(reqID)}, GroupID: groupID,
		TwincodeID: twincodeID, PublicKey: publicKey, Permissions: uint32(perms), Removed: removed,
	}, nil
}

// PushThumbnailIQ is phase 1 of the thumbnail sub-protocol (spec §4.8,
// C9): announces a thumbnail's total length for a media descriptor ahead
// of its own chunked transfer, independent of and possibly preceding the
// full-size file's PushFileIQ/PushFileChunkIQ exchange.
type PushThumbnailIQ struct {
	RequestHeader
	DescriptorID int64
	SenderID     string
	SequenceID   int64
	Length       int64
}

func (m *PushThumbnailIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeVarint(buf, uint64(m.DescriptorID))
	writeString(buf, m.SenderID)
	writeVarint(buf, uint64(m.SequenceID))
	writeInt64(buf, m.Length)
	return nil
}

func DecodePushThumbnailIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	descID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	sender, err := readString(r)
	if err != nil {
		return nil, err
	}
	seq, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	length, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	return &PushThumbnailIQ{
		RequestHeader: RequestHeader{RequestID: int64(reqID)}, DescriptorID: int64(descID),
		SenderID: sender, SequenceID: int64(seq), Length: length,
	}, nil
}

// ThumbnailChunkIQ is phase 2 of the thumbnail sub-protocol: one chunk,
// wire-identical in shape to PushFileChunkIQ but decoded under its own
// schema id so a thumbnail transfer's descriptor-keyed receiver map never
// collides with the full-size file's (spec §4.8, C9).
type ThumbnailChunkIQ struct {
	DescriptorID    int64
	ChunkStart      int64
	SenderTimestamp int64
	ChunkBytes      []byte
}

func (m *ThumbnailChunkIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.DescriptorID))
	writeInt64(buf, m.ChunkStart)
	writeInt64(buf, m.SenderTimestamp)
	writeBytes(buf, m.ChunkBytes)
	return nil
}

func DecodeThumbnailChunkIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	descID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	start, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	ts, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	chunk, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &ThumbnailChunkIQ{DescriptorID: int64(descID), ChunkStart: start, SenderTimestamp: ts, ChunkBytes: chunk}, nil
}

// OnThumbnailChunkIQ replies to a ThumbnailChunkIQ exactly like
// OnPushFileChunkIQ (spec §4.8, C9).
type OnThumbnailChunkIQ struct {
	ReceivedTimestamp   int64
	EchoSenderTimestamp int64
	NextChunkStart      int64
}

func (m *OnThumbnailChunkIQ) Encode(buf *bytes.Buffer) error {
	writeInt64(buf, m.ReceivedTimestamp)
	writeInt64(buf, m.EchoSenderTimestamp)
	writeInt64(buf, m.NextChunkStart)
	return nil
}

func DecodeOnThumbnailChunkIQ(r io.Reader) (Body, error) {
	recv, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	echo, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	next, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	return &OnThumbnailChunkIQ{ReceivedTimestamp: recv, EchoSenderTimestamp: echo, NextChunkStart: next}, nil
}

// ErrorIQ answers an unrecognised schema key with FEATURE_NOT_IMPLEMENTED,
// echoing the offender's request id (spec §4.1).
type ErrorIQ struct {
	RequestID int64
	Code      int32
}

func (m *ErrorIQ) Encode(buf *bytes.Buffer) error {
	writeVarint(buf, uint64(m.RequestID))
	writeVarint(buf, uint64(m.Code))
	return nil
}

func DecodeErrorIQ(r io.Reader) (Body, error) {
	br := bufByteReader{r}
	reqID, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	code, err := readVarint(br)
	if err != nil {
		return nil, err
	}
	return &ErrorIQ{RequestID: int64(reqID), Code: int32(code)}, nil
}
