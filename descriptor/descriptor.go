// Package descriptor implements the typed message-unit model (spec §3, §4.2):
// a shared envelope of identity, timestamps, and flags, embedded by value in
// each concrete variant. Variants are distinguished by a Kind tag rather than
// by virtual dispatch, per Design Note 9 ("deep inheritance ... represent as
// a tagged sum with a shared envelope record").
package descriptor

import "github.com/twinlife/conversationcore/permission"

// Kind identifies a descriptor variant.
type Kind int

const (
	KindObject Kind = iota // plain text message
	KindFile
	KindNamedFile
	KindAudio
	KindImage
	KindVideo
	KindGeolocation
	KindTwincodeReference
	KindCall
	KindClear
	KindInvitation
	KindTransientObject
)

// RequiredPermission returns the permission a conversation must grant before
// a descriptor of this kind may be created or accepted (spec §4.2).
func (k Kind) RequiredPermission() permission.Permission {
	switch k {
	case KindObject, KindTransientObject, KindClear:
		return permission.SendMessage
	case KindFile, KindNamedFile:
		return permission.SendFile
	case KindAudio:
		return permission.SendAudio
	case KindImage:
		return permission.SendImage
	case KindVideo:
		return permission.SendVideo
	case KindGeolocation:
		return permission.SendGeolocation
	case KindTwincodeReference:
		return permission.SendTwincode
	case KindCall:
		return permission.SendCommand
	case KindInvitation:
		return permission.SendCommand
	default:
		return permission.SendMessage
	}
}

// Identity is the immutable triple that names a descriptor (spec §3).
type Identity struct {
	DatabaseID         int64
	TwincodeOutboundID string // the sender's identity
	SequenceID         int64  // monotonic counter assigned by the sender
}

// Envelope is the common superclass state shared by every descriptor
// variant. A negative timestamp signals a failed delivery phase; see
// Failed/Invariant below.
type Envelope struct {
	Identity

	Created     int64
	Sent        int64
	Received    int64
	Read        int64
	Updated     int64
	PeerDeleted int64
	Deleted     int64

	SendTo        string // optional group-member target twincode id
	ReplyTo       int64  // optional other descriptor id; 0 = none
	ExpireTimeout int64  // milliseconds; 0 = never

	CopyAllowed  bool
	Video        bool
	IncomingCall bool
	AcceptedCall bool
	HasThumbnail bool
	Encrypted    bool
	Forward      bool
	Forwarded    bool
}

// Valid reports the §3 invariant created <= sent <= received <= read for
// any envelope whose phases are all non-failure (non-negative) values. A
// zero phase means "not yet reached" rather than a timestamp of zero, so it
// is only valid as a trailing run: once a phase is zero or negative, every
// later phase must be too.
func (e *Envelope) Valid() bool {
	vals := []int64{e.Created, e.Sent, e.Received, e.Read}
	last := int64(0)
	pending := false
	for _, v := range vals {
		if v <= 0 {
			pending = true
			continue
		}
		if pending {
			return false
		}
		if v < last {
			return false
		}
		last = v
	}
	return true
}

// MarkFailed sets the envelope's receive/read phases to the documented
// failure sentinel (spec §7: FEATURE_NOT_SUPPORTED_BY_PEER / NO_PERMISSION).
func (e *Envelope) MarkFailed() {
	e.Received = -1
	e.Read = -1
}

// Variant is implemented by every concrete descriptor payload.
type Variant interface {
	Kind() Kind
	Envelope() *Envelope
	// Forward produces a sibling descriptor carrying this variant's payload
	// under a new identity, for the "forward a message" flow.
	Forward(newDatabaseID int64, conversationID string, expireTimeout int64, sendTo string, copyAllowed bool) Variant
}

func copyEnvelopeForForward(src Envelope, newDatabaseID int64, expireTimeout int64, sendTo string, copyAllowed bool) Envelope {
	dst := src
	dst.DatabaseID = newDatabaseID
	dst.Sent = 0
	dst.Received = 0
	dst.Read = 0
	dst.Updated = 0
	dst.PeerDeleted = 0
	dst.Deleted = 0
	dst.ExpireTimeout = expireTimeout
	dst.SendTo = sendTo
	dst.CopyAllowed = copyAllowed
	dst.Forward = true
	dst.Forwarded = true
	return dst
}

// ObjectDescriptor is plain text content.
type ObjectDescriptor struct {
	Env  Envelope
	Text string
}

func (d *ObjectDescriptor) Kind() Kind        { return KindObject }
func (d *ObjectDescriptor) Envelope() *Envelope { return &d.Env }
func (d *ObjectDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &ObjectDescriptor{Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed), Text: d.Text}
}

// TransientObjectDescriptor is never persisted: it exists only for in-flight
// push-transient semantics (spec §3, §4.3 PUSH_TRANSIENT_OBJECT).
type TransientObjectDescriptor struct {
	Env   Envelope
	Text  string
	Flags int
}

func (d *TransientObjectDescriptor) Kind() Kind          { return KindTransientObject }
func (d *TransientObjectDescriptor) Envelope() *Envelope { return &d.Env }
func (d *TransientObjectDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &TransientObjectDescriptor{Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed), Text: d.Text, Flags: d.Flags}
}

// FileDescriptor references a chunked file transfer (spec §4.8).
type FileDescriptor struct {
	Env      Envelope
	Name     string
	Length   int64
	MimeType string
	Path     string
}

func (d *FileDescriptor) Kind() Kind          { return KindFile }
func (d *FileDescriptor) Envelope() *Envelope { return &d.Env }
func (d *FileDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &FileDescriptor{Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed), Name: d.Name, Length: d.Length, MimeType: d.MimeType}
}

// NamedFileDescriptor is a FileDescriptor with a display name distinct from
// its on-disk file name (spec §3: "file, named-file" are separate kinds —
// a named-file additionally carries the sender's suggested display name,
// e.g. a forwarded attachment keeping its original title while the chunked
// transfer itself is identical to FileDescriptor's).
type NamedFileDescriptor struct {
	Env         Envelope
	Name        string
	DisplayName string
	Length      int64
	MimeType    string
	Path        string
}

func (d *NamedFileDescriptor) Kind() Kind          { return KindNamedFile }
func (d *NamedFileDescriptor) Envelope() *Envelope { return &d.Env }
func (d *NamedFileDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &NamedFileDescriptor{
		Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed),
		Name: d.Name, DisplayName: d.DisplayName, Length: d.Length, MimeType: d.MimeType,
	}
}

// mediaFile is the file fields shared by the three media kinds
// (audio/image/video); each kind adds its own fields next to it (duration
// for audio; width and height for image; duration, width and height for
// video) (spec §3, §4.8 "thumbnails for large media").
type mediaFile struct {
	Name     string
	Length   int64
	MimeType string
	Path     string
}

// AudioDescriptor is a voice-message or audio-clip attachment.
type AudioDescriptor struct {
	Env   Envelope
	File  mediaFile
	Duration int64 // milliseconds
}

func (d *AudioDescriptor) Kind() Kind          { return KindAudio }
func (d *AudioDescriptor) Envelope() *Envelope { return &d.Env }
func (d *AudioDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &AudioDescriptor{Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed), File: d.File, Duration: d.Duration}
}

// ImageDescriptor is a picture attachment; HasThumbnail on its envelope
// signals a PushThumbnailIQ sub-protocol run accompanies the full-size
// chunked transfer (spec §4.8).
type ImageDescriptor struct {
	Env    Envelope
	File   mediaFile
	Width  int
	Height int
}

func (d *ImageDescriptor) Kind() Kind          { return KindImage }
func (d *ImageDescriptor) Envelope() *Envelope { return &d.Env }
func (d *ImageDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &ImageDescriptor{Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed), File: d.File, Width: d.Width, Height: d.Height}
}

// VideoDescriptor is a video attachment, always carrying a thumbnail (spec
// §3, §4.8).
type VideoDescriptor struct {
	Env      Envelope
	File     mediaFile
	Duration int64 // milliseconds
	Width    int
	Height   int
}

func (d *VideoDescriptor) Kind() Kind          { return KindVideo }
func (d *VideoDescriptor) Envelope() *Envelope { return &d.Env }
func (d *VideoDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &VideoDescriptor{Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed), File: d.File, Duration: d.Duration, Width: d.Width, Height: d.Height}
}

// CallDescriptor records an audio/video call event on the conversation
// timeline (spec §3 "call"; the voice/video session itself is carried by
// PeerConnectionService, this is only the timeline entry — incoming,
// accepted, missed, or ended).
type CallDescriptor struct {
	Env      Envelope
	Video    bool
	Duration int64 // milliseconds, 0 if never accepted
}

func (d *CallDescriptor) Kind() Kind          { return KindCall }
func (d *CallDescriptor) Envelope() *Envelope { return &d.Env }
func (d *CallDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &CallDescriptor{Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed), Video: d.Video, Duration: d.Duration}
}

// GeolocationDescriptor carries a single lat/long reading.
type GeolocationDescriptor struct {
	Env       Envelope
	Latitude  float64
	Longitude float64
	Altitude  float64
}

func (d *GeolocationDescriptor) Kind() Kind          { return KindGeolocation }
func (d *GeolocationDescriptor) Envelope() *Envelope { return &d.Env }
func (d *GeolocationDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &GeolocationDescriptor{Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed), Latitude: d.Latitude, Longitude: d.Longitude, Altitude: d.Altitude}
}

// TwincodeReferenceDescriptor shares a twincode address with the peer.
type TwincodeReferenceDescriptor struct {
	Env         Envelope
	TwincodeID  string
	DisplayName string
}

func (d *TwincodeReferenceDescriptor) Kind() Kind          { return KindTwincodeReference }
func (d *TwincodeReferenceDescriptor) Envelope() *Envelope { return &d.Env }
func (d *TwincodeReferenceDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &TwincodeReferenceDescriptor{Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed), TwincodeID: d.TwincodeID, DisplayName: d.DisplayName}
}

// InvitationDescriptor represents a pending group invitation (spec §4.9).
type InvitationStatus int

const (
	InvitationPending InvitationStatus = iota
	InvitationAccepted
	InvitationWithdrawn
)

type InvitationDescriptor struct {
	Env       Envelope
	GroupID   string
	GroupName string
	Status    InvitationStatus
}

func (d *InvitationDescriptor) Kind() Kind          { return KindInvitation }
func (d *InvitationDescriptor) Envelope() *Envelope { return &d.Env }
func (d *InvitationDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &InvitationDescriptor{Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed), GroupID: d.GroupID, GroupName: d.GroupName, Status: d.Status}
}

// ClearDescriptor is the peer's request to clear a conversation up to a
// timestamp (spec §4.2). It is pushed through a RESET_CONVERSATION
// operation and popped locally as a synthetic descriptor with a fixed
// sequence number of 1, scoped to the peer's outbound id.
const ClearDescriptorSequenceID int64 = 1

type ClearMode int

const (
	ClearLocal ClearMode = iota
	ClearBoth
)

type ClearDescriptor struct {
	Env   Envelope
	Upto  int64
	Mode  ClearMode
}

func (d *ClearDescriptor) Kind() Kind          { return KindClear }
func (d *ClearDescriptor) Envelope() *Envelope { return &d.Env }
func (d *ClearDescriptor) Forward(newID int64, cid string, expire int64, sendTo string, copyAllowed bool) Variant {
	return &ClearDescriptor{Env: copyEnvelopeForForward(d.Env, newID, expire, sendTo, copyAllowed), Upto: d.Upto, Mode: d.Mode}
}

// NewClearDescriptor builds the synthetic descriptor popped locally on a
// hard reset (spec §S6, §9 ENABLE_HARD_RESET).
func NewClearDescriptor(peerTwincodeOutboundID string, upto int64, mode ClearMode, now int64) *ClearDescriptor {
	return &ClearDescriptor{
		Env: Envelope{
			Identity: Identity{TwincodeOutboundID: peerTwincodeOutboundID, SequenceID: ClearDescriptorSequenceID},
			Created:  now,
		},
		Upto: upto,
		Mode: mode,
	}
}
