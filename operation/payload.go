package operation

import "encoding/json"

// The structs below are the typed shapes Operation.Payload decodes to, one
// per wire-bearing Type that needs more than (conversationId, descriptorId)
// to build its frame or invocation attrs. JSON is the payload encoding
// (spec §6.3 persists Operation opaquely; package store stores these bytes
// verbatim, never parsing them) — a different choice from the binary frame
// wire format, matching the teacher's own split between a JSON-persisted
// queue row and a binary wire frame (server/store persists echo.Context
// bodies as JSON while the voice channel itself is a binary RTP/SRTP
// stream).

// ObjectPayload carries a PUSH_OBJECT / text descriptor body along with
// the optional envelope fields whose presence is version-gated on the
// peer (spec §4.4 version negotiation, §4.3 PUSH_OBJECT).
type ObjectPayload struct {
	Text          string `json:"text"`
	ReplyTo       int64  `json:"replyTo,omitempty"`
	ExpireTimeout int64  `json:"expireTimeout,omitempty"`
}

// ContentPayload carries a short text/command body for the descriptor
// kinds that are not backed by a stored descriptor row: PUSH_TRANSIENT_OBJECT,
// PUSH_COMMAND (spec §4.3).
type ContentPayload struct {
	Text  string `json:"text,omitempty"`
	Flags int    `json:"flags,omitempty"`
}

// GeolocationPayload carries a PUSH_GEOLOCATION reading (spec §4.3, §3
// GeolocationDescriptor).
type GeolocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// TwincodePayload carries a PUSH_TWINCODE reference (spec §4.3, §3
// TwincodeReferenceDescriptor).
type TwincodePayload struct {
	TwincodeID  string `json:"twincodeId"`
	DisplayName string `json:"displayName,omitempty"`
}

// ResetPayload carries an explicit RESET_CONVERSATION request (spec §4.3,
// §S6). Mode mirrors descriptor.ClearMode without importing package
// descriptor (operation must not depend on descriptor: descriptor already
// depends on permission, and dispatch wires both together).
type ResetPayload struct {
	Upto int64 `json:"upto"`
	Mode int   `json:"mode"`
}

// TimestampPayload carries one UPDATE_DESCRIPTOR_TIMESTAMP phase update
// (spec §4.3, §4.5 "Completion"). Phase is one of "sent", "read",
// "peerDeleted", "deleted".
type TimestampPayload struct {
	DescriptorTwincodeID string `json:"descriptorTwincodeId"`
	SequenceID           int64  `json:"sequenceId"`
	Phase                string `json:"phase"`
	Value                int64  `json:"value"`
}

// ObjectUpdatePayload carries a full-content replacement for
// UPDATE_OBJECT (spec §4.3).
type ObjectUpdatePayload struct {
	DescriptorTwincodeID string `json:"descriptorTwincodeId"`
	SequenceID           int64  `json:"sequenceId"`
	Text                 string `json:"text"`
}

// AnnotationPayload carries one UPDATE_ANNOTATIONS key/value pair (spec
// §4.3, §6.3 annotations table).
type AnnotationPayload struct {
	DescriptorTwincodeID string `json:"descriptorTwincodeId"`
	SequenceID           int64  `json:"sequenceId"`
	AnnotationType       string `json:"type"`
	Value                string `json:"value"`
}

// InvitePayload carries INVITE_GROUP / WITHDRAW_INVITE_GROUP's group
// identity (spec §4.9 "Invite"/"Withdraw").
type InvitePayload struct {
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName,omitempty"`
}

// MembershipPayload carries JOIN_GROUP / LEAVE_GROUP / UPDATE_GROUP_MEMBER's
// group identity plus, for UPDATE_GROUP_MEMBER, the member row being
// propagated (spec §4.9).
type MembershipPayload struct {
	GroupID     string `json:"groupId"`
	TwincodeID  string `json:"twincodeId,omitempty"`
	PublicKey   []byte `json:"publicKey,omitempty"`
	Permissions uint32 `json:"permissions,omitempty"`
	Removed     bool   `json:"removed,omitempty"`
}

// InvocationPayload is the attribute bag carried by the three invoke-only
// operation types over the twincode-invocation transport (spec §6.2: the
// names below are fixed, "group-twincode-id", "member-twincode-id",
// "signed-off-twincode-id", "permissions", "public-key", "signature",
// "members", "requestTimestamp").
type InvocationPayload struct {
	GroupTwincodeID     string   `json:"group-twincode-id,omitempty"`
	MemberTwincodeID    string   `json:"member-twincode-id,omitempty"`
	SignedOffTwincodeID string   `json:"signed-off-twincode-id,omitempty"`
	Permissions         uint32   `json:"permissions,omitempty"`
	PublicKey           []byte   `json:"public-key,omitempty"`
	Signature           []byte   `json:"signature,omitempty"`
	Members             []string `json:"members,omitempty"`
	RequestTimestamp    int64    `json:"requestTimestamp,omitempty"`
}

// MarshalPayload is the single encode path every caller of Enqueue uses to
// build the raw bytes stored on Operation.Payload, keeping the JSON choice
// in one place.
func MarshalPayload(v any) ([]byte, error) { return json.Marshal(v) }

// UnmarshalPayload decodes raw back into v; FrameSender and group.Manager's
// invocation path use this rather than encoding/json directly so the
// payload format stays a package operation concern.
func UnmarshalPayload(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
