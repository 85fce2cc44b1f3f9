package frame

import (
	"io"

	"github.com/google/uuid"
)

// Stable per-request-type schema ids (spec §6.1: "each owns a stable
// schemaId UUID and a numeric schemaVersion advanced on any field
// addition"). Values are fixed forever once shipped.
var (
	SchemaSynchronize   = uuid.MustParse("8f0a8f0a-0001-4a00-9a00-000000000001")
	SchemaOnSynchronize = uuid.MustParse("8f0a8f0a-0001-4a00-9a00-000000000002")
	SchemaPushObject    = uuid.MustParse("8f0a8f0a-0002-4a00-9a00-000000000001")
	SchemaOnPush        = uuid.MustParse("8f0a8f0a-0002-4a00-9a00-0000000000ff")
	SchemaPushFile      = uuid.MustParse("8f0a8f0a-0003-4a00-9a00-000000000001")
	SchemaPushFileChunk = uuid.MustParse("8f0a8f0a-0003-4a00-9a00-000000000002")
	SchemaOnPushChunk   = uuid.MustParse("8f0a8f0a-0003-4a00-9a00-000000000003")
	SchemaError         = uuid.MustParse("8f0a8f0a-ffff-4a00-9a00-000000000001")

	SchemaResetConversation   = uuid.MustParse("8f0a8f0a-0004-4a00-9a00-000000000001")
	SchemaPushTransientObject = uuid.MustParse("8f0a8f0a-0005-4a00-9a00-000000000001")
	SchemaPushCommand         = uuid.MustParse("8f0a8f0a-0006-4a00-9a00-000000000001")
	SchemaPushGeolocation     = uuid.MustParse("8f0a8f0a-0007-4a00-9a00-000000000001")
	SchemaPushTwincode        = uuid.MustParse("8f0a8f0a-0008-4a00-9a00-000000000001")
	SchemaUpdateDescriptorTS  = uuid.MustParse("8f0a8f0a-0009-4a00-9a00-000000000001")
	SchemaUpdateObject        = uuid.MustParse("8f0a8f0a-000a-4a00-9a00-000000000001")
	SchemaUpdateAnnotations   = uuid.MustParse("8f0a8f0a-000b-4a00-9a00-000000000001")
	SchemaInviteGroup         = uuid.MustParse("8f0a8f0a-000c-4a00-9a00-000000000001")
	SchemaWithdrawInviteGroup = uuid.MustParse("8f0a8f0a-000d-4a00-9a00-000000000001")
	SchemaJoinGroup           = uuid.MustParse("8f0a8f0a-000e-4a00-9a00-000000000001")
	SchemaLeaveGroup          = uuid.MustParse("8f0a8f0a-000f-4a00-9a00-000000000001")
	SchemaUpdateGroupMember   = uuid.MustParse("8f0a8f0a-0010-4a00-9a00-000000000001")

	SchemaPushThumbnail    = uuid.MustParse("8f0a8f0a-0011-4a00-9a00-000000000001")
	SchemaThumbnailChunk   = uuid.MustParse("8f0a8f0a-0011-4a00-9a00-000000000002")
	SchemaOnThumbnailChunk = uuid.MustParse("8f0a8f0a-0011-4a00-9a00-000000000003")
)

// CurrentVersion is the schemaVersion advanced whenever a message's fields
// change; RegisterDefaults also keeps version 1 registered for peers who
// have not upgraded (spec §6.1 backward-compatibility rule).
const CurrentVersion uint32 = 2

// RegisterDefaults installs every built-in request/response codec,
// including the superseded schemaVersion 1 decoders for descriptors that
// gained fields in version 2 (here: PushObjectIQ gained ReplyTo/ExpireTimeout
// in v2; v1 peers are decoded by DecodePushObjectIQV1).
func RegisterDefaults(reg *Registry) {
	reg.Register(Key{SchemaID: SchemaSynchronize, SchemaVersion: 1}, DecodeSynchronizeIQ, nil)
	reg.Register(Key{SchemaID: SchemaOnSynchronize, SchemaVersion: 1}, DecodeOnSynchronizeIQ, nil)

	reg.Register(Key{SchemaID: SchemaPushObject, SchemaVersion: 1}, DecodePushObjectIQV1, nil)
	reg.Register(Key{SchemaID: SchemaPushObject, SchemaVersion: 2}, DecodePushObjectIQ, nil)

	reg.Register(Key{SchemaID: SchemaOnPush, SchemaVersion: 1}, DecodeOnPushIQ, nil)

	reg.Register(Key{SchemaID: SchemaPushFile, SchemaVersion: 1}, DecodePushFileIQ, nil)
	reg.Register(Key{SchemaID: SchemaPushFileChunk, SchemaVersion: 1}, DecodePushFileChunkIQ, nil)
	reg.Register(Key{SchemaID: SchemaOnPushChunk, SchemaVersion: 1}, DecodeOnPushFileChunkIQ, nil)

	reg.Register(Key{SchemaID: SchemaError, SchemaVersion: 1}, DecodeErrorIQ, nil)

	reg.Register(Key{SchemaID: SchemaResetConversation, SchemaVersion: 1}, DecodeResetConversationIQ, nil)
	reg.Register(Key{SchemaID: SchemaPushTransientObject, SchemaVersion: 1}, DecodePushTransientObjectIQ, nil)
	reg.Register(Key{SchemaID: SchemaPushCommand, SchemaVersion: 1}, DecodePushCommandIQ, nil)
	reg.Register(Key{SchemaID: SchemaPushGeolocation, SchemaVersion: 1}, DecodePushGeolocationIQ, nil)
	reg.Register(Key{SchemaID: SchemaPushTwincode, SchemaVersion: 1}, DecodePushTwincodeIQ, nil)
	reg.Register(Key{SchemaID: SchemaUpdateDescriptorTS, SchemaVersion: 1}, DecodeUpdateDescriptorTimestampIQ, nil)
	reg.Register(Key{SchemaID: SchemaUpdateObject, SchemaVersion: 1}, DecodeUpdateObjectIQ, nil)
	reg.Register(Key{SchemaID: SchemaUpdateAnnotations, SchemaVersion: 1}, DecodeUpdateAnnotationsIQ, nil)
	reg.Register(Key{SchemaID: SchemaInviteGroup, SchemaVersion: 1}, DecodeInviteGroupIQ, nil)
	reg.Register(Key{SchemaID: SchemaWithdrawInviteGroup, SchemaVersion: 1}, DecodeWithdrawInviteGroupIQ, nil)
	reg.Register(Key{SchemaID: SchemaJoinGroup, SchemaVersion: 1}, DecodeJoinGroupIQ, nil)
	reg.Register(Key{SchemaID: SchemaLeaveGroup, SchemaVersion: 1}, DecodeLeaveGroupIQ, nil)
	reg.Register(Key{SchemaID: SchemaUpdateGroupMember, SchemaVersion: 1}, DecodeUpdateGroupMemberIQ, nil)

	reg.Register(Key{SchemaID: SchemaPushThumbnail, SchemaVersion: 1}, DecodePushThumbnailIQ, nil)
	reg.Register(Key{SchemaID: SchemaThumbnailChunk, SchemaVersion: 1}, DecodeThumbnailChunkIQ, nil)
	reg.Register(Key{SchemaID: SchemaOnThumbnailChunk, SchemaVersion: 1}, DecodeOnThumbnailChunkIQ, nil)
}

// DecodePushObjectIQV1 decodes the pre-v2 wire shape of PushObjectIQ, which
// lacked ReplyTo and ExpireTimeout. Kept registered forever so older peers
// remain decodable (spec §1, §6.1 "legacy decode paths").
func DecodePushObjectIQV1(r io.Reader) (Body, error) {
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
	text, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &PushObjectIQ{
		RequestHeader: RequestHeader{RequestID: int64(reqID)},
		DescriptorID:  int64(descID), SequenceID: int64(seq), SenderID: sender,
		Created: created, ReplyTo: 0, ExpireTimeout: 0, Text: text,
	}, nil
}
