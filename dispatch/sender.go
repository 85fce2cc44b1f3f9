package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/twinlife/conversationcore/conv"
	"github.com/twinlife/conversationcore/errkind"
	"github.com/twinlife/conversationcore/filetransfer"
	"github.com/twinlife/conversationcore/frame"
	"github.com/twinlife/conversationcore/operation"
)

// DescriptorLookup resolves the payload text for a PushObject operation;
// production code backs this with ServiceProvider, tests with a map.
type DescriptorLookup func(descriptorID int64) (text string, err error)

// FileSource resolves the metadata and bytes of a file descriptor for the
// PUSH_FILE sender path (spec §4.8).
type FileSource interface {
	Meta(descriptorID int64) (name, mimeType string, length int64, thumbnail []byte, err error)
	ReaderAt(descriptorID int64) (io.ReaderAt, error)
}

// ThumbnailSource resolves the metadata and bytes of a large media
// descriptor's chunked thumbnail, separate from FileSource's inline
// Thumbnail field (spec §4.8, C9: "thumbnails for large media arrive as a
// separate chunked message").
type ThumbnailSource interface {
	Meta(descriptorID int64) (length int64, err error)
	ReaderAt(descriptorID int64) (io.ReaderAt, error)
}

// FrameSender implements scheduler.Sender on top of an Engine's transport
// and registry, serializing each operation type to its wire frame (spec
// §4.2 "serialize-to-frame (versioned)", §4.3).
type FrameSender struct {
	Engine     *conv.Engine
	Invocation conv.TwincodeOutboundService
	Lookup     DescriptorLookup
	Files      FileSource
	Thumbnails ThumbnailSource

	// Store, when set, lets the sender mark a descriptor failed when
	// version gating refuses to put its operation on the wire (spec §4.4).
	Store conv.ServiceProvider
}

func (s *FrameSender) Send(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	switch op.Type {
	case operation.PushObject:
		return s.sendPushObject(conversation, connection, op)
	case operation.SynchronizeConversation:
		return s.sendSynchronize(conversation, connection, op)
	case operation.PushFile:
		return s.sendPushFile(conversation, connection, op)
	case operation.ResetConversation:
		return s.sendResetConversation(conversation, connection, op)
	case operation.PushTransientObject:
		return s.sendPushTransientObject(conversation, connection, op)
	case operation.PushCommand:
		return s.sendPushCommand(conversation, connection, op)
	case operation.PushGeolocation:
		return s.sendPushGeolocation(conversation, connection, op)
	case operation.PushTwincode:
		return s.sendPushTwincode(conversation, connection, op)
	case operation.UpdateDescriptorTimestamp:
		return s.sendUpdateDescriptorTimestamp(conversation, connection, op)
	case operation.UpdateObject:
		return s.sendUpdateObject(conversation, connection, op)
	case operation.UpdateAnnotations:
		return s.sendUpdateAnnotations(conversation, connection, op)
	case operation.InviteGroup:
		return s.sendInviteGroup(conversation, connection, op)
	case operation.WithdrawInviteGroup:
		return s.sendWithdrawInviteGroup(conversation, connection, op)
	case operation.JoinGroup:
		return s.sendJoinGroup(conversation, connection, op)
	case operation.LeaveGroup:
		return s.sendLeaveGroup(conversation, connection, op)
	case operation.UpdateGroupMember:
		return s.sendUpdateGroupMember(conversation, connection, op)
	default:
		return fmt.Errorf("dispatch: FrameSender has no encoder for %v", op.Type)
	}
}

func (s *FrameSender) write(connection *conv.Connection, key frame.Key, msg frame.Body) error {
	var buf bytes.Buffer
	if err := frame.EncodeFrame(&buf, key, msg, connection.LeadingPadding()); err != nil {
		return err
	}
	return s.Engine.Transport.Write(connection.PeerConnectionID, buf.Bytes())
}

func (s *FrameSender) sendResetConversation(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.ResetPayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.ResetConversationIQ{RequestHeader: frame.RequestHeader{RequestID: op.RequestID}, Upto: p.Upto, Mode: uint8(p.Mode)}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaResetConversation, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendPushTransientObject(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.ContentPayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.PushTransientObjectIQ{
		RequestHeader: frame.RequestHeader{RequestID: op.RequestID},
		SenderID:      conversation.Local.OutboundTwincodeID,
		SequenceID:    op.CreationID,
		Created:       op.CreationTimestamp,
		Text:          p.Text,
		Flags:         int32(p.Flags),
	}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaPushTransientObject, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendPushCommand(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.ContentPayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.PushCommandIQ{
		RequestHeader: frame.RequestHeader{RequestID: op.RequestID},
		SenderID:      conversation.Local.OutboundTwincodeID,
		SequenceID:    op.CreationID,
		Created:       op.CreationTimestamp,
		Command:       p.Text,
	}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaPushCommand, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendPushGeolocation(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.GeolocationPayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.PushGeolocationIQ{
		RequestHeader: frame.RequestHeader{RequestID: op.RequestID},
		DescriptorID:  op.DescriptorID,
		SenderID:      conversation.Local.OutboundTwincodeID,
		SequenceID:    op.CreationID,
		Created:       op.CreationTimestamp,
		Latitude:      p.Latitude,
		Longitude:     p.Longitude,
		Altitude:      p.Altitude,
	}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaPushGeolocation, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendPushTwincode(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.TwincodePayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.PushTwincodeIQ{
		RequestHeader: frame.RequestHeader{RequestID: op.RequestID},
		DescriptorID:  op.DescriptorID,
		SenderID:      conversation.Local.OutboundTwincodeID,
		SequenceID:    op.CreationID,
		Created:       op.CreationTimestamp,
		TwincodeID:    p.TwincodeID,
		DisplayName:   p.DisplayName,
	}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaPushTwincode, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendUpdateDescriptorTimestamp(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.TimestampPayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.UpdateDescriptorTimestampIQ{
		RequestHeader: frame.RequestHeader{RequestID: op.RequestID},
		SenderID:      p.DescriptorTwincodeID,
		SequenceID:    p.SequenceID,
		Phase:         p.Phase,
		Value:         p.Value,
	}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaUpdateDescriptorTS, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendUpdateObject(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.ObjectUpdatePayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.UpdateObjectIQ{
		RequestHeader: frame.RequestHeader{RequestID: op.RequestID},
		SenderID:      p.DescriptorTwincodeID,
		SequenceID:    p.SequenceID,
		Text:          p.Text,
	}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaUpdateObject, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendUpdateAnnotations(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.AnnotationPayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.UpdateAnnotationsIQ{
		RequestHeader:  frame.RequestHeader{RequestID: op.RequestID},
		SenderID:       p.DescriptorTwincodeID,
		SequenceID:     p.SequenceID,
		AnnotationType: p.AnnotationType,
		Value:          p.Value,
	}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaUpdateAnnotations, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendInviteGroup(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.InvitePayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.InviteGroupIQ{RequestHeader: frame.RequestHeader{RequestID: op.RequestID}, GroupID: p.GroupID, GroupName: p.GroupName}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaInviteGroup, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendWithdrawInviteGroup(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.InvitePayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.WithdrawInviteGroupIQ{RequestHeader: frame.RequestHeader{RequestID: op.RequestID}, GroupID: p.GroupID}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaWithdrawInviteGroup, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendJoinGroup(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.MembershipPayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.JoinGroupIQ{RequestHeader: frame.RequestHeader{RequestID: op.RequestID}, GroupID: p.GroupID}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaJoinGroup, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendLeaveGroup(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.MembershipPayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.LeaveGroupIQ{RequestHeader: frame.RequestHeader{RequestID: op.RequestID}, GroupID: p.GroupID}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaLeaveGroup, SchemaVersion: 1}, msg)
}

func (s *FrameSender) sendUpdateGroupMember(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.MembershipPayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	msg := &frame.UpdateGroupMemberIQ{
		RequestHeader: frame.RequestHeader{RequestID: op.RequestID},
		GroupID:       p.GroupID,
		TwincodeID:    p.TwincodeID,
		PublicKey:     p.PublicKey,
		Permissions:   p.Permissions,
		Removed:       p.Removed,
	}
	return s.write(connection, frame.Key{SchemaID: frame.SchemaUpdateGroupMember, SchemaVersion: 1}, msg)
}

// sendPushFile implements spec §4.8: phase 1 (PushFileIQ envelope) while
// ChunkStart is still NOT_INITIALIZED, then one PushFileChunkIQ per call
// once the peer has accepted and the scheduler has flipped ChunkStart to a
// real offset (spec §4.5 "Completion", PushFile branch).
func (s *FrameSender) sendPushFile(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	if s.Files == nil {
		return fmt.Errorf("dispatch: FrameSender has no FileSource configured")
	}
	name, mimeType, length, thumbnail, err := s.Files.Meta(op.DescriptorID)
	if err != nil {
		return err
	}
	op.Length = length

	if op.ChunkStart == operation.ChunkNotInitialized {
		msg := &frame.PushFileIQ{
			RequestHeader: frame.RequestHeader{RequestID: op.RequestID},
			DescriptorID:  op.DescriptorID,
			SenderID:      conversation.Local.OutboundTwincodeID,
			SequenceID:    op.CreationID,
			Created:       op.CreationTimestamp,
			Name:          name,
			Length:        length,
			MimeType:      mimeType,
			Thumbnail:     thumbnail,
		}
		var buf bytes.Buffer
		if err := frame.EncodeFrame(&buf, frame.Key{SchemaID: frame.SchemaPushFile, SchemaVersion: 1}, msg, connection.LeadingPadding()); err != nil {
			return err
		}
		if err := s.Engine.Transport.Write(connection.PeerConnectionID, buf.Bytes()); err != nil {
			return err
		}
		s.sendThumbnail(conversation, connection, op)
		return nil
	}

	reader, err := s.Files.ReaderAt(op.DescriptorID)
	if err != nil {
		return err
	}
	chunkSender := &filetransfer.Sender{
		Writer:       s.Engine.Transport,
		Connection:   connection,
		DescriptorID: op.DescriptorID,
		Source:       reader,
		Length:       length,
	}
	return chunkSender.SendChunk(op.ChunkStart, time.Now().UnixMilli())
}

// sendThumbnail runs the chunked thumbnail sub-protocol to completion right
// after phase 1 of the main file push (spec §4.8, C9). A missing
// ThumbnailSource or a descriptor with no thumbnail is not an error: most
// descriptors have none, and a failed thumbnail must never abort the main
// file transfer.
func (s *FrameSender) sendThumbnail(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) {
	if s.Thumbnails == nil {
		return
	}
	length, err := s.Thumbnails.Meta(op.DescriptorID)
	if err != nil || length <= 0 {
		return
	}
	reader, err := s.Thumbnails.ReaderAt(op.DescriptorID)
	if err != nil {
		return
	}
	announce := &frame.PushThumbnailIQ{
		DescriptorID: op.DescriptorID,
		SenderID:     conversation.Local.OutboundTwincodeID,
		SequenceID:   op.CreationID,
		Length:       length,
	}
	if err := s.write(connection, frame.Key{SchemaID: frame.SchemaPushThumbnail, SchemaVersion: 1}, announce); err != nil {
		return
	}
	chunkSender := &filetransfer.ThumbnailSender{
		Writer: s.Engine.Transport, Connection: connection,
		DescriptorID: op.DescriptorID, Source: reader, Length: length,
	}
	for start := int64(0); start < length; start += filetransfer.ChunkSize {
		if err := chunkSender.SendChunk(start, time.Now().UnixMilli()); err != nil {
			return
		}
	}
}

func (s *FrameSender) sendPushObject(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	var p operation.ObjectPayload
	if err := operation.UnmarshalPayload(op.Payload, &p); err != nil {
		return err
	}
	if p.Text == "" && s.Lookup != nil {
		t, err := s.Lookup(op.DescriptorID)
		if err != nil {
			return err
		}
		p.Text = t
	}

	// Version gating (spec §4.4): a descriptor needing a feature the
	// negotiated peer version lacks must not be sent; the descriptor is
	// marked failed instead so observers can surface the send failure.
	peerVersion := connection.PeerVersion()
	if p.ReplyTo != 0 && !frame.Supports(peerVersion, frame.FeatureReplyTo) {
		return s.failUnsupported(conversation, op)
	}
	if p.ExpireTimeout != 0 && !frame.Supports(peerVersion, frame.FeatureExpireTimeout) {
		return s.failUnsupported(conversation, op)
	}

	msg := &frame.PushObjectIQ{
		RequestHeader: frame.RequestHeader{RequestID: op.RequestID},
		DescriptorID:  op.DescriptorID,
		SequenceID:    op.CreationID,
		SenderID:      conversation.Local.OutboundTwincodeID,
		Created:       op.CreationTimestamp,
		ReplyTo:       p.ReplyTo,
		ExpireTimeout: p.ExpireTimeout,
		Text:          p.Text,
	}
	var buf bytes.Buffer
	if err := frame.EncodeFrame(&buf, frame.Key{SchemaID: frame.SchemaPushObject, SchemaVersion: frame.CurrentVersion}, msg, connection.LeadingPadding()); err != nil {
		return err
	}
	return s.Engine.Transport.Write(connection.PeerConnectionID, buf.Bytes())
}

// failUnsupported marks op's descriptor failed (received=-1, read=-1) and
// returns FEATURE_NOT_SUPPORTED_BY_PEER so the scheduler aborts the
// operation instead of retrying it (spec §4.4, §7).
func (s *FrameSender) failUnsupported(conversation *conv.Conversation, op *operation.Operation) error {
	if s.Store != nil {
		sender := conversation.Local.OutboundTwincodeID
		_, _ = s.Store.UpdateDescriptorTimestamp(sender, op.CreationID, "received", -1)
		_, _ = s.Store.UpdateDescriptorTimestamp(sender, op.CreationID, "read", -1)
	}
	err := errkind.New(errkind.FEATURE_NOT_SUPPORTED_BY_PEER)
	err.RequestID = op.RequestID
	return err
}

func (s *FrameSender) sendSynchronize(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	msg := &frame.SynchronizeIQ{
		RequestHeader:            frame.RequestHeader{RequestID: op.RequestID},
		SenderTwincodeOutboundID: conversation.Local.OutboundTwincodeID,
		ResourceID:               conversation.Local.InboundTwincodeID,
		SenderTimestamp:          time.Now().UnixMilli(),
	}
	var buf bytes.Buffer
	if err := frame.EncodeFrame(&buf, frame.Key{SchemaID: frame.SchemaSynchronize, SchemaVersion: 1}, msg, connection.LeadingPadding()); err != nil {
		return err
	}
	return s.Engine.Transport.Write(connection.PeerConnectionID, buf.Bytes())
}

// Invoke dispatches an invoke-only operation through the twincode
// invocation transport, forwarding the operation's attestation/membership
// payload as named invocation attributes (spec §4.3, §4.5 step 2, §6.2).
func (s *FrameSender) Invoke(ctx context.Context, conversation *conv.Conversation, op *operation.Operation) error {
	if s.Invocation == nil {
		return fmt.Errorf("dispatch: no invocation transport configured")
	}
	action := invokeActionFor(op.Type)
	attrs := map[string]any{"conversationId": conversation.ID}
	var payload operation.InvocationPayload
	if err := operation.UnmarshalPayload(op.Payload, &payload); err == nil {
		if payload.GroupTwincodeID != "" {
			attrs["group-twincode-id"] = payload.GroupTwincodeID
		}
		if payload.MemberTwincodeID != "" {
			attrs["member-twincode-id"] = payload.MemberTwincodeID
		}
		if payload.SignedOffTwincodeID != "" {
			attrs["signed-off-twincode-id"] = payload.SignedOffTwincodeID
		}
		if payload.Permissions != 0 {
			attrs["permissions"] = payload.Permissions
		}
		if len(payload.PublicKey) > 0 {
			attrs["public-key"] = payload.PublicKey
		}
		if len(payload.Signature) > 0 {
			attrs["signature"] = payload.Signature
		}
		if len(payload.Members) > 0 {
			attrs["members"] = payload.Members
		}
		if payload.RequestTimestamp != 0 {
			attrs["requestTimestamp"] = payload.RequestTimestamp
		}
	}
	_, err := s.Invocation.Invoke(ctx, conversation.PeerOutboundTwincodeID, action, attrs)
	return err
}

func invokeActionFor(t operation.Type) string {
	switch t {
	case operation.InvokeJoinGroup:
		return "conversation-join"
	case operation.InvokeAddMember:
		return "conversation-on-join"
	case operation.InvokeLeaveGroup:
		return "conversation-leave"
	default:
		return "unknown"
	}
}
