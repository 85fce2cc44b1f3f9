// Package dispatch implements the protocol dispatch layer (spec §4.7, C7):
// demultiplexing incoming frames, routing push/update/delete to the
// descriptor store, emitting response frames, and publishing observer
// events.
package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/twinlife/conversationcore/conv"
	"github.com/twinlife/conversationcore/descriptor"
	"github.com/twinlife/conversationcore/errkind"
	"github.com/twinlife/conversationcore/filetransfer"
	"github.com/twinlife/conversationcore/frame"
	"github.com/twinlife/conversationcore/observer"
	"github.com/twinlife/conversationcore/permission"
	"github.com/twinlife/conversationcore/scheduler"
)

// FileSink resolves the on-disk path an incoming file descriptor's bytes
// should be written to (spec §4.8 "Receive-side", §5 "Shared resources":
// "<filesDir>/conversations/<twincodeOutboundId>/<sequenceId>[.<ext>]").
type FileSink interface {
	Path(senderTwincodeOutboundID string, sequenceID int64, name string) (path string, err error)
}

// ThumbnailSink resolves the on-disk path a large media descriptor's
// chunked thumbnail sidecar should be written to (spec §4.8, C9), mirroring
// FileSink's naming inputs since PushThumbnailIQ carries the same
// (senderTwincodeOutboundID, sequenceID) identity as PushFileIQ.
type ThumbnailSink interface {
	Path(senderTwincodeOutboundID string, sequenceID int64, descriptorID int64) (path string, err error)
}

// GroupHandler receives frames decoded off the group-membership
// sub-protocol (spec §4.9, C7) once the dispatcher has resolved the owning
// conversation; group.Manager implements this for production use. The
// dispatcher never applies group business logic itself, matching how it
// already defers PUSH_OBJECT/PUSH_FILE persistence to conv.ServiceProvider.
type GroupHandler interface {
	HandleInviteReceived(conversationID string, inv *descriptor.InvitationDescriptor) error
	HandleWithdrawReceived(conversationID, groupID string) error
	HandleJoinReceived(conversationID, groupID, memberTwincodeID string) error
	HandleLeaveReceived(conversationID, groupID, memberTwincodeID string) error
	HandleMemberUpdateReceived(conversationID, groupID, twincodeID string, perms permission.Mask, removed bool) error
}

// Dispatcher demultiplexes frames for one Engine.
type Dispatcher struct {
	engine    *conv.Engine
	registry  *frame.Registry
	store     conv.ServiceProvider
	bus       *observer.Bus
	sched     *scheduler.Scheduler
	now       func() int64
	hardReset bool // spec §9: ENABLE_HARD_RESET, compiled out upstream; on here per §S6.
	sink      FileSink
	thumbSink ThumbnailSink
	group     GroupHandler

	receiversMu    sync.Mutex
	receivers      map[string]*fileReceiver          // conversationID + "/" + descriptorID
	thumbReceivers map[string]*filetransfer.Receiver // conversationID + "/" + descriptorID
}

// fileReceiver pairs an in-flight filetransfer.Receiver with the sender
// identity needed to clean up the owning descriptor on abort (spec §4.8
// "Receive-side failure": "a partially received file whose receive fails
// is deleted before descriptor removal").
type fileReceiver struct {
	receiver   *filetransfer.Receiver
	senderID   string
	sequenceID int64
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now func() int64) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithFileSink configures where incoming PUSH_FILE content is written
// (spec §4.8). Without one, inbound file pushes are rejected.
func WithFileSink(sink FileSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// WithThumbnailSink configures where incoming chunked thumbnail content is
// written (spec §4.8, C9). Without one, PushThumbnailIQ announces are
// dropped silently: most descriptors have no thumbnail, so this is not
// treated as a protocol error.
func WithThumbnailSink(sink ThumbnailSink) Option {
	return func(d *Dispatcher) { d.thumbSink = sink }
}

// WithGroupHandler wires the group-membership engine into the dispatcher
// (spec §4.9, C7/C8). Without one, group-protocol frames are acknowledged
// but otherwise dropped.
func WithGroupHandler(g GroupHandler) Option {
	return func(d *Dispatcher) { d.group = g }
}

func New(engine *conv.Engine, registry *frame.Registry, store conv.ServiceProvider, bus *observer.Bus, sched *scheduler.Scheduler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine: engine, registry: registry, store: store, bus: bus, sched: sched,
		now: func() int64 { return time.Now().UnixMilli() }, hardReset: true,
		receivers:      make(map[string]*fileReceiver),
		thumbReceivers: make(map[string]*filetransfer.Receiver),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func receiverKey(conversationID string, descriptorID int64) string {
	return fmt.Sprintf("%s/%d", conversationID, descriptorID)
}

// InboundWriter is the minimal capability needed to answer a peer on the
// connection the inbound frame arrived on.
type InboundWriter interface {
	Write(peerConnectionID string, raw []byte) error
}

// HandleInbound implements the seven dispatch steps of spec §4.7 for one
// decoded frame read off peerConnectionID.
func (d *Dispatcher) HandleInbound(writer InboundWriter, peerConnectionID string, raw []byte, leadingPadding bool) {
	key, body, err := d.registry.DecodeFrame(raw, leadingPadding)
	if err != nil {
		if unk, ok := err.(*frame.ErrUnknownKey); ok {
			d.replyUnknown(writer, peerConnectionID, unk)
			return
		}
		log.Printf("[dispatch] decode frame: %v", err)
		return
	}

	conversation, connection, ok := d.engine.ConversationByPeerConnectionID(peerConnectionID)
	if !ok {
		// Unknown (conversation, connection): drop (spec §4.7 step 2).
		return
	}

	switch b := body.(type) {
	case *frame.SynchronizeIQ:
		d.handleSynchronize(writer, conversation, connection, b)
	case *frame.OnSynchronizeIQ:
		d.handleOnSynchronize(conversation, connection, b)
	case *frame.PushObjectIQ:
		d.handlePushObject(writer, conversation, connection, b)
	case *frame.OnPushIQ:
		d.sched.CompleteByRequestID(conversation.ID, b.RequestID, b.DeviceState, b.ReceivedTimestamp)
	case *frame.PushFileIQ:
		d.handlePushFile(writer, conversation, connection, b)
	case *frame.PushFileChunkIQ:
		d.handlePushFileChunk(writer, conversation, connection, b)
	case *frame.OnPushFileChunkIQ:
		d.sched.HandleFileChunkReply(conversation.ID, b.ReceivedTimestamp, b.NextChunkStart)
	case *frame.ResetConversationIQ:
		d.handleResetConversation(writer, conversation, connection, b)
	case *frame.PushTransientObjectIQ:
		d.handlePushTransientObject(writer, conversation, connection, b)
	case *frame.PushCommandIQ:
		d.handlePushCommand(writer, conversation, connection, b)
	case *frame.PushGeolocationIQ:
		d.handlePushGeolocation(writer, conversation, connection, b)
	case *frame.PushTwincodeIQ:
		d.handlePushTwincode(writer, conversation, connection, b)
	case *frame.UpdateDescriptorTimestampIQ:
		d.handleUpdateDescriptorTimestamp(writer, conversation, connection, b)
	case *frame.UpdateObjectIQ:
		d.handleUpdateObject(writer, conversation, connection, b)
	case *frame.UpdateAnnotationsIQ:
		d.handleUpdateAnnotations(writer, conversation, connection, b)
	case *frame.InviteGroupIQ:
		d.handleInviteGroup(writer, conversation, connection, b)
	case *frame.WithdrawInviteGroupIQ:
		d.handleWithdrawInviteGroup(writer, conversation, connection, b)
	case *frame.JoinGroupIQ:
		d.handleJoinGroup(writer, conversation, connection, b)
	case *frame.LeaveGroupIQ:
		d.handleLeaveGroup(writer, conversation, connection, b)
	case *frame.UpdateGroupMemberIQ:
		d.handleUpdateGroupMember(writer, conversation, connection, b)
	case *frame.PushThumbnailIQ:
		d.handlePushThumbnail(conversation, b)
	case *frame.ThumbnailChunkIQ:
		d.handleThumbnailChunk(conversation, b)
	case *frame.OnThumbnailChunkIQ:
		// Sent only by peer implementations that wait for per-chunk acks;
		// this side fires thumbnail chunks without waiting (dispatch/sender.go
		// sendThumbnail), so there is nothing to correlate it to.
	default:
		log.Printf("[dispatch] unhandled body type for key %s", key)
	}
}

func (d *Dispatcher) replyUnknown(writer InboundWriter, peerConnectionID string, unk *frame.ErrUnknownKey) {
	// The offending request id is not recoverable once decode has failed
	// before reaching a RequestHeader; schemas that can fail this way are
	// expected to keep RequestID as their first field so implementations
	// may still special-case extraction. Here we echo -1 when unknown.
	reply := &frame.ErrorIQ{RequestID: -1, Code: int32(errkind.FEATURE_NOT_IMPLEMENTED)}
	var buf bytes.Buffer
	if err := frame.EncodeFrame(&buf, frame.Key{SchemaID: frame.SchemaError, SchemaVersion: 1}, reply, false); err != nil {
		log.Printf("[dispatch] encode error reply: %v", err)
		return
	}
	_ = writer.Write(peerConnectionID, buf.Bytes())
}

// resolveGroupIncoming implements spec §4.7 step 3: once a frame reveals
// the sender's member identity on a transient group-incoming conversation,
// the open connection is atomically moved to the matching group-member
// conversation. Returns the conversation further handling should target.
func (d *Dispatcher) resolveGroupIncoming(conversation *conv.Conversation, senderTwincodeID string) *conv.Conversation {
	if conversation.Kind != conv.GroupIncoming || senderTwincodeID == "" {
		return conversation
	}
	member := d.engine.FindGroupMemberConversation(conversation.GroupID, senderTwincodeID)
	if member == nil {
		return conversation
	}
	if err := d.engine.TransferGroupIncoming(conversation.ID, member.ID); err != nil {
		log.Printf("[dispatch] group-incoming transfer: %v", err)
		return conversation
	}
	d.sched.HandleConnectionOpen(member.ID)
	return member
}

// handleSynchronize answers a SynchronizeIQ with OnSynchronizeIQ and, per
// spec §4.4, detects a peer resource-id change to trigger the §S6 hard
// reset.
func (d *Dispatcher) handleSynchronize(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.SynchronizeIQ) {
	conversation = d.resolveGroupIncoming(conversation, req.SenderTwincodeOutboundID)
	now := d.now()
	connection.SetPeerTimeCorrection(req.SenderTimestamp, now)

	if d.hardReset && conversation.SetPeerResourceID(req.ResourceID) {
		d.triggerHardReset(conversation)
	}

	reply := &frame.OnSynchronizeIQ{RequestID: req.RequestID, DeviceState: 0, PeerTimestamp: now, EchoedSenderTimestamp: req.SenderTimestamp}
	var buf bytes.Buffer
	if err := frame.EncodeFrame(&buf, frame.Key{SchemaID: frame.SchemaOnSynchronize, SchemaVersion: 1}, reply, connection.LeadingPadding()); err != nil {
		log.Printf("[dispatch] encode OnSynchronizeIQ: %v", err)
		return
	}
	_ = writer.Write(connection.PeerConnectionID, buf.Bytes())
}

func (d *Dispatcher) handleOnSynchronize(conversation *conv.Conversation, connection *conv.Connection, reply *frame.OnSynchronizeIQ) {
	connection.SetPeerDeviceState(reply.DeviceState)
	connection.SetPeerTimeCorrection(reply.EchoedSenderTimestamp, reply.PeerTimestamp)
	d.sched.CompleteByRequestID(conversation.ID, reply.RequestID, reply.DeviceState, reply.PeerTimestamp)
}

// triggerHardReset implements spec §S6: clear our side of the conversation
// with CLEAR_BOTH and emit a synthetic ClearDescriptor(seq=1) scoped to the
// peer's outbound id, so the UI can display the reset event. Spec §9 notes
// this flag is compiled out upstream; we treat §S6 as designed behaviour.
func (d *Dispatcher) triggerHardReset(conversation *conv.Conversation) {
	now := d.now()
	_ = d.store.DeleteDescriptors(conversation.ID, now, conversation.PeerOutboundTwincodeID)
	clear := descriptor.NewClearDescriptor(conversation.PeerOutboundTwincodeID, now, descriptor.ClearBoth, now)
	d.bus.Publish(observer.Event{Type: observer.OnResetConversation, ConversationID: conversation.ID, Data: clear})
}

// handlePushObject implements spec §4.7 steps 3-7 for a text descriptor.
func (d *Dispatcher) handlePushObject(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.PushObjectIQ) {
	conversation = d.resolveGroupIncoming(conversation, req.SenderID)
	kind := descriptor.KindObject
	if !conversation.HasPermission(kind.RequiredPermission()) {
		d.replyPush(writer, connection, req.RequestID, -1)
		d.bus.Publish(observer.Event{Type: observer.OnError, ConversationID: conversation.ID, RequestID: req.RequestID, Err: errkind.New(errkind.NO_PERMISSION)})
		return
	}

	now := d.now()
	desc := &descriptor.ObjectDescriptor{
		Env: descriptor.Envelope{
			Identity: descriptor.Identity{DatabaseID: req.DescriptorID, TwincodeOutboundID: req.SenderID, SequenceID: req.SequenceID},
			Created:  req.Created,
			Received: connection.NormalizePeerTimestamp(now),
			ReplyTo:  req.ReplyTo,
			ExpireTimeout: req.ExpireTimeout,
		},
		Text: req.Text,
	}

	raw, err := json.Marshal(desc)
	if err != nil {
		log.Printf("[dispatch] marshal descriptor: %v", err)
		return
	}
	status, err := d.store.InsertOrUpdateDescriptor(conversation.ID, req.SenderID, req.SequenceID, raw)
	if err != nil {
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}

	// Idempotence (spec §8 invariant 2): a duplicate delivery returns
	// StatusIgnored; the dispatcher still answers success so the peer's
	// operation finalises, but does not notify observers a second time.
	d.replyPush(writer, connection, req.RequestID, desc.Env.Received)
	if status == conv.StatusStored {
		conversation.MarkActive()
		d.bus.Publish(observer.Event{Type: observer.OnPopDescriptor, ConversationID: conversation.ID, DescriptorID: desc.Env.DatabaseID, Data: desc})
	}
}

func (d *Dispatcher) replyPush(writer InboundWriter, connection *conv.Connection, requestID int64, receivedTimestamp int64) {
	reply := &frame.OnPushIQ{RequestID: requestID, DeviceState: 0, ReceivedTimestamp: receivedTimestamp}
	var buf bytes.Buffer
	if err := frame.EncodeFrame(&buf, frame.Key{SchemaID: frame.SchemaOnPush, SchemaVersion: 1}, reply, connection.LeadingPadding()); err != nil {
		log.Printf("[dispatch] encode OnPushIQ: %v", err)
		return
	}
	_ = writer.Write(connection.PeerConnectionID, buf.Bytes())
}

// handlePushFile implements spec §4.8 phase 1: accept (received>0, open a
// Receiver keyed by descriptor id) or reject (received<0) an incoming file
// push, replying with OnPushIQ exactly like a PushObject so the peer's
// scheduler completion logic (spec §4.5, PushFile branch) can drive it.
func (d *Dispatcher) handlePushFile(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.PushFileIQ) {
	kind := descriptor.KindFile
	if !conversation.HasPermission(kind.RequiredPermission()) {
		d.replyPush(writer, connection, req.RequestID, -1)
		d.bus.Publish(observer.Event{Type: observer.OnError, ConversationID: conversation.ID, RequestID: req.RequestID, Err: errkind.New(errkind.NO_PERMISSION)})
		return
	}
	if d.sink == nil {
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}
	path, err := d.sink.Path(req.SenderID, req.SequenceID, req.Name)
	if err != nil {
		log.Printf("[dispatch] file sink: %v", err)
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}

	now := d.now()
	desc := &descriptor.FileDescriptor{
		Env: descriptor.Envelope{
			Identity: descriptor.Identity{DatabaseID: req.DescriptorID, TwincodeOutboundID: req.SenderID, SequenceID: req.SequenceID},
			Created:  req.Created,
			Received: connection.NormalizePeerTimestamp(now),
		},
		Name: req.Name, Length: req.Length, MimeType: req.MimeType, Path: path,
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		log.Printf("[dispatch] marshal descriptor: %v", err)
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}
	status, err := d.store.InsertOrUpdateDescriptor(conversation.ID, req.SenderID, req.SequenceID, raw)
	if err != nil {
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}

	if status == conv.StatusStored {
		d.receiversMu.Lock()
		d.receivers[receiverKey(conversation.ID, req.DescriptorID)] = &fileReceiver{
			receiver:   &filetransfer.Receiver{Path: path, DescriptorID: req.DescriptorID, Length: req.Length},
			senderID:   req.SenderID,
			sequenceID: req.SequenceID,
		}
		d.receiversMu.Unlock()
		conversation.MarkActive()
		d.bus.Publish(observer.Event{Type: observer.OnPopDescriptor, ConversationID: conversation.ID, DescriptorID: desc.Env.DatabaseID, Data: desc})
	}
	d.replyPush(writer, connection, req.RequestID, desc.Env.Received)
}

// handlePushFileChunk implements spec §4.8 phase 2 receive-side: append at
// chunkStart and reply with the next expected offset, or abort
// (received=-1, nextChunkStart=LongMax) on any failure (spec §4.8
// "Receive-side failure").
func (d *Dispatcher) handlePushFileChunk(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.PushFileChunkIQ) {
	key := receiverKey(conversation.ID, req.DescriptorID)
	d.receiversMu.Lock()
	entry := d.receivers[key]
	d.receiversMu.Unlock()
	if entry == nil {
		d.replyFileChunk(writer, connection, req.SenderTimestamp, -1, frame.LongMax)
		return
	}

	reply := entry.receiver.AppendChunk(req.ChunkStart, req.ChunkBytes, d.now())
	if reply.ReceivedTimestamp < 0 {
		_ = entry.receiver.Abort()
		_ = d.store.DeleteDescriptors(conversation.ID, entry.sequenceID, entry.senderID)
		d.receiversMu.Lock()
		delete(d.receivers, key)
		d.receiversMu.Unlock()
		d.replyFileChunk(writer, connection, req.SenderTimestamp, -1, frame.LongMax)
		return
	}

	if reply.NextChunkStart >= entry.receiver.Length {
		d.receiversMu.Lock()
		delete(d.receivers, key)
		d.receiversMu.Unlock()
		d.bus.Publish(observer.Event{Type: observer.OnUpdateDescriptorContent, ConversationID: conversation.ID, DescriptorID: req.DescriptorID})
	}
	d.replyFileChunk(writer, connection, req.SenderTimestamp, reply.ReceivedTimestamp, reply.NextChunkStart)
}

func (d *Dispatcher) replyFileChunk(writer InboundWriter, connection *conv.Connection, echoSenderTimestamp, receivedTimestamp, nextChunkStart int64) {
	reply := &frame.OnPushFileChunkIQ{ReceivedTimestamp: receivedTimestamp, EchoSenderTimestamp: echoSenderTimestamp, NextChunkStart: nextChunkStart}
	var buf bytes.Buffer
	if err := frame.EncodeFrame(&buf, frame.Key{SchemaID: frame.SchemaOnPushChunk, SchemaVersion: 1}, reply, connection.LeadingPadding()); err != nil {
		log.Printf("[dispatch] encode OnPushFileChunkIQ: %v", err)
		return
	}
	_ = writer.Write(connection.PeerConnectionID, buf.Bytes())
}

// handleResetConversation implements spec §S6/§4.3 RESET_CONVERSATION
// receive-side: delete the peer's descriptors up to Upto and pop a
// synthetic ClearDescriptor, the same shape triggerHardReset builds for a
// resource-id change.
func (d *Dispatcher) handleResetConversation(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.ResetConversationIQ) {
	now := d.now()
	mode := descriptor.ClearLocal
	if descriptor.ClearMode(req.Mode) == descriptor.ClearBoth {
		mode = descriptor.ClearBoth
	}
	_ = d.store.DeleteDescriptors(conversation.ID, req.Upto, conversation.PeerOutboundTwincodeID)
	clear := descriptor.NewClearDescriptor(conversation.PeerOutboundTwincodeID, req.Upto, mode, now)
	d.bus.Publish(observer.Event{Type: observer.OnResetConversation, ConversationID: conversation.ID, Data: clear})
	d.replyPush(writer, connection, req.RequestID, now)
}

// handlePushTransientObject implements spec §4.3 PUSH_TRANSIENT_OBJECT
// receive-side: never persisted, just popped straight to observers (spec §3
// "TransientObjectDescriptor is never persisted").
func (d *Dispatcher) handlePushTransientObject(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.PushTransientObjectIQ) {
	kind := descriptor.KindTransientObject
	if !conversation.HasPermission(kind.RequiredPermission()) {
		d.replyPush(writer, connection, req.RequestID, -1)
		d.bus.Publish(observer.Event{Type: observer.OnError, ConversationID: conversation.ID, RequestID: req.RequestID, Err: errkind.New(errkind.NO_PERMISSION)})
		return
	}
	now := d.now()
	desc := &descriptor.TransientObjectDescriptor{
		Env: descriptor.Envelope{
			Identity: descriptor.Identity{TwincodeOutboundID: req.SenderID, SequenceID: req.SequenceID},
			Created:  req.Created,
			Received: connection.NormalizePeerTimestamp(now),
		},
		Text: req.Text, Flags: int(req.Flags),
	}
	conversation.MarkActive()
	d.bus.Publish(observer.Event{Type: observer.OnPopDescriptor, ConversationID: conversation.ID, Data: desc})
	d.replyPush(writer, connection, req.RequestID, desc.Env.Received)
}

// handlePushCommand implements spec §4.3 PUSH_COMMAND receive-side: a
// command signal has no dedicated descriptor kind, so it is forwarded to
// observers as the raw decoded frame rather than a descriptor.Variant.
func (d *Dispatcher) handlePushCommand(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.PushCommandIQ) {
	if !conversation.HasPermission(permission.SendCommand) {
		d.replyPush(writer, connection, req.RequestID, -1)
		d.bus.Publish(observer.Event{Type: observer.OnError, ConversationID: conversation.ID, RequestID: req.RequestID, Err: errkind.New(errkind.NO_PERMISSION)})
		return
	}
	received := connection.NormalizePeerTimestamp(d.now())
	conversation.MarkActive()
	d.bus.Publish(observer.Event{Type: observer.OnPopDescriptor, ConversationID: conversation.ID, Data: req})
	d.replyPush(writer, connection, req.RequestID, received)
}

// handlePushGeolocation implements spec §4.3 PUSH_GEOLOCATION receive-side,
// mirroring handlePushObject's persist-then-notify shape.
func (d *Dispatcher) handlePushGeolocation(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.PushGeolocationIQ) {
	kind := descriptor.KindGeolocation
	if !conversation.HasPermission(kind.RequiredPermission()) {
		d.replyPush(writer, connection, req.RequestID, -1)
		d.bus.Publish(observer.Event{Type: observer.OnError, ConversationID: conversation.ID, RequestID: req.RequestID, Err: errkind.New(errkind.NO_PERMISSION)})
		return
	}
	now := d.now()
	desc := &descriptor.GeolocationDescriptor{
		Env: descriptor.Envelope{
			Identity: descriptor.Identity{DatabaseID: req.DescriptorID, TwincodeOutboundID: req.SenderID, SequenceID: req.SequenceID},
			Created:  req.Created,
			Received: connection.NormalizePeerTimestamp(now),
		},
		Latitude: req.Latitude, Longitude: req.Longitude, Altitude: req.Altitude,
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		log.Printf("[dispatch] marshal descriptor: %v", err)
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}
	status, err := d.store.InsertOrUpdateDescriptor(conversation.ID, req.SenderID, req.SequenceID, raw)
	if err != nil {
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}
	d.replyPush(writer, connection, req.RequestID, desc.Env.Received)
	if status == conv.StatusStored {
		conversation.MarkActive()
		d.bus.Publish(observer.Event{Type: observer.OnPopDescriptor, ConversationID: conversation.ID, DescriptorID: desc.Env.DatabaseID, Data: desc})
	}
}

// handlePushTwincode implements spec §4.3 PUSH_TWINCODE receive-side.
func (d *Dispatcher) handlePushTwincode(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.PushTwincodeIQ) {
	kind := descriptor.KindTwincodeReference
	if !conversation.HasPermission(kind.RequiredPermission()) {
		d.replyPush(writer, connection, req.RequestID, -1)
		d.bus.Publish(observer.Event{Type: observer.OnError, ConversationID: conversation.ID, RequestID: req.RequestID, Err: errkind.New(errkind.NO_PERMISSION)})
		return
	}
	now := d.now()
	desc := &descriptor.TwincodeReferenceDescriptor{
		Env: descriptor.Envelope{
			Identity: descriptor.Identity{DatabaseID: req.DescriptorID, TwincodeOutboundID: req.SenderID, SequenceID: req.SequenceID},
			Created:  req.Created,
			Received: connection.NormalizePeerTimestamp(now),
		},
		TwincodeID: req.TwincodeID, DisplayName: req.DisplayName,
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		log.Printf("[dispatch] marshal descriptor: %v", err)
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}
	status, err := d.store.InsertOrUpdateDescriptor(conversation.ID, req.SenderID, req.SequenceID, raw)
	if err != nil {
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}
	d.replyPush(writer, connection, req.RequestID, desc.Env.Received)
	if status == conv.StatusStored {
		conversation.MarkActive()
		d.bus.Publish(observer.Event{Type: observer.OnPopDescriptor, ConversationID: conversation.ID, DescriptorID: desc.Env.DatabaseID, Data: desc})
	}
}

// handleUpdateDescriptorTimestamp implements spec §4.3/§4.7
// UPDATE_DESCRIPTOR_TIMESTAMP receive-side.
func (d *Dispatcher) handleUpdateDescriptorTimestamp(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.UpdateDescriptorTimestampIQ) {
	found, err := d.store.UpdateDescriptorTimestamp(req.SenderID, req.SequenceID, req.Phase, req.Value)
	if err != nil || !found {
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}
	d.bus.Publish(observer.Event{Type: observer.OnUpdateDescriptorTimestamps, ConversationID: conversation.ID, Data: req})
	d.replyPush(writer, connection, req.RequestID, d.now())
}

// handleUpdateObject implements spec §4.3/§4.7 UPDATE_OBJECT receive-side:
// full-content replacement of an already-stored descriptor.
func (d *Dispatcher) handleUpdateObject(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.UpdateObjectIQ) {
	raw, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: req.Text})
	if err != nil {
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}
	found, err := d.store.UpdateDescriptorContent(req.SenderID, req.SequenceID, raw)
	if err != nil || !found {
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}
	d.bus.Publish(observer.Event{Type: observer.OnUpdateDescriptorContent, ConversationID: conversation.ID, Data: req})
	d.replyPush(writer, connection, req.RequestID, d.now())
}

// handleUpdateAnnotations implements spec §4.3/§6.3 UPDATE_ANNOTATIONS
// receive-side: the sender of this frame is the annotator.
func (d *Dispatcher) handleUpdateAnnotations(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.UpdateAnnotationsIQ) {
	if err := d.store.SetAnnotation(req.SenderID, req.SequenceID, conversation.PeerOutboundTwincodeID, req.AnnotationType, req.Value); err != nil {
		d.replyPush(writer, connection, req.RequestID, -1)
		return
	}
	d.bus.Publish(observer.Event{Type: observer.OnUpdateAnnotation, ConversationID: conversation.ID, Data: req})
	d.replyPush(writer, connection, req.RequestID, d.now())
}

// handleInviteGroup implements spec §4.9 "Invite" receive-side: build the
// pending InvitationDescriptor and hand it to the group engine, which
// decides between auto-accept and surfacing it to the host.
func (d *Dispatcher) handleInviteGroup(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.InviteGroupIQ) {
	now := d.now()
	inv := &descriptor.InvitationDescriptor{
		Env: descriptor.Envelope{
			Identity: descriptor.Identity{TwincodeOutboundID: conversation.PeerOutboundTwincodeID},
			Created:  now,
			Received: connection.NormalizePeerTimestamp(now),
		},
		GroupID: req.GroupID, GroupName: req.GroupName, Status: descriptor.InvitationPending,
	}
	if d.group != nil {
		if err := d.group.HandleInviteReceived(conversation.ID, inv); err != nil {
			log.Printf("[dispatch] invite received: %v", err)
		}
	}
	d.replyPush(writer, connection, req.RequestID, now)
}

// handleWithdrawInviteGroup implements spec §4.9 "Withdraw" receive-side.
func (d *Dispatcher) handleWithdrawInviteGroup(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.WithdrawInviteGroupIQ) {
	if d.group != nil {
		if err := d.group.HandleWithdrawReceived(conversation.ID, req.GroupID); err != nil {
			log.Printf("[dispatch] withdraw invite received: %v", err)
		}
	}
	d.replyPush(writer, connection, req.RequestID, d.now())
}

// handleJoinGroup implements spec §4.9 "Join" receive-side for the legacy
// unsigned path (the signed path arrives over the invocation transport,
// scheduler.dispatchInvoke/FrameSender.Invoke, not this frame).
func (d *Dispatcher) handleJoinGroup(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.JoinGroupIQ) {
	if d.group != nil {
		if err := d.group.HandleJoinReceived(conversation.ID, req.GroupID, conversation.PeerOutboundTwincodeID); err != nil {
			log.Printf("[dispatch] join received: %v", err)
		}
	}
	d.replyPush(writer, connection, req.RequestID, d.now())
}

// handleLeaveGroup implements spec §4.9 "Leave" receive-side for the legacy
// unsigned path.
func (d *Dispatcher) handleLeaveGroup(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.LeaveGroupIQ) {
	if d.group != nil {
		if err := d.group.HandleLeaveReceived(conversation.ID, req.GroupID, conversation.PeerOutboundTwincodeID); err != nil {
			log.Printf("[dispatch] leave received: %v", err)
		}
	}
	d.replyPush(writer, connection, req.RequestID, d.now())
}

// handleUpdateGroupMember implements spec §4.9 "Permissions"/member-removal
// receive-side broadcast.
func (d *Dispatcher) handleUpdateGroupMember(writer InboundWriter, conversation *conv.Conversation, connection *conv.Connection, req *frame.UpdateGroupMemberIQ) {
	if d.group != nil {
		perms := permission.Mask(req.Permissions)
		if err := d.group.HandleMemberUpdateReceived(conversation.ID, req.GroupID, req.TwincodeID, perms, req.Removed); err != nil {
			log.Printf("[dispatch] member update received: %v", err)
		}
	}
	d.replyPush(writer, connection, req.RequestID, d.now())
}

// handlePushThumbnail implements spec §4.8/C9 PUSH_THUMBNAIL receive-side:
// open a Receiver for the chunked thumbnail sidecar. Announces are
// fire-and-forget (dispatch/sender.go sendThumbnail does not wait for a
// per-chunk ack), so this never replies.
func (d *Dispatcher) handlePushThumbnail(conversation *conv.Conversation, req *frame.PushThumbnailIQ) {
	if d.thumbSink == nil {
		return
	}
	path, err := d.thumbSink.Path(req.SenderID, req.SequenceID, req.DescriptorID)
	if err != nil {
		log.Printf("[dispatch] thumbnail sink: %v", err)
		return
	}
	d.receiversMu.Lock()
	d.thumbReceivers[receiverKey(conversation.ID, req.DescriptorID)] = &filetransfer.Receiver{Path: path, DescriptorID: req.DescriptorID, Length: req.Length}
	d.receiversMu.Unlock()
}

// handleThumbnailChunk implements spec §4.8/C9 chunked thumbnail
// receive-side: append the chunk, drop the receiver once complete or
// failed, and notify observers on completion. No reply is sent, matching
// handlePushThumbnail's fire-and-forget pacing.
func (d *Dispatcher) handleThumbnailChunk(conversation *conv.Conversation, req *frame.ThumbnailChunkIQ) {
	key := receiverKey(conversation.ID, req.DescriptorID)
	d.receiversMu.Lock()
	r := d.thumbReceivers[key]
	d.receiversMu.Unlock()
	if r == nil {
		return
	}
	reply := r.AppendChunk(req.ChunkStart, req.ChunkBytes, d.now())
	if reply.ReceivedTimestamp < 0 {
		_ = r.Abort()
		d.receiversMu.Lock()
		delete(d.thumbReceivers, key)
		d.receiversMu.Unlock()
		return
	}
	if reply.NextChunkStart >= r.Length {
		d.receiversMu.Lock()
		delete(d.thumbReceivers, key)
		d.receiversMu.Unlock()
		d.bus.Publish(observer.Event{Type: observer.OnUpdateDescriptorContent, ConversationID: conversation.ID, DescriptorID: req.DescriptorID})
	}
}
