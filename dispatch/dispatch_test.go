package dispatch

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/twinlife/conversationcore/conv"
	"github.com/twinlife/conversationcore/descriptor"
	"github.com/twinlife/conversationcore/frame"
	"github.com/twinlife/conversationcore/observer"
	"github.com/twinlife/conversationcore/operation"
	"github.com/twinlife/conversationcore/permission"
	"github.com/twinlife/conversationcore/scheduler"
)

// fakeStore is a minimal in-memory conv.ServiceProvider.
type fakeStore struct {
	mu           sync.Mutex
	descriptors  map[string][]byte
	deletedUpto  int64
	deletedPeer  string
	deleteCalled bool
}

func newFakeStore() *fakeStore { return &fakeStore{descriptors: make(map[string][]byte)} }

func (f *fakeStore) SaveConversation(c *conv.Conversation) error                    { return nil }
func (f *fakeStore) LoadConversation(id string) (*conv.Conversation, error)        { return nil, nil }
func (f *fakeStore) DeleteConversation(id string) error                            { return nil }
func (f *fakeStore) SaveOperation(conversationID string, raw []byte) (int64, error) { return 1, nil }
func (f *fakeStore) DeleteOperation(id int64) error                                 { return nil }
func (f *fakeStore) LoadPendingOperations(conversationID string) ([][]byte, error)  { return nil, nil }

func (f *fakeStore) InsertOrUpdateDescriptor(conversationID, twincodeOutboundID string, sequenceID int64, raw []byte) (conv.DescriptorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := twincodeOutboundID + "|" + conversationID
	if _, exists := f.descriptors[key]; exists {
		return conv.StatusIgnored, nil
	}
	f.descriptors[key] = raw
	return conv.StatusStored, nil
}

func (f *fakeStore) DeleteDescriptors(conversationID string, uptoSequenceID int64, twincodeOutboundID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalled = true
	f.deletedUpto = uptoSequenceID
	f.deletedPeer = twincodeOutboundID
	return nil
}

func (f *fakeStore) UpdateDescriptorContent(twincodeOutboundID string, sequenceID int64, raw []byte) (bool, error) {
	return true, nil
}

func (f *fakeStore) UpdateDescriptorTimestamp(twincodeOutboundID string, sequenceID int64, phase string, value int64) (bool, error) {
	return true, nil
}

func (f *fakeStore) SetAnnotation(senderTwincodeOutboundID string, sequenceID int64, annotatorTwincodeID, annotationType, value string) error {
	return nil
}

type fakeWriter struct {
	mu     sync.Mutex
	frames [][]byte
}

func (w *fakeWriter) Write(peerConnectionID string, raw []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, raw)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

type noopTransport struct{}

func (noopTransport) OpenOutgoing(ctx context.Context, conversationID string) (string, error) {
	return "", nil
}
func (noopTransport) Write(peerConnectionID string, frame []byte) error        { return nil }
func (noopTransport) Terminate(peerConnectionID string, reason conv.TerminateReason) {}

type noopSender struct{}

func (noopSender) Send(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error {
	return nil
}
func (noopSender) Invoke(ctx context.Context, conversation *conv.Conversation, op *operation.Operation) error {
	return nil
}

type noopObserver struct{}

func (noopObserver) OnOperationComplete(op *operation.Operation, deviceState uint64, receivedTimestamp int64) {
}
func (noopObserver) OnOperationFailed(op *operation.Operation, err error) {}

func newTestDispatcher(t *testing.T, store *fakeStore) (*Dispatcher, *conv.Engine, *conv.Conversation, *conv.Connection) {
	t.Helper()
	e := conv.NewEngine(noopTransport{})
	c := conv.NewConversation("conv-1", conv.OneToOne, conv.Identity{InboundTwincodeID: "me", OutboundTwincodeID: "me-out"}, "peer-out")
	e.AddConversation(c)
	conn := conv.NewConnection("pc-1", frame.Version{Major: 2, Minor: 14})
	if err := e.BindConnection("conv-1", conn); err != nil {
		t.Fatalf("BindConnection: %v", err)
	}

	reg := frame.NewRegistry()
	frame.RegisterDefaults(reg)
	bus := observer.NewBus()
	sched := scheduler.New(e, noopSender{}, noopObserver{}, store)
	t.Cleanup(sched.Shutdown)

	d := New(e, reg, store, bus, sched, WithClock(func() int64 { return 42000 }))
	return d, e, c, conn
}

func encode(t *testing.T, key frame.Key, body frame.Body) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := frame.EncodeFrame(&buf, key, body, false); err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return buf.Bytes()[4:]
}

func TestHandleInboundSynchronizeRepliesAndDetectsResourceChange(t *testing.T) {
	store := newFakeStore()
	d, _, conversation, conn := newTestDispatcher(t, store)
	writer := &fakeWriter{}

	req := &frame.SynchronizeIQ{RequestHeader: frame.RequestHeader{RequestID: 1}, ResourceID: "device-1", SenderTimestamp: 40000}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaSynchronize, SchemaVersion: 1}, req)
	d.HandleInbound(writer, conn.PeerConnectionID, raw, false)

	if writer.count() != 1 {
		t.Fatalf("expected one OnSynchronizeIQ reply, got %d", writer.count())
	}
	if store.deleteCalled {
		t.Error("expected no hard reset on the first resource id assignment")
	}

	req2 := &frame.SynchronizeIQ{RequestHeader: frame.RequestHeader{RequestID: 2}, ResourceID: "device-2", SenderTimestamp: 41000}
	raw2 := encode(t, frame.Key{SchemaID: frame.SchemaSynchronize, SchemaVersion: 1}, req2)
	d.HandleInbound(writer, conn.PeerConnectionID, raw2, false)

	if !store.deleteCalled {
		t.Error("expected a hard reset once the peer resource id changes")
	}
	if writer.count() != 2 {
		t.Fatalf("expected a second reply, got %d frames", writer.count())
	}
	_ = conversation
}

func TestHandleInboundPushObjectStoresAndPublishes(t *testing.T) {
	store := newFakeStore()
	d, _, _, conn := newTestDispatcher(t, store)
	writer := &fakeWriter{}
	bus := d.bus
	events := bus.Subscribe(4)

	req := &frame.PushObjectIQ{RequestHeader: frame.RequestHeader{RequestID: 9}, DescriptorID: 100, SequenceID: 1, SenderID: "peer-out", Created: 1000, Text: "hello"}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaPushObject, SchemaVersion: frame.CurrentVersion}, req)
	d.HandleInbound(writer, conn.PeerConnectionID, raw, false)

	if writer.count() != 1 {
		t.Fatalf("expected one OnPushIQ reply, got %d", writer.count())
	}
	select {
	case ev := <-events:
		if ev.Type != observer.OnPopDescriptor || ev.DescriptorID != 100 {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an OnPopDescriptor event to be published on first delivery")
	}
}

func TestHandleInboundPushObjectDuplicateDoesNotRepublish(t *testing.T) {
	store := newFakeStore()
	d, _, _, conn := newTestDispatcher(t, store)
	writer := &fakeWriter{}
	events := d.bus.Subscribe(4)

	req := &frame.PushObjectIQ{RequestHeader: frame.RequestHeader{RequestID: 9}, DescriptorID: 100, SequenceID: 1, SenderID: "peer-out", Created: 1000, Text: "hello"}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaPushObject, SchemaVersion: frame.CurrentVersion}, req)
	d.HandleInbound(writer, conn.PeerConnectionID, raw, false)
	<-events // drain the first delivery's event

	d.HandleInbound(writer, conn.PeerConnectionID, raw, false)

	if writer.count() != 2 {
		t.Fatalf("expected the duplicate to still be acknowledged, got %d replies", writer.count())
	}
	select {
	case ev := <-events:
		t.Errorf("expected no second OnPopDescriptor event for a duplicate delivery, got %+v", ev)
	default:
	}
}

func TestHandleInboundUnknownKeyRepliesWithError(t *testing.T) {
	store := newFakeStore()
	d, _, _, conn := newTestDispatcher(t, store)
	writer := &fakeWriter{}

	msg := &frame.ErrorIQ{RequestID: 1}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaSynchronize, SchemaVersion: 99}, msg)
	d.HandleInbound(writer, conn.PeerConnectionID, raw, false)

	if writer.count() != 1 {
		t.Fatalf("expected an error reply for an unknown key, got %d frames", writer.count())
	}
}

func TestHandleInboundPushGeolocationStoresAndPublishes(t *testing.T) {
	store := newFakeStore()
	d, _, _, conn := newTestDispatcher(t, store)
	writer := &fakeWriter{}
	events := d.bus.Subscribe(4)

	req := &frame.PushGeolocationIQ{RequestHeader: frame.RequestHeader{RequestID: 20}, DescriptorID: 200, SequenceID: 1, SenderID: "peer-out", Created: 1000, Latitude: 48.8, Longitude: 2.3, Altitude: 35}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaPushGeolocation, SchemaVersion: 1}, req)
	d.HandleInbound(writer, conn.PeerConnectionID, raw, false)

	if writer.count() != 1 {
		t.Fatalf("expected one OnPushIQ reply, got %d", writer.count())
	}
	select {
	case ev := <-events:
		if ev.Type != observer.OnPopDescriptor || ev.DescriptorID != 200 {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an OnPopDescriptor event to be published")
	}
}

func TestHandleInboundResetConversationDeletesAndPublishes(t *testing.T) {
	store := newFakeStore()
	d, _, _, conn := newTestDispatcher(t, store)
	writer := &fakeWriter{}
	events := d.bus.Subscribe(4)

	req := &frame.ResetConversationIQ{RequestHeader: frame.RequestHeader{RequestID: 21}, Upto: 500, Mode: 0}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaResetConversation, SchemaVersion: 1}, req)
	d.HandleInbound(writer, conn.PeerConnectionID, raw, false)

	if writer.count() != 1 {
		t.Fatalf("expected one OnPushIQ reply, got %d", writer.count())
	}
	if !store.deleteCalled || store.deletedUpto != 500 {
		t.Errorf("expected DeleteDescriptors(upto=500), got called=%v upto=%d", store.deleteCalled, store.deletedUpto)
	}
	select {
	case ev := <-events:
		if ev.Type != observer.OnResetConversation {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an OnResetConversation event to be published")
	}
}

// fakeGroupHandler records which GroupHandler method was invoked and with
// what arguments, so dispatch tests can assert group frames are delegated
// rather than acted on directly.
type fakeGroupHandler struct {
	invited     *descriptor.InvitationDescriptor
	withdrawnID string
	joinedGroup string
	joinedPeer  string
	leftGroup   string
	updated     struct {
		groupID, twincodeID string
		perms               permission.Mask
		removed             bool
	}
}

func (f *fakeGroupHandler) HandleInviteReceived(conversationID string, inv *descriptor.InvitationDescriptor) error {
	f.invited = inv
	return nil
}
func (f *fakeGroupHandler) HandleWithdrawReceived(conversationID, groupID string) error {
	f.withdrawnID = groupID
	return nil
}
func (f *fakeGroupHandler) HandleJoinReceived(conversationID, groupID, memberTwincodeID string) error {
	f.joinedGroup, f.joinedPeer = groupID, memberTwincodeID
	return nil
}
func (f *fakeGroupHandler) HandleLeaveReceived(conversationID, groupID, memberTwincodeID string) error {
	f.leftGroup = groupID
	return nil
}
func (f *fakeGroupHandler) HandleMemberUpdateReceived(conversationID, groupID, twincodeID string, perms permission.Mask, removed bool) error {
	f.updated.groupID, f.updated.twincodeID, f.updated.perms, f.updated.removed = groupID, twincodeID, perms, removed
	return nil
}

func TestHandleInboundInviteGroupDelegatesToGroupHandler(t *testing.T) {
	store := newFakeStore()
	d, _, _, conn := newTestDispatcher(t, store)
	group := &fakeGroupHandler{}
	d.group = group
	writer := &fakeWriter{}

	req := &frame.InviteGroupIQ{RequestHeader: frame.RequestHeader{RequestID: 30}, GroupID: "group-1", GroupName: "Family"}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaInviteGroup, SchemaVersion: 1}, req)
	d.HandleInbound(writer, conn.PeerConnectionID, raw, false)

	if writer.count() != 1 {
		t.Fatalf("expected one OnPushIQ reply, got %d", writer.count())
	}
	if group.invited == nil || group.invited.GroupID != "group-1" {
		t.Fatalf("expected HandleInviteReceived to be called with GroupID=group-1, got %+v", group.invited)
	}
}

func TestHandleInboundUpdateGroupMemberDelegatesToGroupHandler(t *testing.T) {
	store := newFakeStore()
	d, _, _, conn := newTestDispatcher(t, store)
	group := &fakeGroupHandler{}
	d.group = group
	writer := &fakeWriter{}

	req := &frame.UpdateGroupMemberIQ{RequestHeader: frame.RequestHeader{RequestID: 31}, GroupID: "group-1", TwincodeID: "tw-2", Permissions: 7, Removed: true}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaUpdateGroupMember, SchemaVersion: 1}, req)
	d.HandleInbound(writer, conn.PeerConnectionID, raw, false)

	if writer.count() != 1 {
		t.Fatalf("expected one OnPushIQ reply, got %d", writer.count())
	}
	if group.updated.groupID != "group-1" || group.updated.twincodeID != "tw-2" || group.updated.perms != 7 || !group.updated.removed {
		t.Errorf("unexpected HandleMemberUpdateReceived call: %+v", group.updated)
	}
}

func TestHandleInboundGroupFrameWithoutHandlerStillAcks(t *testing.T) {
	store := newFakeStore()
	d, _, _, conn := newTestDispatcher(t, store)
	writer := &fakeWriter{}

	req := &frame.LeaveGroupIQ{RequestHeader: frame.RequestHeader{RequestID: 32}, GroupID: "group-1"}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaLeaveGroup, SchemaVersion: 1}, req)
	d.HandleInbound(writer, conn.PeerConnectionID, raw, false)

	if writer.count() != 1 {
		t.Fatalf("expected the frame to still be acked without a configured GroupHandler, got %d replies", writer.count())
	}
}

// fakeThumbnailSink always writes the thumbnail sidecar under t.TempDir().
type fakeThumbnailSink struct{ dir string }

func (s *fakeThumbnailSink) Path(senderTwincodeOutboundID string, sequenceID int64, descriptorID int64) (string, error) {
	return s.dir + "/thumb.bin", nil
}

func TestHandlePushThumbnailThenChunkWritesFileWithoutReply(t *testing.T) {
	store := newFakeStore()
	d, _, _, conn := newTestDispatcher(t, store)
	d.thumbSink = &fakeThumbnailSink{dir: t.TempDir()}
	writer := &fakeWriter{}

	announce := &frame.PushThumbnailIQ{RequestHeader: frame.RequestHeader{RequestID: 40}, DescriptorID: 70, SenderID: "peer-out", SequenceID: 1, Length: 5}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaPushThumbnail, SchemaVersion: 1}, announce)
	d.HandleInbound(writer, conn.PeerConnectionID, raw, false)

	chunk := &frame.ThumbnailChunkIQ{DescriptorID: 70, ChunkStart: 0, SenderTimestamp: 1000, ChunkBytes: []byte("12345")}
	raw2 := encode(t, frame.Key{SchemaID: frame.SchemaThumbnailChunk, SchemaVersion: 1}, chunk)
	d.HandleInbound(writer, conn.PeerConnectionID, raw2, false)

	if writer.count() != 0 {
		t.Errorf("expected no replies for the fire-and-forget thumbnail sub-protocol, got %d", writer.count())
	}
}

func TestHandleInboundSynchronizeTransfersGroupIncoming(t *testing.T) {
	store := newFakeStore()
	d, e, _, _ := newTestDispatcher(t, store)
	writer := &fakeWriter{}

	incoming := conv.NewConversation("group-incoming-1", conv.GroupIncoming, conv.Identity{}, "")
	incoming.GroupID = "group-1"
	e.AddConversation(incoming)
	member := conv.NewConversation("group-member-1", conv.GroupMember, conv.Identity{}, "member-out")
	member.GroupID = "group-1"
	e.AddConversation(member)
	conn := conv.NewConnection("pc-group", frame.Version{Major: 2, Minor: 14})
	if err := e.BindConnection("group-incoming-1", conn); err != nil {
		t.Fatalf("BindConnection: %v", err)
	}

	req := &frame.SynchronizeIQ{RequestHeader: frame.RequestHeader{RequestID: 1}, SenderTwincodeOutboundID: "member-out", ResourceID: "device-1", SenderTimestamp: 40000}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaSynchronize, SchemaVersion: 1}, req)
	d.HandleInbound(writer, "pc-group", raw, false)

	if writer.count() != 1 {
		t.Fatalf("expected one OnSynchronizeIQ reply, got %d", writer.count())
	}
	resolved, _, ok := e.ConversationByPeerConnectionID("pc-group")
	if !ok || resolved.ID != "group-member-1" {
		t.Errorf("expected the connection re-homed to the group-member conversation, got %+v", resolved)
	}
	if incoming.Connection() != nil {
		t.Error("expected the group-incoming conversation to have released its connection")
	}
}

func TestHandleInboundUnknownPeerConnectionDrops(t *testing.T) {
	store := newFakeStore()
	d, _, _, _ := newTestDispatcher(t, store)
	writer := &fakeWriter{}

	req := &frame.SynchronizeIQ{RequestHeader: frame.RequestHeader{RequestID: 1}, ResourceID: "device-1"}
	raw := encode(t, frame.Key{SchemaID: frame.SchemaSynchronize, SchemaVersion: 1}, req)
	d.HandleInbound(writer, "unknown-pc", raw, false)

	if writer.count() != 0 {
		t.Errorf("expected no reply for an unresolved peerConnectionId, got %d frames", writer.count())
	}
}
