// Package operation implements the durable unit of outbound work (spec §3,
// §4.3): a typed, persisted record that knows how to serialize itself into
// a frame and how to react to the peer's response.
package operation

import "sort"

// Type enumerates the operation taxonomy (spec §4.3).
type Type int

const (
	ResetConversation Type = iota
	SynchronizeConversation
	PushObject
	PushTransientObject
	PushCommand
	PushFile
	PushGeolocation
	PushTwincode
	UpdateDescriptorTimestamp
	UpdateObject
	UpdateAnnotations
	InviteGroup
	WithdrawInviteGroup
	JoinGroup
	LeaveGroup
	UpdateGroupMember

	// Invoke-only types: dispatched through the twincode-invocation
	// transport, never through a data-channel connection.
	InvokeJoinGroup
	InvokeAddMember
	InvokeLeaveGroup
)

// IsInvoke reports whether this type bypasses the data channel entirely
// (spec §4.3).
func (t Type) IsInvoke() bool {
	switch t {
	case InvokeJoinGroup, InvokeAddMember, InvokeLeaveGroup:
		return true
	default:
		return false
	}
}

// ChunkState values for PushFile operations (spec §4.8).
const (
	ChunkNotInitialized int64 = -1
	// ChunkAbort mirrors frame.LongMax: the receiver's signal to stop
	// immediately after a failure (spec §4.8 "Receive-side failure").
	ChunkAbort = int64(1<<63 - 1)
)

// ConnectionState abstracts the two-directions-OPEN check the scheduler
// needs from conv.Connection without importing it (avoids an import
// cycle: conv depends on operation, not the reverse).
type ConnectionState interface {
	IsOutgoingOpen() bool
}

// Operation is the persisted unit of outbound work (spec §3).
type Operation struct {
	ID               int64
	Type             Type
	ConversationID   string
	CreationID       int64 // monotonic creation order, used as the final tie-break
	CreationTimestamp int64
	DescriptorID     int64 // 0 if none
	RequestID        int64 // -1 if idle

	// ChunkStart is only meaningful for PushFile operations: NOT_INITIALIZED
	// until the peer accepts the push, then the next byte offset to send.
	ChunkStart int64
	// Length is the file's total byte length, known once phase 1 (PushFileIQ)
	// has been sent; only meaningful for PushFile operations (spec §4.8).
	Length int64

	// Deferrable marks low-priority work the scheduler may coalesce rather
	// than using to justify opening a connection (spec §4.5).
	Deferrable bool

	// Payload is the opaque, operation-type-specific encoding the sender
	// needs to build the outbound frame or invocation attrs (spec §4.3,
	// §6.2). It is set at enqueue time from the raw bytes handed to
	// Enqueue and never interpreted by the scheduler itself. See package
	// operation's payload.go for the typed shapes it decodes to.
	Payload []byte

	// NoAck marks an operation the sender must not wait on a request id
	// for once Send has returned without error: a PushTransientObject
	// carrying Flags == 0 completes as soon as it is written to the wire,
	// rather than waiting for the peer's OnPushIQ (spec §4.3
	// PUSH_TRANSIENT_OBJECT, Open Question decision in DESIGN.md).
	NoAck bool
}

// NewOperation constructs an idle (RequestID == -1) operation.
func NewOperation(id int64, typ Type, conversationID string, creationID, creationTimestamp, descriptorID int64) *Operation {
	chunkStart := int64(0)
	if typ == PushFile {
		chunkStart = ChunkNotInitialized
	}
	return &Operation{
		ID: id, Type: typ, ConversationID: conversationID,
		CreationID: creationID, CreationTimestamp: creationTimestamp,
		DescriptorID: descriptorID, RequestID: -1, ChunkStart: chunkStart,
	}
}

// CanExecute reports true when the operation is idle and either bypasses
// the channel or the connection's outgoing direction is open (spec §4.3).
func (o *Operation) CanExecute(conn ConnectionState) bool {
	if o.RequestID != -1 {
		return false
	}
	if o.Type.IsInvoke() {
		return true
	}
	return conn != nil && conn.IsOutgoingOpen()
}

// rank implements the ordering rule of spec §4.3:
// INVOKE_* < SYNCHRONIZE_CONVERSATION < PUSH_FILE < (others, by creation id).
func (o *Operation) rank() int {
	switch {
	case o.Type.IsInvoke():
		return 0
	case o.Type == SynchronizeConversation:
		return 1
	case o.Type == PushFile:
		return 2
	default:
		return 3
	}
}

// Less implements the total order used by List.Sort: lower rank first,
// ties within a rank broken by creation id (spec §4.3).
func (o *Operation) Less(other *Operation) bool {
	ra, rb := o.rank(), other.rank()
	if ra != rb {
		return ra < rb
	}
	return o.CreationID < other.CreationID
}

// List is the in-memory per-conversation pending-operation collection
// (spec §3 OperationList). It is intentionally a plain slice kept sorted
// on insert, matching the teacher's texture of plain mutex-guarded
// slices/maps for small in-memory collections rather than a heap.
type List struct {
	ops []*Operation
}

func (l *List) Insert(op *Operation) {
	l.ops = append(l.ops, op)
	sort.SliceStable(l.ops, func(i, j int) bool { return l.ops[i].Less(l.ops[j]) })
}

func (l *List) Remove(id int64) {
	for i, op := range l.ops {
		if op.ID == id {
			l.ops = append(l.ops[:i], l.ops[i+1:]...)
			return
		}
	}
}

func (l *List) Peek() *Operation {
	if len(l.ops) == 0 {
		return nil
	}
	return l.ops[0]
}

func (l *List) Len() int { return len(l.ops) }

func (l *List) All() []*Operation {
	out := make([]*Operation, len(l.ops))
	copy(out, l.ops)
	return out
}

// ActiveCount returns the number of operations with a live requestId,
// used to enforce the "at most one active operation per conversation"
// invariant (spec §3, §8 invariant 1).
func (l *List) ActiveCount() int {
	n := 0
	for _, op := range l.ops {
		if op.RequestID != -1 {
			n++
		}
	}
	return n
}
