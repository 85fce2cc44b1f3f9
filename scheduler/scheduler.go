// Package scheduler implements the durable per-conversation operation
// queue described in spec §4.5 (C5): ordering, retry/backoff, deferral of
// low-priority work, invocation-vs-connection dispatch, and request-id
// correlation of responses.
//
// The scheduling model follows spec §5: a single-threaded cooperative
// executor owns all scheduler mutation; callers submit work as closures
// and the executor goroutine drains them one at a time, so per-conversation
// ordering is trivial to reason about (no locks needed across operations
// within one conversation beyond the List itself).
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/twinlife/conversationcore/conv"
	"github.com/twinlife/conversationcore/errkind"
	"github.com/twinlife/conversationcore/operation"
)

// Sender is how the scheduler hands an operation to the outside world: over
// a live connection, or through the twincode-invocation transport for
// invoke-only operations (spec §4.3, §4.5 step 2).
type Sender interface {
	// Send serializes op into a frame and writes it on conn (the scheduler
	// has already assigned op's request id, marking it active, before
	// calling Send).
	Send(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) error
	// Invoke dispatches an invoke-only operation through the twincode
	// invocation transport. finishInvokeOperation (spec §4.5 step 2) is
	// modeled by Invoke returning once the invocation completes.
	Invoke(ctx context.Context, conversation *conv.Conversation, op *operation.Operation) error
}

// CompletionObserver is notified when an operation finishes, successfully
// or not, so the caller can update descriptor timestamps and notify
// observers (spec §4.5 "Completion").
type CompletionObserver interface {
	OnOperationComplete(op *operation.Operation, deviceState uint64, receivedTimestamp int64)
	OnOperationFailed(op *operation.Operation, err error)
}

// conversationState is the scheduler's private bookkeeping for one
// conversation: its pending OperationList plus any deferred-wakeup timer.
type conversationState struct {
	mu          sync.Mutex
	list        operation.List
	deferUntil  time.Time
	deferTimer  *time.Timer
	openTimerOn bool
}

// Scheduler is the per-engine dispatch loop owner (spec §4.5, C5).
type Scheduler struct {
	engine   *conv.Engine
	sender   Sender
	observer CompletionObserver
	store    conv.ServiceProvider

	executor chan func()
	done     chan struct{}

	mu     sync.Mutex
	states map[string]*conversationState // conversationId -> state

	nextCreationID int64
	creationMu     sync.Mutex

	// offline/shuttingDown gate open-outgoing attempts (spec §4.4).
	offline      bool
	shuttingDown bool
}

func New(engine *conv.Engine, sender Sender, observer CompletionObserver, store conv.ServiceProvider) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		sender:   sender,
		observer: observer,
		store:    store,
		executor: make(chan func(), 256),
		done:     make(chan struct{}),
		states:   make(map[string]*conversationState),
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	for {
		select {
		case fn := <-s.executor:
			fn()
		case <-s.done:
			return
		}
	}
}

// Shutdown drains pending operations to disk (they are already durable on
// insert) and aborts all timers (spec §5 "Cancellation: Shutdown").
func (s *Scheduler) Shutdown() {
	s.post(func() { s.shuttingDown = true })
	s.mu.Lock()
	for _, st := range s.states {
		st.mu.Lock()
		if st.deferTimer != nil {
			st.deferTimer.Stop()
		}
		st.mu.Unlock()
	}
	s.mu.Unlock()
	close(s.done)
}

func (s *Scheduler) SetOffline(offline bool) {
	s.post(func() {
		s.offline = offline
		if !offline {
			s.mu.Lock()
			ids := make([]string, 0, len(s.states))
			for id := range s.states {
				ids = append(ids, id)
			}
			s.mu.Unlock()
			for _, id := range ids {
				s.scheduleConversationOperations(id)
			}
		}
	})
}

// post submits fn to the single executor goroutine and blocks until it has
// run, keeping the external API synchronous while internal mutation stays
// single-threaded.
func (s *Scheduler) post(fn func()) {
	done := make(chan struct{})
	s.executor <- func() { fn(); close(done) }
	<-done
}

func (s *Scheduler) stateFor(conversationID string) *conversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[conversationID]
	if !ok {
		st = &conversationState{}
		s.states[conversationID] = st
	}
	return st
}

// allocCreationID returns a monotonic tie-break id for the ordering rule
// (spec §4.3).
func (s *Scheduler) allocCreationID() int64 {
	s.creationMu.Lock()
	defer s.creationMu.Unlock()
	s.nextCreationID++
	return s.nextCreationID
}

// Enqueue durably stores op (via ServiceProvider — spec §4.5 invariant
// "every operation is durably stored before any attempt to execute it")
// then adds it to the conversation's pending list and pumps the dispatch
// loop.
func (s *Scheduler) Enqueue(conversationID string, typ operation.Type, descriptorID int64, deferrable bool, raw []byte) (*operation.Operation, error) {
	id, err := s.store.SaveOperation(conversationID, raw)
	if err != nil {
		return nil, err
	}
	op := operation.NewOperation(id, typ, conversationID, s.allocCreationID(), time.Now().UnixMilli(), descriptorID)
	op.Deferrable = deferrable
	op.Payload = raw
	op.NoAck = isNoAckTransient(typ, raw)
	s.post(func() {
		st := s.stateFor(conversationID)
		st.mu.Lock()
		st.list.Insert(op)
		st.mu.Unlock()
		s.scheduleConversationOperations(conversationID)
	})
	return op, nil
}

// EnqueueFile is Enqueue specialised for PUSH_FILE (spec §4.8): it records
// the file's total length on the operation up front so the chunk loop
// knows when it is done, and starts ChunkStart at NOT_INITIALIZED so the
// first dispatch sends the PushFileIQ envelope rather than a chunk.
func (s *Scheduler) EnqueueFile(conversationID string, descriptorID int64, length int64) (*operation.Operation, error) {
	op, err := s.Enqueue(conversationID, operation.PushFile, descriptorID, false, nil)
	if err != nil {
		return nil, err
	}
	op.Length = length
	return op, nil
}

// HandleFileChunkReply advances a conversation's in-flight PUSH_FILE
// operation on receipt of an OnPushFileChunkIQ (spec §4.8 step 2). Chunk
// replies carry no request id on the wire (§6.1), so correlation relies on
// the scheduler's invariant that at most one operation per conversation is
// ever active: the active PUSH_FILE operation, if any, is the one this
// reply belongs to.
func (s *Scheduler) HandleFileChunkReply(conversationID string, receivedTimestamp, nextChunkStart int64) {
	s.post(func() {
		st := s.stateFor(conversationID)
		st.mu.Lock()
		var found *operation.Operation
		for _, op := range st.list.All() {
			if op.Type == operation.PushFile && op.RequestID != -1 {
				found = op
				break
			}
		}
		st.mu.Unlock()
		if found == nil {
			return
		}

		if receivedTimestamp < 0 && nextChunkStart == operation.ChunkAbort {
			st.mu.Lock()
			st.list.Remove(found.ID)
			st.mu.Unlock()
			_ = s.store.DeleteOperation(found.ID)
			s.observer.OnOperationFailed(found, errFileTransferAborted)
			s.scheduleConversationOperations(conversationID)
			return
		}

		found.RequestID = -1
		if nextChunkStart >= found.Length {
			st.mu.Lock()
			st.list.Remove(found.ID)
			st.mu.Unlock()
			_ = s.store.DeleteOperation(found.ID)
			s.observer.OnOperationComplete(found, 0, receivedTimestamp)
			s.scheduleConversationOperations(conversationID)
			return
		}
		found.ChunkStart = nextChunkStart
		s.scheduleConversationOperations(conversationID)
	})
}

// scheduleConversationOperations implements the four-step dispatch loop of
// spec §4.5. Must run on the executor goroutine.
func (s *Scheduler) scheduleConversationOperations(conversationID string) {
	conversation := s.engine.Conversation(conversationID)
	if conversation == nil {
		return
	}
	st := s.stateFor(conversationID)
	st.mu.Lock()
	first := st.list.Peek()
	active := st.list.ActiveCount()
	st.mu.Unlock()

	if first == nil {
		return
	}

	connection := conversation.Connection()

	// Step 1: connection OPEN and no active operation -> execute now.
	if active == 0 && connection != nil && first.CanExecute(connection) && !first.Type.IsInvoke() {
		s.dispatchOverConnection(conversation, connection, first)
		return
	}

	// Step 2: an invoke-op never needs the connection at all.
	if active == 0 && first.Type.IsInvoke() {
		s.dispatchInvoke(conversation, first)
		return
	}

	if active > 0 {
		// One active operation already in flight; wait for its completion.
		return
	}

	// Step 3: connection CLOSED (or never attached), pending operations,
	// not offline -> open.
	if (connection == nil || !connection.IsOutgoingOpen()) && !s.offline && !s.shuttingDown && conversation.HasPeer() {
		if !first.Deferrable || s.peerAlreadyConnected(connection) {
			if connection == nil {
				connection = s.engine.EnsureConnection(conversation.ID)
			}
			s.tryOpenOutgoing(conversation, connection)
			return
		}
	}

	// Step 4: deferred operations sleep until their deadline.
	s.armDeferTimer(conversationID, st)
}

func (s *Scheduler) peerAlreadyConnected(connection *conv.Connection) bool {
	return connection != nil && connection.IsOutgoingOpen()
}

// armDeferTimer coalesces deferrable operations: they wait until (a) a
// high-priority op arrives, (b) the peer is already connected, or (c) a
// timer fires, rather than opening a channel just to mark-read a message
// (spec §4.5).
const deferralWindow = 15 * time.Second

func (s *Scheduler) armDeferTimer(conversationID string, st *conversationState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deferTimer != nil {
		return
	}
	st.deferUntil = time.Now().Add(deferralWindow)
	st.deferTimer = time.AfterFunc(deferralWindow, func() {
		s.post(func() {
			st.mu.Lock()
			st.deferTimer = nil
			st.mu.Unlock()
			s.scheduleConversationOperations(conversationID)
		})
	})
}

func (s *Scheduler) tryOpenOutgoing(conversation *conv.Conversation, connection *conv.Connection) {
	if connection == nil {
		return
	}
	if !conversation.ReadyForRetry() {
		return
	}
	if !connection.TryBeginOpeningOutgoing() {
		return
	}
	connection.ArmOpenTimeout(func() {
		s.post(func() {
			connection.CancelOpenTimeout()
			connection.CloseDirection(true)
			conversation.Advance(conv.TerminateTimeout)
			s.engine.Transport.Terminate(connection.PeerConnectionID, conv.TerminateTimeout)
			s.scheduleConversationOperations(conversation.ID)
		})
	})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), conv.OpeningTimeout)
		defer cancel()
		peerConnID, err := s.engine.Transport.OpenOutgoing(ctx, conversation.ID)
		s.post(func() {
			if err != nil {
				connection.CancelOpenTimeout()
				connection.CloseDirection(true)
				conversation.Advance(conv.TerminateConnectivityError)
				return
			}
			connection.PeerConnectionID = peerConnID
			if bindErr := s.engine.BindConnection(conversation.ID, connection); bindErr != nil {
				log.Printf("[sched] bind connection: %v", bindErr)
			}
		})
	}()
}

func (s *Scheduler) dispatchOverConnection(conversation *conv.Conversation, connection *conv.Connection, op *operation.Operation) {
	op.RequestID = connection.NextRequestID()
	if err := s.sender.Send(conversation, connection, op); err != nil {
		op.RequestID = -1
		if errkind.Is(err, errkind.FEATURE_NOT_SUPPORTED_BY_PEER) {
			// The negotiated peer version can never carry this operation;
			// retrying is pointless. Abort it permanently (spec §7: "aborts
			// the operation, marks its descriptor as failed").
			st := s.stateFor(conversation.ID)
			st.mu.Lock()
			st.list.Remove(op.ID)
			st.mu.Unlock()
			_ = s.store.DeleteOperation(op.ID)
			s.observer.OnOperationFailed(op, err)
			s.scheduleConversationOperations(conversation.ID)
			return
		}
		s.observer.OnOperationFailed(op, err)
		return
	}
	if op.NoAck {
		// A zero-flags transient push is fire-and-forget: the peer may
		// still answer OnPushIQ, but this side must not hold the
		// conversation's single-active-operation slot waiting for it
		// (spec §4.3 PUSH_TRANSIENT_OBJECT).
		s.finishOperation(conversation.ID, op, 0, time.Now().UnixMilli())
	}
}

// finishOperation removes op from its conversation's pending list, deletes
// its durable record, reports completion, and pumps the next operation.
// Must run on the executor goroutine (called from scheduleConversationOperations
// or from within a post()'d closure).
func (s *Scheduler) finishOperation(conversationID string, op *operation.Operation, deviceState uint64, receivedTimestamp int64) {
	st := s.stateFor(conversationID)
	st.mu.Lock()
	st.list.Remove(op.ID)
	st.mu.Unlock()
	_ = s.store.DeleteOperation(op.ID)
	s.observer.OnOperationComplete(op, deviceState, receivedTimestamp)
	s.scheduleConversationOperations(conversationID)
}

// isNoAckTransient reports whether an enqueued operation is a
// PUSH_TRANSIENT_OBJECT whose ContentPayload.Flags is zero, the sentinel
// the scheduler uses to skip waiting on the peer's acknowledgement.
func isNoAckTransient(typ operation.Type, raw []byte) bool {
	if typ != operation.PushTransientObject {
		return false
	}
	var p operation.ContentPayload
	if err := operation.UnmarshalPayload(raw, &p); err != nil {
		return false
	}
	return p.Flags == 0
}

func (s *Scheduler) dispatchInvoke(conversation *conv.Conversation, op *operation.Operation) {
	op.RequestID = 1 // invoke ops have no connection-scoped request id; any non -1 marks them active
	go func() {
		ctx := context.Background()
		err := s.sender.Invoke(ctx, conversation, op)
		s.post(func() {
			s.finishInvokeOperation(conversation.ID, op, err)
		})
	}()
}

// finishInvokeOperation dequeues an invoke-only operation once its
// invocation has completed (spec §4.5 step 2).
func (s *Scheduler) finishInvokeOperation(conversationID string, op *operation.Operation, err error) {
	st := s.stateFor(conversationID)
	st.mu.Lock()
	st.list.Remove(op.ID)
	st.mu.Unlock()
	_ = s.store.DeleteOperation(op.ID)
	if err != nil {
		s.observer.OnOperationFailed(op, err)
	} else {
		s.observer.OnOperationComplete(op, 0, time.Now().UnixMilli())
	}
	s.scheduleConversationOperations(conversationID)
}

// CompleteByRequestID matches an inbound response frame by
// (conversationId, requestId) (spec §4.5 "Completion"), runs the
// completion hook, dequeues, and pumps the next operation.
func (s *Scheduler) CompleteByRequestID(conversationID string, requestID int64, deviceState uint64, receivedTimestamp int64) {
	s.post(func() {
		st := s.stateFor(conversationID)
		st.mu.Lock()
		var found *operation.Operation
		for _, op := range st.list.All() {
			if op.RequestID == requestID {
				found = op
				break
			}
		}
		st.mu.Unlock()
		if found == nil {
			return
		}

		if found.Type == operation.PushFile && receivedTimestamp > 0 && found.ChunkStart == operation.ChunkNotInitialized {
			// Peer accepted the push; flip to chunking and re-enter the
			// send path instead of dequeuing (spec §4.8 step 1).
			found.ChunkStart = 0
			found.RequestID = -1
			s.observer.OnOperationComplete(found, deviceState, receivedTimestamp)
			s.scheduleConversationOperations(conversationID)
			return
		}

		if receivedTimestamp < 0 {
			st.mu.Lock()
			st.list.Remove(found.ID)
			st.mu.Unlock()
			_ = s.store.DeleteOperation(found.ID)
			s.observer.OnOperationFailed(found, errFeatureOrPermission)
			s.scheduleConversationOperations(conversationID)
			return
		}
		s.finishOperation(conversationID, found, deviceState, receivedTimestamp)
	})
}

// HandleConnectionOpen must be called once a connection's outgoing or
// incoming direction completes opening, to pump any queued operations
// (spec §4.4, §4.5).
func (s *Scheduler) HandleConnectionOpen(conversationID string) {
	s.post(func() { s.scheduleConversationOperations(conversationID) })
}

// HandleConnectionClosed advances backoff and, per the immediate-retry
// rule, re-triggers the dispatch loop right away instead of waiting for
// the backoff window (spec §4.4 "Immediate retry").
func (s *Scheduler) HandleConnectionClosed(conversationID string, reason conv.TerminateReason, wasOpen bool) {
	s.post(func() {
		conversation := s.engine.Conversation(conversationID)
		if conversation == nil {
			return
		}
		conversation.Advance(reason)
		st := s.stateFor(conversationID)
		st.mu.Lock()
		pending := st.list.Len() > 0
		st.mu.Unlock()
		if conv.ImmediateRetryAllowed(reason, wasOpen, pending) {
			conversation.ResetBackoff()
		}
		s.scheduleConversationOperations(conversationID)
	})
}

// errFeatureOrPermission is the synthetic cause attached to an operation
// failure whose receivedTimestamp came back negative; the precise Kind
// (FEATURE_NOT_SUPPORTED_BY_PEER vs NO_PERMISSION) is assigned by the
// dispatch layer calling CompleteByRequestID, not guessed here.
var errFeatureOrPermission = &schedError{"operation rejected by peer"}

// errFileTransferAborted marks a PUSH_FILE operation whose receiver replied
// with the abort sentinel (receivedTimestamp<0, nextChunkStart==ChunkAbort)
// after a chunk write failure (spec §4.8 "Receive-side failure").
var errFileTransferAborted = &schedError{"file transfer aborted by peer"}

type schedError struct{ msg string }

func (e *schedError) Error() string { return e.msg }

// PendingCount reports how many operations are queued for a conversation,
// used by tests and by the deferred-wakeup aggregate push-notification
// content (spec §3 OperationList).
func (s *Scheduler) PendingCount(conversationID string) int {
	st := s.stateFor(conversationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.list.Len()
}
