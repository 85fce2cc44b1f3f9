package conv

import (
	"fmt"
	"log"
	"sync"

	"github.com/twinlife/conversationcore/frame"
)

// Engine is the arena that resolves conversations and connections by
// stable id (Design Note 9: "cyclic references ... model as arena + stable
// ids"). It owns the global peerConnectionLock (spec §5) guarding the
// peerConnectionId -> Connection map and the composite state transitions
// of any single Connection.
type Engine struct {
	peerConnectionLock sync.Mutex // protects connByPeerConnID and conversation<->connection linkage

	conversations     map[string]*Conversation // conversationId -> Conversation
	connByPeerConnID  map[string]*Connection   // peerConnectionId -> Connection
	convByPeerConnID  map[string]string        // peerConnectionId -> conversationId

	Transport PeerConnectionService

	// LocalVersion is advertised during version negotiation and stamped on
	// connections EnsureConnection creates.
	LocalVersion frame.Version
}

func NewEngine(transport PeerConnectionService) *Engine {
	return &Engine{
		conversations:    make(map[string]*Conversation),
		connByPeerConnID: make(map[string]*Connection),
		convByPeerConnID: make(map[string]string),
		Transport:        transport,
		LocalVersion:     frame.Current,
	}
}

func (e *Engine) AddConversation(c *Conversation) {
	e.peerConnectionLock.Lock()
	defer e.peerConnectionLock.Unlock()
	e.conversations[c.ID] = c
}

func (e *Engine) Conversation(id string) *Conversation {
	e.peerConnectionLock.Lock()
	defer e.peerConnectionLock.Unlock()
	return e.conversations[id]
}

// ConversationByPeerConnectionID resolves the (conversation, connection)
// pair a freshly decoded frame belongs to (spec §4.7 step 2).
func (e *Engine) ConversationByPeerConnectionID(peerConnectionID string) (*Conversation, *Connection, bool) {
	e.peerConnectionLock.Lock()
	defer e.peerConnectionLock.Unlock()
	cid, ok := e.convByPeerConnID[peerConnectionID]
	if !ok {
		return nil, nil, false
	}
	conv := e.conversations[cid]
	conn := e.connByPeerConnID[peerConnectionID]
	return conv, conn, conv != nil && conn != nil
}

// BindConnection attaches a Connection to a conversation and registers it
// in the global peerConnectionId index. Spec §8 invariant 6: a
// peerConnectionId must be unique across open connections; BindConnection
// enforces this by refusing to overwrite an existing distinct mapping.
func (e *Engine) BindConnection(conversationID string, conn *Connection) error {
	e.peerConnectionLock.Lock()
	defer e.peerConnectionLock.Unlock()
	if existing, ok := e.connByPeerConnID[conn.PeerConnectionID]; ok && existing != conn {
		return fmt.Errorf("conv: peerConnectionId %s already bound", conn.PeerConnectionID)
	}
	c, ok := e.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conv: unknown conversation %s", conversationID)
	}
	c.SetConnection(conn)
	e.connByPeerConnID[conn.PeerConnectionID] = conn
	e.convByPeerConnID[conn.PeerConnectionID] = conversationID
	return nil
}

// TransferGroupIncoming atomically moves an open connection from a
// transient group-incoming conversation to the resolved group-member
// conversation once the sender's member twincode is known (spec §4.4
// "Group-incoming transfer").
func (e *Engine) TransferGroupIncoming(fromConversationID, toConversationID string) error {
	e.peerConnectionLock.Lock()
	defer e.peerConnectionLock.Unlock()

	from, ok := e.conversations[fromConversationID]
	if !ok {
		return fmt.Errorf("conv: unknown source conversation %s", fromConversationID)
	}
	to, ok := e.conversations[toConversationID]
	if !ok {
		return fmt.Errorf("conv: unknown destination conversation %s", toConversationID)
	}
	conn := from.Connection()
	if conn == nil {
		return fmt.Errorf("conv: source conversation %s has no connection to transfer", fromConversationID)
	}
	to.SetConnection(conn)
	from.SetConnection(nil)
	e.convByPeerConnID[conn.PeerConnectionID] = toConversationID
	log.Printf("[conv] transferred connection %s from %s to %s", conn.PeerConnectionID, fromConversationID, toConversationID)
	return nil
}

// FindGroupMemberConversation resolves the group-member conversation for a
// sender twincode within a group, used to re-home a transient
// group-incoming connection once the sender's member identity is known
// (spec §4.4 "Group-incoming transfer", §4.7 step 3).
func (e *Engine) FindGroupMemberConversation(groupID, peerOutboundTwincodeID string) *Conversation {
	e.peerConnectionLock.Lock()
	defer e.peerConnectionLock.Unlock()
	for _, c := range e.conversations {
		if c.Kind == GroupMember && c.GroupID == groupID && c.PeerOutboundTwincodeID == peerOutboundTwincodeID {
			return c
		}
	}
	return nil
}

// EnsureConnection returns the conversation's connection, creating and
// attaching a fresh fully-closed one when none exists yet: an
// open-outgoing attempt starts from a conversation that may never have
// had a session (spec §4.4). The connection is registered in the global
// index only once the transport has assigned its peerConnectionId (the
// scheduler calls BindConnection after OpenOutgoing returns).
func (e *Engine) EnsureConnection(conversationID string) *Connection {
	e.peerConnectionLock.Lock()
	defer e.peerConnectionLock.Unlock()
	c, ok := e.conversations[conversationID]
	if !ok {
		return nil
	}
	if conn := c.Connection(); conn != nil {
		return conn
	}
	conn := NewConnection("", e.LocalVersion)
	c.SetConnection(conn)
	return conn
}

// UnbindConnection removes a fully-closed connection from the global
// index. Safe to call once BothClosed() is true.
func (e *Engine) UnbindConnection(peerConnectionID string) {
	e.peerConnectionLock.Lock()
	defer e.peerConnectionLock.Unlock()
	delete(e.connByPeerConnID, peerConnectionID)
	delete(e.convByPeerConnID, peerConnectionID)
}

// OpenCount returns how many connections are currently tracked, and is
// used by tests asserting §8 invariant 6 (never more than one OPEN
// incoming/outgoing per conversation; peerConnectionId globally unique).
func (e *Engine) OpenCount() int {
	e.peerConnectionLock.Lock()
	defer e.peerConnectionLock.Unlock()
	return len(e.connByPeerConnID)
}
