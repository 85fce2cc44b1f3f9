package conv

import (
	"sync"
	"time"

	"github.com/twinlife/conversationcore/permission"
)

// Kind is the conversation taxonomy (spec §3).
type Kind int

const (
	OneToOne Kind = iota
	Group
	GroupMember
	GroupIncoming
)

// Identity pairs an inbound (receivable) and outbound (address) twincode,
// per the GLOSSARY's definition of "Twincode".
type Identity struct {
	InboundTwincodeID  string
	OutboundTwincodeID string
}

// Conversation is the durable relationship between one local identity and
// one peer identity (spec §3, GLOSSARY). It exclusively owns its
// *Connection; the scheduler exclusively owns its operation.List (spec §5
// Ownership).
type Conversation struct {
	mu sync.RWMutex

	ID    string
	Kind  Kind
	Local Identity

	PeerOutboundTwincodeID string
	PeerResourceID         string // protected by mu; ephemeral per-installation id

	GroupID string // set for Group/GroupMember/GroupIncoming kinds

	Permissions     permission.Mask
	JoinPermissions permission.Mask

	isActive bool // has at least one descriptor

	lastTouch time.Time

	backoff backoffState

	connection *Connection // owned exclusively by this Conversation
}

// NewConversation creates a conversation with default permissions and no
// connection yet attached.
func NewConversation(id string, kind Kind, local Identity, peerOutboundTwincodeID string) *Conversation {
	return &Conversation{
		ID: id, Kind: kind, Local: local,
		PeerOutboundTwincodeID: peerOutboundTwincodeID,
		Permissions:            permission.Default,
		lastTouch:              time.Now(),
	}
}

func (c *Conversation) Connection() *Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connection
}

func (c *Conversation) SetConnection(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connection = conn
}

// HasPeer reports whether this conversation has a peer identity to dial
// (spec §4.4 open-outgoing guard: "conversation.hasPeer").
func (c *Conversation) HasPeer() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.PeerOutboundTwincodeID != ""
}

func (c *Conversation) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isActive
}

func (c *Conversation) MarkActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isActive = true
	c.lastTouch = time.Now()
}

func (c *Conversation) HasPermission(p permission.Permission) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Permissions.Allows(p)
}

func (c *Conversation) SetPermissions(m permission.Mask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Permissions = m
}

// SetPeerResourceID records the peer's ephemeral device id and reports
// whether it differs from a previously seen non-empty value — the hard
// reset trigger condition (spec §4.4, §S6).
func (c *Conversation) SetPeerResourceID(id string) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed = c.PeerResourceID != "" && c.PeerResourceID != id
	c.PeerResourceID = id
	return changed
}

// backoffState is the per-conversation retry bookkeeping (spec §4.5).
type backoffState struct {
	delay     time.Duration
	cancelled bool // true after NOT_AUTHORIZED/REVOKED, until an external event
	nextRetry time.Time
}

const (
	minBackoff = 2 * time.Second
	maxBackoff = 5 * time.Minute
)

// Advance recomputes the backoff delay from a close reason (spec §4.5):
// SUCCESS/GONE/BUSY -> small backoff; CONNECTIVITY_ERROR/TIMEOUT ->
// exponential up to a ceiling; NOT_AUTHORIZED/REVOKED -> cancel retries.
func (c *Conversation) Advance(reason TerminateReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch reason {
	case TerminateSuccess, TerminateGone, TerminateBusy:
		c.backoff.delay = minBackoff
		c.backoff.cancelled = false
	case TerminateConnectivityError, TerminateTimeout:
		if c.backoff.delay == 0 {
			c.backoff.delay = minBackoff
		} else {
			c.backoff.delay *= 2
			if c.backoff.delay > maxBackoff {
				c.backoff.delay = maxBackoff
			}
		}
	case TerminateNotAuthorized, TerminateRevoked:
		c.backoff.cancelled = true
		return
	default:
		c.backoff.delay = minBackoff
	}
	c.backoff.nextRetry = time.Now().Add(c.backoff.delay)
}

// ReadyForRetry reports whether the backoff window has elapsed and retries
// have not been cancelled.
func (c *Conversation) ReadyForRetry() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.backoff.cancelled {
		return false
	}
	return !time.Now().Before(c.backoff.nextRetry)
}

// ResetBackoff clears a cancelled/backed-off state after an external event
// (e.g. a re-authorization) re-enables retries.
func (c *Conversation) ResetBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoff = backoffState{}
}

// ImmediateRetryAllowed implements spec §4.4: "(reason in {DISCONNECTED,
// CONNECTIVITY_ERROR}) && wasOpen && pendingOperations".
func ImmediateRetryAllowed(reason TerminateReason, wasOpen bool, pendingOperations bool) bool {
	if !wasOpen || !pendingOperations {
		return false
	}
	return reason == TerminateDisconnected || reason == TerminateConnectivityError
}
