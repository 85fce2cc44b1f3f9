package conv

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/twinlife/conversationcore/frame"
)

// Direction is one half of a ConversationConnection (spec §3, §4.4).
type Direction int

const (
	Closed Direction = iota
	Opening
	Open
)

// OpeningTimeout is how long an OPENING direction may stay unresolved
// before the peer connection is terminated with TerminateTimeout (spec §4.4).
const OpeningTimeout = 30 * time.Second

// ChunkWriterState tracks an in-progress chunked file write so a dropped
// transport can resume at the correct offset on reconnect (spec §4.8, S2).
type ChunkWriterState struct {
	DescriptorID int64
	NextStart    int64
	Active       bool
}

// Connection is the in-memory per-conversation ConversationConnection
// (spec §3, §4.4): two independent directions, peer version, peer time
// skew, device-state bits, padding mode, and a per-connection request-id
// generator. All field mutation happens under mu, which plays the role of
// the engine-wide peerConnectionLock scoped to this single connection.
type Connection struct {
	mu sync.Mutex

	PeerConnectionID string // globally unique while any direction is non-CLOSED

	outgoing Direction
	incoming Direction

	// openingInFlight enforces single-flight outgoing-open attempts (spec §4.4).
	openingInFlight bool

	localVersion frame.Version
	peerVersion  frame.Version // protected by mu; valid once a direction reaches OPEN

	peerDeviceState uint64
	peerResourceID  string // protected by mu

	leadingPadding bool // negotiated transport encoding mode (spec §4.1)

	peerTimeCorrection int64 // peerTimestamp - senderTimestamp, see OnSynchronizeIQ handling

	estimatedRTTMillis int64 // updated from file-chunk senderTimestamp echoes (spec §4.8)

	chunkWriter ChunkWriterState

	requestIDSeq atomic.Int64

	openTimer *time.Timer // cancelled on Close; fires Terminate(TIMEOUT) after OpeningTimeout
}

// NewConnection creates a connection in the fully-closed state.
func NewConnection(peerConnectionID string, localVersion frame.Version) *Connection {
	c := &Connection{PeerConnectionID: peerConnectionID, localVersion: localVersion}
	c.requestIDSeq.Store(0)
	return c
}

// NextRequestID returns a fresh id unique within this connection (spec §4.5).
func (c *Connection) NextRequestID() int64 { return c.requestIDSeq.Add(1) }

// IsOutgoingOpen satisfies operation.ConnectionState.
func (c *Connection) IsOutgoingOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outgoing == Open
}

func (c *Connection) IsIncomingOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incoming == Open
}

// BothClosed reports whether the composite connection lifecycle has ended
// (spec §4.4: "the composite lifecycle closes only when both directions
// are CLOSED").
func (c *Connection) BothClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outgoing == Closed && c.incoming == Closed
}

// TryBeginOpeningOutgoing enters the outgoing single-flight opening lock.
// It returns false if an outgoing attempt is already in flight or the
// direction is already OPEN (spec §4.4 "single-flight opening lock").
func (c *Connection) TryBeginOpeningOutgoing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openingInFlight || c.outgoing != Closed {
		return false
	}
	c.openingInFlight = true
	c.outgoing = Opening
	return true
}

// ArmOpenTimeout schedules onTimeout to fire after OpeningTimeout unless
// cancelled first by CancelOpenTimeout (spec §4.4).
func (c *Connection) ArmOpenTimeout(onTimeout func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openTimer != nil {
		c.openTimer.Stop()
	}
	c.openTimer = time.AfterFunc(OpeningTimeout, onTimeout)
}

func (c *Connection) CancelOpenTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openTimer != nil {
		c.openTimer.Stop()
		c.openTimer = nil
	}
}

// CompleteOutgoingOpen transitions outgoing -> OPEN and negotiates the
// effective version as min(ours, theirs) (spec §4.4).
func (c *Connection) CompleteOutgoingOpen(peerVersion frame.Version, leadingPadding bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outgoing = Open
	c.openingInFlight = false
	c.peerVersion = frame.Min(c.localVersion, peerVersion)
	c.leadingPadding = leadingPadding
}

// BeginIncoming handles an inbound session arriving (spec §4.4
// "open-incoming"). If a previous incoming is still OPENING it must be
// preempted by the caller (closed with TerminateGone) before calling this.
func (c *Connection) BeginIncoming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incoming = Opening
}

// PreemptIncomingOpening reports whether the current incoming direction is
// still OPENING (and therefore must be preempted for a newer inbound
// session), per spec §4.4.
func (c *Connection) PreemptIncomingOpening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incoming == Opening
}

func (c *Connection) CompleteIncomingOpen(peerVersion frame.Version, leadingPadding bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incoming = Open
	c.peerVersion = frame.Min(c.localVersion, peerVersion)
	c.leadingPadding = leadingPadding
}

// CloseDirection transitions one direction to CLOSED (spec §4.4 "Close")
// and reports whether it had reached OPEN before this close, which the
// immediate-retry rule needs (spec §4.4).
func (c *Connection) CloseDirection(outgoing bool) (wasOpen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if outgoing {
		wasOpen = c.outgoing == Open
		c.outgoing = Closed
		c.openingInFlight = false
	} else {
		wasOpen = c.incoming == Open
		c.incoming = Closed
	}
	return wasOpen
}

func (c *Connection) SetPeerResourceID(id string) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed = c.peerResourceID != "" && c.peerResourceID != id
	c.peerResourceID = id
	return changed
}

func (c *Connection) PeerResourceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerResourceID
}

func (c *Connection) SetPeerDeviceState(state uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerDeviceState = state
}

func (c *Connection) SetPeerTimeCorrection(senderTimestamp, peerTimestamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerTimeCorrection = peerTimestamp - senderTimestamp
}

// NormalizePeerTimestamp applies the peer-time correction offset so a
// timestamp the peer reported lines up with local clock (spec §4.4).
func (c *Connection) NormalizePeerTimestamp(peerReported int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return peerReported - c.peerTimeCorrection
}

func (c *Connection) PeerVersion() frame.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerVersion
}

func (c *Connection) LeadingPadding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leadingPadding
}

// UpdateEstimatedRTT folds a fresh sample into the connection's estimate
// using the same smoothing shape the teacher's Transport uses for its own
// RTT EWMA (client/transport.go smoothedRTT), generalized from webtransport
// ping/pong to file-chunk sender-timestamp echoes (spec §4.8).
func (c *Connection) UpdateEstimatedRTT(sampleMillis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.estimatedRTTMillis == 0 {
		c.estimatedRTTMillis = sampleMillis
		return
	}
	const alpha = 8 // 1/8 weight on the new sample, matching RFC 6298-style EWMA
	c.estimatedRTTMillis = c.estimatedRTTMillis + (sampleMillis-c.estimatedRTTMillis)/alpha
}

func (c *Connection) EstimatedRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.estimatedRTTMillis) * time.Millisecond
}

func (c *Connection) ChunkWriter() ChunkWriterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunkWriter
}

func (c *Connection) SetChunkWriter(state ChunkWriterState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunkWriter = state
}
