package conv

import (
	"testing"
	"time"

	"github.com/twinlife/conversationcore/frame"
)

func TestTryBeginOpeningOutgoingSingleFlight(t *testing.T) {
	c := NewConnection("pc-1", frame.Version{Major: 2, Minor: 14})

	if !c.TryBeginOpeningOutgoing() {
		t.Fatal("expected the first TryBeginOpeningOutgoing to succeed")
	}
	if c.TryBeginOpeningOutgoing() {
		t.Fatal("expected a concurrent TryBeginOpeningOutgoing to be rejected")
	}

	c.CompleteOutgoingOpen(frame.Version{Major: 2, Minor: 12}, true)
	if c.TryBeginOpeningOutgoing() {
		t.Fatal("expected TryBeginOpeningOutgoing to be rejected once already OPEN")
	}
	if !c.IsOutgoingOpen() {
		t.Fatal("expected outgoing direction to be OPEN")
	}
}

func TestCompleteOutgoingOpenNegotiatesMinVersion(t *testing.T) {
	c := NewConnection("pc-1", frame.Version{Major: 2, Minor: 14})
	c.TryBeginOpeningOutgoing()

	peerVersion := frame.Version{Major: 2, Minor: 10}
	c.CompleteOutgoingOpen(peerVersion, false)

	negotiated := frame.Min(c.PeerVersion(), frame.Version{Major: 2, Minor: 14})
	if negotiated != peerVersion {
		t.Errorf("negotiated version = %+v, want %+v", negotiated, peerVersion)
	}
}

func TestBothClosed(t *testing.T) {
	c := NewConnection("pc-1", frame.Version{})
	if !c.BothClosed() {
		t.Fatal("expected a fresh connection to report BothClosed")
	}

	c.TryBeginOpeningOutgoing()
	c.CompleteOutgoingOpen(frame.Version{}, false)
	if c.BothClosed() {
		t.Fatal("expected BothClosed to be false with outgoing open")
	}

	c.CloseDirection(true)
	if !c.BothClosed() {
		t.Fatal("expected BothClosed once outgoing closes with incoming never opened")
	}
}

func TestBothClosedRequiresBothDirections(t *testing.T) {
	c := NewConnection("pc-1", frame.Version{})
	c.TryBeginOpeningOutgoing()
	c.CompleteOutgoingOpen(frame.Version{}, false)
	c.BeginIncoming()
	c.CompleteIncomingOpen(frame.Version{}, false)

	c.CloseDirection(true)
	if c.BothClosed() {
		t.Fatal("expected BothClosed to be false while incoming is still open")
	}
	c.CloseDirection(false)
	if !c.BothClosed() {
		t.Fatal("expected BothClosed once both directions are closed")
	}
}

func TestPreemptIncomingOpening(t *testing.T) {
	c := NewConnection("pc-1", frame.Version{})
	if c.PreemptIncomingOpening() {
		t.Fatal("expected no preemption needed before any incoming session")
	}
	c.BeginIncoming()
	if !c.PreemptIncomingOpening() {
		t.Fatal("expected preemption required while incoming is OPENING")
	}
	c.CompleteIncomingOpen(frame.Version{}, false)
	if c.PreemptIncomingOpening() {
		t.Fatal("expected no preemption needed once incoming reached OPEN")
	}
}

func TestConnectionSetPeerResourceIDChangeDetection(t *testing.T) {
	c := NewConnection("pc-1", frame.Version{})
	if changed := c.SetPeerResourceID("device-1"); changed {
		t.Fatal("expected no change reported on first assignment")
	}
	if changed := c.SetPeerResourceID("device-1"); changed {
		t.Fatal("expected no change reported when the resource id repeats")
	}
	if changed := c.SetPeerResourceID("device-2"); !changed {
		t.Fatal("expected a change to be reported when the resource id changes")
	}
}

func TestNormalizePeerTimestamp(t *testing.T) {
	c := NewConnection("pc-1", frame.Version{})
	c.SetPeerTimeCorrection(1000, 1050) // peer clock runs 50ms ahead
	if got := c.NormalizePeerTimestamp(2050); got != 2000 {
		t.Errorf("NormalizePeerTimestamp(2050) = %d, want 2000", got)
	}
}

func TestUpdateEstimatedRTT(t *testing.T) {
	c := NewConnection("pc-1", frame.Version{})
	c.UpdateEstimatedRTT(100)
	if got := c.EstimatedRTT(); got != 100*time.Millisecond {
		t.Fatalf("first sample EstimatedRTT() = %v, want 100ms", got)
	}
	c.UpdateEstimatedRTT(180)
	want := time.Duration(100+(180-100)/8) * time.Millisecond
	if got := c.EstimatedRTT(); got != want {
		t.Errorf("EstimatedRTT() after second sample = %v, want %v", got, want)
	}
}

func TestNextRequestIDMonotonic(t *testing.T) {
	c := NewConnection("pc-1", frame.Version{})
	a := c.NextRequestID()
	b := c.NextRequestID()
	if b <= a {
		t.Errorf("expected monotonically increasing request ids, got %d then %d", a, b)
	}
}

func TestChunkWriterRoundTrip(t *testing.T) {
	c := NewConnection("pc-1", frame.Version{})
	state := ChunkWriterState{DescriptorID: 7, NextStart: 262144, Active: true}
	c.SetChunkWriter(state)
	if got := c.ChunkWriter(); got != state {
		t.Errorf("ChunkWriter() = %+v, want %+v", got, state)
	}
}
