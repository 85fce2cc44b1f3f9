package conv

import (
	"testing"
	"time"

	"github.com/twinlife/conversationcore/frame"
	"github.com/twinlife/conversationcore/permission"
)

func newTestConversation(id string) *Conversation {
	return NewConversation(id, OneToOne, Identity{InboundTwincodeID: "me", OutboundTwincodeID: "me-out"}, "peer-out")
}

func TestNewConversationDefaults(t *testing.T) {
	c := newTestConversation("c1")
	if c.Permissions != permission.Default {
		t.Errorf("Permissions = %v, want permission.Default", c.Permissions)
	}
	if c.Connection() != nil {
		t.Error("expected a fresh conversation to have no connection")
	}
	if !c.HasPeer() {
		t.Error("expected HasPeer to be true when a peer outbound id was provided")
	}
	if c.IsActive() {
		t.Error("expected a fresh conversation to not be active")
	}
}

func TestHasPeerFalseWithoutOutboundID(t *testing.T) {
	c := NewConversation("c1", OneToOne, Identity{}, "")
	if c.HasPeer() {
		t.Error("expected HasPeer to be false with no peer outbound twincode id")
	}
}

func TestMarkActive(t *testing.T) {
	c := newTestConversation("c1")
	c.MarkActive()
	if !c.IsActive() {
		t.Error("expected IsActive to be true after MarkActive")
	}
}

func TestSetConnection(t *testing.T) {
	c := newTestConversation("c1")
	conn := NewConnection("pc-1", frame.Version{})
	c.SetConnection(conn)
	if c.Connection() != conn {
		t.Error("expected Connection() to return the connection set via SetConnection")
	}
}

func TestConversationSetPeerResourceIDChangeDetection(t *testing.T) {
	c := newTestConversation("c1")
	if changed := c.SetPeerResourceID("device-1"); changed {
		t.Fatal("expected no change reported on the first assignment")
	}
	if changed := c.SetPeerResourceID("device-2"); !changed {
		t.Fatal("expected a change to be reported when the resource id changes")
	}
}

func TestAdvanceSuccessResetsBackoff(t *testing.T) {
	c := newTestConversation("c1")
	c.Advance(TerminateConnectivityError)
	c.Advance(TerminateConnectivityError)
	c.Advance(TerminateSuccess)
	if c.backoff.delay != minBackoff || c.backoff.cancelled {
		t.Errorf("backoff after SUCCESS = %v (cancelled=%v), want the short %v backoff", c.backoff.delay, c.backoff.cancelled, minBackoff)
	}
}

func TestAdvanceConnectivityErrorBacksOffExponentially(t *testing.T) {
	c := newTestConversation("c1")
	c.Advance(TerminateConnectivityError)
	if c.backoff.delay != minBackoff {
		t.Fatalf("first backoff delay = %v, want %v", c.backoff.delay, minBackoff)
	}
	c.Advance(TerminateConnectivityError)
	if c.backoff.delay != 2*minBackoff {
		t.Fatalf("second backoff delay = %v, want %v", c.backoff.delay, 2*minBackoff)
	}
}

func TestAdvanceBackoffCeiling(t *testing.T) {
	c := newTestConversation("c1")
	for i := 0; i < 20; i++ {
		c.Advance(TerminateConnectivityError)
	}
	if c.backoff.delay != maxBackoff {
		t.Errorf("backoff delay = %v, want ceiling %v", c.backoff.delay, maxBackoff)
	}
}

func TestAdvanceNotAuthorizedCancelsRetries(t *testing.T) {
	c := newTestConversation("c1")
	c.Advance(TerminateNotAuthorized)
	if c.ReadyForRetry() {
		t.Error("expected ReadyForRetry to be false once retries are cancelled")
	}
	c.ResetBackoff()
	if !c.ReadyForRetry() {
		t.Error("expected ReadyForRetry to be true after ResetBackoff")
	}
}

func TestReadyForRetryWaitsOutBackoffWindow(t *testing.T) {
	c := newTestConversation("c1")
	c.Advance(TerminateConnectivityError)
	if c.ReadyForRetry() {
		t.Error("expected ReadyForRetry to be false immediately after a backed-off close")
	}
	c.mu.Lock()
	c.backoff.nextRetry = time.Now().Add(-time.Second)
	c.mu.Unlock()
	if !c.ReadyForRetry() {
		t.Error("expected ReadyForRetry to be true once the backoff window has elapsed")
	}
}

func TestImmediateRetryAllowed(t *testing.T) {
	cases := []struct {
		reason            TerminateReason
		wasOpen, pending  bool
		want              bool
	}{
		{TerminateDisconnected, true, true, true},
		{TerminateConnectivityError, true, true, true},
		{TerminateDisconnected, false, true, false},
		{TerminateDisconnected, true, false, false},
		{TerminateTimeout, true, true, false},
		{TerminateSuccess, true, true, false},
	}
	for _, c := range cases {
		if got := ImmediateRetryAllowed(c.reason, c.wasOpen, c.pending); got != c.want {
			t.Errorf("ImmediateRetryAllowed(%v, %v, %v) = %v, want %v", c.reason, c.wasOpen, c.pending, got, c.want)
		}
	}
}
