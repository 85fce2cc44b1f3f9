package descriptor

import (
	"testing"

	"github.com/twinlife/conversationcore/permission"
)

func TestKindRequiredPermission(t *testing.T) {
	cases := []struct {
		kind Kind
		want permission.Permission
	}{
		{KindObject, permission.SendMessage},
		{KindFile, permission.SendFile},
		{KindNamedFile, permission.SendFile},
		{KindAudio, permission.SendAudio},
		{KindImage, permission.SendImage},
		{KindVideo, permission.SendVideo},
		{KindGeolocation, permission.SendGeolocation},
		{KindTwincodeReference, permission.SendTwincode},
		{KindCall, permission.SendCommand},
		{KindInvitation, permission.SendCommand},
		{KindClear, permission.SendMessage},
	}
	for _, c := range cases {
		if got := c.kind.RequiredPermission(); got != c.want {
			t.Errorf("Kind(%d).RequiredPermission() = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestEnvelopeValidOrdering(t *testing.T) {
	ok := &Envelope{Created: 1, Sent: 2, Received: 3, Read: 4}
	if !ok.Valid() {
		t.Error("expected monotonically increasing timestamps to be valid")
	}

	bad := &Envelope{Created: 4, Sent: 3, Received: 2, Read: 1}
	if bad.Valid() {
		t.Error("expected out-of-order timestamps to be invalid")
	}
}

func TestEnvelopeValidAllowsUnsetTrailingPhases(t *testing.T) {
	e := &Envelope{Created: 1, Sent: 2}
	if !e.Valid() {
		t.Error("expected zero-valued trailing phases to be valid")
	}
}

func TestEnvelopeMarkFailedThenValid(t *testing.T) {
	e := &Envelope{Created: 1, Sent: 2}
	e.MarkFailed()
	if e.Received != -1 || e.Read != -1 {
		t.Fatalf("MarkFailed did not set sentinel values: %+v", e)
	}
	if !e.Valid() {
		t.Error("expected a failed envelope (negative trailing phases) to remain valid")
	}
}

func TestEnvelopeValidRejectsNonNegativeAfterFailure(t *testing.T) {
	// Created/Sent set, Received failed (-1), but Read resumes with a
	// non-negative value: this should never happen and Valid must reject it.
	e := &Envelope{Created: 1, Sent: 2, Received: -1, Read: 5}
	if e.Valid() {
		t.Error("expected a non-negative phase following a failure sentinel to be invalid")
	}
}

func TestObjectDescriptorForward(t *testing.T) {
	src := &ObjectDescriptor{
		Env: Envelope{
			Identity: Identity{DatabaseID: 1, TwincodeOutboundID: "alice", SequenceID: 7},
			Created:  10, Sent: 20, Received: 30, Read: 40,
		},
		Text: "hello",
	}

	fwd := src.Forward(99, "conv-2", 5000, "bob", true).(*ObjectDescriptor)
	if fwd.Text != src.Text {
		t.Errorf("forwarded text = %q, want %q", fwd.Text, src.Text)
	}
	if fwd.Env.DatabaseID != 99 {
		t.Errorf("forwarded DatabaseID = %d, want 99", fwd.Env.DatabaseID)
	}
	if fwd.Env.Sent != 0 || fwd.Env.Received != 0 || fwd.Env.Read != 0 {
		t.Errorf("forwarded envelope should reset delivery phases, got %+v", fwd.Env)
	}
	if !fwd.Env.Forward || !fwd.Env.Forwarded {
		t.Error("expected Forward and Forwarded flags set on the forwarded copy")
	}
	if fwd.Env.SendTo != "bob" || fwd.Env.ExpireTimeout != 5000 || !fwd.Env.CopyAllowed {
		t.Errorf("forwarded envelope did not carry target/expiry/copy settings: %+v", fwd.Env)
	}
	// The original must be untouched.
	if src.Env.Sent != 20 {
		t.Error("Forward must not mutate the source envelope")
	}
}

func TestNewClearDescriptor(t *testing.T) {
	d := NewClearDescriptor("peer-twincode", 42, ClearBoth, 1000)
	if d.Kind() != KindClear {
		t.Fatalf("Kind() = %v, want KindClear", d.Kind())
	}
	if d.Env.TwincodeOutboundID != "peer-twincode" {
		t.Errorf("TwincodeOutboundID = %q, want peer-twincode", d.Env.TwincodeOutboundID)
	}
	if d.Env.SequenceID != ClearDescriptorSequenceID {
		t.Errorf("SequenceID = %d, want %d", d.Env.SequenceID, ClearDescriptorSequenceID)
	}
	if d.Upto != 42 || d.Mode != ClearBoth {
		t.Errorf("unexpected clear descriptor: %+v", d)
	}
}
