package operation

import "testing"

type fakeConn struct{ open bool }

func (f fakeConn) IsOutgoingOpen() bool { return f.open }

func TestNewOperationPushFileStartsUninitialized(t *testing.T) {
	op := NewOperation(1, PushFile, "conv-1", 0, 0, 10)
	if op.ChunkStart != ChunkNotInitialized {
		t.Errorf("ChunkStart = %d, want %d", op.ChunkStart, ChunkNotInitialized)
	}
}

func TestNewOperationOtherTypesStartAtZero(t *testing.T) {
	op := NewOperation(1, PushObject, "conv-1", 0, 0, 10)
	if op.ChunkStart != 0 {
		t.Errorf("ChunkStart = %d, want 0", op.ChunkStart)
	}
}

func TestCanExecuteRequiresIdle(t *testing.T) {
	op := NewOperation(1, PushObject, "conv-1", 0, 0, 0)
	op.RequestID = 42
	if op.CanExecute(fakeConn{open: true}) {
		t.Error("expected an already-active operation to not be executable")
	}
}

func TestCanExecuteInvokeBypassesConnection(t *testing.T) {
	op := NewOperation(1, InvokeJoinGroup, "conv-1", 0, 0, 0)
	if !op.CanExecute(nil) {
		t.Error("expected an invoke-only operation to be executable without a connection")
	}
}

func TestCanExecuteRequiresOutgoingOpen(t *testing.T) {
	op := NewOperation(1, PushObject, "conv-1", 0, 0, 0)
	if op.CanExecute(fakeConn{open: false}) {
		t.Error("expected CanExecute to be false when the outgoing direction is not open")
	}
	if !op.CanExecute(fakeConn{open: true}) {
		t.Error("expected CanExecute to be true when the outgoing direction is open")
	}
	if op.CanExecute(nil) {
		t.Error("expected CanExecute to be false with a nil connection for a non-invoke type")
	}
}

func TestTypeIsInvoke(t *testing.T) {
	for _, typ := range []Type{InvokeJoinGroup, InvokeAddMember, InvokeLeaveGroup} {
		if !typ.IsInvoke() {
			t.Errorf("Type(%d).IsInvoke() = false, want true", typ)
		}
	}
	for _, typ := range []Type{PushObject, SynchronizeConversation, PushFile} {
		if typ.IsInvoke() {
			t.Errorf("Type(%d).IsInvoke() = true, want false", typ)
		}
	}
}

// TestListOrdering verifies spec §4.3's total order: INVOKE_* first, then
// SYNCHRONIZE_CONVERSATION, then PUSH_FILE, then everything else by
// creation id.
func TestListOrdering(t *testing.T) {
	var l List
	l.Insert(NewOperation(1, PushObject, "c", 10, 0, 0))
	l.Insert(NewOperation(2, PushFile, "c", 5, 0, 0))
	l.Insert(NewOperation(3, SynchronizeConversation, "c", 20, 0, 0))
	l.Insert(NewOperation(4, InvokeJoinGroup, "c", 30, 0, 0))
	l.Insert(NewOperation(5, PushObject, "c", 1, 0, 0))

	got := make([]int64, 0, l.Len())
	for _, op := range l.All() {
		got = append(got, op.ID)
	}
	want := []int64{4, 3, 2, 5, 1}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestListPeekAndRemove(t *testing.T) {
	var l List
	l.Insert(NewOperation(1, PushObject, "c", 1, 0, 0))
	l.Insert(NewOperation(2, PushObject, "c", 2, 0, 0))

	if peek := l.Peek(); peek == nil || peek.ID != 1 {
		t.Fatalf("Peek() = %+v, want ID 1", peek)
	}

	l.Remove(1)
	if l.Len() != 1 {
		t.Fatalf("Len() after remove = %d, want 1", l.Len())
	}
	if peek := l.Peek(); peek == nil || peek.ID != 2 {
		t.Fatalf("Peek() after remove = %+v, want ID 2", peek)
	}
}

func TestListPeekEmpty(t *testing.T) {
	var l List
	if l.Peek() != nil {
		t.Error("expected Peek() on an empty list to return nil")
	}
}

func TestListActiveCount(t *testing.T) {
	var l List
	op1 := NewOperation(1, PushObject, "c", 1, 0, 0)
	op2 := NewOperation(2, PushObject, "c", 2, 0, 0)
	l.Insert(op1)
	l.Insert(op2)

	if l.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", l.ActiveCount())
	}

	op1.RequestID = 100
	if l.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", l.ActiveCount())
	}
}
