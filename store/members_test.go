package store

import (
	"testing"

	"github.com/twinlife/conversationcore/group"
	"github.com/twinlife/conversationcore/permission"
)

func TestMemberStoreAddListRemove(t *testing.T) {
	s := newMemStore(t)
	members := s.Members()

	mem := group.Member{TwincodeID: "member-1", PublicKey: []byte("pub"), Permissions: permission.Default, Signed: true}
	if err := members.AddMember("group-1", mem); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	list, err := members.Members("group-1")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
	if list[0].TwincodeID != "member-1" || !list[0].Signed {
		t.Errorf("unexpected member: %+v", list[0])
	}

	if err := members.RemoveMember("group-1", "member-1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	list, err = members.Members("group-1")
	if err != nil {
		t.Fatalf("Members after remove: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no members after remove, got %d", len(list))
	}
}

func TestMemberStoreSetPermissions(t *testing.T) {
	s := newMemStore(t)
	members := s.Members()

	mem := group.Member{TwincodeID: "member-1", Permissions: permission.Default}
	if err := members.AddMember("group-1", mem); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	if err := members.SetPermissions("group-1", "member-1", permission.Mask(0)); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}

	list, err := members.Members("group-1")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(list) != 1 || list[0].Permissions != permission.Mask(0) {
		t.Errorf("permissions not updated: %+v", list)
	}
}

func TestMemberStoreSetPermissionsMissingMember(t *testing.T) {
	s := newMemStore(t)
	members := s.Members()

	if err := members.SetPermissions("group-1", "nobody", permission.Default); err == nil {
		t.Error("expected error setting permissions for a missing member")
	}
}
