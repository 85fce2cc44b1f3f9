// Package group implements the group-membership engine (spec §4.9, C8):
// invitations, joins, leaves, member propagation, signed add-member
// attestations, and permission updates.
package group

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/twinlife/conversationcore/conv"
	"github.com/twinlife/conversationcore/descriptor"
	"github.com/twinlife/conversationcore/errkind"
	"github.com/twinlife/conversationcore/observer"
	"github.com/twinlife/conversationcore/operation"
	"github.com/twinlife/conversationcore/permission"
	"github.com/twinlife/conversationcore/scheduler"
)

// Member is one participant known to a group conversation.
type Member struct {
	TwincodeID  string
	PublicKey   []byte
	Permissions permission.Mask
	Signed      bool // true once its add-member attestation has been verified
}

// MemberStore persists group membership; the sqlite-backed store package
// implements this for production use.
type MemberStore interface {
	Members(groupID string) ([]Member, error)
	AddMember(groupID string, m Member) error
	RemoveMember(groupID string, twincodeID string) error
	SetPermissions(groupID string, twincodeID string, perms permission.Mask) error
}

// Manager drives group lifecycle operations (spec §4.9).
type Manager struct {
	Engine    *conv.Engine
	Scheduler *scheduler.Scheduler
	Crypto    conv.CryptoService
	Members   MemberStore
	Bus       *observer.Bus
	now       func() int64
}

func New(engine *conv.Engine, sched *scheduler.Scheduler, crypto conv.CryptoService, members MemberStore, bus *observer.Bus) *Manager {
	return &Manager{Engine: engine, Scheduler: sched, Crypto: crypto, Members: members, Bus: bus, now: func() int64 { return time.Now().UnixMilli() }}
}

// Invite creates an InvitationDescriptor on a one-to-one conversation and
// queues INVITE_GROUP (spec §4.9 "Invite").
func (m *Manager) Invite(conversationID, groupID, groupName string) (*descriptor.InvitationDescriptor, error) {
	conversation := m.Engine.Conversation(conversationID)
	if conversation == nil {
		return nil, fmt.Errorf("group: unknown conversation %s", conversationID)
	}
	inv := &descriptor.InvitationDescriptor{
		Env:       descriptor.Envelope{Created: m.now()},
		GroupID:   groupID,
		GroupName: groupName,
		Status:    descriptor.InvitationPending,
	}
	raw, err := operation.MarshalPayload(operation.InvitePayload{GroupID: groupID, GroupName: groupName})
	if err != nil {
		return nil, err
	}
	if _, err := m.Scheduler.Enqueue(conversationID, operation.InviteGroup, inv.Env.DatabaseID, false, raw); err != nil {
		return nil, err
	}
	return inv, nil
}

// HandleInviteReceived implements spec §4.9: if the receiver already
// belongs to the group, auto-accept and queue JOIN_GROUP immediately;
// otherwise publish OnInviteGroupRequest with the invitation. The
// descriptor is not stored here.
func (m *Manager) HandleInviteReceived(conversationID string, inv *descriptor.InvitationDescriptor) error {
	members, err := m.Members.Members(inv.GroupID)
	if err == nil {
		for _, mem := range members {
			if mem.TwincodeID == selfMarker {
				inv.Status = descriptor.InvitationAccepted
				raw, err := operation.MarshalPayload(operation.MembershipPayload{GroupID: inv.GroupID})
				if err != nil {
					return err
				}
				_, err = m.Scheduler.Enqueue(conversationID, operation.JoinGroup, inv.Env.DatabaseID, false, raw)
				return err
			}
		}
	}
	m.Bus.Publish(observer.Event{Type: observer.OnInviteGroupRequest, ConversationID: conversationID, GroupID: inv.GroupID, Data: inv})
	return nil
}

// HandleWithdrawReceived implements spec §4.9 "Withdraw" receive-side: it
// only notifies observers (OnInviteGroup). Neither it nor dispatch changes
// the local invitation descriptor.
func (m *Manager) HandleWithdrawReceived(conversationID, groupID string) error {
	m.Bus.Publish(observer.Event{Type: observer.OnInviteGroup, ConversationID: conversationID, GroupID: groupID})
	return nil
}

// HandleJoinReceived implements spec §4.9 "Join" receive-side for the
// legacy unsigned JOIN_GROUP frame (the signed path is recorded by
// HandleJoinInvocation once its attestation arrives over the invocation
// transport).
func (m *Manager) HandleJoinReceived(conversationID, groupID, memberTwincodeID string) error {
	m.Bus.Publish(observer.Event{Type: observer.OnJoinGroup, ConversationID: conversationID, GroupID: groupID, MemberID: memberTwincodeID})
	return nil
}

// HandleLeaveReceived implements spec §4.9 "Leave" receive-side for the
// legacy unsigned LEAVE_GROUP frame: remove the member and notify
// observers.
func (m *Manager) HandleLeaveReceived(conversationID, groupID, memberTwincodeID string) error {
	if err := m.Members.RemoveMember(groupID, memberTwincodeID); err != nil {
		return errkind.Wrap(errkind.LIBRARY_ERROR, err)
	}
	m.Bus.Publish(observer.Event{Type: observer.OnLeaveGroup, ConversationID: conversationID, GroupID: groupID, MemberID: memberTwincodeID})
	return nil
}

// HandleMemberUpdateReceived implements spec §4.9 "Permissions"/removal
// receive-side broadcast: apply the change to the local member table.
func (m *Manager) HandleMemberUpdateReceived(conversationID, groupID, twincodeID string, perms permission.Mask, removed bool) error {
	if removed {
		if err := m.Members.RemoveMember(groupID, twincodeID); err != nil {
			return errkind.Wrap(errkind.LIBRARY_ERROR, err)
		}
	} else if err := m.Members.SetPermissions(groupID, twincodeID, perms); err != nil {
		return errkind.Wrap(errkind.LIBRARY_ERROR, err)
	}
	m.Bus.Publish(observer.Event{Type: observer.OnJoinGroupResponse, ConversationID: conversationID, GroupID: groupID, MemberID: twincodeID})
	return nil
}

// selfMarker is the sentinel TwincodeID the local member-table implementation
// uses for "us"; a production MemberStore never stores it literally, it is
// here only so HandleInviteReceived can ask "do I already belong".
const selfMarker = "__self__"

// Withdraw marks a still-pending invitation WITHDRAWN and queues
// WITHDRAW_INVITE_GROUP to the invitee; no UPDATE_DESCRIPTOR_TIMESTAMP is
// issued (spec §4.9 "Withdraw").
func (m *Manager) Withdraw(conversationID string, inv *descriptor.InvitationDescriptor) error {
	if inv.Status != descriptor.InvitationPending {
		return errkind.New(errkind.BAD_REQUEST)
	}
	inv.Status = descriptor.InvitationWithdrawn
	raw, err := operation.MarshalPayload(operation.InvitePayload{GroupID: inv.GroupID, GroupName: inv.GroupName})
	if err != nil {
		return err
	}
	_, err = m.Scheduler.Enqueue(conversationID, operation.WithdrawInviteGroup, inv.Env.DatabaseID, false, raw)
	return err
}

// Accept marks a pending invitation ACCEPTED and queues INVOKE_JOIN_GROUP
// toward the inviter, carrying our member identity and public key (spec
// §4.9 "Join"). The inviter's reply (member list + attestation) drives
// QueueAddMember on completion.
func (m *Manager) Accept(conversationID string, inv *descriptor.InvitationDescriptor, selfTwincodeID string, selfPublicKey []byte) error {
	if inv.Status != descriptor.InvitationPending {
		return errkind.New(errkind.BAD_REQUEST)
	}
	inv.Status = descriptor.InvitationAccepted
	raw, err := operation.MarshalPayload(operation.InvocationPayload{
		GroupTwincodeID:  inv.GroupID,
		MemberTwincodeID: selfTwincodeID,
		PublicKey:        selfPublicKey,
		RequestTimestamp: m.now(),
	})
	if err != nil {
		return err
	}
	_, err = m.Scheduler.Enqueue(conversationID, operation.InvokeJoinGroup, inv.Env.DatabaseID, false, raw)
	return err
}

// RegisterInvocationHandlers installs the group manager's secure-invocation
// handlers (spec §4.9, §6.2). conversation-join and conversation-on-join
// share one handler: both carry a signed member attestation the receiver
// verifies before adding the member, and both reply with the other members
// so the sender can close the triangle.
func (m *Manager) RegisterInvocationHandlers(inbound conv.TwincodeInboundService) {
	inbound.RegisterHandler("conversation-join", m.onJoinInvocation)
	inbound.RegisterHandler("conversation-on-join", m.onJoinInvocation)
	inbound.RegisterHandler("conversation-leave", m.onLeaveInvocation)
}

func (m *Manager) onJoinInvocation(ctx context.Context, from string, attrs map[string]any) (map[string]any, error) {
	req := joinRequestFromAttrs(from, attrs)
	others, err := m.HandleJoinInvocation(ctx, req)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(others))
	for _, mem := range others {
		names = append(names, mem.TwincodeID)
	}
	return map[string]any{"members": names}, nil
}

func (m *Manager) onLeaveInvocation(ctx context.Context, from string, attrs map[string]any) (map[string]any, error) {
	groupID, _ := attrs["group-twincode-id"].(string)
	memberID, _ := attrs["member-twincode-id"].(string)
	if memberID == "" {
		memberID = from
	}
	if err := m.HandleLeaveReceived("", groupID, memberID); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// joinRequestFromAttrs decodes the §6.2 attribute bag into a JoinRequest.
// Byte attributes may arrive as raw []byte (in-process transports) or as
// base64 strings (the JSON-framed reference invocation transport).
func joinRequestFromAttrs(from string, attrs map[string]any) JoinRequest {
	req := JoinRequest{NewMemberID: from}
	if v, ok := attrs["group-twincode-id"].(string); ok {
		req.GroupID = v
	}
	if v, ok := attrs["member-twincode-id"].(string); ok && v != "" {
		req.NewMemberID = v
	}
	if v, ok := attrs["signed-off-twincode-id"].(string); ok {
		req.SignerID = v
	}
	switch v := attrs["permissions"].(type) {
	case uint32:
		req.Permissions = permission.Mask(v)
	case int64:
		req.Permissions = permission.Mask(uint32(v))
	case float64:
		req.Permissions = permission.Mask(uint32(v))
	}
	req.NewMemberPublicKey = bytesAttr(attrs["public-key"])
	req.Signature = bytesAttr(attrs["signature"])
	return req
}

func bytesAttr(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		decoded, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil
		}
		return decoded
	default:
		return nil
	}
}

// JoinRequest is the attribute bag carried by the conversation-join secure
// invocation (spec §6.2, §4.9 "Signed add-member").
type JoinRequest struct {
	GroupID            string
	SignerID           string // the inviter
	NewMemberID        string
	NewMemberPublicKey []byte
	Permissions        permission.Mask
	Signature          []byte
}

// signaturePayload is what the inviter signs and what verifiers re-derive:
// sig(groupId, memberId, memberPubKey, permissions) per spec §4.9.
func signaturePayload(req JoinRequest) []byte {
	buf := []byte(req.GroupID + "|" + req.NewMemberID + "|")
	buf = append(buf, req.NewMemberPublicKey...)
	buf = append(buf, byte(req.Permissions))
	return buf
}

// HandleJoinInvocation implements spec §4.9 step 2: an existing member
// receives conversation-join, verifies the inviter's signature against the
// inviter's known public key, then accepts the new member.
func (m *Manager) HandleJoinInvocation(ctx context.Context, req JoinRequest) ([]Member, error) {
	members, err := m.Members.Members(req.GroupID)
	if err != nil {
		return nil, errkind.Wrap(errkind.ITEM_NOT_FOUND, err)
	}
	var signer *Member
	for i := range members {
		if members[i].TwincodeID == req.SignerID {
			signer = &members[i]
			break
		}
	}
	if signer == nil {
		return nil, errkind.New(errkind.NOT_AUTHORIZED_OPERATION)
	}
	if !m.Crypto.Verify(signer.PublicKey, signaturePayload(req), req.Signature) {
		return nil, errkind.New(errkind.NOT_AUTHORIZED_OPERATION)
	}

	newMember := Member{TwincodeID: req.NewMemberID, PublicKey: req.NewMemberPublicKey, Permissions: req.Permissions, Signed: true}
	if err := m.Members.AddMember(req.GroupID, newMember); err != nil {
		return nil, errkind.Wrap(errkind.LIBRARY_ERROR, err)
	}
	m.Bus.Publish(observer.Event{Type: observer.OnJoinGroupRequest, GroupID: req.GroupID, MemberID: req.NewMemberID})

	// Step 3: reply with the other members so the joiner can populate its
	// table and issue its own add-member flows to close the triangle.
	others := make([]Member, 0, len(members))
	for _, mm := range members {
		if mm.TwincodeID != req.NewMemberID {
			others = append(others, mm)
		}
	}
	return others, nil
}

// SignAttestation is used by the inviter (the "signerId") to produce the
// signature a joining member carries in its conversation-join invocation
// (spec §4.9 step 1: "signs an attestation").
func (m *Manager) SignAttestation(signerID string, req JoinRequest) ([]byte, error) {
	return m.Crypto.Sign(signerID, signaturePayload(req))
}

// QueueAddMember issues INVOKE_ADD_MEMBER operations to every existing
// member the joiner does not already know, carrying the inviter's signed
// attestation so each recipient can verify it against its own record of the
// signer's public key before accepting the new member (spec §4.9 "Join",
// end of the flow; §6.2 invocation attribute names).
func (m *Manager) QueueAddMember(conversationID, groupID, signerID string, signature []byte, newMember Member, members []Member) error {
	for _, mem := range members {
		raw, err := operation.MarshalPayload(operation.InvocationPayload{
			GroupTwincodeID:     groupID,
			MemberTwincodeID:    newMember.TwincodeID,
			SignedOffTwincodeID: signerID,
			Permissions:         uint32(newMember.Permissions),
			PublicKey:           newMember.PublicKey,
			Signature:           signature,
			RequestTimestamp:    m.now(),
		})
		if err != nil {
			return err
		}
		if _, err := m.Scheduler.Enqueue(conversationID, operation.InvokeAddMember, 0, false, raw); err != nil {
			return err
		}
		log.Printf("[group] queued add-member for %s on %s", mem.TwincodeID, conversationID)
	}
	return nil
}

// Leave implements spec §4.9 "Leave": issue INVOKE_LEAVE_GROUP (or legacy
// LEAVE_GROUP if the member is unsigned) to every known member including
// the one being removed. If self is leaving, an OnRevoked event for the
// group is published first; no media or invitation is changed here.
func (m *Manager) Leave(conversationID, groupID string, selfTwincodeID string, self bool) error {
	members, err := m.Members.Members(groupID)
	if err != nil {
		return errkind.Wrap(errkind.ITEM_NOT_FOUND, err)
	}
	if self {
		m.revokeSentMediaAndInvitations(groupID)
	}
	for _, mem := range members {
		typ := operation.InvokeLeaveGroup
		var raw []byte
		var err error
		if mem.Signed {
			raw, err = operation.MarshalPayload(operation.InvocationPayload{
				GroupTwincodeID:  groupID,
				MemberTwincodeID: selfTwincodeID,
				RequestTimestamp: m.now(),
			})
		} else {
			typ = operation.LeaveGroup
			raw, err = operation.MarshalPayload(operation.MembershipPayload{GroupID: groupID, TwincodeID: selfTwincodeID})
		}
		if err != nil {
			return err
		}
		if _, err := m.Scheduler.Enqueue(conversationID, typ, 0, false, raw); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) revokeSentMediaAndInvitations(groupID string) {
	m.Bus.Publish(observer.Event{Type: observer.OnRevoked, GroupID: groupID})
}

// FinishLeave does nothing and returns nil: it does not delete the local
// group conversation or its files (spec §4.9, §8 invariant 8).
func (m *Manager) FinishLeave(conversationID string) error {
	return nil // conversation deletion is the caller's (Engine + ServiceProvider) responsibility
}

// Kick removes a member without requiring their own acknowledgement
// (supplemented feature; SPEC_FULL.md §4.9). Requires UPDATE_MEMBER
// permission on the caller.
func (m *Manager) Kick(conversationID, groupID, targetTwincodeID string, callerPerms permission.Mask) error {
	if !callerPerms.Allows(permission.UpdateMember) {
		return errkind.New(errkind.NO_PERMISSION)
	}
	kickRaw, err := operation.MarshalPayload(operation.InvocationPayload{
		GroupTwincodeID:  groupID,
		MemberTwincodeID: targetTwincodeID,
		RequestTimestamp: m.now(),
	})
	if err != nil {
		return err
	}
	if _, err := m.Scheduler.Enqueue(conversationID, operation.InvokeLeaveGroup, 0, false, kickRaw); err != nil {
		return err
	}
	if err := m.Members.RemoveMember(groupID, targetTwincodeID); err != nil {
		return errkind.Wrap(errkind.LIBRARY_ERROR, err)
	}
	members, _ := m.Members.Members(groupID)
	for range members {
		raw, err := operation.MarshalPayload(operation.MembershipPayload{GroupID: groupID, TwincodeID: targetTwincodeID, Removed: true})
		if err != nil {
			return err
		}
		if _, err := m.Scheduler.Enqueue(conversationID, operation.UpdateGroupMember, 0, true, raw); err != nil {
			return err
		}
	}
	m.Bus.Publish(observer.Event{Type: observer.OnLeaveGroup, ConversationID: conversationID, GroupID: groupID, MemberID: targetTwincodeID})
	return nil
}

// SetPermissions checks UPDATE_MEMBER, persists, and queues one
// UPDATE_GROUP_MEMBER per known member (spec §4.9 "Permissions").
func (m *Manager) SetPermissions(conversationID, groupID, targetTwincodeID string, perms permission.Mask, callerPerms permission.Mask) error {
	if !callerPerms.Allows(permission.UpdateMember) {
		return errkind.New(errkind.NO_PERMISSION)
	}
	if err := m.Members.SetPermissions(groupID, targetTwincodeID, perms); err != nil {
		return errkind.Wrap(errkind.LIBRARY_ERROR, err)
	}
	members, err := m.Members.Members(groupID)
	if err != nil {
		return errkind.Wrap(errkind.ITEM_NOT_FOUND, err)
	}
	for range members {
		raw, err := operation.MarshalPayload(operation.MembershipPayload{GroupID: groupID, TwincodeID: targetTwincodeID, Permissions: uint32(perms)})
		if err != nil {
			return err
		}
		if _, err := m.Scheduler.Enqueue(conversationID, operation.UpdateGroupMember, 0, true, raw); err != nil {
			return err
		}
	}
	return nil
}
