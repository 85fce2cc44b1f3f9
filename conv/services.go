// Package conv implements the per-peer connection state machine (spec §4.4)
// and the Conversation/Engine types that own it. The heavier collaborators
// named in spec §1 (crypto, transport/SDP/ICE, twincode directory,
// persistent store) are consumed only through the interfaces below; no
// production implementation of them lives in this module (reference/test
// adapters live under internal/refimpl).
package conv

import "context"

// TerminateReason explains why a connection direction closed (spec §4.4).
type TerminateReason int

const (
	TerminateSuccess TerminateReason = iota
	TerminateGone
	TerminateBusy
	TerminateDisconnected
	TerminateConnectivityError
	TerminateTimeout
	TerminateNotAuthorized
	TerminateRevoked
	TerminateExpired
)

// PeerConnectionService is the abstract data-channel transport (WebRTC data
// channels in the original system). The core only ever sees "open a
// session toward this peer", "write a frame", and "a frame arrived" —
// SDP/ICE negotiation is entirely behind this boundary.
type PeerConnectionService interface {
	// OpenOutgoing asks the transport to establish an outgoing session
	// toward the conversation's peer identity. Completion is reported
	// asynchronously by the transport through callbacks of its own; the
	// Engine has no completion callback.
	OpenOutgoing(ctx context.Context, conversationID string) (peerConnectionID string, err error)
	// Write sends one already-framed byte buffer on the given session.
	Write(peerConnectionID string, frame []byte) error
	// Terminate tears down a session for the given reason.
	Terminate(peerConnectionID string, reason TerminateReason)
}

// CryptoService is the abstract sign/verify/derive/validate capability
// (spec §1). The key-sync handler and the group manager's signed-attestation
// flow consume it; this module never touches raw key material.
type CryptoService interface {
	Sign(signerID string, data []byte) (signature []byte, err error)
	Verify(signerPublicKey []byte, data, signature []byte) bool
	DeriveSecret(localPublicKey, peerPublicKey []byte) (secret []byte, err error)
	// ValidateSecrets activates a (local, peer) secret pair for encrypting
	// session offers once key-sync has completed (spec §4.6).
	ValidateSecrets(localSecretID, peerSecretID string) error
}

// TwincodeOutboundService sends a secure invocation (out-of-band, encrypted
// message to a twincode, independent of any P2P channel; spec §1, §6.2).
type TwincodeOutboundService interface {
	Invoke(ctx context.Context, targetTwincodeID string, action string, attrs map[string]any) (reply map[string]any, err error)
}

// TwincodeInboundService delivers an inbound secure invocation to the
// handler registered for its action name.
type TwincodeInboundService interface {
	RegisterHandler(action string, handler func(ctx context.Context, from string, attrs map[string]any) (reply map[string]any, err error))
}

// ServiceProvider is the persistent store for conversations, descriptors,
// operations, and annotations (spec §1, §6.3). Concrete storage engines
// (the sqlite-backed implementation in package store) satisfy this.
type ServiceProvider interface {
	SaveConversation(c *Conversation) error
	LoadConversation(id string) (*Conversation, error)
	DeleteConversation(id string) error

	SaveOperation(conversationID string, raw []byte) (id int64, err error)
	DeleteOperation(id int64) error
	LoadPendingOperations(conversationID string) ([][]byte, error)

	// InsertOrUpdateDescriptor must be idempotent on (twincodeOutboundId,
	// sequenceId): a duplicate delivery returns StatusIgnored, never a
	// second StatusStored (spec §4.7, §8 invariant 2).
	InsertOrUpdateDescriptor(conversationID string, twincodeOutboundID string, sequenceID int64, raw []byte) (DescriptorStatus, error)
	DeleteDescriptors(conversationID string, uptoSequenceID int64, twincodeOutboundID string) error

	// UpdateDescriptorContent replaces a descriptor's stored content, for
	// UPDATE_OBJECT (spec §4.7). Unlike InsertOrUpdateDescriptor, a missing
	// row is not an error's concern of the caller: implementations report
	// it via the returned bool.
	UpdateDescriptorContent(twincodeOutboundID string, sequenceID int64, raw []byte) (found bool, err error)
	// UpdateDescriptorTimestamp sets one timestamp column (sent/read/
	// peerDeleted/deleted) on a stored descriptor (spec §4.7
	// UPDATE_DESCRIPTOR_TIMESTAMP, §4.5 "Completion").
	UpdateDescriptorTimestamp(twincodeOutboundID string, sequenceID int64, phase string, value int64) (found bool, err error)
	// SetAnnotation upserts one (descriptorId, annotatorTwincodeId, type)
	// annotation row, resolving the descriptor by its (senderTwincodeOutboundID,
	// sequenceID) identity (spec §4.7 UPDATE_ANNOTATIONS, §6.3 annotations
	// table).
	SetAnnotation(senderTwincodeOutboundID string, sequenceID int64, annotatorTwincodeID, annotationType, value string) error
}

// DescriptorStatus is the result of InsertOrUpdateDescriptor (spec §4.7).
type DescriptorStatus int

const (
	StatusStored DescriptorStatus = iota
	StatusIgnored
	StatusError
)
