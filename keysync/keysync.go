// Package keysync implements the three-step refresh-secret protocol that
// bootstraps end-to-end encryption between peers who do not yet share
// trust (spec §4.6, C6).
package keysync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/twinlife/conversationcore/conv"
	"github.com/twinlife/conversationcore/errkind"
	"github.com/twinlife/conversationcore/observer"
)

// SecretStore persists the local/peer public keys and secrets the key-sync
// handshake exchanges. A production implementation backs onto the same
// store.ServiceProvider-adjacent storage as the rest of the core; tests use
// an in-memory map.
type SecretStore interface {
	StorePeerPublicKey(peerTwincodeID string, publicKey []byte) error
	StorePeerSecret(peerTwincodeID string, secret []byte) error
	PeerSecret(peerTwincodeID string) (secret []byte, err error)
	LocalSecret(peerTwincodeID string) (secret []byte, publicKey []byte, err error)
	CreateLocalSecret(peerTwincodeID string) (secret []byte, publicKey []byte, err error)
}

// Handler drives the key-sync state machine for one engine (spec §4.6).
type Handler struct {
	Crypto   conv.CryptoService
	Outbound conv.TwincodeOutboundService
	Inbound  conv.TwincodeInboundService
	Secrets  SecretStore
	Bus      *observer.Bus
	now      func() time.Time

	startedMu sync.Mutex
	started   map[string]time.Time // peerTwincodeID -> NeedSecret start, for the completion telemetry
}

func New(crypto conv.CryptoService, outbound conv.TwincodeOutboundService, inbound conv.TwincodeInboundService, secrets SecretStore, bus *observer.Bus) *Handler {
	h := &Handler{Crypto: crypto, Outbound: outbound, Inbound: inbound, Secrets: secrets, Bus: bus, now: time.Now, started: make(map[string]time.Time)}
	if inbound != nil {
		inbound.RegisterHandler("refresh-secret", h.onRefreshSecretInvocation)
		inbound.RegisterHandler("on-refresh-secret", h.onOnRefreshSecretInvocation)
		inbound.RegisterHandler("validate-secret", h.onValidateSecretInvocation)
	}
	return h
}

// NeedSecret is invoked by the side attempting an outgoing P2P connection
// on one of: failed decrypt, missing peer public key, missing private
// key, or a NOT_ENCRYPTED refusal (spec §4.6). Only one side (the
// outgoing-attempt initiator) calls this.
func (h *Handler) NeedSecret(ctx context.Context, peerTwincodeID string) error {
	h.startedMu.Lock()
	h.started[peerTwincodeID] = h.now()
	h.startedMu.Unlock()
	reply, err := h.Outbound.Invoke(ctx, peerTwincodeID, "conversation-need-secret", nil)
	if err != nil {
		return h.maybeOffline(err)
	}
	return h.handleRefreshSecretReply(ctx, peerTwincodeID, reply)
}

// handleRefreshSecretReply is Phase 1: the initiator receives refresh-secret
// with the peer's public key and a fresh secret, validates and stores it,
// then invokes on-refresh-secret carrying our own secret (creating one if
// we don't have one yet), flagged SEND_SECRET.
func (h *Handler) handleRefreshSecretReply(ctx context.Context, peerTwincodeID string, attrs map[string]any) error {
	peerPublicKey, _ := attrs["public-key"].([]byte)
	peerSecret, _ := attrs["secret"].([]byte)
	if peerPublicKey == nil || peerSecret == nil {
		return errkind.New(errkind.NO_PUBLIC_KEY)
	}
	if err := h.Secrets.StorePeerPublicKey(peerTwincodeID, peerPublicKey); err != nil {
		return errkind.Wrap(errkind.LIBRARY_ERROR, err)
	}
	if err := h.Secrets.StorePeerSecret(peerTwincodeID, peerSecret); err != nil {
		return errkind.Wrap(errkind.LIBRARY_ERROR, err)
	}

	ourSecret, ourPublicKey, err := h.Secrets.LocalSecret(peerTwincodeID)
	if err != nil || ourSecret == nil {
		ourSecret, ourPublicKey, err = h.Secrets.CreateLocalSecret(peerTwincodeID)
		if err != nil {
			return errkind.Wrap(errkind.NO_SECRET_KEY, err)
		}
	}

	_, err = h.Outbound.Invoke(ctx, peerTwincodeID, "on-refresh-secret", map[string]any{
		"public-key":  ourPublicKey,
		"secret":      ourSecret,
		"send-secret": true,
	})
	if err != nil {
		return h.maybeOffline(err)
	}

	// Phase 3 completes asynchronously when the peer's validate-secret
	// invocation arrives (onValidateSecretInvocation); the duration
	// telemetry is emitted there.
	h.Bus.Publish(observer.Event{Type: observer.OnSignatureInfo, Data: map[string]any{"phase": "on-refresh-secret-sent", "peer": peerTwincodeID}})
	return nil
}

// onRefreshSecretInvocation answers a peer's conversation-need-secret by
// sending our public key and a fresh secret (Phase 1 from the responder's
// perspective — the responder of conversation-need-secret sends
// refresh-secret back out-of-band; modeled here as the inbound handler for
// a directly-named "refresh-secret" action for symmetry with the other two
// phases).
func (h *Handler) onRefreshSecretInvocation(ctx context.Context, from string, attrs map[string]any) (map[string]any, error) {
	secret, publicKey, err := h.Secrets.LocalSecret(from)
	if err != nil || secret == nil {
		secret, publicKey, err = h.Secrets.CreateLocalSecret(from)
		if err != nil {
			return nil, errkind.Wrap(errkind.NO_SECRET_KEY, err)
		}
	}
	return map[string]any{"public-key": publicKey, "secret": secret}, nil
}

// onOnRefreshSecretInvocation is Phase 2: the other side receives
// on-refresh-secret with the initiator's public key and secret, validates,
// stores, activates the pair for encryption, then invokes validate-secret
// (no secret payload).
func (h *Handler) onOnRefreshSecretInvocation(ctx context.Context, from string, attrs map[string]any) (map[string]any, error) {
	peerPublicKey, _ := attrs["public-key"].([]byte)
	peerSecret, _ := attrs["secret"].([]byte)
	if peerPublicKey == nil || peerSecret == nil {
		return nil, errkind.New(errkind.NO_PUBLIC_KEY)
	}
	if err := h.Secrets.StorePeerPublicKey(from, peerPublicKey); err != nil {
		return nil, errkind.Wrap(errkind.LIBRARY_ERROR, err)
	}
	if err := h.Secrets.StorePeerSecret(from, peerSecret); err != nil {
		return nil, errkind.Wrap(errkind.LIBRARY_ERROR, err)
	}
	ourSecret, _, err := h.Secrets.LocalSecret(from)
	if err != nil {
		return nil, errkind.Wrap(errkind.NO_SECRET_KEY, err)
	}
	if err := h.Crypto.ValidateSecrets(secretID(ourSecret), secretID(peerSecret)); err != nil {
		return nil, errkind.Wrap(errkind.LIBRARY_ERROR, err)
	}

	go func() {
		ctx := context.Background()
		if _, err := h.Outbound.Invoke(ctx, from, "validate-secret", nil); err != nil {
			log.Printf("[keysync] validate-secret invoke: %v", err)
		}
	}()
	return map[string]any{}, nil
}

// onValidateSecretInvocation is Phase 3: the initiator receives
// validate-secret, activates the pair on its own side, and emits telemetry
// with the total elapsed time (spec §4.6).
func (h *Handler) onValidateSecretInvocation(ctx context.Context, from string, attrs map[string]any) (map[string]any, error) {
	ourSecret, _, err := h.Secrets.LocalSecret(from)
	if err != nil {
		return nil, errkind.Wrap(errkind.NO_SECRET_KEY, err)
	}
	peerSecret, err := h.Secrets.PeerSecret(from)
	if err != nil {
		return nil, errkind.Wrap(errkind.NO_SECRET_KEY, err)
	}
	if peerSecret == nil {
		return nil, errkind.New(errkind.NO_SECRET_KEY)
	}
	if err := h.Crypto.ValidateSecrets(secretID(ourSecret), secretID(peerSecret)); err != nil {
		return nil, errkind.Wrap(errkind.LIBRARY_ERROR, err)
	}

	h.startedMu.Lock()
	started, tracked := h.started[from]
	delete(h.started, from)
	h.startedMu.Unlock()
	var elapsed time.Duration
	if tracked {
		elapsed = h.now().Sub(started)
	}
	h.Bus.Publish(observer.Event{Type: observer.OnSignatureInfo, Data: map[string]any{"phase": "complete", "peer": from, "duration": elapsed}})
	return map[string]any{}, nil
}

// maybeOffline implements spec §7: TWILIFE_OFFLINE is never surfaced; the
// caller must not acknowledge so the invocation transport redelivers on
// reconnect. We signal that by returning the Kind so the caller of
// NeedSecret can decide not to ack whatever triggered it.
func (h *Handler) maybeOffline(err error) error {
	if ke, ok := err.(*errkind.Error); ok && ke.Kind == errkind.TWINLIFE_OFFLINE {
		return ke
	}
	return errkind.Wrap(errkind.SERVICE_UNAVAILABLE, err)
}

func secretID(secret []byte) string {
	return fmt.Sprintf("%x", secret)
}
