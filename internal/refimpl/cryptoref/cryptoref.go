// Package cryptoref is a reference conv.CryptoService built on
// golang.org/x/crypto: ed25519 signatures for group attestations (spec
// §4.9) and HKDF for the key-sync shared-secret derivation (spec §4.6).
package cryptoref

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/twinlife/conversationcore/conv"
)

// KeyStore resolves a local signer's private key by id. A production
// implementation backs this with secure local storage; the reference
// implementation here keeps an in-memory map.
type KeyStore interface {
	PrivateKey(signerID string) (ed25519.PrivateKey, error)
}

// MapKeyStore is an in-memory KeyStore, adequate for tests and the
// reference daemon.
type MapKeyStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

func NewMapKeyStore() *MapKeyStore { return &MapKeyStore{keys: make(map[string]ed25519.PrivateKey)} }

func (m *MapKeyStore) Put(signerID string, key ed25519.PrivateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[signerID] = key
}

func (m *MapKeyStore) PrivateKey(signerID string) (ed25519.PrivateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[signerID]
	if !ok {
		return nil, fmt.Errorf("cryptoref: no private key for %s", signerID)
	}
	return key, nil
}

// Service implements conv.CryptoService.
type Service struct {
	Keys KeyStore

	mu      sync.Mutex
	active  map[string]bool // secretID pairs validated by ValidateSecrets
}

var _ conv.CryptoService = (*Service)(nil)

func New(keys KeyStore) *Service {
	return &Service{Keys: keys, active: make(map[string]bool)}
}

func (s *Service) Sign(signerID string, data []byte) ([]byte, error) {
	key, err := s.Keys.PrivateKey(signerID)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, data), nil
}

func (s *Service) Verify(signerPublicKey []byte, data, signature []byte) bool {
	if len(signerPublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signerPublicKey), data, signature)
}

// DeriveSecret runs HKDF-SHA256 over the concatenation of both public keys,
// producing a 32-byte shared secret (spec §4.6 "derive" capability).
func (s *Service) DeriveSecret(localPublicKey, peerPublicKey []byte) ([]byte, error) {
	ikm := append(append([]byte{}, localPublicKey...), peerPublicKey...)
	kdf := hkdf.New(sha256.New, ikm, nil, []byte("conversationcore/key-sync"))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(kdf, secret); err != nil {
		return nil, fmt.Errorf("cryptoref: derive secret: %w", err)
	}
	return secret, nil
}

// ValidateSecrets marks a (local, peer) secret pair active for encrypting
// session offers (spec §4.6 phase 2/3). The reference implementation just
// tracks which pairs have been validated; a production implementation
// would install the derived key into the transport's encryption layer.
func (s *Service) ValidateSecrets(localSecretID, peerSecretID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[localSecretID+"|"+peerSecretID] = true
	return nil
}

// IsValidated reports whether a given pair was previously validated. No
// test or endpoint in this module calls it.
func (s *Service) IsValidated(localSecretID, peerSecretID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[localSecretID+"|"+peerSecretID]
}
