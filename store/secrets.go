package store

import (
	"crypto/rand"
	"database/sql"
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/twinlife/conversationcore/keysync"
)

// SecretStore is the sqlite-backed keysync.SecretStore, sharing Store's
// database and migrations.
type SecretStore struct {
	db *sql.DB
}

var _ keysync.SecretStore = (*SecretStore)(nil)

func (s *Store) Secrets() *SecretStore { return &SecretStore{db: s.db} }

func (s *SecretStore) StorePeerPublicKey(peerTwincodeID string, publicKey []byte) error {
	_, err := s.db.Exec(`INSERT INTO peer_keys(peer_twincode_id, public_key) VALUES (?, ?)
		ON CONFLICT(peer_twincode_id) DO UPDATE SET public_key=excluded.public_key`, peerTwincodeID, publicKey)
	if err != nil {
		return fmt.Errorf("store: store peer public key for %s: %w", peerTwincodeID, err)
	}
	return nil
}

func (s *SecretStore) StorePeerSecret(peerTwincodeID string, secret []byte) error {
	_, err := s.db.Exec(`INSERT INTO peer_secrets(peer_twincode_id, secret) VALUES (?, ?)
		ON CONFLICT(peer_twincode_id) DO UPDATE SET secret=excluded.secret`, peerTwincodeID, secret)
	if err != nil {
		return fmt.Errorf("store: store peer secret for %s: %w", peerTwincodeID, err)
	}
	return nil
}

func (s *SecretStore) PeerSecret(peerTwincodeID string) ([]byte, error) {
	row := s.db.QueryRow(`SELECT secret FROM peer_secrets WHERE peer_twincode_id = ?`, peerTwincodeID)
	var secret []byte
	if err := row.Scan(&secret); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load peer secret for %s: %w", peerTwincodeID, err)
	}
	return secret, nil
}

func (s *SecretStore) LocalSecret(peerTwincodeID string) (secret []byte, publicKey []byte, err error) {
	row := s.db.QueryRow(`SELECT secret, public_key FROM local_secrets WHERE peer_twincode_id = ?`, peerTwincodeID)
	if err := row.Scan(&secret, &publicKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("store: load local secret for %s: %w", peerTwincodeID, err)
	}
	return secret, publicKey, nil
}

// CreateLocalSecret generates a fresh ed25519 keypair and a random 32-byte
// secret for a new peer relationship (spec §4.6 "Phase 1... creating one if
// we don't have one yet"), persisting both under the same row.
func (s *SecretStore) CreateLocalSecret(peerTwincodeID string) (secret []byte, publicKey []byte, err error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("store: generate keypair: %w", err)
	}
	secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, fmt.Errorf("store: generate secret: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO local_secrets(peer_twincode_id, secret, public_key) VALUES (?, ?, ?)
		ON CONFLICT(peer_twincode_id) DO UPDATE SET secret=excluded.secret, public_key=excluded.public_key`,
		peerTwincodeID, secret, []byte(pub))
	if err != nil {
		return nil, nil, fmt.Errorf("store: persist local secret for %s: %w", peerTwincodeID, err)
	}
	return secret, []byte(pub), nil
}
