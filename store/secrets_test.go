package store

import (
	"bytes"
	"testing"
)

func TestSecretStorePeerKeyAndSecretRoundTrip(t *testing.T) {
	s := newMemStore(t)
	secrets := s.Secrets()

	pub := []byte("peer-public-key")
	if err := secrets.StorePeerPublicKey("peer-1", pub); err != nil {
		t.Fatalf("StorePeerPublicKey: %v", err)
	}
	sec := []byte("peer-secret")
	if err := secrets.StorePeerSecret("peer-1", sec); err != nil {
		t.Fatalf("StorePeerSecret: %v", err)
	}

	loaded, err := secrets.PeerSecret("peer-1")
	if err != nil {
		t.Fatalf("PeerSecret: %v", err)
	}
	if !bytes.Equal(loaded, sec) {
		t.Errorf("peer secret = %q, want %q", loaded, sec)
	}

	// Overwrite both to confirm upsert semantics.
	if err := secrets.StorePeerPublicKey("peer-1", []byte("updated-key")); err != nil {
		t.Fatalf("StorePeerPublicKey overwrite: %v", err)
	}
	if err := secrets.StorePeerSecret("peer-1", []byte("updated-secret")); err != nil {
		t.Fatalf("StorePeerSecret overwrite: %v", err)
	}

	var key []byte
	row := s.db.QueryRow(`SELECT public_key FROM peer_keys WHERE peer_twincode_id = ?`, "peer-1")
	if err := row.Scan(&key); err != nil {
		t.Fatalf("scan public key: %v", err)
	}
	if !bytes.Equal(key, []byte("updated-key")) {
		t.Errorf("public key = %q, want updated-key", key)
	}
	loaded, err = secrets.PeerSecret("peer-1")
	if err != nil {
		t.Fatalf("PeerSecret after overwrite: %v", err)
	}
	if !bytes.Equal(loaded, []byte("updated-secret")) {
		t.Errorf("peer secret after overwrite = %q, want updated-secret", loaded)
	}
}

func TestSecretStorePeerSecretMissing(t *testing.T) {
	s := newMemStore(t)
	secrets := s.Secrets()

	loaded, err := secrets.PeerSecret("nobody")
	if err != nil {
		t.Fatalf("PeerSecret: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for a peer with no stored secret, got %q", loaded)
	}
}

func TestSecretStoreCreateAndLoadLocalSecret(t *testing.T) {
	s := newMemStore(t)
	secrets := s.Secrets()

	secret, pub, err := secrets.LocalSecret("peer-1")
	if err != nil {
		t.Fatalf("LocalSecret before create: %v", err)
	}
	if secret != nil || pub != nil {
		t.Fatalf("expected no local secret yet, got secret=%v pub=%v", secret, pub)
	}

	secret, pub, err = secrets.CreateLocalSecret("peer-1")
	if err != nil {
		t.Fatalf("CreateLocalSecret: %v", err)
	}
	if len(secret) != 32 {
		t.Errorf("len(secret) = %d, want 32", len(secret))
	}
	if len(pub) == 0 {
		t.Error("expected non-empty public key")
	}

	loadedSecret, loadedPub, err := secrets.LocalSecret("peer-1")
	if err != nil {
		t.Fatalf("LocalSecret after create: %v", err)
	}
	if !bytes.Equal(loadedSecret, secret) {
		t.Errorf("reloaded secret mismatch")
	}
	if !bytes.Equal(loadedPub, pub) {
		t.Errorf("reloaded public key mismatch")
	}
}
