// Package store provides persistent conversation-core state backed by an
// embedded SQLite database. It owns the database lifecycle and implements
// conv.ServiceProvider for the rest of the engine.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/twinlife/conversationcore/conv"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — conversations (spec §6.3)
	`CREATE TABLE IF NOT EXISTS conversations (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id   TEXT NOT NULL UNIQUE,
		kind              INTEGER NOT NULL,
		local_inbound     TEXT NOT NULL DEFAULT '',
		local_outbound    TEXT NOT NULL DEFAULT '',
		peer_outbound     TEXT NOT NULL DEFAULT '',
		peer_resource_id  TEXT NOT NULL DEFAULT '',
		permissions       INTEGER NOT NULL DEFAULT 0,
		join_permissions  INTEGER NOT NULL DEFAULT 0,
		is_active         INTEGER NOT NULL DEFAULT 0,
		last_touch        INTEGER NOT NULL DEFAULT 0,
		backoff_delay_ms  INTEGER NOT NULL DEFAULT 0
	)`,
	// v2 — descriptors
	`CREATE TABLE IF NOT EXISTS descriptors (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id       TEXT NOT NULL,
		kind                  INTEGER NOT NULL,
		sender_twincode_id    TEXT NOT NULL,
		sequence_id           INTEGER NOT NULL,
		created_ts            INTEGER NOT NULL DEFAULT 0,
		sent_ts               INTEGER NOT NULL DEFAULT 0,
		received_ts           INTEGER NOT NULL DEFAULT 0,
		read_ts               INTEGER NOT NULL DEFAULT 0,
		value                 INTEGER NOT NULL DEFAULT 0,
		content               BLOB,
		UNIQUE(sender_twincode_id, sequence_id)
	)`,
	// v3 — operations
	`CREATE TABLE IF NOT EXISTS operations (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id   TEXT NOT NULL,
		created_ts        INTEGER NOT NULL DEFAULT 0,
		payload           BLOB
	)`,
	// v4 — annotations
	`CREATE TABLE IF NOT EXISTS annotations (
		descriptor_id       INTEGER NOT NULL,
		twincode_outbound_id TEXT NOT NULL,
		type                TEXT NOT NULL,
		value               TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (descriptor_id, twincode_outbound_id, type)
	)`,
	// v5 — group members
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id     TEXT NOT NULL,
		twincode_id  TEXT NOT NULL,
		public_key   BLOB,
		permissions  INTEGER NOT NULL DEFAULT 0,
		signed       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (group_id, twincode_id)
	)`,
	// v6, v7 — indexes
	`CREATE INDEX IF NOT EXISTS idx_descriptors_conversation ON descriptors(conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_operations_conversation ON operations(conversation_id)`,
	// v8 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
	// v9–v11 — key-sync secrets (spec §4.6)
	`CREATE TABLE IF NOT EXISTS peer_keys (
		peer_twincode_id TEXT PRIMARY KEY,
		public_key       BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS peer_secrets (
		peer_twincode_id TEXT PRIMARY KEY,
		secret           BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS local_secrets (
		peer_twincode_id TEXT PRIMARY KEY,
		secret           BLOB,
		public_key       BLOB
	)`,
}

// Store wraps a SQLite database and implements conv.ServiceProvider.
type Store struct {
	db *sql.DB
}

var _ conv.ServiceProvider = (*Store)(nil)

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var current int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	for i := current; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("store: apply migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("store: record migration v%d: %w", i+1, err)
		}
	}
	log.Printf("[store] schema at version %d", len(migrations))
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// conversationRow holds the fields SaveConversation writes as SQL columns
// of the spec §6.3 conversations table (kept minimal:
// persistence of the full conv.Conversation struct is out of this store's
// concern — callers own serialization of their own richer types).
type conversationRow struct {
	ID                     string `json:"id"`
	Kind                   int    `json:"kind"`
	LocalInbound           string `json:"localInbound"`
	LocalOutbound          string `json:"localOutbound"`
	PeerOutboundTwincodeID string `json:"peerOutboundTwincodeId"`
	Permissions            uint32 `json:"permissions"`
}

func (s *Store) SaveConversation(c *conv.Conversation) error {
	row := conversationRow{
		ID: c.ID, Kind: int(c.Kind),
		LocalInbound: c.Local.InboundTwincodeID, LocalOutbound: c.Local.OutboundTwincodeID,
		PeerOutboundTwincodeID: c.PeerOutboundTwincodeID,
		Permissions:            uint32(c.Permissions),
	}
	_, err := s.db.Exec(`INSERT INTO conversations(conversation_id, kind, local_inbound, local_outbound, peer_outbound, permissions, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET kind=excluded.kind, peer_outbound=excluded.peer_outbound, permissions=excluded.permissions, is_active=excluded.is_active`,
		row.ID, row.Kind, row.LocalInbound, row.LocalOutbound, row.PeerOutboundTwincodeID, row.Permissions, boolToInt(c.IsActive()))
	if err != nil {
		return fmt.Errorf("store: save conversation %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) LoadConversation(id string) (*conv.Conversation, error) {
	row := s.db.QueryRow(`SELECT kind, local_inbound, local_outbound, peer_outbound, permissions FROM conversations WHERE conversation_id = ?`, id)
	var kind int
	var localInbound, localOutbound, peerOutbound string
	var perms uint32
	if err := row.Scan(&kind, &localInbound, &localOutbound, &peerOutbound, &perms); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load conversation %s: %w", id, err)
	}
	c := conv.NewConversation(id, conv.Kind(kind), conv.Identity{InboundTwincodeID: localInbound, OutboundTwincodeID: localOutbound}, peerOutbound)
	return c, nil
}

func (s *Store) DeleteConversation(id string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete conversation %s: %w", id, err)
	}
	_, _ = s.db.Exec(`DELETE FROM operations WHERE conversation_id = ?`, id)
	_, _ = s.db.Exec(`DELETE FROM descriptors WHERE conversation_id = ?`, id)
	return nil
}

// SaveOperation stores an operation's opaque payload before any execution
// attempt (spec §4.5 invariant: "every operation is durably stored before
// any attempt to execute it").
func (s *Store) SaveOperation(conversationID string, raw []byte) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO operations(conversation_id, created_ts, payload) VALUES (?, ?, ?)`, conversationID, nowMillis(), raw)
	if err != nil {
		return 0, fmt.Errorf("store: save operation on %s: %w", conversationID, err)
	}
	return res.LastInsertId()
}

func (s *Store) DeleteOperation(id int64) error {
	_, err := s.db.Exec(`DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete operation %d: %w", id, err)
	}
	return nil
}

func (s *Store) LoadPendingOperations(conversationID string) ([][]byte, error) {
	rows, err := s.db.Query(`SELECT payload FROM operations WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: load pending operations for %s: %w", conversationID, err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

// InsertOrUpdateDescriptor is idempotent on (twincodeOutboundId,
// sequenceId): the UNIQUE constraint makes a duplicate delivery a no-op
// insert, distinguished from a fresh insert via the affected-rows count
// (spec §4.7 "Idempotence", §8 invariant 2).
func (s *Store) InsertOrUpdateDescriptor(conversationID, twincodeOutboundID string, sequenceID int64, raw []byte) (conv.DescriptorStatus, error) {
	res, err := s.db.Exec(`INSERT INTO descriptors(conversation_id, kind, sender_twincode_id, sequence_id, created_ts, content)
		VALUES (?, 0, ?, ?, ?, ?)
		ON CONFLICT(sender_twincode_id, sequence_id) DO NOTHING`,
		conversationID, twincodeOutboundID, sequenceID, nowMillis(), raw)
	if err != nil {
		return conv.StatusError, fmt.Errorf("store: insert descriptor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return conv.StatusError, err
	}
	if n == 0 {
		return conv.StatusIgnored, nil
	}
	return conv.StatusStored, nil
}

func (s *Store) DeleteDescriptors(conversationID string, uptoSequenceID int64, twincodeOutboundID string) error {
	_, err := s.db.Exec(`DELETE FROM descriptors WHERE conversation_id = ? AND sender_twincode_id = ? AND sequence_id <= ?`,
		conversationID, twincodeOutboundID, uptoSequenceID)
	if err != nil {
		return fmt.Errorf("store: delete descriptors: %w", err)
	}
	return nil
}

// UpdateDescriptorContent replaces a stored descriptor's content column for
// UPDATE_OBJECT (spec §4.7). Unlike InsertOrUpdateDescriptor's insert-only
// ON CONFLICT DO NOTHING, this is an explicit replace on an existing row.
func (s *Store) UpdateDescriptorContent(twincodeOutboundID string, sequenceID int64, raw []byte) (bool, error) {
	res, err := s.db.Exec(`UPDATE descriptors SET content = ? WHERE sender_twincode_id = ? AND sequence_id = ?`,
		raw, twincodeOutboundID, sequenceID)
	if err != nil {
		return false, fmt.Errorf("store: update descriptor content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// timestampColumn maps the UPDATE_DESCRIPTOR_TIMESTAMP phase name to its
// backing column (spec §4.7). "peerDeleted" and "deleted" share no column
// in the v2 schema (spec §6.3 lists created/sent/received/read only for the
// SQL-modeled phases); both are tracked in the value bitmask column instead
// of growing the schema for two rarely-queried phases.
func timestampColumn(phase string) (string, bool) {
	switch phase {
	case "sent":
		return "sent_ts", true
	case "received":
		return "received_ts", true
	case "read":
		return "read_ts", true
	default:
		return "", false
	}
}

// UpdateDescriptorTimestamp sets one timestamp column on a stored
// descriptor (spec §4.7 UPDATE_DESCRIPTOR_TIMESTAMP, §4.5 "Completion").
// "peerDeleted" and "deleted" are recorded as bits 1 and 2 of the value
// column rather than as timestamp columns (see timestampColumn).
func (s *Store) UpdateDescriptorTimestamp(twincodeOutboundID string, sequenceID int64, phase string, value int64) (bool, error) {
	if col, ok := timestampColumn(phase); ok {
		res, err := s.db.Exec(fmt.Sprintf(`UPDATE descriptors SET %s = ? WHERE sender_twincode_id = ? AND sequence_id = ?`, col),
			value, twincodeOutboundID, sequenceID)
		if err != nil {
			return false, fmt.Errorf("store: update descriptor %s timestamp: %w", phase, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}

	var bit int64
	switch phase {
	case "peerDeleted":
		bit = 1
	case "deleted":
		bit = 2
	default:
		return false, fmt.Errorf("store: unknown timestamp phase %q", phase)
	}
	res, err := s.db.Exec(`UPDATE descriptors SET value = value | ? WHERE sender_twincode_id = ? AND sequence_id = ?`,
		bit, twincodeOutboundID, sequenceID)
	if err != nil {
		return false, fmt.Errorf("store: update descriptor %s flag: %w", phase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetAnnotation upserts one annotation row, resolving the owning descriptor
// by its (senderTwincodeOutboundID, sequenceID) identity (spec §4.7
// UPDATE_ANNOTATIONS, §6.3 annotations table).
func (s *Store) SetAnnotation(senderTwincodeOutboundID string, sequenceID int64, annotatorTwincodeID, annotationType, value string) error {
	var descriptorID int64
	row := s.db.QueryRow(`SELECT id FROM descriptors WHERE sender_twincode_id = ? AND sequence_id = ?`, senderTwincodeOutboundID, sequenceID)
	if err := row.Scan(&descriptorID); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("store: set annotation: no descriptor (%s, %d)", senderTwincodeOutboundID, sequenceID)
		}
		return fmt.Errorf("store: set annotation: resolve descriptor: %w", err)
	}
	_, err := s.db.Exec(`INSERT INTO annotations(descriptor_id, twincode_outbound_id, type, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(descriptor_id, twincode_outbound_id, type) DO UPDATE SET value=excluded.value`,
		descriptorID, annotatorTwincodeID, annotationType, value)
	if err != nil {
		return fmt.Errorf("store: set annotation: %w", err)
	}
	return nil
}

// MarshalDescriptor JSON-encodes a descriptor for InsertOrUpdateDescriptor;
// kept here so the wire-format choice (JSON) is a storage-layer decision,
// not a protocol one. No package in this module calls it.
func MarshalDescriptor(v any) ([]byte, error) { return json.Marshal(v) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
