package store

import (
	"database/sql"
	"fmt"

	"github.com/twinlife/conversationcore/group"
	"github.com/twinlife/conversationcore/permission"
)

// MemberStore is the sqlite-backed group.MemberStore, sharing the same
// underlying database and migrations as Store.
type MemberStore struct {
	db *sql.DB
}

var _ group.MemberStore = (*MemberStore)(nil)

// Members returns a *MemberStore sharing s's database connection.
func (s *Store) Members() *MemberStore { return &MemberStore{db: s.db} }

func (m *MemberStore) Members(groupID string) ([]group.Member, error) {
	rows, err := m.db.Query(`SELECT twincode_id, public_key, permissions, signed FROM group_members WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("store: list members of %s: %w", groupID, err)
	}
	defer rows.Close()
	var out []group.Member
	for rows.Next() {
		var mem group.Member
		var signed int
		if err := rows.Scan(&mem.TwincodeID, &mem.PublicKey, &mem.Permissions, &signed); err != nil {
			return nil, err
		}
		mem.Signed = signed != 0
		out = append(out, mem)
	}
	return out, rows.Err()
}

func (m *MemberStore) AddMember(groupID string, mem group.Member) error {
	_, err := m.db.Exec(`INSERT INTO group_members(group_id, twincode_id, public_key, permissions, signed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id, twincode_id) DO UPDATE SET public_key=excluded.public_key, permissions=excluded.permissions, signed=excluded.signed`,
		groupID, mem.TwincodeID, mem.PublicKey, uint32(mem.Permissions), boolToInt(mem.Signed))
	if err != nil {
		return fmt.Errorf("store: add member %s to %s: %w", mem.TwincodeID, groupID, err)
	}
	return nil
}

func (m *MemberStore) RemoveMember(groupID string, twincodeID string) error {
	_, err := m.db.Exec(`DELETE FROM group_members WHERE group_id = ? AND twincode_id = ?`, groupID, twincodeID)
	if err != nil {
		return fmt.Errorf("store: remove member %s from %s: %w", twincodeID, groupID, err)
	}
	return nil
}

func (m *MemberStore) SetPermissions(groupID string, twincodeID string, perms permission.Mask) error {
	res, err := m.db.Exec(`UPDATE group_members SET permissions = ? WHERE group_id = ? AND twincode_id = ?`, uint32(perms), groupID, twincodeID)
	if err != nil {
		return fmt.Errorf("store: set permissions for %s in %s: %w", twincodeID, groupID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: member %s not found in %s", twincodeID, groupID)
	}
	return nil
}
