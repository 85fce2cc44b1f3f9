// Package permission defines the per-conversation capability bitmask
// descriptors are checked against (spec §4.2, §4.9).
package permission

type Permission uint32

const (
	SendMessage Permission = 1 << iota
	SendFile
	SendImage
	SendAudio
	SendVideo
	SendGeolocation
	SendTwincode
	SendCommand
	UpdateMember
	InviteMember
)

// Mask is the bitmask stored on a conversation/group-member row.
type Mask uint32

func (m Mask) Allows(p Permission) bool { return m&Mask(p) != 0 }

func (m Mask) With(p Permission) Mask    { return m | Mask(p) }
func (m Mask) Without(p Permission) Mask { return m &^ Mask(p) }

// Default is granted to a freshly created one-to-one conversation: every
// send permission, no membership-management permission.
const Default Mask = Mask(SendMessage | SendFile | SendImage | SendAudio | SendVideo | SendGeolocation | SendTwincode | SendCommand)
