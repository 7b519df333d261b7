package models

import "time"

type GroupRole string

const (
	GroupRoleAdmin  GroupRole = "admin"
	GroupRoleMember GroupRole = "member"
)

// Group is a named conversation with a fixed member list.
type Group struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	Name          string        `gorm:"not null" json:"name"`
	CreatedBy     uint          `gorm:"not null;index" json:"created_by"`
	Members       []GroupMember `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE" json:"members,omitempty"`
	LastMessageID *uint         `json:"last_message_id,omitempty"`
	MessageCount  int           `gorm:"not null" json:"message_count"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// GroupMember links a user to a group.
type GroupMember struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	GroupID  uint      `gorm:"not null;uniqueIndex:idx_group_member" json:"group_id"`
	UserID   uint      `gorm:"not null;uniqueIndex:idx_group_member;index" json:"user_id"`
	Role     GroupRole `gorm:"type:varchar(16);not null" json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// HasMember reports whether userID is currently a member.
func (g *Group) HasMember(userID uint) bool {
	for _, m := range g.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// MemberIDs returns the member user ids in join order.
func (g *Group) MemberIDs() []uint {
	ids := make([]uint, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}
