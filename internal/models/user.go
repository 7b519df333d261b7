// Package models contains data structures for the application's domain models.
package models

import "time"

// OnlineStatus is the presence state shown to other users.
type OnlineStatus string

const (
	StatusOnline  OnlineStatus = "online"
	StatusAway    OnlineStatus = "away"
	StatusBusy    OnlineStatus = "busy"
	StatusOffline OnlineStatus = "offline"
)

// Valid reports whether s is a known status.
func (s OnlineStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// User is the minimal account record the realtime core reads and updates.
type User struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	Username     string       `gorm:"uniqueIndex;not null" json:"username"`
	Avatar       string       `json:"avatar,omitempty"`
	OnlineStatus OnlineStatus `gorm:"type:varchar(16);not null" json:"online_status"`
	LastSeenAt   *time.Time   `json:"last_seen_at,omitempty"`
	// ConnectionID identifies the single live handle; empty when offline.
	ConnectionID string    `gorm:"type:varchar(64)" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsOnline reports whether the user currently has a live connection.
func (u *User) IsOnline() bool {
	return u.ConnectionID != "" && u.OnlineStatus != StatusOffline
}
