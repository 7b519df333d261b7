package models

import "time"

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallOngoing  CallStatus = "ongoing"
	CallEnded    CallStatus = "ended"
	CallMissed   CallStatus = "missed"
	CallDeclined CallStatus = "declined"
)

// Terminal reports whether no further answers or hang-ups apply.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallMissed || s == CallDeclined
}

type ParticipantStatus string

const (
	ParticipantRinging  ParticipantStatus = "ringing"
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantDeclined ParticipantStatus = "declined"
	ParticipantLeft     ParticipantStatus = "left"
)

// Call is a direct or group call session. RoomID names the signaling room.
type Call struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	CallerID     uint              `gorm:"not null;index" json:"caller_id"`
	ReceiverID   *uint             `gorm:"index" json:"receiver_id,omitempty"`
	GroupID      *uint             `gorm:"index" json:"group_id,omitempty"`
	CallType     CallType          `gorm:"type:varchar(16);not null" json:"call_type"`
	Status       CallStatus        `gorm:"type:varchar(16);not null" json:"status"`
	RoomID       string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"room_id"`
	Participants []CallParticipant `gorm:"foreignKey:CallID;constraint:OnDelete:CASCADE" json:"participants"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	// Duration is in whole seconds and only set once the call has ended.
	Duration  int       `gorm:"not null" json:"duration"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CallParticipant tracks one user's state within a call.
type CallParticipant struct {
	ID       uint              `gorm:"primaryKey" json:"id"`
	CallID   uint              `gorm:"not null;index" json:"call_id"`
	UserID   uint              `gorm:"not null;index" json:"user_id"`
	Status   ParticipantStatus `gorm:"type:varchar(16);not null" json:"status"`
	JoinedAt *time.Time        `json:"joined_at,omitempty"`
	LeftAt   *time.Time        `json:"left_at,omitempty"`
}

// Participant returns the participant record for userID, or nil.
func (c *Call) Participant(userID uint) *CallParticipant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// ParticipantIDs returns every participant's user id, caller included.
func (c *Call) ParticipantIDs() []uint {
	ids := make([]uint, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// CountWithStatus returns how many participants are in status s.
func (c *Call) CountWithStatus(s ParticipantStatus) int {
	n := 0
	for _, p := range c.Participants {
		if p.Status == s {
			n++
		}
	}
	return n
}

// AnyCalleeJoined reports whether someone other than the caller ever joined.
func (c *Call) AnyCalleeJoined() bool {
	for _, p := range c.Participants {
		if p.UserID != c.CallerID && p.JoinedAt != nil {
			return true
		}
	}
	return false
}
