package models

import "time"

type NotificationType string

const (
	NotificationComment NotificationType = "comment"
	NotificationReply   NotificationType = "reply"
	NotificationLike    NotificationType = "like"
	NotificationMessage NotificationType = "message"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationComment, NotificationReply, NotificationLike, NotificationMessage:
		return true
	}
	return false
}

// Notification is a persisted alert for one recipient.
type Notification struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	RecipientID uint             `gorm:"not null;index:idx_notification_unread,priority:1" json:"recipient_id"`
	SenderID    uint             `gorm:"not null;index:idx_notification_unread,priority:2" json:"sender_id"`
	Type        NotificationType `gorm:"type:varchar(16);not null;index:idx_notification_unread,priority:3" json:"type"`
	PostID      *uint            `json:"post_id,omitempty"`
	CommentID   *uint            `json:"comment_id,omitempty"`
	MessageID   *uint            `json:"message_id,omitempty"`
	// ConversationKey scopes message notifications to one conversation.
	ConversationKey string     `gorm:"type:varchar(64);index" json:"conversation_id,omitempty"`
	Read            bool       `gorm:"not null" json:"read"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
