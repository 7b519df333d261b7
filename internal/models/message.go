package models

import (
	"strings"
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeAudio MessageType = "audio"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is a supported message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeFile:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

// MaxMessageLength bounds text content.
const MaxMessageLength = 5000

// Message is a direct or group chat message. Exactly one of ReceiverID and
// GroupID is set.
type Message struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	SenderID        uint           `gorm:"not null;index" json:"sender_id"`
	ReceiverID      *uint          `gorm:"index" json:"receiver_id,omitempty"`
	GroupID         *uint          `gorm:"index" json:"group_id,omitempty"`
	ConversationKey string         `gorm:"type:varchar(64);not null;index" json:"conversation_id"`
	Content         string         `gorm:"type:text" json:"content"`
	MessageType     MessageType    `gorm:"type:varchar(16);not null" json:"message_type"`
	MediaURL        string         `json:"media_url,omitempty"`
	FileName        string         `json:"file_name,omitempty"`
	FileSize        int64          `json:"file_size,omitempty"`
	Duration        int            `json:"duration,omitempty"`
	ReplyToID       *uint          `json:"reply_to_id,omitempty"`
	Read            bool           `gorm:"not null" json:"read"`
	ReadAt          *time.Time     `json:"read_at,omitempty"`
	DeliveryStatus  DeliveryStatus `gorm:"type:varchar(16);not null" json:"delivery_status"`
	Edited          bool           `gorm:"not null" json:"edited"`
	EditedAt        *time.Time     `json:"edited_at,omitempty"`
	Deleted         bool           `gorm:"not null;index" json:"deleted"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty"`
	// Recipients is the recipient set resolved at send time, with each
	// recipient's read receipt.
	Recipients []MessageRecipient `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"-"`
	// RecipientIDs and ReadBy are views over Recipients for clients.
	RecipientIDs []uint    `gorm:"-" json:"recipient_ids,omitempty"`
	ReadBy       []uint    `gorm:"-" json:"read_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MessageRecipient records that a message was addressed to a user and when
// that user read it.
type MessageRecipient struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	MessageID uint       `gorm:"not null;uniqueIndex:idx_message_recipient" json:"message_id"`
	UserID    uint       `gorm:"not null;uniqueIndex:idx_message_recipient;index" json:"user_id"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// SetRecipients replaces the recipient rows with one unread row per id.
func (m *Message) SetRecipients(ids []uint) {
	m.Recipients = make([]MessageRecipient, 0, len(ids))
	for _, id := range ids {
		m.Recipients = append(m.Recipients, MessageRecipient{UserID: id})
	}
	m.SyncRecipientViews()
}

// SyncRecipientViews refreshes RecipientIDs and ReadBy from Recipients.
func (m *Message) SyncRecipientViews() {
	m.RecipientIDs, m.ReadBy = nil, nil
	for _, r := range m.Recipients {
		m.RecipientIDs = append(m.RecipientIDs, r.UserID)
		if r.ReadAt != nil {
			m.ReadBy = append(m.ReadBy, r.UserID)
		}
	}
}

// HasRecipient reports whether the message was addressed to userID.
func (m *Message) HasRecipient(userID uint) bool {
	for _, r := range m.Recipients {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// IsGroup reports whether the message targets a group.
func (m *Message) IsGroup() bool {
	return m.GroupID != nil
}

// Validate checks the target and content rules a message must satisfy
// before it is persisted.
func (m *Message) Validate() error {
	if (m.ReceiverID == nil) == (m.GroupID == nil) {
		return NewValidationError("Message must target exactly one of receiver or group")
	}
	if m.ReceiverID != nil && *m.ReceiverID == m.SenderID {
		return NewValidationError("Cannot send a message to yourself")
	}
	if !m.MessageType.Valid() {
		return NewValidationError("Unsupported message type")
	}
	content := strings.TrimSpace(m.Content)
	if len(content) > MaxMessageLength {
		return NewValidationError("Message too long (max 5000 characters)")
	}
	if m.MessageType == MessageTypeText {
		if content == "" {
			return NewValidationError("Content is required")
		}
		return nil
	}
	if content == "" && strings.TrimSpace(m.MediaURL) == "" {
		return NewValidationError("Media messages require a media URL or content")
	}
	return nil
}
