// Package realtime owns live connection state: the user-to-connection
// registry, typing indicators and post topic subscriptions.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agora/internal/models"
)

// Outbound event names.
const (
	EventPresenceChanged     = "presenceChanged"
	EventTypingUpdate        = "typingUpdate"
	EventMessageReceived     = "messageReceived"
	EventMessageUpdated      = "messageUpdated"
	EventMessageSent         = "messageSent"
	EventNotificationCreated = "notificationCreated"
	EventCommentAdded        = "commentAdded"
	EventCommentDeleted      = "commentDeleted"
	EventIncomingCall        = "incomingCall"
	EventCallAnswered        = "callAnswered"
	EventCallEnded           = "callEnded"
	EventCallSignal          = "callSignal"
	EventError               = "error"
)

// Envelope is the JSON frame written to clients.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Encode marshals an event into its wire frame.
func Encode(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: event, Payload: payload})
}

// Emitter delivers events to live users.
type Emitter interface {
	EmitToUser(ctx context.Context, userID uint, event string, payload interface{}) error
	BroadcastExcept(userID uint, event string, payload interface{})
}

// ErrNotConnected is returned when the target user has no live connection.
var ErrNotConnected = errors.New("user not connected")

// DeliveryError reports a live connection that could not accept a frame.
type DeliveryError struct {
	UserID uint
	ConnID string
	Reason string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to user %d (%s) failed: %s", e.UserID, e.ConnID, e.Reason)
}

// IsDeliveryFailure reports whether err is a swallowed delivery outcome
// rather than a failure of the operation that triggered it.
func IsDeliveryFailure(err error) bool {
	var de *DeliveryError
	return errors.Is(err, ErrNotConnected) || errors.As(err, &de)
}

// PresencePayload is the body of presenceChanged.
type PresencePayload struct {
	UserID     uint                `json:"userId"`
	IsOnline   bool                `json:"isOnline"`
	Status     models.OnlineStatus `json:"status"`
	LastSeenAt time.Time           `json:"lastSeenAt"`
}

// TypingPayload is the body of typingUpdate.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	TypingUserIDs  []uint `json:"typingUserIds"`
}

// ErrorPayload is the body of error frames sent back to a client.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
