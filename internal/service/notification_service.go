package service

import (
	"context"
	"fmt"

	"agora/internal/events"
	"agora/internal/featureflags"
	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/realtime"
	"agora/internal/repository"
)

// NotificationService creates, dedups and pushes notifications.
type NotificationService struct {
	repo      repository.NotificationRepository
	emitter   realtime.Emitter
	publisher events.Publisher
	flags     *featureflags.Manager
	locks     keyedLocker
}

// NotifyInput describes one notification to create.
type NotifyInput struct {
	RecipientID     uint
	SenderID        uint
	Type            models.NotificationType
	PostID          *uint
	CommentID       *uint
	MessageID       *uint
	ConversationKey string
}

// NotificationPayload is the body of notificationCreated.
type NotificationPayload struct {
	Notification *models.Notification `json:"notification"`
}

func NewNotificationService(
	repo repository.NotificationRepository,
	emitter realtime.Emitter,
	publisher events.Publisher,
	flags *featureflags.Manager,
) *NotificationService {
	return &NotificationService{
		repo:      repo,
		emitter:   emitter,
		publisher: publisher,
		flags:     flags,
	}
}

// Notify creates a notification and pushes it to the recipient if they are
// connected. It returns nil, nil when the notification is suppressed: either
// a self-notification, or a message notification while an unread one for
// the same conversation (or sender, per the recipient's DedupScope)
// already exists.
func (s *NotificationService) Notify(ctx context.Context, in NotifyInput) (*models.Notification, error) {
	if !in.Type.Valid() {
		return nil, models.NewValidationError("Unsupported notification type")
	}
	if in.RecipientID == 0 {
		return nil, models.NewValidationError("Recipient is required")
	}
	if in.RecipientID == in.SenderID {
		return nil, nil
	}

	if in.Type == models.NotificationMessage {
		unlock := s.locks.Lock(fmt.Sprintf("%d", in.RecipientID))
		defer unlock()

		filter := repository.NotificationFilter{
			RecipientID: in.RecipientID,
			SenderID:    in.SenderID,
			Type:        models.NotificationMessage,
		}
		if s.flags.DedupScope(in.RecipientID) == featureflags.DedupPerConversation {
			filter.ConversationKey = in.ConversationKey
		}
		existing, err := s.repo.FindUnread(ctx, filter)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			observability.NotificationsDeduplicated.Inc()
			return nil, nil
		}
	}

	n := &models.Notification{
		RecipientID: in.RecipientID,
		SenderID:    in.SenderID,
		Type:        in.Type,
		PostID:      in.PostID,
		CommentID:   in.CommentID,
		MessageID:   in.MessageID,
	}
	if in.Type == models.NotificationMessage {
		n.ConversationKey = in.ConversationKey
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, err
	}
	observability.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()

	deliver(ctx, s.emitter, n.RecipientID, realtime.EventNotificationCreated, NotificationPayload{Notification: n})
	events.Emit(ctx, s.publisher, events.NotificationCreated, n)
	return n, nil
}

func (s *NotificationService) ListUnread(ctx context.Context, userID uint, limit int) ([]*models.Notification, error) {
	return s.repo.ListUnread(ctx, userID, limit)
}

// MarkRead marks one of the caller's notifications read.
func (s *NotificationService) MarkRead(ctx context.Context, id, userID uint) (*models.Notification, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.RecipientID != userID {
		return nil, models.NewForbiddenError("You can only read your own notifications")
	}
	if n.Read {
		return n, nil
	}
	if err := s.repo.MarkRead(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *NotificationService) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID)
}
