package repository

import (
	"context"
	"errors"
	"time"

	"agora/internal/models"
	"agora/internal/observability"

	"gorm.io/gorm"
)

// NotificationFilter selects unread notifications. Zero fields are ignored
// except RecipientID, which is always applied.
type NotificationFilter struct {
	RecipientID     uint
	SenderID        uint
	Type            models.NotificationType
	ConversationKey string
}

// NotificationRepository defines persistence operations for notifications.
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	GetByID(ctx context.Context, id uint) (*models.Notification, error)
	// FindUnread returns the first unread match, or nil when none exists.
	FindUnread(ctx context.Context, f NotificationFilter) (*models.Notification, error)
	ListUnread(ctx context.Context, recipientID uint, limit int) ([]*models.Notification, error)
	MarkRead(ctx context.Context, id uint) error
	MarkAllRead(ctx context.Context, recipientID uint) (int64, error)
}

type notificationRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewNotificationRepository returns a new NotificationRepository implementation.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db, log: observability.NewRepoLogger("notifications")}
}

func (r *notificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		r.log.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}
	return nil
}

func (r *notificationRepository) GetByID(ctx context.Context, id uint) (*models.Notification, error) {
	var n models.Notification
	if err := r.db.WithContext(ctx).First(&n, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Notification", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &n, nil
}

func (r *notificationRepository) FindUnread(ctx context.Context, f NotificationFilter) (*models.Notification, error) {
	defer observability.TrackQuery("find_unread", "notifications")()

	conds := map[string]interface{}{
		"recipient_id": f.RecipientID,
		"read":         false,
	}
	if f.SenderID != 0 {
		conds["sender_id"] = f.SenderID
	}
	if f.Type != "" {
		conds["type"] = f.Type
	}
	if f.ConversationKey != "" {
		conds["conversation_key"] = f.ConversationKey
	}

	var found []*models.Notification
	if err := r.db.WithContext(ctx).Where(conds).Order("id asc").Limit(1).Find(&found).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// ListUnread returns the newest unread notifications first.
func (r *notificationRepository) ListUnread(ctx context.Context, recipientID uint, limit int) ([]*models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var list []*models.Notification
	err := r.db.WithContext(ctx).
		Where("recipient_id = ? AND read = ?", recipientID, false).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return list, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"read": true, "read_at": time.Now()})
	if res.Error != nil {
		r.log.LogError(ctx, res.Error, "mark_read")
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("Notification", id)
	}
	return nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, recipientID uint) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("recipient_id = ? AND read = ?", recipientID, false).
		Updates(map[string]interface{}{"read": true, "read_at": time.Now()})
	if res.Error != nil {
		r.log.LogError(ctx, res.Error, "mark_all_read")
		return 0, models.NewInternalError(res.Error)
	}
	return res.RowsAffected, nil
}
