package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"agora/internal/models"
	"agora/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository defines persistence operations for chat messages.
type MessageRepository interface {
	// Create stores the message together with its recipient rows.
	Create(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id uint) (*models.Message, error)
	Update(ctx context.Context, msg *models.Message) error
	UpdateDeliveryStatus(ctx context.Context, id uint, status models.DeliveryStatus) error
	// MarkReadBy records userID's read receipt and reports whether every
	// recipient has now read the message.
	MarkReadBy(ctx context.Context, id, userID uint, at time.Time) (bool, error)
	ListByConversation(ctx context.Context, conversationKey string, limit int) ([]*models.Message, error)
	Search(ctx context.Context, q MessageSearch) ([]*models.Message, error)
	// Conversations returns the user's conversations, most recent first.
	Conversations(ctx context.Context, userID uint, limit int) ([]*models.ConversationSummary, error)
}

// MessageSearch filters a case-insensitive content search. With an empty
// ConversationKey it covers every message the user sent or received.
type MessageSearch struct {
	UserID          uint
	ConversationKey string
	Query           string
	Limit           int
}

type messageRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewMessageRepository returns a new MessageRepository implementation.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db, log: observability.NewRepoLogger("messages")}
}

func (r *messageRepository) Create(ctx context.Context, msg *models.Message) error {
	defer observability.TrackQuery("create", "messages")()

	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		r.log.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}
	msg.SyncRecipientViews()
	r.log.LogCreate(ctx, map[string]interface{}{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationKey,
		"recipients":      len(msg.Recipients),
	})
	return nil
}

func (r *messageRepository) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := r.withRecipients(ctx).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Message", id)
		}
		return nil, models.NewInternalError(err)
	}
	msg.SyncRecipientViews()
	return &msg, nil
}

func (r *messageRepository) Update(ctx context.Context, msg *models.Message) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Save(msg).Error; err != nil {
		r.log.LogError(ctx, err, "update")
		return models.NewInternalError(err)
	}
	r.log.LogUpdate(ctx, map[string]interface{}{"message_id": msg.ID})
	return nil
}

func (r *messageRepository) UpdateDeliveryStatus(ctx context.Context, id uint, status models.DeliveryStatus) error {
	return r.updateColumns(r.db.WithContext(ctx), id, map[string]interface{}{"delivery_status": status})
}

func (r *messageRepository) MarkReadBy(ctx context.Context, id, userID uint, at time.Time) (bool, error) {
	var allRead bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.MessageRecipient{}).
			Where("message_id = ? AND user_id = ? AND read_at IS NULL", id, userID).
			Update("read_at", at)
		if res.Error != nil {
			return res.Error
		}

		var remaining int64
		if err := tx.Model(&models.MessageRecipient{}).
			Where("message_id = ? AND read_at IS NULL", id).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		allRead = true
		return r.updateColumns(tx, id, map[string]interface{}{
			"read":            true,
			"read_at":         at,
			"delivery_status": models.DeliveryRead,
		})
	})
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return false, appErr
		}
		r.log.LogError(ctx, err, "mark_read")
		return false, models.NewInternalError(err)
	}
	return allRead, nil
}

func (r *messageRepository) updateColumns(db *gorm.DB, id uint, cols map[string]interface{}) error {
	res := db.Model(&models.Message{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		r.log.LogError(db.Statement.Context, res.Error, "update")
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("Message", id)
	}
	return nil
}

// ListByConversation returns the newest non-deleted messages first.
func (r *messageRepository) ListByConversation(ctx context.Context, conversationKey string, limit int) ([]*models.Message, error) {
	defer observability.TrackQuery("list_by_conversation", "messages")()

	var msgs []*models.Message
	err := r.withRecipients(ctx).
		Where("conversation_key = ? AND deleted = ?", conversationKey, false).
		Order("created_at desc, id desc").
		Limit(clampLimit(limit, 50, 200)).
		Find(&msgs).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return synced(msgs), nil
}

func (r *messageRepository) Search(ctx context.Context, q MessageSearch) ([]*models.Message, error) {
	defer observability.TrackQuery("search", "messages")()

	pattern := "%" + escapeLike(strings.ToLower(q.Query)) + "%"
	query := r.withRecipients(ctx).
		Where("deleted = ?", false).
		Where(`LOWER(content) LIKE ? ESCAPE '\'`, pattern)
	if q.ConversationKey != "" {
		query = query.Where("conversation_key = ?", q.ConversationKey)
	} else {
		query = query.Where("(sender_id = ? OR id IN (?))", q.UserID, r.receivedBy(q.UserID))
	}

	var msgs []*models.Message
	err := query.Order("created_at desc, id desc").Limit(clampLimit(q.Limit, 50, 50)).Find(&msgs).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return synced(msgs), nil
}

type conversationHead struct {
	ConversationKey string
	LastID          uint
}

type conversationUnread struct {
	ConversationKey string
	Unread          int64
}

func (r *messageRepository) Conversations(ctx context.Context, userID uint, limit int) ([]*models.ConversationSummary, error) {
	defer observability.TrackQuery("conversations", "messages")()

	db := r.db.WithContext(ctx)

	var heads []conversationHead
	err := db.Model(&models.Message{}).
		Select("conversation_key, MAX(id) AS last_id").
		Where("deleted = ?", false).
		Where("(sender_id = ? OR id IN (?))", userID, r.receivedBy(userID)).
		Group("conversation_key").
		Order("last_id desc").
		Limit(clampLimit(limit, 50, 100)).
		Scan(&heads).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if len(heads) == 0 {
		return []*models.ConversationSummary{}, nil
	}

	ids := make([]uint, 0, len(heads))
	for _, h := range heads {
		ids = append(ids, h.LastID)
	}
	var last []*models.Message
	if err := r.withRecipients(ctx).Where("id IN ?", ids).Find(&last).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	byID := make(map[uint]*models.Message, len(last))
	for _, m := range synced(last) {
		byID[m.ID] = m
	}

	var unread []conversationUnread
	err = db.Table("message_recipients").
		Select("messages.conversation_key AS conversation_key, COUNT(*) AS unread").
		Joins("JOIN messages ON messages.id = message_recipients.message_id").
		Where("message_recipients.user_id = ? AND message_recipients.read_at IS NULL AND messages.deleted = ?", userID, false).
		Group("messages.conversation_key").
		Scan(&unread).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	unreadByKey := make(map[string]int64, len(unread))
	for _, u := range unread {
		unreadByKey[u.ConversationKey] = u.Unread
	}

	out := make([]*models.ConversationSummary, 0, len(heads))
	for _, h := range heads {
		msg, ok := byID[h.LastID]
		if !ok {
			continue
		}
		summary, err := models.NewConversationSummary(userID, msg, unreadByKey[h.ConversationKey])
		if err != nil {
			r.log.LogError(ctx, err, "conversations")
			continue
		}
		out = append(out, summary)
	}
	return out, nil
}

func (r *messageRepository) withRecipients(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Preload("Recipients", func(db *gorm.DB) *gorm.DB {
		return db.Order("id asc")
	})
}

func (r *messageRepository) receivedBy(userID uint) *gorm.DB {
	return r.db.Model(&models.MessageRecipient{}).Select("message_id").Where("user_id = ?", userID)
}

func synced(msgs []*models.Message) []*models.Message {
	for _, m := range msgs {
		m.SyncRecipientViews()
	}
	return msgs
}

func clampLimit(limit, def, upper int) int {
	if limit <= 0 || limit > upper {
		return def
	}
	return limit
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
