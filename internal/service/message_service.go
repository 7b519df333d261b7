package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agora/internal/events"
	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/realtime"
	"agora/internal/repository"
)

// MessageService persists chat messages and fans them out to recipients.
type MessageService struct {
	messages  repository.MessageRepository
	groups    repository.GroupRepository
	users     repository.UserRepository
	emitter   realtime.Emitter
	notifier  Notifier
	publisher events.Publisher
	locks     keyedLocker
	now       func() time.Time
}

// SendMessageInput is the input for sending a message. Exactly one of
// ReceiverID and GroupID must be set.
type SendMessageInput struct {
	SenderID    uint
	ReceiverID  *uint
	GroupID     *uint
	Content     string
	MessageType models.MessageType
	MediaURL    string
	FileName    string
	FileSize    int64
	Duration    int
	ReplyToID   *uint
}

// MessagePayload is the body of messageReceived and messageUpdated.
type MessagePayload struct {
	Message *models.Message `json:"message"`
}

func NewMessageService(
	messages repository.MessageRepository,
	groups repository.GroupRepository,
	users repository.UserRepository,
	emitter realtime.Emitter,
	notifier Notifier,
	publisher events.Publisher,
) *MessageService {
	return &MessageService{
		messages:  messages,
		groups:    groups,
		users:     users,
		emitter:   emitter,
		notifier:  notifier,
		publisher: publisher,
		now:       time.Now,
	}
}

// Send validates, persists and delivers a message. Live delivery and
// notification failures never fail the send once the message is stored.
func (s *MessageService) Send(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	span, ctx := observability.NewSpan(ctx, "MessageService.Send",
		observability.IDAttr("sender", in.SenderID))
	defer span.End()

	if in.MessageType == "" {
		in.MessageType = models.MessageTypeText
	}
	msg := &models.Message{
		SenderID:    in.SenderID,
		ReceiverID:  in.ReceiverID,
		GroupID:     in.GroupID,
		Content:     strings.TrimSpace(in.Content),
		MessageType: in.MessageType,
		MediaURL:    strings.TrimSpace(in.MediaURL),
		FileName:    in.FileName,
		FileSize:    in.FileSize,
		Duration:    in.Duration,
		ReplyToID:   in.ReplyToID,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	var recipients []uint
	if msg.IsGroup() {
		group, err := s.groups.GetByID(ctx, *msg.GroupID)
		if err != nil {
			return nil, err
		}
		if !group.HasMember(msg.SenderID) {
			return nil, models.NewForbiddenError("You are not a member of this group")
		}
		msg.ConversationKey = models.GroupConversationKey(group.ID)
		recipients = without(group.MemberIDs(), msg.SenderID)
	} else {
		if _, err := s.users.GetByID(ctx, *msg.ReceiverID); err != nil {
			return nil, err
		}
		msg.ConversationKey = models.DirectConversationKey(msg.SenderID, *msg.ReceiverID)
		recipients = []uint{*msg.ReceiverID}
	}
	span.AddAttributes(observability.ConversationAttr(msg.ConversationKey))

	if msg.ReplyToID != nil {
		original, err := s.messages.GetByID(ctx, *msg.ReplyToID)
		if err != nil {
			return nil, err
		}
		if original.ConversationKey != msg.ConversationKey {
			return nil, models.NewValidationError("Replies must stay in the same conversation")
		}
	}

	msg.DeliveryStatus = models.DeliverySent
	msg.SetRecipients(recipients)
	unlock := s.locks.Lock(msg.ConversationKey)
	err := s.messages.Create(ctx, msg)
	unlock()
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	kind := string(models.ConversationDirect)
	if msg.IsGroup() {
		kind = string(models.ConversationGroup)
	}
	observability.MessagesSent.WithLabelValues(kind, string(msg.MessageType)).Inc()

	if reached := s.fanOut(ctx, msg, recipients); reached > 0 {
		if err := s.messages.UpdateDeliveryStatus(ctx, msg.ID, models.DeliveryDelivered); err != nil {
			observability.LogAsyncOperationError(ctx, "update_delivery_status", err, map[string]interface{}{"message_id": msg.ID})
		} else {
			msg.DeliveryStatus = models.DeliveryDelivered
		}
	}

	if msg.IsGroup() {
		if err := s.groups.RecordMessage(ctx, *msg.GroupID, msg.ID); err != nil {
			observability.LogAsyncOperationError(ctx, "group_record_message", err, map[string]interface{}{"group_id": *msg.GroupID})
		}
	}

	events.Emit(ctx, s.publisher, events.MessageSent, msg)
	return msg, nil
}

// fanOut delivers msg to every recipient concurrently and notifies each one.
// It returns how many recipients were reached live.
func (s *MessageService) fanOut(ctx context.Context, msg *models.Message, recipients []uint) int {
	// Send keeps mutating msg after fan-out; recipients encode a copy.
	snapshot := *msg
	payload := MessagePayload{Message: &snapshot}

	var reached atomic.Int32
	var wg sync.WaitGroup
	for _, rid := range recipients {
		wg.Add(1)
		go func(recipientID uint) {
			defer wg.Done()
			if deliver(ctx, s.emitter, recipientID, realtime.EventMessageReceived, payload) {
				reached.Add(1)
			}
			_, err := s.notifier.Notify(ctx, NotifyInput{
				RecipientID:     recipientID,
				SenderID:        msg.SenderID,
				Type:            models.NotificationMessage,
				MessageID:       &snapshot.ID,
				ConversationKey: msg.ConversationKey,
			})
			if err != nil {
				observability.LogAsyncOperationError(ctx, "message_notification", err, map[string]interface{}{
					"message_id":   msg.ID,
					"recipient_id": recipientID,
				})
			}
		}(rid)
	}
	wg.Wait()
	return int(reached.Load())
}

// MarkRead records a recipient's read receipt. The message itself counts
// as read once every recipient has read it.
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID uint) (*models.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == userID {
		return nil, models.NewForbiddenError("Senders cannot mark their own message read")
	}
	var receipt *models.MessageRecipient
	for i := range msg.Recipients {
		if msg.Recipients[i].UserID == userID {
			receipt = &msg.Recipients[i]
		}
	}
	if receipt == nil {
		return nil, models.NewForbiddenError("Only recipients can mark this message read")
	}
	if receipt.ReadAt != nil {
		return msg, nil
	}

	at := s.now()
	allRead, err := s.messages.MarkReadBy(ctx, msg.ID, userID, at)
	if err != nil {
		return nil, err
	}
	receipt.ReadAt = &at
	if allRead {
		msg.Read = true
		msg.ReadAt = &at
		msg.DeliveryStatus = models.DeliveryRead
	}
	msg.SyncRecipientViews()

	deliver(ctx, s.emitter, msg.SenderID, realtime.EventMessageUpdated, MessagePayload{Message: msg})
	return msg, nil
}

// Edit replaces the content of the caller's own message.
func (s *MessageService) Edit(ctx context.Context, messageID, userID uint, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, models.NewValidationError("Content is required")
	}
	if len(content) > models.MaxMessageLength {
		return nil, models.NewValidationError("Message too long (max 5000 characters)")
	}

	msg, err := s.ownMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, models.NewValidationError("Cannot edit deleted message")
	}

	at := s.now()
	msg.Content = content
	msg.Edited = true
	msg.EditedAt = &at
	if err := s.messages.Update(ctx, msg); err != nil {
		return nil, err
	}
	s.broadcastUpdate(ctx, msg)
	return msg, nil
}

// Delete soft-deletes the caller's own message.
func (s *MessageService) Delete(ctx context.Context, messageID, userID uint) (*models.Message, error) {
	msg, err := s.ownMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return msg, nil
	}

	at := s.now()
	msg.Deleted = true
	msg.DeletedAt = &at
	if err := s.messages.Update(ctx, msg); err != nil {
		return nil, err
	}
	s.broadcastUpdate(ctx, msg)
	return msg, nil
}

// DirectHistory lists the newest messages between userID and otherID.
func (s *MessageService) DirectHistory(ctx context.Context, userID, otherID uint, limit int) ([]*models.Message, error) {
	if userID == otherID {
		return nil, models.NewValidationError("Cannot list a conversation with yourself")
	}
	if _, err := s.users.GetByID(ctx, otherID); err != nil {
		return nil, err
	}
	return s.messages.ListByConversation(ctx, models.DirectConversationKey(userID, otherID), limit)
}

// GroupHistory lists the newest messages in a group the caller belongs to.
func (s *MessageService) GroupHistory(ctx context.Context, userID, groupID uint, limit int) ([]*models.Message, error) {
	group, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !group.HasMember(userID) {
		return nil, models.NewForbiddenError("You are not a member of this group")
	}
	return s.messages.ListByConversation(ctx, models.GroupConversationKey(groupID), limit)
}

// Conversations lists the user's conversations with their last message and
// the user's unread count, most recent first.
func (s *MessageService) Conversations(ctx context.Context, userID uint, limit int) ([]*models.ConversationSummary, error) {
	return s.messages.Conversations(ctx, userID, limit)
}

// SearchInput scopes a message search. ConversationKey is optional.
type SearchInput struct {
	UserID          uint
	Query           string
	ConversationKey string
	Limit           int
}

// Search finds messages whose content contains the query, newest first.
// Without a conversation it covers every message the user sent or received.
func (s *MessageService) Search(ctx context.Context, in SearchInput) ([]*models.Message, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, models.NewValidationError("Search query is required")
	}
	if in.ConversationKey != "" {
		if err := s.authorizeConversation(ctx, in.ConversationKey, in.UserID); err != nil {
			return nil, err
		}
	}
	return s.messages.Search(ctx, repository.MessageSearch{
		UserID:          in.UserID,
		ConversationKey: in.ConversationKey,
		Query:           query,
		Limit:           in.Limit,
	})
}

func (s *MessageService) authorizeConversation(ctx context.Context, key string, userID uint) error {
	ref, err := models.ParseConversationKey(key)
	if err != nil {
		return err
	}
	if ref.Kind == models.ConversationDirect {
		if !ref.Includes(userID) {
			return models.NewForbiddenError("You are not part of this conversation")
		}
		return nil
	}
	group, err := s.groups.GetByID(ctx, ref.GroupID)
	if err != nil {
		return err
	}
	if !group.HasMember(userID) {
		return models.NewForbiddenError("You are not a member of this group")
	}
	return nil
}

func (s *MessageService) ownMessage(ctx context.Context, messageID, userID uint) (*models.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, models.NewForbiddenError("You can only change your own messages")
	}
	return msg, nil
}

func (s *MessageService) broadcastUpdate(ctx context.Context, msg *models.Message) {
	var recipients []uint
	if msg.IsGroup() {
		ids, err := s.groups.MemberIDs(ctx, *msg.GroupID)
		if err != nil {
			observability.LogAsyncOperationError(ctx, "message_update_recipients", err, map[string]interface{}{"message_id": msg.ID})
			return
		}
		recipients = without(ids, msg.SenderID)
	} else {
		recipients = []uint{*msg.ReceiverID}
	}
	for _, id := range recipients {
		deliver(ctx, s.emitter, id, realtime.EventMessageUpdated, MessagePayload{Message: msg})
	}
}
