package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agora/internal/models"
	"agora/internal/realtime"
	"agora/internal/repository"
	"agora/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type messageFixture struct {
	svc      *MessageService
	hub      *fakeHub
	notifier *notifierStub
	db       *gorm.DB
	users    []*models.User
}

func newMessageFixture(t *testing.T) *messageFixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	users := testutil.SeedUsers(t, db, "ana", "ben", "cat", "dan")
	hub := newFakeHub()
	notifier := &notifierStub{}
	svc := NewMessageService(
		repository.NewMessageRepository(db),
		repository.NewGroupRepository(db),
		repository.NewUserRepository(db),
		hub,
		notifier,
		nil,
	)
	return &messageFixture{svc: svc, hub: hub, notifier: notifier, db: db, users: users}
}

func TestMessageService_Send_TargetValidation(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	a, b := f.users[0], f.users[1]

	tests := []struct {
		name string
		in   SendMessageInput
		code string
	}{
		{"neither target", SendMessageInput{SenderID: a.ID, Content: "hi"}, models.ErrCodeValidation},
		{"both targets", SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, GroupID: uintPtr(1), Content: "hi"}, models.ErrCodeValidation},
		{"self", SendMessageInput{SenderID: a.ID, ReceiverID: &a.ID, Content: "hi"}, models.ErrCodeValidation},
		{"empty text", SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, Content: "  "}, models.ErrCodeValidation},
		{"bad type", SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, Content: "hi", MessageType: "sticker"}, models.ErrCodeValidation},
		{"media without url", SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, MessageType: models.MessageTypeImage}, models.ErrCodeValidation},
		{"unknown receiver", SendMessageInput{SenderID: a.ID, ReceiverID: uintPtr(999), Content: "hi"}, models.ErrCodeNotFound},
		{"unknown group", SendMessageInput{SenderID: a.ID, GroupID: uintPtr(999), Content: "hi"}, models.ErrCodeNotFound},
		{"unknown reply", SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, Content: "hi", ReplyToID: uintPtr(999)}, models.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Send(ctx, tt.in)
			assertCode(t, err, tt.code)
		})
	}
	assert.Empty(t, f.hub.received(b.ID, realtime.EventMessageReceived))
}

func TestMessageService_Send_OfflineReceiverSucceeds(t *testing.T) {
	f := newMessageFixture(t)
	a, b := f.users[0], f.users[1]
	f.hub.offline[b.ID] = true

	msg, err := f.svc.Send(context.Background(), SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, Content: "you there?"})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, models.DeliverySent, msg.DeliveryStatus)
	assert.Equal(t, []uint{b.ID}, msg.RecipientIDs)
	assert.Equal(t, models.DirectConversationKey(a.ID, b.ID), msg.ConversationKey)

	calls := f.notifier.inputs()
	require.Len(t, calls, 1)
	assert.Equal(t, b.ID, calls[0].RecipientID)
	assert.Equal(t, msg.ConversationKey, calls[0].ConversationKey)
}

func TestMessageService_Send_MediaWithoutText(t *testing.T) {
	f := newMessageFixture(t)
	a, b := f.users[0], f.users[1]

	msg, err := f.svc.Send(context.Background(), SendMessageInput{
		SenderID:    a.ID,
		ReceiverID:  &b.ID,
		MessageType: models.MessageTypeImage,
		MediaURL:    "https://cdn.example/pic.webp",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, msg.DeliveryStatus)
	assert.Len(t, f.hub.received(b.ID, realtime.EventMessageReceived), 1)
}

func TestMessageService_Send_GroupFanOut(t *testing.T) {
	f := newMessageFixture(t)
	a, b, c, outsider := f.users[0], f.users[1], f.users[2], f.users[3]
	group := testutil.SeedGroup(t, f.db, "trio", a, b, c)
	f.hub.offline[c.ID] = true

	msg, err := f.svc.Send(context.Background(), SendMessageInput{SenderID: a.ID, GroupID: &group.ID, Content: "hello all"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{b.ID, c.ID}, msg.RecipientIDs)
	assert.Equal(t, models.DeliveryDelivered, msg.DeliveryStatus)

	assert.Len(t, f.hub.received(b.ID, realtime.EventMessageReceived), 1)
	assert.Empty(t, f.hub.received(a.ID, realtime.EventMessageReceived))
	assert.Len(t, f.notifier.inputs(), 2)

	history, err := f.svc.GroupHistory(context.Background(), c.ID, group.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1, "offline member reads the message from history")
	assert.Equal(t, msg.ID, history[0].ID)
	assert.ElementsMatch(t, []uint{b.ID, c.ID}, history[0].RecipientIDs)
	assert.Empty(t, history[0].ReadBy)

	var stored models.Group
	require.NoError(t, f.db.First(&stored, group.ID).Error)
	assert.Equal(t, 1, stored.MessageCount)
	require.NotNil(t, stored.LastMessageID)
	assert.Equal(t, msg.ID, *stored.LastMessageID)

	_, err = f.svc.Send(context.Background(), SendMessageInput{SenderID: outsider.ID, GroupID: &group.ID, Content: "let me in"})
	assertCode(t, err, models.ErrCodeForbidden)
}

func TestMessageService_Send_DeliveryFailureIsSwallowed(t *testing.T) {
	f := newMessageFixture(t)
	a, b := f.users[0], f.users[1]
	f.hub.failing[b.ID] = true

	msg, err := f.svc.Send(context.Background(), SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, msg.DeliveryStatus)
}

func TestMessageService_Send_ConcurrentPersistsAll(t *testing.T) {
	f := newMessageFixture(t)
	a, b := f.users[0], f.users[1]

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Send(context.Background(), SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, Content: "burst"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := f.svc.DirectHistory(context.Background(), b.ID, a.ID, 50)
	require.NoError(t, err)
	assert.Len(t, history, 10)
}

func TestMessageService_ReadEditDelete(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	a, b, c := f.users[0], f.users[1], f.users[2]

	msg, err := f.svc.Send(ctx, SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, Content: "draft"})
	require.NoError(t, err)

	_, err = f.svc.MarkRead(ctx, msg.ID, c.ID)
	assertCode(t, err, models.ErrCodeForbidden)
	read, err := f.svc.MarkRead(ctx, msg.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, read.Read)
	assert.Equal(t, models.DeliveryRead, read.DeliveryStatus)
	assert.NotEmpty(t, f.hub.received(a.ID, realtime.EventMessageUpdated))

	_, err = f.svc.Edit(ctx, msg.ID, b.ID, "hijack")
	assertCode(t, err, models.ErrCodeForbidden)
	edited, err := f.svc.Edit(ctx, msg.ID, a.ID, "final")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, "final", edited.Content)

	_, err = f.svc.Delete(ctx, msg.ID, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Edit(ctx, msg.ID, a.ID, "again")
	assertValidationError(t, err)

	history, err := f.svc.DirectHistory(ctx, a.ID, b.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMessageService_GroupHistoryRequiresMembership(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	a, b, outsider := f.users[0], f.users[1], f.users[3]
	group := testutil.SeedGroup(t, f.db, "pair", a, b)

	_, err := f.svc.Send(ctx, SendMessageInput{SenderID: a.ID, GroupID: &group.ID, Content: "one"})
	require.NoError(t, err)

	history, err := f.svc.GroupHistory(ctx, b.ID, group.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = f.svc.GroupHistory(ctx, outsider.ID, group.ID, 10)
	assertCode(t, err, models.ErrCodeForbidden)
}

type messageRepoStub struct {
	createFn               func(context.Context, *models.Message) error
	getByIDFn              func(context.Context, uint) (*models.Message, error)
	updateFn               func(context.Context, *models.Message) error
	updateDeliveryStatusFn func(context.Context, uint, models.DeliveryStatus) error
	markReadByFn           func(context.Context, uint, uint, time.Time) (bool, error)
	listByConversationFn   func(context.Context, string, int) ([]*models.Message, error)
	searchFn               func(context.Context, repository.MessageSearch) ([]*models.Message, error)
	conversationsFn        func(context.Context, uint, int) ([]*models.ConversationSummary, error)
}

func (s *messageRepoStub) Create(ctx context.Context, msg *models.Message) error {
	return s.createFn(ctx, msg)
}
func (s *messageRepoStub) GetByID(ctx context.Context, id uint) (*models.Message, error) {
	return s.getByIDFn(ctx, id)
}
func (s *messageRepoStub) Update(ctx context.Context, msg *models.Message) error {
	return s.updateFn(ctx, msg)
}
func (s *messageRepoStub) UpdateDeliveryStatus(ctx context.Context, id uint, status models.DeliveryStatus) error {
	return s.updateDeliveryStatusFn(ctx, id, status)
}
func (s *messageRepoStub) MarkReadBy(ctx context.Context, id, userID uint, at time.Time) (bool, error) {
	return s.markReadByFn(ctx, id, userID, at)
}
func (s *messageRepoStub) ListByConversation(ctx context.Context, key string, limit int) ([]*models.Message, error) {
	return s.listByConversationFn(ctx, key, limit)
}
func (s *messageRepoStub) Search(ctx context.Context, q repository.MessageSearch) ([]*models.Message, error) {
	return s.searchFn(ctx, q)
}
func (s *messageRepoStub) Conversations(ctx context.Context, userID uint, limit int) ([]*models.ConversationSummary, error) {
	return s.conversationsFn(ctx, userID, limit)
}

func noopMessageRepo() *messageRepoStub {
	return &messageRepoStub{
		createFn:               func(context.Context, *models.Message) error { return nil },
		getByIDFn:              func(_ context.Context, id uint) (*models.Message, error) { return nil, models.NewNotFoundError("Message", id) },
		updateFn:               func(context.Context, *models.Message) error { return nil },
		updateDeliveryStatusFn: func(context.Context, uint, models.DeliveryStatus) error { return nil },
		markReadByFn:           func(context.Context, uint, uint, time.Time) (bool, error) { return true, nil },
		listByConversationFn:   func(context.Context, string, int) ([]*models.Message, error) { return nil, nil },
		searchFn:               func(context.Context, repository.MessageSearch) ([]*models.Message, error) { return nil, nil },
		conversationsFn:        func(context.Context, uint, int) ([]*models.ConversationSummary, error) { return nil, nil },
	}
}

func TestMessageService_Send_StoreFailureAbortsFanOut(t *testing.T) {
	f := newMessageFixture(t)
	a, b, c := f.users[0], f.users[1], f.users[2]
	group := testutil.SeedGroup(t, f.db, "trio", a, b, c)

	storeErr := models.NewInternalError(errors.New("disk full"))
	repo := noopMessageRepo()
	repo.createFn = func(context.Context, *models.Message) error { return storeErr }
	repo.updateDeliveryStatusFn = func(context.Context, uint, models.DeliveryStatus) error {
		t.Error("delivery status updated for a message that was never stored")
		return nil
	}
	f.svc.messages = repo

	_, err := f.svc.Send(context.Background(), SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, Content: "lost"})
	assertCode(t, err, models.ErrCodeInternal)

	_, err = f.svc.Send(context.Background(), SendMessageInput{SenderID: a.ID, GroupID: &group.ID, Content: "lost too"})
	assertCode(t, err, models.ErrCodeInternal)

	assert.Empty(t, f.hub.received(b.ID, realtime.EventMessageReceived))
	assert.Empty(t, f.hub.received(c.ID, realtime.EventMessageReceived))
	assert.Empty(t, f.notifier.inputs())

	var stored models.Group
	require.NoError(t, f.db.First(&stored, group.ID).Error)
	assert.Zero(t, stored.MessageCount)
}

func TestMessageService_GroupReadReceipts(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	a, b, c, outsider := f.users[0], f.users[1], f.users[2], f.users[3]
	group := testutil.SeedGroup(t, f.db, "trio", a, b, c)

	msg, err := f.svc.Send(ctx, SendMessageInput{SenderID: a.ID, GroupID: &group.ID, Content: "who read this?"})
	require.NoError(t, err)

	_, err = f.svc.MarkRead(ctx, msg.ID, a.ID)
	assertCode(t, err, models.ErrCodeForbidden)
	_, err = f.svc.MarkRead(ctx, msg.ID, outsider.ID)
	assertCode(t, err, models.ErrCodeForbidden)

	first, err := f.svc.MarkRead(ctx, msg.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, first.Read, "one member reading does not mark it read for everyone")
	assert.Equal(t, []uint{b.ID}, first.ReadBy)

	again, err := f.svc.MarkRead(ctx, msg.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{b.ID}, again.ReadBy)

	history, err := f.svc.GroupHistory(ctx, c.ID, group.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Read)
	assert.Equal(t, []uint{b.ID}, history[0].ReadBy)

	last, err := f.svc.MarkRead(ctx, msg.ID, c.ID)
	require.NoError(t, err)
	assert.True(t, last.Read)
	assert.Equal(t, models.DeliveryRead, last.DeliveryStatus)
	assert.ElementsMatch(t, []uint{b.ID, c.ID}, last.ReadBy)
	assert.Len(t, f.hub.received(a.ID, realtime.EventMessageUpdated), 2)
}

func TestMessageService_Conversations(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	a, b, c := f.users[0], f.users[1], f.users[2]
	group := testutil.SeedGroup(t, f.db, "trio", a, b, c)

	send := func(in SendMessageInput) *models.Message {
		t.Helper()
		msg, err := f.svc.Send(ctx, in)
		require.NoError(t, err)
		return msg
	}
	send(SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, Content: "one"})
	toB := send(SendMessageInput{SenderID: a.ID, ReceiverID: &b.ID, Content: "two"})
	fromC := send(SendMessageInput{SenderID: c.ID, ReceiverID: &a.ID, Content: "ping"})
	inGroup := send(SendMessageInput{SenderID: b.ID, GroupID: &group.ID, Content: "team"})

	list, err := f.svc.Conversations(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, models.GroupConversationKey(group.ID), list[0].ConversationID)
	assert.Equal(t, models.ConversationGroup, list[0].Kind)
	require.NotNil(t, list[0].GroupID)
	assert.Equal(t, inGroup.ID, list[0].LastMessage.ID)
	assert.Equal(t, int64(1), list[0].UnreadCount)

	assert.Equal(t, fromC.ID, list[1].LastMessage.ID)
	require.NotNil(t, list[1].PeerID)
	assert.Equal(t, c.ID, *list[1].PeerID)
	assert.Equal(t, int64(1), list[1].UnreadCount)

	assert.Equal(t, toB.ID, list[2].LastMessage.ID)
	assert.Equal(t, b.ID, *list[2].PeerID)
	assert.Zero(t, list[2].UnreadCount, "own messages are never unread")

	_, err = f.svc.MarkRead(ctx, toB.ID, b.ID)
	require.NoError(t, err)
	forB, err := f.svc.Conversations(ctx, b.ID, 0)
	require.NoError(t, err)
	require.Len(t, forB, 2)
	assert.Equal(t, models.DirectConversationKey(a.ID, b.ID), forB[1].ConversationID)
	assert.Equal(t, int64(1), forB[1].UnreadCount)
}

func TestMessageService_Search(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	a, b, c, outsider := f.users[0], f.users[1], f.users[2], f.users[3]
	group := testutil.SeedGroup(t, f.db, "trio", a, b, c)

	for _, in := range []SendMessageInput{
		{SenderID: a.ID, ReceiverID: &b.ID, Content: "Lunch at noon?"},
		{SenderID: b.ID, ReceiverID: &a.ID, Content: "lunch sounds good"},
		{SenderID: c.ID, GroupID: &group.ID, Content: "team LUNCH friday"},
		{SenderID: c.ID, ReceiverID: &outsider.ID, Content: "lunch without ana"},
		{SenderID: a.ID, ReceiverID: &b.ID, Content: "100% agreed"},
	} {
		_, err := f.svc.Send(ctx, in)
		require.NoError(t, err)
	}

	all, err := f.svc.Search(ctx, SearchInput{UserID: a.ID, Query: "lunch"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	direct, err := f.svc.Search(ctx, SearchInput{UserID: a.ID, Query: "LUNCH", ConversationKey: models.DirectConversationKey(a.ID, b.ID)})
	require.NoError(t, err)
	assert.Len(t, direct, 2)

	percent, err := f.svc.Search(ctx, SearchInput{UserID: a.ID, Query: "0%"})
	require.NoError(t, err)
	require.Len(t, percent, 1)
	assert.Equal(t, "100% agreed", percent[0].Content)

	_, err = f.svc.Search(ctx, SearchInput{UserID: a.ID, Query: "  "})
	assertValidationError(t, err)

	_, err = f.svc.Search(ctx, SearchInput{UserID: a.ID, Query: "lunch", ConversationKey: models.DirectConversationKey(c.ID, outsider.ID)})
	assertCode(t, err, models.ErrCodeForbidden)
	_, err = f.svc.Search(ctx, SearchInput{UserID: outsider.ID, Query: "lunch", ConversationKey: models.GroupConversationKey(group.ID)})
	assertCode(t, err, models.ErrCodeForbidden)
	_, err = f.svc.Search(ctx, SearchInput{UserID: a.ID, Query: "lunch", ConversationKey: "room:7"})
	assertValidationError(t, err)
}
