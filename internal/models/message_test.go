package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uintPtr(v uint) *uint { return &v }

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name: "direct text",
			msg:  Message{SenderID: 1, ReceiverID: uintPtr(2), MessageType: MessageTypeText, Content: "hi"},
		},
		{
			name: "group text",
			msg:  Message{SenderID: 1, GroupID: uintPtr(7), MessageType: MessageTypeText, Content: "hi"},
		},
		{
			name:    "no target",
			msg:     Message{SenderID: 1, MessageType: MessageTypeText, Content: "hi"},
			wantErr: true,
		},
		{
			name:    "both targets",
			msg:     Message{SenderID: 1, ReceiverID: uintPtr(2), GroupID: uintPtr(7), MessageType: MessageTypeText, Content: "hi"},
			wantErr: true,
		},
		{
			name:    "self message",
			msg:     Message{SenderID: 1, ReceiverID: uintPtr(1), MessageType: MessageTypeText, Content: "hi"},
			wantErr: true,
		},
		{
			name:    "blank text",
			msg:     Message{SenderID: 1, ReceiverID: uintPtr(2), MessageType: MessageTypeText, Content: "   "},
			wantErr: true,
		},
		{
			name:    "unknown type",
			msg:     Message{SenderID: 1, ReceiverID: uintPtr(2), MessageType: "sticker", Content: "hi"},
			wantErr: true,
		},
		{
			name: "image without caption",
			msg:  Message{SenderID: 1, ReceiverID: uintPtr(2), MessageType: MessageTypeImage, MediaURL: "https://cdn/x.png"},
		},
		{
			name:    "image without media or caption",
			msg:     Message{SenderID: 1, ReceiverID: uintPtr(2), MessageType: MessageTypeImage},
			wantErr: true,
		},
		{
			name:    "too long",
			msg:     Message{SenderID: 1, ReceiverID: uintPtr(2), MessageType: MessageTypeText, Content: strings.Repeat("x", MaxMessageLength+1)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, HasCode(err, ErrCodeValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConversationKeys(t *testing.T) {
	assert.Equal(t, "dm:3:9", DirectConversationKey(9, 3))
	assert.Equal(t, DirectConversationKey(3, 9), DirectConversationKey(9, 3))
	assert.Equal(t, "group:12", GroupConversationKey(12))

	ref, err := ParseConversationKey("dm:9:3")
	require.NoError(t, err)
	assert.Equal(t, ConversationDirect, ref.Kind)
	assert.Equal(t, [2]uint{3, 9}, ref.UserIDs)
	assert.True(t, ref.Includes(9))
	assert.False(t, ref.Includes(4))

	ref, err = ParseConversationKey("group:12")
	require.NoError(t, err)
	assert.Equal(t, ConversationGroup, ref.Kind)
	assert.Equal(t, uint(12), ref.GroupID)

	for _, bad := range []string{"", "dm:1", "dm:1:1", "group:x", "room:1", "dm:0:2"} {
		_, err := ParseConversationKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestMessage_RecipientViews(t *testing.T) {
	msg := &Message{SenderID: 1}
	msg.SetRecipients([]uint{2, 3})
	assert.Equal(t, []uint{2, 3}, msg.RecipientIDs)
	assert.Empty(t, msg.ReadBy)
	assert.True(t, msg.HasRecipient(3))
	assert.False(t, msg.HasRecipient(1))

	now := time.Now()
	msg.Recipients[1].ReadAt = &now
	msg.SyncRecipientViews()
	assert.Equal(t, []uint{3}, msg.ReadBy)
}

func TestNewConversationSummary(t *testing.T) {
	direct := &Message{ConversationKey: DirectConversationKey(4, 9)}
	s, err := NewConversationSummary(9, direct, 2)
	require.NoError(t, err)
	assert.Equal(t, ConversationDirect, s.Kind)
	require.NotNil(t, s.PeerID)
	assert.Equal(t, uint(4), *s.PeerID)
	assert.Nil(t, s.GroupID)
	assert.Equal(t, int64(2), s.UnreadCount)

	_, err = NewConversationSummary(5, direct, 0)
	assert.True(t, HasCode(err, ErrCodeForbidden))

	s, err = NewConversationSummary(5, &Message{ConversationKey: GroupConversationKey(12)}, 0)
	require.NoError(t, err)
	require.NotNil(t, s.GroupID)
	assert.Equal(t, uint(12), *s.GroupID)
	assert.Nil(t, s.PeerID)
}

func TestCall_Helpers(t *testing.T) {
	now := time.Now()
	call := &Call{
		CallerID: 1,
		Participants: []CallParticipant{
			{UserID: 1, Status: ParticipantJoined, JoinedAt: &now},
			{UserID: 2, Status: ParticipantRinging},
			{UserID: 3, Status: ParticipantDeclined},
		},
	}

	assert.Equal(t, []uint{1, 2, 3}, call.ParticipantIDs())
	assert.Equal(t, 1, call.CountWithStatus(ParticipantJoined))
	assert.False(t, call.AnyCalleeJoined())
	require.NotNil(t, call.Participant(2))
	assert.Nil(t, call.Participant(9))

	call.Participant(2).JoinedAt = &now
	assert.True(t, call.AnyCalleeJoined())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, 400, StatusFor(NewValidationError("x")))
	assert.Equal(t, 404, StatusFor(NewNotFoundError("Post", 1)))
	assert.Equal(t, 403, StatusFor(NewForbiddenError("x")))
	assert.Equal(t, 422, StatusFor(NewDepthExceededError(MaxCommentDepth)))
	assert.Equal(t, 500, StatusFor(assert.AnError))
}
