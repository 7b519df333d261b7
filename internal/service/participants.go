package service

import (
	"context"

	"agora/internal/models"
	"agora/internal/repository"
)

// ConversationResolver maps conversation keys to their participants.
type ConversationResolver struct {
	groups repository.GroupRepository
}

func NewConversationResolver(groups repository.GroupRepository) *ConversationResolver {
	return &ConversationResolver{groups: groups}
}

// Participants implements realtime.ParticipantResolver.
func (r *ConversationResolver) Participants(ctx context.Context, conversationKey string) ([]uint, error) {
	ref, err := models.ParseConversationKey(conversationKey)
	if err != nil {
		return nil, err
	}
	if ref.Kind == models.ConversationDirect {
		return []uint{ref.UserIDs[0], ref.UserIDs[1]}, nil
	}
	return r.groups.MemberIDs(ctx, ref.GroupID)
}
