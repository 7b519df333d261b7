package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ConversationKind distinguishes direct and group conversations.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "dm"
	ConversationGroup  ConversationKind = "group"
)

// ConversationRef is a parsed conversation key.
type ConversationRef struct {
	Kind    ConversationKind
	GroupID uint
	// UserIDs holds the two participants of a direct conversation, lowest first.
	UserIDs [2]uint
}

// DirectConversationKey returns the canonical key for a direct conversation.
// The key is symmetric in a and b.
func DirectConversationKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%d", a, b)
}

// GroupConversationKey returns the key for a group conversation.
func GroupConversationKey(groupID uint) string {
	return fmt.Sprintf("group:%d", groupID)
}

// ParseConversationKey parses a key produced by DirectConversationKey or
// GroupConversationKey.
func ParseConversationKey(key string) (ConversationRef, error) {
	parts := strings.Split(key, ":")
	switch {
	case len(parts) == 3 && parts[0] == string(ConversationDirect):
		a, errA := parseID(parts[1])
		b, errB := parseID(parts[2])
		if errA != nil || errB != nil || a == b {
			return ConversationRef{}, NewValidationError("invalid conversation id")
		}
		if a > b {
			a, b = b, a
		}
		return ConversationRef{Kind: ConversationDirect, UserIDs: [2]uint{a, b}}, nil
	case len(parts) == 2 && parts[0] == string(ConversationGroup):
		id, err := parseID(parts[1])
		if err != nil {
			return ConversationRef{}, NewValidationError("invalid conversation id")
		}
		return ConversationRef{Kind: ConversationGroup, GroupID: id}, nil
	}
	return ConversationRef{}, NewValidationError("invalid conversation id")
}

// Includes reports whether userID is one of the two direct participants.
func (r ConversationRef) Includes(userID uint) bool {
	return r.Kind == ConversationDirect && (r.UserIDs[0] == userID || r.UserIDs[1] == userID)
}

// Peer returns the other participant of a direct conversation.
func (r ConversationRef) Peer(userID uint) (uint, bool) {
	if !r.Includes(userID) {
		return 0, false
	}
	if r.UserIDs[0] == userID {
		return r.UserIDs[1], true
	}
	return r.UserIDs[0], true
}

// ConversationSummary is one entry of a user's conversation list.
type ConversationSummary struct {
	ConversationID string           `json:"conversation_id"`
	Kind           ConversationKind `json:"kind"`
	PeerID         *uint            `json:"peer_id,omitempty"`
	GroupID        *uint            `json:"group_id,omitempty"`
	LastMessage    *Message         `json:"last_message"`
	UnreadCount    int64            `json:"unread_count"`
}

// NewConversationSummary describes last's conversation from viewerID's side.
func NewConversationSummary(viewerID uint, last *Message, unread int64) (*ConversationSummary, error) {
	ref, err := ParseConversationKey(last.ConversationKey)
	if err != nil {
		return nil, err
	}
	out := &ConversationSummary{
		ConversationID: last.ConversationKey,
		Kind:           ref.Kind,
		LastMessage:    last,
		UnreadCount:    unread,
	}
	if ref.Kind == ConversationGroup {
		id := ref.GroupID
		out.GroupID = &id
		return out, nil
	}
	peer, ok := ref.Peer(viewerID)
	if !ok {
		return nil, NewForbiddenError("You are not part of this conversation")
	}
	out.PeerID = &peer
	return out, nil
}

func parseID(s string) (uint, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(v), nil
}
