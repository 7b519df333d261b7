package server

import (
	"agora/internal/models"
	"agora/internal/service"

	"github.com/gofiber/fiber/v2"
)

type sendMessageRequest struct {
	ReceiverID  *uint              `json:"receiver_id"`
	GroupID     *uint              `json:"group_id"`
	Content     string             `json:"content"`
	MessageType models.MessageType `json:"message_type"`
	MediaURL    string             `json:"media_url"`
	FileName    string             `json:"file_name"`
	FileSize    int64              `json:"file_size"`
	Duration    int                `json:"duration"`
	ReplyToID   *uint              `json:"reply_to_id"`
}

func (r sendMessageRequest) input(senderID uint) service.SendMessageInput {
	return service.SendMessageInput{
		SenderID:    senderID,
		ReceiverID:  r.ReceiverID,
		GroupID:     r.GroupID,
		Content:     r.Content,
		MessageType: r.MessageType,
		MediaURL:    r.MediaURL,
		FileName:    r.FileName,
		FileSize:    r.FileSize,
		Duration:    r.Duration,
		ReplyToID:   r.ReplyToID,
	}
}

// SendMessage persists a direct or group message and fans it out.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	msg, err := s.messageService.Send(c.UserContext(), req.input(currentUserID(c)))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// GetDirectMessages lists the conversation between the caller and :userId.
func (s *Server) GetDirectMessages(c *fiber.Ctx) error {
	otherID, err := s.parseID(c, "userId")
	if err != nil {
		return nil
	}

	msgs, err := s.messageService.DirectHistory(c.UserContext(), currentUserID(c), otherID, parseLimit(c, defaultPageLimit))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msgs)
}

// GetGroupMessages lists a group's messages for a member.
func (s *Server) GetGroupMessages(c *fiber.Ctx) error {
	groupID, err := s.parseID(c, "groupId")
	if err != nil {
		return nil
	}

	msgs, err := s.messageService.GroupHistory(c.UserContext(), currentUserID(c), groupID, parseLimit(c, defaultPageLimit))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msgs)
}

// GetConversations lists the caller's conversations with unread counts.
func (s *Server) GetConversations(c *fiber.Ctx) error {
	list, err := s.messageService.Conversations(c.UserContext(), currentUserID(c), parseLimit(c, defaultPageLimit))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(list)
}

// SearchMessages searches message content, optionally within ?conversation_id=.
func (s *Server) SearchMessages(c *fiber.Ctx) error {
	msgs, err := s.messageService.Search(c.UserContext(), service.SearchInput{
		UserID:          currentUserID(c),
		Query:           c.Query("q"),
		ConversationKey: c.Query("conversation_id"),
		Limit:           parseLimit(c, defaultPageLimit),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msgs)
}

func (s *Server) MarkMessageRead(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	msg, err := s.messageService.MarkRead(c.UserContext(), id, currentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// EditMessage replaces the content of the caller's message.
func (s *Server) EditMessage(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	msg, err := s.messageService.Edit(c.UserContext(), id, currentUserID(c), req.Content)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if _, err := s.messageService.Delete(c.UserContext(), id, currentUserID(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Message deleted"})
}
