package server

import (
	"encoding/json"

	"agora/internal/models"
	"agora/internal/service"

	"github.com/gofiber/fiber/v2"
)

// InitiateCall starts a direct or group call.
func (s *Server) InitiateCall(c *fiber.Ctx) error {
	var req struct {
		ReceiverID *uint           `json:"receiver_id"`
		GroupID    *uint           `json:"group_id"`
		CallType   models.CallType `json:"call_type"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	call, err := s.callService.Initiate(c.UserContext(), service.InitiateCallInput{
		CallerID:   currentUserID(c),
		ReceiverID: req.ReceiverID,
		GroupID:    req.GroupID,
		CallType:   req.CallType,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(call)
}

func (s *Server) AnswerCall(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req struct {
		Answer string `json:"answer"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	call, err := s.callService.Answer(c.UserContext(), id, currentUserID(c), req.Answer)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(call)
}

func (s *Server) EndCall(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	call, err := s.callService.End(c.UserContext(), id, currentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(call)
}

func (s *Server) GetCall(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	call, err := s.callService.Get(c.UserContext(), id, currentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(call)
}

// GetCallHistory lists calls the caller took part in, newest first.
func (s *Server) GetCallHistory(c *fiber.Ctx) error {
	calls, err := s.callService.History(c.UserContext(), currentUserID(c), parseLimit(c, defaultPageLimit))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(calls)
}

// RelayCallSignal forwards an opaque signaling payload to a connected peer.
func (s *Server) RelayCallSignal(c *fiber.Ctx) error {
	var req struct {
		To      uint            `json:"to"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	if err := s.callService.RelaySignal(c.UserContext(), currentUserID(c), req.To, req.Payload); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}
