package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agora/internal/middleware"
	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/realtime"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Inbound frame types.
const (
	frameTyping          = "typing"
	frameSendMessage     = "sendMessage"
	frameCallSignal      = "callSignal"
	frameSubscribePost   = "subscribePost"
	frameUnsubscribePost = "unsubscribePost"
	frameSetStatus       = "setStatus"
)

// inboundFrame mirrors realtime.Envelope with the payload left undecoded.
type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type typingFrame struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type callSignalFrame struct {
	To      uint            `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

type postFrame struct {
	PostID uint `json:"postId"`
}

type statusFrame struct {
	Status models.OnlineStatus `json:"status"`
}

// WebSocketHandler upgrades an authenticated request into the user's live
// connection. A new connection supersedes any previous one for the user.
func (s *Server) WebSocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, ok := conn.Locals("userID").(uint)
		if !ok {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"unauthorized"}}`))
			_ = conn.Close()
			return
		}

		client := realtime.NewClient(conn, userID, s.config.SendBufferSize)
		ctx := observability.WithCorrelationID(context.Background(), client.ID())
		ctx = context.WithValue(ctx, middleware.UserIDKey, userID)

		client.IncomingHandler = func(c *realtime.Client, raw []byte) {
			if reply := s.handleFrame(ctx, c.UserID(), raw); reply != nil {
				if err := c.TrySend(reply); err != nil {
					s.wsLog.LogError(ctx, c.UserID(), err, "reply")
				}
			}
		}
		client.OnActivity = func(c *realtime.Client) {
			s.registry.Touch(ctx, c.UserID())
		}

		s.registry.Register(ctx, userID, client)

		go client.WritePump()
		client.ReadPump(func(c *realtime.Client) {
			s.registry.Unregister(ctx, c)
			c.Close()
		})
	})
}

// handleFrame dispatches one inbound frame and returns the frame to send
// back to the sender, if any.
func (s *Server) handleFrame(ctx context.Context, userID uint, raw []byte) []byte {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		return errorFrame(models.NewValidationError("Invalid frame"))
	}
	s.wsLog.LogMessage(ctx, userID, frame.Type)

	span, ctx := observability.StartFrameSpan(ctx, frame.Type, userID)
	defer span.End()

	switch frame.Type {
	case frameTyping:
		var p typingFrame
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return errorFrame(models.NewValidationError("Invalid typing payload"))
		}
		if !s.allowFrame(ctx, userID, "typing", 20, 10*time.Second) {
			return nil
		}
		if err := s.typing.SetTyping(ctx, p.ConversationID, userID, p.IsTyping); err != nil {
			return errorFrame(err)
		}
		return nil

	case frameSendMessage:
		var p sendMessageRequest
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return errorFrame(models.NewValidationError("Invalid message payload"))
		}
		if !s.allowFrame(ctx, userID, "send_message", 30, time.Minute) {
			return encodeFrame(realtime.EventError, realtime.ErrorPayload{
				Message: "Rate limit exceeded. Please wait a moment.",
				Code:    "RATE_LIMITED",
			})
		}
		msg, err := s.messageService.Send(ctx, p.input(userID))
		if err != nil {
			return errorFrame(err)
		}
		return encodeFrame(realtime.EventMessageSent, map[string]interface{}{"message": msg})

	case frameCallSignal:
		var p callSignalFrame
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return errorFrame(models.NewValidationError("Invalid signal payload"))
		}
		if err := s.callService.RelaySignal(ctx, userID, p.To, p.Payload); err != nil {
			return errorFrame(err)
		}
		return nil

	case frameSubscribePost, frameUnsubscribePost:
		var p postFrame
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.PostID == 0 {
			return errorFrame(models.NewValidationError("Invalid post id"))
		}
		if frame.Type == frameUnsubscribePost {
			s.topics.Unsubscribe(realtime.PostTopic(p.PostID), userID)
			return nil
		}
		if _, err := s.postRepo.GetByID(ctx, p.PostID); err != nil {
			return errorFrame(err)
		}
		s.topics.Subscribe(realtime.PostTopic(p.PostID), userID)
		return nil

	case frameSetStatus:
		var p statusFrame
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return errorFrame(models.NewValidationError("Invalid status payload"))
		}
		if err := s.registry.SetStatus(ctx, userID, p.Status); err != nil {
			return errorFrame(err)
		}
		return nil
	}

	return errorFrame(models.NewValidationError(fmt.Sprintf("Unknown frame type %q", frame.Type)))
}

// allowFrame applies the per-user frame rate limit when the
// realtime_rate_limit flag covers the user. Store errors fail open.
func (s *Server) allowFrame(ctx context.Context, userID uint, resource string, limit int, window time.Duration) bool {
	if !s.featureFlags.ThrottleFrames(userID) {
		return true
	}
	allowed, err := middleware.CheckRateLimit(ctx, s.redis, "ws_"+resource, fmt.Sprintf("user:%d", userID), limit, window)
	if err != nil {
		return true
	}
	return allowed
}

func errorFrame(err error) []byte {
	payload := realtime.ErrorPayload{Message: err.Error()}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		payload.Message = appErr.Message
		payload.Code = appErr.Code
	}
	return encodeFrame(realtime.EventError, payload)
}

func encodeFrame(event string, payload interface{}) []byte {
	frame, err := realtime.Encode(event, payload)
	if err != nil {
		return nil
	}
	return frame
}

// GetOnlineUsers lists the users with a live connection.
func (s *Server) GetOnlineUsers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"online_user_ids": s.registry.OnlineUserIDs()})
}
