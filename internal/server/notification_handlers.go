package server

import (
	"github.com/gofiber/fiber/v2"
)

// GetNotifications lists the caller's unread notifications, newest first.
func (s *Server) GetNotifications(c *fiber.Ctx) error {
	list, err := s.notificationService.ListUnread(c.UserContext(), currentUserID(c), parseLimit(c, defaultPageLimit))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(list)
}

func (s *Server) MarkNotificationRead(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	n, err := s.notificationService.MarkRead(c.UserContext(), id, currentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(n)
}

func (s *Server) MarkAllNotificationsRead(c *fiber.Ctx) error {
	count, err := s.notificationService.MarkAllRead(c.UserContext(), currentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"updated": count})
}
