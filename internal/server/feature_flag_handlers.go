package server

import (
	"github.com/gofiber/fiber/v2"
)

// GetFeatureFlags reports the flag configuration and what it means for the
// caller.
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	userID := currentUserID(c)

	return c.JSON(fiber.Map{
		"raw":             s.featureFlags.Raw(),
		"invalid":         s.featureFlags.Invalid(),
		"evaluated":       s.featureFlags.Snapshot(userID),
		"dedup_scope":     s.featureFlags.DedupScope(userID),
		"frame_throttled": s.featureFlags.ThrottleFrames(userID),
	})
}
