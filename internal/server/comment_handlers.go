package server

import (
	"agora/internal/service"

	"github.com/gofiber/fiber/v2"
)

// CreateComment adds a top-level comment or a reply to a post.
func (s *Server) CreateComment(c *fiber.Ctx) error {
	postID, err := s.parseID(c, "postId")
	if err != nil {
		return nil
	}

	var req struct {
		Text     string `json:"text"`
		ParentID *uint  `json:"parent_id"`
	}
	if err := parseBody(c, &req); err != nil {
		return nil
	}

	comment, err := s.commentService.AddComment(c.UserContext(), service.AddCommentInput{
		PostID:   postID,
		AuthorID: currentUserID(c),
		Text:     req.Text,
		ParentID: req.ParentID,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(comment)
}

// GetComments returns a post's comments as a reply tree.
func (s *Server) GetComments(c *fiber.Ctx) error {
	postID, err := s.parseID(c, "postId")
	if err != nil {
		return nil
	}

	tree, err := s.commentService.ListTree(c.UserContext(), postID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(tree)
}

// DeleteComment soft-deletes a comment and its replies (author only).
func (s *Server) DeleteComment(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	deleted, err := s.commentService.DeleteComment(c.UserContext(), service.DeleteCommentInput{
		CommentID: id,
		UserID:    currentUserID(c),
	})
	if err != nil {
		return respondError(c, err)
	}

	ids := make([]uint, 0, len(deleted))
	for _, cm := range deleted {
		ids = append(ids, cm.ID)
	}
	return c.JSON(fiber.Map{"deleted_ids": ids})
}
