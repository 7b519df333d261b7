package service

import (
	"context"
	"fmt"
	"strings"

	"agora/internal/events"
	"agora/internal/models"
	"agora/internal/observability"
	"agora/internal/realtime"
	"agora/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

const maxCommentLen = 10000

// CommentService maintains post comment trees.
type CommentService struct {
	commentRepo repository.CommentRepository
	postRepo    repository.PostRepository
	notifier    Notifier
	topics      TopicPublisher
	publisher   events.Publisher
	locks       keyedLocker
}

type AddCommentInput struct {
	PostID   uint
	AuthorID uint
	Text     string
	ParentID *uint
}

type DeleteCommentInput struct {
	CommentID uint
	UserID    uint
}

// CommentAddedPayload is the body of commentAdded.
type CommentAddedPayload struct {
	PostID   uint            `json:"postId"`
	Comment  *models.Comment `json:"comment"`
	ParentID *uint           `json:"parentId"`
}

// CommentDeletedPayload is the body of commentDeleted.
type CommentDeletedPayload struct {
	PostID    uint `json:"postId"`
	CommentID uint `json:"commentId"`
}

func NewCommentService(
	commentRepo repository.CommentRepository,
	postRepo repository.PostRepository,
	notifier Notifier,
	topics TopicPublisher,
	publisher events.Publisher,
) *CommentService {
	return &CommentService{
		commentRepo: commentRepo,
		postRepo:    postRepo,
		notifier:    notifier,
		topics:      topics,
		publisher:   publisher,
	}
}

// AddComment creates a top-level comment or a reply.
func (s *CommentService) AddComment(ctx context.Context, in AddCommentInput) (*models.Comment, error) {
	span, ctx := observability.NewSpan(ctx, "CommentService.AddComment",
		observability.IDAttr("post", in.PostID))
	defer span.End()

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, models.NewValidationError("Text is required")
	}
	if len(text) > maxCommentLen {
		return nil, models.NewValidationError("Comment too long (max 10000 characters)")
	}

	post, err := s.postRepo.GetByID(ctx, in.PostID)
	if err != nil {
		return nil, err
	}

	comment := &models.Comment{
		PostID:   in.PostID,
		AuthorID: in.AuthorID,
		Text:     text,
	}

	var parent *models.Comment
	if in.ParentID != nil {
		parent, err = s.commentRepo.GetByID(ctx, *in.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.PostID != in.PostID {
			return nil, models.NewValidationError("Parent comment belongs to another post")
		}
		if parent.Depth >= models.MaxCommentDepth {
			return nil, models.NewDepthExceededError(models.MaxCommentDepth)
		}
		comment.ParentID = &parent.ID
		comment.Depth = parent.Depth + 1
	}

	unlock := s.locks.Lock(siblingKey(in.PostID, comment.ParentID))
	err = s.commentRepo.Create(ctx, comment)
	unlock()
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	s.topics.Publish(ctx, realtime.PostTopic(in.PostID), realtime.EventCommentAdded, CommentAddedPayload{
		PostID:   in.PostID,
		Comment:  comment,
		ParentID: comment.ParentID,
	})
	events.Emit(ctx, s.publisher, events.CommentAdded, comment)

	notice := NotifyInput{
		RecipientID: post.AuthorID,
		SenderID:    in.AuthorID,
		Type:        models.NotificationComment,
		PostID:      &comment.PostID,
		CommentID:   &comment.ID,
	}
	if parent != nil {
		notice.RecipientID = parent.AuthorID
		notice.Type = models.NotificationReply
	}
	if _, err := s.notifier.Notify(ctx, notice); err != nil {
		observability.LogAsyncOperationError(ctx, "comment_notification", err, map[string]interface{}{
			"comment_id": comment.ID,
		})
	}

	return comment, nil
}

// DeleteComment tombstones a comment and every reply beneath it. Only the
// author may delete. It returns every affected comment, root first.
func (s *CommentService) DeleteComment(ctx context.Context, in DeleteCommentInput) ([]*models.Comment, error) {
	span, ctx := observability.NewSpan(ctx, "CommentService.DeleteComment",
		observability.IDAttr("comment", in.CommentID))
	defer span.End()

	comment, err := s.commentRepo.GetByID(ctx, in.CommentID)
	if err != nil {
		return nil, err
	}
	if comment.AuthorID != in.UserID {
		return nil, models.NewForbiddenError("You can only delete your own comments")
	}

	affected, err := s.commentRepo.SoftDeleteCascade(ctx, in.CommentID)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	span.AddAttributes(attribute.Int("comments.affected", len(affected)))

	topic := realtime.PostTopic(comment.PostID)
	for _, c := range affected {
		s.topics.Publish(ctx, topic, realtime.EventCommentDeleted, CommentDeletedPayload{
			PostID:    c.PostID,
			CommentID: c.ID,
		})
	}
	events.Emit(ctx, s.publisher, events.CommentDeleted, CommentDeletedPayload{
		PostID:    comment.PostID,
		CommentID: comment.ID,
	})
	return affected, nil
}

// ListTree returns a post's comments nested by reply.
func (s *CommentService) ListTree(ctx context.Context, postID uint) ([]*CommentNode, error) {
	if _, err := s.postRepo.GetByID(ctx, postID); err != nil {
		return nil, err
	}
	comments, err := s.commentRepo.ListByPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	return BuildTree(comments), nil
}

func siblingKey(postID uint, parentID *uint) string {
	if parentID == nil {
		return fmt.Sprintf("%d:root", postID)
	}
	return fmt.Sprintf("%d:%d", postID, *parentID)
}
