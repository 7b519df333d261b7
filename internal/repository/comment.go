package repository

import (
	"context"
	"errors"
	"time"

	"agora/internal/models"
	"agora/internal/observability"

	"gorm.io/gorm"
)

// CommentRepository defines persistence operations for post comment trees.
type CommentRepository interface {
	// Create assigns the sibling order, inserts the comment and bumps the
	// parent's reply count in one transaction.
	Create(ctx context.Context, comment *models.Comment) error
	GetByID(ctx context.Context, id uint) (*models.Comment, error)
	ListByPost(ctx context.Context, postID uint) ([]*models.Comment, error)
	// SoftDeleteCascade tombstones rootID and all of its descendants and
	// returns them root first.
	SoftDeleteCascade(ctx context.Context, rootID uint) ([]*models.Comment, error)
}

type commentRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewCommentRepository creates a new CommentRepository
func NewCommentRepository(db *gorm.DB) CommentRepository {
	return &commentRepository{db: db, log: observability.NewRepoLogger("comments")}
}

func (r *commentRepository) Create(ctx context.Context, comment *models.Comment) error {
	defer observability.TrackQuery("create", "comments")()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		siblings := tx.Model(&models.Comment{}).Where("post_id = ?", comment.PostID)
		if comment.IsTopLevel() {
			siblings = siblings.Where("parent_id IS NULL")
		} else {
			siblings = siblings.Where("parent_id = ?", *comment.ParentID)
		}

		var maxOrder int
		if err := siblings.Select("COALESCE(MAX(sort_order), 0)").Scan(&maxOrder).Error; err != nil {
			return err
		}
		comment.Order = maxOrder + 1

		if err := tx.Create(comment).Error; err != nil {
			return err
		}

		if comment.IsTopLevel() {
			return nil
		}
		res := tx.Model(&models.Comment{}).
			Where("id = ?", *comment.ParentID).
			UpdateColumn("reply_count", gorm.Expr("reply_count + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewNotFoundError("Comment", *comment.ParentID)
		}
		return nil
	})
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		r.log.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}

	r.log.LogCreate(ctx, map[string]interface{}{
		"comment_id": comment.ID,
		"post_id":    comment.PostID,
		"depth":      comment.Depth,
	})
	return nil
}

func (r *commentRepository) GetByID(ctx context.Context, id uint) (*models.Comment, error) {
	var comment models.Comment
	if err := r.db.WithContext(ctx).First(&comment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Comment", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &comment, nil
}

func (r *commentRepository) ListByPost(ctx context.Context, postID uint) ([]*models.Comment, error) {
	defer observability.TrackQuery("list_by_post", "comments")()

	var comments []*models.Comment
	err := r.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("created_at asc, id asc").
		Find(&comments).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return comments, nil
}

func (r *commentRepository) SoftDeleteCascade(ctx context.Context, rootID uint) ([]*models.Comment, error) {
	defer observability.TrackQuery("soft_delete_cascade", "comments")()

	var affected []*models.Comment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var root models.Comment
		if err := tx.First(&root, rootID).Error; err != nil {
			return err
		}
		affected = append(affected, &root)

		frontier := []uint{root.ID}
		for len(frontier) > 0 {
			var children []*models.Comment
			if err := tx.Where("parent_id IN ?", frontier).Order("id asc").Find(&children).Error; err != nil {
				return err
			}
			frontier = frontier[:0]
			for _, c := range children {
				affected = append(affected, c)
				frontier = append(frontier, c.ID)
			}
		}

		ids := make([]uint, len(affected))
		for i, c := range affected {
			ids[i] = c.ID
		}
		now := time.Now()
		if err := tx.Model(&models.Comment{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"is_deleted": true,
			"text":       models.CommentTombstone,
			"deleted_at": now,
		}).Error; err != nil {
			return err
		}

		for _, c := range affected {
			c.IsDeleted = true
			c.Text = models.CommentTombstone
			c.DeletedAt = &now
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Comment", rootID)
		}
		r.log.LogError(ctx, err, "soft_delete_cascade")
		return nil, models.NewInternalError(err)
	}

	observability.CommentCascadeSize.Observe(float64(len(affected)))
	r.log.LogDelete(ctx, map[string]interface{}{"comment_id": rootID, "affected": len(affected)})
	return affected, nil
}
