package models

import "time"

const (
	// MaxCommentDepth is the deepest allowed reply level; top-level comments are depth 0.
	MaxCommentDepth = 3
	// CommentTombstone replaces the text of a soft-deleted comment.
	CommentTombstone = "[message deleted]"
)

// Comment is a node in a post's reply tree. Comments are never removed;
// deletion sets IsDeleted and replaces Text with CommentTombstone.
type Comment struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	PostID     uint       `gorm:"not null;index" json:"post_id"`
	AuthorID   uint       `gorm:"not null;index" json:"author_id"`
	ParentID   *uint      `gorm:"index" json:"parent_id,omitempty"`
	Depth      int        `gorm:"not null" json:"depth"`
	ReplyCount int        `gorm:"not null" json:"reply_count"`
	Order      int        `gorm:"column:sort_order;not null" json:"order"`
	Text       string     `gorm:"type:text;not null" json:"text"`
	IsDeleted  bool       `gorm:"not null" json:"is_deleted"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IsTopLevel reports whether the comment has no parent.
func (c *Comment) IsTopLevel() bool {
	return c.ParentID == nil
}
