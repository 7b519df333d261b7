package repository

import (
	"context"
	"errors"
	"time"

	"agora/internal/cache"
	"agora/internal/models"
	"agora/internal/observability"

	"gorm.io/gorm"
)

// GroupRepository defines persistence operations for group conversations.
type GroupRepository interface {
	Create(ctx context.Context, group *models.Group) error
	GetByID(ctx context.Context, id uint) (*models.Group, error)
	AddMember(ctx context.Context, groupID, userID uint, role models.GroupRole) error
	MemberIDs(ctx context.Context, groupID uint) ([]uint, error)
	RecordMessage(ctx context.Context, groupID, messageID uint) error
}

type groupRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewGroupRepository returns a new GroupRepository implementation.
func NewGroupRepository(db *gorm.DB) GroupRepository {
	return &groupRepository{db: db, log: observability.NewRepoLogger("groups")}
}

func (r *groupRepository) Create(ctx context.Context, group *models.Group) error {
	if err := r.db.WithContext(ctx).Create(group).Error; err != nil {
		r.log.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}
	r.log.LogCreate(ctx, map[string]interface{}{"group_id": group.ID, "members": len(group.Members)})
	return nil
}

func (r *groupRepository) GetByID(ctx context.Context, id uint) (*models.Group, error) {
	var group models.Group
	err := r.db.WithContext(ctx).Preload("Members").First(&group, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Group", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &group, nil
}

func (r *groupRepository) AddMember(ctx context.Context, groupID, userID uint, role models.GroupRole) error {
	if _, err := r.GetByID(ctx, groupID); err != nil {
		return err
	}
	member := models.GroupMember{GroupID: groupID, UserID: userID, Role: role, JoinedAt: time.Now()}
	if err := r.db.WithContext(ctx).Create(&member).Error; err != nil {
		r.log.LogError(ctx, err, "add_member")
		return models.NewInternalError(err)
	}
	cache.InvalidateGroup(ctx, groupID)
	return nil
}

// MemberIDs returns the group's member ids, served from cache when possible.
func (r *groupRepository) MemberIDs(ctx context.Context, groupID uint) ([]uint, error) {
	var ids []uint
	err := cache.Aside(ctx, cache.GroupKey(groupID), &ids, cache.GroupTTL, func() error {
		defer observability.TrackQuery("member_ids", "group_members")()

		group, err := r.GetByID(ctx, groupID)
		if err != nil {
			return err
		}
		ids = group.MemberIDs()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RecordMessage bumps the group's message counter and last message pointer.
func (r *groupRepository) RecordMessage(ctx context.Context, groupID, messageID uint) error {
	res := r.db.WithContext(ctx).
		Model(&models.Group{}).
		Where("id = ?", groupID).
		Updates(map[string]interface{}{
			"last_message_id": messageID,
			"message_count":   gorm.Expr("message_count + ?", 1),
		})
	if res.Error != nil {
		r.log.LogError(ctx, res.Error, "record_message")
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("Group", groupID)
	}
	return nil
}
