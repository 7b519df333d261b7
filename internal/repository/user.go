// Package repository implements the data access layer for the application.
package repository

import (
	"context"
	"errors"
	"time"

	"agora/internal/models"
	"agora/internal/observability"

	"gorm.io/gorm"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uint) (*models.User, error)
	UpdatePresence(ctx context.Context, userID uint, status models.OnlineStatus, connectionID string, seenAt time.Time) error
}

type userRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewUserRepository returns a new UserRepository implementation.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db, log: observability.NewRepoLogger("users")}
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if user.OnlineStatus == "" {
		user.OnlineStatus = models.StatusOffline
	}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		r.log.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("User", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &user, nil
}

// UpdatePresence writes the presence columns for one user.
func (r *userRepository) UpdatePresence(ctx context.Context, userID uint, status models.OnlineStatus, connectionID string, seenAt time.Time) error {
	defer observability.TrackQuery("update_presence", "users")()

	res := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"online_status": status,
			"connection_id": connectionID,
			"last_seen_at":  seenAt,
		})
	if res.Error != nil {
		r.log.LogError(ctx, res.Error, "update_presence")
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("User", userID)
	}
	return nil
}
