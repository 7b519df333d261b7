package repository

import (
	"context"
	"errors"

	"agora/internal/models"
	"agora/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CallRepository defines persistence operations for calls and their participants.
type CallRepository interface {
	Create(ctx context.Context, call *models.Call) error
	GetByID(ctx context.Context, id uint) (*models.Call, error)
	// Save persists the call row and every participant row together.
	Save(ctx context.Context, call *models.Call) error
	ListForUser(ctx context.Context, userID uint, limit int) ([]*models.Call, error)
}

type callRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewCallRepository returns a new CallRepository implementation.
func NewCallRepository(db *gorm.DB) CallRepository {
	return &callRepository{db: db, log: observability.NewRepoLogger("calls")}
}

func (r *callRepository) Create(ctx context.Context, call *models.Call) error {
	if err := r.db.WithContext(ctx).Create(call).Error; err != nil {
		r.log.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}
	r.log.LogCreate(ctx, map[string]interface{}{"call_id": call.ID, "room_id": call.RoomID})
	return nil
}

func (r *callRepository) GetByID(ctx context.Context, id uint) (*models.Call, error) {
	var call models.Call
	err := r.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("id asc") }).
		First(&call, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Call", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &call, nil
}

func (r *callRepository) Save(ctx context.Context, call *models.Call) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Save(call).Error; err != nil {
			return err
		}
		for i := range call.Participants {
			if err := tx.Save(&call.Participants[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.log.LogError(ctx, err, "save")
		return models.NewInternalError(err)
	}
	r.log.LogUpdate(ctx, map[string]interface{}{"call_id": call.ID, "status": call.Status})
	return nil
}

// ListForUser returns calls the user took part in, newest first.
func (r *callRepository) ListForUser(ctx context.Context, userID uint, limit int) ([]*models.Call, error) {
	defer observability.TrackQuery("list_for_user", "calls")()

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	sub := r.db.Model(&models.CallParticipant{}).Select("call_id").Where("user_id = ?", userID)

	var calls []*models.Call
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("id IN (?)", sub).
		Order("started_at desc, id desc").
		Limit(limit).
		Find(&calls).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return calls, nil
}
