package subscription

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func withDetails(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Items.Price.Product").
		Preload("Schedule.Phases", func(db *gorm.DB) *gorm.DB {
			return db.Order("phase_index asc")
		}).
		Preload("Schedule.Phases.Price.Product")
}

// GetActiveForUser returns the user's trialing or active subscription with its prices, their products
// and its schedule. Returns nil when the user has none.
func (r *Reconciler) GetActiveForUser(ctx context.Context, userID string) (*Subscription, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("UserID is required")
	}
	var sub Subscription
	result := withDetails(r.DB.WithContext(ctx)).
		Where("user_id = ?", userID).
		Where("status IN ?", liveStatuses).
		Order("created desc").
		First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		r.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get active subscription for user")
	}

	return &sub, nil
}

// Get returns the subscription by id, or nil if unknown
func (r *Reconciler) Get(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	result := withDetails(r.DB.WithContext(ctx)).First(&sub, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		r.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}

	return &sub, nil
}

// ListForUser returns every subscription of the user, newest first
func (r *Reconciler) ListForUser(ctx context.Context, userID string) ([]Subscription, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("UserID is required")
	}
	results := make([]Subscription, 0, 1)
	result := r.DB.WithContext(ctx).
		Preload("Items").
		Where("user_id = ?", userID).
		Order("created desc").
		Find(&results)

	if result.Error != nil {
		r.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list subscriptions for user")
	}
	return results, nil
}

// GetSchedule returns the schedule with its phases, or nil if unknown
func (r *Reconciler) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	var sched Schedule
	result := r.DB.WithContext(ctx).
		Preload("Phases", func(db *gorm.DB) *gorm.DB {
			return db.Order("phase_index asc")
		}).
		First(&sched, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		r.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get schedule by id")
	}

	return &sched, nil
}
