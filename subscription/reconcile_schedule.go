package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/miragespace/billsync/billing"
	"github.com/miragespace/billsync/broker"
	"github.com/miragespace/billsync/event"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func normalizeSchedule(s *event.Schedule, at time.Time) *Schedule {
	sched := &Schedule{
		ID:             s.ID,
		SubscriptionID: s.Subscription.String(),
		CustomerID:     s.Customer.String(),
		Status:         ScheduleStatus(s.Status),
		EventAt:        at,
		Phases:         make([]Phase, 0, len(s.Phases)),
	}
	for i, p := range s.Phases {
		phase := Phase{
			ScheduleID: s.ID,
			Index:      i,
			StartDate:  time.Unix(int64(p.StartDate), 0).UTC(),
			EndDate:    p.EndDate.Time(),
			PriceID:    p.PriceID(),
		}
		if s.CurrentPhase != nil && p.StartDate == s.CurrentPhase.StartDate {
			sched.CurrentPhaseIndex = i
		}
		sched.Phases = append(sched.Phases, phase)
	}
	sched.NeedsReview = !monotonic(sched.Phases)
	return sched
}

// UpsertSchedule stores the schedule and replaces its phases in one transaction. Phases keep the
// provider's order; when their start dates are not increasing the schedule is flagged for review.
// A schedule event older than the stored one is ignored.
func (r *Reconciler) UpsertSchedule(ctx context.Context, s *event.Schedule, at time.Time) (*Schedule, error) {
	logger := r.Logger.With(
		zap.String("ScheduleID", s.ID),
		zap.String("SubscriptionID", s.Subscription.String()),
	)

	desired := normalizeSchedule(s, at)
	if desired.NeedsReview {
		logger.Warn("Schedule phases are not in chronological order, flagged for review",
			zap.Int("Phases", len(desired.Phases)),
		)
	}

	var stale bool
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Schedule
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", desired.ID)
		if lookupRes.Error == nil {
			if current.EventAt.After(desired.EventAt) {
				stale = true
				return nil
			}
		} else if !errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return lookupRes.Error
		}

		if err := tx.Omit(clause.Associations).Save(desired).Error; err != nil {
			return err
		}
		if err := tx.Where("schedule_id = ?", desired.ID).Delete(&Phase{}).Error; err != nil {
			return err
		}
		if len(desired.Phases) > 0 {
			if err := tx.Omit(clause.Associations).Create(&desired.Phases).Error; err != nil {
				return err
			}
		}

		if desired.SubscriptionID == "" {
			return nil
		}
		link := tx.Model(&Subscription{}).Where("id = ?", desired.SubscriptionID)
		if desired.Authoritative() {
			return link.Update("schedule_id", desired.ID).Error
		}
		return link.Where("schedule_id = ?", desired.ID).Update("schedule_id", "").Error
	}, r.TxOptions)
	if err != nil {
		logger.Error("Unable to reconcile schedule",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(billing.ErrTransient, err.Error())
	}

	if stale {
		logger.Info("Stale schedule event ignored")
		return desired, nil
	}

	logger.Info("Schedule reconciled",
		zap.String("Status", string(desired.Status)),
		zap.Int("Phases", len(desired.Phases)),
		zap.Bool("NeedsReview", desired.NeedsReview),
	)
	if desired.SubscriptionID != "" {
		r.notify(ctx, logger, broker.NewNotification(broker.ScheduleChanged, desired.SubscriptionID, "", string(desired.Status)))
	}
	return desired, nil
}
