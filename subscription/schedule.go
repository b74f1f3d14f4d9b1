package subscription

import (
	"time"

	"github.com/miragespace/billsync/catalog"
)

// Schedule is the local record of a provider subscription schedule
type Schedule struct {
	ID                string         `json:"id" gorm:"primaryKey"`        // Corresponds to Stripe's Subscription Schedule ID
	SubscriptionID    string         `json:"subscriptionId" gorm:"index"` // May be empty for schedules that have not started
	CustomerID        string         `json:"customerId"`
	Status            ScheduleStatus `json:"status"`
	CurrentPhaseIndex int            `json:"currentPhaseIndex"` // Phase matching the provider's current_phase, 0 when unknown
	NeedsReview       bool           `json:"needsReview"`       // Set when phase start dates are not increasing
	Phases            []Phase        `json:"phases" gorm:"foreignKey:ScheduleID"`
	EventAt           time.Time      `json:"-"`
	UpdatedAt         time.Time      `json:"-"`
}

// Phase is a single entry of a schedule, keyed by its position in the provider's list
type Phase struct {
	ScheduleID string         `json:"scheduleId" gorm:"primaryKey"`
	Index      int            `json:"index" gorm:"primaryKey;column:phase_index;autoIncrement:false"`
	StartDate  time.Time      `json:"startDate"`
	EndDate    *time.Time     `json:"endDate"`
	PriceID    string         `json:"priceId"`
	Price      *catalog.Price `json:"price,omitempty" gorm:"foreignKey:PriceID"`
}

// TableName keeps the phase table name explicit
func (Phase) TableName() string {
	return "schedule_phases"
}

// Position of the phase
func (p *Phase) Position() Position {
	return ClassifyPhase(p.Index)
}

// Authoritative reports whether the schedule still drives the subscription. Canceled, released and
// completed schedules are kept for history only.
func (s *Schedule) Authoritative() bool {
	if s == nil {
		return false
	}
	return s.Status == ScheduleActive || s.Status == ScheduleNotStarted
}

// PhaseAt returns the first phase at the position, nil if there is none
func (s *Schedule) PhaseAt(pos Position) *Phase {
	if s == nil {
		return nil
	}
	for i := range s.Phases {
		if s.Phases[i].Position() == pos {
			return &s.Phases[i]
		}
	}
	return nil
}

// monotonic reports whether every phase starts no earlier than the previous one
func monotonic(phases []Phase) bool {
	for i := 1; i < len(phases); i++ {
		if phases[i].StartDate.Before(phases[i-1].StartDate) {
			return false
		}
	}
	return true
}
