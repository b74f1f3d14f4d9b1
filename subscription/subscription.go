package subscription

import (
	"time"

	"github.com/miragespace/billsync/catalog"
)

// Subscription is the local record of a provider subscription
type Subscription struct {
	ID                 string       `json:"id" gorm:"primaryKey"`     // Corresponds to Stripe's Subscription ID
	UserID             string       `json:"userId" gorm:"index"`      // Owning user, resolved through the customer mapping
	CustomerID         string       `json:"customerId" gorm:"index"`  // Corresponds to Stripe's Customer ID
	Status             Status       `json:"status" gorm:"index"`
	Tier               catalog.Tier `json:"tier" gorm:"index"`        // Tier of the first item's product
	CancelAtPeriodEnd  bool         `json:"cancelAtPeriodEnd"`
	CancelAt           *time.Time   `json:"cancelAt"`
	CanceledAt         *time.Time   `json:"canceledAt"`
	CurrentPeriodStart time.Time    `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time    `json:"currentPeriodEnd"`
	TrialStart         *time.Time   `json:"trialStart"`
	TrialEnd           *time.Time   `json:"trialEnd"`
	Created            time.Time    `json:"created"`
	EndedAt            *time.Time   `json:"endedAt"`
	ScheduleID         string       `json:"scheduleId"`
	Schedule           *Schedule    `json:"schedule,omitempty" gorm:"foreignKey:ScheduleID"`
	SupersededBy       string       `json:"supersededBy,omitempty"` // The subscription that replaced this basic subscription
	SupersededAt       *time.Time   `json:"supersededAt,omitempty"`
	Items              []Item       `json:"items" gorm:"foreignKey:SubscriptionID"`
	UpdatedAt          time.Time    `json:"-"`
}

// Item attaches a Price to a Subscription
type Item struct {
	ID             string         `json:"id" gorm:"primaryKey"`        // Corresponds to Stripe's Subscription Item ID
	SubscriptionID string         `json:"subscriptionId" gorm:"index"` // Corresponds to the parent subscription ID that this item belongs to
	PriceID        string         `json:"priceId" gorm:"index"`
	Price          *catalog.Price `json:"price,omitempty" gorm:"foreignKey:PriceID"`
	Quantity       int64          `json:"quantity"`
}

// TableName keeps the item table name explicit
func (Item) TableName() string {
	return "subscription_items"
}

// CurrentPrice returns the price of the first item, nil when it is unknown locally
func (s *Subscription) CurrentPrice() *catalog.Price {
	if s == nil || len(s.Items) == 0 {
		return nil
	}
	return s.Items[0].Price
}

// PriceIDs lists the prices attached to the subscription
func (s *Subscription) PriceIDs() []string {
	ids := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		ids = append(ids, item.PriceID)
	}
	return ids
}

// Superseded reports whether a newer subscription replaced this one
func (s *Subscription) Superseded() bool {
	return s.SupersededBy != ""
}

// ScheduledChange compares the next phase of an authoritative schedule against the current
// price. Both prices must be known locally, otherwise no change is reported.
func (s *Subscription) ScheduledChange() (Change, *Phase) {
	if s == nil || !s.Schedule.Authoritative() {
		return ChangeNone, nil
	}
	next := s.Schedule.PhaseAt(PositionNext)
	if next == nil {
		return ChangeNone, nil
	}
	current := s.CurrentPrice()
	if current == nil || next.Price == nil || current.ID == next.PriceID {
		return ChangeNone, next
	}
	switch a, b := current.AnnualAmount(), next.Price.AnnualAmount(); {
	case b > a:
		return ChangeUpgrade, next
	case b < a:
		return ChangeDowngrade, next
	default:
		return ChangeNone, next
	}
}
