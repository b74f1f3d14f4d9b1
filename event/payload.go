package event

import (
	"bytes"
	"encoding/json"
	"time"
)

// Payload is the typed body of an Event. The set of implementations is closed to this package.
type Payload interface {
	// ObjectID is the id of the provider object the event is about
	ObjectID() string
	isPayload()
}

// Ref is a reference to another provider object. The provider sends either the bare id
// or the expanded object, both decode into the id.
type Ref string

// UnmarshalJSON accepts a string, null or an object carrying an "id" field
func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Ref(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = Ref(obj.ID)
	return nil
}

func (r Ref) String() string {
	return string(r)
}

// Timestamp is a unix timestamp in seconds. Zero means absent.
type Timestamp int64

// Time converts the timestamp, returning nil when absent
func (t Timestamp) Time() *time.Time {
	if t == 0 {
		return nil
	}
	v := time.Unix(int64(t), 0).UTC()
	return &v
}

// Product is the payload of product.* events
type Product struct {
	ID          string            `json:"id" validate:"required"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Active      bool              `json:"active"`
	Metadata    map[string]string `json:"metadata"`
}

// Recurring describes the billing cadence of a recurring price
type Recurring struct {
	Interval        string `json:"interval" validate:"omitempty,oneof=day week month year"`
	IntervalCount   int64  `json:"interval_count" validate:"gte=0"`
	TrialPeriodDays int64  `json:"trial_period_days" validate:"gte=0"`
}

// Price is the payload of price.* events
type Price struct {
	ID         string            `json:"id" validate:"required"`
	Product    Ref               `json:"product" validate:"required"`
	Active     bool              `json:"active"`
	Currency   string            `json:"currency"`
	UnitAmount int64             `json:"unit_amount" validate:"gte=0"`
	Type       string            `json:"type" validate:"omitempty,oneof=one_time recurring"`
	Nickname   string            `json:"nickname"`
	Recurring  *Recurring        `json:"recurring"`
	Metadata   map[string]string `json:"metadata"`
}

// CheckoutSession is the payload of checkout.session.completed
type CheckoutSession struct {
	ID           string `json:"id" validate:"required"`
	Mode         string `json:"mode" validate:"required"`
	Customer     Ref    `json:"customer"`
	Subscription Ref    `json:"subscription"`
}

// Subscription is the payload of customer.subscription.* events. Only the identity is
// used, state is always refetched from the provider.
type Subscription struct {
	ID       string `json:"id" validate:"required"`
	Customer Ref    `json:"customer" validate:"required"`
	Status   string `json:"status"`
}

// PhaseItem is a single line of a schedule phase
type PhaseItem struct {
	Price Ref `json:"price"`
}

// Phase is a single entry of a schedule, in provider order
type Phase struct {
	StartDate Timestamp   `json:"start_date" validate:"required"`
	EndDate   Timestamp   `json:"end_date"`
	Items     []PhaseItem `json:"items" validate:"required,min=1"`
}

// PriceID is the price of the first item in the phase
func (p Phase) PriceID() string {
	if len(p.Items) == 0 {
		return ""
	}
	return string(p.Items[0].Price)
}

// CurrentPhase marks which phase the provider considers current
type CurrentPhase struct {
	StartDate Timestamp `json:"start_date"`
	EndDate   Timestamp `json:"end_date"`
}

// Schedule is the payload of subscription_schedule.* events
type Schedule struct {
	ID           string        `json:"id" validate:"required"`
	Status       string        `json:"status" validate:"required"`
	Subscription Ref           `json:"subscription"`
	Customer     Ref           `json:"customer"`
	CurrentPhase *CurrentPhase `json:"current_phase"`
	Phases       []Phase       `json:"phases" validate:"dive"`
}

func (p *Product) ObjectID() string         { return p.ID }
func (p *Price) ObjectID() string           { return p.ID }
func (c *CheckoutSession) ObjectID() string { return c.ID }
func (s *Subscription) ObjectID() string    { return s.ID }
func (s *Schedule) ObjectID() string        { return s.ID }

func (*Product) isPayload()         {}
func (*Price) isPayload()           {}
func (*CheckoutSession) isPayload() {}
func (*Subscription) isPayload()    {}
func (*Schedule) isPayload()        {}
