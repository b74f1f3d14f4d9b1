package catalog

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tier is the product's plan tier, taken from the "tier" metadata key
type Tier string

// Known tiers. Any other value is stored as-is.
const (
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

// Metadata is the provider's key/value metadata, stored as a JSON document
type Metadata map[string]string

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	return json.Unmarshal(b, m)
}

// GormDataType keeps the column portable between PostgreSQL and SQLite
func (Metadata) GormDataType() string {
	return "text"
}

// Product is a purchasable product. Products are never hard deleted.
type Product struct {
	ID          string    `json:"id" gorm:"primaryKey"` // Corresponds to Stripe's Product ID
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active" gorm:"index"`
	Tier        Tier      `json:"tier" gorm:"index"`
	SortIndex   int       `json:"-"` // from the "index" metadata key, used for display ordering
	Metadata    Metadata  `json:"metadata"`
	Prices      []Price   `json:"prices" gorm:"foreignKey:ProductID"`
	EventAt     time.Time `json:"-"` // provider creation time of the last applied event
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// Price belongs to a Product. The product may not exist locally yet.
type Price struct {
	ID              string    `json:"id" gorm:"primaryKey"`        // Corresponds to Stripe's Price ID
	ProductID       string    `json:"productId" gorm:"index"`      // Corresponds to Stripe's Product ID
	Product         *Product  `json:"product,omitempty" gorm:"foreignKey:ProductID"`
	Active          bool      `json:"active" gorm:"index"`
	Currency        string    `json:"currency"`
	UnitAmount      int64     `json:"unitAmount"`                  // In minor units of Currency
	Type            string    `json:"type"`                        // one_time or recurring
	Interval        string    `json:"interval"`                    // day, week, month or year. Empty for one time prices
	IntervalCount   int64     `json:"intervalCount"`
	TrialPeriodDays int64     `json:"trialPeriodDays"`
	Nickname        string    `json:"nickname"`
	Metadata        Metadata  `json:"metadata"`
	EventAt         time.Time `json:"-"`
	CreatedAt       time.Time `json:"-"`
	UpdatedAt       time.Time `json:"-"`
}

// Recurring reports whether the price bills on an interval
func (p *Price) Recurring() bool {
	return p.Type == "recurring" || p.Interval != ""
}

// AnnualAmount normalizes the price to a yearly amount so prices with different intervals
// can be compared. One time prices return their unit amount.
func (p *Price) AnnualAmount() int64 {
	count := p.IntervalCount
	if count <= 0 {
		count = 1
	}
	switch p.Interval {
	case "day":
		return p.UnitAmount * 365 / count
	case "week":
		return p.UnitAmount * 52 / count
	case "month":
		return p.UnitAmount * 12 / count
	case "year":
		return p.UnitAmount / count
	default:
		return p.UnitAmount
	}
}

func tierFromMetadata(md map[string]string) Tier {
	return Tier(strings.ToLower(strings.TrimSpace(md["tier"])))
}

func sortIndexFromMetadata(md map[string]string) int {
	i, err := strconv.Atoi(strings.TrimSpace(md["index"]))
	if err != nil {
		return 0
	}
	return i
}
