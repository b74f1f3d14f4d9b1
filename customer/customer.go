package customer

import "time"

// DefaultUserMetadataKey is the provider customer metadata key holding the owning user id
const DefaultUserMetadataKey = "user_id"

// Customer maps a provider customer onto a local user
type Customer struct {
	ID        string    `json:"id" gorm:"primaryKey"`    // Corresponds to Stripe's customer ID
	UserID    string    `json:"userId" gorm:"index"`     // Owning user in the application
	Email     string    `json:"email"`                   // Informational, copied from Stripe
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}
