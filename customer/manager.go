package customer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miragespace/billsync/billing"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Provider fetches customers from the billing provider
type Provider interface {
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
}

// ManagerOptions contains the dependencies of Manager
type ManagerOptions struct {
	DB       *gorm.DB
	Provider Provider
	Logger   *zap.Logger
	// UserMetadataKey is the customer metadata key holding the user id
	UserMetadataKey string
}

// Manager handles the database operations relating to Customers
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for customers
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Provider == nil {
		return nil, fmt.Errorf("nil Provider is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.UserMetadataKey == "" {
		option.UserMetadataKey = DefaultUserMetadataKey
	}
	if err := option.DB.AutoMigrate(&Customer{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize customer.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// GetByID will try to return the customer in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Customer, error) {
	var cust Customer

	result := m.DB.WithContext(ctx).First(&cust, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by id")
	}

	return &cust, nil
}

// Save links the provider customer to a user, replacing any previous link
func (m *Manager) Save(ctx context.Context, cust *Customer) error {
	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "email", "updated_at"}),
		}).
		Create(cust)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot save customer")
	}
	return nil
}

// Resolve returns the user owning the provider customer. The local mapping is tried first,
// then the provider's customer metadata, in which case the mapping is persisted.
// A customer that cannot be attributed to a user yields billing.ErrTransient.
func (m *Manager) Resolve(ctx context.Context, customerID string) (*Customer, error) {
	if customerID == "" {
		return nil, extErrors.Wrap(billing.ErrMalformedPayload, "Empty customer id")
	}

	cust, err := m.GetByID(ctx, customerID)
	if err != nil {
		return nil, extErrors.Wrap(billing.ErrTransient, err.Error())
	}
	if cust != nil && cust.UserID != "" {
		return cust, nil
	}

	remote, err := m.Provider.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot fetch customer from provider")
	}

	userID := strings.TrimSpace(remote.Metadata[m.UserMetadataKey])
	if userID == "" {
		m.Logger.Warn("Customer has no user mapping",
			zap.String("CustomerID", customerID),
			zap.String("MetadataKey", m.UserMetadataKey),
		)
		return nil, extErrors.Wrapf(billing.ErrTransient, "Customer %s is not linked to a user", customerID)
	}

	cust = &Customer{
		ID:     customerID,
		UserID: userID,
		Email:  remote.Email,
	}
	if err := m.Save(ctx, cust); err != nil {
		return nil, extErrors.Wrap(billing.ErrTransient, err.Error())
	}
	return cust, nil
}
