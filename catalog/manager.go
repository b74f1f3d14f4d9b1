// Package catalog keeps the local copy of the provider's products and prices.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miragespace/billsync/billing"
	"github.com/miragespace/billsync/event"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Resolver returns the provider's current copy of a catalog object. It settles events
// that cannot be ordered by their timestamp.
type Resolver interface {
	GetProduct(ctx context.Context, id string) (*stripe.Product, error)
	GetPrice(ctx context.Context, id string) (*stripe.Price, error)
}

// ManagerOptions contains the dependencies of Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
	// Provider is optional. Without it a deactivation wins over a write from the same second.
	Provider Resolver
}

// Manager handles the database operations relating to Products and Prices
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for the catalog
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Product{}, &Price{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize catalog.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

var (
	productColumns = []string{"name", "description", "active", "tier", "sort_index", "metadata", "event_at", "updated_at"}
	priceColumns   = []string{"product_id", "active", "currency", "unit_amount", "type", "interval", "interval_count", "trial_period_days", "nickname", "metadata", "event_at", "updated_at"}
)

// newerOnly makes an upsert a no-op unless the event is strictly newer than the stored row.
// With orEqual a write from the same instant also applies.
func newerOnly(table string, columns []string, orEqual bool) clause.OnConflict {
	op := " < "
	if orEqual {
		op = " <= "
	}
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: table + ".event_at" + op + "excluded.event_at"}}},
		DoUpdates: clause.AssignmentColumns(columns),
	}
}

func (m *Manager) upsert(ctx context.Context, v interface{}, orEqual bool) (bool, error) {
	var conflict clause.OnConflict
	switch v.(type) {
	case *Product:
		conflict = newerOnly("products", productColumns, orEqual)
	case *Price:
		conflict = newerOnly("prices", priceColumns, orEqual)
	default:
		return false, fmt.Errorf("cannot upsert %T", v)
	}
	result := m.DB.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(conflict).
		Create(v)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(billing.ErrTransient, result.Error.Error())
	}
	return result.RowsAffected > 0, nil
}

// provider timestamps have second resolution, stored ones are compared at the store's precision
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}

// gone reports whether the provider no longer has the object
func gone(err error) bool {
	return billing.KindOf(err) == billing.KindMalformed
}

func (m *Manager) lookup(ctx context.Context, dest interface{}, id string) error {
	if err := m.DB.WithContext(ctx).First(dest, "id = ?", id).Error; err != nil {
		m.Logger.Error("Database returned error",
			zap.Error(err),
		)
		return extErrors.Wrap(billing.ErrTransient, err.Error())
	}
	return nil
}

// writeProduct applies the product unless a later event already did. Two events from the same
// second cannot be ordered, the provider's current copy settles them.
func (m *Manager) writeProduct(ctx context.Context, product *Product) (bool, error) {
	applied, err := m.upsert(ctx, product, false)
	if err != nil || applied {
		return applied, err
	}

	var stored Product
	if err := m.lookup(ctx, &stored, product.ID); err != nil {
		return false, err
	}
	if !sameInstant(stored.EventAt, product.EventAt) {
		return false, nil
	}

	resolved := product
	switch {
	case m.Provider != nil:
		current, err := m.Provider.GetProduct(ctx, product.ID)
		if gone(err) {
			resolved = &stored
			resolved.Active = false
			resolved.UpdatedAt = time.Time{}
			break
		}
		if err != nil {
			return false, extErrors.Wrap(err, "Cannot resolve product")
		}
		resolved = productFromEvent(productFromStripe(current), product.EventAt)
	case !stored.Active && product.Active:
		// deactivation is sticky within the same second
		return false, nil
	}

	m.Logger.Debug("Product events from the same second, resolved",
		zap.String("ProductID", product.ID),
		zap.Bool("Active", resolved.Active),
	)
	return m.upsert(ctx, resolved, true)
}

// writePrice is writeProduct for prices
func (m *Manager) writePrice(ctx context.Context, price *Price) (bool, error) {
	applied, err := m.upsert(ctx, price, false)
	if err != nil || applied {
		return applied, err
	}

	var stored Price
	if err := m.lookup(ctx, &stored, price.ID); err != nil {
		return false, err
	}
	if !sameInstant(stored.EventAt, price.EventAt) {
		return false, nil
	}

	resolved := price
	switch {
	case m.Provider != nil:
		current, err := m.Provider.GetPrice(ctx, price.ID)
		if gone(err) {
			resolved = &stored
			resolved.Active = false
			resolved.UpdatedAt = time.Time{}
			break
		}
		if err != nil {
			return false, extErrors.Wrap(err, "Cannot resolve price")
		}
		if current.Product == nil {
			current.Product = &stripe.Product{ID: price.ProductID}
		}
		resolved = priceFromEvent(priceFromStripe(current), price.EventAt)
	case !stored.Active && price.Active:
		return false, nil
	}

	m.Logger.Debug("Price events from the same second, resolved",
		zap.String("PriceID", price.ID),
		zap.Bool("Active", resolved.Active),
	)
	return m.upsert(ctx, resolved, true)
}

func productFromEvent(p *event.Product, at time.Time) *Product {
	return &Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Active:      p.Active,
		Tier:        tierFromMetadata(p.Metadata),
		SortIndex:   sortIndexFromMetadata(p.Metadata),
		Metadata:    Metadata(p.Metadata),
		EventAt:     at,
	}
}

func priceFromEvent(p *event.Price, at time.Time) *Price {
	price := &Price{
		ID:         p.ID,
		ProductID:  p.Product.String(),
		Active:     p.Active,
		Currency:   p.Currency,
		UnitAmount: p.UnitAmount,
		Type:       p.Type,
		Nickname:   p.Nickname,
		Metadata:   Metadata(p.Metadata),
		EventAt:    at,
	}
	if p.Recurring != nil {
		price.Interval = p.Recurring.Interval
		price.IntervalCount = p.Recurring.IntervalCount
		price.TrialPeriodDays = p.Recurring.TrialPeriodDays
	}
	return price
}

// UpsertProduct writes the product as described by the event. Created and updated events
// share this path; a write older than the stored row is ignored.
func (m *Manager) UpsertProduct(ctx context.Context, p *event.Product, at time.Time) error {
	applied, err := m.writeProduct(ctx, productFromEvent(p, at))
	if err != nil {
		return extErrors.Wrap(err, "Cannot upsert product")
	}
	if !applied {
		m.Logger.Info("Stale product event ignored", zap.String("ProductID", p.ID))
	}
	return nil
}

// DeleteProduct marks the product inactive. Its prices are left untouched.
func (m *Manager) DeleteProduct(ctx context.Context, p *event.Product, at time.Time) error {
	product := productFromEvent(p, at)
	product.Active = false
	if _, err := m.writeProduct(ctx, product); err != nil {
		return extErrors.Wrap(err, "Cannot deactivate product")
	}
	return nil
}

// UpsertPrice writes the price as described by the event. The owning product does not need
// to exist yet, it is resolved when reading.
func (m *Manager) UpsertPrice(ctx context.Context, p *event.Price, at time.Time) error {
	price := priceFromEvent(p, at)

	var count int64
	if err := m.DB.WithContext(ctx).Model(&Product{}).Where("id = ?", price.ProductID).Count(&count).Error; err != nil {
		m.Logger.Error("Database returned error",
			zap.Error(err),
		)
		return extErrors.Wrap(billing.ErrTransient, err.Error())
	}
	if count == 0 {
		m.Logger.Info("Price references a product not yet known",
			zap.String("PriceID", price.ID),
			zap.String("ProductID", price.ProductID),
		)
	}

	applied, err := m.writePrice(ctx, price)
	if err != nil {
		return extErrors.Wrap(err, "Cannot upsert price")
	}
	if !applied {
		m.Logger.Info("Stale price event ignored", zap.String("PriceID", p.ID))
	}
	return nil
}

// DeletePrice marks the price inactive
func (m *Manager) DeletePrice(ctx context.Context, p *event.Price, at time.Time) error {
	price := priceFromEvent(p, at)
	price.Active = false
	if _, err := m.writePrice(ctx, price); err != nil {
		return extErrors.Wrap(err, "Cannot deactivate price")
	}
	return nil
}

// ListActiveProducts returns the active products with their active prices. Products are ordered
// by their "index" metadata then name, prices by amount.
func (m *Manager) ListActiveProducts(ctx context.Context) ([]Product, error) {
	products := make([]Product, 0, 4)
	result := m.DB.WithContext(ctx).
		Preload("Prices", func(db *gorm.DB) *gorm.DB {
			return db.Where("active = ?", true).Order("unit_amount asc")
		}).
		Where("active = ?", true).
		Order("sort_index asc").
		Order("name asc").
		Find(&products)

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list active products")
	}
	return products, nil
}

// GetPrice returns the price with its product resolved, or nil if unknown.
// Price.Product is nil when the product has not been received yet.
func (m *Manager) GetPrice(ctx context.Context, id string) (*Price, error) {
	var price Price

	result := m.DB.WithContext(ctx).Preload("Product").First(&price, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get price by id")
	}

	return &price, nil
}

// GetProduct returns the product by id, or nil if unknown
func (m *Manager) GetProduct(ctx context.Context, id string) (*Product, error) {
	var product Product

	result := m.DB.WithContext(ctx).First(&product, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get product by id")
	}

	return &product, nil
}
