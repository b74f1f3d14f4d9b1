package catalog

import (
	"context"
	"time"

	"github.com/miragespace/billsync/event"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// Source lists the provider's catalog
type Source interface {
	ListProducts(ctx context.Context) ([]*stripe.Product, error)
	ListPrices(ctx context.Context) ([]*stripe.Price, error)
}

// SyncResult counts the rows written by Sync
type SyncResult struct {
	Products int
	Prices   int
}

// Sync copies the provider's full catalog into the store. It runs out of band from webhook
// processing and goes through the same upserts, so a newer event always wins over it.
func (m *Manager) Sync(ctx context.Context, src Source) (SyncResult, error) {
	var res SyncResult
	at := time.Now().UTC()

	products, err := src.ListProducts(ctx)
	if err != nil {
		return res, extErrors.Wrap(err, "Cannot list products from provider")
	}
	for _, p := range products {
		if err := m.UpsertProduct(ctx, productFromStripe(p), at); err != nil {
			return res, err
		}
		res.Products++
	}

	prices, err := src.ListPrices(ctx)
	if err != nil {
		return res, extErrors.Wrap(err, "Cannot list prices from provider")
	}
	for _, p := range prices {
		if p.Product == nil {
			m.Logger.Warn("Skipping price without product", zap.String("PriceID", p.ID))
			continue
		}
		if err := m.UpsertPrice(ctx, priceFromStripe(p), at); err != nil {
			return res, err
		}
		res.Prices++
	}

	m.Logger.Info("Catalog synchronized",
		zap.Int("Products", res.Products),
		zap.Int("Prices", res.Prices),
	)
	return res, nil
}

func productFromStripe(p *stripe.Product) *event.Product {
	return &event.Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Active:      p.Active,
		Metadata:    p.Metadata,
	}
}

func priceFromStripe(p *stripe.Price) *event.Price {
	price := &event.Price{
		ID:         p.ID,
		Product:    event.Ref(p.Product.ID),
		Active:     p.Active,
		Currency:   string(p.Currency),
		UnitAmount: p.UnitAmount,
		Type:       string(p.Type),
		Nickname:   p.Nickname,
		Metadata:   p.Metadata,
	}
	if p.Recurring != nil {
		price.Recurring = &event.Recurring{
			Interval:        string(p.Recurring.Interval),
			IntervalCount:   p.Recurring.IntervalCount,
			TrialPeriodDays: p.Recurring.TrialPeriodDays,
		}
	}
	return price
}
