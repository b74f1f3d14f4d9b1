// Package external wraps the calls made to the billing provider.
package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/miragespace/billsync/billing"

	extErrors "github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

// ProviderOptions contains the configuration for Provider
type ProviderOptions struct {
	StripeClient *client.API
	Logger       *zap.Logger
	// FailureThreshold is the number of consecutive failures opening the circuit
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before probing again
	OpenTimeout time.Duration
}

// Provider fetches authoritative billing state from Stripe behind a circuit breaker
type Provider struct {
	ProviderOptions
	breaker *gobreaker.CircuitBreaker[any]
}

// NewProvider returns a new Provider
func NewProvider(option ProviderOptions) (*Provider, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.FailureThreshold == 0 {
		option.FailureThreshold = 5
	}
	if option.OpenTimeout <= 0 {
		option.OpenTimeout = 30 * time.Second
	}

	p := &Provider{
		ProviderOptions: option,
	}
	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Timeout:     option.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= option.FailureThreshold
		},
		// a missing object is an answer, not an outage
		IsSuccessful: func(err error) bool {
			return err == nil || notFound(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			option.Logger.Warn("Circuit breaker state changed",
				zap.String("Breaker", name),
				zap.String("From", from.String()),
				zap.String("To", to.String()),
			)
		},
	})
	return p, nil
}

func notFound(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound
}

// classify wraps provider errors into the billing taxonomy
func classify(err error, msg string) error {
	if notFound(err) {
		return extErrors.Wrap(billing.ErrMalformedPayload, msg+": "+err.Error())
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return extErrors.Wrap(billing.ErrTransient, msg+": provider circuit is open")
	}
	return extErrors.Wrap(billing.ErrTransient, msg+": "+err.Error())
}

func (p *Provider) execute(fn func() (any, error)) (any, error) {
	return p.breaker.Execute(fn)
}

// GetSubscription returns the subscription with its prices and their products expanded
func (p *Provider) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	params.AddExpand("items.data.price.product")

	v, err := p.execute(func() (any, error) {
		return p.StripeClient.Subscriptions.Get(id, params)
	})
	if err != nil {
		p.Logger.Error("Stripe returned error",
			zap.String("SubscriptionID", id),
			zap.Error(err),
		)
		return nil, classify(err, "Cannot get subscription")
	}
	return v.(*stripe.Subscription), nil
}

// GetCustomer returns the customer
func (p *Provider) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}

	v, err := p.execute(func() (any, error) {
		return p.StripeClient.Customers.Get(id, params)
	})
	if err != nil {
		p.Logger.Error("Stripe returned error",
			zap.String("CustomerID", id),
			zap.Error(err),
		)
		return nil, classify(err, "Cannot get customer")
	}
	return v.(*stripe.Customer), nil
}

// GetProduct returns the product, a deleted product is reported as not found
func (p *Provider) GetProduct(ctx context.Context, id string) (*stripe.Product, error) {
	params := &stripe.ProductParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}

	v, err := p.execute(func() (any, error) {
		return p.StripeClient.Products.Get(id, params)
	})
	if err != nil {
		p.Logger.Error("Stripe returned error",
			zap.String("ProductID", id),
			zap.Error(err),
		)
		return nil, classify(err, "Cannot get product")
	}
	return v.(*stripe.Product), nil
}

// GetPrice returns the price
func (p *Provider) GetPrice(ctx context.Context, id string) (*stripe.Price, error) {
	params := &stripe.PriceParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}

	v, err := p.execute(func() (any, error) {
		return p.StripeClient.Prices.Get(id, params)
	})
	if err != nil {
		p.Logger.Error("Stripe returned error",
			zap.String("PriceID", id),
			zap.Error(err),
		)
		return nil, classify(err, "Cannot get price")
	}
	return v.(*stripe.Price), nil
}

// ListProducts returns every product, active or not
func (p *Provider) ListProducts(ctx context.Context) ([]*stripe.Product, error) {
	v, err := p.execute(func() (any, error) {
		params := &stripe.ProductListParams{}
		params.Context = ctx
		products := make([]*stripe.Product, 0, 8)
		iter := p.StripeClient.Products.List(params)
		for iter.Next() {
			products = append(products, iter.Product())
		}
		return products, iter.Err()
	})
	if err != nil {
		p.Logger.Error("Stripe returned error",
			zap.Error(err),
		)
		return nil, classify(err, "Cannot list products")
	}
	return v.([]*stripe.Product), nil
}

// ListPrices returns every price, active or not
func (p *Provider) ListPrices(ctx context.Context) ([]*stripe.Price, error) {
	v, err := p.execute(func() (any, error) {
		params := &stripe.PriceListParams{}
		params.Context = ctx
		prices := make([]*stripe.Price, 0, 8)
		iter := p.StripeClient.Prices.List(params)
		for iter.Next() {
			prices = append(prices, iter.Price())
		}
		return prices, iter.Err()
	})
	if err != nil {
		p.Logger.Error("Stripe returned error",
			zap.Error(err),
		)
		return nil, classify(err, "Cannot list prices")
	}
	return v.([]*stripe.Price), nil
}
