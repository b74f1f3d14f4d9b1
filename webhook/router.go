package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/miragespace/billsync/billing"
	"github.com/miragespace/billsync/event"
	"github.com/miragespace/billsync/subscription"

	extErrors "github.com/pkg/errors"
)

// CatalogReconciler applies product and price events
type CatalogReconciler interface {
	UpsertProduct(ctx context.Context, p *event.Product, at time.Time) error
	DeleteProduct(ctx context.Context, p *event.Product, at time.Time) error
	UpsertPrice(ctx context.Context, p *event.Price, at time.Time) error
	DeletePrice(ctx context.Context, p *event.Price, at time.Time) error
}

// SubscriptionReconciler applies subscription and schedule events
type SubscriptionReconciler interface {
	OnSubscriptionCreated(ctx context.Context, subscriptionID, customerID string) (*subscription.Subscription, error)
	OnSubscriptionChanged(ctx context.Context, subscriptionID, customerID string, isNew bool) (*subscription.Subscription, error)
	OnSubscriptionDeleted(ctx context.Context, subscriptionID, customerID string) (*subscription.Subscription, error)
	UpsertSchedule(ctx context.Context, s *event.Schedule, at time.Time) (*subscription.Schedule, error)
}

// Call is a single reconciler invocation produced by routing an event
type Call struct {
	Name string
	// Keys are locked for the duration of Run
	Keys []string
	Run  func(ctx context.Context) error
}

// Router maps events onto reconciler calls
type Router struct {
	Catalog       CatalogReconciler
	Subscriptions SubscriptionReconciler
}

func productKey(id string) string      { return "product:" + id }
func priceKey(id string) string        { return "price:" + id }
func subscriptionKey(id string) string { return "subscription:" + id }
func customerKey(id string) string     { return "customer:" + id }

// subscriptionKeys locks the subscription and its customer: activating a subscription may
// supersede another subscription of the same customer.
func subscriptionKeys(subscriptionID, customerID string) []string {
	return []string{subscriptionKey(subscriptionID), customerKey(customerID)}
}

// scheduleKeys locks by subscription, falling back to the customer then the schedule itself
func scheduleKeys(s *event.Schedule) []string {
	switch {
	case s.Subscription != "":
		return []string{subscriptionKey(s.Subscription.String())}
	case s.Customer != "":
		return []string{customerKey(s.Customer.String())}
	default:
		return []string{"schedule:" + s.ID}
	}
}

func drop(_ interface{}, err error) error {
	return err
}

// Route returns the calls for the event. An empty result means the event is acknowledged
// without any mutation.
func (rt *Router) Route(ev *event.Event) ([]Call, error) {
	at := ev.Created
	name := ev.Type.String()

	switch p := ev.Payload.(type) {
	case *event.Product:
		run := func(ctx context.Context) error { return rt.Catalog.UpsertProduct(ctx, p, at) }
		if ev.Type == event.ProductDeleted {
			run = func(ctx context.Context) error { return rt.Catalog.DeleteProduct(ctx, p, at) }
		}
		return []Call{{Name: name, Keys: []string{productKey(p.ID)}, Run: run}}, nil

	case *event.Price:
		run := func(ctx context.Context) error { return rt.Catalog.UpsertPrice(ctx, p, at) }
		if ev.Type == event.PriceDeleted {
			run = func(ctx context.Context) error { return rt.Catalog.DeletePrice(ctx, p, at) }
		}
		return []Call{{Name: name, Keys: []string{priceKey(p.ID)}, Run: run}}, nil

	case *event.CheckoutSession:
		if p.Mode != "subscription" {
			return nil, nil
		}
		if p.Subscription == "" || p.Customer == "" {
			return nil, extErrors.Wrap(billing.ErrMalformedPayload, "Subscription checkout without subscription or customer")
		}
		subID, cusID := p.Subscription.String(), p.Customer.String()
		return []Call{{
			Name: name,
			Keys: subscriptionKeys(subID, cusID),
			Run: func(ctx context.Context) error {
				return drop(rt.Subscriptions.OnSubscriptionChanged(ctx, subID, cusID, true))
			},
		}}, nil

	case *event.Subscription:
		subID, cusID := p.ID, p.Customer.String()
		var run func(ctx context.Context) error
		switch ev.Type {
		case event.SubscriptionCreated:
			run = func(ctx context.Context) error {
				return drop(rt.Subscriptions.OnSubscriptionCreated(ctx, subID, cusID))
			}
		case event.SubscriptionDeleted:
			run = func(ctx context.Context) error {
				return drop(rt.Subscriptions.OnSubscriptionDeleted(ctx, subID, cusID))
			}
		default:
			run = func(ctx context.Context) error {
				return drop(rt.Subscriptions.OnSubscriptionChanged(ctx, subID, cusID, false))
			}
		}
		return []Call{{Name: name, Keys: subscriptionKeys(subID, cusID), Run: run}}, nil

	case *event.Schedule:
		return []Call{{
			Name: name,
			Keys: scheduleKeys(p),
			Run: func(ctx context.Context) error {
				return drop(rt.Subscriptions.UpsertSchedule(ctx, p, at))
			},
		}}, nil

	default:
		return nil, extErrors.Wrap(billing.ErrUnsupportedEvent, fmt.Sprintf("no route for payload %T", ev.Payload))
	}
}
