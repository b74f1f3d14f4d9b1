// Package subscription reconciles provider subscriptions and schedules into the local store.
package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miragespace/billsync/billing"
	"github.com/miragespace/billsync/broker"
	"github.com/miragespace/billsync/catalog"
	"github.com/miragespace/billsync/customer"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Provider fetches the authoritative subscription state
type Provider interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// CustomerResolver maps a provider customer onto its user
type CustomerResolver interface {
	Resolve(ctx context.Context, customerID string) (*customer.Customer, error)
}

// ReconcilerOptions contains the dependencies of Reconciler
type ReconcilerOptions struct {
	DB        *gorm.DB
	Provider  Provider
	Customers CustomerResolver
	Producer  broker.Producer
	Logger    *zap.Logger
	// TxOptions is used for every reconciliation transaction, nil uses the driver default
	TxOptions *sql.TxOptions
}

// Reconciler applies subscription and schedule events to the store
type Reconciler struct {
	ReconcilerOptions
	now func() time.Time
}

// NewReconciler returns a new Reconciler
func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Provider == nil {
		return nil, fmt.Errorf("nil Provider is invalid")
	}
	if option.Customers == nil {
		return nil, fmt.Errorf("nil Customers is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Producer == nil {
		option.Producer = broker.Nop{}
	}
	if err := option.DB.AutoMigrate(&Subscription{}, &Item{}, &Schedule{}, &Phase{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize subscription.Reconciler")
	}
	return &Reconciler{
		ReconcilerOptions: option,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func unixTimeValue(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

// normalize converts the provider subscription into the local record. A live subscription whose
// recurring price has no billing interval cannot be represented and is rejected.
func normalize(remote *stripe.Subscription, userID string) (*Subscription, error) {
	if remote == nil || remote.ID == "" {
		return nil, extErrors.Wrap(billing.ErrMalformedPayload, "Provider returned an empty subscription")
	}
	sub := &Subscription{
		ID:                 remote.ID,
		UserID:             userID,
		Status:             Status(remote.Status),
		CancelAtPeriodEnd:  remote.CancelAtPeriodEnd,
		CancelAt:           unixTime(remote.CancelAt),
		CanceledAt:         unixTime(remote.CanceledAt),
		CurrentPeriodStart: unixTimeValue(remote.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTimeValue(remote.CurrentPeriodEnd),
		TrialStart:         unixTime(remote.TrialStart),
		TrialEnd:           unixTime(remote.TrialEnd),
		Created:            unixTimeValue(remote.Created),
		EndedAt:            unixTime(remote.EndedAt),
	}
	if remote.Customer != nil {
		sub.CustomerID = remote.Customer.ID
	}
	if remote.Schedule != nil {
		sub.ScheduleID = remote.Schedule.ID
	}
	if remote.Items == nil {
		return sub, nil
	}
	for i, item := range remote.Items.Data {
		if item == nil || item.Price == nil || item.Price.ID == "" {
			return nil, extErrors.Wrapf(billing.ErrMalformedPayload, "Subscription %s item %d has no price", remote.ID, i)
		}
		price := item.Price
		if sub.Status.Live() && price.Type == stripe.PriceTypeRecurring &&
			(price.Recurring == nil || price.Recurring.Interval == "") {
			return nil, extErrors.Wrapf(billing.ErrMalformedPayload, "Recurring price %s has no billing interval", price.ID)
		}
		if i == 0 && price.Product != nil {
			sub.Tier = catalog.Tier(strings.ToLower(strings.TrimSpace(price.Product.Metadata["tier"])))
		}
		sub.Items = append(sub.Items, Item{
			ID:             item.ID,
			SubscriptionID: remote.ID,
			PriceID:        price.ID,
			Quantity:       item.Quantity,
		})
	}
	return sub, nil
}

// OnSubscriptionCreated handles a new subscription: it is the activation path, superseding the
// user's basic subscription in the same transaction.
func (r *Reconciler) OnSubscriptionCreated(ctx context.Context, subscriptionID, customerID string) (*Subscription, error) {
	return r.OnSubscriptionChanged(ctx, subscriptionID, customerID, true)
}

// OnSubscriptionDeleted handles a deleted subscription. The provider keeps deleted subscriptions
// retrievable, so this takes the same path as an update.
func (r *Reconciler) OnSubscriptionDeleted(ctx context.Context, subscriptionID, customerID string) (*Subscription, error) {
	return r.OnSubscriptionChanged(ctx, subscriptionID, customerID, false)
}

// OnSubscriptionChanged refetches the subscription from the provider and writes it, with its
// price attachments, in a single transaction. The event payload is only used for its identity.
func (r *Reconciler) OnSubscriptionChanged(ctx context.Context, subscriptionID, customerID string, isNew bool) (*Subscription, error) {
	logger := r.Logger.With(
		zap.String("SubscriptionID", subscriptionID),
		zap.String("CustomerID", customerID),
		zap.Bool("IsNew", isNew),
	)

	remote, err := r.Provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot fetch subscription from provider")
	}
	if remote.Customer != nil && remote.Customer.ID != "" {
		customerID = remote.Customer.ID
	}

	cust, err := r.Customers.Resolve(ctx, customerID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot resolve subscription owner")
	}

	desired, err := normalize(remote, cust.UserID)
	if err != nil {
		return nil, err
	}
	desired.CustomerID = customerID

	var superseded []Subscription
	var activated bool
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Subscription
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", subscriptionID)
		exists := lookupRes.Error == nil
		if !exists && !errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return lookupRes.Error
		}

		if exists && current.Superseded() {
			// a superseded basic subscription stays canceled whatever the provider reports
			desired.Status = StatusCanceled
			desired.SupersededBy = current.SupersededBy
			desired.SupersededAt = current.SupersededAt
			if desired.EndedAt == nil {
				desired.EndedAt = current.EndedAt
			}
		}

		activated = desired.Status.Live() && (isNew || !exists || !current.Status.Live())
		if activated {
			var err error
			superseded, err = r.supersedeBasic(tx, desired)
			if err != nil {
				return err
			}
		}

		if err := tx.Omit(clause.Associations).Save(desired).Error; err != nil {
			return err
		}
		if err := tx.Where("subscription_id = ?", desired.ID).Delete(&Item{}).Error; err != nil {
			return err
		}
		if len(desired.Items) > 0 {
			if err := tx.Omit(clause.Associations).Create(&desired.Items).Error; err != nil {
				return err
			}
		}
		return nil
	}, r.TxOptions)
	if err != nil {
		logger.Error("Unable to reconcile subscription",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(billing.ErrTransient, err.Error())
	}

	logger.Info("Subscription reconciled",
		zap.String("Status", string(desired.Status)),
		zap.Strings("PriceIDs", desired.PriceIDs()),
		zap.Int("Superseded", len(superseded)),
	)

	kind := broker.SubscriptionChanged
	if activated {
		kind = broker.SubscriptionActivated
	}
	r.notify(ctx, logger, broker.NewNotification(kind, desired.ID, desired.UserID, string(desired.Status)))
	for _, s := range superseded {
		r.notify(ctx, logger, broker.NewNotification(broker.SubscriptionSuperseded, s.ID, s.UserID, string(StatusCanceled)))
	}

	return desired, nil
}

// supersedeBasic cancels the user's other live basic subscriptions. When the activated subscription
// is itself basic only older ones are superseded, so replaying an old event cannot cancel a newer one.
func (r *Reconciler) supersedeBasic(tx *gorm.DB, activated *Subscription) ([]Subscription, error) {
	if activated.UserID == "" {
		return nil, nil
	}
	query := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", activated.UserID).
		Where("id <> ?", activated.ID).
		Where("status IN ?", liveStatuses).
		Where("tier = ?", catalog.TierBasic).
		Where("superseded_by = ?", "")
	if activated.Tier == catalog.TierBasic {
		query = query.Where("created <= ?", activated.Created)
	}

	var basics []Subscription
	if err := query.Find(&basics).Error; err != nil {
		return nil, err
	}
	if len(basics) == 0 {
		return nil, nil
	}

	now := r.now()
	ids := make([]string, 0, len(basics))
	for _, b := range basics {
		ids = append(ids, b.ID)
	}
	if err := tx.Model(&Subscription{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":        StatusCanceled,
			"ended_at":      now,
			"canceled_at":   gorm.Expr("COALESCE(canceled_at, ?)", now),
			"superseded_by": activated.ID,
			"superseded_at": now,
		}).Error; err != nil {
		return nil, err
	}
	return basics, nil
}

func (r *Reconciler) notify(ctx context.Context, logger *zap.Logger, n *broker.Notification) {
	if err := r.Producer.Publish(ctx, n); err != nil {
		logger.Warn("Unable to publish notification",
			zap.String("Kind", string(n.Kind)),
			zap.Error(err),
		)
	}
}
