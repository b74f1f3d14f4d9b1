package event

// Type is the provider's declared event type
type Type string

// Event types handled by the reconciliation engine
const (
	ProductCreated Type = "product.created"
	ProductUpdated Type = "product.updated"
	ProductDeleted Type = "product.deleted"

	PriceCreated Type = "price.created"
	PriceUpdated Type = "price.updated"
	PriceDeleted Type = "price.deleted"

	CheckoutSessionCompleted Type = "checkout.session.completed"

	SubscriptionCreated Type = "customer.subscription.created"
	SubscriptionUpdated Type = "customer.subscription.updated"
	SubscriptionDeleted Type = "customer.subscription.deleted"

	ScheduleCreated   Type = "subscription_schedule.created"
	ScheduleUpdated   Type = "subscription_schedule.updated"
	ScheduleCanceled  Type = "subscription_schedule.canceled"
	ScheduleReleased  Type = "subscription_schedule.released"
	ScheduleCompleted Type = "subscription_schedule.completed"
)

var supported = map[Type]struct{}{}

func init() {
	for _, t := range Types() {
		supported[t] = struct{}{}
	}
}

// Types returns every supported event type
func Types() []Type {
	return []Type{
		ProductCreated, ProductUpdated, ProductDeleted,
		PriceCreated, PriceUpdated, PriceDeleted,
		CheckoutSessionCompleted,
		SubscriptionCreated, SubscriptionUpdated, SubscriptionDeleted,
		ScheduleCreated, ScheduleUpdated, ScheduleCanceled, ScheduleReleased, ScheduleCompleted,
	}
}

// Supported reports whether t belongs to the handled taxonomy
func (t Type) Supported() bool {
	_, ok := supported[t]
	return ok
}

func (t Type) String() string {
	return string(t)
}
