// Package event decodes provider events into a closed set of typed payloads.
package event

import (
	"encoding/json"
	"time"

	"github.com/miragespace/billsync/billing"

	"github.com/go-playground/validator/v10"
	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
)

var validate *validator.Validate = validator.New()

// Event is a verified, typed provider event. Events are never persisted.
type Event struct {
	ID         string
	Type       Type
	Created    time.Time
	ReceivedAt time.Time
	Payload    Payload
}

// Parse converts a verified provider event into an Event. Types outside the taxonomy yield
// billing.ErrUnsupportedEvent, payloads that do not match their type yield billing.ErrMalformedPayload.
func Parse(e *stripe.Event, receivedAt time.Time) (*Event, error) {
	if e == nil || len(e.ID) == 0 {
		return nil, extErrors.Wrap(billing.ErrMalformedPayload, "Event has no id")
	}
	t := Type(e.Type)
	if !t.Supported() {
		return nil, extErrors.Wrapf(billing.ErrUnsupportedEvent, "Event type %q", e.Type)
	}
	if e.Data == nil || len(e.Data.Raw) == 0 {
		return nil, extErrors.Wrap(billing.ErrMalformedPayload, "Event has no data.object")
	}

	var payload Payload
	switch t {
	case ProductCreated, ProductUpdated, ProductDeleted:
		payload = &Product{}
	case PriceCreated, PriceUpdated, PriceDeleted:
		payload = &Price{}
	case CheckoutSessionCompleted:
		payload = &CheckoutSession{}
	case SubscriptionCreated, SubscriptionUpdated, SubscriptionDeleted:
		payload = &Subscription{}
	default:
		payload = &Schedule{}
	}

	if err := json.Unmarshal(e.Data.Raw, payload); err != nil {
		return nil, extErrors.Wrap(billing.ErrMalformedPayload, "Cannot decode data.object: "+err.Error())
	}
	if err := validate.Struct(payload); err != nil {
		return nil, extErrors.Wrap(billing.ErrMalformedPayload, err.Error())
	}

	return &Event{
		ID:         e.ID,
		Type:       t,
		Created:    time.Unix(e.Created, 0).UTC(),
		ReceivedAt: receivedAt,
		Payload:    payload,
	}, nil
}
