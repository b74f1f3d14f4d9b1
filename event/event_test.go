package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/miragespace/billsync/billing"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
)

func stripeEvent(id, typ, raw string) *stripe.Event {
	return &stripe.Event{
		ID:      id,
		Type:    typ,
		Created: 1700000000,
		Data: &stripe.EventData{
			Raw: json.RawMessage(raw),
		},
	}
}

func TestEveryTypeIsSupported(t *testing.T) {
	require.Len(t, Types(), 15)
	for _, typ := range Types() {
		require.True(t, typ.Supported(), typ)
	}
	require.False(t, Type("invoice.paid").Supported())
}

func TestParseUnsupported(t *testing.T) {
	_, err := Parse(stripeEvent("evt_1", "invoice.paid", `{"id":"in_1"}`), time.Now())
	require.True(t, errors.Is(err, billing.ErrUnsupportedEvent))
}

func TestParseProduct(t *testing.T) {
	ev, err := Parse(stripeEvent("evt_1", "product.updated", `{
		"id": "prod_1", "name": "Pro", "description": null, "active": true,
		"metadata": {"tier": "pro", "index": "2"}
	}`), time.Now())
	require.NoError(t, err)
	require.Equal(t, ProductUpdated, ev.Type)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), ev.Created)

	p, ok := ev.Payload.(*Product)
	require.True(t, ok)
	require.Equal(t, "prod_1", p.ObjectID())
	require.Equal(t, "pro", p.Metadata["tier"])
	require.Empty(t, p.Description)
}

func TestParsePriceWithExpandedProduct(t *testing.T) {
	ev, err := Parse(stripeEvent("evt_2", "price.created", `{
		"id": "price_1", "product": {"id": "prod_1", "object": "product"},
		"active": true, "currency": "usd", "unit_amount": 1500, "type": "recurring",
		"recurring": {"interval": "month", "interval_count": 1, "trial_period_days": 14}
	}`), time.Now())
	require.NoError(t, err)

	p := ev.Payload.(*Price)
	require.Equal(t, Ref("prod_1"), p.Product)
	require.EqualValues(t, 1500, p.UnitAmount)
	require.NotNil(t, p.Recurring)
	require.Equal(t, "month", p.Recurring.Interval)
	require.EqualValues(t, 14, p.Recurring.TrialPeriodDays)
}

func TestParseMalformed(t *testing.T) {
	cases := []*stripe.Event{
		stripeEvent("evt_3", "price.created", `{"id": "price_1"}`),
		stripeEvent("evt_4", "customer.subscription.updated", `{"id": "sub_1", "customer": null}`),
		stripeEvent("evt_5", "product.created", `{"id": 12}`),
		stripeEvent("evt_6", "price.updated", `{"id":"price_1","product":"prod_1","recurring":{"interval":"fortnight"}}`),
		{ID: "evt_7", Type: "product.created"},
		{Type: "product.created"},
	}
	for _, c := range cases {
		_, err := Parse(c, time.Now())
		require.True(t, errors.Is(err, billing.ErrMalformedPayload), c.ID)
	}
}

func TestParseSchedule(t *testing.T) {
	ev, err := Parse(stripeEvent("evt_8", "subscription_schedule.updated", `{
		"id": "sub_sched_1", "status": "active", "subscription": "sub_1", "customer": "cus_1",
		"current_phase": {"start_date": 1700000000, "end_date": 1702592000},
		"phases": [
			{"start_date": 1700000000, "end_date": 1702592000, "items": [{"price": "price_basic"}]},
			{"start_date": 1702592000, "items": [{"price": {"id": "price_pro"}}]}
		]
	}`), time.Now())
	require.NoError(t, err)

	s := ev.Payload.(*Schedule)
	require.Len(t, s.Phases, 2)
	require.Equal(t, "price_basic", s.Phases[0].PriceID())
	require.Equal(t, "price_pro", s.Phases[1].PriceID())
	require.Nil(t, s.Phases[1].EndDate.Time())
	require.Equal(t, Ref("sub_1"), s.Subscription)
}

func TestRefUnmarshal(t *testing.T) {
	var v struct {
		A Ref `json:"a"`
		B Ref `json:"b"`
		C Ref `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"cus_1","b":{"id":"cus_2"},"c":null}`), &v))
	require.Equal(t, Ref("cus_1"), v.A)
	require.Equal(t, Ref("cus_2"), v.B)
	require.Equal(t, Ref(""), v.C)
}
