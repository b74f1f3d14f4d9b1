package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miragespace/billsync/billing"
	"github.com/miragespace/billsync/event"
	"github.com/miragespace/billsync/guard"
	"github.com/miragespace/billsync/subscription"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

const testSecret = "whsec_test"

func sign(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func envelope(id string, t event.Type, object string) []byte {
	return []byte(fmt.Sprintf(`{"id": %q, "object": "event", "api_version": %q, "type": %q, "created": %d, "data": {"object": %s}}`,
		id, stripe.APIVersion, t, time.Now().Unix(), object))
}

type fakeCatalog struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCatalog) record(name, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+":"+id)
	return f.err
}

func (f *fakeCatalog) UpsertProduct(ctx context.Context, p *event.Product, at time.Time) error {
	return f.record("upsertProduct", p.ID)
}

func (f *fakeCatalog) DeleteProduct(ctx context.Context, p *event.Product, at time.Time) error {
	return f.record("deleteProduct", p.ID)
}

func (f *fakeCatalog) UpsertPrice(ctx context.Context, p *event.Price, at time.Time) error {
	return f.record("upsertPrice", p.ID)
}

func (f *fakeCatalog) DeletePrice(ctx context.Context, p *event.Price, at time.Time) error {
	return f.record("deletePrice", p.ID)
}

func (f *fakeCatalog) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSubscriptions struct {
	mu      sync.Mutex
	calls   []string
	err     error
	delay   time.Duration
	running int32
	maxSeen int32
}

func (f *fakeSubscriptions) record(name, id string) error {
	n := atomic.AddInt32(&f.running, 1)
	defer atomic.AddInt32(&f.running, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+":"+id)
	return f.err
}

func (f *fakeSubscriptions) OnSubscriptionCreated(ctx context.Context, subscriptionID, customerID string) (*subscription.Subscription, error) {
	return nil, f.record("created", subscriptionID)
}

func (f *fakeSubscriptions) OnSubscriptionChanged(ctx context.Context, subscriptionID, customerID string, isNew bool) (*subscription.Subscription, error) {
	name := "changed"
	if isNew {
		name = "checkout"
	}
	return nil, f.record(name, subscriptionID)
}

func (f *fakeSubscriptions) OnSubscriptionDeleted(ctx context.Context, subscriptionID, customerID string) (*subscription.Subscription, error) {
	return nil, f.record("deleted", subscriptionID)
}

func (f *fakeSubscriptions) UpsertSchedule(ctx context.Context, s *event.Schedule, at time.Time) (*subscription.Schedule, error) {
	return nil, f.record("schedule", s.ID)
}

func (f *fakeSubscriptions) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	catalog *fakeCatalog
	subs    *fakeSubscriptions
	svc     *Service
	srv     *httptest.Server
}

func newHarness(t *testing.T, configure ...func(h *harness)) *harness {
	h := &harness{
		catalog: &fakeCatalog{},
		subs:    &fakeSubscriptions{},
	}
	for _, fn := range configure {
		fn(h)
	}
	deduper, err := guard.NewMemoryDeduper(128, time.Hour)
	require.NoError(t, err)

	svc, err := NewService(ServiceOptions{
		Verifier: &Verifier{Secret: testSecret},
		Deduper:  deduper,
		Locker:   guard.NewKeyedMutex(),
		Router: &Router{
			Catalog:       h.catalog,
			Subscriptions: h.subs,
		},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	h.svc = svc
	h.srv = httptest.NewServer(svc.Router())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) post(t *testing.T, body []byte, signature string) (int, map[string]interface{}) {
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/", bytes.NewReader(body))
	require.NoError(t, err)
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	out := map[string]interface{}{}
	json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func (h *harness) deliver(t *testing.T, body []byte) (int, map[string]interface{}) {
	return h.post(t, body, sign(body, testSecret, time.Now()))
}

func TestVerifier(t *testing.T) {
	body := envelope("evt_1", event.ProductCreated, `{"id": "prod_1"}`)

	v := &Verifier{Secret: testSecret}
	ev, err := v.Verify(body, sign(body, testSecret, time.Now()))
	require.NoError(t, err)
	require.Equal(t, "evt_1", ev.ID)

	cases := map[string]struct {
		verifier *Verifier
		header   string
	}{
		"no secret":      {&Verifier{}, sign(body, testSecret, time.Now())},
		"no header":      {v, ""},
		"wrong secret":   {v, sign(body, "whsec_other", time.Now())},
		"garbage header": {v, "not-a-signature"},
		"too old":        {v, sign(body, testSecret, time.Now().Add(-time.Hour))},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.verifier.Verify(body, c.header)
			require.True(t, errors.Is(err, billing.ErrAuthentication), "got %v", err)
		})
	}

	t.Run("tampered body", func(t *testing.T) {
		header := sign(body, testSecret, time.Now())
		tampered := bytes.Replace(body, []byte("prod_1"), []byte("prod_2"), 1)
		_, err := v.Verify(tampered, header)
		require.True(t, errors.Is(err, billing.ErrAuthentication))
	})
}

func payloadFor(typ event.Type) event.Payload {
	s := string(typ)
	switch {
	case strings.HasPrefix(s, "product."):
		return &event.Product{ID: "prod_1"}
	case strings.HasPrefix(s, "price."):
		return &event.Price{ID: "price_1", Product: "prod_1"}
	case strings.HasPrefix(s, "checkout."):
		return &event.CheckoutSession{ID: "cs_1", Mode: "subscription", Customer: "cus_1", Subscription: "sub_1"}
	case strings.HasPrefix(s, "customer.subscription."):
		return &event.Subscription{ID: "sub_1", Customer: "cus_1"}
	default:
		return &event.Schedule{ID: "sub_sched_1", Subscription: "sub_1", Customer: "cus_1"}
	}
}

func TestRouteCoversEveryType(t *testing.T) {
	catalog, subs := &fakeCatalog{}, &fakeSubscriptions{}
	rt := &Router{Catalog: catalog, Subscriptions: subs}

	for _, typ := range event.Types() {
		calls, err := rt.Route(&event.Event{ID: "evt_" + string(typ), Type: typ, Payload: payloadFor(typ)})
		require.NoError(t, err, typ)
		require.Len(t, calls, 1, typ)
		require.NotEmpty(t, calls[0].Keys, typ)
		require.NoError(t, calls[0].Run(context.Background()), typ)
	}
	require.Len(t, append(catalog.Calls(), subs.Calls()...), len(event.Types()))
	require.Contains(t, catalog.Calls(), "deleteProduct:prod_1")
	require.Contains(t, catalog.Calls(), "deletePrice:price_1")
	require.Contains(t, subs.Calls(), "checkout:sub_1")
	require.Contains(t, subs.Calls(), "deleted:sub_1")
}

func TestRouteLockKeys(t *testing.T) {
	rt := &Router{Catalog: &fakeCatalog{}, Subscriptions: &fakeSubscriptions{}}

	calls, err := rt.Route(&event.Event{Type: event.SubscriptionUpdated, Payload: &event.Subscription{ID: "sub_1", Customer: "cus_1"}})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"subscription:sub_1", "customer:cus_1"}, calls[0].Keys)

	// a schedule and its subscription share a lock
	calls, err = rt.Route(&event.Event{Type: event.ScheduleUpdated, Payload: &event.Schedule{ID: "sub_sched_1", Subscription: "sub_1"}})
	require.NoError(t, err)
	require.Equal(t, []string{"subscription:sub_1"}, calls[0].Keys)

	calls, err = rt.Route(&event.Event{Type: event.ScheduleCreated, Payload: &event.Schedule{ID: "sub_sched_2", Customer: "cus_1"}})
	require.NoError(t, err)
	require.Equal(t, []string{"customer:cus_1"}, calls[0].Keys)
}

func TestRouteCheckout(t *testing.T) {
	rt := &Router{Catalog: &fakeCatalog{}, Subscriptions: &fakeSubscriptions{}}

	calls, err := rt.Route(&event.Event{Type: event.CheckoutSessionCompleted, Payload: &event.CheckoutSession{ID: "cs_1", Mode: "payment"}})
	require.NoError(t, err)
	require.Empty(t, calls)

	_, err = rt.Route(&event.Event{Type: event.CheckoutSessionCompleted, Payload: &event.CheckoutSession{ID: "cs_1", Mode: "subscription", Customer: "cus_1"}})
	require.True(t, errors.Is(err, billing.ErrMalformedPayload))
}

func TestServiceProcessesOnce(t *testing.T) {
	h := newHarness(t)
	body := envelope("evt_1", event.SubscriptionUpdated, `{"id": "sub_1", "object": "subscription", "customer": "cus_1", "status": "active"}`)

	status, out := h.deliver(t, body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, StatusProcessed, out["status"])
	require.Equal(t, true, out["received"])

	status, out = h.deliver(t, body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, StatusDuplicate, out["status"])

	require.Equal(t, []string{"changed:sub_1"}, h.subs.Calls())
}

func TestServiceRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	body := envelope("evt_1", event.ProductCreated, `{"id": "prod_1"}`)

	status, _ := h.post(t, body, "")
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.post(t, body, sign(body, "whsec_other", time.Now()))
	require.Equal(t, http.StatusBadRequest, status)

	require.Empty(t, h.catalog.Calls())
}

func TestServiceRejectsLargeBody(t *testing.T) {
	h := newHarness(t)
	body := envelope("evt_1", event.ProductCreated, fmt.Sprintf(`{"id": "prod_1", "description": %q}`, strings.Repeat("x", DefaultMaxBodyBytes)))

	status, out := h.deliver(t, body)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, out["messages"], "Request body is too large")
	require.Empty(t, h.catalog.Calls())
}

type brokenBody struct{}

func (brokenBody) Read(p []byte) (int, error) { return 0, errors.New("connection reset") }

func TestServiceUnreadableBody(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/", brokenBody{})
	rec := httptest.NewRecorder()
	h.svc.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Contains(t, out["messages"], "Cannot read request body")
	require.NotContains(t, out["messages"], "Request body is too large")
	require.Empty(t, h.catalog.Calls())
}

func TestServiceAcknowledgesUnsupported(t *testing.T) {
	h := newHarness(t)
	body := envelope("evt_1", "invoice.paid", `{"id": "in_1"}`)

	status, out := h.deliver(t, body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, StatusUnsupported, out["status"])
}

func TestServiceIgnoresPaymentCheckout(t *testing.T) {
	h := newHarness(t)
	body := envelope("evt_1", event.CheckoutSessionCompleted, `{"id": "cs_1", "mode": "payment"}`)

	status, out := h.deliver(t, body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, StatusIgnored, out["status"])
	require.Empty(t, h.subs.Calls())
}

func TestServiceRejectsMalformed(t *testing.T) {
	h := newHarness(t)
	// subscription without a customer
	body := envelope("evt_1", event.SubscriptionCreated, `{"id": "sub_1", "object": "subscription"}`)

	status, _ := h.deliver(t, body)
	require.Equal(t, http.StatusBadRequest, status)
	require.Empty(t, h.subs.Calls())
}

func TestServiceTransientIsRetried(t *testing.T) {
	h := newHarness(t)
	h.catalog.mu.Lock()
	h.catalog.err = billing.ErrTransient
	h.catalog.mu.Unlock()
	body := envelope("evt_1", event.ProductUpdated, `{"id": "prod_1", "name": "Pro"}`)

	status, _ := h.deliver(t, body)
	require.Equal(t, http.StatusBadRequest, status)

	// the failed attempt is not remembered
	h.catalog.mu.Lock()
	h.catalog.err = nil
	h.catalog.mu.Unlock()

	status, out := h.deliver(t, body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, StatusProcessed, out["status"])
	require.Equal(t, []string{"upsertProduct:prod_1", "upsertProduct:prod_1"}, h.catalog.Calls())
}

func TestServiceExpiredContextIsTransient(t *testing.T) {
	h := newHarness(t)
	body := envelope("evt_1", event.ProductUpdated, `{"id": "prod_1", "name": "Pro"}`)
	raw, err := h.svc.Verifier.Verify(body, sign(body, testSecret, time.Now()))
	require.NoError(t, err)
	ev, err := event.Parse(raw, time.Now().UTC())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.svc.Handle(ctx, ev)
	require.Error(t, err)
	require.True(t, errors.Is(err, billing.ErrTransient))
	require.Contains(t, err.Error(), context.Canceled.Error())
	require.Empty(t, h.catalog.Calls())
}

func TestServiceSerializesSameSubscription(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.subs.delay = 20 * time.Millisecond
	})

	var wg sync.WaitGroup
	statuses := make([]int, 8)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := envelope(fmt.Sprintf("evt_%d", i), event.SubscriptionUpdated, `{"id": "sub_1", "object": "subscription", "customer": "cus_1", "status": "active"}`)
			req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/", bytes.NewReader(body))
			req.Header.Set(SignatureHeader, sign(body, testSecret, time.Now()))
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			res.Body.Close()
			statuses[i] = res.StatusCode
		}(i)
	}
	wg.Wait()

	for _, s := range statuses {
		require.Equal(t, http.StatusOK, s)
	}
	require.Len(t, h.subs.Calls(), len(statuses))
	require.EqualValues(t, 1, atomic.LoadInt32(&h.subs.maxSeen))
}
