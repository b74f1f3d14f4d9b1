package customer

import (
	"context"
	"errors"
	"testing"

	"github.com/miragespace/billsync/billing"
	"github.com/miragespace/billsync/db/dbtest"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

type fakeProvider struct {
	customers map[string]*stripe.Customer
	calls     int
}

func (f *fakeProvider) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	f.calls++
	c, ok := f.customers[id]
	if !ok {
		return nil, billing.ErrTransient
	}
	return c, nil
}

func newTestManager(t *testing.T, p *fakeProvider, key string) *Manager {
	m, err := NewManager(ManagerOptions{
		DB:              dbtest.New(t),
		Provider:        p,
		Logger:          zap.NewNop(),
		UserMetadataKey: key,
	})
	require.NoError(t, err)
	return m
}

func TestNewManagerInvalid(t *testing.T) {
	_, err := NewManager(ManagerOptions{DB: dbtest.New(t), Logger: zap.NewNop()})
	require.Error(t, err)
}

func TestResolveFromMetadataThenCache(t *testing.T) {
	p := &fakeProvider{customers: map[string]*stripe.Customer{
		"cus_1": {ID: "cus_1", Email: "a@example.com", Metadata: map[string]string{"supabaseUUID": "user-1"}},
	}}
	m := newTestManager(t, p, "supabaseUUID")
	ctx := context.Background()

	cust, err := m.Resolve(ctx, "cus_1")
	require.NoError(t, err)
	require.Equal(t, "user-1", cust.UserID)
	require.Equal(t, 1, p.calls)

	cust, err = m.Resolve(ctx, "cus_1")
	require.NoError(t, err)
	require.Equal(t, "user-1", cust.UserID)
	require.Equal(t, 1, p.calls)

	stored, err := m.GetByID(ctx, "cus_1")
	require.NoError(t, err)
	require.Equal(t, "a@example.com", stored.Email)
}

func TestResolveUnlinkedIsTransient(t *testing.T) {
	p := &fakeProvider{customers: map[string]*stripe.Customer{
		"cus_2": {ID: "cus_2", Metadata: map[string]string{}},
	}}
	m := newTestManager(t, p, "")

	_, err := m.Resolve(context.Background(), "cus_2")
	require.True(t, errors.Is(err, billing.ErrTransient))

	_, err = m.Resolve(context.Background(), "cus_unknown")
	require.True(t, errors.Is(err, billing.ErrTransient))

	_, err = m.Resolve(context.Background(), "")
	require.True(t, errors.Is(err, billing.ErrMalformedPayload))
}

func TestSaveOverridesMapping(t *testing.T) {
	m := newTestManager(t, &fakeProvider{}, "")
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, &Customer{ID: "cus_1", UserID: "user-1"}))
	require.NoError(t, m.Save(ctx, &Customer{ID: "cus_1", UserID: "user-2"}))

	cust, err := m.Resolve(ctx, "cus_1")
	require.NoError(t, err)
	require.Equal(t, "user-2", cust.UserID)

	missing, err := m.GetByID(ctx, "cus_nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}
