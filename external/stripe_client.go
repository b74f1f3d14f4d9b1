package external

import (
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// NewStripeClient returns a Stripe API client using the default backends
func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}

// NewStripeClientWithURL returns a Stripe API client talking to url, such as stripe-mock.
// Network retries are disabled, the provider redelivers failed events anyway.
func NewStripeClientWithURL(key, url string) *client.API {
	sc := &client.API{}
	sc.Init(key, &stripe.Backends{
		API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(url),
			MaxNetworkRetries: stripe.Int64(0),
		}),
	})
	return sc
}
