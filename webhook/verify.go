package webhook

import (
	"errors"
	"strings"
	"time"

	"github.com/miragespace/billsync/billing"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	stripeWebhook "github.com/stripe/stripe-go/v72/webhook"
)

// SignatureHeader carries the provider's signature of the raw body
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance is the maximum age of a signed timestamp
const DefaultTolerance = stripeWebhook.DefaultTolerance

// Verifier authenticates inbound events against the shared webhook secret
type Verifier struct {
	Secret    string
	Tolerance time.Duration
}

// Verify checks the signature of the exact bytes received and decodes the envelope.
// Signature failures are reported as billing.ErrAuthentication.
func (v *Verifier) Verify(payload []byte, header string) (*stripe.Event, error) {
	if v == nil || strings.TrimSpace(v.Secret) == "" {
		return nil, extErrors.Wrap(billing.ErrAuthentication, "Webhook secret is not configured")
	}
	if strings.TrimSpace(header) == "" {
		return nil, extErrors.Wrap(billing.ErrAuthentication, "Missing signature header")
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	ev, err := stripeWebhook.ConstructEventWithTolerance(payload, header, v.Secret, tolerance)
	if err != nil {
		msg, signatureErr := describe(err)
		if !signatureErr {
			// the signature matched but the body is not an event envelope
			return nil, extErrors.Wrap(billing.ErrMalformedPayload, msg)
		}
		return nil, extErrors.Wrap(billing.ErrAuthentication, msg)
	}
	return &ev, nil
}

func describe(err error) (string, bool) {
	switch {
	case errors.Is(err, stripeWebhook.ErrNotSigned):
		return "Signature header has no v1 signature", true
	case errors.Is(err, stripeWebhook.ErrInvalidHeader):
		return "Malformed signature header", true
	case errors.Is(err, stripeWebhook.ErrTooOld):
		return "Signature timestamp outside of tolerance", true
	case errors.Is(err, stripeWebhook.ErrNoValidSignature):
		return "No valid signature", true
	default:
		return err.Error(), false
	}
}
