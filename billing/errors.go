// Package billing holds the error taxonomy shared by every stage of event processing.
package billing

import (
	"errors"
	"net/http"
)

var (
	// ErrAuthentication is returned when an inbound event cannot be proven to come from the provider
	ErrAuthentication = errors.New("billing: event authentication failed")
	// ErrUnsupportedEvent is returned for event types outside of the handled taxonomy
	ErrUnsupportedEvent = errors.New("billing: unsupported event type")
	// ErrTransient is returned when the provider or the store failed and the event should be redelivered
	ErrTransient = errors.New("billing: transient failure")
	// ErrMalformedPayload is returned when an event payload does not match its declared type
	ErrMalformedPayload = errors.New("billing: malformed payload")
)

// Kind is the classification of a processing error
type Kind string

const (
	KindNone           Kind = ""
	KindAuthentication Kind = "authentication"
	KindUnsupported    Kind = "unsupported"
	KindTransient      Kind = "transient"
	KindMalformed      Kind = "malformed"
)

// KindOf classifies err against the sentinel errors. Unclassified errors are treated as transient
// so that the provider retries the delivery.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrUnsupportedEvent):
		return KindUnsupported
	case errors.Is(err, ErrMalformedPayload):
		return KindMalformed
	default:
		return KindTransient
	}
}

// StatusCode maps the error classification onto the HTTP status returned to the provider.
// Only unsupported events are acknowledged; everything else asks for a redelivery.
func (k Kind) StatusCode() int {
	switch k {
	case KindNone, KindUnsupported:
		return http.StatusOK
	default:
		return http.StatusBadRequest
	}
}
