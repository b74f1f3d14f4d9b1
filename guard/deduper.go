// Package guard provides the idempotency and per-entity ordering primitives used by the webhook pipeline.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/miragespace/billsync/billing"
)

// ErrInFlight is returned when the same event is being processed by another delivery.
// It is transient: the provider should retry later.
var ErrInFlight = fmt.Errorf("guard: event is already being processed: %w", billing.ErrTransient)

// DefaultWindow is how long a processed event id is remembered
const DefaultWindow = 72 * time.Hour

// Deduper remembers processed event ids. Do runs fn at most once per successful event:
// the event is only marked as done after fn returns nil, so failed attempts can be retried.
type Deduper interface {
	Do(ctx context.Context, eventID string, fn func(ctx context.Context) error) (already bool, err error)
}
