// Package broker publishes notifications about reconciled billing state to downstream consumers.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened to a subscription
type Kind string

// Notification kinds, also used as routing keys
const (
	SubscriptionActivated  Kind = "subscription.activated"
	SubscriptionChanged    Kind = "subscription.changed"
	SubscriptionSuperseded Kind = "subscription.superseded"
	ScheduleChanged        Kind = "schedule.changed"
)

// Notification is published after a reconciliation has been committed
type Notification struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	SubscriptionID string    `json:"subscriptionId"`
	UserID         string    `json:"userId,omitempty"`
	Status         string    `json:"status,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// NewNotification returns a Notification with a fresh id
func NewNotification(kind Kind, subscriptionID, userID, status string) *Notification {
	return &Notification{
		ID:             uuid.New().String(),
		Kind:           kind,
		SubscriptionID: subscriptionID,
		UserID:         userID,
		Status:         status,
		OccurredAt:     time.Now().UTC(),
	}
}

// Producer defines a producer sending notifications via message broker
type Producer interface {
	Publish(ctx context.Context, n *Notification) error
	Close()
}

var _ Producer = Nop{}

// Nop discards every notification
type Nop struct{}

func (Nop) Publish(context.Context, *Notification) error { return nil }
func (Nop) Close()                                       {}

var _ Producer = &Recorder{}

// Recorder keeps published notifications in memory
type Recorder struct {
	mu            sync.Mutex
	notifications []*Notification
	Err           error
}

// Publish implements Producer
func (r *Recorder) Publish(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.notifications = append(r.notifications, n)
	return nil
}

// Close implements Producer
func (r *Recorder) Close() {}

// Notifications returns a copy of what has been published so far
func (r *Recorder) Notifications() []*Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Notification, len(r.notifications))
	copy(out, r.notifications)
	return out
}
