package subscription

// Status is the provider's subscription status
type Status string

// Defining the subscription statuses reported by Stripe
const (
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusPastDue           Status = "past_due"
	StatusUnpaid            Status = "unpaid"
)

var liveStatuses = []Status{StatusTrialing, StatusActive}

// Live reports whether the subscription currently grants access
func (s Status) Live() bool {
	return s == StatusTrialing || s == StatusActive
}

// ScheduleStatus is the provider's subscription schedule status
type ScheduleStatus string

// Defining the schedule statuses reported by Stripe
const (
	ScheduleNotStarted ScheduleStatus = "not_started"
	ScheduleActive     ScheduleStatus = "active"
	ScheduleCompleted  ScheduleStatus = "completed"
	ScheduleReleased   ScheduleStatus = "released"
	ScheduleCanceled   ScheduleStatus = "canceled"
)

// Position classifies a schedule phase relative to the present
type Position string

// Defining phase positions
const (
	PositionCurrent Position = "current"
	PositionNext    Position = "next"
	PositionFuture  Position = "future"
)

// ClassifyPhase derives the position from the phase index alone: the provider lists the
// current phase first, so timestamps are not consulted.
func ClassifyPhase(index int) Position {
	switch index {
	case 0:
		return PositionCurrent
	case 1:
		return PositionNext
	default:
		return PositionFuture
	}
}

// Change is the direction of a scheduled plan change
type Change string

// Defining plan change directions
const (
	ChangeNone      Change = "none"
	ChangeUpgrade   Change = "upgrade"
	ChangeDowngrade Change = "downgrade"
)
