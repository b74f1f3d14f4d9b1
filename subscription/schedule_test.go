package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/miragespace/billsync/catalog"
	"github.com/miragespace/billsync/event"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
)

func ts(t time.Time) event.Timestamp {
	return event.Timestamp(t.Unix())
}

func phase(start time.Time, price string) event.Phase {
	return event.Phase{StartDate: ts(start), Items: []event.PhaseItem{{Price: event.Ref(price)}}}
}

func TestClassifyPhase(t *testing.T) {
	require.Equal(t, PositionCurrent, ClassifyPhase(0))
	require.Equal(t, PositionNext, ClassifyPhase(1))
	require.Equal(t, PositionFuture, ClassifyPhase(2))
	require.Equal(t, PositionFuture, ClassifyPhase(7))
}

func TestUpsertScheduleReplacesPhases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := &event.Schedule{
		ID: "sub_sched_1", Status: "active", Subscription: "sub_1", Customer: "cus_1",
		CurrentPhase: &event.CurrentPhase{StartDate: ts(base)},
		Phases: []event.Phase{
			phase(base, "price_a"),
			phase(base.AddDate(0, 1, 0), "price_b"),
			phase(base.AddDate(0, 2, 0), "price_c"),
		},
	}
	_, err := f.r.UpsertSchedule(ctx, s, base)
	require.NoError(t, err)

	got, err := f.r.GetSchedule(ctx, "sub_sched_1")
	require.NoError(t, err)
	require.Len(t, got.Phases, 3)
	require.False(t, got.NeedsReview)
	require.True(t, got.Authoritative())
	require.Equal(t, "price_a", got.PhaseAt(PositionCurrent).PriceID)
	require.Equal(t, "price_b", got.PhaseAt(PositionNext).PriceID)
	require.Equal(t, "price_c", got.PhaseAt(PositionFuture).PriceID)

	s.Phases = s.Phases[:2]
	_, err = f.r.UpsertSchedule(ctx, s, base.Add(time.Minute))
	require.NoError(t, err)
	got, err = f.r.GetSchedule(ctx, "sub_sched_1")
	require.NoError(t, err)
	require.Len(t, got.Phases, 2)
	require.Nil(t, got.PhaseAt(PositionFuture))
}

func TestUpsertScheduleFlagsNonMonotonic(t *testing.T) {
	f := newFixture(t)

	_, err := f.r.UpsertSchedule(context.Background(), &event.Schedule{
		ID: "sub_sched_1", Status: "active",
		Phases: []event.Phase{
			phase(base.AddDate(0, 1, 0), "price_late"),
			phase(base, "price_early"),
		},
	}, base)
	require.NoError(t, err)

	got, err := f.r.GetSchedule(context.Background(), "sub_sched_1")
	require.NoError(t, err)
	require.True(t, got.NeedsReview)
	// positions are never derived from timestamps
	require.Equal(t, "price_late", got.PhaseAt(PositionCurrent).PriceID)
	require.Equal(t, "price_early", got.PhaseAt(PositionNext).PriceID)
}

func TestUpsertScheduleIgnoresStaleEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	newer := &event.Schedule{ID: "sub_sched_1", Status: "released", Phases: []event.Phase{phase(base, "price_a")}}
	older := &event.Schedule{ID: "sub_sched_1", Status: "active", Phases: []event.Phase{phase(base, "price_a"), phase(base.AddDate(0, 1, 0), "price_b")}}

	_, err := f.r.UpsertSchedule(ctx, newer, base.Add(time.Minute))
	require.NoError(t, err)
	_, err = f.r.UpsertSchedule(ctx, older, base)
	require.NoError(t, err)

	got, err := f.r.GetSchedule(ctx, "sub_sched_1")
	require.NoError(t, err)
	require.Equal(t, ScheduleReleased, got.Status)
	require.Len(t, got.Phases, 1)
}

func TestReleasedScheduleIsNotAuthoritative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	remote := remoteSub("sub_1", "cus_1", stripe.SubscriptionStatusActive, "pro", "price_pro", base)
	f.provider.set(remote)
	_, err := f.r.OnSubscriptionCreated(ctx, "sub_1", "cus_1")
	require.NoError(t, err)

	s := &event.Schedule{
		ID: "sub_sched_1", Status: "active", Subscription: "sub_1",
		Phases: []event.Phase{phase(base, "price_pro"), phase(base.AddDate(0, 1, 0), "price_basic")},
	}
	_, err = f.r.UpsertSchedule(ctx, s, base)
	require.NoError(t, err)
	require.Equal(t, "sub_sched_1", f.stored(t, "sub_1").ScheduleID)

	s.Status = "released"
	_, err = f.r.UpsertSchedule(ctx, s, base.Add(time.Minute))
	require.NoError(t, err)

	sub := f.stored(t, "sub_1")
	require.Empty(t, sub.ScheduleID)

	got, err := f.r.GetSchedule(ctx, "sub_sched_1")
	require.NoError(t, err)
	require.False(t, got.Authoritative())
}

func TestScheduledChangeDowngrade(t *testing.T) {
	basic := &catalog.Price{ID: "price_basic", UnitAmount: 500, Interval: "month"}
	pro := &catalog.Price{ID: "price_pro_year", UnitAmount: 20000, Interval: "year"}

	sub := &Subscription{
		Items: []Item{{PriceID: pro.ID, Price: pro}},
		Schedule: &Schedule{
			Status: ScheduleActive,
			Phases: []Phase{
				{Index: 0, PriceID: pro.ID, Price: pro},
				{Index: 1, PriceID: basic.ID, Price: basic},
			},
		},
	}
	change, next := sub.ScheduledChange()
	require.Equal(t, ChangeDowngrade, change)
	require.Equal(t, "price_basic", next.PriceID)

	sub.Schedule.Status = ScheduleCanceled
	change, next = sub.ScheduledChange()
	require.Equal(t, ChangeNone, change)
	require.Nil(t, next)

	sub.Schedule.Status = ScheduleActive
	sub.Schedule.Phases[1].Price = nil
	change, _ = sub.ScheduledChange()
	require.Equal(t, ChangeNone, change)
}
