package schedules

import (
	"testing"

	"github.com/djgnfj-svg/resee/backend/internal/tiers"
)

func TestReconcileStateDowngradeWithinRangeKeepsSchedule(t *testing.T) {
	basic := mustSequence(t, tiers.Basic)
	state := ScheduleState{
		IntervalIndex:    3,
		NextDueAtSeconds: daysAfter(testEpoch, 14),
		CreatedAtSeconds: testEpoch.Add(-10 * day).Unix(),
		Active:           true,
		FirstReviewDone:  true,
	}
	repaired, changed := reconcileState(state, basic, testEpoch)
	if changed {
		t.Fatalf("expected no change for index 3 under basic")
	}
	if repaired != state {
		t.Fatalf("expected state to be returned untouched")
	}
}

func TestReconcileStateUpgradeIsNoOp(t *testing.T) {
	basic := mustSequence(t, tiers.Basic)
	state := ScheduleState{
		IntervalIndex:    1,
		NextDueAtSeconds: daysAfter(testEpoch, 3),
		CreatedAtSeconds: testEpoch.Unix(),
		Active:           true,
		FirstReviewDone:  true,
	}
	repaired, changed := reconcileState(state, basic, testEpoch.Add(day))
	if changed {
		t.Fatalf("upgrade must not change the schedule")
	}
	if repaired.NextDueAtSeconds != state.NextDueAtSeconds || repaired.IntervalIndex != 1 {
		t.Fatalf("unexpected repaired state %+v", repaired)
	}
}

func TestReconcileStateShrinkAnchorsToCreation(t *testing.T) {
	basic := mustSequence(t, tiers.Basic)
	created := testEpoch
	now := testEpoch.Add(10 * day)
	state := ScheduleState{
		IntervalIndex:    7,
		NextDueAtSeconds: daysAfter(created, 180),
		CreatedAtSeconds: created.Unix(),
		Active:           true,
		FirstReviewDone:  true,
	}
	repaired, changed := reconcileState(state, basic, now)
	if !changed {
		t.Fatalf("expected shrink repair")
	}
	if repaired.IntervalIndex != 6 {
		t.Fatalf("expected index 6, got %d", repaired.IntervalIndex)
	}
	if repaired.NextDueAtSeconds != daysAfter(created, 90) {
		t.Fatalf("expected due at creation + 90 days, got %s", repaired.NextDueAt())
	}
}

func TestReconcileStateShrinkAnchorInPastUsesNow(t *testing.T) {
	basic := mustSequence(t, tiers.Basic)
	created := testEpoch
	now := testEpoch.Add(100 * day)
	state := ScheduleState{
		IntervalIndex:    7,
		NextDueAtSeconds: daysAfter(created, 200),
		CreatedAtSeconds: created.Unix(),
		Active:           true,
		FirstReviewDone:  true,
	}
	repaired, changed := reconcileState(state, basic, now)
	if !changed {
		t.Fatalf("expected shrink repair")
	}
	if repaired.NextDueAtSeconds != daysAfter(now, 90) {
		t.Fatalf("expected due at now + 90 days, got %s", repaired.NextDueAt())
	}
}

func TestReconcileStateAlreadyDueKeepsDueDate(t *testing.T) {
	free := mustSequence(t, tiers.Free)
	state := ScheduleState{
		IntervalIndex:    5,
		NextDueAtSeconds: testEpoch.Add(-2 * day).Unix(),
		CreatedAtSeconds: testEpoch.Add(-200 * day).Unix(),
		Active:           true,
		FirstReviewDone:  true,
	}
	repaired, changed := reconcileState(state, free, testEpoch)
	if !changed {
		t.Fatalf("expected index repair")
	}
	if repaired.IntervalIndex != 1 {
		t.Fatalf("expected index 1, got %d", repaired.IntervalIndex)
	}
	if repaired.NextDueAtSeconds != state.NextDueAtSeconds {
		t.Fatalf("expected due date to stay at %s, got %s", state.NextDueAt(), repaired.NextDueAt())
	}
}

func TestReconcileStateIsIdempotent(t *testing.T) {
	free := mustSequence(t, tiers.Free)
	state := ScheduleState{
		IntervalIndex:    6,
		NextDueAtSeconds: daysAfter(testEpoch, 120),
		CreatedAtSeconds: testEpoch.Add(-30 * day).Unix(),
		Active:           true,
		FirstReviewDone:  true,
	}
	now := testEpoch
	once, changed := reconcileState(state, free, now)
	if !changed {
		t.Fatalf("expected first reconcile to repair")
	}
	twice, changedAgain := reconcileState(once, free, now)
	if changedAgain {
		t.Fatalf("expected second reconcile to be a no-op")
	}
	if twice != once {
		t.Fatalf("expected identical state after second reconcile")
	}
	if once.IntervalIndex >= len(free) {
		t.Fatalf("index %d out of range after reconcile", once.IntervalIndex)
	}
}
