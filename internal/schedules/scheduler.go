package schedules

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

func newScheduleState(ownerID OwnerID, contentID ContentID, category string, now time.Time) ScheduleState {
	nowSeconds := now.UTC().Unix()
	return ScheduleState{
		OwnerID:          ownerID.String(),
		ContentID:        contentID.String(),
		Category:         category,
		IntervalIndex:    0,
		NextDueAtSeconds: nowSeconds,
		Active:           true,
		FirstReviewDone:  false,
		Version:          1,
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}
}

// applyResult returns the state that results from a review outcome under the given
// interval sequence. The input state is not mutated.
func applyResult(state ScheduleState, result ReviewResult, sequence []int, now time.Time) (ScheduleState, error) {
	if len(sequence) == 0 {
		return ScheduleState{}, fmt.Errorf("schedules: empty interval sequence")
	}
	updated := state
	switch result {
	case ResultSucceeded:
		updated.FirstReviewDone = true
		index := clampIndex(sequence, state.IntervalIndex)
		if index < len(sequence)-1 {
			index++
		}
		updated.IntervalIndex = index
		updated.NextDueAtSeconds = dueAfter(now, sequence[index])
	case ResultPartial:
		updated.FirstReviewDone = true
		index := clampIndex(sequence, state.IntervalIndex)
		updated.IntervalIndex = index
		updated.NextDueAtSeconds = dueAfter(now, sequence[index])
	case ResultFailed:
		// next_due_at stays put so the item remains in the current session.
		updated.FirstReviewDone = true
		updated.IntervalIndex = 0
	default:
		return ScheduleState{}, fmt.Errorf("%w: %q", ErrInvalidResult, result)
	}
	return updated, nil
}

// clampIndex re-validates an index against the current tier's sequence.
func clampIndex(sequence []int, index int) int {
	last := len(sequence) - 1
	if index < 0 {
		return 0
	}
	if index > last {
		index = last
	}
	maxDays := sequence[last]
	if sequence[index] > maxDays {
		return largestIndexWithin(sequence, maxDays)
	}
	return index
}

// largestIndexWithin returns the position of the largest interval not exceeding limit,
// or the last position when no interval qualifies.
func largestIndexWithin(sequence []int, limit int) int {
	found := -1
	for index, days := range sequence {
		if days > limit {
			continue
		}
		if found < 0 || days > sequence[found] {
			found = index
		}
	}
	if found < 0 {
		return len(sequence) - 1
	}
	return found
}

func dueAfter(now time.Time, days int) int64 {
	return now.UTC().Add(time.Duration(days) * day).Unix()
}
