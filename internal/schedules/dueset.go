package schedules

import (
	"context"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	queryDueWindow   = "owner_id = ? AND active = ? AND (first_review_done = ? OR (next_due_at_s >= ? AND next_due_at_s <= ?))"
	queryAnyDue      = "active = ? AND (first_review_done = ? OR next_due_at_s <= ?)"
	orderDueSchedule = "next_due_at_s ASC, created_at_s ASC, schedule_id ASC"
)

// ContentFilter narrows a due set after the date and entitlement window is applied.
// Zero-valued fields do not filter.
type ContentFilter struct {
	Category   string
	ContentIDs []ContentID
}

func (filter ContentFilter) empty() bool {
	return filter.Category == "" && len(filter.ContentIDs) == 0
}

func (filter ContentFilter) matches(state ScheduleState) bool {
	if filter.Category != "" && state.Category != filter.Category {
		return false
	}
	if len(filter.ContentIDs) == 0 {
		return true
	}
	for _, contentID := range filter.ContentIDs {
		if contentID.String() == state.ContentID {
			return true
		}
	}
	return false
}

// DueQuery selects the due set of one owner at a point in time. Tier is the owner's
// effective tier at query time.
type DueQuery struct {
	OwnerID OwnerID
	At      time.Time
	Tier    tiers.Tier
	Filter  ContentFilter
}

// DueSet is the ordered list of schedules to present, with progress counters.
type DueSet struct {
	Items       []ScheduleState
	DueCount    int
	ActiveCount int64
}

// SelectDue returns every active schedule of the owner that has never been reviewed or
// whose next review falls inside the tier's overdue window ending at query.At.
func (service *Service) SelectDue(ctx context.Context, query DueQuery) (DueSet, error) {
	ctx, span := tracer.Start(ctx, opSelectDue, trace.WithAttributes(
		attribute.String(fieldOwnerID, query.OwnerID.String()),
		attribute.String(fieldTier, query.Tier.String()),
	))
	defer span.End()

	if err := service.ready(opSelectDue); err != nil {
		return DueSet{}, spanError(span, err)
	}
	maxDays, err := service.table.MaxDays(query.Tier)
	if err != nil {
		service.logError(opSelectDue, reasonInvalidTier, err, zap.String(fieldOwnerID, query.OwnerID.String()))
		return DueSet{}, spanError(span, newServiceError(opSelectDue, reasonInvalidTier, err))
	}

	at := query.At.UTC()
	cutoff := at.Add(-time.Duration(maxDays) * day)

	var candidates []ScheduleState
	if err := service.db.WithContext(ctx).
		Where(queryDueWindow, query.OwnerID.String(), true, false, ceilUnix(cutoff), at.Unix()).
		Order(orderDueSchedule).
		Find(&candidates).Error; err != nil {
		service.logError(opSelectDue, reasonQueryFailed, err, zap.String(fieldOwnerID, query.OwnerID.String()))
		return DueSet{}, spanError(span, newServiceError(opSelectDue, reasonQueryFailed, err))
	}

	items := candidates
	if !query.Filter.empty() {
		items = make([]ScheduleState, 0, len(candidates))
		for _, candidate := range candidates {
			if query.Filter.matches(candidate) {
				items = append(items, candidate)
			}
		}
	}

	var activeCount int64
	if err := service.db.WithContext(ctx).
		Model(&ScheduleState{}).
		Where(queryOwnerActive, query.OwnerID.String(), true).
		Count(&activeCount).Error; err != nil {
		service.logError(opSelectDue, reasonQueryFailed, err, zap.String(fieldOwnerID, query.OwnerID.String()))
		return DueSet{}, spanError(span, newServiceError(opSelectDue, reasonQueryFailed, err))
	}

	span.SetAttributes(attribute.Int("schedules.due", len(items)))
	return DueSet{Items: items, DueCount: len(items), ActiveCount: activeCount}, nil
}

// OwnersWithDueItems lists owners holding at least one active schedule that is unreviewed
// or due at or before at. The tier window is not applied here.
func (service *Service) OwnersWithDueItems(ctx context.Context, at time.Time) ([]OwnerID, error) {
	if err := service.ready(opOwnersWithDue); err != nil {
		return nil, err
	}
	var raw []string
	if err := service.db.WithContext(ctx).
		Model(&ScheduleState{}).
		Where(queryAnyDue, true, false, at.UTC().Unix()).
		Distinct("owner_id").
		Order("owner_id ASC").
		Pluck("owner_id", &raw).Error; err != nil {
		service.logError(opOwnersWithDue, reasonQueryFailed, err)
		return nil, newServiceError(opOwnersWithDue, reasonQueryFailed, err)
	}
	owners := make([]OwnerID, 0, len(raw))
	for _, value := range raw {
		owners = append(owners, OwnerID(value))
	}
	return owners, nil
}

// ceilUnix rounds up to whole seconds so stored second timestamps compare against the
// exact lower bound of the window.
func ceilUnix(value time.Time) int64 {
	seconds := value.Unix()
	if value.Nanosecond() > 0 {
		seconds++
	}
	return seconds
}
