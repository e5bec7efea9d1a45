package schedules

import (
	"context"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReconcileResult summarises a tier-change repair for one owner.
type ReconcileResult struct {
	Examined int
	Changed  []ContentID
}

// reconcileState repairs a schedule after a tier change so its interval index is valid for
// sequence. It reports whether the index moved.
func reconcileState(state ScheduleState, sequence []int, now time.Time) (ScheduleState, bool) {
	last := len(sequence) - 1
	index := state.IntervalIndex
	if index < 0 {
		index = 0
	}
	if index > last {
		index = last
	}
	newMax := sequence[last]
	if sequence[index] > newMax {
		index = largestIndexWithin(sequence, newMax)
	}
	if index == state.IntervalIndex {
		return state, false
	}

	updated := state
	updated.IntervalIndex = index

	nowSeconds := now.UTC().Unix()
	if state.NextDueAtSeconds <= nowSeconds {
		return updated, true
	}
	interval := int64(time.Duration(sequence[index]) * day / time.Second)
	anchored := state.CreatedAtSeconds + interval
	if anchored < nowSeconds {
		anchored = nowSeconds + interval
	}
	updated.NextDueAtSeconds = anchored
	return updated, true
}

// Reconcile repairs every active schedule of ownerID after an entitlement change to newTier.
// All rows are repaired in one transaction; only rows whose interval index moved are written.
func (service *Service) Reconcile(ctx context.Context, ownerID OwnerID, newTier tiers.Tier) (ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, opReconcile, trace.WithAttributes(
		attribute.String(fieldOwnerID, ownerID.String()),
		attribute.String(fieldTier, newTier.String()),
	))
	defer span.End()

	if err := service.ready(opReconcile); err != nil {
		return ReconcileResult{}, spanError(span, err)
	}
	sequence, err := service.table.SequenceFor(newTier)
	if err != nil {
		service.logError(opReconcile, reasonInvalidTier, err, zap.String(fieldOwnerID, ownerID.String()))
		return ReconcileResult{}, spanError(span, newServiceError(opReconcile, reasonInvalidTier, err))
	}

	var result ReconcileResult
	txErr := service.runInTransaction(ctx, opReconcile, func(transaction *gorm.DB) error {
		result = ReconcileResult{}
		var states []ScheduleState
		if err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryOwnerActive, ownerID.String(), true).
			Order(orderScheduleIDAsc).
			Find(&states).Error; err != nil {
			service.logError(opReconcile, reasonQueryFailed, err, zap.String(fieldOwnerID, ownerID.String()))
			return newServiceError(opReconcile, reasonQueryFailed, err)
		}

		now := service.clock().UTC()
		for index := range states {
			result.Examined++
			repaired, changed := reconcileState(states[index], sequence, now)
			if !changed {
				continue
			}
			if err := saveVersioned(transaction, &repaired, now.Unix()); err != nil {
				service.logError(opReconcile, reasonScheduleSaveFailed, err,
					zap.String(fieldOwnerID, ownerID.String()),
					zap.String(fieldContentID, repaired.ContentID))
				return newServiceError(opReconcile, reasonScheduleSaveFailed, err)
			}
			result.Changed = append(result.Changed, ContentID(repaired.ContentID))
		}
		return nil
	})
	if txErr != nil {
		return ReconcileResult{}, spanError(span, txErr)
	}

	span.SetAttributes(attribute.Int("schedules.changed", len(result.Changed)))
	service.logger.Info("schedules reconciled",
		zap.String(fieldOwnerID, ownerID.String()),
		zap.String(fieldTier, newTier.String()),
		zap.Int("examined", result.Examined),
		zap.Int("changed", len(result.Changed)))
	service.notify(ctx, ownerID, result.Changed)
	return result, nil
}
