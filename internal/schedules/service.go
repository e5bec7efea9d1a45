package schedules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrScheduleNotFound indicates that no schedule exists for an (owner, content) pair.
	ErrScheduleNotFound = errors.New("schedules: schedule not found")
	// ErrScheduleInactive indicates that the schedule exists but its content was removed.
	// It matches ErrScheduleNotFound under errors.Is.
	ErrScheduleInactive = fmt.Errorf("%w: inactive", ErrScheduleNotFound)
	// ErrDuplicateSchedule indicates an attempt to create a second schedule for a pair.
	ErrDuplicateSchedule = errors.New("schedules: duplicate schedule")
	// ErrConcurrentModification indicates an optimistic-lock conflict on a schedule row.
	ErrConcurrentModification = errors.New("schedules: concurrent modification")
	// ErrInvalidMetadata indicates outcome metadata that is not a JSON document.
	ErrInvalidMetadata = errors.New("schedules: invalid outcome metadata")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTable      = errors.New("interval table is required")
	noOpLogger           = zap.NewNop()
	tracer               = otel.Tracer("github.com/djgnfj-svg/resee/backend/internal/schedules")
)

// ServiceError carries a stable code of the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "schedules.service.new"
	opCreate        = "schedules.create"
	opApplyOutcome  = "schedules.apply_outcome"
	opDeactivate    = "schedules.deactivate"
	opGet           = "schedules.get"
	opListOutcomes  = "schedules.list_outcomes"
	opSelectDue     = "schedules.select_due"
	opReconcile     = "schedules.reconcile"
	opOwnersWithDue = "schedules.owners_with_due"

	fieldOwnerID   = "owner_id"
	fieldContentID = "content_id"
	fieldTier      = "tier"
	fieldAttempt   = "attempt"

	queryOwnerContent  = "owner_id = ? AND content_id = ?"
	queryOwnerActive   = "owner_id = ? AND active = ?"
	queryVersioned     = "schedule_id = ? AND version = ?"
	orderScheduleIDAsc = "schedule_id ASC"

	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonMissingTable       = "missing_table"
	reasonInvalidTier        = "invalid_tier"
	reasonInvalidResult      = "invalid_result"
	reasonInvalidMetadata    = "invalid_metadata"
	reasonScheduleNotFound   = "schedule_not_found"
	reasonScheduleInactive   = "schedule_inactive"
	reasonDuplicateSchedule  = "duplicate_schedule"
	reasonScheduleSelect     = "schedule_select_failed"
	reasonScheduleInsert     = "schedule_insert_failed"
	reasonScheduleSaveFailed = "schedule_save_failed"
	reasonOutcomeInsert      = "outcome_insert_failed"
	reasonIDGeneration       = "id_generation_failed"
	reasonTransitionFailed   = "transition_failed"
	reasonQueryFailed        = "query_failed"

	defaultMaxAttempts = 3
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for schedules and outcomes.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ChangeNotifier is told which schedules of an owner changed after a commit.
type ChangeNotifier interface {
	SchedulesChanged(ctx context.Context, ownerID OwnerID, contentIDs []ContentID)
}

// ServiceConfig describes the dependencies of the scheduling service.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Table       *tiers.Table
	Logger      *zap.Logger
	Notifier    ChangeNotifier
	MaxAttempts int
}

// Service creates, advances, selects and reconciles review schedules.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	table       *tiers.Table
	logger      *zap.Logger
	notifier    ChangeNotifier
	maxAttempts int
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	if cfg.Table == nil {
		return nil, newServiceError(opServiceNew, reasonMissingTable, errMissingTable)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Service{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		table:       cfg.Table,
		logger:      logger,
		notifier:    cfg.Notifier,
		maxAttempts: maxAttempts,
	}, nil
}

// CreateRequest seeds a schedule for newly created content.
type CreateRequest struct {
	OwnerID   OwnerID
	ContentID ContentID
	Category  string
}

// Create seeds a schedule that is due immediately.
func (service *Service) Create(ctx context.Context, request CreateRequest) (ScheduleState, error) {
	ctx, span := tracer.Start(ctx, opCreate, trace.WithAttributes(
		attribute.String(fieldOwnerID, request.OwnerID.String()),
		attribute.String(fieldContentID, request.ContentID.String()),
	))
	defer span.End()

	if err := service.ready(opCreate); err != nil {
		return ScheduleState{}, spanError(span, err)
	}

	var created ScheduleState
	txErr := service.runInTransaction(ctx, opCreate, func(transaction *gorm.DB) error {
		existing, err := lockSchedule(transaction, request.OwnerID, request.ContentID)
		if err != nil {
			service.logError(opCreate, reasonScheduleSelect, err, ownerContentFields(request.OwnerID, request.ContentID)...)
			return newServiceError(opCreate, reasonScheduleSelect, err)
		}
		if existing != nil {
			return newServiceError(opCreate, reasonDuplicateSchedule, ErrDuplicateSchedule)
		}

		scheduleID, err := service.idProvider.NewID()
		if err != nil {
			service.logError(opCreate, reasonIDGeneration, err, ownerContentFields(request.OwnerID, request.ContentID)...)
			return newServiceError(opCreate, reasonIDGeneration, err)
		}
		state := newScheduleState(request.OwnerID, request.ContentID, request.Category, service.clock())
		state.ScheduleID = scheduleID
		if err := transaction.Create(&state).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opCreate, reasonDuplicateSchedule, ErrDuplicateSchedule)
			}
			service.logError(opCreate, reasonScheduleInsert, err, ownerContentFields(request.OwnerID, request.ContentID)...)
			return newServiceError(opCreate, reasonScheduleInsert, err)
		}
		created = state
		return nil
	})
	if txErr != nil {
		return ScheduleState{}, spanError(span, txErr)
	}

	service.notify(ctx, request.OwnerID, []ContentID{request.ContentID})
	return created, nil
}

// OutcomeRequest describes a completed review. Tier is the owner's effective tier,
// resolved by the caller before the call.
type OutcomeRequest struct {
	OwnerID   OwnerID
	ContentID ContentID
	Result    ReviewResult
	Tier      tiers.Tier
	Score     *float64
	Metadata  json.RawMessage
}

// OutcomeResult pairs the updated schedule with the recorded outcome.
type OutcomeResult struct {
	Schedule ScheduleState
	Outcome  ReviewOutcome
}

// ApplyOutcome advances, holds or resets a schedule according to the review result and
// appends the outcome to the review log.
func (service *Service) ApplyOutcome(ctx context.Context, request OutcomeRequest) (OutcomeResult, error) {
	ctx, span := tracer.Start(ctx, opApplyOutcome, trace.WithAttributes(
		attribute.String(fieldOwnerID, request.OwnerID.String()),
		attribute.String(fieldContentID, request.ContentID.String()),
		attribute.String("result", string(request.Result)),
		attribute.String(fieldTier, request.Tier.String()),
	))
	defer span.End()

	if err := service.ready(opApplyOutcome); err != nil {
		return OutcomeResult{}, spanError(span, err)
	}
	if _, err := ParseReviewResult(string(request.Result)); err != nil {
		return OutcomeResult{}, spanError(span, newServiceError(opApplyOutcome, reasonInvalidResult, err))
	}
	sequence, err := service.table.SequenceFor(request.Tier)
	if err != nil {
		service.logError(opApplyOutcome, reasonInvalidTier, err, ownerContentFields(request.OwnerID, request.ContentID)...)
		return OutcomeResult{}, spanError(span, newServiceError(opApplyOutcome, reasonInvalidTier, err))
	}
	metadata, err := normalizeMetadata(request.Metadata)
	if err != nil {
		return OutcomeResult{}, spanError(span, newServiceError(opApplyOutcome, reasonInvalidMetadata, err))
	}

	var result OutcomeResult
	txErr := service.runInTransaction(ctx, opApplyOutcome, func(transaction *gorm.DB) error {
		existing, err := lockSchedule(transaction, request.OwnerID, request.ContentID)
		if err != nil {
			service.logError(opApplyOutcome, reasonScheduleSelect, err, ownerContentFields(request.OwnerID, request.ContentID)...)
			return newServiceError(opApplyOutcome, reasonScheduleSelect, err)
		}
		if existing == nil {
			return newServiceError(opApplyOutcome, reasonScheduleNotFound, ErrScheduleNotFound)
		}
		if !existing.Active {
			return newServiceError(opApplyOutcome, reasonScheduleInactive, ErrScheduleInactive)
		}

		now := service.clock().UTC()
		updated, err := applyResult(*existing, request.Result, sequence, now)
		if err != nil {
			return newServiceError(opApplyOutcome, reasonTransitionFailed, err)
		}
		if err := saveVersioned(transaction, &updated, now.Unix()); err != nil {
			service.logError(opApplyOutcome, reasonScheduleSaveFailed, err, ownerContentFields(request.OwnerID, request.ContentID)...)
			return newServiceError(opApplyOutcome, reasonScheduleSaveFailed, err)
		}

		outcomeID, err := service.idProvider.NewID()
		if err != nil {
			service.logError(opApplyOutcome, reasonIDGeneration, err, ownerContentFields(request.OwnerID, request.ContentID)...)
			return newServiceError(opApplyOutcome, reasonIDGeneration, err)
		}
		outcome := ReviewOutcome{
			OutcomeID:           outcomeID,
			ScheduleID:          updated.ScheduleID,
			OwnerID:             updated.OwnerID,
			ContentID:           updated.ContentID,
			Result:              request.Result,
			Score:               request.Score,
			Metadata:            metadata,
			Tier:                request.Tier.String(),
			IntervalIndexBefore: existing.IntervalIndex,
			IntervalIndexAfter:  updated.IntervalIndex,
			ReviewedAtSeconds:   now.Unix(),
		}
		if err := transaction.Create(&outcome).Error; err != nil {
			service.logError(opApplyOutcome, reasonOutcomeInsert, err, ownerContentFields(request.OwnerID, request.ContentID)...)
			return newServiceError(opApplyOutcome, reasonOutcomeInsert, err)
		}

		result = OutcomeResult{Schedule: updated, Outcome: outcome}
		return nil
	})
	if txErr != nil {
		return OutcomeResult{}, spanError(span, txErr)
	}

	service.notify(ctx, request.OwnerID, []ContentID{request.ContentID})
	return result, nil
}

// Deactivate marks the schedule of removed content inactive. Deactivating an inactive
// schedule is a no-op.
func (service *Service) Deactivate(ctx context.Context, ownerID OwnerID, contentID ContentID) (ScheduleState, error) {
	ctx, span := tracer.Start(ctx, opDeactivate, trace.WithAttributes(
		attribute.String(fieldOwnerID, ownerID.String()),
		attribute.String(fieldContentID, contentID.String()),
	))
	defer span.End()

	if err := service.ready(opDeactivate); err != nil {
		return ScheduleState{}, spanError(span, err)
	}

	var state ScheduleState
	changed := false
	txErr := service.runInTransaction(ctx, opDeactivate, func(transaction *gorm.DB) error {
		changed = false
		existing, err := lockSchedule(transaction, ownerID, contentID)
		if err != nil {
			service.logError(opDeactivate, reasonScheduleSelect, err, ownerContentFields(ownerID, contentID)...)
			return newServiceError(opDeactivate, reasonScheduleSelect, err)
		}
		if existing == nil {
			return newServiceError(opDeactivate, reasonScheduleNotFound, ErrScheduleNotFound)
		}
		if !existing.Active {
			state = *existing
			return nil
		}
		updated := *existing
		updated.Active = false
		if err := saveVersioned(transaction, &updated, service.clock().UTC().Unix()); err != nil {
			service.logError(opDeactivate, reasonScheduleSaveFailed, err, ownerContentFields(ownerID, contentID)...)
			return newServiceError(opDeactivate, reasonScheduleSaveFailed, err)
		}
		state = updated
		changed = true
		return nil
	})
	if txErr != nil {
		return ScheduleState{}, spanError(span, txErr)
	}

	if changed {
		service.notify(ctx, ownerID, []ContentID{contentID})
	}
	return state, nil
}

// Get returns the schedule for an (owner, content) pair, active or not.
func (service *Service) Get(ctx context.Context, ownerID OwnerID, contentID ContentID) (ScheduleState, error) {
	if err := service.ready(opGet); err != nil {
		return ScheduleState{}, err
	}
	var state ScheduleState
	err := service.db.WithContext(ctx).
		Where(queryOwnerContent, ownerID.String(), contentID.String()).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ScheduleState{}, newServiceError(opGet, reasonScheduleNotFound, ErrScheduleNotFound)
	}
	if err != nil {
		service.logError(opGet, reasonQueryFailed, err, ownerContentFields(ownerID, contentID)...)
		return ScheduleState{}, newServiceError(opGet, reasonQueryFailed, err)
	}
	return state, nil
}

// ListOutcomes returns the review log of a schedule, oldest first.
func (service *Service) ListOutcomes(ctx context.Context, ownerID OwnerID, contentID ContentID) ([]ReviewOutcome, error) {
	if err := service.ready(opListOutcomes); err != nil {
		return nil, err
	}
	var outcomes []ReviewOutcome
	if err := service.db.WithContext(ctx).
		Where(queryOwnerContent, ownerID.String(), contentID.String()).
		Order("reviewed_at_s ASC, outcome_id ASC").
		Find(&outcomes).Error; err != nil {
		service.logError(opListOutcomes, reasonQueryFailed, err, ownerContentFields(ownerID, contentID)...)
		return nil, newServiceError(opListOutcomes, reasonQueryFailed, err)
	}
	return outcomes, nil
}

// runInTransaction executes fn in a transaction and retries the whole read-modify-write
// when it fails with ErrConcurrentModification.
func (service *Service) runInTransaction(ctx context.Context, operation string, fn func(*gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= service.maxAttempts; attempt++ {
		err = service.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		service.loggerOrDefault().Warn("schedule write conflict",
			zap.String("operation", operation),
			zap.Int(fieldAttempt, attempt))
	}
	return err
}

func lockSchedule(transaction *gorm.DB, ownerID OwnerID, contentID ContentID) (*ScheduleState, error) {
	var state ScheduleState
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryOwnerContent, ownerID.String(), contentID.String()).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// saveVersioned writes the mutable columns of state if the stored version still matches,
// then bumps the in-memory version.
func saveVersioned(transaction *gorm.DB, state *ScheduleState, updatedAtSeconds int64) error {
	update := transaction.Model(&ScheduleState{}).
		Where(queryVersioned, state.ScheduleID, state.Version).
		Updates(map[string]any{
			"interval_index":    state.IntervalIndex,
			"next_due_at_s":     state.NextDueAtSeconds,
			"active":            state.Active,
			"first_review_done": state.FirstReviewDone,
			"version":           state.Version + 1,
			"updated_at_s":      updatedAtSeconds,
		})
	if update.Error != nil {
		return update.Error
	}
	if update.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	state.Version++
	state.UpdatedAtSeconds = updatedAtSeconds
	return nil
}

func normalizeMetadata(raw json.RawMessage) (datatypes.JSON, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, ErrInvalidMetadata
	}
	return datatypes.JSON(append([]byte(nil), raw...)), nil
}

func (service *Service) ready(operation string) error {
	if service == nil || service.db == nil {
		service.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	if service.table == nil {
		service.logError(operation, reasonMissingTable, errMissingTable)
		return newServiceError(operation, reasonMissingTable, errMissingTable)
	}
	return nil
}

func (service *Service) notify(ctx context.Context, ownerID OwnerID, contentIDs []ContentID) {
	if service.notifier == nil || len(contentIDs) == 0 {
		return
	}
	service.notifier.SchedulesChanged(ctx, ownerID, contentIDs)
}

func spanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func ownerContentFields(ownerID OwnerID, contentID ContentID) []zap.Field {
	return []zap.Field{
		zap.String(fieldOwnerID, ownerID.String()),
		zap.String(fieldContentID, contentID.String()),
	}
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil {
		return noOpLogger
	}
	if service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("schedules service error", attrs...)
}
