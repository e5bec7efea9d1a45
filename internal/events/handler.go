package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/owners"
	"github.com/djgnfj-svg/resee/backend/internal/schedules"
	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	"go.uber.org/zap"
)

// Scheduler is the subset of the schedules service driven by lifecycle events.
type Scheduler interface {
	Create(ctx context.Context, request schedules.CreateRequest) (schedules.ScheduleState, error)
	ApplyOutcome(ctx context.Context, request schedules.OutcomeRequest) (schedules.OutcomeResult, error)
	Deactivate(ctx context.Context, ownerID schedules.OwnerID, contentID schedules.ContentID) (schedules.ScheduleState, error)
	Reconcile(ctx context.Context, ownerID schedules.OwnerID, newTier tiers.Tier) (schedules.ReconcileResult, error)
}

// Entitlements resolves and records owner tiers.
type Entitlements interface {
	TierOrDefault(ctx context.Context, ownerID schedules.OwnerID, fallback tiers.Tier) (tiers.Tier, error)
	SetTier(ctx context.Context, ownerID schedules.OwnerID, tier tiers.Tier, effectiveAt time.Time) (owners.TierChange, error)
}

// Result describes what handling an envelope changed. Only the fields relevant to the
// event type are set.
type Result struct {
	Type      EventType                  `json:"type"`
	Schedule  *schedules.ScheduleState   `json:"schedule,omitempty"`
	Outcome   *schedules.ReviewOutcome   `json:"outcome,omitempty"`
	Reconcile *schedules.ReconcileResult `json:"reconcile,omitempty"`
	Tier      string                     `json:"tier,omitempty"`
}

// HandlerConfig describes the dependencies of the event handler.
type HandlerConfig struct {
	Scheduler    Scheduler
	Entitlements Entitlements
	DefaultTier  tiers.Tier
	Logger       *zap.Logger
}

// Handler routes lifecycle events to the scheduling core.
type Handler struct {
	scheduler    Scheduler
	entitlements Entitlements
	defaultTier  tiers.Tier
	logger       *zap.Logger
}

// NewHandler validates cfg and constructs a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Scheduler == nil {
		return nil, errors.New("events: scheduler is required")
	}
	if cfg.Entitlements == nil {
		return nil, errors.New("events: entitlements are required")
	}
	if !cfg.DefaultTier.IsValid() {
		return nil, fmt.Errorf("events: default tier: %w", tiers.ErrInvalidTier)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		scheduler:    cfg.Scheduler,
		entitlements: cfg.Entitlements,
		defaultTier:  cfg.DefaultTier,
		logger:       logger,
	}, nil
}

// Handle applies one envelope.
func (h *Handler) Handle(ctx context.Context, envelope Envelope) (Result, error) {
	ownerID, err := schedules.NewOwnerID(envelope.OwnerID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch envelope.Type {
	case TypeContentCreated:
		return h.handleContentCreated(ctx, ownerID, envelope)
	case TypeReviewOutcomeSubmitted:
		return h.handleOutcome(ctx, ownerID, envelope)
	case TypeEntitlementChanged:
		return h.handleEntitlement(ctx, ownerID, envelope)
	case TypeContentDeleted:
		return h.handleContentDeleted(ctx, ownerID, envelope)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Type)
	}
}

func (h *Handler) handleContentCreated(ctx context.Context, ownerID schedules.OwnerID, envelope Envelope) (Result, error) {
	contentID, err := contentIDFrom(envelope)
	if err != nil {
		return Result{}, err
	}
	state, err := h.scheduler.Create(ctx, schedules.CreateRequest{
		OwnerID:   ownerID,
		ContentID: contentID,
		Category:  envelope.Category,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Type: envelope.Type, Schedule: &state}, nil
}

func (h *Handler) handleOutcome(ctx context.Context, ownerID schedules.OwnerID, envelope Envelope) (Result, error) {
	contentID, err := contentIDFrom(envelope)
	if err != nil {
		return Result{}, err
	}
	result, err := schedules.ParseReviewResult(envelope.Result)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	tier, err := h.entitlements.TierOrDefault(ctx, ownerID, h.defaultTier)
	if err != nil {
		return Result{}, err
	}
	applied, err := h.scheduler.ApplyOutcome(ctx, schedules.OutcomeRequest{
		OwnerID:   ownerID,
		ContentID: contentID,
		Result:    result,
		Tier:      tier,
		Score:     envelope.Score,
		Metadata:  envelope.Metadata,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Type: envelope.Type, Schedule: &applied.Schedule, Outcome: &applied.Outcome, Tier: tier.String()}, nil
}

// handleEntitlement records the new tier and then repairs schedules against whichever tier
// is current afterwards, so a stale redelivery still leaves schedules consistent.
func (h *Handler) handleEntitlement(ctx context.Context, ownerID schedules.OwnerID, envelope Envelope) (Result, error) {
	tier, err := tiers.ParseTier(envelope.Tier)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	change, err := h.entitlements.SetTier(ctx, ownerID, tier, envelope.OccurredAt)
	if err != nil {
		return Result{}, err
	}
	reconciled, err := h.scheduler.Reconcile(ctx, ownerID, change.Current)
	if err != nil {
		return Result{}, err
	}
	h.logger.Info("entitlement applied",
		zap.String("owner_id", ownerID.String()),
		zap.String("tier", change.Current.String()),
		zap.Bool("applied", change.Applied),
		zap.Int("schedules_changed", len(reconciled.Changed)))
	return Result{Type: envelope.Type, Reconcile: &reconciled, Tier: change.Current.String()}, nil
}

func (h *Handler) handleContentDeleted(ctx context.Context, ownerID schedules.OwnerID, envelope Envelope) (Result, error) {
	contentID, err := contentIDFrom(envelope)
	if err != nil {
		return Result{}, err
	}
	state, err := h.scheduler.Deactivate(ctx, ownerID, contentID)
	if err != nil {
		return Result{}, err
	}
	return Result{Type: envelope.Type, Schedule: &state}, nil
}

func contentIDFrom(envelope Envelope) (schedules.ContentID, error) {
	contentID, err := schedules.NewContentID(envelope.ContentID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return contentID, nil
}
