package owners

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/auth"
	"github.com/djgnfj-svg/resee/backend/internal/schedules"
	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("owners: invalid identity")
	// ErrOwnerNotFound indicates that no entitlement has been recorded for the owner.
	ErrOwnerNotFound = errors.New("owners: owner not found")
)

const (
	defaultProvider       = "default"
	queryProviderSubject  = "provider = ? AND subject = ?"
	queryOwnerID          = "owner_id = ?"
	logFieldOwnerID       = "owner_id"
	logFieldTier          = "tier"
	logFieldFallbackTier  = "fallback_tier"
	logFieldPreviousTier  = "previous_tier"
	logFieldEffectiveAtS  = "effective_at_s"
	logFieldStoredAtS     = "stored_at_s"
	messageTierDefaulted  = "owner tier defaulted"
	messageTierStale      = "stale entitlement ignored"
	messageTierRecorded   = "owner tier recorded"
	messageIdentityUpdate = "owner identity update failed"
)

// ServiceConfig describes the dependencies required for owner resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves canonical owner ids and tracks each owner's entitlement tier.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the owner service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("owners: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveOwnerID returns the canonical owner id for the session claims, creating the
// identity mapping when the provider and subject pair has not been seen before.
func (s *Service) ResolveOwnerID(ctx context.Context, claims auth.SessionClaims) (schedules.OwnerID, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if ownerID, ok := cached.(schedules.OwnerID); ok {
			return ownerID, nil
		}
	}

	nowSeconds := s.now().UTC().Unix()
	var identity Identity
	err := s.db.WithContext(ctx).
		Where(queryProviderSubject, provider, subject).
		Take(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:          provider,
			Subject:           subject,
			OwnerID:           subject,
			Email:             normalize(claims.UserEmail),
			DisplayName:       normalize(claims.UserDisplayName),
			AvatarURL:         normalize(claims.UserAvatarURL),
			LastSeenAtSeconds: nowSeconds,
			CreatedAtSeconds:  nowSeconds,
		}
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&identity).Error; err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		updates := map[string]interface{}{"last_seen_at_s": nowSeconds}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["display_name"] = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["avatar_url"] = avatar
		}
		if err := s.db.WithContext(ctx).
			Model(&Identity{}).
			Where(queryProviderSubject, provider, subject).
			Updates(updates).Error; err != nil {
			s.logger.Warn(messageIdentityUpdate, zap.String(logFieldOwnerID, identity.OwnerID), zap.Error(err))
		}
	}

	ownerID, err := schedules.NewOwnerID(identity.OwnerID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	s.cache.Store(cacheKey, ownerID)
	return ownerID, nil
}

// EffectiveTier returns the owner's current entitlement tier.
func (s *Service) EffectiveTier(ctx context.Context, ownerID schedules.OwnerID) (tiers.Tier, error) {
	var owner Owner
	err := s.db.WithContext(ctx).Where(queryOwnerID, ownerID.String()).Take(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrOwnerNotFound
	}
	if err != nil {
		return 0, err
	}
	return owner.CurrentTier()
}

// TierOrDefault returns the owner's effective tier, or fallback when no entitlement is on
// record. The fallback is logged so defaulted decisions stay visible.
func (s *Service) TierOrDefault(ctx context.Context, ownerID schedules.OwnerID, fallback tiers.Tier) (tiers.Tier, error) {
	tier, err := s.EffectiveTier(ctx, ownerID)
	if errors.Is(err, ErrOwnerNotFound) {
		s.logger.Info(messageTierDefaulted,
			zap.String(logFieldOwnerID, ownerID.String()),
			zap.String(logFieldFallbackTier, fallback.String()))
		return fallback, nil
	}
	return tier, err
}

// TierChange reports the effect of SetTier.
type TierChange struct {
	Previous    tiers.Tier
	HadPrevious bool
	Current     tiers.Tier
	Applied     bool
}

// SetTier records tier as the owner's entitlement effective at effectiveAt. Updates older
// than the stored entitlement are ignored and reported with Applied=false.
func (s *Service) SetTier(ctx context.Context, ownerID schedules.OwnerID, tier tiers.Tier, effectiveAt time.Time) (TierChange, error) {
	if !tier.IsValid() {
		return TierChange{}, fmt.Errorf("%w: %d", tiers.ErrInvalidTier, int(tier))
	}
	if effectiveAt.IsZero() {
		effectiveAt = s.now()
	}
	effectiveSeconds := effectiveAt.UTC().Unix()

	var change TierChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		change = TierChange{Current: tier}
		var existing Owner
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryOwnerID, ownerID.String()).
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			owner := Owner{
				OwnerID:              ownerID.String(),
				Tier:                 tier.String(),
				TierUpdatedAtSeconds: effectiveSeconds,
				CreatedAtSeconds:     s.now().UTC().Unix(),
			}
			if err := tx.Create(&owner).Error; err != nil {
				return err
			}
			change.Applied = true
			return nil
		case err != nil:
			return err
		}

		if previous, parseErr := existing.CurrentTier(); parseErr == nil {
			change.Previous = previous
			change.HadPrevious = true
		}
		// An unreadable stored tier is overwritten regardless of its effective time.
		if change.HadPrevious && existing.TierUpdatedAtSeconds > effectiveSeconds {
			s.logger.Warn(messageTierStale,
				zap.String(logFieldOwnerID, ownerID.String()),
				zap.String(logFieldTier, tier.String()),
				zap.Int64(logFieldEffectiveAtS, effectiveSeconds),
				zap.Int64(logFieldStoredAtS, existing.TierUpdatedAtSeconds))
			change.Current = change.Previous
			return nil
		}
		if err := tx.Model(&Owner{}).
			Where(queryOwnerID, ownerID.String()).
			Updates(map[string]interface{}{
				"tier":              tier.String(),
				"tier_updated_at_s": effectiveSeconds,
			}).Error; err != nil {
			return err
		}
		change.Applied = true
		return nil
	})
	if err != nil {
		return TierChange{}, err
	}
	if change.Applied {
		s.logger.Info(messageTierRecorded,
			zap.String(logFieldOwnerID, ownerID.String()),
			zap.String(logFieldTier, tier.String()),
			zap.String(logFieldPreviousTier, change.Previous.String()))
	}
	return change, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
