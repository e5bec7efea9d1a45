package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/schedules"
	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

const defaultInterval = time.Hour

// DueSource lists owners with pending reviews and computes their due sets.
type DueSource interface {
	OwnersWithDueItems(ctx context.Context, at time.Time) ([]schedules.OwnerID, error)
	SelectDue(ctx context.Context, query schedules.DueQuery) (schedules.DueSet, error)
}

// TierSource resolves the effective tier of an owner.
type TierSource interface {
	TierOrDefault(ctx context.Context, ownerID schedules.OwnerID, fallback tiers.Tier) (tiers.Tier, error)
}

// Announcer tells an owner how many reviews are waiting.
type Announcer interface {
	ReviewDue(ctx context.Context, ownerID schedules.OwnerID, dueCount int)
}

// SweeperConfig describes the dependencies of the reminder sweep.
type SweeperConfig struct {
	Schedules   DueSource
	Tiers       TierSource
	Announcer   Announcer
	DefaultTier tiers.Tier
	Interval    time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Sweeper periodically announces due reviews to connected owners.
type Sweeper struct {
	schedules   DueSource
	tiers       TierSource
	announcer   Announcer
	defaultTier tiers.Tier
	interval    time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Owners   int
	Notified int
	Failed   int
}

// NewSweeper validates cfg and constructs a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Schedules == nil || cfg.Tiers == nil || cfg.Announcer == nil {
		return nil, errors.New("reminders: schedules, tiers and announcer are required")
	}
	if !cfg.DefaultTier.IsValid() {
		return nil, fmt.Errorf("reminders: default tier: %w", tiers.ErrInvalidTier)
	}
	sweeper := &Sweeper{
		schedules:   cfg.Schedules,
		tiers:       cfg.Tiers,
		announcer:   cfg.Announcer,
		defaultTier: cfg.DefaultTier,
		interval:    cfg.Interval,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if sweeper.interval <= 0 {
		sweeper.interval = defaultInterval
	}
	if sweeper.clock == nil {
		sweeper.clock = time.Now
	}
	if sweeper.logger == nil {
		sweeper.logger = zap.NewNop()
	}
	return sweeper, nil
}

// Run schedules the sweep every interval and blocks until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	if _, err := scheduler.Every(s.interval).Do(func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("reminder sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("reminders: schedule sweep: %w", err)
	}
	scheduler.StartAsync()
	s.logger.Info("reminder sweeper started", zap.Duration("interval", s.interval))

	<-ctx.Done()
	scheduler.Stop()
	return nil
}

// Sweep announces the due count of every owner with pending reviews. Owners whose due set
// cannot be computed are skipped and counted as failed.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	at := s.clock().UTC()
	owners, err := s.schedules.OwnersWithDueItems(ctx, at)
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{Owners: len(owners)}
	for _, ownerID := range owners {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		tier, err := s.tiers.TierOrDefault(ctx, ownerID, s.defaultTier)
		if err != nil {
			report.Failed++
			s.logger.Warn("reminder tier lookup failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
			continue
		}
		set, err := s.schedules.SelectDue(ctx, schedules.DueQuery{OwnerID: ownerID, At: at, Tier: tier})
		if err != nil {
			report.Failed++
			s.logger.Warn("reminder due selection failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
			continue
		}
		if set.DueCount == 0 {
			continue
		}
		s.announcer.ReviewDue(ctx, ownerID, set.DueCount)
		report.Notified++
	}

	s.logger.Info("reminder sweep completed",
		zap.Int("owners", report.Owners),
		zap.Int("notified", report.Notified),
		zap.Int("failed", report.Failed))
	return report, nil
}
