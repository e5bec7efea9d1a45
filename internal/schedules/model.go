package schedules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("schedules: invalid owner id")
	// ErrInvalidContentID indicates that a content identifier is empty or exceeds storage bounds.
	ErrInvalidContentID = errors.New("schedules: invalid content id")
	// ErrInvalidResult indicates a review result outside succeeded, partial and failed.
	ErrInvalidResult = errors.New("schedules: invalid review result")
)

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidOwnerID)
	if err != nil {
		return "", err
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// ContentID represents a validated identifier of a reviewable content unit.
type ContentID string

// NewContentID validates raw input and returns a ContentID.
func NewContentID(rawInput string) (ContentID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidContentID)
	if err != nil {
		return "", err
	}
	return ContentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ContentID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// ReviewResult classifies a completed review.
type ReviewResult string

const (
	// ResultSucceeded advances the schedule along the interval sequence.
	ResultSucceeded ReviewResult = "succeeded"
	// ResultPartial keeps the current interval and reschedules from now.
	ResultPartial ReviewResult = "partial"
	// ResultFailed resets progress but keeps the item in the current session.
	ResultFailed ReviewResult = "failed"
)

// ParseReviewResult validates a raw result name.
func ParseReviewResult(rawInput string) (ReviewResult, error) {
	switch ReviewResult(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ResultSucceeded:
		return ResultSucceeded, nil
	case ResultPartial:
		return ResultPartial, nil
	case ResultFailed:
		return ResultFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResult, rawInput)
	}
}

// ScheduleState is the review plan for one (owner, content) pair.
type ScheduleState struct {
	ScheduleID       string `gorm:"column:schedule_id;primaryKey;size:64;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_schedules_owner_content,priority:1;index:idx_schedules_owner_due,priority:1"`
	ContentID        string `gorm:"column:content_id;size:190;not null;uniqueIndex:idx_schedules_owner_content,priority:2"`
	Category         string `gorm:"column:category;size:190;not null;default:''"`
	IntervalIndex    int    `gorm:"column:interval_index;not null;default:0"`
	NextDueAtSeconds int64  `gorm:"column:next_due_at_s;not null;index:idx_schedules_owner_due,priority:3"`
	Active           bool   `gorm:"column:active;not null;index:idx_schedules_owner_due,priority:2"`
	FirstReviewDone  bool   `gorm:"column:first_review_done;not null;default:false"`
	Version          int64  `gorm:"column:version;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ScheduleState) TableName() string {
	return "review_schedules"
}

// NextDueAt returns the next scheduled review as a UTC time.
func (s ScheduleState) NextDueAt() time.Time {
	return time.Unix(s.NextDueAtSeconds, 0).UTC()
}

// CreatedAt returns the creation time as a UTC time.
func (s ScheduleState) CreatedAt() time.Time {
	return time.Unix(s.CreatedAtSeconds, 0).UTC()
}

// ReviewOutcome is an append-only record of a completed review.
type ReviewOutcome struct {
	OutcomeID           string         `gorm:"column:outcome_id;primaryKey;size:64;not null"`
	ScheduleID          string         `gorm:"column:schedule_id;size:64;not null;index"`
	OwnerID             string         `gorm:"column:owner_id;size:190;not null;index:idx_outcomes_owner_content,priority:1"`
	ContentID           string         `gorm:"column:content_id;size:190;not null;index:idx_outcomes_owner_content,priority:2"`
	Result              ReviewResult   `gorm:"column:result;size:16;not null"`
	Score               *float64       `gorm:"column:score"`
	Metadata            datatypes.JSON `gorm:"column:metadata"`
	Tier                string         `gorm:"column:tier;size:16;not null"`
	IntervalIndexBefore int            `gorm:"column:interval_index_before;not null"`
	IntervalIndexAfter  int            `gorm:"column:interval_index_after;not null"`
	ReviewedAtSeconds   int64          `gorm:"column:reviewed_at_s;not null;index:idx_outcomes_owner_content,priority:3"`

	Schedule *ScheduleState `gorm:"foreignKey:ScheduleID;references:ScheduleID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (ReviewOutcome) TableName() string {
	return "review_outcomes"
}
