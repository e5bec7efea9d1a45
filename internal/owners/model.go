package owners

import (
	"strings"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/tiers"
)

// Identity maps a provider-specific login to a canonical owner id.
type Identity struct {
	Provider          string `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject           string `gorm:"column:subject;primaryKey;size:190;not null"`
	OwnerID           string `gorm:"column:owner_id;size:190;not null;index"`
	Email             string `gorm:"column:email;size:320"`
	DisplayName       string `gorm:"column:display_name;size:320"`
	AvatarURL         string `gorm:"column:avatar_url;size:512"`
	LastSeenAtSeconds int64  `gorm:"column:last_seen_at_s;not null"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing owner identities.
func (Identity) TableName() string {
	return "owner_identities"
}

// Owner records the current entitlement tier of an owner.
type Owner struct {
	OwnerID              string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	Tier                 string `gorm:"column:tier;size:16;not null"`
	TierUpdatedAtSeconds int64  `gorm:"column:tier_updated_at_s;not null"`
	CreatedAtSeconds     int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing owner entitlements.
func (Owner) TableName() string {
	return "owners"
}

// TierUpdatedAt returns the time the stored tier took effect.
func (o Owner) TierUpdatedAt() time.Time {
	return time.Unix(o.TierUpdatedAtSeconds, 0).UTC()
}

// CurrentTier parses the stored tier name.
func (o Owner) CurrentTier() (tiers.Tier, error) {
	return tiers.ParseTier(o.Tier)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
