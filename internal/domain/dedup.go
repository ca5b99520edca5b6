package domain

import "time"

// DedupClaim is an expiring "seen once" marker keyed by
// "<channel>:<channelMessageId>". Rows past ExpiresAt are dead and may be
// reclaimed by the next delivery of the same key.
type DedupClaim struct {
	Key       string    `gorm:"type:varchar(300);primaryKey"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (DedupClaim) TableName() string { return "dedup_claims" }
