// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the SQL-backed dedup claim table used
// when several ingestion processes must share one "claim once" key space.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// ErrDuplicate indicates that a unique row already exists.
var ErrDuplicate = errors.New("duplicate")

// ClaimDedupKey atomically records key with the given ttl. It returns true
// only for the caller whose insert created the live row. An expired row for
// the same key is cleared first so the key becomes claimable again; the
// insert itself is a single INSERT .. ON CONFLICT DO NOTHING, so concurrent
// claimers race on the primary key and exactly one wins.
func ClaimDedupKey(ctx context.Context, db *gorm.DB, key string, ttl time.Duration, now time.Time) (bool, error) {
	if err := db.WithContext(ctx).
		Where("key = ? AND expires_at <= ?", key, now).
		Delete(&domain.DedupClaim{}).Error; err != nil {
		return false, err
	}

	rec := &domain.DedupClaim{
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PurgeExpiredClaims deletes dead claims and returns how many were removed.
func PurgeExpiredClaims(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.DedupClaim{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation recognizes duplicate-key errors across drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}
