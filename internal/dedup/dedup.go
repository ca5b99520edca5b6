// Package dedup implements the "claim once" fast-path filter in front of the
// message store. A claim is a TTL-bound key; only the first caller to set an
// absent key sees isNew=true.
package dedup

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
)

// DefaultTTL is how long a claim shadows repeat deliveries.
const DefaultTTL = time.Hour

// Deduplicator is an atomic set-if-absent with expiry.
type Deduplicator interface {
	ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryStore keeps claims in process memory. It is enough for a single
// ingestion process; the message store still enforces uniqueness across
// processes.
type MemoryStore struct {
	c *cache.Cache
}

// NewMemoryStore creates a store that sweeps expired claims every cleanup.
func NewMemoryStore(cleanup time.Duration) *MemoryStore {
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &MemoryStore{c: cache.New(DefaultTTL, cleanup)}
}

// ClaimOnce uses cache.Add, which fails if a live item exists.
func (s *MemoryStore) ClaimOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.c.Add(key, struct{}{}, ttl) == nil, nil
}

// Len returns the number of tracked claims, expired ones included until swept.
func (s *MemoryStore) Len() int { return s.c.ItemCount() }

// SQLStore keeps claims in the shared relational store so several
// ingestion processes share one key space.
type SQLStore struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewSQLStore returns a store backed by the dedup_claims table.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

// ClaimOnce inserts the key with ON CONFLICT DO NOTHING.
func (s *SQLStore) ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return repo.ClaimDedupKey(ctx, s.DB, key, ttl, s.Now())
}

// Purge removes expired claims.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	return repo.PurgeExpiredClaims(ctx, s.DB, s.Now())
}
