package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

func TestMemoryStore_ClaimOnce(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	ok, err := s.ClaimOnce(ctx, "whatsapp:wamid.1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.ClaimOnce(ctx, "whatsapp:wamid.1", time.Hour)
	assert.False(t, ok)

	ok, _ = s.ClaimOnce(ctx, "instagram:wamid.1", time.Hour)
	assert.True(t, ok, "same id on another channel is a different key")
}

func TestMemoryStore_ExpiredClaimIsReclaimable(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	ok, _ := s.ClaimOnce(ctx, "k", 20*time.Millisecond)
	require.True(t, ok)
	time.Sleep(40 * time.Millisecond)

	ok, _ = s.ClaimOnce(ctx, "k", time.Hour)
	assert.True(t, ok)
}

func TestMemoryStore_ConcurrentSingleWinner(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.ClaimOnce(context.Background(), "race", time.Hour); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, 1, s.Len())
}

func TestSQLStore_ClaimOnceAndPurge(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.DedupClaim{}))

	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	s := NewSQLStore(db)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := s.ClaimOnce(ctx, "facebook_dm:m_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimOnce(ctx, "facebook_dm:m_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Hour)
	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err = s.ClaimOnce(ctx, "facebook_dm:m_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
