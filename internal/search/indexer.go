package search

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// Indexer is the pipeline-facing wrapper around an Index. Every failure,
// including a missing collection, is logged and swallowed.
type Indexer struct {
	Index   Index
	Log     zerolog.Logger
	Timeout time.Duration
}

func (x *Indexer) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

func (x *Indexer) warn(err error, op, id string) {
	ev := x.Log.Warn().Err(err).Str("op", op)
	if id != "" {
		ev = ev.Str("message_id", id)
	}
	if errors.Is(err, ErrCollectionMissing) {
		ev.Msg("search collection missing; document not indexed")
		return
	}
	ev.Msg("search indexing failed")
}

// IndexMessage upserts one message.
func (x *Indexer) IndexMessage(ctx context.Context, m *domain.Message) {
	if x == nil || x.Index == nil || m == nil {
		return
	}
	ctx, cancel := x.ctx(ctx)
	defer cancel()
	if err := x.Index.Upsert(ctx, FromMessage(m)); err != nil {
		x.warn(err, "upsert", m.ID)
	}
}

// RemoveFromIndex deletes one message by id.
func (x *Indexer) RemoveFromIndex(ctx context.Context, id string) {
	if x == nil || x.Index == nil {
		return
	}
	ctx, cancel := x.ctx(ctx)
	defer cancel()
	if err := x.Index.Delete(ctx, id); err != nil {
		x.warn(err, "delete", id)
	}
}

// BulkIndex upserts a batch and returns how many documents were submitted
// successfully (0 or len(ms)).
func (x *Indexer) BulkIndex(ctx context.Context, ms []domain.Message) int {
	if x == nil || x.Index == nil || len(ms) == 0 {
		return 0
	}
	docs := make([]Document, 0, len(ms))
	for i := range ms {
		docs = append(docs, FromMessage(&ms[i]))
	}
	ctx, cancel := x.ctx(ctx)
	defer cancel()
	if err := x.Index.Upsert(ctx, docs...); err != nil {
		x.warn(err, "bulk_upsert", "")
		return 0
	}
	return len(docs)
}
