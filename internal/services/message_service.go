// Package services – MessageService
//
// This file implements MessageService, the read side consumed by the
// dashboard API and the CLI: paginated listing with ETag stats, lookup by
// id, search over the configured search.Index, and manual reprocessing of
// inbound messages whose reply never completed.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include message identifiers and pagination parameters where applicable.

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
	"github.com/tbourn/inbox-ai-pipeline/internal/search"
	"github.com/tbourn/inbox-ai-pipeline/internal/utils"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPageSize  = 20
	reprocessBatch   = 200
	maxSearchResults = 100
)

// Requeuer re-arms a job from scratch; *queue.Queue implements it.
type Requeuer interface {
	Requeue(ctx context.Context, id string, job domain.Job) error
}

// MessageService serves stored messages.
type MessageService struct {
	DB    *gorm.DB
	Index search.Index
	Queue Requeuer
	Log   zerolog.Logger

	Realtime Broadcaster
}

// ListPage returns a page of messages matching f, newest first, plus the
// total match count.
func (s *MessageService) ListPage(ctx context.Context, f repo.MessageFilter, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("filter.channel", string(f.Channel)),
			attribute.String("filter.status", string(f.Status)),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	page, pageSize = utils.ClampPage(page, pageSize, defaultPageSize, 0)
	offset := utils.Offset(page, pageSize)

	total, err := repo.CountMessages(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(ctx, s.DB, f, offset, pageSize)
	return items, total, err
}

// Stats returns the match count and latest update time for f, used for
// conditional responses.
func (s *MessageService) Stats(ctx context.Context, f repo.MessageFilter) (int64, *time.Time, error) {
	return repo.MessagesStats(ctx, s.DB, f)
}

// Get returns message id or ErrMessageNotFound.
func (s *MessageService) Get(ctx context.Context, id string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("message.id", id)))
	defer span.End()

	m, err := repo.GetMessage(ctx, s.DB, id)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

// Search runs q against the search index.
func (s *MessageService) Search(ctx context.Context, q search.Query) ([]search.Hit, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Search",
		trace.WithAttributes(
			attribute.String("query", q.Q),
			attribute.Int("limit", q.Limit),
		),
	)
	defer span.End()

	if s.Index == nil {
		return nil, ErrSearchUnavailable
	}
	if q.Limit <= 0 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxSearchResults {
		q.Limit = maxSearchResults
	}
	return s.Index.Search(ctx, q)
}

// Reprocess puts a pending or failed inbound message back to pending and
// re-arms its reply job. Outbound, completed, in-flight and unrouted
// messages return ErrNotReprocessable.
func (s *MessageService) Reprocess(ctx context.Context, id string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Reprocess", trace.WithAttributes(attribute.String("message.id", id)))
	defer span.End()

	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.reprocess(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MessageService) reprocess(ctx context.Context, m *domain.Message) error {
	if m.IsFromBusiness || m.ConnectionID == "" {
		return ErrNotReprocessable
	}
	if m.Status != domain.StatusPending && m.Status != domain.StatusFailed {
		return ErrNotReprocessable
	}
	changed, err := repo.ResetToPending(ctx, s.DB, m.ID)
	if err != nil {
		return err
	}
	if !changed {
		return ErrNotReprocessable
	}
	m.Status = domain.StatusPending
	if err := s.Queue.Requeue(ctx, m.JobID(), JobFor(m)); err != nil {
		return err
	}
	if s.Realtime != nil {
		s.Realtime.Broadcast(ctx, m)
	}
	return nil
}

// ReprocessByStatus re-arms every reprocessable inbound message currently
// at status. It returns how many jobs were re-armed.
func (s *MessageService) ReprocessByStatus(ctx context.Context, status domain.MessageStatus) (int, error) {
	var (
		n     int
		after string
	)
	f := repo.MessageFilter{Status: status}
	for {
		batch, err := repo.ListMessagesAfter(ctx, s.DB, f, after, reprocessBatch)
		if err != nil {
			return n, err
		}
		if len(batch) == 0 {
			return n, nil
		}
		for i := range batch {
			m := &batch[i]
			after = m.ID
			switch err := s.reprocess(ctx, m); err {
			case nil:
				n++
			case ErrNotReprocessable:
			default:
				s.Log.Warn().Err(err).Str("message_id", m.ID).Msg("reprocess failed")
			}
		}
	}
}
