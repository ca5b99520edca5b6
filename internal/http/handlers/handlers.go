// Package handlers exposes the webhook receiver and the dashboard read API.
//
// Handlers are transport-thin: they parse the request, call an application
// service and translate the outcome into an HTTP response.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
	"github.com/tbourn/inbox-ai-pipeline/internal/search"
	"github.com/tbourn/inbox-ai-pipeline/internal/services"
	"github.com/tbourn/inbox-ai-pipeline/internal/utils"
)

//
// Service contracts (context-aware)
//

// WebhookService verifies and ingests channel webhooks.
// *services.IngestService implements it.
type WebhookService interface {
	// VerifyChallenge returns the challenge to echo for a subscription
	// handshake on ch.
	VerifyChallenge(ch domain.Channel, mode, token, challenge string) (string, error)
	// Ingest verifies and processes one raw delivery.
	Ingest(ctx context.Context, ch domain.Channel, body []byte, signature string) (services.IngestResult, error)
}

// MessageService serves stored messages. *services.MessageService
// implements it.
type MessageService interface {
	ListPage(ctx context.Context, f repo.MessageFilter, page, pageSize int) ([]domain.Message, int64, error)
	Stats(ctx context.Context, f repo.MessageFilter) (int64, *time.Time, error)
	Get(ctx context.Context, id string) (*domain.Message, error)
	Search(ctx context.Context, q search.Query) ([]search.Hit, error)
	Reprocess(ctx context.Context, id string) (*domain.Message, error)
}

//
// Handler wiring
//

// Handlers groups the webhook and message endpoints.
type Handlers struct {
	hookSvc WebhookService
	msgSvc  MessageService
}

// New constructs a Handlers bound to the given services.
func New(hookSvc WebhookService, msgSvc MessageService) *Handlers {
	return &Handlers{hookSvc: hookSvc, msgSvc: msgSvc}
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// clampPagination parses page/page_size query parameters, applies defaults
// and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	return utils.ClampPage(
		utils.AtoiDefault(c.Query("page"), defaultPage),
		utils.AtoiDefault(c.Query("page_size"), defaultPageSize),
		defaultPageSize,
		maxPageSize,
	)
}
