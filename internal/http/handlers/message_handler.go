// Message HTTP handlers.
//
// This file exposes the dashboard read API over persisted messages:
//   - GET  /messages                  (list, filtered and paginated, ETag support)
//   - GET  /messages/search           (full-text search over the index)
//   - GET  /messages/{id}             (single message)
//   - POST /messages/{id}/reprocess   (re-arm the reply job of a stuck message)
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
	"github.com/tbourn/inbox-ai-pipeline/internal/search"
	"github.com/tbourn/inbox-ai-pipeline/internal/services"
	"github.com/tbourn/inbox-ai-pipeline/internal/sysutil"
	"github.com/tbourn/inbox-ai-pipeline/internal/utils"
)

//
// DTOs
//

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// SearchMessagesResponse carries ranked search hits.
type SearchMessagesResponse struct {
	Hits []search.Hit `json:"hits"`
}

// ReprocessResponse returns the message after it was put back to pending.
type ReprocessResponse struct {
	Message *domain.Message `json:"message"`
}

//
// Helpers
//

// parseFilter reads the channel, senderId and status filters. Unknown
// channel or status values are rejected rather than silently matching nothing.
func parseFilter(c *gin.Context) (repo.MessageFilter, error) {
	f := repo.MessageFilter{
		Channel:      domain.Channel(strings.TrimSpace(c.Query("channel"))),
		SenderID:     strings.TrimSpace(sysutil.FirstNonEmpty(c.Query("senderId"), c.Query("sender_id"))),
		ConnectionID: strings.TrimSpace(sysutil.FirstNonEmpty(c.Query("connectionId"), c.Query("connection_id"))),
		Status:       domain.MessageStatus(strings.ToLower(strings.TrimSpace(c.Query("status")))),
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return f, fmt.Errorf("unknown channel %q", f.Channel)
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("unknown status %q", f.Status)
	}
	return f, nil
}

// filterETag is a weak validator over the filter and its (count, last update).
func filterETag(f repo.MessageFilter, count int64, ts int64) string {
	return fmt.Sprintf(`W/"messages:%s:%s:%s:%s:%d:%d"`, f.Channel, f.SenderID, f.ConnectionID, f.Status, count, ts)
}

//
// Handlers
//

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages (paginated)
// @Description Returns stored messages, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Messages
// @Produce     json
//
// @Param       channel        query   string  false "Channel filter"   Enums(whatsapp, instagram, facebook_dm)
// @Param       senderId       query   string  false "Sender filter"
// @Param       connectionId   query   string  false "Connection filter"
// @Param       status         query   string  false "Status filter"    Enums(pending, processing, completed, failed)
// @Param       page           query   int     false "Page number"      minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"   minimum(1) maximum(100) default(20)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()

	f, err := parseFilter(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	// ETag pre-check (best effort).
	if count, maxTS, err := h.msgSvc.Stats(ctx, f); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixNano()
		}
		etag := filterETag(f, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	page, pageSize := clampPagination(c)

	items, total, err := h.msgSvc.ListPage(ctx, f, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// SearchMessages godoc
// @ID          searchMessages
// @Summary     Search messages
// @Description Full-text search over message text and sender name, optionally filtered.
// @Tags        Messages
// @Produce     json
//
// @Param       q         query  string  true   "Search text"
// @Param       channel   query  string  false  "Channel filter"
// @Param       senderId  query  string  false  "Sender filter"
// @Param       status    query  string  false  "Status filter"
// @Param       limit     query  int     false  "Max hits"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.SearchMessagesResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     503  {object} handlers.ErrorResponse "Search disabled"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /messages/search [get]
func (h *Handlers) SearchMessages(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "q required")
		return
	}
	f, err := parseFilter(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	hits, err := h.msgSvc.Search(c.Request.Context(), search.Query{
		Q:        q,
		Channel:  string(f.Channel),
		SenderID: f.SenderID,
		Status:   string(f.Status),
		Limit:    utils.AtoiDefault(c.Query("limit"), 0),
	})
	if err != nil {
		if errors.Is(err, services.ErrSearchUnavailable) {
			fail(c, http.StatusServiceUnavailable, ErrCodeSearchUnavailable, "search is disabled")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeSearchFailed, err.Error())
		return
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	ok(c, http.StatusOK, SearchMessagesResponse{Hits: hits})
}

// GetMessage godoc
// @ID          getMessage
// @Summary     Get a message
// @Tags        Messages
// @Produce     json
//
// @Param       id   path  string  true  "Message ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Message
// @Failure     404  {object} handlers.ErrorResponse "Not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /messages/{id} [get]
func (h *Handlers) GetMessage(c *gin.Context) {
	m, err := h.msgSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrMessageNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, m)
}

// ReprocessMessage godoc
// @ID          reprocessMessage
// @Summary     Reprocess a message
// @Description Puts a pending or failed inbound message back to pending and re-enqueues its reply job.
// @Tags        Messages
// @Produce     json
//
// @Param       id   path  string  true  "Message ID (UUID)"  format(uuid)
//
// @Success     202  {object} handlers.ReprocessResponse
// @Failure     404  {object} handlers.ErrorResponse "Not found"
// @Failure     409  {object} handlers.ErrorResponse "Completed, in flight, outbound or unrouted"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /messages/{id}/reprocess [post]
func (h *Handlers) ReprocessMessage(c *gin.Context) {
	m, err := h.msgSvc.Reprocess(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		ok(c, http.StatusAccepted, ReprocessResponse{Message: m})
	case errors.Is(err, services.ErrMessageNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
	case errors.Is(err, services.ErrNotReprocessable):
		fail(c, http.StatusConflict, ErrCodeNotReprocessable, "message is completed, in flight, outbound or unrouted")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeReprocessFailed, err.Error())
	}
}
