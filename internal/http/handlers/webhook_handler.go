// Webhook HTTP handlers.
//
// This file exposes the per-channel webhook endpoints:
//   - GET  /webhooks/{channel}   (subscription handshake)
//   - POST /webhooks/{channel}   (event delivery)
//
// Deliveries are acknowledged with 200 whenever the signature checks out,
// including malformed payloads and per-event storage failures: anything else
// makes the platform redeliver, and redeliveries are absorbed by dedup.
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/inbox-ai-pipeline/internal/channel"
	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/http/middleware"
	"github.com/tbourn/inbox-ai-pipeline/internal/services"
	"github.com/tbourn/inbox-ai-pipeline/internal/sysutil"
)

// AckBody is the plain-text body of an accepted delivery.
const AckBody = "EVENT_RECEIVED"

// VerifyWebhook godoc
// @ID          verifyWebhook
// @Summary     Webhook subscription handshake
// @Description Echoes hub.challenge when hub.mode is "subscribe" and hub.verify_token matches the channel's token.
// @Tags        Webhooks
// @Produce     plain
//
// @Param       channel             path   string  true  "Channel"  Enums(whatsapp, instagram, facebook_dm)
// @Param       hub.mode            query  string  true  "Must be subscribe"
// @Param       hub.verify_token    query  string  true  "Configured verify token"
// @Param       hub.challenge       query  string  true  "Value to echo"
//
// @Success     200  {string} string "challenge"
// @Failure     403  {object} handlers.ErrorResponse "Token mismatch"
// @Failure     404  {object} handlers.ErrorResponse "Unknown channel"
// @Failure     500  {object} handlers.ErrorResponse "Channel not configured"
// @Router      /webhooks/{channel} [get]
func (h *Handlers) VerifyWebhook(c *gin.Context) {
	ch := domain.Channel(c.Param("channel"))
	mode := sysutil.FirstNonEmpty(c.Query("hub.mode"), c.Query("mode"))
	token := sysutil.FirstNonEmpty(c.Query("hub.verify_token"), c.Query("verify_token"))
	challenge := sysutil.FirstNonEmpty(c.Query("hub.challenge"), c.Query("challenge"))

	echo, err := h.hookSvc.VerifyChallenge(ch, mode, token, challenge)
	switch {
	case err == nil:
		text(c, http.StatusOK, echo)
	case errors.Is(err, services.ErrChallengeRejected):
		middleware.LoggerFrom(c).Warn().Str("mode", mode).Msg("webhook verification rejected")
		fail(c, http.StatusForbidden, ErrCodeChallengeRejected, "verification failed")
	case errors.Is(err, channel.ErrUnknownChannel):
		fail(c, http.StatusNotFound, ErrCodeUnknownChannel, "unknown channel")
	case errors.Is(err, channel.ErrNotConfigured):
		fail(c, http.StatusInternalServerError, ErrCodeNotConfigured, "channel verify token not configured")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// ReceiveWebhook godoc
// @ID          receiveWebhook
// @Summary     Receive channel events
// @Description Verifies X-Hub-Signature-256 over the raw body, then stores and enqueues every new message.
// @Tags        Webhooks
// @Accept      json
// @Produce     plain
//
// @Param       channel              path    string  true  "Channel"  Enums(whatsapp, instagram, facebook_dm)
// @Param       X-Hub-Signature-256  header  string  true  "sha256=<hex hmac of body>"
//
// @Success     200  {string} string "EVENT_RECEIVED"
// @Failure     403  {object} handlers.ErrorResponse "Invalid signature"
// @Failure     404  {object} handlers.ErrorResponse "Unknown channel"
// @Failure     413  {object} handlers.ErrorResponse "Body too large"
// @Failure     500  {object} handlers.ErrorResponse "Channel not configured"
// @Router      /webhooks/{channel} [post]
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	ch := domain.Channel(c.Param("channel"))

	// The HMAC covers the exact bytes sent, so the body is read raw.
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "webhook body too large")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "could not read body")
		return
	}

	res, err := h.hookSvc.Ingest(c.Request.Context(), ch, body, c.GetHeader(middleware.SignatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, channel.ErrInvalidSignature):
		fail(c, http.StatusForbidden, ErrCodeInvalidSignature, "invalid signature")
		return
	case errors.Is(err, channel.ErrUnknownChannel):
		fail(c, http.StatusNotFound, ErrCodeUnknownChannel, "unknown channel")
		return
	case errors.Is(err, channel.ErrNotConfigured):
		fail(c, http.StatusInternalServerError, ErrCodeNotConfigured, "channel app secret not configured")
		return
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	middleware.LoggerFrom(c).Debug().
		Int("events", res.Events).
		Int("stored", res.Stored).
		Int("duplicates", res.Duplicates).
		Int("enqueued", res.Enqueued).
		Int("failed", res.Failed).
		Msg("webhook processed")
	text(c, http.StatusOK, AckBody)
}
