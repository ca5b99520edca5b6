// Response helpers shared by the webhook and dashboard handlers.
//
// Errors always use ErrorResponse with a stable code from errors.go.
// Success bodies are JSON for the dashboard API and plain text for the
// webhook handshake and ack, which the platforms read as raw strings.
//
// Example error response:
//
//	HTTP/1.1 403 Forbidden
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "invalid_signature",
//	  "message": "signature verification failed"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/inbox-ai-pipeline/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"resource not found"`
}

// fail aborts the request with an ErrorResponse. Server errors are logged at
// error level. Rejected webhook deliveries (403, 413) are logged at warn so
// a misconfigured app secret or a probing client shows up in the logs.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	var ev *zerolog.Event
	lg := middleware.LoggerFrom(c)
	switch {
	case status >= http.StatusInternalServerError:
		ev = lg.Error()
	case status == http.StatusForbidden, status == http.StatusRequestEntityTooLarge:
		ev = lg.Warn()
	}
	if ev != nil {
		if ch := c.Param("channel"); ch != "" {
			ev = ev.Str("channel", ch)
		}
		ev.Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("request rejected")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail, used by the router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// text writes a plain-text body.
func text(c *gin.Context, status int, body string) {
	c.String(status, body)
}
