// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger for both the
// webhook endpoints and the dashboard API. Webhook traffic carries customer
// phone numbers, verify tokens and HMAC signatures, so nothing from the
// request is logged without being scrubbed first:
//
//   - bodies are never logged
//   - credential headers (Authorization, Cookie, X-Hub-Signature-256, plus
//     any configured extras) are fully masked
//   - credential query parameters (hub.verify_token and friends) are masked
//   - emails, phone numbers and UUIDs are pattern-redacted everywhere else
//
// RedactingLogger also attaches the request-scoped logger that LoggerFrom
// returns, so handler logs carry the same request_id and channel fields.
package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SignatureHeader is the webhook HMAC header; it is always masked.
const SignatureHeader = "X-Hub-Signature-256"

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so hex runs inside UUIDs never match. Also covers bare
	// E.164-style sender ids such as 905551112233.
	phoneRE = regexp.MustCompile(`\+?\b(?:\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

var (
	defaultMaskedHeaders = []string{"authorization", "cookie", "set-cookie", strings.ToLower(SignatureHeader)}
	defaultMaskedQuery   = []string{"hub.verify_token", "verify_token", "access_token"}
)

// RedactOptions configures additional scrub behavior for RedactingLogger.
// Names are matched case-insensitively and merged with the built-in sets.
type RedactOptions struct {
	MaskHeaders []string
	MaskQuery   []string
}

// redactPII replaces UUIDs, emails and phone numbers in s. UUIDs go first so
// the looser phone pattern cannot eat their digit groups.
func redactPII(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// redactQuery masks the values of credential parameters and pattern-redacts
// the rest, keeping the original parameter order.
func redactQuery(raw string, masked map[string]struct{}) string {
	if raw == "" {
		return raw
	}
	parts := strings.Split(raw, "&")
	for i, p := range parts {
		k, _, hasValue := strings.Cut(p, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			name = k
		}
		if _, ok := masked[strings.ToLower(name)]; ok && hasValue {
			parts[i] = k + "=[REDACTED]"
			continue
		}
		parts[i] = redactPII(p)
	}
	return strings.Join(parts, "&")
}

func nameSet(defaults, extra []string) map[string]struct{} {
	out := make(map[string]struct{}, len(defaults)+len(extra))
	for _, n := range append(append([]string(nil), defaults...), extra...) {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

// RedactingLogger returns a Gin middleware that logs each request once on
// completion: info for 2xx/3xx, warn for 4xx, error for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := nameSet(defaultMaskedHeaders, opts.MaskHeaders)
	maskQuery := nameSet(defaultMaskedQuery, opts.MaskQuery)

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := redactQuery(c.Request.URL.RawQuery, maskQuery)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redactPII(strings.Join(vv, ", "))
		}

		rid, _ := c.Get(requestIDKey)
		scoped := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path)
		if ch := c.Param("channel"); ch != "" {
			scoped = scoped.Str("channel", ch)
		}
		lg := scoped.Logger()
		c.Set(loggerKey, &lg)

		c.Next()

		status := c.Writer.Status()
		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
		}

		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		if ch := c.Param("channel"); ch != "" {
			ev = ev.Str("channel", ch)
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", truncate(safeQuery, maxQueryLogLength)).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
