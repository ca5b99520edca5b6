package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRedactPII(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"mail a.b+tag@example.com", "mail [REDACTED:email]"},
		{"id=123e4567-e89b-12d3-a456-426614174000", "id=[REDACTED:id]"},
		{"from 905551112233", "from [REDACTED:phone]"},
		{"call +1-555-123-4567", "call [REDACTED:phone]"},
		{"page=2", "page=2"},
	}
	for _, tc := range cases {
		if got := redactPII(tc.in); got != tc.want {
			t.Fatalf("redactPII(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactQuery_MasksCredentialsKeepsOrder(t *testing.T) {
	masked := nameSet(defaultMaskedQuery, []string{"X-Extra"})
	raw := "hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=abc123&senderId=905551112233&x-extra=1"
	got := redactQuery(raw, masked)
	want := "hub.mode=subscribe&hub.verify_token=[REDACTED]&hub.challenge=abc123&senderId=[REDACTED:phone]&x-extra=[REDACTED]"
	if got != want {
		t.Fatalf("redactQuery =\n %q\nwant\n %q", got, want)
	}

	// Escaped parameter names are matched after unescaping.
	if got := redactQuery("hub%2Everify_token=s3cret", masked); got != "hub%2Everify_token=[REDACTED]" {
		t.Fatalf("escaped name not masked: %q", got)
	}
	if redactQuery("", masked) != "" {
		t.Fatalf("empty query must stay empty")
	}
}

func TestRedactingLogger_WebhookRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Header(requestIDHeader, "rid-resp")
		c.Next()
	})
	r.Use(RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.POST("/webhooks/:channel", func(c *gin.Context) { c.String(http.StatusOK, "EVENT_RECEIVED") })

	body := bytes.NewBufferString(`{"entry":[{"changes":[{"value":{"messages":[{"from":"905551112233","text":{"body":"Merhaba"}}]}}]}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp?trace=a@b.com", body)
	req.Header.Set(SignatureHeader, "sha256=deadbeef")
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Api-Key", "shhh")
	req.Header.Set("X-Forwarded-For-Phone", "905551112233")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	logs := buf.String()
	for _, want := range []string{
		`"level":"info"`,
		`"path":"/webhooks/:channel"`,
		`"channel":"whatsapp"`,
		`"request_id":"rid-resp"`,
		`"query":"trace=[REDACTED:email]"`,
		`"X-Hub-Signature-256":"[REDACTED]"`,
		`"Authorization":"[REDACTED]"`,
		`"X-Api-Key":"[REDACTED]"`,
		`"X-Forwarded-For-Phone":"[REDACTED:phone]"`,
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing %s in logs:\n%s", want, logs)
		}
	}
	for _, leak := range []string{"Merhaba", "deadbeef", "905551112233", "shhh"} {
		if strings.Contains(logs, leak) {
			t.Fatalf("log leaked %q:\n%s", leak, logs)
		}
	}
}

func TestRedactingLogger_VerifyTokenMaskedAndLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.GET("/webhooks/:channel", func(c *gin.Context) { c.Status(http.StatusForbidden) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	req := httptest.NewRequest(http.MethodGet, "/webhooks/instagram?hub.mode=subscribe&hub.verify_token=topsecret&hub.challenge=1", nil)
	req.Header.Set(requestIDHeader, "rid-warn")
	r.ServeHTTP(httptest.NewRecorder(), req)

	reqErr := httptest.NewRequest(http.MethodGet, "/boom", nil)
	reqErr.Header.Set(requestIDHeader, "rid-err")
	r.ServeHTTP(httptest.NewRecorder(), reqErr)

	logs := buf.String()
	if strings.Contains(logs, "topsecret") {
		t.Fatalf("verify token leaked:\n%s", logs)
	}
	if !strings.Contains(logs, `"level":"warn"`) || !strings.Contains(logs, `"request_id":"rid-warn"`) {
		t.Fatalf("warn log not found or missing request_id fallback: %s", logs)
	}
	if !strings.Contains(logs, `"level":"error"`) || !strings.Contains(logs, `"request_id":"rid-err"`) {
		t.Fatalf("error log not found or missing request_id fallback: %s", logs)
	}
}
