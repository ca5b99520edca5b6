package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/inbox-ai-pipeline/internal/channel"
	"github.com/tbourn/inbox-ai-pipeline/internal/connection"
	"github.com/tbourn/inbox-ai-pipeline/internal/dedup"
	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/http/middleware"
	"github.com/tbourn/inbox-ai-pipeline/internal/queue"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
	"github.com/tbourn/inbox-ai-pipeline/internal/services"
)

// ---------- test plumbing ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "handlers.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// stubHookSvc returns canned results so every error mapping can be hit.
type stubHookSvc struct {
	echo     string
	err      error
	res      services.IngestResult
	gotBody  []byte
	gotSig   string
	gotToken string
}

func (s *stubHookSvc) VerifyChallenge(_ domain.Channel, _, token, challenge string) (string, error) {
	s.gotToken = token
	if s.err != nil {
		return "", s.err
	}
	if s.echo != "" {
		return s.echo, nil
	}
	return challenge, nil
}

func (s *stubHookSvc) Ingest(_ context.Context, _ domain.Channel, body []byte, sig string) (services.IngestResult, error) {
	s.gotBody, s.gotSig = body, sig
	return s.res, s.err
}

func webhookRouter(svc WebhookService, maxBody int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if maxBody > 0 {
		r.Use(func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
			c.Next()
		})
	}
	h := New(svc, nil)
	r.GET("/webhooks/:channel", h.VerifyWebhook)
	r.POST("/webhooks/:channel", h.ReceiveWebhook)
	return r
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("error body is not JSON: %q", w.Body.String())
	}
	return er
}

// ---------- VerifyWebhook ----------

func TestVerifyWebhook_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"rejected", services.ErrChallengeRejected, http.StatusForbidden, ErrCodeChallengeRejected},
		{"unknown channel", channel.ErrUnknownChannel, http.StatusNotFound, ErrCodeUnknownChannel},
		{"not configured", channel.ErrNotConfigured, http.StatusInternalServerError, ErrCodeNotConfigured},
		{"other", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := webhookRouter(&stubHookSvc{err: tc.err}, 0)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=x&hub.challenge=1", nil))
			if w.Code != tc.status {
				t.Fatalf("status = %d; want %d", w.Code, tc.status)
			}
			if er := decodeErr(t, w); er.Code != tc.code {
				t.Fatalf("code = %q; want %q", er.Code, tc.code)
			}
		})
	}
}

func TestVerifyWebhook_AcceptsPlainParamNames(t *testing.T) {
	svc := &stubHookSvc{}
	r := webhookRouter(svc, 0)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/instagram?mode=subscribe&verify_token=tok&challenge=abc123", nil))
	if w.Code != http.StatusOK || w.Body.String() != "abc123" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
	if svc.gotToken != "tok" {
		t.Fatalf("token not forwarded: %q", svc.gotToken)
	}
}

// ---------- ReceiveWebhook ----------

func TestReceiveWebhook_ForwardsRawBodyAndSignature(t *testing.T) {
	svc := &stubHookSvc{res: services.IngestResult{Events: 1, Stored: 1, Enqueued: 1}}
	r := webhookRouter(svc, 0)

	raw := []byte("{\"entry\": [ ]}\n")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewReader(raw))
	req.Header.Set(middleware.SignatureHeader, "sha256=abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != AckBody {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
	if !bytes.Equal(svc.gotBody, raw) || svc.gotSig != "sha256=abc" {
		t.Fatalf("body/signature not forwarded verbatim: %q %q", svc.gotBody, svc.gotSig)
	}
}

func TestReceiveWebhook_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"bad signature", channel.ErrInvalidSignature, http.StatusForbidden, ErrCodeInvalidSignature},
		{"unknown channel", channel.ErrUnknownChannel, http.StatusNotFound, ErrCodeUnknownChannel},
		{"not configured", channel.ErrNotConfigured, http.StatusInternalServerError, ErrCodeNotConfigured},
		{"other", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := webhookRouter(&stubHookSvc{err: tc.err}, 0)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader("{}")))
			if w.Code != tc.status {
				t.Fatalf("status = %d; want %d", w.Code, tc.status)
			}
			if er := decodeErr(t, w); er.Code != tc.code {
				t.Fatalf("code = %q; want %q", er.Code, tc.code)
			}
		})
	}
}

func TestReceiveWebhook_BodyTooLarge(t *testing.T) {
	svc := &stubHookSvc{}
	r := webhookRouter(svc, 8)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(strings.Repeat("x", 64))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d; want 413", w.Code)
	}
	if svc.gotBody != nil {
		t.Fatalf("service must not be called on oversized body")
	}
}

// ---------- end to end through the real ingest service ----------

func TestReceiveWebhook_WithIngestService(t *testing.T) {
	db := newTestDB(t)
	reg := channel.NewRegistry(zerolog.Nop())
	graph := channel.NewGraphClient("http://graph.invalid", "v20.0", time.Second)
	reg.Register(channel.NewWhatsApp(channel.Config{VerifyToken: "verify-me", AppSecret: "s3cret", RequireSignature: true}, graph))

	svc := &services.IngestService{
		DB:       db,
		Channels: reg,
		Dedup:    dedup.NewMemoryStore(time.Minute),
		Connections: connection.NewStaticStore(connection.Connection{
			ID: "wa-main", Channel: domain.ChannelWhatsApp, AccountID: "PN1", PhoneNumberID: "PN1", AccessToken: "tok",
		}),
		Queue: queue.New(db, queue.Options{}, zerolog.Nop()),
		Log:   zerolog.Nop(),
	}
	r := webhookRouter(svc, 1<<20)

	// Handshake.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=abc123", nil))
	if w.Code != http.StatusOK || w.Body.String() != "abc123" {
		t.Fatalf("handshake: %d %q", w.Code, w.Body.String())
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=abc123", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("bad token: %d", w.Code)
	}

	body := []byte(`{"entry":[{"id":"WABA1","changes":[{"field":"messages","value":{"metadata":{"phone_number_id":"PN1"},"contacts":[{"profile":{"name":"Ayse"},"wa_id":"905551112233"}],"messages":[{"from":"905551112233","id":"wamid.IN1","timestamp":"1720000000","type":"text","text":{"body":"Merhaba"}}]}}]}]}`)

	// Bad signature: 403 and nothing stored.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set(middleware.SignatureHeader, channel.Sign(body, "wrong"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("bad signature: %d", w.Code)
	}
	var n int64
	db.Model(&domain.Message{}).Count(&n)
	if n != 0 {
		t.Fatalf("rejected delivery stored %d rows", n)
	}

	// Good signature twice: 200 both times, one row, one job.
	for i := 0; i < 2; i++ {
		req = httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewReader(body))
		req.Header.Set(middleware.SignatureHeader, channel.Sign(body, "s3cret"))
		w = httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK || w.Body.String() != AckBody {
			t.Fatalf("delivery %d: %d %q", i, w.Code, w.Body.String())
		}
	}
	db.Model(&domain.Message{}).Count(&n)
	if n != 1 {
		t.Fatalf("messages = %d; want 1", n)
	}
	var jobs int64
	db.Model(&domain.JobRecord{}).Count(&jobs)
	if jobs != 1 {
		t.Fatalf("jobs = %d; want 1", jobs)
	}

	// Malformed but signed: still acked.
	junk := []byte(`not json`)
	req = httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewReader(junk))
	req.Header.Set(middleware.SignatureHeader, channel.Sign(junk, "s3cret"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("malformed delivery: %d", w.Code)
	}

	// Unregistered channel.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/telegram", bytes.NewReader(body)))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown channel: %d", w.Code)
	}
}
