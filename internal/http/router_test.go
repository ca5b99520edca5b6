package httpapi

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/inbox-ai-pipeline/internal/channel"
	"github.com/tbourn/inbox-ai-pipeline/internal/config"
	"github.com/tbourn/inbox-ai-pipeline/internal/connection"
	"github.com/tbourn/inbox-ai-pipeline/internal/dedup"
	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/http/middleware"
	"github.com/tbourn/inbox-ai-pipeline/internal/queue"
	"github.com/tbourn/inbox-ai-pipeline/internal/realtime"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
	"github.com/tbourn/inbox-ai-pipeline/internal/search"
	"github.com/tbourn/inbox-ai-pipeline/internal/services"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "router.db")), &gorm.Config{
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
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:  "/api/v1",
		MaxBodyBytes: 1 << 16,
		RateRPS:      100,
		RateBurst:    10,
		OTEL:         config.OTELConfig{ServiceName: "test-svc"},
	}
}

type testApp struct {
	db  *gorm.DB
	hub *realtime.Hub
	r   *gin.Engine
}

func newTestApp(t *testing.T, cfg config.Config) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)

	reg := channel.NewRegistry(zerolog.Nop())
	graph := channel.NewGraphClient("http://graph.invalid", "v20.0", time.Second)
	reg.Register(channel.NewWhatsApp(channel.Config{VerifyToken: "verify-me", AppSecret: "s3cret", RequireSignature: true}, graph))

	q := queue.New(db, queue.Options{}, zerolog.Nop())
	hub := realtime.NewHub(cfg.CORS.AllowedOrigins, zerolog.Nop())
	t.Cleanup(hub.Close)
	bc := &realtime.Broadcaster{Publisher: hub, Log: zerolog.Nop()}

	ingest := &services.IngestService{
		DB:       db,
		Channels: reg,
		Dedup:    dedup.NewMemoryStore(time.Minute),
		Connections: connection.NewStaticStore(connection.Connection{
			ID: "wa-main", Channel: domain.ChannelWhatsApp, AccountID: "PN1", PhoneNumberID: "PN1", AccessToken: "tok",
		}),
		Queue:    q,
		Log:      zerolog.Nop(),
		Realtime: bc,
	}
	t.Cleanup(ingest.Wait)
	msgs := &services.MessageService{
		DB:       db,
		Index:    search.NewMemoryIndex(),
		Queue:    q,
		Log:      zerolog.Nop(),
		Realtime: bc,
	}

	r := gin.New()
	RegisterRoutes(r, Deps{DB: db, Webhooks: ingest, Messages: msgs, Realtime: hub}, cfg)
	return &testApp{db: db, hub: hub, r: r}
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	return w
}

const waBody = `{"entry":[{"id":"WABA1","changes":[{"field":"messages","value":{"metadata":{"phone_number_id":"PN1"},"contacts":[{"profile":{"name":"Ayse"},"wa_id":"905551112233"}],"messages":[{"from":"905551112233","id":"wamid.R1","timestamp":"1720000000","type":"text","text":{"body":"Merhaba"}}]}}]}]}`

func signedPost(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set(middleware.SignatureHeader, channel.Sign([]byte(body), "s3cret"))
	return req
}

func TestRegisterRoutes_Health_Metrics_Fallbacks(t *testing.T) {
	app := newTestApp(t, testConfig())

	w := app.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if w.Header().Get("Cache-Control") != "" {
		t.Fatalf("/health must stay cacheable")
	}

	w = app.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Fatalf("GET /metrics bad: code=%d", w.Code)
	}

	w = app.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	w = app.do(httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_HealthReportsDeadDB(t *testing.T) {
	app := newTestApp(t, testConfig())
	sqlDB, _ := app.db.DB()
	_ = sqlDB.Close()

	w := app.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health with closed db = %d; want 503", w.Code)
	}
}

func TestRegisterRoutes_CORS(t *testing.T) {
	app := newTestApp(t, testConfig())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://anywhere.test")
	if got := app.do(req).Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-all expected '*', got %q", got)
	}

	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	app = newTestApp(t, cfg)
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	if got := app.do(req).Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRegisterRoutes_WebhookFlowAndNoStore(t *testing.T) {
	app := newTestApp(t, testConfig())

	w := app.do(httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=abc123", nil))
	if w.Code != http.StatusOK || w.Body.String() != "abc123" {
		t.Fatalf("handshake: %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("webhook responses must be no-store")
	}

	w = app.do(signedPost(waBody))
	if w.Code != http.StatusOK {
		t.Fatalf("delivery: %d %s", w.Code, w.Body.String())
	}

	w = app.do(httptest.NewRequest(http.MethodGet, "/api/v1/messages?channel=whatsapp", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	var list struct {
		Messages []domain.Message `json:"messages"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Messages) != 1 || list.Messages[0].MessageText != "Merhaba" || list.Messages[0].Status != domain.StatusPending {
		t.Fatalf("unexpected list: %+v", list.Messages)
	}
}

func TestRegisterRoutes_RateLimitAppliesToAPIOnly(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	app := newTestApp(t, cfg)

	// Webhooks are never throttled.
	for i := 0; i < 3; i++ {
		if w := app.do(signedPost(waBody)); w.Code != http.StatusOK {
			t.Fatalf("webhook %d throttled: %d", i, w.Code)
		}
	}

	if w := app.do(httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil)); w.Code != http.StatusOK {
		t.Fatalf("first API call: %d", w.Code)
	}
	w := app.do(httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second API call: %d; want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

func TestRegisterRoutes_APIResponsesAreGzipped(t *testing.T) {
	app := newTestApp(t, testConfig())
	if w := app.do(signedPost(waBody)); w.Code != http.StatusOK {
		t.Fatalf("webhook: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := app.do(req)
	if w.Code != http.StatusOK || w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("status=%d encoding=%q", w.Code, w.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil || !strings.Contains(string(raw), "Merhaba") {
		t.Fatalf("decoded body %q, err %v", raw, err)
	}

	// Webhook acks stay plain.
	post := signedPost(waBody)
	post.Header.Set("Accept-Encoding", "gzip")
	if w := app.do(post); w.Header().Get("Content-Encoding") != "" {
		t.Fatalf("webhook ack was compressed")
	}
}

func TestRegisterRoutes_WebsocketReceivesIngestedMessage(t *testing.T) {
	app := newTestApp(t, testConfig())
	srv := httptest.NewServer(app.r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?channel=whatsapp"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for app.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/whatsapp", strings.NewReader(waBody))
	req.Header.Set(middleware.SignatureHeader, channel.Sign([]byte(waBody), "s3cret"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed post: %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "wamid.R1") {
		t.Fatalf("unexpected event: %s", data)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func Test_corsConfig(t *testing.T) {
	if cc := corsConfig(config.CORSConfig{}); !cc.AllowAllOrigins || cc.AllowCredentials {
		t.Fatalf("empty allowlist should allow all without credentials: %+v", cc)
	}
	cc := corsConfig(config.CORSConfig{AllowedOrigins: []string{"https://a.test"}})
	if cc.AllowAllOrigins || len(cc.AllowOrigins) != 1 {
		t.Fatalf("allowlist not applied: %+v", cc)
	}
}
