package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/inbox-ai-pipeline/internal/ai"
	"github.com/tbourn/inbox-ai-pipeline/internal/config"
	"github.com/tbourn/inbox-ai-pipeline/internal/dedup"
	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
	"github.com/tbourn/inbox-ai-pipeline/internal/search"
)

type fixedResponder string

func (r fixedResponder) Generate(context.Context, ai.Request) (string, error) { return string(r), nil }

func testEnv(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "inbox.db")
	t.Setenv("AI_BASE_URL", "http://ai.invalid")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", dbPath)
	t.Setenv("SEARCH_BACKEND", "memory")
	t.Setenv("CONNECTIONS_FILE", "")
	t.Setenv("RABBITMQ_URL", "")
	t.Setenv("ARCHIVE_S3_BUCKET", "")
	t.Setenv("AI_MODEL_PARAMS", "")
	return dbPath
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	testEnv(t)
	c, err := config.Load()
	require.NoError(t, err)
	return c
}

func TestNewApp_WiresDefaults(t *testing.T) {
	c := testConfig(t)
	a, err := newApp(context.Background(), c, zerolog.Nop(), appOptions{responder: fixedResponder("ok")})
	require.NoError(t, err)
	defer a.close()

	assert.Equal(t, replyQueue, a.queue.Name())
	assert.Len(t, a.channels.Names(), 3)
	assert.IsType(t, &dedup.MemoryStore{}, a.dedup)
	assert.IsType(t, &search.MemoryIndex{}, a.index)
	assert.Nil(t, a.hub)
	assert.Nil(t, a.amqp)
	assert.Nil(t, a.archiver)

	assert.Nil(t, a.ingest.Realtime, "no publisher configured")
	assert.NotNil(t, a.ingest.Search)
	assert.Equal(t, c.Queue.Lease, a.replies.StaleAfter)

	p := a.pool()
	assert.Equal(t, c.Concurrency, p.Concurrency)
	assert.NotNil(t, p.OnFailed)
}

func TestNewApp_HubAndSQLDedup(t *testing.T) {
	c := testConfig(t)
	c.Dedup.Backend = "sql"
	a, err := newApp(context.Background(), c, zerolog.Nop(), appOptions{hub: true, responder: fixedResponder("ok")})
	require.NoError(t, err)
	defer a.close()

	require.NotNil(t, a.hub)
	assert.NotNil(t, a.ingest.Realtime)
	assert.IsType(t, &dedup.SQLStore{}, a.dedup)
}

func TestNewApp_ModelParams(t *testing.T) {
	c := testConfig(t)
	c.AI.ModelParams = `{"temperature": 0.2}`
	a, err := newApp(context.Background(), c, zerolog.Nop(), appOptions{responder: fixedResponder("ok")})
	require.NoError(t, err)
	defer a.close()
	assert.Equal(t, map[string]any{"temperature": 0.2}, a.replies.ModelParams)

	c.AI.ModelParams = `[1]`
	_, err = newApp(context.Background(), c, zerolog.Nop(), appOptions{responder: fixedResponder("ok")})
	assert.ErrorContains(t, err, "AI_MODEL_PARAMS")
}

func TestNewApp_SearchNone(t *testing.T) {
	c := testConfig(t)
	c.Search.Backend = "none"
	a, err := newApp(context.Background(), c, zerolog.Nop(), appOptions{responder: fixedResponder("ok")})
	require.NoError(t, err)
	defer a.close()

	assert.Nil(t, a.index)
	assert.Nil(t, a.ingest.Search)
	_, err = a.reindex(context.Background(), 10)
	assert.Error(t, err)
}

func TestNewApp_RejectsUnknownBackends(t *testing.T) {
	c := testConfig(t)
	c.Search.Backend = "elastic"
	_, err := newApp(context.Background(), c, zerolog.Nop(), appOptions{responder: fixedResponder("ok")})
	assert.ErrorContains(t, err, "search backend")

	c = testConfig(t)
	c.AI.Provider = "llama"
	_, err = newApp(context.Background(), c, zerolog.Nop(), appOptions{})
	assert.ErrorContains(t, err, "AI provider")
}

func TestNewApp_MissingConnectionsFile(t *testing.T) {
	c := testConfig(t)
	c.ConnectionsFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := newApp(context.Background(), c, zerolog.Nop(), appOptions{responder: fixedResponder("ok")})
	assert.ErrorContains(t, err, "connections")
}

func TestNewResponder(t *testing.T) {
	r, err := newResponder(config.AIConfig{Provider: "openai", OpenAIKey: "sk-test", OpenAIModel: "gpt-4o-mini"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &ai.OpenAIResponder{}, r)

	r, err = newResponder(config.AIConfig{Provider: "task", BaseURL: "http://ai.invalid"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &ai.TaskClient{}, r)
}

func TestReindex_PagesThroughAllMessages(t *testing.T) {
	c := testConfig(t)
	a, err := newApp(context.Background(), c, zerolog.Nop(), appOptions{responder: fixedResponder("ok")})
	require.NoError(t, err)
	defer a.close()

	for i := 0; i < 5; i++ {
		_, _, err := repo.UpsertInbound(context.Background(), a.db, &domain.Message{
			Channel:          domain.ChannelWhatsApp,
			ChannelMessageID: fmt.Sprintf("wamid.%d", i),
			SenderID:         "905551112233",
			MessageText:      "kargo nerede",
			MessageType:      domain.MessageTypeText,
		})
		require.NoError(t, err)
	}

	n, err := a.reindex(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, a.index.(*search.MemoryIndex).Len())

	hits, err := a.messages.Search(context.Background(), search.Query{Q: "kargo"})
	require.NoError(t, err)
	assert.Len(t, hits, 5)
}

func TestNewServer_ServesHealth(t *testing.T) {
	c := testConfig(t)
	c.Port = "9099"
	a, err := newApp(context.Background(), c, zerolog.Nop(), appOptions{hub: true, responder: fixedResponder("ok")})
	require.NoError(t, err)
	defer a.close()

	srv := newServer(a)
	assert.Equal(t, ":9099", srv.Addr)
	assert.Equal(t, c.ReadHeaderTimeout, srv.ReadHeaderTimeout)

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_Version(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestCLI_MigrateThenReprocess(t *testing.T) {
	dbPath := testEnv(t)

	_, err := runCLI(t, "migrate", "--log-level", "error")
	require.NoError(t, err)

	db, err := repo.Open("sqlite", dbPath)
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&domain.Message{}))
	assert.True(t, db.Migrator().HasTable(&domain.JobRecord{}))
	sqlDB, _ := db.DB()
	require.NoError(t, sqlDB.Close())

	out, err := runCLI(t, "reprocess", "--status", "failed", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "re-enqueued 0 messages")

	_, err = runCLI(t, "reprocess", "--status", "completed")
	assert.ErrorContains(t, err, "--status")
}

func TestCLI_ReindexNeedsSharedIndex(t *testing.T) {
	testEnv(t)
	_, err := runCLI(t, "reindex")
	assert.ErrorContains(t, err, "shared index")
}

func TestCLI_EnvFile(t *testing.T) {
	testEnv(t)
	t.Setenv("AI_BASE_URL", "")
	require.NoError(t, os.Unsetenv("AI_BASE_URL"))
	envPath := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("AI_BASE_URL=http://from-dotenv.invalid\n"), 0o600))

	_, err := runCLI(t, "migrate", "--env-file", envPath)
	require.NoError(t, err)
	assert.Equal(t, "http://from-dotenv.invalid", cfg.AI.BaseURL)

	_, err = runCLI(t, "migrate", "--env-file", filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
}
