package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tbourn/inbox-ai-pipeline/internal/ai"
	"github.com/tbourn/inbox-ai-pipeline/internal/archive"
	"github.com/tbourn/inbox-ai-pipeline/internal/channel"
	"github.com/tbourn/inbox-ai-pipeline/internal/config"
	"github.com/tbourn/inbox-ai-pipeline/internal/connection"
	"github.com/tbourn/inbox-ai-pipeline/internal/dedup"
	"github.com/tbourn/inbox-ai-pipeline/internal/dispatch"
	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/queue"
	"github.com/tbourn/inbox-ai-pipeline/internal/realtime"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
	"github.com/tbourn/inbox-ai-pipeline/internal/search"
	"github.com/tbourn/inbox-ai-pipeline/internal/services"
	"github.com/tbourn/inbox-ai-pipeline/internal/sysutil"
)

// replyQueue is the job table partition used for reply jobs.
const replyQueue = "replies"

// app is the wired component graph shared by every command. Optional parts
// are nil when their backend is disabled.
type app struct {
	cfg config.Config
	log zerolog.Logger

	db          *gorm.DB
	queue       *queue.Queue
	channels    *channel.Registry
	connections connection.Store
	dedup       dedup.Deduplicator

	hub      *realtime.Hub
	amqp     *realtime.AMQPPublisher
	index    search.Index
	archiver *archive.S3Archiver

	ingest   *services.IngestService
	replies  *services.ReplyService
	messages *services.MessageService
}

type appOptions struct {
	// hub mounts the in-process websocket hub; only the HTTP server needs it.
	hub bool
	// responder overrides the configured AI provider.
	responder ai.Responder
}

// newApp opens the store and builds every component cfg enables. Broker and
// archive failures are logged and the component is left out; store, queue
// and AI failures are fatal.
func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, log: log}

	db, err := repo.Open(cfg.DB.Driver, cfg.DB.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DB.Driver, err)
	}
	a.db = db
	if err := repo.AutoMigrate(db); err != nil {
		a.close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.queue = queue.New(db, queue.Options{
		Name:        replyQueue,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		Lease:       cfg.Queue.Lease,
	}, log)

	a.channels = newChannels(cfg.Channels, log)

	if cfg.ConnectionsFile != "" {
		store, err := connection.LoadFile(cfg.ConnectionsFile)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connections: %w", err)
		}
		log.Info().Int("connections", store.Len()).Str("file", cfg.ConnectionsFile).Msg("connections loaded")
		a.connections = store
	} else {
		log.Warn().Msg("CONNECTIONS_FILE not set; inbound messages will be stored without a connection and never answered")
		a.connections = connection.NewStaticStore()
	}

	switch cfg.Dedup.Backend {
	case "sql":
		a.dedup = dedup.NewSQLStore(db)
	default:
		a.dedup = dedup.NewMemoryStore(cfg.Dedup.TTL)
	}

	// Realtime: broker first, then the local hub.
	var pubs realtime.Multi
	if cfg.Realtime.RabbitURL != "" {
		p, err := realtime.NewAMQPPublisher(cfg.Realtime.RabbitURL, cfg.Realtime.Exchange, log)
		if err != nil {
			log.Error().Err(err).Msg("realtime broker unavailable; continuing without it")
		} else {
			a.amqp = p
			pubs = append(pubs, p)
		}
	}
	if opts.hub {
		a.hub = realtime.NewHub(cfg.CORS.AllowedOrigins, log)
		pubs = append(pubs, a.hub)
	}
	var bc services.Broadcaster
	if len(pubs) > 0 {
		bc = &realtime.Broadcaster{Publisher: pubs, Log: log}
	}

	var indexer services.MessageIndexer
	a.index, err = newIndex(ctx, cfg.Search, log)
	if err != nil {
		a.close()
		return nil, err
	}
	if a.index != nil {
		indexer = &search.Indexer{Index: a.index, Log: log, Timeout: cfg.Search.Timeout}
	}

	var arch services.PayloadArchiver
	if cfg.Archive.Bucket != "" {
		s3a, err := archive.NewS3Archiver(archive.Config{
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			PathStyle: cfg.Archive.PathStyle,
		}, log)
		if err != nil {
			log.Error().Err(err).Msg("payload archive disabled")
		} else {
			a.archiver = s3a
			arch = s3a
		}
	}

	responder := opts.responder
	if responder == nil {
		responder, err = newResponder(cfg.AI, log)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	params, err := cfg.AI.Params()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("AI_MODEL_PARAMS: %w", err)
	}

	a.ingest = &services.IngestService{
		DB:          db,
		Channels:    a.channels,
		Dedup:       a.dedup,
		Connections: a.connections,
		Queue:       a.queue,
		Log:         log,
		DedupTTL:    cfg.Dedup.TTL,
		Realtime:    bc,
		Search:      indexer,
		Archive:     arch,
	}
	a.replies = &services.ReplyService{
		DB: db,
		AI: responder,
		Dispatcher: &dispatch.Dispatcher{
			Channels:           a.channels,
			Connections:        a.connections,
			Log:                log,
			PerConnectionRate:  rate.Limit(cfg.Channels.DispatchRPS),
			PerConnectionBurst: cfg.Channels.DispatchBurst,
		},
		Connections:  a.connections,
		Log:          log,
		SystemPrompt: cfg.AI.SystemPrompt,
		ModelParams:  params,
		StaleAfter:   a.queue.Lease(),
		Realtime:     bc,
		Search:       indexer,
	}
	a.messages = &services.MessageService{
		DB:       db,
		Index:    a.index,
		Queue:    a.queue,
		Log:      log,
		Realtime: bc,
	}
	return a, nil
}

func newChannels(c config.ChannelsConfig, log zerolog.Logger) *channel.Registry {
	graph := channel.NewGraphClient(c.GraphBaseURL, c.GraphVersion, c.GraphTimeout)
	cc := func(s config.ChannelSecrets) channel.Config {
		return channel.Config{VerifyToken: s.VerifyToken, AppSecret: s.AppSecret, RequireSignature: c.RequireSignature}
	}
	reg := channel.NewRegistry(log)
	reg.Register(channel.NewWhatsApp(cc(c.WhatsApp), graph))
	reg.Register(channel.NewInstagram(cc(c.Instagram), graph))
	reg.Register(channel.NewFacebookDM(cc(c.FacebookDM), graph))

	for name, s := range map[domain.Channel]config.ChannelSecrets{
		domain.ChannelWhatsApp:   c.WhatsApp,
		domain.ChannelInstagram:  c.Instagram,
		domain.ChannelFacebookDM: c.FacebookDM,
	} {
		log.Debug().
			Str("channel", string(name)).
			Str("verify_token", sysutil.MaskSecret(s.VerifyToken)).
			Bool("signed", s.AppSecret != "").
			Msg("channel configured")
	}
	return reg
}

// newIndex returns nil for the "none" backend.
func newIndex(ctx context.Context, c config.SearchConfig, log zerolog.Logger) (search.Index, error) {
	switch c.Backend {
	case "none":
		return nil, nil
	case "typesense":
		ts := search.NewTypesense(c.TypesenseURL, c.TypesenseKey, c.Collection, c.Timeout)
		if err := ts.EnsureCollection(ctx); err != nil {
			// Indexing keeps failing softly until the collection exists.
			log.Error().Err(err).Str("collection", ts.Collection()).Msg("typesense collection check failed")
		}
		return ts, nil
	case "memory", "":
		return search.NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown search backend %q", c.Backend)
	}
}

func newResponder(c config.AIConfig, log zerolog.Logger) (ai.Responder, error) {
	switch c.Provider {
	case "openai":
		return ai.NewOpenAIResponder(c.OpenAIKey, c.OpenAIBaseURL, c.OpenAIModel), nil
	case "task", "":
		return ai.NewTaskClient(ai.TaskConfig{
			BaseURL:      c.BaseURL,
			APIKey:       c.APIKey,
			Secret:       c.Secret,
			PollInterval: c.PollInterval,
			Timeout:      c.Timeout,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", c.Provider)
	}
}

// pool returns a worker pool running reply jobs.
func (a *app) pool() *queue.Pool {
	return &queue.Pool{
		Queue:        a.queue,
		Handler:      a.replies.Handle,
		OnFailed:     a.replies.OnFailed,
		Concurrency:  a.cfg.Concurrency,
		PollInterval: a.cfg.Queue.PollInterval,
		Log:          a.log,
	}
}

// reindex pushes every stored message to the index in pages of pageSize.
func (a *app) reindex(ctx context.Context, pageSize int) (int, error) {
	if a.index == nil {
		return 0, services.ErrSearchUnavailable
	}
	if pageSize <= 0 {
		pageSize = 500
	}
	x := &search.Indexer{Index: a.index, Log: a.log, Timeout: a.cfg.Search.Timeout}
	var (
		n     int
		after string
	)
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		batch, err := repo.ListMessagesAfter(ctx, a.db, repo.MessageFilter{}, after, pageSize)
		if err != nil {
			return n, err
		}
		if len(batch) == 0 {
			return n, nil
		}
		n += x.BulkIndex(ctx, batch)
		after = batch[len(batch)-1].ID
	}
}

// purgeDedup drops expired SQL claims every interval until ctx ends. It is
// a no-op for the in-memory store, which sweeps itself.
func (a *app) purgeDedup(ctx context.Context, every time.Duration) {
	store, ok := a.dedup.(*dedup.SQLStore)
	if !ok {
		return
	}
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.Purge(ctx)
			if err != nil {
				a.log.Warn().Err(err).Msg("dedup purge failed")
				continue
			}
			if n > 0 {
				a.log.Debug().Int64("purged", n).Msg("expired dedup claims removed")
			}
		}
	}
}

// jobStats logs queue depth per status.
func (a *app) jobStats(ctx context.Context) {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("queue stats unavailable")
		return
	}
	a.log.Info().
		Int64("queued", stats[domain.JobQueued]).
		Int64("active", stats[domain.JobActive]).
		Int64("done", stats[domain.JobDone]).
		Int64("failed", stats[domain.JobFailed]).
		Str("queue", a.queue.Name()).
		Msg("queue status")
}

// close releases every component in reverse dependency order.
func (a *app) close() error {
	var errs []error
	if a.ingest != nil {
		a.ingest.Wait()
	}
	if a.archiver != nil {
		a.archiver.Wait()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.amqp != nil {
		errs = append(errs, a.amqp.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
