// Package services – IngestService
//
// IngestService is the webhook side of the pipeline. It verifies a delivery,
// normalizes it through the channel codec, and for every event claims the
// dedup key, persists the inbound row and enqueues its reply job. Once the
// signature has been accepted nothing is surfaced to the caller: internal
// failures are logged and counted so the platform never retries a delivery
// the pipeline has already seen.
//
// Claimed events are always stored and enqueued, even when the platform
// hangs up mid-delivery. Realtime and search fan-out run in the background
// and never hold up the acknowledgement.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/inbox-ai-pipeline/internal/channel"
	"github.com/tbourn/inbox-ai-pipeline/internal/connection"
	"github.com/tbourn/inbox-ai-pipeline/internal/dedup"
	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
)

var (
	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook deliveries by channel and result.",
		},
		[]string{"channel", "result"},
	)
	ingestFanoutDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_fanout_dropped_total",
			Help: "Realtime and search updates skipped because the fan-out limit was reached.",
		},
	)
	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Normalized webhook events by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(webhookDeliveries, webhookEvents, ingestFanoutDropped)
}

// Enqueuer adds reply jobs; *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, job domain.Job) (bool, error)
}

// Broadcaster publishes message state; *realtime.Broadcaster implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, m *domain.Message)
}

// MessageIndexer keeps the search collection current; *search.Indexer
// implements it.
type MessageIndexer interface {
	IndexMessage(ctx context.Context, m *domain.Message)
}

// PayloadArchiver keeps a copy of verified delivery bodies.
type PayloadArchiver interface {
	Archive(ctx context.Context, ch domain.Channel, body []byte)
}

// DefaultFanoutLimit caps background realtime and search updates in flight.
const DefaultFanoutLimit = 64

// IngestResult summarizes one delivery.
type IngestResult struct {
	Events     int
	Duplicates int
	Stored     int
	Enqueued   int
	Failed     int
}

// IngestService handles webhook handshakes and deliveries.
type IngestService struct {
	DB          *gorm.DB
	Channels    *channel.Registry
	Dedup       dedup.Deduplicator
	Connections connection.Store
	Queue       Enqueuer
	Log         zerolog.Logger

	// DedupTTL is the claim lifetime; zero means dedup.DefaultTTL.
	DedupTTL time.Duration

	// Optional best-effort sinks.
	Realtime Broadcaster
	Search   MessageIndexer
	Archive  PayloadArchiver

	// FanoutLimit bounds concurrent background updates to Realtime and
	// Search; zero means DefaultFanoutLimit. Updates past the limit are
	// dropped and counted.
	FanoutLimit int

	fanoutOnce sync.Once
	fanout     errgroup.Group
}

func (s *IngestService) ttl() time.Duration {
	if s.DedupTTL > 0 {
		return s.DedupTTL
	}
	return dedup.DefaultTTL
}

// VerifyChallenge answers a subscription handshake for ch. It returns the
// challenge to echo, ErrChallengeRejected on a mismatch, or
// channel.ErrUnknownChannel / channel.ErrNotConfigured.
func (s *IngestService) VerifyChallenge(ch domain.Channel, mode, token, challenge string) (string, error) {
	impl, err := s.Channels.Get(ch)
	if err != nil {
		return "", err
	}
	echo, ok, err := impl.VerifyChallenge(mode, token, challenge)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrChallengeRejected
	}
	return echo, nil
}

// Ingest processes one delivery. Only channel.ErrUnknownChannel,
// channel.ErrInvalidSignature and channel.ErrNotConfigured are returned;
// every later failure is logged and reflected in the result counts.
//
// Once the signature is accepted, cancelling ctx no longer stops the work:
// a claimed dedup key must be followed by its store and enqueue, or a
// redelivery would be dropped as a duplicate.
func (s *IngestService) Ingest(ctx context.Context, ch domain.Channel, body []byte, signature string) (IngestResult, error) {
	tr := otel.Tracer("services/IngestService")
	ctx, span := tr.Start(ctx, "Ingest",
		trace.WithAttributes(
			attribute.String("channel", string(ch)),
			attribute.Int("body.bytes", len(body)),
		),
	)
	defer span.End()

	var res IngestResult

	impl, err := s.Channels.Get(ch)
	if err != nil {
		webhookDeliveries.WithLabelValues("unknown", "unknown_channel").Inc()
		return res, err
	}
	if err := impl.VerifySignature(body, signature); err != nil {
		if errors.Is(err, channel.ErrInvalidSignature) {
			webhookDeliveries.WithLabelValues(string(ch), "rejected").Inc()
		} else {
			webhookDeliveries.WithLabelValues(string(ch), "misconfigured").Inc()
		}
		span.RecordError(err)
		return res, err
	}

	ctx = context.WithoutCancel(ctx)

	if s.Archive != nil {
		s.Archive.Archive(ctx, ch, body)
	}

	events, err := impl.Normalize(body)
	if err != nil {
		webhookDeliveries.WithLabelValues(string(ch), "malformed").Inc()
		s.Log.Warn().Err(err).Str("channel", string(ch)).Msg("webhook payload not understood")
		return res, nil
	}
	webhookDeliveries.WithLabelValues(string(ch), "accepted").Inc()

	for i := range events {
		res.Events++
		s.ingestOne(ctx, &events[i], &res)
	}
	span.SetAttributes(
		attribute.Int("events", res.Events),
		attribute.Int("stored", res.Stored),
		attribute.Int("duplicates", res.Duplicates),
	)
	return res, nil
}

func (s *IngestService) ingestOne(ctx context.Context, ev *channel.Inbound, res *IngestResult) {
	m := ev.Message
	ch := string(m.Channel)
	lg := s.Log.With().
		Str("channel", ch).
		Str("channel_message_id", m.ChannelMessageID).
		Logger()

	if s.Dedup != nil {
		isNew, err := s.Dedup.ClaimOnce(ctx, m.DedupKey(), s.ttl())
		switch {
		case err != nil:
			// The store's unique key still guards against a second row.
			lg.Warn().Err(err).Msg("dedup claim failed; continuing")
		case !isNew:
			res.Duplicates++
			webhookEvents.WithLabelValues(ch, "duplicate").Inc()
			lg.Debug().Msg("duplicate delivery skipped")
			return
		}
	}

	if ev.AccountID != "" && s.Connections != nil {
		conn, err := s.Connections.FindByAccount(ctx, m.Channel, ev.AccountID)
		if err != nil {
			lg.Warn().Err(err).Str("account_id", ev.AccountID).Msg("no connection for account")
		} else {
			m.ConnectionID = conn.ID
		}
	}

	stored, created, err := repo.UpsertInbound(ctx, s.DB, &m)
	if err != nil {
		res.Failed++
		webhookEvents.WithLabelValues(ch, "store_failed").Inc()
		lg.Error().Err(err).Msg("store inbound message")
		return
	}
	if created {
		res.Stored++
		webhookEvents.WithLabelValues(ch, "stored").Inc()
		s.publish(ctx, stored)
	} else {
		webhookEvents.WithLabelValues(ch, "replayed").Inc()
		lg.Debug().Str("message_id", stored.ID).Msg("message already stored")
	}

	if stored.Status == domain.StatusCompleted {
		return
	}
	if stored.ConnectionID == "" {
		// Without credentials a reply cannot be sent; the row stays pending
		// until a connection exists and it is reprocessed.
		webhookEvents.WithLabelValues(ch, "unrouted").Inc()
		lg.Warn().Str("message_id", stored.ID).Msg("message stored without connection; not enqueued")
		return
	}

	job := JobFor(stored)
	if _, err := s.Queue.Enqueue(ctx, stored.JobID(), job); err != nil {
		res.Failed++
		webhookEvents.WithLabelValues(ch, "enqueue_failed").Inc()
		lg.Error().Err(err).Str("message_id", stored.ID).Msg("enqueue reply job; message left pending")
		return
	}
	res.Enqueued++
}

// publish hands m to the realtime and search sinks on a background
// goroutine. The sinks apply their own timeouts.
func (s *IngestService) publish(ctx context.Context, m *domain.Message) {
	if s.Realtime == nil && s.Search == nil {
		return
	}
	s.fanoutOnce.Do(func() {
		n := s.FanoutLimit
		if n <= 0 {
			n = DefaultFanoutLimit
		}
		s.fanout.SetLimit(n)
	})

	snap := *m
	started := s.fanout.TryGo(func() error {
		if s.Realtime != nil {
			s.Realtime.Broadcast(ctx, &snap)
		}
		if s.Search != nil {
			s.Search.IndexMessage(ctx, &snap)
		}
		return nil
	})
	if !started {
		ingestFanoutDropped.Inc()
		s.Log.Warn().Str("message_id", m.ID).Msg("fan-out limit reached; realtime and search update skipped")
	}
}

// Wait blocks until background fan-out started by Ingest has finished.
func (s *IngestService) Wait() {
	_ = s.fanout.Wait()
}

// JobFor builds the reply job payload for a stored inbound message.
func JobFor(m *domain.Message) domain.Job {
	return domain.Job{
		MessageID:        m.ID,
		Channel:          m.Channel,
		ChannelMessageID: m.ChannelMessageID,
		SenderID:         m.SenderID,
		MessageText:      m.MessageText,
		ConnectionID:     m.ConnectionID,
	}
}
