// Package services – ReplyService
//
// ReplyService is the queue handler that turns one pending inbound message
// into an AI reply: generate, dispatch, record the outbound row and complete
// the inbound one. Retries belong to the queue; a handler error only has to
// leave the message claimable again.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/inbox-ai-pipeline/internal/ai"
	"github.com/tbourn/inbox-ai-pipeline/internal/channel"
	"github.com/tbourn/inbox-ai-pipeline/internal/connection"
	"github.com/tbourn/inbox-ai-pipeline/internal/dispatch"
	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/queue"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
)

// Sender delivers reply text; *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, ch domain.Channel, connectionID, to, text string) (dispatch.Result, error)
}

// ReplyService handles reply jobs.
type ReplyService struct {
	DB          *gorm.DB
	AI          ai.Responder
	Dispatcher  Sender
	Connections connection.Store
	Log         zerolog.Logger

	// SystemPrompt is used unless the connection carries its own.
	SystemPrompt string

	// ModelParams are sent with every generation request. Keys set on the
	// connection override them.
	ModelParams map[string]any

	// StaleAfter lets a later delivery take over a message stuck in
	// processing; it should match the queue lease.
	StaleAfter time.Duration

	Realtime Broadcaster
	Search   MessageIndexer

	Now func() time.Time
}

func (s *ReplyService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *ReplyService) staleBefore() time.Time {
	d := s.StaleAfter
	if d <= 0 {
		d = queue.DefaultLease
	}
	return s.now().Add(-d)
}

// Handle is a queue.Handler.
func (s *ReplyService) Handle(ctx context.Context, d queue.Delivery) error {
	tr := otel.Tracer("services/ReplyService")
	ctx, span := tr.Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("job.id", d.ID),
			attribute.String("message.id", d.Job.MessageID),
			attribute.Int("job.attempt", d.Attempt),
		),
	)
	defer span.End()

	lg := s.Log.With().
		Str("job_id", d.ID).
		Str("message_id", d.Job.MessageID).
		Int("attempt", d.Attempt).
		Logger()

	msg, err := repo.GetMessage(ctx, s.DB, d.Job.MessageID)
	if err != nil {
		if repo.IsNotFound(err) {
			lg.Warn().Msg("message for job not found; skipping")
			return nil
		}
		return fmt.Errorf("load message: %w", err)
	}
	if msg.Status == domain.StatusCompleted {
		lg.Debug().Msg("message already completed")
		return nil
	}

	won, err := repo.ClaimForProcessing(ctx, s.DB, msg.ID, s.staleBefore())
	if err != nil {
		return fmt.Errorf("claim message: %w", err)
	}
	if !won {
		if cur, err := repo.GetMessage(ctx, s.DB, msg.ID); err == nil && cur.Status == domain.StatusCompleted {
			lg.Debug().Msg("message completed by another delivery")
			return nil
		}
		lg.Info().Str("status", string(msg.Status)).Msg("message held elsewhere; retrying later")
		return ErrMessageBusy
	}
	msg.Status = domain.StatusProcessing
	s.publish(ctx, msg)

	if err := s.reply(ctx, msg, lg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if _, rerr := repo.ResetToPending(context.WithoutCancel(ctx), s.DB, msg.ID); rerr != nil {
			lg.Error().Err(rerr).Msg("reset message to pending")
		}
		return err
	}
	return nil
}

func (s *ReplyService) reply(ctx context.Context, msg *domain.Message, lg zerolog.Logger) error {
	req := ai.Request{
		Prompt:       msg.MessageText,
		SystemPrompt: s.SystemPrompt,
		SessionID:    string(msg.Channel) + ":" + msg.SenderID,
	}
	var connParams map[string]any
	if s.Connections != nil && msg.ConnectionID != "" {
		if conn, err := s.Connections.Get(ctx, msg.ConnectionID); err == nil {
			req.UserID = conn.UserID
			connParams = conn.ModelParams
			if strings.TrimSpace(conn.SystemPrompt) != "" {
				req.SystemPrompt = conn.SystemPrompt
			}
		}
	}

	req.Params = mergeParams(s.ModelParams, connParams)

	text, err := s.AI.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyReply
	}

	res, err := s.Dispatcher.Send(ctx, msg.Channel, msg.ConnectionID, msg.SenderID, text)
	if err != nil {
		if errors.Is(err, channel.ErrUnknownChannel) {
			return queue.Permanent(err)
		}
		return fmt.Errorf("dispatch reply: %w", err)
	}
	if !res.Sent {
		lg.Info().Str("to", msg.SenderID).Msg("channel cannot address recipient; reply recorded only")
	}

	outID := res.ChannelMessageID
	if outID == "" {
		outID = string(msg.Channel) + "-out-" + uuid.NewString()
	}
	now := s.now()
	out, err := repo.CreateOutbound(ctx, s.DB, &domain.Message{
		Channel:          msg.Channel,
		ChannelMessageID: outID,
		ConnectionID:     msg.ConnectionID,
		SenderID:         msg.SenderID,
		SenderName:       msg.SenderName,
		MessageText:      text,
		MessageType:      domain.MessageTypeText,
		Timestamp:        &now,
	})
	if err != nil {
		return fmt.Errorf("store outbound: %w", err)
	}

	if err := repo.UpdateStatus(ctx, s.DB, msg.ID, domain.StatusCompleted, &text); err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	msg.Status = domain.StatusCompleted
	msg.AIResponse = &text

	s.publish(ctx, out)
	s.publish(ctx, msg)
	lg.Info().Str("outbound_id", out.ID).Bool("sent", res.Sent).Msg("reply delivered")
	return nil
}

// OnFailed is the queue's terminal-failure callback: it marks the message
// failed and leaves aiResponse unset.
func (s *ReplyService) OnFailed(ctx context.Context, d queue.Delivery, cause error) {
	lg := s.Log.With().Str("job_id", d.ID).Str("message_id", d.Job.MessageID).Logger()
	if d.Job.MessageID == "" {
		lg.Error().Err(cause).Msg("job failed without message id")
		return
	}
	if err := repo.UpdateStatus(ctx, s.DB, d.Job.MessageID, domain.StatusFailed, nil); err != nil {
		lg.Error().Err(err).Msg("mark message failed")
		return
	}
	lg.Warn().Err(cause).Msg("reply job exhausted; message failed")
	if msg, err := repo.GetMessage(ctx, s.DB, d.Job.MessageID); err == nil {
		s.publish(ctx, msg)
	}
}

// mergeParams returns base overlaid with override, or nil when both are
// empty. Neither input is modified.
func mergeParams(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func (s *ReplyService) publish(ctx context.Context, m *domain.Message) {
	if s.Realtime != nil {
		s.Realtime.Broadcast(ctx, m)
	}
	if s.Search != nil {
		s.Search.IndexMessage(ctx, m)
	}
}
