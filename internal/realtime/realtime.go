// Package realtime fans persisted messages out to live subscribers. Delivery
// is best effort: Broadcaster logs and drops publish failures.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// Topic is the single well-known topic every message event is published on.
const Topic = "messages"

// Event is the wire shape of a message event.
type Event struct {
	ID               string               `json:"id"`
	Channel          domain.Channel       `json:"channel"`
	ChannelMessageID string               `json:"channelMessageId"`
	ConnectionID     string               `json:"connectionId"`
	IsFromBusiness   bool                 `json:"isFromBusiness"`
	SenderID         string               `json:"senderId"`
	SenderName       string               `json:"senderName,omitempty"`
	MessageText      string               `json:"messageText"`
	MessageType      domain.MessageType   `json:"messageType"`
	Status           domain.MessageStatus `json:"status"`
	AIResponse       *string              `json:"aiResponse"`
	Timestamp        *time.Time           `json:"timestamp"`
	CreatedAt        time.Time            `json:"createdAt"`
}

// FromMessage copies the canonical fields of m.
func FromMessage(m *domain.Message) Event {
	return Event{
		ID:               m.ID,
		Channel:          m.Channel,
		ChannelMessageID: m.ChannelMessageID,
		ConnectionID:     m.ConnectionID,
		IsFromBusiness:   m.IsFromBusiness,
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		MessageText:      m.MessageText,
		MessageType:      m.MessageType,
		Status:           m.Status,
		AIResponse:       m.AIResponse,
		Timestamp:        m.Timestamp,
		CreatedAt:        m.CreatedAt,
	}
}

// Publisher sends one event to its transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every member and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcaster is the pipeline-facing side: it never returns an error.
type Broadcaster struct {
	Publisher Publisher
	Log       zerolog.Logger
	// Timeout bounds one publish; zero means two seconds.
	Timeout time.Duration
}

// Broadcast publishes m and logs any failure.
func (b *Broadcaster) Broadcast(ctx context.Context, m *domain.Message) {
	if b == nil || b.Publisher == nil || m == nil {
		return
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := b.Publisher.Publish(ctx, FromMessage(m)); err != nil {
		b.Log.Warn().Err(err).Str("message_id", m.ID).Msg("realtime publish failed")
	}
}
