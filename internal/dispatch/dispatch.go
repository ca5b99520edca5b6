// Package dispatch sends generated replies back through the originating
// channel using the credentials of the conversation's connection.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/inbox-ai-pipeline/internal/channel"
	"github.com/tbourn/inbox-ai-pipeline/internal/connection"
	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// ErrConnectionDisabled is returned when the bound connection is switched off.
var ErrConnectionDisabled = errors.New("connection disabled")

var dispatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_messages_total",
		Help: "Outbound reply sends by channel and result (sent, skipped, error).",
	},
	[]string{"channel", "result"},
)

func init() {
	prometheus.MustRegister(dispatches)
}

// Result describes one dispatch.
type Result struct {
	// ChannelMessageID is the platform id of the sent message, possibly empty.
	ChannelMessageID string
	// Sent is false when the channel cannot address the recipient and the
	// call was a no-op.
	Sent bool
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	Channels    *channel.Registry
	Connections connection.Store
	Log         zerolog.Logger

	// PerConnectionRate caps sends per second per connection; zero disables.
	PerConnectionRate  rate.Limit
	PerConnectionBurst int

	limiters sync.Map // connection id -> *rate.Limiter
}

func (d *Dispatcher) limiter(connID string) *rate.Limiter {
	if d.PerConnectionRate <= 0 {
		return nil
	}
	if l, ok := d.limiters.Load(connID); ok {
		return l.(*rate.Limiter)
	}
	burst := d.PerConnectionBurst
	if burst <= 0 {
		burst = 1
	}
	l, _ := d.limiters.LoadOrStore(connID, rate.NewLimiter(d.PerConnectionRate, burst))
	return l.(*rate.Limiter)
}

// Send delivers text to recipient on ch with the credentials of connectionID.
// Any returned error should be treated as retryable except
// channel.ErrUnknownChannel.
func (d *Dispatcher) Send(ctx context.Context, ch domain.Channel, connectionID, to, text string) (Result, error) {
	tr := otel.Tracer("dispatch/Dispatcher")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("channel", string(ch)),
			attribute.String("connection.id", connectionID),
		),
	)
	defer span.End()

	impl, err := d.Channels.Get(ch)
	if err != nil {
		dispatches.WithLabelValues(string(ch), "error").Inc()
		return Result{}, fmt.Errorf("dispatch %s: %w", ch, err)
	}
	if !impl.CanSend(to) {
		dispatches.WithLabelValues(string(ch), "skipped").Inc()
		d.Log.Info().Str("channel", string(ch)).Str("to", to).Msg("recipient not addressable; reply not sent")
		return Result{}, nil
	}

	conn, err := d.Connections.Get(ctx, connectionID)
	if err != nil {
		dispatches.WithLabelValues(string(ch), "error").Inc()
		return Result{}, fmt.Errorf("dispatch %s: resolve connection %q: %w", ch, connectionID, err)
	}
	if conn.Disabled {
		dispatches.WithLabelValues(string(ch), "error").Inc()
		return Result{}, fmt.Errorf("dispatch %s: %q: %w", ch, connectionID, ErrConnectionDisabled)
	}

	if l := d.limiter(connectionID); l != nil {
		if err := l.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("dispatch %s: rate limit wait: %w", ch, err)
		}
	}

	id, err := impl.Send(ctx, conn.Credentials(), to, text)
	if err != nil {
		span.RecordError(err)
		dispatches.WithLabelValues(string(ch), "error").Inc()
		return Result{}, err
	}
	dispatches.WithLabelValues(string(ch), "sent").Inc()
	return Result{ChannelMessageID: id, Sent: true}, nil
}
