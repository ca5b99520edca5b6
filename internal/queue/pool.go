package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency  = 10
	DefaultPollInterval = 500 * time.Millisecond
)

// Handler processes one job attempt. Returning nil completes the job,
// Permanent(err) fails it, any other error retries it.
type Handler func(ctx context.Context, d Delivery) error

// FailedFunc runs once when a job reaches its terminal failed state.
type FailedFunc func(ctx context.Context, d Delivery, err error)

// Pool runs Concurrency workers against one Queue.
type Pool struct {
	Queue        *Queue
	Handler      Handler
	OnFailed     FailedFunc
	Concurrency  int
	PollInterval time.Duration
	Log          zerolog.Logger
}

// Run blocks until ctx is cancelled. In-flight jobs are allowed to settle.
func (p *Pool) Run(ctx context.Context) error {
	if p.Queue == nil || p.Handler == nil {
		return errors.New("queue pool: queue and handler are required")
	}
	n := p.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	poll := p.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	p.Log.Info().Str("queue", p.Queue.Name()).Int("concurrency", n).Dur("poll", poll).Msg("worker pool started")
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.reap(gctx, p.Queue.Lease()/2)
		return nil
	})
	for i := 0; i < n; i++ {
		worker := i
		g.Go(func() error {
			p.work(gctx, worker, poll)
			return nil
		})
	}
	err := g.Wait()
	p.Log.Info().Str("queue", p.Queue.Name()).Msg("worker pool stopped")
	return err
}

// Drain handles ready jobs on the calling goroutine until none is left and
// returns how many deliveries it processed. Jobs scheduled for a later retry
// are not waited for.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	if p.Queue == nil || p.Handler == nil {
		return 0, errors.New("queue pool: queue and handler are required")
	}
	n := 0
	for ctx.Err() == nil {
		ds, err := p.Queue.Claim(ctx, 1)
		if err != nil {
			return n, err
		}
		if len(ds) == 0 {
			return n, nil
		}
		p.process(ctx, p.Log, ds[0])
		n++
	}
	return n, ctx.Err()
}

// reap requeues jobs whose worker vanished without settling.
func (p *Pool) reap(ctx context.Context, every time.Duration) {
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if n, err := p.Queue.RequeueExpired(ctx); err != nil && ctx.Err() == nil {
			p.Log.Error().Err(err).Msg("requeue expired leases")
		} else if n > 0 {
			p.Log.Warn().Int64("jobs", n).Msg("requeued jobs with expired leases")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *Pool) work(ctx context.Context, worker int, poll time.Duration) {
	log := p.Log.With().Int("worker", worker).Logger()
	for ctx.Err() == nil {
		ds, err := p.Queue.Claim(ctx, 1)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("claim jobs")
			}
			sleep(ctx, poll)
			continue
		}
		if len(ds) == 0 {
			sleep(ctx, poll)
			continue
		}
		for _, d := range ds {
			p.process(ctx, log, d)
		}
	}
}

// process runs one delivery and settles it. Settlement uses a context that
// survives shutdown so a finished attempt is never lost.
func (p *Pool) process(ctx context.Context, log zerolog.Logger, d Delivery) {
	tr := otel.Tracer("queue/Pool")
	ctx, span := tr.Start(ctx, "Job",
		trace.WithAttributes(
			attribute.String("job.id", d.ID),
			attribute.Int("job.attempt", d.Attempt),
		),
	)
	defer span.End()

	name := p.Queue.Name()
	jobsInflight.WithLabelValues(name).Inc()
	start := time.Now()
	err := d.decodeErr
	if err == nil {
		err = p.safeHandle(ctx, d)
	} else {
		err = Permanent(err)
	}
	jobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	jobsInflight.WithLabelValues(name).Dec()

	settleCtx := context.WithoutCancel(ctx)
	outcome, serr := p.Queue.Settle(settleCtx, d, err)
	if serr != nil {
		span.RecordError(serr)
		log.Error().Err(serr).Str("job_id", d.ID).Msg("settle job")
		return
	}

	ev := log.Info()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ev = log.Warn().Err(err)
	}
	ev.Str("job_id", d.ID).
		Int("attempt", d.Attempt).
		Int("max_attempts", d.MaxAttempts).
		Str("outcome", string(outcome)).
		Dur("took", time.Since(start)).
		Msg("job settled")

	if outcome == OutcomeFailed && p.OnFailed != nil {
		p.OnFailed(settleCtx, d, err)
	}
}

func (p *Pool) safeHandle(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.Log.Error().Str("job_id", d.ID).Bytes("stack", debug.Stack()).Msg("job handler panic")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.Handler(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
