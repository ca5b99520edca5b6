// Package queue is a durable, at-least-once job queue on top of the
// relational store. Jobs are keyed by a deterministic id so duplicate
// enqueues collapse, retried with exponential backoff, and handed to a
// failure callback once attempts are exhausted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
	"github.com/tbourn/inbox-ai-pipeline/internal/repo"
)

const (
	DefaultName        = "replies"
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultLease       = 5 * time.Minute
)

// Options configures a Queue. Zero values take the defaults above.
type Options struct {
	Name        string
	MaxAttempts int
	BackoffBase time.Duration
	Lease       time.Duration
}

// Delivery is one leased attempt of a job.
type Delivery struct {
	ID          string
	Lease       string
	Attempt     int
	MaxAttempts int
	Job         domain.Job

	decodeErr error
}

// Last reports whether a failure of this attempt is terminal.
func (d Delivery) Last() bool { return d.Attempt >= d.MaxAttempts }

// Outcome is what Settle did with a delivery.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	// OutcomeLost means the lease expired before Settle ran; another worker
	// owns the job now and this result was dropped.
	OutcomeLost Outcome = "lost"
)

// Queue is safe for concurrent use.
type Queue struct {
	DB   *gorm.DB
	Log  zerolog.Logger
	Now  func() time.Time
	opts Options
}

// New returns a queue over db's jobs table.
func New(db *gorm.DB, opts Options, log zerolog.Logger) *Queue {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	return &Queue{
		DB:   db,
		Log:  log.With().Str("queue", opts.Name).Logger(),
		Now:  func() time.Time { return time.Now().UTC() },
		opts: opts,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.opts.Name }

// Lease returns the lease duration granted per claim.
func (q *Queue) Lease() time.Duration { return q.opts.Lease }

// Backoff returns the delay before the next attempt after attempt failed:
// base * 2^(attempt-1).
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		attempt = 20
	}
	return q.opts.BackoffBase << (attempt - 1)
}

func (q *Queue) record(id string, job domain.Job, now time.Time) (*domain.JobRecord, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return &domain.JobRecord{
		ID:          id,
		Queue:       q.opts.Name,
		Payload:     string(payload),
		Status:      domain.JobQueued,
		MaxAttempts: q.opts.MaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Enqueue adds job under id. A second enqueue with the same id is a no-op
// and reports false.
func (q *Queue) Enqueue(ctx context.Context, id string, job domain.Job) (bool, error) {
	rec, err := q.record(id, job, q.Now())
	if err != nil {
		return false, err
	}
	created, err := repo.InsertJob(ctx, q.DB, rec)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", id, err)
	}
	if created {
		jobsEnqueued.WithLabelValues(q.opts.Name, "new").Inc()
	} else {
		jobsEnqueued.WithLabelValues(q.opts.Name, "duplicate").Inc()
	}
	return created, nil
}

// Requeue re-arms job id from scratch whatever its current state. It is the
// manual reprocessing path; regular enqueues go through Enqueue.
func (q *Queue) Requeue(ctx context.Context, id string, job domain.Job) error {
	rec, err := q.record(id, job, q.Now())
	if err != nil {
		return err
	}
	return repo.ResetJob(ctx, q.DB, rec)
}

// Claim leases up to limit ready jobs.
func (q *Queue) Claim(ctx context.Context, limit int) ([]Delivery, error) {
	recs, err := repo.ClaimJobs(ctx, q.DB, q.opts.Name, q.Now(), q.opts.Lease, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(recs))
	for _, r := range recs {
		d := Delivery{ID: r.ID, Lease: r.LeaseToken, Attempt: r.Attempts, MaxAttempts: r.MaxAttempts}
		if err := json.Unmarshal([]byte(r.Payload), &d.Job); err != nil {
			d.decodeErr = fmt.Errorf("%w: %v", ErrMalformedJob, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// RequeueExpired returns jobs with lapsed leases to the ready set.
func (q *Queue) RequeueExpired(ctx context.Context) (int64, error) {
	return repo.RequeueExpiredLeases(ctx, q.DB, q.opts.Name, q.Now())
}

// Settle records the result of a handler run. A nil handlerErr completes the
// job; a permanent error or an exhausted attempt budget fails it; anything
// else schedules a retry after Backoff(attempt).
func (q *Queue) Settle(ctx context.Context, d Delivery, handlerErr error) (Outcome, error) {
	var (
		ok      bool
		err     error
		outcome Outcome
	)
	switch {
	case handlerErr == nil:
		outcome = OutcomeCompleted
		ok, err = repo.CompleteJob(ctx, q.DB, d.ID, d.Lease)
	case IsPermanent(handlerErr) || d.Last():
		outcome = OutcomeFailed
		ok, err = repo.FailJob(ctx, q.DB, d.ID, d.Lease, handlerErr.Error())
	default:
		outcome = OutcomeRetried
		runAt := q.Now().Add(q.Backoff(d.Attempt))
		ok, err = repo.RetryJob(ctx, q.DB, d.ID, d.Lease, runAt, handlerErr.Error())
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeLost, nil
	}
	jobsSettled.WithLabelValues(q.opts.Name, string(outcome)).Inc()
	return outcome, nil
}

// Stats returns the number of jobs per status.
func (q *Queue) Stats(ctx context.Context) (map[domain.JobStatus]int64, error) {
	return repo.CountJobsByStatus(ctx, q.DB, q.opts.Name)
}

// Get returns the stored job row, or repo.ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*domain.JobRecord, error) {
	rec, err := repo.GetJob(ctx, q.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, repo.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}
