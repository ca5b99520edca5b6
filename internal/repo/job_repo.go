// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the durable job table behind the queue.
//
// Every state change that a worker makes is conditioned on the lease token it
// obtained when claiming the row, so a worker whose lease expired (and whose
// job was handed to someone else) cannot clobber the newer attempt.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// InsertJob adds rec unless a row with the same id exists. It reports
// whether a new row was written.
func InsertJob(ctx context.Context, db *gorm.DB, rec *domain.JobRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ResetJob re-arms job id with a fresh payload and zero attempts, creating it
// when missing. Used by manual reprocessing.
func ResetJob(ctx context.Context, db *gorm.DB, rec *domain.JobRecord) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"payload", "status", "attempts", "max_attempts", "run_at",
				"lease_token", "leased_until", "last_error", "updated_at",
			}),
		}).
		Create(rec).Error
}

// GetJob fetches a job row by id.
func GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.JobRecord, error) {
	var rec domain.JobRecord
	if err := db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClaimJobs leases up to limit ready jobs of queue. Candidates are read
// first, then each is taken with a conditional update (status still queued),
// so two pollers never lease the same row.
func ClaimJobs(ctx context.Context, db *gorm.DB, queue string, now time.Time, lease time.Duration, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.JobRecord{}).
		Where("queue = ? AND status = ? AND run_at <= ?", queue, domain.JobQueued, now).
		Order("run_at ASC, id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.JobRecord, 0, len(ids))
	for _, id := range ids {
		token := uuid.NewString()
		until := now.Add(lease)
		res := db.WithContext(ctx).
			Model(&domain.JobRecord{}).
			Where("id = ? AND status = ?", id, domain.JobQueued).
			Updates(map[string]any{
				"status":       domain.JobActive,
				"lease_token":  token,
				"leased_until": until,
				"attempts":     gorm.Expr("attempts + 1"),
				"updated_at":   now,
			})
		if res.Error != nil {
			return out, res.Error
		}
		if res.RowsAffected != 1 {
			continue
		}
		rec, err := GetJob(ctx, db, id)
		if err != nil {
			return out, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// RequeueExpiredLeases returns active jobs whose lease ran out to the ready
// set. This is what makes delivery at-least-once after a worker crash.
func RequeueExpiredLeases(ctx context.Context, db *gorm.DB, queue string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.JobRecord{}).
		Where("queue = ? AND status = ? AND leased_until < ?", queue, domain.JobActive, now).
		Updates(map[string]any{
			"status":      domain.JobQueued,
			"lease_token": "",
			"run_at":      now,
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

// CompleteJob marks a leased job done.
func CompleteJob(ctx context.Context, db *gorm.DB, id, lease string) (bool, error) {
	return finishJob(ctx, db, id, lease, map[string]any{
		"status":     domain.JobDone,
		"last_error": "",
	})
}

// RetryJob puts a leased job back in the ready set at runAt.
func RetryJob(ctx context.Context, db *gorm.DB, id, lease string, runAt time.Time, lastErr string) (bool, error) {
	return finishJob(ctx, db, id, lease, map[string]any{
		"status":     domain.JobQueued,
		"run_at":     runAt,
		"last_error": lastErr,
	})
}

// FailJob marks a leased job terminally failed.
func FailJob(ctx context.Context, db *gorm.DB, id, lease, lastErr string) (bool, error) {
	return finishJob(ctx, db, id, lease, map[string]any{
		"status":     domain.JobFailed,
		"last_error": lastErr,
	})
}

func finishJob(ctx context.Context, db *gorm.DB, id, lease string, updates map[string]any) (bool, error) {
	updates["lease_token"] = ""
	updates["leased_until"] = nil
	updates["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.JobRecord{}).
		Where("id = ? AND status = ? AND lease_token = ?", id, domain.JobActive, lease).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CountJobsByStatus returns row counts per status for queue.
func CountJobsByStatus(ctx context.Context, db *gorm.DB, queue string) (map[domain.JobStatus]int64, error) {
	var rows []struct {
		Status domain.JobStatus
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.JobRecord{}).
		Select("status, COUNT(*) AS n").
		Where("queue = ?", queue).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.JobStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
