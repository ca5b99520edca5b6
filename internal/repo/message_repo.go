// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the Message store.
//
// Error semantics:
//   - Missing rows surface as ErrNotFound (an alias of gorm.ErrRecordNotFound).
//   - Uniqueness on (channel, channel_message_id) is enforced by the schema;
//     UpsertInbound turns a conflict into a read of the existing row.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// MessageFilter narrows list and count queries. Empty fields match all rows.
type MessageFilter struct {
	Channel      domain.Channel
	SenderID     string
	ConnectionID string
	Status       domain.MessageStatus
}

func (f MessageFilter) apply(q *gorm.DB) *gorm.DB {
	if f.Channel != "" {
		q = q.Where("channel = ?", f.Channel)
	}
	if f.SenderID != "" {
		q = q.Where("sender_id = ?", f.SenderID)
	}
	if f.ConnectionID != "" {
		q = q.Where("connection_id = ?", f.ConnectionID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return q
}

// UpsertInbound stores an inbound message at status pending unless a row with
// the same (channel, channel_message_id) already exists, in which case the
// existing row is returned unchanged and created is false. Webhook replays
// therefore never overwrite a stored message.
func UpsertInbound(ctx context.Context, db *gorm.DB, m *domain.Message) (stored *domain.Message, created bool, err error) {
	now := time.Now().UTC()
	row := *m
	row.ID = uuid.NewString()
	row.IsFromBusiness = false
	row.Status = domain.StatusPending
	row.AIResponse = nil
	row.CreatedAt = now
	row.UpdatedAt = now

	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel"}, {Name: "channel_message_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return &row, true, nil
	}

	existing, err := FindByChannelMessageID(ctx, db, m.Channel, m.ChannelMessageID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// CreateOutbound always inserts a new business-authored row at status
// completed. Outbound replies are never deduplicated against each other.
func CreateOutbound(ctx context.Context, db *gorm.DB, m *domain.Message) (*domain.Message, error) {
	now := time.Now().UTC()
	row := *m
	row.ID = uuid.NewString()
	row.IsFromBusiness = true
	row.Status = domain.StatusCompleted
	if row.MessageType == "" {
		row.MessageType = domain.MessageTypeText
	}
	row.CreatedAt = now
	row.UpdatedAt = now
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateStatus sets status (and aiResponse when non-nil) on message id.
// It returns ErrNotFound when no row matched.
func UpdateStatus(ctx context.Context, db *gorm.DB, id string, status domain.MessageStatus, aiResponse *string) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if aiResponse != nil {
		updates["ai_response"] = *aiResponse
	}
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimForProcessing moves message id to processing only if it is pending,
// or if it is processing but was last touched before staleBefore (a worker
// that died mid-job). It reports whether this call won the transition.
func ClaimForProcessing(ctx context.Context, db *gorm.DB, id string, staleBefore time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND (status = ? OR (status = ? AND updated_at < ?))",
			id, domain.StatusPending, domain.StatusProcessing, staleBefore).
		Updates(map[string]any{
			"status":     domain.StatusProcessing,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ResetToPending moves a non-completed message back to pending, used for
// retries and manual reprocessing. Completed rows are left untouched.
func ResetToPending(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND status <> ?", id, domain.StatusCompleted).
		Updates(map[string]any{
			"status":     domain.StatusPending,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// FindByChannelMessageID fetches a message by its natural key.
func FindByChannelMessageID(ctx context.Context, db *gorm.DB, ch domain.Channel, channelMessageID string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("channel = ? AND channel_message_id = ?", ch, channelMessageID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMessages returns the number of rows matching f.
func CountMessages(ctx context.Context, db *gorm.DB, f MessageFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.Message{})).Count(&total).Error
	return total, err
}

// ListMessagesPage returns a page of rows matching f, newest first
// (created_at DESC, id DESC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, f MessageFilter, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := f.apply(db.WithContext(ctx)).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListMessagesAfter walks the table in primary-key order for batch jobs
// such as reindexing. Pass the last seen id (or "") and a batch size.
func ListMessagesAfter(ctx context.Context, db *gorm.DB, f MessageFilter, afterID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := f.apply(db.WithContext(ctx))
	if afterID != "" {
		q = q.Where("id > ?", afterID)
	}
	err := q.Order("id ASC").Limit(limit).Find(&out).Error
	return out, err
}

// IsNotFound reports whether err means "no such row".
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
