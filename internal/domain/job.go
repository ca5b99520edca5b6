package domain

import "time"

// Job is the payload of one queued reply job.
type Job struct {
	MessageID        string  `json:"messageId"`
	Channel          Channel `json:"channel"`
	ChannelMessageID string  `json:"channelMessageId"`
	SenderID         string  `json:"senderId"`
	MessageText      string  `json:"messageText"`
	ConnectionID     string  `json:"connectionId"`
}

// JobStatus is the queue-level state of a job row.
type JobStatus string

const (
	JobQueued JobStatus = "queued"
	JobActive JobStatus = "active"
	JobDone   JobStatus = "done"
	JobFailed JobStatus = "failed"
)

// JobRecord is the durable queue row backing a Job. The primary key is the
// deterministic job id, so duplicate enqueues collapse on insert.
type JobRecord struct {
	ID          string    `gorm:"type:varchar(300);primaryKey"`
	Queue       string    `gorm:"type:varchar(64);not null;index:idx_jobs_ready,priority:1"`
	Payload     string    `gorm:"type:text;not null"`
	Status      JobStatus `gorm:"type:varchar(16);not null;index:idx_jobs_ready,priority:2"`
	Attempts    int       `gorm:"not null;default:0"`
	MaxAttempts int       `gorm:"not null;default:3"`
	RunAt       time.Time `gorm:"not null;index:idx_jobs_ready,priority:3"`
	LeaseToken  string    `gorm:"type:char(36);not null;default:''"`
	LeasedUntil *time.Time
	LastError   string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName implements the GORM tabler interface.
func (JobRecord) TableName() string { return "jobs" }
