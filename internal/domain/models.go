// Package domain defines the persistence models for inbound and outbound
// channel messages, queued jobs, and dedup claims. These types are mapped
// with GORM and form the core data layer of the ingestion pipeline.
package domain

import (
	"time"
)

// Channel identifies an external messaging platform.
type Channel string

const (
	ChannelWhatsApp   Channel = "whatsapp"
	ChannelInstagram  Channel = "instagram"
	ChannelFacebookDM Channel = "facebook_dm"
)

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelInstagram, ChannelFacebookDM:
		return true
	}
	return false
}

// MessageType classifies the normalized content of a message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
	MessageTypeOther    MessageType = "other"
)

// MessageStatus is the processing state of an inbound message.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s MessageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Message is the canonical unit of communication, inbound or outbound.
//
// Fields:
//   - ID: UUID primary key assigned at persistence time.
//   - Channel / ChannelMessageID: the platform and its own message id. The
//     pair is unique (ux_messages_channel_msg); inbound persistence is an
//     insert-or-ignore keyed on it.
//   - ConnectionID: the channel account that owns the conversation.
//   - SenderID / SenderName: the human party (phone number, platform user id).
//   - MessageText: normalized text; media becomes a bracketed placeholder.
//   - IsFromBusiness: true for outbound (AI-authored) rows.
//   - RawPayload: the original channel event, kept for audit.
//   - Status: meaningful for inbound rows only.
//   - AIResponse: generated reply, set on completion.
//   - Timestamp: channel-reported send time, nullable.
type Message struct {
	ID               string        `json:"id"                 gorm:"type:char(36);primaryKey"`
	Channel          Channel       `json:"channel"            gorm:"type:varchar(32);not null;uniqueIndex:ux_messages_channel_msg,priority:1;index:idx_messages_channel_sender,priority:1"`
	ChannelMessageID string        `json:"channel_message_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_messages_channel_msg,priority:2"`
	ConnectionID     string        `json:"connection_id"      gorm:"type:varchar(64);not null;default:'';index"`
	SenderID         string        `json:"sender_id"          gorm:"type:varchar(128);not null;index:idx_messages_channel_sender,priority:2"`
	SenderName       string        `json:"sender_name,omitempty" gorm:"type:varchar(255)"`
	MessageText      string        `json:"message_text"       gorm:"type:text;not null;default:''"`
	MessageType      MessageType   `json:"message_type"       gorm:"type:varchar(16);not null;default:'text'"`
	IsFromBusiness   bool          `json:"is_from_business"   gorm:"not null;default:false"`
	RawPayload       string        `json:"-"                  gorm:"type:text"`
	Status           MessageStatus `json:"status"             gorm:"type:varchar(16);not null;default:'pending';index"`
	AIResponse       *string       `json:"ai_response,omitempty" gorm:"type:text"`
	Timestamp        *time.Time    `json:"timestamp,omitempty"`
	CreatedAt        time.Time     `json:"created_at"         gorm:"index"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// DedupKey is the claim key used to short-circuit redundant deliveries.
func (m Message) DedupKey() string {
	return string(m.Channel) + ":" + m.ChannelMessageID
}

// JobID is the deterministic queue id for the reply job of m.
func (m Message) JobID() string {
	return JobIDFor(m.Channel, m.ChannelMessageID)
}

// JobIDFor builds "<channel>-<channelMessageId>".
func JobIDFor(ch Channel, channelMessageID string) string {
	return string(ch) + "-" + channelMessageID
}
