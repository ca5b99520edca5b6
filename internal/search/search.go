// Package search keeps a full-text index of messages. Two backends exist:
// an in-process token index and Typesense. The pipeline talks to either
// through Indexer, which never lets an indexing failure escape.
package search

import (
	"context"
	"errors"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// ErrCollectionMissing is returned by backends when the target collection
// has not been created.
var ErrCollectionMissing = errors.New("search collection does not exist")

// Document is the indexed form of a message. Times are epoch seconds.
type Document struct {
	ID               string `json:"id"`
	Channel          string `json:"channel"`
	ChannelMessageID string `json:"channelMessageId"`
	ConnectionID     string `json:"connectionId"`
	SenderID         string `json:"senderId"`
	SenderName       string `json:"senderName"`
	MessageText      string `json:"messageText"`
	MessageType      string `json:"messageType"`
	IsFromBusiness   bool   `json:"isFromBusiness"`
	Status           string `json:"status"`
	AIResponse       string `json:"aiResponse"`
	Timestamp        int64  `json:"timestamp"`
	CreatedAt        int64  `json:"createdAt"`
	UpdatedAt        int64  `json:"updatedAt"`
}

// FromMessage converts m; a nil Timestamp becomes 0.
func FromMessage(m *domain.Message) Document {
	d := Document{
		ID:               m.ID,
		Channel:          string(m.Channel),
		ChannelMessageID: m.ChannelMessageID,
		ConnectionID:     m.ConnectionID,
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		MessageText:      m.MessageText,
		MessageType:      string(m.MessageType),
		IsFromBusiness:   m.IsFromBusiness,
		Status:           string(m.Status),
		CreatedAt:        m.CreatedAt.Unix(),
		UpdatedAt:        m.UpdatedAt.Unix(),
	}
	if m.AIResponse != nil {
		d.AIResponse = *m.AIResponse
	}
	if m.Timestamp != nil {
		d.Timestamp = m.Timestamp.Unix()
	}
	return d
}

// Query is a search request. Empty filters match everything.
type Query struct {
	Q        string
	Channel  string
	SenderID string
	Status   string
	Limit    int
}

// Hit is one ranked document.
type Hit struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// Index is implemented by every backend.
type Index interface {
	Upsert(ctx context.Context, docs ...Document) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, q Query) ([]Hit, error)
}
