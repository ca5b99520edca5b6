package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// Messenger implements the Messenger Platform webhook shape shared by
// Facebook Page DMs and Instagram Direct.
type Messenger struct {
	base
	graph *GraphClient
}

// NewFacebookDM returns the Facebook Page DM channel.
func NewFacebookDM(cfg Config, graph *GraphClient) *Messenger {
	return &Messenger{base: base{name: domain.ChannelFacebookDM, cfg: cfg}, graph: graph}
}

// NewInstagram returns the Instagram Direct channel.
func NewInstagram(cfg Config, graph *GraphClient) *Messenger {
	return &Messenger{base: base{name: domain.ChannelInstagram, cfg: cfg}, graph: graph}
}

type msgrPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string            `json:"id"`
		Time      int64             `json:"time"`
		Messaging []json.RawMessage `json:"messaging"`
	} `json:"entry"`
}

type msgrEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL   string `json:"url"`
				Title string `json:"title"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
}

// Normalize extracts message events. Echoes of the page's own sends and
// non-message events (delivery, read, postback) are skipped.
func (m *Messenger) Normalize(body []byte) ([]Inbound, error) {
	var p msgrPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var out []Inbound
	for _, e := range p.Entry {
		for _, raw := range e.Messaging {
			var ev msgrEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			if ev.Message == nil || ev.Message.IsEcho || ev.Message.MID == "" || ev.Sender.ID == "" {
				continue
			}
			account := ev.Recipient.ID
			if account == "" {
				account = e.ID
			}
			text, typ := ev.Message.Text, domain.MessageTypeText
			if len(ev.Message.Attachments) > 0 {
				a := ev.Message.Attachments[0]
				text, typ = attachmentContent(a.Type, ev.Message.Text, a.Payload.Title)
			}
			var ts *time.Time
			if ev.Timestamp > 0 {
				t := time.UnixMilli(ev.Timestamp).UTC()
				ts = &t
			}
			out = append(out, Inbound{
				AccountID: account,
				Message: domain.Message{
					Channel:          m.name,
					ChannelMessageID: ev.Message.MID,
					SenderID:         ev.Sender.ID,
					MessageText:      text,
					MessageType:      typ,
					RawPayload:       string(raw),
					Timestamp:        ts,
				},
			})
		}
	}
	return out, nil
}

func attachmentContent(kind, text, title string) (string, domain.MessageType) {
	switch kind {
	case "image":
		return placeholder("Image", text), domain.MessageTypeImage
	case "audio":
		return placeholder("Audio", ""), domain.MessageTypeAudio
	case "video":
		return placeholder("Video", text), domain.MessageTypeVideo
	case "file":
		return placeholder("Document", title), domain.MessageTypeDocument
	}
	return placeholder(titleCase(kind), text), domain.MessageTypeOther
}

// CanSend accepts platform-scoped numeric ids only. Usernames and other
// identifiers cannot be messaged through the Send API.
func (m *Messenger) CanSend(to string) bool {
	if to == "" {
		return false
	}
	for _, r := range to {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type msgrSendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// Send replies inside the 24h standard messaging window.
func (m *Messenger) Send(ctx context.Context, creds Credentials, to, text string) (string, error) {
	if creds.AccessToken == "" {
		return "", errors.New(string(m.name) + " send: access token is required")
	}
	sender := "me"
	if strings.TrimSpace(creds.PageID) != "" {
		sender = creds.PageID
	}
	body := map[string]any{
		"recipient":      map[string]string{"id": to},
		"messaging_type": "RESPONSE",
		"message":        map[string]string{"text": text},
	}
	var res msgrSendResponse
	if err := m.graph.post(ctx, string(m.name), creds.AccessToken, sender+"/messages", body, &res); err != nil {
		return "", err
	}
	return res.MessageID, nil
}
