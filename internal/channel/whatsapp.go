package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// WhatsApp implements the WhatsApp Cloud API channel.
type WhatsApp struct {
	base
	graph *GraphClient
}

// NewWhatsApp returns the WhatsApp channel.
func NewWhatsApp(cfg Config, graph *GraphClient) *WhatsApp {
	return &WhatsApp{base: base{name: domain.ChannelWhatsApp, cfg: cfg}, graph: graph}
}

type waPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string  `json:"field"`
			Value waValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []json.RawMessage `json:"messages"`
}

type waMedia struct {
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Audio    *waMedia `json:"audio"`
	Video    *waMedia `json:"video"`
	Document *waMedia `json:"document"`
	Button   *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

// Normalize extracts every message event across all entries and changes.
// Status callbacks (sent/delivered/read) carry no messages and yield nothing.
func (w *WhatsApp) Normalize(body []byte) ([]Inbound, error) {
	var p waPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var out []Inbound
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			v := ch.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, raw := range v.Messages {
				var m waMessage
				if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" || m.From == "" {
					continue
				}
				text, typ := waContent(m)
				out = append(out, Inbound{
					AccountID: v.Metadata.PhoneNumberID,
					Message: domain.Message{
						Channel:          domain.ChannelWhatsApp,
						ChannelMessageID: m.ID,
						SenderID:         m.From,
						SenderName:       names[m.From],
						MessageText:      text,
						MessageType:      typ,
						RawPayload:       string(raw),
						Timestamp:        unixSeconds(m.Timestamp),
					},
				})
			}
		}
	}
	return out, nil
}

func waContent(m waMessage) (string, domain.MessageType) {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return m.Text.Body, domain.MessageTypeText
		}
		return "", domain.MessageTypeText
	case "image":
		return placeholder("Image", captionOf(m.Image)), domain.MessageTypeImage
	case "audio", "voice":
		return placeholder("Audio", ""), domain.MessageTypeAudio
	case "video":
		return placeholder("Video", captionOf(m.Video)), domain.MessageTypeVideo
	case "document":
		name := ""
		if m.Document != nil {
			name = m.Document.Filename
			if name == "" {
				name = m.Document.Caption
			}
		}
		return placeholder("Document", name), domain.MessageTypeDocument
	case "button":
		if m.Button != nil {
			return m.Button.Text, domain.MessageTypeText
		}
	case "interactive":
		if m.Interactive != nil {
			if m.Interactive.ButtonReply != nil {
				return m.Interactive.ButtonReply.Title, domain.MessageTypeText
			}
			if m.Interactive.ListReply != nil {
				return m.Interactive.ListReply.Title, domain.MessageTypeText
			}
		}
	}
	return placeholder(titleCase(m.Type), ""), domain.MessageTypeOther
}

func captionOf(m *waMedia) string {
	if m == nil {
		return ""
	}
	return m.Caption
}

// CanSend accepts digit-only recipients (E.164 without the plus sign).
func (w *WhatsApp) CanSend(to string) bool {
	to = strings.TrimPrefix(to, "+")
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

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts a text message through the connection's phone number.
func (w *WhatsApp) Send(ctx context.Context, creds Credentials, to, text string) (string, error) {
	if creds.PhoneNumberID == "" || creds.AccessToken == "" {
		return "", errors.New("whatsapp send: phone number id and access token are required")
	}
	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                strings.TrimPrefix(to, "+"),
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": text},
	}
	var res waSendResponse
	if err := w.graph.post(ctx, string(domain.ChannelWhatsApp), creds.AccessToken, creds.PhoneNumberID+"/messages", body, &res); err != nil {
		return "", err
	}
	if len(res.Messages) > 0 {
		return res.Messages[0].ID, nil
	}
	return "", nil
}

// placeholder renders "[Kind]" or "[Kind] detail".
func placeholder(kind, detail string) string {
	if kind == "" {
		kind = "Unknown"
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return "[" + kind + "]"
	}
	return "[" + kind + "] " + detail
}

func titleCase(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func unixSeconds(s string) *time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	t := time.Unix(n, 0).UTC()
	return &t
}
