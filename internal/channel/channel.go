// Package channel models each messaging platform as a capability: webhook
// handshake, payload signature check, payload normalization and reply send.
// The ingestion handler and the dispatcher only talk to the Channel interface.
package channel

import (
	"context"
	"errors"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

var (
	// ErrUnknownChannel is returned when no implementation is registered.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrInvalidSignature means the delivery body does not match its HMAC header.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrNotConfigured means a required verify token or app secret is missing.
	ErrNotConfigured = errors.New("channel not configured")
	// ErrMalformedPayload wraps JSON decoding failures in Normalize.
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Inbound is one normalized event extracted from a webhook delivery.
// AccountID is the business-side account the event was addressed to
// (phone number id, page id or Instagram account id); the ingestion layer
// resolves it to a connection id.
type Inbound struct {
	Message   domain.Message
	AccountID string
}

// Credentials are the per-connection secrets used to send a reply.
type Credentials struct {
	AccessToken   string
	PhoneNumberID string
	PageID        string
}

// Channel is implemented once per platform.
type Channel interface {
	// Name is the canonical channel id used in routes, keys and job ids.
	Name() domain.Channel

	// VerifyChallenge answers the subscription handshake. It returns the
	// challenge to echo and true on success. ErrNotConfigured is returned
	// when no verify token is set.
	VerifyChallenge(mode, token, challenge string) (string, bool, error)

	// VerifySignature checks the x-hub-signature-256 header against the raw
	// body. A nil error means the delivery may be processed.
	VerifySignature(body []byte, header string) error

	// Normalize decodes one delivery into zero or more inbound events.
	Normalize(body []byte) ([]Inbound, error)

	// CanSend reports whether a reply to recipient is possible at all.
	// Dispatching to a recipient that cannot be addressed is a no-op.
	CanSend(to string) bool

	// Send delivers text to recipient and returns the platform message id,
	// which may be empty.
	Send(ctx context.Context, creds Credentials, to, text string) (string, error)
}

// Config holds the webhook secrets of one channel.
type Config struct {
	VerifyToken      string
	AppSecret        string
	RequireSignature bool
}

// base carries the handshake and signature logic shared by all Meta channels.
type base struct {
	name domain.Channel
	cfg  Config
}

func (b base) Name() domain.Channel { return b.name }

func (b base) VerifyChallenge(mode, token, challenge string) (string, bool, error) {
	if b.cfg.VerifyToken == "" {
		return "", false, ErrNotConfigured
	}
	echo, ok := VerifyChallenge(mode, token, challenge, b.cfg.VerifyToken)
	return echo, ok, nil
}

func (b base) VerifySignature(body []byte, header string) error {
	if b.cfg.AppSecret == "" {
		if b.cfg.RequireSignature {
			return ErrNotConfigured
		}
		return nil
	}
	if !VerifySignature(body, header, b.cfg.AppSecret) {
		return ErrInvalidSignature
	}
	return nil
}
