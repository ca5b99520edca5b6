// Package services holds the pipeline's application logic: webhook
// ingestion, the reply job handler, and the dashboard read service.
// This file centralizes service-level error values so that handlers can map
// them to HTTP status codes.
//
// Translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

var (
	// ErrMessageNotFound indicates that the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotReprocessable is returned when a reprocess is requested for an
	// outbound message or one that already completed.
	ErrNotReprocessable = errors.New("message cannot be reprocessed")

	// ErrChallengeRejected is returned when a subscription handshake does not
	// match the configured verify token.
	ErrChallengeRejected = errors.New("verification challenge rejected")

	// ErrSearchUnavailable is returned when no search index is configured.
	ErrSearchUnavailable = errors.New("search is not configured")

	// ErrMessageBusy is returned by the reply handler when another delivery
	// holds the message. The job is retried until the hold goes stale.
	ErrMessageBusy = errors.New("message is being processed elsewhere")

	// ErrEmptyReply is returned when the responder produced only whitespace.
	ErrEmptyReply = errors.New("generated reply is empty")
)
