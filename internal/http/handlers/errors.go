// Package handlers defines HTTP-layer error codes used across all endpoints.
//
// Codes are mapped to HTTP responses via fail() and give clients a stable,
// machine-readable error taxonomy next to the human-readable message.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes (bad_request, forbidden, conflict) mirror HTTP status
//     semantics; domain codes cover outcomes status alone cannot convey.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_reprocessable",
//	  "message": "message is completed or still in flight"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodePayloadTooLarge  = "payload_too_large"

	// Webhooks
	ErrCodeUnknownChannel    = "unknown_channel"
	ErrCodeInvalidSignature  = "invalid_signature"
	ErrCodeChallengeRejected = "challenge_rejected"
	ErrCodeNotConfigured     = "channel_not_configured"

	// Dashboard API
	ErrCodeListFailed        = "list_failed"
	ErrCodeSearchFailed      = "search_failed"
	ErrCodeSearchUnavailable = "search_unavailable"
	ErrCodeNotReprocessable  = "not_reprocessable"
	ErrCodeReprocessFailed   = "reprocess_failed"
)
