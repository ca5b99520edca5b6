// Package ai generates reply text for an inbound message. Two providers are
// supported: an asynchronous task API (submit, then poll until terminal)
// and the OpenAI chat completions API.
package ai

import (
	"context"
	"errors"
)

var (
	// ErrEmptyResult means the provider finished but produced no text.
	ErrEmptyResult = errors.New("ai: empty result")
	// ErrNoTaskID means submit succeeded without returning a task id.
	ErrNoTaskID = errors.New("ai: submit returned no task id")
	// ErrTaskCancelled means the task reached the cancel terminal state.
	ErrTaskCancelled = errors.New("ai: task cancelled")
	// ErrTaskFailed means the provider reported the task as failed.
	ErrTaskFailed = errors.New("ai: task failed")
	// ErrTimeout means polling exceeded its deadline.
	ErrTimeout = errors.New("ai: timed out waiting for task")
)

// Request is one generation call.
type Request struct {
	Prompt       string
	SystemPrompt string
	UserID       string
	SessionID    string
	Params       map[string]any
}

// Responder produces reply text. Implementations return ErrEmptyResult
// instead of an empty string.
type Responder interface {
	Generate(ctx context.Context, req Request) (string, error)
}
