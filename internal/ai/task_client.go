package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 60 * time.Second
)

// Task statuses reported by the detail endpoint.
const (
	StatusSuccess = "success"
	StatusCancel  = "cancel"
	StatusFailed  = "failed"
)

var generationLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ai_generation_duration_seconds",
		Help:    "Time from submit to terminal task state.",
		Buckets: []float64{.5, 1, 2, 4, 8, 15, 30, 45, 60, 90},
	},
	[]string{"provider", "result"},
)

func init() {
	prometheus.MustRegister(generationLatency)
}

// TaskConfig configures TaskClient.
type TaskConfig struct {
	BaseURL      string
	APIKey       string
	Secret       string
	PollInterval time.Duration
	Timeout      time.Duration
	HTTPTimeout  time.Duration
}

// TaskClient talks to the signed task API over resty.
type TaskClient struct {
	http *resty.Client
	cfg  TaskConfig
	log  zerolog.Logger
	now  func() time.Time
}

// TaskDetail is the payload of the detail endpoint.
type TaskDetail struct {
	TaskID    string      `json:"taskId"`
	Status    string      `json:"status"`
	Output    *TaskOutput `json:"output,omitempty"`
	Debug     *TaskOutput `json:"debug,omitempty"`
	OutputURL string      `json:"outputUrl,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// TaskOutput holds inline generated text.
type TaskOutput struct {
	Text string `json:"text"`
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// NewTaskClient returns a client for cfg.BaseURL.
func NewTaskClient(cfg TaskConfig, log zerolog.Logger) *TaskClient {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.HTTPTimeout).
		SetHeader("Accept", "application/json")
	return &TaskClient{
		http: c,
		cfg:  cfg,
		log:  log.With().Str("component", "ai.task").Logger(),
		now:  time.Now,
	}
}

// Submit creates a generation task and returns its id.
func (c *TaskClient) Submit(ctx context.Context, req Request) (string, error) {
	body := map[string]any{
		"prompt":       req.Prompt,
		"systemPrompt": req.SystemPrompt,
		"userId":       req.UserID,
		"sessionId":    req.SessionID,
	}
	if len(req.Params) > 0 {
		body["params"] = req.Params
	}
	var out envelope[struct {
		TaskID string `json:"taskId"`
	}]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(signedHeaders(c.cfg.APIKey, c.cfg.Secret, c.now())).
		SetBody(body).
		SetResult(&out).
		Post("/task/submit")
	if err != nil {
		return "", fmt.Errorf("ai submit: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("ai submit: status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Data.TaskID == "" {
		return "", ErrNoTaskID
	}
	return out.Data.TaskID, nil
}

// Detail fetches the current state of a task.
func (c *TaskClient) Detail(ctx context.Context, taskID string) (*TaskDetail, error) {
	var out envelope[TaskDetail]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(signedHeaders(c.cfg.APIKey, c.cfg.Secret, c.now())).
		SetQueryParam("taskId", taskID).
		SetResult(&out).
		Get("/task/detail")
	if err != nil {
		return nil, fmt.Errorf("ai detail: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ai detail: status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Data.TaskID == "" {
		out.Data.TaskID = taskID
	}
	return &out.Data, nil
}

// PollUntilTerminal fetches the task every interval until it succeeds, is
// cancelled or fails, or timeout elapses. The wait is a timer select, so a
// cancelled ctx stops it immediately.
func (c *TaskClient) PollUntilTerminal(ctx context.Context, taskID string, interval, timeout time.Duration) (*TaskDetail, error) {
	if interval <= 0 {
		interval = c.cfg.PollInterval
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-pctx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: task %s after %s", ErrTimeout, taskID, timeout)
		case <-t.C:
		}

		d, err := c.Detail(pctx, taskID)
		if err != nil {
			if pctx.Err() != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: task %s after %s", ErrTimeout, taskID, timeout)
			}
			return nil, err
		}
		switch strings.ToLower(d.Status) {
		case StatusSuccess:
			return d, nil
		case StatusCancel:
			return d, ErrTaskCancelled
		case StatusFailed, "error":
			if d.Error != "" {
				return d, fmt.Errorf("%w: %s", ErrTaskFailed, d.Error)
			}
			return d, ErrTaskFailed
		}
		t.Reset(interval)
	}
}

// ExtractText prefers inline output, then debug output, then the referenced
// artifact at OutputURL (plain text or JSON with a text field).
func (c *TaskClient) ExtractText(ctx context.Context, d *TaskDetail) (string, error) {
	if d == nil {
		return "", ErrEmptyResult
	}
	if d.Output != nil && strings.TrimSpace(d.Output.Text) != "" {
		return strings.TrimSpace(d.Output.Text), nil
	}
	if d.Debug != nil && strings.TrimSpace(d.Debug.Text) != "" {
		return strings.TrimSpace(d.Debug.Text), nil
	}
	if d.OutputURL == "" {
		return "", ErrEmptyResult
	}

	resp, err := c.http.R().SetContext(ctx).Get(d.OutputURL)
	if err != nil {
		return "", fmt.Errorf("ai output fetch: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("ai output fetch: status %d", resp.StatusCode())
	}
	text := artifactText(resp.Header().Get("Content-Type"), resp.Body())
	if text == "" {
		return "", ErrEmptyResult
	}
	return text, nil
}

func artifactText(contentType string, body []byte) string {
	raw := strings.TrimSpace(string(body))
	if strings.Contains(contentType, "json") || strings.HasPrefix(raw, "{") {
		var v struct {
			Text    string `json:"text"`
			Output  string `json:"output"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(body, &v); err == nil {
			for _, s := range []string{v.Text, v.Output, v.Content} {
				if s = strings.TrimSpace(s); s != "" {
					return s
				}
			}
			return ""
		}
	}
	return raw
}

// Generate runs Submit, PollUntilTerminal and ExtractText.
func (c *TaskClient) Generate(ctx context.Context, req Request) (string, error) {
	tr := otel.Tracer("ai/TaskClient")
	ctx, span := tr.Start(ctx, "Generate",
		trace.WithAttributes(attribute.String("ai.session_id", req.SessionID)),
	)
	defer span.End()

	start := c.now()
	text, err := c.generate(ctx, req)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
	}
	generationLatency.WithLabelValues("task", result).Observe(c.now().Sub(start).Seconds())
	return text, err
}

func (c *TaskClient) generate(ctx context.Context, req Request) (string, error) {
	id, err := c.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	c.log.Debug().Str("task_id", id).Str("session_id", req.SessionID).Msg("task submitted")

	d, err := c.PollUntilTerminal(ctx, id, c.cfg.PollInterval, c.cfg.Timeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.log.Warn().Str("task_id", id).Dur("timeout", c.cfg.Timeout).Msg("task poll timed out")
		}
		return "", err
	}
	return c.ExtractText(ctx, d)
}
