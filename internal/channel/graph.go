package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultGraphBaseURL is the public Graph API host.
const DefaultGraphBaseURL = "https://graph.facebook.com"

// GraphClient is a thin resty wrapper around the Graph API send endpoints.
type GraphClient struct {
	http    *resty.Client
	version string
}

// APIError is a non-2xx Graph response. It is always retryable from the
// worker's point of view.
type APIError struct {
	Channel    string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s send failed: status %d: %s", e.Channel, e.StatusCode, e.Body)
}

// NewGraphClient builds a client for baseURL (DefaultGraphBaseURL when empty)
// and API version such as "v20.0".
func NewGraphClient(baseURL, version string, timeout time.Duration) *GraphClient {
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &GraphClient{http: c, version: strings.Trim(version, "/")}
}

func (g *GraphClient) path(p string) string {
	if g.version == "" {
		return "/" + strings.TrimLeft(p, "/")
	}
	return "/" + g.version + "/" + strings.TrimLeft(p, "/")
}

// post sends body to path with the bearer token and decodes into out.
func (g *GraphClient) post(ctx context.Context, channel, token, path string, body, out any) error {
	resp, err := g.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(out).
		Post(g.path(path))
	if err != nil {
		return fmt.Errorf("%s send request: %w", channel, err)
	}
	if resp.IsError() {
		return &APIError{Channel: channel, StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
