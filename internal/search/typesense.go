package search

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Typesense is an Index backed by a Typesense collection over its REST API.
type Typesense struct {
	http       *resty.Client
	collection string
}

// NewTypesense returns a client for baseURL with the admin apiKey.
func NewTypesense(baseURL, apiKey, collection string, timeout time.Duration) *Typesense {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if collection == "" {
		collection = "messages"
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("X-TYPESENSE-API-KEY", apiKey)
	return &Typesense{http: c, collection: collection}
}

// Collection returns the collection name.
func (t *Typesense) Collection() string { return t.collection }

// Schema is the collection definition for message documents.
func (t *Typesense) Schema() map[string]any {
	return map[string]any{
		"name": t.collection,
		"fields": []map[string]any{
			{"name": "channel", "type": "string", "facet": true},
			{"name": "channelMessageId", "type": "string"},
			{"name": "connectionId", "type": "string", "facet": true},
			{"name": "senderId", "type": "string", "facet": true},
			{"name": "senderName", "type": "string", "optional": true},
			{"name": "messageText", "type": "string"},
			{"name": "messageType", "type": "string", "facet": true},
			{"name": "isFromBusiness", "type": "bool", "facet": true},
			{"name": "status", "type": "string", "facet": true},
			{"name": "aiResponse", "type": "string", "optional": true, "index": false},
			{"name": "timestamp", "type": "int64", "optional": true},
			{"name": "createdAt", "type": "int64"},
			{"name": "updatedAt", "type": "int64"},
		},
		"default_sorting_field": "createdAt",
	}
}

// EnsureCollection creates the collection unless it exists.
func (t *Typesense) EnsureCollection(ctx context.Context) error {
	resp, err := t.http.R().SetContext(ctx).Get("/collections/" + url.PathEscape(t.collection))
	if err != nil {
		return fmt.Errorf("typesense: get collection: %w", err)
	}
	if resp.StatusCode() == http.StatusOK {
		return nil
	}
	if resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("typesense: get collection: status %d: %s", resp.StatusCode(), resp.String())
	}
	resp, err = t.http.R().SetContext(ctx).SetBody(t.Schema()).Post("/collections")
	if err != nil {
		return fmt.Errorf("typesense: create collection: %w", err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusConflict {
		return fmt.Errorf("typesense: create collection: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (t *Typesense) statusErr(op string, resp *resty.Response) error {
	if resp.StatusCode() == http.StatusNotFound && strings.Contains(strings.ToLower(resp.String()), "collection") {
		return fmt.Errorf("typesense %s: %w", op, ErrCollectionMissing)
	}
	return fmt.Errorf("typesense %s: status %d: %s", op, resp.StatusCode(), resp.String())
}

// Upsert imports docs as JSONL with action=upsert and reports the first
// per-document failure.
func (t *Typesense) Upsert(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain").
		SetQueryParam("action", "upsert").
		SetBody(buf.Bytes()).
		Post("/collections/" + url.PathEscape(t.collection) + "/documents/import")
	if err != nil {
		return fmt.Errorf("typesense import: %w", err)
	}
	if resp.IsError() {
		return t.statusErr("import", resp)
	}
	sc := bufio.NewScanner(bytes.NewReader(resp.Body()))
	line := 0
	for sc.Scan() {
		var r struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(sc.Bytes(), &r); err == nil && !r.Success {
			id := ""
			if line < len(docs) {
				id = docs[line].ID
			}
			return fmt.Errorf("typesense import: document %q: %s", id, r.Error)
		}
		line++
	}
	return nil
}

// Delete removes id; a missing document is not an error.
func (t *Typesense) Delete(ctx context.Context, id string) error {
	resp, err := t.http.R().
		SetContext(ctx).
		Delete("/collections/" + url.PathEscape(t.collection) + "/documents/" + url.PathEscape(id))
	if err != nil {
		return fmt.Errorf("typesense delete: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound && !strings.Contains(strings.ToLower(resp.String()), "collection") {
		return nil
	}
	if resp.IsError() {
		return t.statusErr("delete", resp)
	}
	return nil
}

type tsSearchResponse struct {
	Found int `json:"found"`
	Hits  []struct {
		Document  Document `json:"document"`
		TextMatch int64    `json:"text_match"`
	} `json:"hits"`
}

// filterBy renders the Typesense filter_by expression of q.
func (q Query) filterBy() string {
	var parts []string
	add := func(field, v string) {
		if v != "" {
			parts = append(parts, field+":="+"`"+strings.ReplaceAll(v, "`", "")+"`")
		}
	}
	add("channel", q.Channel)
	add("senderId", q.SenderID)
	add("status", q.Status)
	return strings.Join(parts, " && ")
}

// Search queries messageText, then senderName.
func (t *Typesense) Search(ctx context.Context, q Query) ([]Hit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	text := strings.TrimSpace(q.Q)
	if text == "" {
		text = "*"
	}
	params := map[string]string{
		"q":                text,
		"query_by":         "messageText,senderName",
		"query_by_weights": "2,1",
		"sort_by":          "_text_match:desc,createdAt:desc",
		"per_page":         strconv.Itoa(limit),
	}
	if f := q.filterBy(); f != "" {
		params["filter_by"] = f
	}
	var out tsSearchResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		Get("/collections/" + url.PathEscape(t.collection) + "/documents/search")
	if err != nil {
		return nil, fmt.Errorf("typesense search: %w", err)
	}
	if resp.IsError() {
		return nil, t.statusErr("search", resp)
	}
	hits := make([]Hit, 0, len(out.Hits))
	for _, h := range out.Hits {
		hits = append(hits, Hit{Document: h.Document, Score: float64(h.TextMatch)})
	}
	return hits, nil
}
