package search

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// MemoryIndex is a concurrency-safe in-process index. Scoring is Jaccard
// similarity between the query token set and the message text token set,
// plus half the Jaccard score against the sender name:
// score = J(Q, text) + 0.5 * J(Q, name).
type MemoryIndex struct {
	cfg config

	mu   sync.RWMutex
	docs map[string]entry
}

type entry struct {
	doc        Document
	textTokens map[string]struct{}
	nameTokens map[string]struct{}
}

// Option configures a MemoryIndex.
type Option func(*config)

type config struct {
	stopwords map[string]struct{}
	maxDocs   int
}

func defaultConfig() config { return config{} }

// WithStopwords drops the given words from documents and queries.
func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			w = fold(strings.TrimSpace(w))
			if w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			c.stopwords = m
		}
	}
}

// WithMaxDocs caps the number of indexed documents; new ids beyond the cap
// are ignored. Updates to existing ids always apply.
func WithMaxDocs(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDocs = n
		}
	}
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex(opts ...Option) *MemoryIndex {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &MemoryIndex{cfg: cfg, docs: make(map[string]entry)}
}

// Len returns the number of indexed documents.
func (i *MemoryIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

// Upsert adds or replaces documents by id.
func (i *MemoryIndex) Upsert(_ context.Context, docs ...Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, d := range docs {
		if d.ID == "" {
			continue
		}
		if _, exists := i.docs[d.ID]; !exists && i.cfg.maxDocs > 0 && len(i.docs) >= i.cfg.maxDocs {
			continue
		}
		i.docs[d.ID] = entry{
			doc:        d,
			textTokens: tokenize(d.MessageText, i.cfg.stopwords),
			nameTokens: tokenize(d.SenderName, i.cfg.stopwords),
		}
	}
	return nil
}

// Delete removes id; missing ids are not an error.
func (i *MemoryIndex) Delete(_ context.Context, id string) error {
	i.mu.Lock()
	delete(i.docs, id)
	i.mu.Unlock()
	return nil
}

// Search ranks matching documents. A blank Q lists filtered documents by
// recency with score 0. Ties break on CreatedAt (newest first), then id.
func (i *MemoryIndex) Search(_ context.Context, q Query) ([]Hit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	qTokens := tokenize(q.Q, i.cfg.stopwords)
	blank := strings.TrimSpace(q.Q) == ""
	if !blank && len(qTokens) == 0 {
		return nil, nil
	}

	i.mu.RLock()
	hits := make([]Hit, 0, min(limit*4, len(i.docs)))
	for _, e := range i.docs {
		if !q.matches(e.doc) {
			continue
		}
		if blank {
			hits = append(hits, Hit{Document: e.doc})
			continue
		}
		score := jaccard(qTokens, e.textTokens) + 0.5*jaccard(qTokens, e.nameTokens)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{Document: e.doc, Score: score})
	}
	i.mu.RUnlock()

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		if hits[a].Document.CreatedAt != hits[b].Document.CreatedAt {
			return hits[a].Document.CreatedAt > hits[b].Document.CreatedAt
		}
		return hits[a].Document.ID < hits[b].Document.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (q Query) matches(d Document) bool {
	if q.Channel != "" && d.Channel != q.Channel {
		return false
	}
	if q.SenderID != "" && d.SenderID != q.SenderID {
		return false
	}
	if q.Status != "" && d.Status != q.Status {
		return false
	}
	return true
}

// ----------------------------------------------------------------------------
// Helpers

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*|\p{N}+`)

// fold applies Unicode case folding so "MERHABA" and "merhaba" match.
func fold(s string) string {
	return cases.Fold().String(s)
}

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(fold(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if stop != nil {
			if _, skip := stop[w]; skip {
				continue
			}
		}
		out[w] = struct{}{}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func jaccard(q, d map[string]struct{}) float64 {
	over := overlap(q, d)
	if over == 0 {
		return 0
	}
	return float64(over) / float64(len(q)+len(d)-over)
}
