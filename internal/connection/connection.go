// Package connection resolves channel credentials. A Connection binds one
// business account on one channel (a WhatsApp phone number, a Facebook page,
// an Instagram account) to its access token and reply settings.
package connection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tbourn/inbox-ai-pipeline/internal/channel"
	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// ErrNotFound is returned when no connection matches.
var ErrNotFound = errors.New("connection not found")

// Connection is one set of channel credentials.
type Connection struct {
	ID            string         `yaml:"id"`
	UserID        string         `yaml:"userId"`
	Channel       domain.Channel `yaml:"channel"`
	AccountID     string         `yaml:"accountId"`
	AccessToken   string         `yaml:"accessToken"`
	PhoneNumberID string         `yaml:"phoneNumberId"`
	PageID        string         `yaml:"pageId"`
	SystemPrompt  string         `yaml:"systemPrompt"`
	ModelParams   map[string]any `yaml:"modelParams"`
	Disabled      bool           `yaml:"disabled"`
}

// Credentials returns the send credentials of c.
func (c Connection) Credentials() channel.Credentials {
	return channel.Credentials{
		AccessToken:   c.AccessToken,
		PhoneNumberID: c.PhoneNumberID,
		PageID:        c.PageID,
	}
}

// Store looks connections up by id or by (channel, account id).
type Store interface {
	Get(ctx context.Context, id string) (*Connection, error)
	FindByAccount(ctx context.Context, ch domain.Channel, accountID string) (*Connection, error)
}

// StaticStore is an in-memory Store.
type StaticStore struct {
	mu        sync.RWMutex
	byID      map[string]Connection
	byAccount map[string]string
}

// NewStaticStore indexes conns. Later entries win on duplicate ids.
func NewStaticStore(conns ...Connection) *StaticStore {
	s := &StaticStore{}
	s.Replace(conns)
	return s
}

func accountKey(ch domain.Channel, accountID string) string {
	return string(ch) + ":" + accountID
}

// Replace swaps the full set of connections.
func (s *StaticStore) Replace(conns []Connection) {
	byID := make(map[string]Connection, len(conns))
	byAccount := make(map[string]string, len(conns))
	for _, c := range conns {
		byID[c.ID] = c
		for _, acct := range []string{c.AccountID, c.PhoneNumberID, c.PageID} {
			if acct != "" {
				byAccount[accountKey(c.Channel, acct)] = c.ID
			}
		}
	}
	s.mu.Lock()
	s.byID, s.byAccount = byID, byAccount
	s.mu.Unlock()
}

// Get returns the connection with id.
func (s *StaticStore) Get(_ context.Context, id string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// FindByAccount matches accountID against the account, phone number and
// page ids of connections on ch. Disabled connections are skipped.
func (s *StaticStore) FindByAccount(_ context.Context, ch domain.Channel, accountID string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAccount[accountKey(ch, accountID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := s.byID[id]
	if c.Disabled {
		return nil, ErrNotFound
	}
	return &c, nil
}

// Len returns the number of connections.
func (s *StaticStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

type fileDoc struct {
	Connections []Connection `yaml:"connections"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} with its value; unset variables are kept.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}

// LoadFile reads a YAML document of the form
//
//	connections:
//	  - id: wa-main
//	    channel: whatsapp
//	    phoneNumberId: "1234"
//	    accessToken: ${WA_TOKEN}
//
// into a StaticStore. Access tokens may reference environment variables.
func LoadFile(path string) (*StaticStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a connections document.
func Parse(data []byte) (*StaticStore, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse connections: %w", err)
	}
	seen := make(map[string]bool, len(doc.Connections))
	for i := range doc.Connections {
		c := &doc.Connections[i]
		if c.ID == "" {
			return nil, fmt.Errorf("connection #%d: id is required", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("connection %q: duplicate id", c.ID)
		}
		seen[c.ID] = true
		if !c.Channel.Valid() {
			return nil, fmt.Errorf("connection %q: unknown channel %q", c.ID, c.Channel)
		}
		c.AccessToken = expandEnvVars(c.AccessToken)
	}
	return NewStaticStore(doc.Connections...), nil
}
