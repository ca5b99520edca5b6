package channel

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// Registry maps channel names to implementations.
type Registry struct {
	mu       sync.RWMutex
	channels map[domain.Channel]Channel
	log      zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		channels: make(map[domain.Channel]Channel),
		log:      log.With().Str("component", "channels").Logger(),
	}
}

// Register adds or replaces ch under its name.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
	r.log.Info().Str("channel", string(ch.Name())).Msg("channel registered")
}

// Get returns the channel registered under name.
func (r *Registry) Get(name domain.Channel) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil, ErrUnknownChannel
	}
	return ch, nil
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
