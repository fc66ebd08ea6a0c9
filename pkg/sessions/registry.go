package sessions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/flipmentor/internal/observability"
	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/rs/zerolog"
)

// ErrInvalidKey is returned for a blank session key.
var ErrInvalidKey = errors.New("session key is required")

// ClientFactory builds the client for a session key.
type ClientFactory func(key string) (*assistant.Client, error)

// Registry maps session keys to clients.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*entry
	factory ClientFactory
	logger  zerolog.Logger
}

// entry counts the callers currently holding a client. Leased clients are
// never evicted.
type entry struct {
	client *assistant.Client
	leases int
}

// NewRegistry creates an empty registry.
func NewRegistry(factory ClientFactory, logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()
	return &Registry{
		clients: make(map[string]*entry),
		factory: factory,
		logger:  logger.With().Str("component", "sessions").Logger(),
	}
}

// SetFactory replaces the factory used for new keys. Existing clients keep
// the options they were built with.
func (r *Registry) SetFactory(factory ClientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = factory
}

// Get returns the client for key, creating it on first use. It counts as
// activity for idle eviction; callers that hold the client across a send
// should use Acquire instead.
func (r *Registry) Get(key string) (*assistant.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.entryLocked(key)
	if err != nil {
		return nil, err
	}
	return e.client, nil
}

// Acquire returns the client for key like Get and keeps it from being
// evicted until release is called. release is safe to call more than once.
func (r *Registry) Acquire(key string) (*assistant.Client, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.entryLocked(key)
	if err != nil {
		return nil, nil, err
	}
	e.leases++

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			e.leases--
			r.mu.Unlock()
			e.client.Touch()
		})
	}
	return e.client, release, nil
}

// entryLocked finds or creates the entry for key. Callers hold r.mu.
func (r *Registry) entryLocked(key string) (*entry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidKey
	}

	if e, ok := r.clients[key]; ok {
		e.client.Touch()
		return e, nil
	}
	if r.factory == nil {
		return nil, errors.New("client factory is not configured")
	}

	c, err := r.factory(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", key, err)
	}
	e := &entry{client: c}
	r.clients[key] = e
	observability.SetActiveSessions(len(r.clients))

	r.logger.Debug().Str("session_key", key).Msg("Client created")
	return e, nil
}

// Lookup returns the client for key without creating one.
func (r *Registry) Lookup(key string) (*assistant.Client, bool) {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[key]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Reset forces a new remote session for key on its next send. It reports
// whether the key was known.
func (r *Registry) Reset(key string) bool {
	c, ok := r.Lookup(key)
	if !ok {
		return false
	}
	c.Reset()
	return true
}

// Remove closes and forgets the client for key.
func (r *Registry) Remove(key string) bool {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	e, ok := r.clients[key]
	if ok {
		delete(r.clients, key)
		observability.SetActiveSessions(len(r.clients))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.closeClient(key, e.client)
	return true
}

// Keys returns the known session keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.clients))
	for k := range r.clients {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// EvictIdle removes clients whose last activity is older than ttl at now.
// Busy and leased clients are skipped.
func (r *Registry) EvictIdle(ttl time.Duration, now time.Time) []string {
	r.mu.Lock()
	evicted := make(map[string]*assistant.Client)
	for key, e := range r.clients {
		if e.leases > 0 || e.client.Busy() {
			continue
		}
		if now.Sub(e.client.LastActivity()) >= ttl {
			evicted[key] = e.client
			delete(r.clients, key)
		}
	}
	observability.SetActiveSessions(len(r.clients))
	r.mu.Unlock()

	keys := make([]string, 0, len(evicted))
	for key, c := range evicted {
		r.closeClient(key, c)
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		observability.RecordSessionsEvicted(len(keys))
		r.logger.Info().Int("evicted", len(keys)).Dur("idle_ttl", ttl).Msg("Evicted idle sessions")
	}
	return keys
}

// Close closes every client.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*entry)
	observability.SetActiveSessions(0)
	r.mu.Unlock()

	for key, e := range clients {
		r.closeClient(key, e.client)
	}
}

func (r *Registry) closeClient(key string, c *assistant.Client) {
	if err := c.Close(); err != nil {
		r.logger.Warn().Err(err).Str("session_key", key).Msg("Failed to close client")
	}
}
